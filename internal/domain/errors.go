package domain

// errors.go — provisioning error taxonomy.
//
// Every external failure is normalized to one of these sentinels at the
// adapter boundary, so the orchestrator and its callers can decide on
// retry/abort without inspecting provider-specific payloads.

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientNetwork covers timeouts, rate limits, and transient
	// transport failures. Safe to retry locally.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrProviderConflict means the provider reports the requested side
	// effect already exists. For delegation-style steps this is a success
	// signal, not a failure.
	ErrProviderConflict = errors.New("provider conflict: already exists")

	// ErrOnChainRevert means a transaction executed and reverted. Fatal for
	// the step; retrying the same transaction will revert again.
	ErrOnChainRevert = errors.New("transaction reverted on-chain")

	// ErrInsufficientFunds is fatal and user-actionable.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConfirmationTimeout is ambiguous: the transaction may or may not
	// have landed. Callers should re-invoke provisioning later and let the
	// steps re-read ground truth.
	ErrConfirmationTimeout = errors.New("confirmation timed out")

	// ErrStoreUnavailable aborts provisioning before any on-chain action.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// StepError tags a failure with the provisioning step it occurred in, so the
// caller can show targeted guidance and retry from that point.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provisioning step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError wraps err with the failing step tag.
func NewStepError(step Step, err error) *StepError {
	return &StepError{Step: step, Err: err}
}

// Retryable reports whether the error is worth retrying by re-invoking the
// provisioning entry point (the failed step re-checks ground truth first).
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrConfirmationTimeout)
}
