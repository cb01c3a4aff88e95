package provisioning

// orchestrator.go — the account provisioning state machine.
//
// EnsureProvisioned takes a freshly-authenticated user to a tradeable state:
//
//	profile → session-signer delegation → Safe deployment → allowances →
//	exchange credentials
//
// Each step is gated by a monotonic flag in the store and is itself
// idempotent, so the whole entry point can be re-invoked after any partial
// failure and converges without duplicating on-chain transactions. The two
// rules that make this safe:
//
//	(a) on-chain ground truth is read before anything is submitted, and
//	(b) a flag is persisted only after a confirmed terminal result —
//	    never because a call merely returned without error.
//
// Conflict/duplicate responses from the custody provider or relayer are
// success signals: they distinguish "already happened but this call didn't
// know" from "didn't happen".

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/alejandrodnm/polyterm/internal/domain"
	"github.com/alejandrodnm/polyterm/internal/metrics"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

const (
	// After a relay-confirmed deployment, code presence is re-verified by
	// polling the node — a relay may report success before the node has
	// observed the block.
	codePollAttempts = 10

	defaultCodePollWait = 2 * time.Second
)

// Config controls the session-signer delegation step.
type Config struct {
	SessionSignerID string
	SignerPolicies  []string
}

// Deps are the external collaborators the orchestrator sequences.
type Deps struct {
	Store    ports.CredentialStore
	Custody  ports.CustodyProvider
	Chain    ports.ChainClient
	Relay    ports.Relayer
	Exchange ports.ExchangeClient
	Metrics  *metrics.Provisioning
}

// Orchestrator sequences the provisioning steps for each user.
type Orchestrator struct {
	cfg  Config
	deps Deps

	// Per-user single-flight: two tabs provisioning concurrently share one
	// run. Not required for correctness (every step tolerates the race)
	// but avoids redundant gas spend.
	group singleflight.Group

	codePollWait time.Duration
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		deps:         deps,
		codePollWait: defaultCodePollWait,
	}
}

// EnsureProvisioned runs the missing provisioning steps for the user and
// returns the resulting record. walletID and custodyAddress must come from
// the custody provider via a verified session — never from client input.
//
// Any step failure aborts the remaining steps and returns a *domain.StepError
// naming the failed step; flags already set are retained, so a later call
// resumes exactly where this one stopped.
func (o *Orchestrator) EnsureProvisioned(ctx context.Context, userID, walletID, custodyAddress string) (domain.ProvisioningRecord, error) {
	if userID == "" || walletID == "" || !common.IsHexAddress(custodyAddress) {
		return domain.ProvisioningRecord{}, fmt.Errorf("provisioning: invalid identity: user=%q wallet=%q address=%q",
			userID, walletID, custodyAddress)
	}

	v, err, _ := o.group.Do(userID, func() (any, error) {
		return o.run(ctx, userID, walletID, common.HexToAddress(custodyAddress))
	})
	o.deps.Metrics.ObserveRun(err)
	if err != nil {
		return domain.ProvisioningRecord{}, err
	}
	return v.(domain.ProvisioningRecord), nil
}

// run executes the five steps sequentially. Steps depend on the confirmed
// result of their predecessors, so there is no intra-run parallelism beyond
// the fan-out inside individual steps.
func (o *Orchestrator) run(ctx context.Context, userID, walletID string, custodyAddr common.Address) (domain.ProvisioningRecord, error) {
	rec, err := o.ensureRecord(ctx, userID, walletID, custodyAddr)
	o.deps.Metrics.ObserveStep(domain.StepProfile, err)
	if err != nil {
		// Store failures abort before any on-chain action; there may be no
		// record to attach a diagnostic to.
		return rec, domain.NewStepError(domain.StepProfile, err)
	}

	type step struct {
		tag domain.Step
		fn  func(context.Context, *domain.ProvisioningRecord) error
	}
	steps := []step{
		{domain.StepDelegation, o.delegateSessionSigner},
		{domain.StepSafeDeploy, o.ensureSafeDeployed},
		{domain.StepAllowances, o.ensureAllowances},
		{domain.StepCredentials, o.ensureCredentials},
	}

	for _, s := range steps {
		err := s.fn(ctx, &rec)
		o.deps.Metrics.ObserveStep(s.tag, err)
		if err != nil {
			stepErr := domain.NewStepError(s.tag, err)
			if serr := o.deps.Store.SetLastError(ctx, userID, stepErr.Error()); serr != nil {
				slog.Warn("provisioning: failed to record diagnostic", "user", userID, "err", serr)
			}
			slog.Error("provisioning: step failed",
				"user", userID, "step", s.tag, "retryable", domain.Retryable(err), "err", err)
			return rec, stepErr
		}
	}

	if err := o.deps.Store.ClearLastError(ctx, userID); err != nil {
		slog.Warn("provisioning: failed to clear diagnostic", "user", userID, "err", err)
	}

	rec, _, err = o.deps.Store.GetRecord(ctx, userID)
	if err != nil {
		return rec, domain.NewStepError(domain.StepProfile, err)
	}

	slog.Info("provisioning: complete", "user", userID, "safe", rec.SafeAddress)
	return rec, nil
}

// ensureRecord creates the provisioning record on first login. The upsert
// never clobbers, so a concurrent racer's progress survives.
func (o *Orchestrator) ensureRecord(ctx context.Context, userID, walletID string, custodyAddr common.Address) (domain.ProvisioningRecord, error) {
	rec, ok, err := o.deps.Store.GetRecord(ctx, userID)
	if err != nil {
		return domain.ProvisioningRecord{}, err
	}
	if ok {
		if rec.CustodyAddress != custodyAddr.Hex() {
			return rec, fmt.Errorf("custody address mismatch: stored %s, resolved %s",
				rec.CustodyAddress, custodyAddr.Hex())
		}
		return rec, nil
	}

	err = o.deps.Store.CreateRecord(ctx, domain.ProvisioningRecord{
		UserID:          userID,
		CustodyWalletID: walletID,
		CustodyAddress:  custodyAddr.Hex(),
	})
	if err != nil {
		return domain.ProvisioningRecord{}, err
	}

	rec, ok, err = o.deps.Store.GetRecord(ctx, userID)
	if err != nil {
		return domain.ProvisioningRecord{}, err
	}
	if !ok {
		return domain.ProvisioningRecord{}, fmt.Errorf("record vanished after create: %w", domain.ErrStoreUnavailable)
	}
	slog.Info("provisioning: record created", "user", userID, "wallet", walletID)
	return rec, nil
}

// delegateSessionSigner registers the scoped signer with the custody
// provider. A conflict means a prior attempt already succeeded without this
// process learning of it — treated as success.
func (o *Orchestrator) delegateSessionSigner(ctx context.Context, rec *domain.ProvisioningRecord) error {
	if rec.Flags.SessionSignerDelegated {
		return nil
	}

	err := o.deps.Custody.DelegateSessionSigner(ctx, rec.CustodyWalletID, o.cfg.SessionSignerID, o.cfg.SignerPolicies)
	switch {
	case errors.Is(err, domain.ErrProviderConflict):
		slog.Debug("provisioning: session signer already delegated", "user", rec.UserID)
	case err != nil:
		return err
	}

	if err := o.deps.Store.MarkFlag(ctx, rec.UserID, domain.FlagSessionSignerDelegated); err != nil {
		return err
	}
	rec.Flags.SessionSignerDelegated = true
	return nil
}

// ensureSafeDeployed derives the Safe address, persists it as soon as known,
// and deploys the contract if the chain shows no code at that address. The
// flag is set only after confirmed on-chain code presence — the relay
// response alone is not trusted.
func (o *Orchestrator) ensureSafeDeployed(ctx context.Context, rec *domain.ProvisioningRecord) error {
	custodyAddr := common.HexToAddress(rec.CustodyAddress)
	safeAddr := o.deps.Relay.ExpectedSafeAddress(custodyAddr)

	if rec.SafeAddress == "" {
		if err := o.deps.Store.SetSafeAddress(ctx, rec.UserID, safeAddr.Hex()); err != nil {
			return err
		}
		rec.SafeAddress = safeAddr.Hex()
	}

	if rec.Flags.SafeDeployed {
		return nil
	}

	deployed, err := o.deps.Chain.HasCode(ctx, safeAddr)
	if err != nil {
		return err
	}

	if !deployed {
		pending, err := o.deps.Relay.Deploy(ctx, custodyAddr)
		switch {
		case errors.Is(err, domain.ErrProviderConflict):
			// Relayer says already deployed; fall through to the code check.
		case err != nil:
			return err
		default:
			if _, err := pending.Wait(ctx); err != nil {
				return err
			}
		}

		deployed, err = o.confirmCode(ctx, safeAddr)
		if err != nil {
			return err
		}
		if !deployed {
			return fmt.Errorf("safe %s has no code after deployment: %w", safeAddr.Hex(), domain.ErrConfirmationTimeout)
		}
		slog.Info("provisioning: safe deployed", "user", rec.UserID, "safe", safeAddr.Hex())
	}

	if err := o.deps.Store.MarkFlag(ctx, rec.UserID, domain.FlagSafeDeployed); err != nil {
		return err
	}
	rec.Flags.SafeDeployed = true
	return nil
}

// ensureAllowances reads the three approvals from the chain and submits one
// batched transaction for whatever is missing. Allowances set out-of-band
// short-circuit to success with zero transactions — the read is the
// authority, not the flag.
func (o *Orchestrator) ensureAllowances(ctx context.Context, rec *domain.ProvisioningRecord) error {
	if rec.Flags.AllowancesSet {
		return nil
	}

	safeAddr := common.HexToAddress(rec.SafeAddress)
	custodyAddr := common.HexToAddress(rec.CustodyAddress)

	state, err := o.deps.Chain.ReadAllowances(ctx, safeAddr)
	if err != nil {
		return err
	}

	if state.AnyNeeded() {
		calls := o.deps.Chain.ApprovalCalls(state)
		slog.Info("provisioning: submitting approvals", "user", rec.UserID, "count", len(calls))

		pending, err := o.deps.Relay.Execute(ctx, custodyAddr, calls, "token approvals")
		if err != nil && !errors.Is(err, domain.ErrProviderConflict) {
			return err
		}
		if pending != nil {
			if _, err := pending.Wait(ctx); err != nil {
				return err
			}
		}

		// Confirm on the node, not on the relay's word.
		state, err = o.deps.Chain.ReadAllowances(ctx, safeAddr)
		if err != nil {
			return err
		}
		if state.AnyNeeded() {
			return fmt.Errorf("%d approvals still unset after confirmation: %w", state.Count(), domain.ErrConfirmationTimeout)
		}
	} else {
		slog.Debug("provisioning: all allowances already set", "user", rec.UserID)
	}

	if err := o.deps.Store.MarkFlag(ctx, rec.UserID, domain.FlagAllowancesSet); err != nil {
		return err
	}
	rec.Flags.AllowancesSet = true
	return nil
}

// ensureCredentials derives the exchange API credential with a signed
// typed-data challenge. Derivation is deterministic per signer, so a racer
// or a retry lands on the same credential.
func (o *Orchestrator) ensureCredentials(ctx context.Context, rec *domain.ProvisioningRecord) error {
	if rec.Flags.ClobCredentialsIssued {
		return nil
	}

	signer := o.deps.Custody.Signer(rec.CustodyWalletID, common.HexToAddress(rec.CustodyAddress))
	cred, err := o.deps.Exchange.DeriveAPIKey(ctx, signer)
	if err != nil {
		return err
	}
	cred.UserID = rec.UserID

	if err := o.deps.Store.UpsertCredential(ctx, cred); err != nil {
		return err
	}
	if err := o.deps.Store.MarkFlag(ctx, rec.UserID, domain.FlagClobCredentialsIssued); err != nil {
		return err
	}
	rec.Flags.ClobCredentialsIssued = true
	slog.Info("provisioning: exchange credentials issued", "user", rec.UserID)
	return nil
}

// confirmCode polls for contract code at addr until present or attempts run
// out.
func (o *Orchestrator) confirmCode(ctx context.Context, addr common.Address) (bool, error) {
	for attempt := 0; attempt < codePollAttempts; attempt++ {
		deployed, err := o.deps.Chain.HasCode(ctx, addr)
		if err == nil && deployed {
			return true, nil
		}
		if err != nil {
			slog.Debug("provisioning: code check failed", "addr", addr.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(o.codePollWait):
		}
	}
	return false, nil
}
