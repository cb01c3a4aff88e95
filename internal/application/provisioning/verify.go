package provisioning

// verify.go — post-completion drift detection.
//
// Flags are append-only: nothing in the pipeline ever moves one back to
// false, even if an allowance or delegation is revoked out-of-band after
// being marked complete. Verify re-reads ground truth and *reports* drift
// without mutating any flag, leaving remediation to an operator.

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

// DriftReport lists completed steps whose external state no longer matches.
type DriftReport struct {
	SafeCodeMissing   bool
	RevokedAllowances domain.AllowanceState
	CredentialMissing bool
}

// Clean reports whether ground truth still matches the flags.
func (r DriftReport) Clean() bool {
	return !r.SafeCodeMissing && !r.RevokedAllowances.AnyNeeded() && !r.CredentialMissing
}

// Verify re-checks on-chain and stored state against the user's completed
// flags. Steps still pending are skipped — drift only makes sense for work
// that was confirmed done.
func (o *Orchestrator) Verify(ctx context.Context, userID string) (DriftReport, domain.ProvisioningRecord, error) {
	var report DriftReport

	rec, ok, err := o.deps.Store.GetRecord(ctx, userID)
	if err != nil {
		return report, rec, err
	}
	if !ok {
		return report, rec, fmt.Errorf("provisioning.Verify: no record for user %s", userID)
	}

	safeAddr := common.HexToAddress(rec.SafeAddress)

	if rec.Flags.SafeDeployed {
		deployed, err := o.deps.Chain.HasCode(ctx, safeAddr)
		if err != nil {
			return report, rec, err
		}
		report.SafeCodeMissing = !deployed
	}

	if rec.Flags.AllowancesSet {
		state, err := o.deps.Chain.ReadAllowances(ctx, safeAddr)
		if err != nil {
			return report, rec, err
		}
		report.RevokedAllowances = state
	}

	if rec.Flags.ClobCredentialsIssued {
		_, ok, err := o.deps.Store.GetCredential(ctx, userID)
		if err != nil {
			return report, rec, err
		}
		report.CredentialMissing = !ok
	}

	return report, rec, nil
}
