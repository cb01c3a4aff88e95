package domain

import "time"

// Step identifies one stage of the account provisioning pipeline.
type Step string

const (
	StepProfile     Step = "profile"
	StepDelegation  Step = "delegation"
	StepSafeDeploy  Step = "safe_deploy"
	StepAllowances  Step = "allowances"
	StepCredentials Step = "credentials"
)

// Flag names one of the monotonic progress flags on a ProvisioningRecord.
type Flag string

const (
	FlagSessionSignerDelegated Flag = "session_signer_delegated"
	FlagSafeDeployed           Flag = "safe_deployed"
	FlagAllowancesSet          Flag = "allowances_set"
	FlagClobCredentialsIssued  Flag = "clob_credentials_issued"
)

// Flags is the per-user provisioning progress. Each flag is set exactly once
// to true and never reset.
type Flags struct {
	SessionSignerDelegated bool
	SafeDeployed           bool
	AllowancesSet          bool
	ClobCredentialsIssued  bool
}

// Complete reports whether every provisioning step has finished.
func (f Flags) Complete() bool {
	return f.SessionSignerDelegated && f.SafeDeployed && f.AllowancesSet && f.ClobCredentialsIssued
}

// ProvisioningRecord is the durable per-user provisioning state.
// CustodyWalletID and CustodyAddress are set once at creation and immutable.
// SafeAddress is empty until derived, then never changes.
type ProvisioningRecord struct {
	UserID          string
	CustodyWalletID string
	CustodyAddress  string
	SafeAddress     string
	Flags           Flags
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Credential is a derived exchange (CLOB) API credential, one per user.
// Re-deriving with the same signer yields the same underlying credential.
type Credential struct {
	UserID     string
	Address    string
	Key        string
	Secret     string
	Passphrase string
	IssuedAt   time.Time
}

// AllowanceState is computed on demand from on-chain reads, never persisted.
// Each field is true when the corresponding approval still needs to be set.
type AllowanceState struct {
	CollateralForCTF      bool // collateral ERC20 → conditional tokens contract
	CollateralForExchange bool // collateral ERC20 → exchange contract
	CTFForExchange        bool // conditional tokens setApprovalForAll → exchange
}

// AnyNeeded reports whether at least one approval transaction is required.
func (s AllowanceState) AnyNeeded() bool {
	return s.CollateralForCTF || s.CollateralForExchange || s.CTFForExchange
}

// Count returns how many approvals are still unset.
func (s AllowanceState) Count() int {
	n := 0
	for _, b := range []bool{s.CollateralForCTF, s.CollateralForExchange, s.CTFForExchange} {
		if b {
			n++
		}
	}
	return n
}

// CustodyWallet is the verified wallet reference resolved from the custody
// provider. Never trust a client-supplied address — always re-resolve.
type CustodyWallet struct {
	ID      string
	Address string
}
