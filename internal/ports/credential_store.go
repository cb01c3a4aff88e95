package ports

import (
	"context"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

// CredentialStore is the durable per-user provisioning state. All writes are
// upserts keyed by userID, so concurrent writers converge rather than
// conflict. Flags are monotonic: the store refuses true→false transitions.
type CredentialStore interface {
	// GetRecord returns the provisioning record for userID.
	// The second return is false when no record exists.
	GetRecord(ctx context.Context, userID string) (domain.ProvisioningRecord, bool, error)

	// CreateRecord inserts a fresh record with all flags false. A no-op if
	// the record already exists — existing state is never clobbered.
	CreateRecord(ctx context.Context, rec domain.ProvisioningRecord) error

	// SetSafeAddress persists the derived Safe address. Once set it never
	// changes; subsequent calls with any value are ignored.
	SetSafeAddress(ctx context.Context, userID, address string) error

	// MarkFlag sets the given flag to true. Monotonic — flags never go back.
	MarkFlag(ctx context.Context, userID string, flag domain.Flag) error

	// SetLastError records the latest failure diagnostic for userID.
	SetLastError(ctx context.Context, userID, msg string) error

	// ClearLastError wipes the diagnostic after a fully successful pass.
	ClearLastError(ctx context.Context, userID string) error

	// UpsertCredential stores the derived exchange credential, unique on
	// userID. Re-derivation yields the same credential, so overwrites are
	// harmless.
	UpsertCredential(ctx context.Context, cred domain.Credential) error

	// GetCredential returns the stored exchange credential for userID.
	GetCredential(ctx context.Context, userID string) (domain.Credential, bool, error)

	// Close closes the underlying database cleanly.
	Close() error
}
