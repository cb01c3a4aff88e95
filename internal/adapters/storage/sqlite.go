package storage

// sqlite.go — durable CredentialStore.
//
// Two tables, both keyed on user_id:
//   - `provisioning_records`: one row per user, monotonic progress flags.
//     Flag updates use MAX(old, new) so a stale writer can never move a flag
//     back to 0. safe_address writes only land while the column is empty.
//   - `exchange_credentials`: one row per user, plain upsert — re-derivation
//     yields the same credential so overwrites are harmless.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS provisioning_records (
    user_id                  TEXT PRIMARY KEY,
    custody_wallet_id        TEXT NOT NULL,
    custody_address          TEXT NOT NULL,
    safe_address             TEXT NOT NULL DEFAULT '',
    session_signer_delegated INTEGER NOT NULL DEFAULT 0,
    safe_deployed            INTEGER NOT NULL DEFAULT 0,
    allowances_set           INTEGER NOT NULL DEFAULT 0,
    clob_credentials_issued  INTEGER NOT NULL DEFAULT 0,
    last_error               TEXT NOT NULL DEFAULT '',
    created_at               DATETIME NOT NULL,
    updated_at               DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS exchange_credentials (
    user_id    TEXT PRIMARY KEY,
    address    TEXT NOT NULL,
    api_key    TEXT NOT NULL,
    secret     TEXT NOT NULL,
    passphrase TEXT NOT NULL,
    issued_at  DATETIME NOT NULL
);
`

// flag → column, fixed set so flag names never reach SQL unchecked.
var flagColumns = map[domain.Flag]string{
	domain.FlagSessionSignerDelegated: "session_signer_delegated",
	domain.FlagSafeDeployed:           "safe_deployed",
	domain.FlagAllowancesSet:          "allowances_set",
	domain.FlagClobCredentialsIssued:  "clob_credentials_issued",
}

// SQLiteStore implements ports.CredentialStore using SQLite (pure Go, no CGo).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at the given path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStore: apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetRecord returns the provisioning record for userID, reporting existence.
func (s *SQLiteStore) GetRecord(ctx context.Context, userID string) (domain.ProvisioningRecord, bool, error) {
	var rec domain.ProvisioningRecord
	var delegated, deployed, allowances, creds int

	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, custody_wallet_id, custody_address, safe_address,
		       session_signer_delegated, safe_deployed, allowances_set,
		       clob_credentials_issued, last_error, created_at, updated_at
		FROM provisioning_records WHERE user_id = ?
	`, userID).Scan(
		&rec.UserID,
		&rec.CustodyWalletID,
		&rec.CustodyAddress,
		&rec.SafeAddress,
		&delegated,
		&deployed,
		&allowances,
		&creds,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.ProvisioningRecord{}, false, nil
	}
	if err != nil {
		return domain.ProvisioningRecord{}, false, fmt.Errorf("storage.GetRecord: %w: %v", domain.ErrStoreUnavailable, err)
	}

	rec.Flags = domain.Flags{
		SessionSignerDelegated: delegated == 1,
		SafeDeployed:           deployed == 1,
		AllowancesSet:          allowances == 1,
		ClobCredentialsIssued:  creds == 1,
	}
	return rec, true, nil
}

// CreateRecord inserts a fresh record. ON CONFLICT DO NOTHING — an existing
// record is never clobbered, so concurrent first logins converge.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec domain.ProvisioningRecord) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provisioning_records
			(user_id, custody_wallet_id, custody_address, safe_address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, rec.UserID, rec.CustodyWalletID, rec.CustodyAddress, rec.SafeAddress, now, now)
	if err != nil {
		return fmt.Errorf("storage.CreateRecord: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// SetSafeAddress persists the derived Safe address, only while still empty.
func (s *SQLiteStore) SetSafeAddress(ctx context.Context, userID, address string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provisioning_records
		SET safe_address = ?, updated_at = ?
		WHERE user_id = ? AND safe_address = ''
	`, address, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("storage.SetSafeAddress: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// MarkFlag sets a progress flag to true. MAX keeps the write monotonic.
func (s *SQLiteStore) MarkFlag(ctx context.Context, userID string, flag domain.Flag) error {
	col, ok := flagColumns[flag]
	if !ok {
		return fmt.Errorf("storage.MarkFlag: unknown flag %q", flag)
	}

	query := fmt.Sprintf(`
		UPDATE provisioning_records
		SET %s = MAX(%s, 1), updated_at = ?
		WHERE user_id = ?
	`, col, col)

	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("storage.MarkFlag: %w: %v", domain.ErrStoreUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.MarkFlag: no record for user %s", userID)
	}
	return nil
}

// SetLastError overwrites the failure diagnostic for userID.
func (s *SQLiteStore) SetLastError(ctx context.Context, userID, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE provisioning_records SET last_error = ?, updated_at = ? WHERE user_id = ?
	`, msg, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("storage.SetLastError: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// ClearLastError wipes the diagnostic after a fully successful pass.
func (s *SQLiteStore) ClearLastError(ctx context.Context, userID string) error {
	return s.SetLastError(ctx, userID, "")
}

// UpsertCredential stores the derived exchange credential for a user.
func (s *SQLiteStore) UpsertCredential(ctx context.Context, cred domain.Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exchange_credentials (user_id, address, api_key, secret, passphrase, issued_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			address    = excluded.address,
			api_key    = excluded.api_key,
			secret     = excluded.secret,
			passphrase = excluded.passphrase,
			issued_at  = excluded.issued_at
	`, cred.UserID, cred.Address, cred.Key, cred.Secret, cred.Passphrase, cred.IssuedAt.UTC())
	if err != nil {
		return fmt.Errorf("storage.UpsertCredential: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// GetCredential returns the stored exchange credential for userID.
func (s *SQLiteStore) GetCredential(ctx context.Context, userID string) (domain.Credential, bool, error) {
	var cred domain.Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, address, api_key, secret, passphrase, issued_at
		FROM exchange_credentials WHERE user_id = ?
	`, userID).Scan(&cred.UserID, &cred.Address, &cred.Key, &cred.Secret, &cred.Passphrase, &cred.IssuedAt)
	if err == sql.ErrNoRows {
		return domain.Credential{}, false, nil
	}
	if err != nil {
		return domain.Credential{}, false, fmt.Errorf("storage.GetCredential: %w: %v", domain.ErrStoreUnavailable, err)
	}
	return cred, true, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
