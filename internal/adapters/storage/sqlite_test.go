package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyterm/internal/adapters/storage"
	"github.com/alejandrodnm/polyterm/internal/domain"
)

func newStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func makeRecord(userID string) domain.ProvisioningRecord {
	return domain.ProvisioningRecord{
		UserID:          userID,
		CustodyWalletID: "wallet-" + userID,
		CustodyAddress:  "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf",
	}
}

func TestCreateAndGetRecord(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, ok, err := s.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CreateRecord(ctx, makeRecord("user-1")))

	rec, ok, err := s.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "wallet-user-1", rec.CustodyWalletID)
	assert.False(t, rec.Flags.SessionSignerDelegated)
	assert.False(t, rec.Flags.Complete())
}

func TestCreateRecord_NeverClobbers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRecord(ctx, makeRecord("user-1")))
	require.NoError(t, s.MarkFlag(ctx, "user-1", domain.FlagSessionSignerDelegated))

	// A concurrent first-login racer re-creates — flags must survive.
	require.NoError(t, s.CreateRecord(ctx, makeRecord("user-1")))

	rec, _, err := s.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, rec.Flags.SessionSignerDelegated)
}

func TestMarkFlag_Monotonic(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRecord(ctx, makeRecord("user-1")))

	for _, flag := range []domain.Flag{
		domain.FlagSessionSignerDelegated,
		domain.FlagSafeDeployed,
		domain.FlagAllowancesSet,
		domain.FlagClobCredentialsIssued,
	} {
		require.NoError(t, s.MarkFlag(ctx, "user-1", flag))
		// Marking twice stays true.
		require.NoError(t, s.MarkFlag(ctx, "user-1", flag))
	}

	rec, _, err := s.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, rec.Flags.Complete())
}

func TestMarkFlag_UnknownFlagOrUser(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	assert.Error(t, s.MarkFlag(ctx, "user-1", domain.Flag("bogus")))

	require.NoError(t, s.CreateRecord(ctx, makeRecord("user-1")))
	assert.Error(t, s.MarkFlag(ctx, "missing-user", domain.FlagSafeDeployed))
}

func TestSetSafeAddress_Immutable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRecord(ctx, makeRecord("user-1")))

	require.NoError(t, s.SetSafeAddress(ctx, "user-1", "0xaaa"))
	// Second write is ignored — the address never changes once observed.
	require.NoError(t, s.SetSafeAddress(ctx, "user-1", "0xbbb"))

	rec, _, err := s.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "0xaaa", rec.SafeAddress)
}

func TestLastError_SetAndClear(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRecord(ctx, makeRecord("user-1")))

	require.NoError(t, s.SetLastError(ctx, "user-1", "step allowances: confirmation timed out"))
	rec, _, err := s.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.Contains(t, rec.LastError, "allowances")

	require.NoError(t, s.ClearLastError(ctx, "user-1"))
	rec, _, err = s.GetRecord(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, rec.LastError)
}

func TestCredential_UpsertAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, ok, err := s.GetCredential(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	cred := domain.Credential{
		UserID:     "user-1",
		Address:    "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf",
		Key:        "key-1",
		Secret:     "secret-1",
		Passphrase: "pass-1",
		IssuedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.UpsertCredential(ctx, cred))

	got, ok, err := s.GetCredential(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "key-1", got.Key)

	// Re-derivation overwrites in place — still one row.
	cred.Key = "key-2"
	require.NoError(t, s.UpsertCredential(ctx, cred))

	got, ok, err = s.GetCredential(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "key-2", got.Key)
}
