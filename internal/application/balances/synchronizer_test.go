package balances

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyterm/internal/domain"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

type stubChain struct {
	mu      sync.Mutex
	balance *big.Int
	err     error
	readCnt int
}

func (c *stubChain) CollateralBalance(context.Context, common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readCnt++
	if c.err != nil {
		return nil, c.err
	}
	return c.balance, nil
}

func (c *stubChain) reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCnt
}

func (c *stubChain) ReadAllowances(context.Context, common.Address) (domain.AllowanceState, error) {
	return domain.AllowanceState{}, nil
}
func (c *stubChain) ApprovalCalls(domain.AllowanceState) []ports.Call { return nil }
func (c *stubChain) HasCode(context.Context, common.Address) (bool, error) {
	return true, nil
}

type stubExchange struct {
	mu        sync.Mutex
	balance   domain.ExchangeBalance
	balErr    error
	positions decimal.Decimal
	posErr    error
}

func (e *stubExchange) DeriveAPIKey(context.Context, ports.DigestSigner) (domain.Credential, error) {
	return domain.Credential{}, errors.New("not used")
}

func (e *stubExchange) Balance(context.Context, domain.Credential) (domain.ExchangeBalance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, e.balErr
}

func (e *stubExchange) PositionsValue(context.Context, common.Address) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions, e.posErr
}

type stubCredStore struct {
	cred domain.Credential
	ok   bool
}

func (s *stubCredStore) GetCredential(context.Context, string) (domain.Credential, bool, error) {
	return s.cred, s.ok, nil
}

func (s *stubCredStore) GetRecord(context.Context, string) (domain.ProvisioningRecord, bool, error) {
	return domain.ProvisioningRecord{}, false, nil
}
func (s *stubCredStore) CreateRecord(context.Context, domain.ProvisioningRecord) error { return nil }
func (s *stubCredStore) SetSafeAddress(context.Context, string, string) error          { return nil }
func (s *stubCredStore) MarkFlag(context.Context, string, domain.Flag) error           { return nil }
func (s *stubCredStore) SetLastError(context.Context, string, string) error            { return nil }
func (s *stubCredStore) ClearLastError(context.Context, string) error                  { return nil }
func (s *stubCredStore) UpsertCredential(context.Context, domain.Credential) error     { return nil }
func (s *stubCredStore) Close() error                                                  { return nil }

type syncFixture struct {
	chain    *stubChain
	exchange *stubExchange
	sync     *Synchronizer
}

func newSyncFixture(t *testing.T, interval time.Duration) *syncFixture {
	t.Helper()
	f := &syncFixture{
		chain: &stubChain{balance: big.NewInt(12_500_000)}, // 12.5 USDC
		exchange: &stubExchange{
			balance:   domain.ExchangeBalance{Available: decimal.NewFromInt(100), Locked: decimal.NewFromInt(5)},
			positions: decimal.NewFromInt(42),
		},
	}
	f.sync = New(Config{Interval: interval}, Deps{
		Chain:    f.chain,
		Exchange: f.exchange,
		Store:    &stubCredStore{cred: domain.Credential{UserID: "user-1", Key: "k"}, ok: true},
	}, "user-1", common.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"))
	return f
}

func (f *syncFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.sync.Run(ctx)
	t.Cleanup(f.sync.Stop)

	// The first sync runs before the first tick.
	require.NoError(t, f.sync.ForceRefresh(ctx))
}

func TestSynchronizer_FirstSyncImmediate(t *testing.T) {
	f := newSyncFixture(t, time.Hour)
	f.start(t)

	assert.Equal(t, domain.SyncPolling, f.sync.State())

	snap := f.sync.Snapshot()
	assert.True(t, snap.WalletCollateral.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, snap.ExchangeAvailable.Equal(decimal.NewFromInt(100)))
	assert.True(t, snap.ExchangeLocked.Equal(decimal.NewFromInt(5)))
	assert.True(t, snap.PositionsValue.Equal(decimal.NewFromInt(42)))
	assert.True(t, snap.Total().Equal(decimal.RequireFromString("159.5")))
	assert.Empty(t, snap.Errors)
	assert.False(t, snap.LastSyncAt.IsZero())
}

func TestSynchronizer_PartialFailureKeepsPreviousValue(t *testing.T) {
	f := newSyncFixture(t, time.Hour)
	f.start(t)

	// Wallet read starts failing; the stale value must survive.
	f.chain.mu.Lock()
	f.chain.err = errors.New("rpc down")
	f.chain.mu.Unlock()

	require.NoError(t, f.sync.ForceRefresh(context.Background()))

	snap := f.sync.Snapshot()
	assert.True(t, snap.WalletCollateral.Equal(decimal.RequireFromString("12.5")),
		"failed read must not blank the previous value")
	require.Len(t, snap.Errors, 1)
	assert.Contains(t, snap.Errors[0], "wallet collateral")

	// Recovery clears the error list.
	f.chain.mu.Lock()
	f.chain.err = nil
	f.chain.mu.Unlock()

	require.NoError(t, f.sync.ForceRefresh(context.Background()))
	assert.Empty(t, f.sync.Snapshot().Errors)
}

func TestSynchronizer_PauseStopsScheduledPolls(t *testing.T) {
	f := newSyncFixture(t, 10*time.Millisecond)
	f.start(t)

	f.sync.Pause()
	assert.Equal(t, domain.SyncPaused, f.sync.State())

	// Let any in-flight tick drain before counting.
	time.Sleep(20 * time.Millisecond)
	before := f.chain.reads()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, before, f.chain.reads(), "no scheduled polls while paused")

	// Manual refresh still works while paused.
	require.NoError(t, f.sync.ForceRefresh(context.Background()))
	assert.Equal(t, before+1, f.chain.reads())
	assert.Equal(t, domain.SyncPaused, f.sync.State())
}

func TestSynchronizer_ResumeRestartsPolling(t *testing.T) {
	f := newSyncFixture(t, 10*time.Millisecond)
	f.start(t)

	f.sync.Pause()
	f.sync.Resume()
	assert.Equal(t, domain.SyncPolling, f.sync.State())

	before := f.chain.reads()
	assert.Eventually(t, func() bool { return f.chain.reads() > before },
		time.Second, 5*time.Millisecond)
}

func TestSynchronizer_StopIsTerminal(t *testing.T) {
	f := newSyncFixture(t, time.Hour)
	f.start(t)

	f.sync.Stop()
	assert.Equal(t, domain.SyncStopped, f.sync.State())

	err := f.sync.ForceRefresh(context.Background())
	assert.Error(t, err)

	// Resume on a stopped synchronizer is a no-op.
	f.sync.Resume()
	assert.Equal(t, domain.SyncStopped, f.sync.State())
}

func TestRegistry_StartIsIdempotentPerUser(t *testing.T) {
	f := newSyncFixture(t, time.Hour)
	reg := NewRegistry(Config{Interval: time.Hour}, Deps{
		Chain:    f.chain,
		Exchange: f.exchange,
		Store:    &stubCredStore{ok: true},
	})
	t.Cleanup(reg.StopAll)

	ctx := context.Background()
	addr := common.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf")

	s1 := reg.Start(ctx, "user-1", addr)
	s2 := reg.Start(ctx, "user-1", addr)
	assert.Same(t, s1, s2)

	s3 := reg.Start(ctx, "user-2", addr)
	assert.NotSame(t, s1, s3)

	got, ok := reg.Get("user-1")
	require.True(t, ok)
	assert.Same(t, s1, got)

	reg.Stop("user-1")
	_, ok = reg.Get("user-1")
	assert.False(t, ok)
	assert.Equal(t, domain.SyncStopped, s1.State())

	// A fresh Start after Stop builds a new synchronizer.
	s4 := reg.Start(ctx, "user-1", addr)
	assert.NotSame(t, s1, s4)
}
