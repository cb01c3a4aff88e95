package balances

// synchronizer.go — periodic balance observation for one user session.
//
// The synchronizer is read-only: it polls wallet collateral, exchange
// balances and open position value on an interval and folds them into a
// snapshot. The three reads are independent — a failed read keeps the
// previous value and records the failure, it never blanks the field or
// stops the loop.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyterm/internal/domain"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

const defaultInterval = 15 * time.Second

// collateralDecimals converts USDC base units to whole-token amounts.
const collateralDecimals = -6

// Config controls the polling cadence.
type Config struct {
	Interval time.Duration
}

// Deps are the read sources the synchronizer fans out to.
type Deps struct {
	Chain    ports.ChainClient
	Exchange ports.ExchangeClient
	Store    ports.CredentialStore
	Notifier ports.Notifier
}

// Synchronizer polls balances for a single user. One instance per active
// session — state is never shared across users.
type Synchronizer struct {
	cfg  Config
	deps Deps

	userID   string
	safeAddr common.Address

	mu     sync.Mutex
	state  domain.SyncState
	paused bool
	snap   domain.BalanceSnapshot

	refreshCh chan chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a Synchronizer in the IDLE state. Call Run to start polling.
func New(cfg Config, deps Deps, userID string, safeAddr common.Address) *Synchronizer {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Synchronizer{
		cfg:       cfg,
		deps:      deps,
		userID:    userID,
		safeAddr:  safeAddr,
		state:     domain.SyncIdle,
		refreshCh: make(chan chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run polls until Stop is called or ctx is cancelled. The first sync happens
// immediately, before the first tick.
func (s *Synchronizer) Run(ctx context.Context) {
	defer close(s.doneCh)
	defer s.setState(domain.SyncStopped)

	s.setState(domain.SyncPolling)
	s.syncOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("balances: synchronizer stopped", "user", s.userID)
			return
		case <-s.stopCh:
			slog.Info("balances: synchronizer stopped", "user", s.userID)
			return
		case done := <-s.refreshCh:
			// Manual refresh runs even while paused.
			s.syncOnce(ctx)
			close(done)
		case <-ticker.C:
			if s.isPaused() {
				continue
			}
			s.syncOnce(ctx)
		}
	}
}

// Pause suspends scheduled polling, e.g. while the terminal tab is hidden.
// ForceRefresh still works while paused.
func (s *Synchronizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.SyncPolling {
		return
	}
	s.paused = true
	s.state = domain.SyncPaused
	slog.Debug("balances: paused", "user", s.userID)
}

// Resume restarts scheduled polling after a Pause.
func (s *Synchronizer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.SyncPaused {
		return
	}
	s.paused = false
	s.state = domain.SyncPolling
	slog.Debug("balances: resumed", "user", s.userID)
}

// ForceRefresh triggers an immediate sync and blocks until it completes or
// ctx expires. No-op after Stop.
func (s *Synchronizer) ForceRefresh(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.refreshCh <- done:
	case <-s.doneCh:
		return fmt.Errorf("balances.ForceRefresh: synchronizer stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the polling loop and waits for it to exit. Terminal —
// a stopped synchronizer is never restarted.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// State returns the current lifecycle state.
func (s *Synchronizer) State() domain.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the latest observed balances.
func (s *Synchronizer) Snapshot() domain.BalanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Synchronizer) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Synchronizer) setState(state domain.SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// syncOnce fans the three reads out concurrently and folds whatever
// succeeded into the snapshot.
func (s *Synchronizer) syncOnce(ctx context.Context) {
	type result struct {
		apply func(*domain.BalanceSnapshot)
		err   error
	}

	resultCh := make(chan result, 3)
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		raw, err := s.deps.Chain.CollateralBalance(ctx, s.safeAddr)
		if err != nil {
			resultCh <- result{err: fmt.Errorf("wallet collateral: %w", err)}
			return
		}
		v := decimal.NewFromBigInt(raw, collateralDecimals)
		resultCh <- result{apply: func(snap *domain.BalanceSnapshot) { snap.WalletCollateral = v }}
	}()
	go func() {
		defer wg.Done()
		cred, ok, err := s.deps.Store.GetCredential(ctx, s.userID)
		if err == nil && !ok {
			err = fmt.Errorf("no credential for user %s", s.userID)
		}
		if err != nil {
			resultCh <- result{err: fmt.Errorf("exchange balance: %w", err)}
			return
		}
		bal, err := s.deps.Exchange.Balance(ctx, cred)
		if err != nil {
			resultCh <- result{err: fmt.Errorf("exchange balance: %w", err)}
			return
		}
		resultCh <- result{apply: func(snap *domain.BalanceSnapshot) {
			snap.ExchangeAvailable = bal.Available
			snap.ExchangeLocked = bal.Locked
		}}
	}()
	go func() {
		defer wg.Done()
		v, err := s.deps.Exchange.PositionsValue(ctx, s.safeAddr)
		if err != nil {
			resultCh <- result{err: fmt.Errorf("positions value: %w", err)}
			return
		}
		resultCh <- result{apply: func(snap *domain.BalanceSnapshot) { snap.PositionsValue = v }}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()

	snap.Errors = nil
	for r := range resultCh {
		if r.err != nil {
			snap.Errors = append(snap.Errors, r.err.Error())
			continue
		}
		r.apply(&snap)
	}
	snap.LastSyncAt = time.Now().UTC()

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	if len(snap.Errors) > 0 {
		slog.Warn("balances: partial sync", "user", s.userID, "errors", snap.Errors)
	} else {
		slog.Debug("balances: sync complete", "user", s.userID, "total", snap.Total())
	}

	if s.deps.Notifier != nil {
		s.deps.Notifier.NotifyBalances(s.userID, snap)
	}
}
