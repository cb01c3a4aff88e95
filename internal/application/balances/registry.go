package balances

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alejandrodnm/polyterm/internal/domain"
)

// Registry owns one Synchronizer per active user session. Snapshots are kept
// inside each synchronizer, keyed by user — never in process-wide state.
type Registry struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	syncs map[string]*Synchronizer
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config, deps Deps) *Registry {
	return &Registry{
		cfg:   cfg,
		deps:  deps,
		syncs: make(map[string]*Synchronizer),
	}
}

// Start launches a synchronizer for the user if one isn't already running
// and returns it. Idempotent per user.
func (r *Registry) Start(ctx context.Context, userID string, safeAddr common.Address) *Synchronizer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.syncs[userID]; ok && s.State() != domain.SyncStopped {
		return s
	}

	s := New(r.cfg, r.deps, userID, safeAddr)
	r.syncs[userID] = s
	go s.Run(ctx)
	return s
}

// Get returns the user's synchronizer, if any.
func (r *Registry) Get(userID string) (*Synchronizer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.syncs[userID]
	return s, ok
}

// Stop terminates and removes the user's synchronizer.
func (r *Registry) Stop(userID string) {
	r.mu.Lock()
	s, ok := r.syncs[userID]
	delete(r.syncs, userID)
	r.mu.Unlock()

	if ok {
		s.Stop()
	}
}

// StopAll terminates every synchronizer. Used on shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	syncs := make([]*Synchronizer, 0, len(r.syncs))
	for _, s := range r.syncs {
		syncs = append(syncs, s)
	}
	r.syncs = make(map[string]*Synchronizer)
	r.mu.Unlock()

	for _, s := range syncs {
		s.Stop()
	}
}
