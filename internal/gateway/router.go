package gateway

// The gateway is the thin HTTP surface for the browser terminal. It exposes
// exactly two operations — trigger provisioning and read balances — plus a
// WebSocket that pushes balance snapshots.
//
// The user identity always comes from the verified session token; wallet
// references are re-resolved from the custody provider. Nothing
// identity-bearing is ever read from a request body.

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alejandrodnm/polyterm/internal/application/balances"
	"github.com/alejandrodnm/polyterm/internal/domain"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

// Provisioner is the slice of the orchestrator the gateway needs.
type Provisioner interface {
	EnsureProvisioned(ctx context.Context, userID, walletID, custodyAddress string) (domain.ProvisioningRecord, error)
}

// Deps are the gateway's collaborators.
type Deps struct {
	Custody     ports.CustodyProvider
	Provisioner Provisioner
	Balances    *balances.Registry
}

// Server handles the browser-facing API.
type Server struct {
	deps Deps
	ws   *wsHandler
}

// NewServer creates the gateway server.
func NewServer(deps Deps) *Server {
	return &Server{
		deps: deps,
		ws:   newWSHandler(deps.Custody, deps.Balances),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", s.ws.ServeHTTP)
		r.Group(func(r chi.Router) {
			r.Use(s.withAuth)
			r.Post("/provision", s.handleProvision)
			r.Get("/balances", s.handleBalances)
		})
	})
	return r
}

type ctxKey int

const userIDKey ctxKey = 0

// withAuth verifies the Bearer token against the custody provider and stores
// the resulting userID in the request context.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := s.deps.Custody.VerifySessionToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func userID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(userIDKey).(string)
	return id, ok && id != ""
}

type provisionResponse struct {
	UserID      string `json:"user_id"`
	SafeAddress string `json:"safe_address"`
	Complete    bool   `json:"complete"`
	Flags       struct {
		SessionSignerDelegated bool `json:"session_signer_delegated"`
		SafeDeployed           bool `json:"safe_deployed"`
		AllowancesSet          bool `json:"allowances_set"`
		ClobCredentialsIssued  bool `json:"clob_credentials_issued"`
	} `json:"flags"`
	LastError string `json:"last_error,omitempty"`
}

// handleProvision runs the provisioning pipeline for the authenticated user
// and, on full completion, starts the balance synchronizer for the session.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	wallet, err := s.deps.Custody.ResolveWallet(r.Context(), uid)
	if err != nil {
		slog.Error("gateway: wallet resolution failed", "user", uid, "err", err)
		writeError(w, http.StatusBadGateway, "custody provider unavailable")
		return
	}

	rec, err := s.deps.Provisioner.EnsureProvisioned(r.Context(), uid, wallet.ID, wallet.Address)
	if err != nil {
		s.writeProvisionError(w, uid, err)
		return
	}

	if rec.Flags.Complete() && s.deps.Balances != nil {
		// Detached from the request: the synchronizer outlives it.
		s.deps.Balances.Start(context.Background(), uid, common.HexToAddress(rec.SafeAddress))
	}

	writeJSON(w, http.StatusOK, toProvisionResponse(rec))
}

// writeProvisionError maps the step-tagged error taxonomy onto status codes
// the browser can act on.
func (s *Server) writeProvisionError(w http.ResponseWriter, uid string, err error) {
	slog.Error("gateway: provisioning failed", "user", uid, "err", err)

	status := http.StatusBadGateway
	msg := "provisioning failed"

	var stepErr *domain.StepError
	if errors.As(err, &stepErr) {
		msg = stepErr.Error()
	}
	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, domain.ErrOnChainRevert):
		status = http.StatusConflict
	case domain.Retryable(err):
		status = http.StatusServiceUnavailable
	}

	writeError(w, status, msg)
}

type balancesResponse struct {
	WalletCollateral  string   `json:"wallet_collateral"`
	ExchangeAvailable string   `json:"exchange_available"`
	ExchangeLocked    string   `json:"exchange_locked"`
	PositionsValue    string   `json:"positions_value"`
	Total             string   `json:"total"`
	LastSyncAt        string   `json:"last_sync_at,omitempty"`
	State             string   `json:"state"`
	Errors            []string `json:"errors,omitempty"`
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sync, ok := s.deps.Balances.Get(uid)
	if !ok {
		writeError(w, http.StatusNotFound, "no active balance synchronizer; provision first")
		return
	}

	writeJSON(w, http.StatusOK, toBalancesResponse(sync))
}

func toProvisionResponse(rec domain.ProvisioningRecord) provisionResponse {
	resp := provisionResponse{
		UserID:      rec.UserID,
		SafeAddress: rec.SafeAddress,
		Complete:    rec.Flags.Complete(),
		LastError:   rec.LastError,
	}
	resp.Flags.SessionSignerDelegated = rec.Flags.SessionSignerDelegated
	resp.Flags.SafeDeployed = rec.Flags.SafeDeployed
	resp.Flags.AllowancesSet = rec.Flags.AllowancesSet
	resp.Flags.ClobCredentialsIssued = rec.Flags.ClobCredentialsIssued
	return resp
}

func toBalancesResponse(sync *balances.Synchronizer) balancesResponse {
	snap := sync.Snapshot()
	resp := balancesResponse{
		WalletCollateral:  snap.WalletCollateral.String(),
		ExchangeAvailable: snap.ExchangeAvailable.String(),
		ExchangeLocked:    snap.ExchangeLocked.String(),
		PositionsValue:    snap.PositionsValue.String(),
		Total:             snap.Total().String(),
		State:             string(sync.State()),
		Errors:            snap.Errors,
	}
	if !snap.LastSyncAt.IsZero() {
		resp.LastSyncAt = snap.LastSyncAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway: response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
