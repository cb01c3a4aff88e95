package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyterm/internal/application/balances"
	"github.com/alejandrodnm/polyterm/internal/domain"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

const (
	goodToken = "session-token"
	safeAddr  = "0x00000000000000000000000000000000000000Aa"
)

type stubCustody struct{}

func (stubCustody) VerifySessionToken(_ context.Context, token string) (string, error) {
	if token != goodToken {
		return "", errors.New("bad token")
	}
	return "user-1", nil
}

func (stubCustody) ResolveWallet(context.Context, string) (domain.CustodyWallet, error) {
	return domain.CustodyWallet{ID: "wallet-1", Address: "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"}, nil
}

func (stubCustody) DelegateSessionSigner(context.Context, string, string, []string) error { return nil }

func (stubCustody) Signer(string, common.Address) ports.DigestSigner { return nil }

type stubProvisioner struct {
	rec   domain.ProvisioningRecord
	err   error
	calls int
}

func (p *stubProvisioner) EnsureProvisioned(_ context.Context, userID, walletID, addr string) (domain.ProvisioningRecord, error) {
	p.calls++
	if p.err != nil {
		return domain.ProvisioningRecord{}, p.err
	}
	rec := p.rec
	rec.UserID = userID
	return rec, nil
}

type stubBalanceChain struct{}

func (stubBalanceChain) CollateralBalance(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(12_500_000), nil
}
func (stubBalanceChain) ReadAllowances(context.Context, common.Address) (domain.AllowanceState, error) {
	return domain.AllowanceState{}, nil
}
func (stubBalanceChain) ApprovalCalls(domain.AllowanceState) []ports.Call { return nil }
func (stubBalanceChain) HasCode(context.Context, common.Address) (bool, error) {
	return true, nil
}

type stubBalanceExchange struct{}

func (stubBalanceExchange) DeriveAPIKey(context.Context, ports.DigestSigner) (domain.Credential, error) {
	return domain.Credential{}, errors.New("not used")
}
func (stubBalanceExchange) Balance(context.Context, domain.Credential) (domain.ExchangeBalance, error) {
	return domain.ExchangeBalance{Available: decimal.NewFromInt(100), Locked: decimal.NewFromInt(5)}, nil
}
func (stubBalanceExchange) PositionsValue(context.Context, common.Address) (decimal.Decimal, error) {
	return decimal.NewFromInt(42), nil
}

type stubBalanceStore struct{}

func (stubBalanceStore) GetCredential(context.Context, string) (domain.Credential, bool, error) {
	return domain.Credential{UserID: "user-1", Key: "k"}, true, nil
}
func (stubBalanceStore) GetRecord(context.Context, string) (domain.ProvisioningRecord, bool, error) {
	return domain.ProvisioningRecord{}, false, nil
}
func (stubBalanceStore) CreateRecord(context.Context, domain.ProvisioningRecord) error { return nil }
func (stubBalanceStore) SetSafeAddress(context.Context, string, string) error          { return nil }
func (stubBalanceStore) MarkFlag(context.Context, string, domain.Flag) error           { return nil }
func (stubBalanceStore) SetLastError(context.Context, string, string) error            { return nil }
func (stubBalanceStore) ClearLastError(context.Context, string) error                  { return nil }
func (stubBalanceStore) UpsertCredential(context.Context, domain.Credential) error     { return nil }
func (stubBalanceStore) Close() error                                                  { return nil }

func completeRecord() domain.ProvisioningRecord {
	return domain.ProvisioningRecord{
		SafeAddress: safeAddr,
		Flags: domain.Flags{
			SessionSignerDelegated: true,
			SafeDeployed:           true,
			AllowancesSet:          true,
			ClobCredentialsIssued:  true,
		},
	}
}

func newTestServer(t *testing.T, prov *stubProvisioner) (*Server, *balances.Registry) {
	t.Helper()
	registry := balances.NewRegistry(balances.Config{Interval: 0}, balances.Deps{
		Chain:    stubBalanceChain{},
		Exchange: stubBalanceExchange{},
		Store:    stubBalanceStore{},
	})
	t.Cleanup(registry.StopAll)

	return NewServer(Deps{
		Custody:     stubCustody{},
		Provisioner: prov,
		Balances:    registry,
	}), registry
}

func doRequest(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProvision_RequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvisioner{rec: completeRecord()})
	h := srv.Router()

	assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, http.MethodPost, "/api/provision", "").Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, http.MethodPost, "/api/provision", "wrong").Code)
}

func TestProvision_Success(t *testing.T) {
	prov := &stubProvisioner{rec: completeRecord()}
	srv, registry := newTestServer(t, prov)

	w := doRequest(t, srv.Router(), http.MethodPost, "/api/provision", goodToken)
	require.Equal(t, http.StatusOK, w.Code)

	var resp provisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
	assert.Equal(t, safeAddr, resp.SafeAddress)
	assert.True(t, resp.Complete)
	assert.True(t, resp.Flags.ClobCredentialsIssued)
	assert.Equal(t, 1, prov.calls)

	// A completed provision starts the balance synchronizer.
	_, ok := registry.Get("user-1")
	assert.True(t, ok)
}

func TestProvision_IncompleteDoesNotStartSync(t *testing.T) {
	rec := completeRecord()
	rec.Flags.ClobCredentialsIssued = false
	srv, registry := newTestServer(t, &stubProvisioner{rec: rec})

	w := doRequest(t, srv.Router(), http.MethodPost, "/api/provision", goodToken)
	require.Equal(t, http.StatusOK, w.Code)

	_, ok := registry.Get("user-1")
	assert.False(t, ok)
}

func TestProvision_ErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"retryable", domain.NewStepError(domain.StepAllowances, domain.ErrConfirmationTimeout), http.StatusServiceUnavailable},
		{"insufficient funds", domain.NewStepError(domain.StepSafeDeploy, domain.ErrInsufficientFunds), http.StatusPaymentRequired},
		{"revert", domain.NewStepError(domain.StepAllowances, domain.ErrOnChainRevert), http.StatusConflict},
		{"other", errors.New("boom"), http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubProvisioner{err: tc.err})
			w := doRequest(t, srv.Router(), http.MethodPost, "/api/provision", goodToken)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestProvision_StepErrorInBody(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvisioner{
		err: domain.NewStepError(domain.StepAllowances, domain.ErrConfirmationTimeout),
	})

	w := doRequest(t, srv.Router(), http.MethodPost, "/api/provision", goodToken)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "allowances")
}

func TestBalances_NotFoundBeforeProvision(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvisioner{rec: completeRecord()})

	w := doRequest(t, srv.Router(), http.MethodGet, "/api/balances", goodToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBalances_AfterProvision(t *testing.T) {
	srv, registry := newTestServer(t, &stubProvisioner{rec: completeRecord()})
	h := srv.Router()

	require.Equal(t, http.StatusOK, doRequest(t, h, http.MethodPost, "/api/provision", goodToken).Code)

	// The first sync runs before the first tick; wait for it.
	sync, ok := registry.Get("user-1")
	require.True(t, ok)
	require.NoError(t, sync.ForceRefresh(context.Background()))

	w := doRequest(t, h, http.MethodGet, "/api/balances", goodToken)
	require.Equal(t, http.StatusOK, w.Code)

	var resp balancesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "12.5", resp.WalletCollateral)
	assert.Equal(t, "100", resp.ExchangeAvailable)
	assert.Equal(t, "159.5", resp.Total)
	assert.Equal(t, string(domain.SyncPolling), resp.State)
	assert.NotEmpty(t, resp.LastSyncAt)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvisioner{})
	w := doRequest(t, srv.Router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserIDNeverFromBody(t *testing.T) {
	// A request body naming another user must not change whose record is
	// provisioned — identity comes from the token alone.
	prov := &stubProvisioner{rec: completeRecord()}
	srv, _ := newTestServer(t, prov)

	req := httptest.NewRequest(http.MethodPost, "/api/provision",
		strings.NewReader(`{"user_id":"victim"}`))
	req.Header.Set("Authorization", "Bearer "+goodToken)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp provisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
}
