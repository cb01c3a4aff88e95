package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyterm/internal/application/balances"
	"github.com/alejandrodnm/polyterm/internal/domain"
)

func wsURL(ts *httptest.Server, token string) string {
	u := strings.Replace(ts.URL, "http", "ws", 1) + "/api/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startedSync(t *testing.T, registry *balances.Registry) *balances.Synchronizer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sync := registry.Start(ctx, "user-1", common.HexToAddress(safeAddr))
	require.NoError(t, sync.ForceRefresh(context.Background()))
	return sync
}

func TestWS_RejectsMissingOrBadToken(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvisioner{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	for _, token := range []string{"", "wrong"} {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
}

func TestWS_RequiresActiveSynchronizer(t *testing.T) {
	srv, _ := newTestServer(t, &stubProvisioner{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, goodToken), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestWS_PushesBalances(t *testing.T) {
	srv, registry := newTestServer(t, &stubProvisioner{})
	srv.ws.pushInterval = 10 * time.Millisecond
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	startedSync(t, registry)
	conn := dialWS(t, ts, goodToken)

	// Initial snapshot arrives immediately, then interval pushes follow.
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		var evt struct {
			Type string           `json:"type"`
			Data balancesResponse `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&evt))
		assert.Equal(t, "balances", evt.Type)
		assert.Equal(t, "159.5", evt.Data.Total)
	}
}

func TestWS_PauseAndResumeControls(t *testing.T) {
	srv, registry := newTestServer(t, &stubProvisioner{})
	srv.ws.pushInterval = time.Hour
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	sync := startedSync(t, registry)
	conn := dialWS(t, ts, goodToken)

	require.NoError(t, conn.WriteJSON(wsControl{Type: "pause"}))
	assert.Eventually(t, func() bool { return sync.State() == domain.SyncPaused },
		time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(wsControl{Type: "resume"}))
	assert.Eventually(t, func() bool { return sync.State() == domain.SyncPolling },
		time.Second, 5*time.Millisecond)
}

func TestWS_RefreshPushesFreshSnapshot(t *testing.T) {
	srv, registry := newTestServer(t, &stubProvisioner{})
	srv.ws.pushInterval = time.Hour
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	startedSync(t, registry)
	conn := dialWS(t, ts, goodToken)

	// Drain the initial snapshot.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	var evt struct {
		Type string           `json:"type"`
		Data balancesResponse `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&evt))

	require.NoError(t, conn.WriteJSON(wsControl{Type: "refresh"}))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "balances", evt.Type)
	assert.NotEmpty(t, evt.Data.LastSyncAt)
}
