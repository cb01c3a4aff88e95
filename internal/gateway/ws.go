package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polyterm/internal/application/balances"
	"github.com/alejandrodnm/polyterm/internal/ports"
)

const wsPushInterval = 5 * time.Second

// wsHandler pushes balance snapshots to the browser and maps tab-visibility
// control messages onto the user's synchronizer.
type wsHandler struct {
	custody  ports.CustodyProvider
	registry *balances.Registry
	upgrader websocket.Upgrader

	// Overridden in tests to avoid multi-second waits.
	pushInterval time.Duration
}

func newWSHandler(custody ports.CustodyProvider, registry *balances.Registry) *wsHandler {
	return &wsHandler{
		custody:      custody,
		registry:     registry,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		pushInterval: wsPushInterval,
	}
}

// wsControl is a client→server control frame. The browser sends pause when
// the tab is hidden and resume when it becomes visible again; refresh forces
// an immediate sync.
type wsControl struct {
	Type string `json:"type"`
}

type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ServeHTTP authenticates via the token query parameter (browsers can't set
// headers on WebSocket dials), upgrades, and streams snapshots.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	uid, err := h.custody.VerifySessionToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	userSync, ok := h.registry.Get(uid)
	if !ok {
		http.Error(w, "no active balance synchronizer; provision first", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(evt wsEvent) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(evt)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ctrl wsControl
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(ctrl.Type)) {
			case "pause":
				userSync.Pause()
			case "resume":
				userSync.Resume()
			case "refresh":
				if err := userSync.ForceRefresh(r.Context()); err != nil {
					slog.Debug("gateway: ws refresh failed", "user", uid, "err", err)
					continue
				}
				if err := send(wsEvent{Type: "balances", Data: toBalancesResponse(userSync)}); err != nil {
					return
				}
			}
		}
	}()

	// Initial snapshot, then push on an interval. The synchronizer keeps its
	// own cadence; this loop only mirrors its latest snapshot out.
	if err := send(wsEvent{Type: "balances", Data: toBalancesResponse(userSync)}); err != nil {
		return
	}

	ticker := time.NewTicker(h.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := send(wsEvent{Type: "balances", Data: toBalancesResponse(userSync)}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
