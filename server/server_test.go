package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/partysync/broadcast"
	"github.com/wfunc/partysync/config"
	"github.com/wfunc/partysync/monitor"
	"github.com/wfunc/partysync/network"
)

func startRelay(t *testing.T, cfg config.ServerConfig) string {
	t.Helper()
	relay := NewRelayServer(cfg, 0, monitor.NewMonitor("relay_test"))
	ts := httptest.NewServer(relay.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url, clientID string) *broadcast.WSChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch, err := broadcast.DialRelay(ctx, url, clientID)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestRelay_FanOutExcludesSender(t *testing.T) {
	url := startRelay(t, config.ServerConfig{})
	alice := dial(t, url, "alice")
	bob := dial(t, url, "bob")

	got := make(chan broadcast.Event, 4)
	_, err := bob.Subscribe("room:r1", func(ev broadcast.Event) { got <- ev })
	require.NoError(t, err)
	echo := make(chan broadcast.Event, 4)
	_, err = alice.Subscribe("room:r1", func(ev broadcast.Event) { echo <- ev })
	require.NoError(t, err)

	// Subscriptions are fire-and-forget frames; publish until one lands.
	deadline := time.After(2 * time.Second)
	for {
		require.NoError(t, alice.Publish(context.Background(), "room:r1", broadcast.EventGameStart,
			broadcast.GameLifecyclePayload{SessionID: "s1", GameType: "survey"}))
		select {
		case ev := <-got:
			assert.Equal(t, broadcast.EventGameStart, ev.Name)
			assert.Equal(t, "alice", ev.Sender)
			var p broadcast.GameLifecyclePayload
			require.NoError(t, ev.Decode(&p))
			assert.Equal(t, "s1", p.SessionID)
			assert.Empty(t, echo)
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("event was not relayed")
		}
	}
}

func TestRelay_Healthz(t *testing.T) {
	relay := NewRelayServer(config.ServerConfig{}, 0, nil)
	rec := httptest.NewRecorder()
	relay.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":0,"topics":0}`, rec.Body.String())
}

func TestRelay_ClientRedialsAndResubscribes(t *testing.T) {
	relay := NewRelayServer(config.ServerConfig{}, 0, monitor.NewMonitor("relay_redial_test"))
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	// The first connection is cut right after its subscribe frame arrives.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accepted.Add(1) > 1 {
			relay.Handler().ServeHTTP(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := network.NewWSConnection(ws)
		_, _ = conn.ReadPacket()
		conn.Close()
	}))
	t.Cleanup(ts.Close)
	base := "ws" + strings.TrimPrefix(ts.URL, "http")

	alice := dial(t, base+"/ws", "alice")
	got := make(chan broadcast.Event, 16)
	_, err := alice.Subscribe("room:r1", func(ev broadcast.Event) { got <- ev })
	require.NoError(t, err)

	bob := dial(t, base+"/ws", "bob")
	deadline := time.After(3 * time.Second)
	for {
		_ = bob.Publish(context.Background(), "room:r1", broadcast.EventGameEnd,
			broadcast.GameLifecyclePayload{SessionID: "s1"})
		select {
		case ev := <-got:
			assert.Equal(t, "bob", ev.Sender)
			assert.GreaterOrEqual(t, accepted.Load(), int32(3))
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("alice did not come back after the relay dropped her")
		}
	}
}
