package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hollowpoint/blastarena/internal/config"
	"github.com/hollowpoint/blastarena/internal/event"
	"github.com/hollowpoint/blastarena/internal/game/state"
)

// ctxCheckingCreds records the liveness of every context it is handed.
type ctxCheckingCreds struct {
	mu      sync.Mutex
	ctxErrs []error
	tokens  map[string]string
}

func (c *ctxCheckingCreds) Verify(ctx context.Context, playerID, token string) error {
	c.mu.Lock()
	c.ctxErrs = append(c.ctxErrs, ctx.Err())
	c.mu.Unlock()
	if c.tokens[playerID] != token {
		return errBadToken
	}
	return nil
}

func (c *ctxCheckingCreds) seenCtxErrs() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.ctxErrs...)
}

func startAcceptor(t *testing.T) (*Acceptor, *ctxCheckingCreds) {
	t.Helper()

	bus := event.NewBus(event.Config{
		RetryCeiling:      3,
		BackoffBase:       5 * time.Millisecond,
		BackoffMultiplier: 2,
		DefaultTTL:        time.Second,
		QueueSize:         64,
	}, zaptest.NewLogger(t))
	t.Cleanup(bus.Close)

	creds := &ctxCheckingCreds{tokens: map[string]string{"p1": "secret"}}
	sessions := &fakeSessions{states: map[string]*state.SessionState{
		"sess-1": {
			SessionID:      "sess-1",
			ParticipantIDs: []string{"p1"},
			Status:         state.StatusActive,
		},
	}}

	wsCfg := config.WebSocketConfig{
		Host:              "127.0.0.1",
		Port:              0,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      time.Second,
	}
	br := NewBridge(config.BridgeConfig{
		MaxSubscriptionsPerConn: 8,
		BatchWindow:             20 * time.Millisecond,
		BatchMaxSize:            32,
		ViolationThreshold:      3,
		SendBufferSize:          64,
	}, wsCfg, bus, creds, sessions, zaptest.NewLogger(t))

	acceptor := NewAcceptor(wsCfg, br, zaptest.NewLogger(t))
	go func() {
		_ = acceptor.ListenAndServe()
	}()
	require.Eventually(t, func() bool {
		return acceptor.Addr() != ""
	}, 2*time.Second, 10*time.Millisecond, "acceptor never started listening")
	t.Cleanup(acceptor.Stop)

	return acceptor, creds
}

func dialWS(t *testing.T, acceptor *Acceptor) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+acceptor.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	var fr Frame
	require.NoError(t, json.Unmarshal(payload, &fr))
	return fr
}

// The upgrade handler returns as soon as the read loop is spawned, and
// net/http cancels the request context at that point. Authentication runs
// later, on the read loop's own context, so it must still succeed.
func TestAcceptor_AuthenticatesOverRealSocket(t *testing.T) {
	acceptor, creds := startAcceptor(t)
	ws := dialWS(t, acceptor)

	// Let the upgrade handler return before the first frame arrives.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame(t, FrameAuth, "", authPayload{
		PlayerID:  "p1",
		Token:     "secret",
		SessionID: "sess-1",
	})))

	first := readFrame(t, ws)
	assert.Equal(t, FrameAuthOK, first.MessageType)

	second := readFrame(t, ws)
	assert.Equal(t, FrameFullSync, second.MessageType)

	errs := creds.seenCtxErrs()
	require.Len(t, errs, 1)
	assert.NoError(t, errs[0], "verifier saw a dead context")
}

func TestAcceptor_StopDisconnectsClients(t *testing.T) {
	acceptor, _ := startAcceptor(t)
	ws := dialWS(t, acceptor)

	acceptor.Stop()
	assert.False(t, acceptor.IsRunning())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
