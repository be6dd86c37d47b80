package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hollowpoint/blastarena/internal/event"
)

func testConnConfig() connConfig {
	return connConfig{
		batchWindow:       10 * time.Millisecond,
		batchMaxSize:      8,
		sendBufferSize:    8,
		writeTimeout:      time.Second,
		heartbeatInterval: 30 * time.Second,
	}
}

func TestConn_LifecycleStates(t *testing.T) {
	c := newConn("c1", &fakeTransport{}, testConnConfig(), zaptest.NewLogger(t))
	assert.Equal(t, StateConnecting, c.State())

	c.open("p1", "sess-1")
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, "p1", c.PlayerID())
	assert.Equal(t, "sess-1", c.SessionID())

	c.close()
	assert.Equal(t, StateClosed, c.State())

	// close is idempotent.
	c.close()
	assert.Equal(t, StateClosed, c.State())
}

func TestConn_EnqueueAfterClose(t *testing.T) {
	c := newConn("c1", &fakeTransport{}, testConnConfig(), zaptest.NewLogger(t))
	c.close()

	e, err := event.New(event.CategoryGameState, "tick", "server", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.EnqueueEvent(e), ErrConnClosed)

	// sendDirect after close must not block.
	done := make(chan struct{})
	go func() {
		c.sendDirect([]byte("{}"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sendDirect blocked on closed connection")
	}
}

func TestConn_CloseFlushesPendingEvents(t *testing.T) {
	cfg := testConnConfig()
	cfg.batchWindow = 10 * time.Second
	transport := &fakeTransport{}
	c := newConn("c1", transport, cfg, zaptest.NewLogger(t))

	e, err := event.New(event.CategoryGameState, "tick", "server", nil)
	require.NoError(t, err)
	require.NoError(t, c.EnqueueEvent(e))

	c.close()
	frames := transport.framesOf(FrameEvent)
	require.Len(t, frames, 1)
	assert.Equal(t, "tick", frames[0].Type)
}

func TestConn_ViolationCountMonotonic(t *testing.T) {
	c := newConn("c1", &fakeTransport{}, testConnConfig(), zaptest.NewLogger(t))
	defer c.close()

	assert.Equal(t, 1, c.addViolation())
	assert.Equal(t, 2, c.addViolation())
	assert.Equal(t, 3, c.addViolation())
}
