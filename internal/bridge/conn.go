package bridge

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hollowpoint/blastarena/internal/event"
)

// Connection lifecycle states.
const (
	StateConnecting = "connecting"
	StateOpen       = "open"
	StateClosing    = "closing"
	StateClosed     = "closed"
)

// ErrSendBufferFull is returned when a connection's outbound queue is full.
// The bus records it as a delivery failure for that subscriber only.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnClosed is returned when writing to a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Transport is the WebSocket surface the bridge needs. Satisfied by
// *websocket.Conn; tests substitute an in-memory fake.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPingHandler(h func(appData string) error)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// connConfig carries the per-connection tuning the bridge resolves from its
// configuration.
type connConfig struct {
	batchWindow       time.Duration
	batchMaxSize      int
	sendBufferSize    int
	writeTimeout      time.Duration
	heartbeatInterval time.Duration
}

// Conn is one live client connection. A single writer goroutine owns the
// transport's write side; outbound events accumulate for at most the batch
// window before a flush, and a full batch flushes immediately.
type Conn struct {
	id        string
	transport Transport
	cfg       connConfig
	logger    *zap.Logger

	events chan *event.Event
	direct chan []byte
	quit   chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	state      string
	playerID   string
	sessionID  string
	violations int
	// channel name → bus subscription id
	subscriptions map[string]string
	closeOnce     sync.Once
}

func newConn(id string, transport Transport, cfg connConfig, logger *zap.Logger) *Conn {
	c := &Conn{
		id:            id,
		transport:     transport,
		cfg:           cfg,
		logger:        logger,
		events:        make(chan *event.Event, cfg.sendBufferSize),
		direct:        make(chan []byte, 16),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		state:         StateConnecting,
		subscriptions: make(map[string]string),
	}
	c.configureHeartbeat()
	go c.writeLoop()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// PlayerID returns the authenticated player id, empty until authenticated.
func (c *Conn) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// SessionID returns the session presented at authentication time.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the connection's lifecycle state.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) open(playerID, sessionID string) {
	c.mu.Lock()
	c.playerID = playerID
	c.sessionID = sessionID
	c.state = StateOpen
	c.mu.Unlock()
}

// addViolation bumps the protocol violation count and returns the new total.
func (c *Conn) addViolation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.violations++
	return c.violations
}

// EnqueueEvent queues an event for batched delivery without blocking.
func (c *Conn) EnqueueEvent(e *event.Event) error {
	select {
	case <-c.quit:
		return ErrConnClosed
	default:
	}
	select {
	case c.events <- e:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// sendDirect queues a raw frame bypassing the batch, used for errors, auth
// responses, and full_sync. Drops the frame if the connection is closing.
func (c *Conn) sendDirect(raw []byte) {
	select {
	case c.direct <- raw:
	case <-c.quit:
	}
}

// close tears down the writer and the transport. Idempotent.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		c.mu.Unlock()

		close(c.quit)
		<-c.done
		_ = c.transport.Close()

		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()
	})
}

// configureHeartbeat arms the read deadline at twice the expected client
// ping interval. Both ping and pong traffic extend it.
func (c *Conn) configureHeartbeat() {
	if c.cfg.heartbeatInterval <= 0 {
		return
	}
	deadline := 2 * c.cfg.heartbeatInterval
	_ = c.transport.SetReadDeadline(time.Now().Add(deadline))
	c.transport.SetPingHandler(func(string) error {
		_ = c.transport.SetReadDeadline(time.Now().Add(deadline))
		return c.transport.WriteControl(websocket.PongMessage, nil, time.Now().Add(c.cfg.writeTimeout))
	})
	c.transport.SetPongHandler(func(string) error {
		return c.transport.SetReadDeadline(time.Now().Add(deadline))
	})
}

// refreshDeadline extends the heartbeat deadline after any inbound frame.
func (c *Conn) refreshDeadline() {
	if c.cfg.heartbeatInterval <= 0 {
		return
	}
	_ = c.transport.SetReadDeadline(time.Now().Add(2 * c.cfg.heartbeatInterval))
}

// writeLoop is the single writer. It batches queued events within the batch
// window, flushes immediately at the batch size cap, and writes direct
// frames as they come. On shutdown it flushes what remains.
func (c *Conn) writeLoop() {
	defer close(c.done)

	timer := time.NewTimer(c.cfg.batchWindow)
	if !timer.Stop() {
		<-timer.C
	}
	var batch []*event.Event

	flush := func() {
		if len(batch) == 0 {
			return
		}
		raw, err := encodeEventBatch(batch)
		batch = batch[:0]
		if err != nil {
			c.logger.Error("encoding outbound batch", zap.Error(err))
			return
		}
		c.write(raw)
	}

	for {
		select {
		case e := <-c.events:
			batch = append(batch, e)
			if len(batch) >= c.cfg.batchMaxSize {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				flush()
			} else if len(batch) == 1 {
				timer.Reset(c.cfg.batchWindow)
			}

		case <-timer.C:
			flush()

		case raw := <-c.direct:
			c.write(raw)

		case <-c.quit:
			for {
				select {
				case e := <-c.events:
					batch = append(batch, e)
				case raw := <-c.direct:
					c.write(raw)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (c *Conn) write(raw []byte) {
	if c.cfg.writeTimeout > 0 {
		_ = c.transport.SetWriteDeadline(time.Now().Add(c.cfg.writeTimeout))
	}
	if err := c.transport.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.logger.Debug("writing frame",
			zap.String("connectionId", c.id),
			zap.Error(err))
	}
}
