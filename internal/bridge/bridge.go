package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hollowpoint/blastarena/internal/config"
	"github.com/hollowpoint/blastarena/internal/event"
	"github.com/hollowpoint/blastarena/internal/game/state"
)

// ErrConnectionClosed is returned by OnMessage when the connection has been
// force-disconnected; the read loop should exit.
var ErrConnectionClosed = errors.New("connection force-disconnected")

// ErrUnknownConnection is returned for operations on unregistered connections.
var ErrUnknownConnection = errors.New("unknown connection")

// EventBus is the bus surface the bridge needs.
type EventBus interface {
	Subscribe(subscriberID string, category event.Category, handler event.Handler, opts ...event.SubscribeOption) (string, error)
	Unsubscribe(subscriptionID string)
	UnsubscribeAll(subscriberID string)
	Publish(ctx context.Context, e *event.Event) event.PublishResult
}

// CredentialVerifier checks a player's connection token. Satisfied by
// redis.CredentialStore.
type CredentialVerifier interface {
	Verify(ctx context.Context, playerID, token string) error
}

// SessionReader provides the current SessionState for full_sync replay.
// Satisfied by state.SessionStore.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*state.SessionState, error)
}

// Bridge owns all client connections and their bus subscriptions. The bus
// never holds a connection reference; delivery reaches a connection only
// through the subscription handlers the bridge registers.
type Bridge struct {
	cfg    config.BridgeConfig
	wsCfg  config.WebSocketConfig
	bus    EventBus
	creds  CredentialVerifier
	states SessionReader
	logger *zap.Logger

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewBridge creates a Bridge.
//
// Precondition: bus, creds, states, and logger must be non-nil; cfg must
// have passed config validation.
func NewBridge(cfg config.BridgeConfig, wsCfg config.WebSocketConfig, bus EventBus, creds CredentialVerifier, states SessionReader, logger *zap.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		wsCfg:  wsCfg,
		bus:    bus,
		creds:  creds,
		states: states,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// OnConnect registers a new connection in the connecting state. The
// connection stays unauthenticated until a valid auth frame arrives.
//
// Precondition: connectionID must be unique among live connections.
func (b *Bridge) OnConnect(connectionID string, transport Transport) *Conn {
	conn := newConn(connectionID, transport, connConfig{
		batchWindow:       b.cfg.BatchWindow,
		batchMaxSize:      b.cfg.BatchMaxSize,
		sendBufferSize:    b.cfg.SendBufferSize,
		writeTimeout:      b.wsCfg.WriteTimeout,
		heartbeatInterval: b.wsCfg.HeartbeatInterval,
	}, b.logger)

	b.mu.Lock()
	b.conns[connectionID] = conn
	b.mu.Unlock()

	b.logger.Info("connection registered",
		zap.String("connectionId", connectionID))
	return conn
}

// Connection returns a live connection by id.
func (b *Bridge) Connection(connectionID string) (*Conn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connectionID]
	return c, ok
}

// ConnectionCount returns the number of live connections.
func (b *Bridge) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// OnMessage processes one inbound frame. A MalformedFrame or SpoofedSource
// notifies the connection and drops the frame; the connection stays open
// until violations pass the configured threshold. A non-nil return means
// the connection has been closed.
func (b *Bridge) OnMessage(ctx context.Context, connectionID string, raw []byte) error {
	conn, ok := b.Connection(connectionID)
	if !ok {
		return ErrUnknownConnection
	}
	conn.refreshDeadline()

	frame, err := DecodeFrame(raw)
	if err != nil {
		return b.violation(conn, CodeMalformedFrame, err.Error())
	}

	switch frame.MessageType {
	case FramePing:
		raw, err := encodeFrame(FramePong, "", nil)
		if err == nil {
			conn.sendDirect(raw)
		}
		return nil

	case FrameAuth:
		return b.handleAuth(ctx, conn, frame)

	case FrameSubscribe:
		var p subscribePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.Channel == "" {
			return b.violation(conn, CodeMalformedFrame, "subscribe frame requires a channel")
		}
		return b.subscribeConn(conn, p.Channel)

	case FrameUnsubscribe:
		var p subscribePayload
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.Channel == "" {
			return b.violation(conn, CodeMalformedFrame, "unsubscribe frame requires a channel")
		}
		b.unsubscribeConn(conn, p.Channel)
		return nil

	case FrameEvent:
		return b.handleEventFrame(ctx, conn, frame)

	default:
		return b.violation(conn, CodeMalformedFrame,
			fmt.Sprintf("unknown messageType %q", frame.MessageType))
	}
}

// handleAuth verifies the presented token, promotes the connection to open,
// wires its default channels, and replays the current SessionState as an
// explicit full_sync. Reconnection with the same playerId under a new
// connectionId takes exactly this path; no queued history is replayed.
func (b *Bridge) handleAuth(ctx context.Context, conn *Conn, frame *Frame) error {
	var p authPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.PlayerID == "" || p.Token == "" {
		return b.violation(conn, CodeMalformedFrame, "auth frame requires playerId and token")
	}

	if err := b.creds.Verify(ctx, p.PlayerID, p.Token); err != nil {
		b.logger.Warn("authentication failed",
			zap.String("connectionId", conn.ID()),
			zap.String("playerId", p.PlayerID),
			zap.Error(err))
		return b.violation(conn, CodeAuthFailed, "invalid credentials")
	}

	conn.open(p.PlayerID, p.SessionID)

	// Default subscriptions: the player's own notifications, plus the
	// session's game events when a session was presented.
	if err := b.subscribeConn(conn, PlayerChannel(p.PlayerID)); err != nil {
		return err
	}
	if p.SessionID != "" {
		if err := b.subscribeConn(conn, GameChannel(p.SessionID)); err != nil {
			return err
		}
	}

	if raw, err := encodeFrame(FrameAuthOK, "", map[string]string{"playerId": p.PlayerID}); err == nil {
		conn.sendDirect(raw)
	}

	b.fullSync(ctx, conn)

	if p.SessionID != "" {
		if e, err := event.New(event.CategoryPlayerAction, "player_joined", p.PlayerID, nil); err == nil {
			b.bus.Publish(ctx, e.WithTargets(event.Target{Type: event.TargetGame, ID: p.SessionID}))
		}
	}

	b.logger.Info("connection authenticated",
		zap.String("connectionId", conn.ID()),
		zap.String("playerId", p.PlayerID),
		zap.String("sessionId", p.SessionID))
	return nil
}

// fullSync sends the connection's current SessionState. Absent sessions are
// skipped silently; the client will see state through its subscriptions.
func (b *Bridge) fullSync(ctx context.Context, conn *Conn) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return
	}
	st, err := b.states.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, state.ErrSessionNotFound) {
			b.logger.Warn("reading session for full_sync",
				zap.String("sessionId", sessionID),
				zap.Error(err))
		}
		return
	}
	raw, err := encodeFrame(FrameFullSync, "full_sync", st)
	if err != nil {
		b.logger.Error("encoding full_sync", zap.Error(err))
		return
	}
	conn.sendDirect(raw)
}

// handleEventFrame validates and publishes a client event. The event's
// sourceId is always the connection's authenticated playerId; a frame
// claiming another source is rejected as spoofed without publishing.
func (b *Bridge) handleEventFrame(ctx context.Context, conn *Conn, frame *Frame) error {
	playerID := conn.PlayerID()
	if conn.State() != StateOpen || playerID == "" {
		return b.violation(conn, CodeNotAuthenticated, "event frames require authentication")
	}
	if frame.Type == "" {
		return b.violation(conn, CodeMalformedFrame, "event frame requires a type")
	}

	data := map[string]any{}
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return b.violation(conn, CodeMalformedFrame, "event data must be a JSON object")
		}
	}

	if claimed, ok := data["sourceId"].(string); ok && claimed != playerID {
		return b.violation(conn, CodeSpoofedSource,
			fmt.Sprintf("sourceId %q does not match authenticated player", claimed))
	}
	data["sourceId"] = playerID

	category := event.CategoryPlayerAction
	if c, ok := data["category"].(string); ok {
		parsed, err := event.ParseCategory(c)
		if err != nil || parsed == event.CategoryWildcard {
			return b.violation(conn, CodeMalformedFrame, fmt.Sprintf("invalid category %q", c))
		}
		category = parsed
	}

	e, err := event.New(category, frame.Type, playerID, data)
	if err != nil {
		return b.violation(conn, CodeMalformedFrame, err.Error())
	}

	sessionID := conn.SessionID()
	if s, ok := data["sessionId"].(string); ok && s != "" {
		sessionID = s
	}
	if sessionID != "" {
		e = e.WithTargets(event.Target{Type: event.TargetGame, ID: sessionID})
	}

	b.bus.Publish(ctx, e)
	return nil
}

// subscribeConn registers a bus subscription scoped to the connection.
// Failures are reported to the client; only authentication state errors
// count as violations.
func (b *Bridge) subscribeConn(conn *Conn, channel string) error {
	if conn.State() != StateOpen {
		return b.violation(conn, CodeNotAuthenticated, "subscription requires authentication")
	}

	binding, err := parseChannel(channel)
	if err != nil {
		conn.sendDirect(encodeErrorFrame(CodeUnknownChannel, err.Error()))
		return nil
	}

	conn.mu.Lock()
	_, already := conn.subscriptions[channel]
	count := len(conn.subscriptions)
	conn.mu.Unlock()

	if !already && count >= b.cfg.MaxSubscriptionsPerConn {
		conn.sendDirect(encodeErrorFrame(CodeSubscriptionLimitExceeded,
			fmt.Sprintf("connection holds the maximum of %d subscriptions", b.cfg.MaxSubscriptionsPerConn)))
		return nil
	}

	opts := []event.SubscribeOption{}
	if binding.filter != nil {
		opts = append(opts, event.WithFilter(*binding.filter))
	}
	subID, err := b.bus.Subscribe(conn.ID(), binding.category, func(_ context.Context, e *event.Event) error {
		return conn.EnqueueEvent(e)
	}, opts...)
	if err != nil {
		conn.sendDirect(encodeErrorFrame(CodeUnknownChannel, err.Error()))
		return nil
	}

	conn.mu.Lock()
	conn.subscriptions[channel] = subID
	conn.mu.Unlock()
	return nil
}

// unsubscribeConn removes a channel subscription. No-op if absent.
func (b *Bridge) unsubscribeConn(conn *Conn, channel string) {
	conn.mu.Lock()
	subID, ok := conn.subscriptions[channel]
	delete(conn.subscriptions, channel)
	conn.mu.Unlock()
	if ok {
		b.bus.Unsubscribe(subID)
	}
}

// OnDisconnect removes the connection's subscriptions atomically, publishes
// a disconnected event for authenticated players, and releases the
// connection. Idempotent.
func (b *Bridge) OnDisconnect(connectionID, reason string) {
	b.mu.Lock()
	conn, ok := b.conns[connectionID]
	delete(b.conns, connectionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	b.bus.UnsubscribeAll(connectionID)
	conn.close()

	playerID := conn.PlayerID()
	if playerID != "" {
		if e, err := event.New(event.CategoryPlayerAction, "disconnected", playerID, map[string]any{
			"reason": reason,
		}); err == nil {
			if sessionID := conn.SessionID(); sessionID != "" {
				e = e.WithTargets(event.Target{Type: event.TargetGame, ID: sessionID})
			}
			b.bus.Publish(context.Background(), e)
		}
	}

	b.logger.Info("connection released",
		zap.String("connectionId", connectionID),
		zap.String("playerId", playerID),
		zap.String("reason", reason))
}

// Close force-disconnects every live connection.
func (b *Bridge) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.conns))
	for id := range b.conns {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.OnDisconnect(id, "server_shutdown")
	}
}

// violation notifies the connection of a protocol violation and counts it.
// Past the threshold the connection is force-disconnected and
// ErrConnectionClosed is returned.
func (b *Bridge) violation(conn *Conn, code, message string) error {
	conn.sendDirect(encodeErrorFrame(code, message))
	count := conn.addViolation()

	b.logger.Warn("protocol violation",
		zap.String("connectionId", conn.ID()),
		zap.String("code", code),
		zap.Int("violations", count))

	if count >= b.cfg.ViolationThreshold {
		b.OnDisconnect(conn.ID(), "violation_threshold")
		return ErrConnectionClosed
	}
	return nil
}
