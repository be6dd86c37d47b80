package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hollowpoint/blastarena/internal/config"
)

// Acceptor serves the client-facing WebSocket endpoint and feeds each
// connection's inbound frames to the Bridge.
type Acceptor struct {
	cfg    config.WebSocketConfig
	bridge *Bridge
	logger *zap.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	wg       sync.WaitGroup
	mu       sync.Mutex
	listener net.Listener
	running  bool

	// connCtx outlives individual HTTP requests. The request context is
	// canceled when the upgrade handler returns, so read loops must not
	// inherit it.
	connCtx    context.Context
	connCancel context.CancelFunc
}

// NewAcceptor creates a WebSocket acceptor with the given configuration.
//
// Precondition: cfg must have a valid port; bridge and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.WebSocketConfig, bridge *Bridge, logger *zap.Logger) *Acceptor {
	connCtx, connCancel := context.WithCancel(context.Background())
	a := &Acceptor{
		cfg:        cfg,
		bridge:     bridge,
		logger:     logger,
		connCtx:    connCtx,
		connCancel: connCancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				// Auth happens in-protocol; origin is not a trust boundary here.
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", a.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	a.server = &http.Server{
		Addr:    cfg.Addr(),
		Handler: mux,
	}
	return a
}

// ListenAndServe starts the HTTP listener and serves WebSocket upgrades
// until Stop is called. This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket endpoint: %w", err)
	}
	return nil
}

// handleWS upgrades one HTTP request and runs its read loop until the
// client goes away, a heartbeat deadline passes, or the bridge closes the
// connection.
func (a *Acceptor) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	connectionID := uuid.NewString()
	a.bridge.OnConnect(connectionID, ws)

	a.wg.Add(1)
	go a.readLoop(a.connCtx, connectionID, ws, r.RemoteAddr)
}

func (a *Acceptor) readLoop(ctx context.Context, connectionID string, ws *websocket.Conn, remoteAddr string) {
	defer a.wg.Done()
	start := time.Now()

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			reason := "client_gone"
			if errors.Is(err, net.ErrClosed) {
				reason = "server_shutdown"
			} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				reason = "heartbeat_timeout"
			}
			a.bridge.OnDisconnect(connectionID, reason)
			a.logger.Debug("connection read loop ended",
				zap.String("connectionId", connectionID),
				zap.String("remote_addr", remoteAddr),
				zap.String("reason", reason),
				zap.Duration("duration", time.Since(start)))
			return
		}

		if err := a.bridge.OnMessage(ctx, connectionID, payload); err != nil {
			a.logger.Debug("connection closed by bridge",
				zap.String("connectionId", connectionID),
				zap.Error(err),
				zap.Duration("duration", time.Since(start)))
			return
		}
	}
}

// Stop gracefully stops the acceptor: no new upgrades, all live
// connections disconnected, all read loops drained.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("websocket server shutdown", zap.Error(err))
	}

	a.connCancel()
	a.bridge.Close()
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
