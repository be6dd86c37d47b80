package arena

import (
	"context"

	"go.uber.org/zap"

	"github.com/hollowpoint/blastarena/internal/event"
)

const handlerSubscriberID = "arena-handler"

// SubscriberBus is the bus surface the handler needs.
type SubscriberBus interface {
	Publisher
	Subscribe(subscriberID string, category event.Category, handler event.Handler, opts ...event.SubscribeOption) (string, error)
	UnsubscribeAll(subscriberID string)
}

// Handler reacts to player actions and session lifecycle events, driving the
// bomb Manager. It is the glue between the bus and the arena: connections
// publish player-action events, the handler turns them into Place, Trigger,
// and Cancel calls.
type Handler struct {
	manager      *Manager
	bus          SubscriberBus
	layouts      map[string]*Layout
	defaultArena string
	logger       *zap.Logger
}

// NewHandler creates a Handler over the given layouts. defaultArena names
// the layout assigned to sessions that do not request one.
//
// Precondition: manager, bus, and logger must be non-nil.
func NewHandler(manager *Manager, bus SubscriberBus, layouts map[string]*Layout, defaultArena string, logger *zap.Logger) *Handler {
	return &Handler{
		manager:      manager,
		bus:          bus,
		layouts:      layouts,
		defaultArena: defaultArena,
		logger:       logger,
	}
}

// Start registers the handler's bus subscriptions. Player actions are
// subscribed per type so events the handler itself publishes (player
// notifications) never route back to it.
func (h *Handler) Start() error {
	for _, actionType := range []string{"place_bomb", "trigger_bomb", "cancel_bomb"} {
		_, err := h.bus.Subscribe(handlerSubscriberID, event.CategoryPlayerAction, h.handlePlayerAction,
			event.WithFilter(event.Filter{Field: "type", Op: event.OpEq, Value: actionType}))
		if err != nil {
			h.bus.UnsubscribeAll(handlerSubscriberID)
			return err
		}
	}
	if _, err := h.bus.Subscribe(handlerSubscriberID, event.CategoryRoomManagement, h.handleRoomManagement); err != nil {
		h.bus.UnsubscribeAll(handlerSubscriberID)
		return err
	}
	return nil
}

// Stop removes the handler's subscriptions.
func (h *Handler) Stop() {
	h.bus.UnsubscribeAll(handlerSubscriberID)
}

func (h *Handler) handlePlayerAction(ctx context.Context, e *event.Event) error {
	sessionID := gameTarget(e)
	if sessionID == "" {
		return nil
	}

	switch e.Type {
	case "place_bomb":
		pos, ok := positionOf(e)
		if !ok {
			h.notify(ctx, e.SourceID, "placement_rejected", map[string]any{
				"reason": ReasonInvalidPosition,
			})
			return nil
		}
		result, err := h.manager.Place(ctx, sessionID, e.SourceID, pos)
		if err != nil {
			h.logger.Warn("placing bomb",
				zap.String("sessionId", sessionID),
				zap.String("ownerId", e.SourceID),
				zap.Error(err))
			return err
		}
		if !result.OK {
			h.notify(ctx, e.SourceID, "placement_rejected", map[string]any{
				"reason": result.Reason,
			})
		}
		return nil

	case "trigger_bomb":
		if entityID, ok := dataField(e, "entityId"); ok {
			// A nil result is the benign already-resolved race; nothing to do.
			h.manager.Trigger(ctx, sessionID, entityID)
		}
		return nil

	case "cancel_bomb":
		if entityID, ok := dataField(e, "entityId"); ok {
			h.manager.Cancel(ctx, sessionID, entityID)
		}
		return nil
	}
	return nil
}

func (h *Handler) handleRoomManagement(_ context.Context, e *event.Event) error {
	sessionID := gameTarget(e)
	if sessionID == "" {
		return nil
	}

	switch e.Type {
	case "session_created":
		arenaID := h.defaultArena
		if id, ok := dataField(e, "arenaId"); ok {
			arenaID = id
		}
		layout, ok := h.layouts[arenaID]
		if !ok {
			h.logger.Warn("unknown arena layout, using unbounded grid",
				zap.String("sessionId", sessionID),
				zap.String("arenaId", arenaID))
			return nil
		}
		h.manager.UseLayout(sessionID, layout)

	case "session_ended":
		h.manager.CleanupSession(sessionID)
	}
	return nil
}

// notify publishes a fire-and-forget notification targeting one player.
func (h *Handler) notify(ctx context.Context, playerID, eventType string, data map[string]any) {
	e, err := event.New(event.CategoryPlayerAction, eventType, "arena", data)
	if err != nil {
		h.logger.Error("building notification", zap.Error(err))
		return
	}
	h.bus.Publish(ctx, e.WithTargets(event.Target{Type: event.TargetPlayer, ID: playerID}))
}

func gameTarget(e *event.Event) string {
	for _, t := range e.Targets {
		if t.Type == event.TargetGame {
			return t.ID
		}
	}
	return ""
}

func dataField(e *event.Event, field string) (string, bool) {
	data, ok := e.Data.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := data[field].(string)
	return s, ok
}

// positionOf reads the x/y coordinates from the event payload. JSON numbers
// arrive as float64.
func positionOf(e *event.Event) (Position, bool) {
	data, ok := e.Data.(map[string]any)
	if !ok {
		return Position{}, false
	}
	x, xok := asInt(data["x"])
	y, yok := asInt(data["y"])
	if !xok || !yok {
		return Position{}, false
	}
	return Position{X: x, Y: y}, true
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}
