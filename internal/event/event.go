// Package event provides the typed event model and in-process publish/subscribe
// bus that all other server components communicate through.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current event schema version stamped on new events.
const SchemaVersion = 1

// Category classifies an event into one of the closed routing categories.
type Category string

// The closed set of event categories.
const (
	CategoryGameState      Category = "game-state"
	CategoryPlayerAction   Category = "player-action"
	CategoryRoomManagement Category = "room-management"
	CategoryAdminAction    Category = "admin-action"
	CategorySystemStatus   Category = "system-status"
	CategoryPerformance    Category = "performance"

	// CategoryWildcard matches every category. Valid only for subscriptions,
	// never for published events.
	CategoryWildcard Category = "*"
)

// ParseCategory validates a category string.
//
// Precondition: s should be one of the defined category constants.
// Postcondition: Returns the matching Category or ErrInvalidCategory.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategoryGameState, CategoryPlayerAction, CategoryRoomManagement,
		CategoryAdminAction, CategorySystemStatus, CategoryPerformance:
		return Category(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// Priority indicates delivery urgency. It is advisory metadata; the bus does
// not reorder deliveries based on it.
type Priority string

// Priority levels.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// DeliveryMode selects the bus delivery semantics for an event.
type DeliveryMode string

// Delivery modes.
const (
	// FireAndForget attempts delivery once per subscriber; failures are
	// recorded but not retried.
	FireAndForget DeliveryMode = "fire-and-forget"
	// AtLeastOnce retries failed deliveries with exponential backoff until
	// the attempt ceiling or the event TTL is exhausted.
	AtLeastOnce DeliveryMode = "at-least-once"
)

// TargetType identifies the kind of delivery target an event addresses.
type TargetType string

// Target types.
const (
	TargetPlayer    TargetType = "player"
	TargetRoom      TargetType = "room"
	TargetGame      TargetType = "game"
	TargetBroadcast TargetType = "broadcast"
)

// Target names a single delivery destination.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// Metadata carries delivery semantics for an event.
type Metadata struct {
	Priority     Priority     `json:"priority"`
	DeliveryMode DeliveryMode `json:"deliveryMode"`
	Retryable    bool         `json:"retryable"`
	// TTL bounds the total delivery window, including retries. Zero means
	// the bus default applies.
	TTL time.Duration `json:"ttlMs"`
}

// Event is an immutable record routed by the bus. Once published its fields
// must never be mutated; redelivery reuses the same ID.
type Event struct {
	ID            string    `json:"eventId"`
	Category      Category  `json:"category"`
	Type          string    `json:"type"`
	SourceID      string    `json:"sourceId"`
	Targets       []Target  `json:"targets,omitempty"`
	Data          any       `json:"data,omitempty"`
	Metadata      Metadata  `json:"metadata"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schemaVersion"`
}

// New creates an event with a fresh unique ID, the current timestamp, and
// normal-priority fire-and-forget metadata.
//
// Precondition: category must be a concrete category (not the wildcard);
// eventType and sourceID must be non-empty.
// Postcondition: Returns a ready-to-publish Event or ErrInvalidCategory.
func New(category Category, eventType, sourceID string, data any) (*Event, error) {
	if _, err := ParseCategory(string(category)); err != nil {
		return nil, err
	}
	if eventType == "" {
		return nil, fmt.Errorf("event type must not be empty")
	}
	if sourceID == "" {
		return nil, fmt.Errorf("event sourceId must not be empty")
	}
	return &Event{
		ID:       uuid.NewString(),
		Category: category,
		Type:     eventType,
		SourceID: sourceID,
		Data:     data,
		Metadata: Metadata{
			Priority:     PriorityNormal,
			DeliveryMode: FireAndForget,
		},
		Timestamp:     time.Now(),
		SchemaVersion: SchemaVersion,
	}, nil
}

// WithTargets returns a copy of the event addressed to the given targets.
// The original event is not modified.
func (e *Event) WithTargets(targets ...Target) *Event {
	clone := *e
	clone.Targets = append([]Target(nil), targets...)
	return &clone
}

// WithMetadata returns a copy of the event carrying the given metadata.
// The original event is not modified.
func (e *Event) WithMetadata(md Metadata) *Event {
	clone := *e
	clone.Metadata = md
	return &clone
}

// Deadline returns the instant after which delivery attempts must stop, given
// the bus default TTL. A zero return means the event never expires.
func (e *Event) Deadline(defaultTTL time.Duration) time.Time {
	ttl := e.Metadata.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return e.Timestamp.Add(ttl)
}
