package arena

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hollowpoint/blastarena/internal/event"
)

// BombStatus is the one-shot lifecycle state of a placed bomb.
type BombStatus string

// Bomb lifecycle states. Triggered and cancelled are terminal.
const (
	StatusActive    BombStatus = "active"
	StatusTriggered BombStatus = "triggered"
	StatusCancelled BombStatus = "cancelled"
)

// PlacementPolicy decides what happens when a bomb is placed on a cell that
// already holds an active bomb.
type PlacementPolicy string

// Placement policies.
const (
	// PolicyReject refuses a placement on an occupied cell.
	PolicyReject PlacementPolicy = "reject"
	// PolicyStack allows multiple active bombs on the same cell.
	PolicyStack PlacementPolicy = "stack"
)

// Placement failure reasons.
const (
	ReasonLimitReached    = "limit_reached"
	ReasonPositionTaken   = "position_occupied"
	ReasonInvalidPosition = "invalid_position"
	ReasonUnknownLayout   = "unknown_layout"
)

// Bomb is a timer-governed entity placed by a player. It transitions from
// active to exactly one terminal state; the fuse timer path and the API path
// both attempt the same transition and only one succeeds.
type Bomb struct {
	ID           string     `json:"entityId"`
	OwnerID      string     `json:"ownerId"`
	SessionID    string     `json:"sessionId"`
	Position     Position   `json:"position"`
	EffectRadius int        `json:"effectRadius"`
	ArmedAt      time.Time  `json:"armedAt"`
	TriggerAt    time.Time  `json:"triggerAt"`
	Status       BombStatus `json:"status"`

	timer *FuseTimer
}

// EffectZone is the visible blast area produced when a bomb triggers. It
// self-removes after the configured display duration.
type EffectZone struct {
	ID            string     `json:"zoneId"`
	SessionID     string     `json:"sessionId"`
	Center        Position   `json:"center"`
	AffectedCells []Position `json:"affectedCells"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
}

// PlacementResult reports the outcome of a placement attempt. Limit and
// conflict rejections are expected outcomes, represented as OK=false with a
// reason, never as errors.
type PlacementResult struct {
	OK       bool
	EntityID string
	Reason   string
}

// EffectResult describes a resolved trigger: the affected cells, the
// published zone, and any bombs chain-triggered as part of the same logical
// operation.
type EffectResult struct {
	EntityID      string
	OwnerID       string
	AffectedCells []Position
	Zone          EffectZone
	Chained       []EffectResult
}

// Config holds bomb subsystem tuning.
type Config struct {
	// FuseDelay is the fixed delay between arming and triggering.
	FuseDelay time.Duration
	// EffectRadius is the blast walk distance in each cardinal direction.
	EffectRadius int
	// MaxActivePerOwner caps concurrent active bombs per owner per session.
	MaxActivePerOwner int
	// ZoneDisplayDuration is how long an effect zone stays visible.
	ZoneDisplayDuration time.Duration
	// PlacementPolicy controls occupied-cell placement conflicts.
	PlacementPolicy PlacementPolicy
}

func (c Config) withDefaults() Config {
	if c.FuseDelay <= 0 {
		c.FuseDelay = 3 * time.Second
	}
	if c.EffectRadius <= 0 {
		c.EffectRadius = 2
	}
	if c.MaxActivePerOwner <= 0 {
		c.MaxActivePerOwner = 1
	}
	if c.ZoneDisplayDuration <= 0 {
		c.ZoneDisplayDuration = 500 * time.Millisecond
	}
	if c.PlacementPolicy == "" {
		c.PlacementPolicy = PolicyReject
	}
	return c
}

// Publisher is the bus surface the manager needs to announce bomb lifecycle
// events.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) event.PublishResult
}

// session holds one session's bombs and zones. Its mutex is the per-session
// serialization point: all mutations for a session go through it, while
// different sessions proceed fully in parallel.
type session struct {
	mu     sync.Mutex
	id     string
	layout *Layout
	bombs  map[string]*Bomb
	zones  map[string]*EffectZone

	ownerCounts map[string]int
	zoneTimers  map[string]*FuseTimer
}

// Manager tracks bombs and effect zones across sessions. All methods are
// safe for concurrent use.
type Manager struct {
	cfg    Config
	bus    Publisher
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewManager creates a bomb Manager publishing lifecycle events on bus.
//
// Precondition: bus and logger must be non-nil.
func NewManager(cfg Config, bus Publisher, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// UseLayout binds an arena layout to a session. Placement validation and
// blast expansion consult the layout; sessions without one use an unbounded
// empty grid.
func (m *Manager) UseLayout(sessionID string, layout *Layout) {
	s := m.session(sessionID)
	s.mu.Lock()
	s.layout = layout
	s.mu.Unlock()
}

// session returns the session bucket, creating it on first use.
func (m *Manager) session(sessionID string) *session {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[sessionID]; ok {
		return s
	}
	s = &session{
		id:          sessionID,
		bombs:       make(map[string]*Bomb),
		zones:       make(map[string]*EffectZone),
		ownerCounts: make(map[string]int),
		zoneTimers:  make(map[string]*FuseTimer),
	}
	m.sessions[sessionID] = s
	return s
}

// peek returns the session bucket without creating it.
func (m *Manager) peek(sessionID string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Place arms a new bomb for the owner at the given position. Concurrent
// placements for the same owner are serialized by the session lock, so the
// per-owner limit holds at every instant.
//
// Precondition: sessionID and ownerID must be non-empty.
// Postcondition: On success the bomb is armed and its fuse timer scheduled;
// otherwise the result carries a rejection reason.
func (m *Manager) Place(ctx context.Context, sessionID, ownerID string, pos Position) (PlacementResult, error) {
	if sessionID == "" || ownerID == "" {
		return PlacementResult{}, fmt.Errorf("sessionId and ownerId must not be empty")
	}

	s := m.session(sessionID)
	s.mu.Lock()

	if s.layout != nil && !s.layout.OpenCell(pos) {
		s.mu.Unlock()
		return PlacementResult{Reason: ReasonInvalidPosition}, nil
	}
	if s.ownerCounts[ownerID] >= m.cfg.MaxActivePerOwner {
		s.mu.Unlock()
		return PlacementResult{Reason: ReasonLimitReached}, nil
	}
	if m.cfg.PlacementPolicy == PolicyReject {
		for _, b := range s.bombs {
			if b.Status == StatusActive && b.Position == pos {
				s.mu.Unlock()
				return PlacementResult{Reason: ReasonPositionTaken}, nil
			}
		}
	}

	now := time.Now()
	bomb := &Bomb{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		SessionID:    sessionID,
		Position:     pos,
		EffectRadius: m.cfg.EffectRadius,
		ArmedAt:      now,
		TriggerAt:    now.Add(m.cfg.FuseDelay),
		Status:       StatusActive,
	}
	s.bombs[bomb.ID] = bomb
	s.ownerCounts[ownerID]++

	entityID := bomb.ID
	bomb.timer = NewFuseTimer(m.cfg.FuseDelay, func() {
		m.Trigger(context.Background(), sessionID, entityID)
	})
	s.mu.Unlock()

	m.publish(ctx, sessionID, "entity_placed", ownerID, map[string]any{
		"entityId":  bomb.ID,
		"position":  pos,
		"triggerAt": bomb.TriggerAt,
	})

	return PlacementResult{OK: true, EntityID: bomb.ID}, nil
}

// Trigger resolves a bomb, manually or from its fuse timer. A nil result
// means the bomb is absent or already terminal: the benign race between a
// firing timer and an explicit trigger or cancel.
//
// Any other active bomb whose position lies within the computed affected
// cells is chain-triggered within the same session lock acquisition, before
// this call returns. Chain depth is bounded by the session's bomb count.
//
// Postcondition: Every triggered bomb has a published effect zone scheduled
// to expire after the display duration.
func (m *Manager) Trigger(ctx context.Context, sessionID, entityID string) *EffectResult {
	s, ok := m.peek(sessionID)
	if !ok {
		return nil
	}

	s.mu.Lock()
	root, ok := s.bombs[entityID]
	if !ok || root.Status != StatusActive {
		s.mu.Unlock()
		return nil
	}

	results := m.resolve(s, root)
	s.mu.Unlock()

	// Publish outside the session lock so bus delivery never blocks the
	// session's serialization point.
	for i := range results {
		r := &results[i]
		m.publish(ctx, sessionID, "entity_triggered", r.OwnerID, map[string]any{
			"entityId": r.EntityID,
			"zone":     r.Zone,
			"chained":  i > 0,
		})
	}

	result := results[0]
	result.Chained = results[1:]
	return &result
}

// resolve performs the iterative chain-reaction walk. The caller holds the
// session lock. Results are returned in resolution order, root first.
func (m *Manager) resolve(s *session, root *Bomb) []EffectResult {
	var results []EffectResult
	queue := []*Bomb{root}
	// Bound on malformed data: a bomb can only be resolved once, so the
	// chain can never exceed the session's bomb count.
	maxSteps := len(s.bombs)

	for len(queue) > 0 && len(results) <= maxSteps {
		b := queue[0]
		queue = queue[1:]
		if b.Status != StatusActive {
			continue
		}

		b.Status = StatusTriggered
		b.timer.Stop()
		// Terminal bombs leave the map immediately; keeping them around
		// would grow a long-lived session without bound.
		delete(s.bombs, b.ID)
		s.ownerCounts[b.OwnerID]--
		if s.ownerCounts[b.OwnerID] <= 0 {
			delete(s.ownerCounts, b.OwnerID)
		}

		cells := BlastPattern(s.layout, b.Position, b.EffectRadius)
		now := time.Now()
		zone := &EffectZone{
			ID:            uuid.NewString(),
			SessionID:     s.id,
			Center:        b.Position,
			AffectedCells: cells,
			CreatedAt:     now,
			ExpiresAt:     now.Add(m.cfg.ZoneDisplayDuration),
		}
		s.zones[zone.ID] = zone
		m.scheduleZoneExpiry(s, zone.ID)

		results = append(results, EffectResult{
			EntityID:      b.ID,
			OwnerID:       b.OwnerID,
			AffectedCells: cells,
			Zone:          *zone,
		})

		hit := cellSet(cells)
		for _, other := range s.bombs {
			if other.Status == StatusActive && hit[other.Position] {
				queue = append(queue, other)
			}
		}
	}
	return results
}

// scheduleZoneExpiry removes the zone after the display duration and
// announces its expiry. The caller holds the session lock.
func (m *Manager) scheduleZoneExpiry(s *session, zoneID string) {
	s.zoneTimers[zoneID] = NewFuseTimer(m.cfg.ZoneDisplayDuration, func() {
		s.mu.Lock()
		_, present := s.zones[zoneID]
		delete(s.zones, zoneID)
		delete(s.zoneTimers, zoneID)
		s.mu.Unlock()

		if present {
			m.publish(context.Background(), s.id, "zone_expired", s.id, map[string]any{
				"zoneId": zoneID,
			})
		}
	})
}

// Cancel defuses an active bomb, releasing the owner's concurrency slot.
// It returns false when the bomb is absent or already terminal; whichever of
// trigger/cancel runs first wins and the loser observes the terminal state.
func (m *Manager) Cancel(ctx context.Context, sessionID, entityID string) bool {
	s, ok := m.peek(sessionID)
	if !ok {
		return false
	}

	s.mu.Lock()
	b, ok := s.bombs[entityID]
	if !ok || b.Status != StatusActive {
		s.mu.Unlock()
		return false
	}
	b.Status = StatusCancelled
	b.timer.Stop()
	delete(s.bombs, entityID)
	s.ownerCounts[b.OwnerID]--
	if s.ownerCounts[b.OwnerID] <= 0 {
		delete(s.ownerCounts, b.OwnerID)
	}
	ownerID := b.OwnerID
	s.mu.Unlock()

	m.publish(ctx, sessionID, "entity_cancelled", ownerID, map[string]any{
		"entityId": entityID,
	})
	return true
}

// ListActive returns snapshots of all active bombs in the session. Unknown
// sessions yield an empty slice.
func (m *Manager) ListActive(sessionID string) []Bomb {
	s, ok := m.peek(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Bomb, 0, len(s.bombs))
	for _, b := range s.bombs {
		if b.Status == StatusActive {
			snapshot := *b
			snapshot.timer = nil
			out = append(out, snapshot)
		}
	}
	return out
}

// ListEffectZones returns snapshots of the session's live effect zones.
// Unknown sessions yield an empty slice.
func (m *Manager) ListEffectZones(sessionID string) []EffectZone {
	s, ok := m.peek(sessionID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EffectZone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, *z)
	}
	return out
}

// OwnerCount returns the owner's active bomb count summed across sessions.
// Unknown owners yield zero.
func (m *Manager) OwnerCount(ownerID string) int {
	m.mu.RLock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	total := 0
	for _, s := range sessions {
		s.mu.Lock()
		total += s.ownerCounts[ownerID]
		s.mu.Unlock()
	}
	return total
}

// CleanupSession cancels all pending timers and clears every bomb and zone
// for the session. Other sessions are unaffected. Idempotent.
func (m *Manager) CleanupSession(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bombs {
		if b.Status == StatusActive {
			b.Status = StatusCancelled
			b.timer.Stop()
		}
	}
	for _, t := range s.zoneTimers {
		t.Stop()
	}
	s.bombs = make(map[string]*Bomb)
	s.zones = make(map[string]*EffectZone)
	s.ownerCounts = make(map[string]int)
	s.zoneTimers = make(map[string]*FuseTimer)

	m.logger.Info("session cleaned up", zap.String("session_id", sessionID))
}

// publish emits a fire-and-forget game-state event targeting the session.
func (m *Manager) publish(ctx context.Context, sessionID, eventType, sourceID string, data map[string]any) {
	e, err := event.New(event.CategoryGameState, eventType, sourceID, data)
	if err != nil {
		m.logger.Error("building event", zap.String("type", eventType), zap.Error(err))
		return
	}
	e = e.WithTargets(event.Target{Type: event.TargetGame, ID: sessionID})
	m.bus.Publish(ctx, e)
}
