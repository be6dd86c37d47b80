package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hollowpoint/blastarena/internal/event"
	"github.com/hollowpoint/blastarena/internal/storage/postgres"
)

const syncerSubscriberID = "dual-store-sync"

// historyQueueSize bounds the pending durable writes. The durable path is
// best effort: overflow drops the record and bumps the failure counter
// rather than blocking the live path.
const historyQueueSize = 1024

// historyBatchMax caps how many queued records one AppendBatch carries.
const historyBatchMax = 32

// HistoryWriter is the durable-store surface the syncer needs. Satisfied by
// postgres.HistoryRepository; tests substitute a fake.
type HistoryWriter interface {
	AppendBatch(ctx context.Context, recs []postgres.HistoryRecord) error
}

// Bus is the subscription surface the syncer needs from the event bus.
type Bus interface {
	Subscribe(subscriberID string, category event.Category, handler event.Handler, opts ...event.SubscribeOption) (string, error)
	UnsubscribeAll(subscriberID string)
}

// Syncer applies bus events to the volatile session state synchronously and
// mirrors every accepted mutation into the durable history through a bounded
// asynchronous worker. The volatile store is authoritative for what is true
// now; the durable store only records what happened.
type Syncer struct {
	sessions *SessionStore
	bus      Bus
	history  HistoryWriter
	logger   *zap.Logger

	sweep time.Duration

	queue chan postgres.HistoryRecord
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	known   map[string]bool

	appended atomic.Int64
	dropped  atomic.Int64
	failures atomic.Int64
}

// NewSyncer creates a Syncer. sweep is the interval at which expired
// sessions are detected; it is derived from the session TTL by the caller.
//
// Precondition: sessions, bus, history, and logger must be non-nil.
func NewSyncer(sessions *SessionStore, bus Bus, history HistoryWriter, sweep time.Duration, logger *zap.Logger) *Syncer {
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	return &Syncer{
		sessions: sessions,
		bus:      bus,
		history:  history,
		logger:   logger,
		sweep:    sweep,
		queue:    make(chan postgres.HistoryRecord, historyQueueSize),
		quit:     make(chan struct{}),
		known:    make(map[string]bool),
	}
}

// Start subscribes to the state-bearing categories and launches the durable
// writer and the expiry sweeper.
//
// Precondition: Start must be called at most once.
func (sy *Syncer) Start(ctx context.Context) error {
	sy.mu.Lock()
	if sy.started {
		sy.mu.Unlock()
		return errors.New("syncer already started")
	}
	sy.started = true
	sy.mu.Unlock()

	for _, cat := range []event.Category{
		event.CategoryGameState,
		event.CategoryPlayerAction,
		event.CategoryRoomManagement,
	} {
		if _, err := sy.bus.Subscribe(syncerSubscriberID, cat, sy.handleEvent); err != nil {
			sy.bus.UnsubscribeAll(syncerSubscriberID)
			return err
		}
	}

	sy.wg.Add(2)
	go sy.writeLoop()
	go sy.sweepLoop()
	return nil
}

// Stop unsubscribes from the bus and drains the durable write queue.
//
// Postcondition: All queued records have been flushed or counted as failed.
func (sy *Syncer) Stop() {
	sy.mu.Lock()
	if !sy.started {
		sy.mu.Unlock()
		return
	}
	sy.started = false
	sy.mu.Unlock()

	sy.bus.UnsubscribeAll(syncerSubscriberID)
	close(sy.quit)
	sy.wg.Wait()
}

// Appended returns the number of durable records written so far.
func (sy *Syncer) Appended() int64 { return sy.appended.Load() }

// Failures returns the number of durable write failures and dropped records.
func (sy *Syncer) Failures() int64 { return sy.failures.Load() + sy.dropped.Load() }

// handleEvent is the bus handler: synchronous volatile mutation, then an
// asynchronous durable append. A volatile-store failure fails this delivery
// only; the durable path never fails the delivery.
func (sy *Syncer) handleEvent(ctx context.Context, e *event.Event) error {
	sessionID := sessionIDOf(e)
	if sessionID == "" {
		return nil
	}

	if err := sy.apply(ctx, sessionID, e); err != nil {
		if errors.Is(err, ErrStorageUnavailable) {
			sy.logger.Error("volatile store unavailable",
				zap.String("sessionId", sessionID),
				zap.String("type", e.Type),
				zap.Error(err))
			return err
		}
		// Benign: e.g. a mutation for a session that already expired.
		sy.logger.Debug("skipping mutation",
			zap.String("sessionId", sessionID),
			zap.String("type", e.Type),
			zap.Error(err))
	}

	sy.enqueue(historyRecord(sessionID, e))
	return nil
}

// apply performs the synchronous volatile mutation for one event.
func (sy *Syncer) apply(ctx context.Context, sessionID string, e *event.Event) error {
	switch e.Type {
	case "session_created":
		arenaID, _ := dataString(e, "arenaId")
		participants := dataStrings(e, "participantIds")
		_, err := sy.sessions.Create(ctx, sessionID, arenaID, participants)
		if err == nil {
			sy.remember(sessionID)
		}
		return err

	case "player_joined":
		_, err := sy.sessions.Mutate(ctx, sessionID, func(st *SessionState) error {
			if !st.HasParticipant(e.SourceID) {
				st.ParticipantIDs = append(st.ParticipantIDs, e.SourceID)
			}
			return nil
		})
		return err

	case "player_left", "disconnected":
		_, err := sy.sessions.Mutate(ctx, sessionID, func(st *SessionState) error {
			out := st.ParticipantIDs[:0]
			for _, id := range st.ParticipantIDs {
				if id != e.SourceID {
					out = append(out, id)
				}
			}
			st.ParticipantIDs = out
			return nil
		})
		return err

	case "entity_placed":
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return err
		}
		entityID, ok := dataString(e, "entityId")
		if !ok {
			return errors.New("entity_placed event missing entityId")
		}
		_, err = sy.sessions.Mutate(ctx, sessionID, func(st *SessionState) error {
			st.Entities[entityID] = raw
			return nil
		})
		return err

	case "entity_triggered", "entity_cancelled":
		entityID, ok := dataString(e, "entityId")
		if !ok {
			return errors.New("event missing entityId")
		}
		_, err := sy.sessions.Mutate(ctx, sessionID, func(st *SessionState) error {
			delete(st.Entities, entityID)
			return nil
		})
		return err

	case "session_ended":
		sy.forget(sessionID)
		return sy.sessions.Delete(ctx, sessionID)

	default:
		// State-neutral events still get a history record.
		return sy.sessions.Touch(ctx, sessionID)
	}
}

// enqueue hands a record to the durable writer without ever blocking.
func (sy *Syncer) enqueue(rec postgres.HistoryRecord) {
	select {
	case sy.queue <- rec:
	default:
		sy.dropped.Add(1)
		sy.logger.Warn("history queue full, dropping record",
			zap.String("sessionId", rec.SessionID),
			zap.String("eventType", rec.EventType))
	}
}

// writeLoop drains the queue in small batches. On Stop it flushes whatever
// remains before returning.
func (sy *Syncer) writeLoop() {
	defer sy.wg.Done()
	for {
		select {
		case rec := <-sy.queue:
			sy.flush(rec)
		case <-sy.quit:
			for {
				select {
				case rec := <-sy.queue:
					sy.flush(rec)
				default:
					return
				}
			}
		}
	}
}

// flush writes one record plus whatever else is already queued, capped at
// the batch maximum.
func (sy *Syncer) flush(first postgres.HistoryRecord) {
	batch := []postgres.HistoryRecord{first}
	for len(batch) < historyBatchMax {
		select {
		case rec := <-sy.queue:
			batch = append(batch, rec)
		default:
			goto write
		}
	}
write:
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sy.history.AppendBatch(ctx, batch); err != nil {
		sy.failures.Add(int64(len(batch)))
		sy.logger.Warn("durable history write failed",
			zap.Int("records", len(batch)),
			zap.Error(err))
		return
	}
	sy.appended.Add(int64(len(batch)))
}

// sweepLoop detects sessions whose volatile entry expired and appends the
// final session_ended record for each.
func (sy *Syncer) sweepLoop() {
	defer sy.wg.Done()
	ticker := time.NewTicker(sy.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sy.sweepExpired()
		case <-sy.quit:
			return
		}
	}
}

func (sy *Syncer) sweepExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, sessionID := range sy.knownSessions() {
		_, err := sy.sessions.Get(ctx, sessionID)
		if errors.Is(err, ErrSessionNotFound) {
			sy.forget(sessionID)
			sy.enqueue(postgres.HistoryRecord{
				SessionID:  sessionID,
				EventType:  "session_ended",
				Payload:    []byte(`{"reason":"expired"}`),
				RecordedAt: time.Now().UTC(),
			})
			sy.logger.Info("session expired", zap.String("sessionId", sessionID))
		}
	}
}

func (sy *Syncer) remember(sessionID string) {
	sy.mu.Lock()
	sy.known[sessionID] = true
	sy.mu.Unlock()
}

func (sy *Syncer) forget(sessionID string) {
	sy.mu.Lock()
	delete(sy.known, sessionID)
	sy.mu.Unlock()
}

func (sy *Syncer) knownSessions() []string {
	sy.mu.Lock()
	defer sy.mu.Unlock()
	out := make([]string, 0, len(sy.known))
	for id := range sy.known {
		out = append(out, id)
	}
	return out
}

// historyRecord derives the durable record for one event.
func historyRecord(sessionID string, e *event.Event) postgres.HistoryRecord {
	payload, err := json.Marshal(e)
	if err != nil {
		payload = []byte("{}")
	}
	return postgres.HistoryRecord{
		SessionID:  sessionID,
		EventType:  e.Type,
		SourceID:   e.SourceID,
		Payload:    payload,
		RecordedAt: e.Timestamp,
	}
}

// sessionIDOf extracts the session an event belongs to: the first game
// target, falling back to a sessionId field in the payload.
func sessionIDOf(e *event.Event) string {
	for _, t := range e.Targets {
		if t.Type == event.TargetGame {
			return t.ID
		}
	}
	if id, ok := dataString(e, "sessionId"); ok {
		return id
	}
	return ""
}

func dataString(e *event.Event, field string) (string, bool) {
	data, ok := e.Data.(map[string]any)
	if !ok {
		return "", false
	}
	s, ok := data[field].(string)
	return s, ok
}

func dataStrings(e *event.Event, field string) []string {
	data, ok := e.Data.(map[string]any)
	if !ok {
		return nil
	}
	var out []string
	switch vals := data[field].(type) {
	case []string:
		out = append(out, vals...)
	case []any:
		for _, v := range vals {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}
