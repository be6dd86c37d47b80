package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hollowpoint/blastarena/internal/storage/redis"
)

// ErrSessionNotFound is returned when a session has no volatile entry,
// either because it never existed or because its expiry elapsed.
var ErrSessionNotFound = errors.New("session not found")

// ErrStorageUnavailable is returned when the volatile store cannot serve a
// call. It is fatal to the affected call only, never to the process.
var ErrStorageUnavailable = errors.New("volatile storage unavailable")

// VolatileStore is the key-value surface the session store needs. Satisfied
// by redis.Store; tests substitute an in-memory fake.
type VolatileStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Refresh(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SessionStore reads and mutates SessionState in the volatile store. All
// mutations for one session are serialized through a per-session mutex;
// cross-session operations run fully in parallel.
type SessionStore struct {
	store VolatileStore
	ttl   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionStore creates a SessionStore writing entries with the given
// refreshing expiry.
//
// Precondition: store must be non-nil; ttl must be positive.
func NewSessionStore(store VolatileStore, ttl time.Duration) *SessionStore {
	return &SessionStore{
		store: store,
		ttl:   ttl,
		locks: make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the serialization point for one session.
func (ss *SessionStore) sessionLock(sessionID string) *sync.Mutex {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	l, ok := ss.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		ss.locks[sessionID] = l
	}
	return l
}

func (ss *SessionStore) forget(sessionID string) {
	ss.mu.Lock()
	delete(ss.locks, sessionID)
	ss.mu.Unlock()
}

// Create writes a fresh SessionState for sessionID.
//
// Precondition: sessionID must be non-empty.
// Postcondition: The volatile store holds an active session with the given
// participants, expiring after the store's TTL unless refreshed.
func (ss *SessionStore) Create(ctx context.Context, sessionID, arenaID string, participantIDs []string) (*SessionState, error) {
	if sessionID == "" {
		return nil, errors.New("session id must be non-empty")
	}

	l := ss.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	st := &SessionState{
		SessionID:      sessionID,
		ParticipantIDs: append([]string(nil), participantIDs...),
		Entities:       make(map[string]json.RawMessage),
		Status:         StatusActive,
		ArenaID:        arenaID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := ss.write(ctx, st); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Get returns a snapshot of the session's current state.
//
// Postcondition: Returns ErrSessionNotFound for absent or expired sessions,
// ErrStorageUnavailable when the store cannot answer.
func (ss *SessionStore) Get(ctx context.Context, sessionID string) (*SessionState, error) {
	raw, err := ss.store.Get(ctx, SessionKey(sessionID))
	if errors.Is(err, redis.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	var st SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decoding session %q: %w", sessionID, err)
	}
	return &st, nil
}

// Mutate applies fn to the session's state under its serialization point and
// writes the result back with a refreshed expiry.
//
// Precondition: fn must not retain the state past its return.
// Postcondition: Either the mutated state is stored and its expiry refreshed,
// or an error is returned and the stored state is unchanged.
func (ss *SessionStore) Mutate(ctx context.Context, sessionID string, fn func(*SessionState) error) (*SessionState, error) {
	l := ss.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	st, err := ss.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	st.UpdatedAt = time.Now().UTC()
	if err := ss.write(ctx, st); err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

// Touch refreshes the session's expiry without changing its state.
func (ss *SessionStore) Touch(ctx context.Context, sessionID string) error {
	err := ss.store.Refresh(ctx, SessionKey(sessionID), ss.ttl)
	if errors.Is(err, redis.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Delete removes the session's volatile entry. Absent sessions are a no-op.
func (ss *SessionStore) Delete(ctx context.Context, sessionID string) error {
	l := ss.sessionLock(sessionID)
	l.Lock()
	err := ss.store.Delete(ctx, SessionKey(sessionID))
	l.Unlock()
	ss.forget(sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (ss *SessionStore) write(ctx context.Context, st *SessionState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding session %q: %w", st.SessionID, err)
	}
	if err := ss.store.SetWithTTL(ctx, SessionKey(st.SessionID), raw, ss.ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
