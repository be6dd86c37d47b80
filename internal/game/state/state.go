// Package state keeps authoritative session state in the volatile store and
// mirrors every accepted mutation into the durable history, best effort.
package state

import (
	"encoding/json"
	"time"
)

// Session lifecycle states.
const (
	StatusWaiting = "waiting"
	StatusActive  = "active"
	StatusEnded   = "ended"
)

// SessionState is the authoritative live state of one game session. It lives
// in the volatile store under a refreshing expiry; the durable store only
// ever sees append-only history records derived from it.
type SessionState struct {
	SessionID      string                     `json:"sessionId"`
	ParticipantIDs []string                   `json:"participantIds"`
	Entities       map[string]json.RawMessage `json:"entities"`
	Status         string                     `json:"status"`
	ArenaID        string                     `json:"arenaId,omitempty"`
	CreatedAt      time.Time                  `json:"createdAt"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
}

// HasParticipant reports whether playerID is part of the session.
func (s *SessionState) HasParticipant(playerID string) bool {
	for _, id := range s.ParticipantIDs {
		if id == playerID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *SessionState) Clone() *SessionState {
	cp := *s
	cp.ParticipantIDs = append([]string(nil), s.ParticipantIDs...)
	cp.Entities = make(map[string]json.RawMessage, len(s.Entities))
	for k, v := range s.Entities {
		cp.Entities[k] = append(json.RawMessage(nil), v...)
	}
	return &cp
}

const sessionKeyPrefix = "session:"

// SessionKey returns the volatile-store key for a session id.
func SessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}
