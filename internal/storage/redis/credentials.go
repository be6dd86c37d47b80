package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when a presented token does not match the
// stored credential.
var ErrInvalidToken = errors.New("invalid token")

const credentialPrefix = "auth:"

// CredentialStore keeps per-player connection tokens as bcrypt hashes.
// Tokens are issued out of band (matchmaking, lobby) and verified when a
// WebSocket connection authenticates.
type CredentialStore struct {
	store *Store
}

// NewCredentialStore wraps the given volatile store.
func NewCredentialStore(store *Store) *CredentialStore {
	return &CredentialStore{store: store}
}

// IssueToken hashes token and stores it for playerID with the given expiry.
//
// Precondition: playerID and token must be non-empty; token at most 72 bytes.
// Postcondition: Verify succeeds for (playerID, token) until the entry expires.
func (c *CredentialStore) IssueToken(ctx context.Context, playerID, token string, ttl time.Duration) error {
	if playerID == "" || token == "" {
		return errors.New("player id and token must be non-empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing token: %w", err)
	}
	return c.store.SetWithTTL(ctx, credentialPrefix+playerID, hash, ttl)
}

// Verify checks token against the stored hash for playerID.
//
// Postcondition: Returns nil on match, ErrInvalidToken on mismatch, and
// ErrNotFound when no credential is stored for playerID.
func (c *CredentialStore) Verify(ctx context.Context, playerID, token string) error {
	hash, err := c.store.Get(ctx, credentialPrefix+playerID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// Revoke removes the stored credential for playerID.
func (c *CredentialStore) Revoke(ctx context.Context, playerID string) error {
	return c.store.Delete(ctx, credentialPrefix+playerID)
}
