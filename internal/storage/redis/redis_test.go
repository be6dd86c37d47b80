package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollowpoint/blastarena/internal/storage/redis"
	"github.com/hollowpoint/blastarena/internal/testutil"
)

func setupStore(t *testing.T) *redis.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	return testutil.NewRedisContainer(t).Store
}

func TestStore_SetGetDelete(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "session:abc", []byte(`{"status":"active"}`), time.Minute))

	val, err := store.Get(ctx, "session:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"status":"active"}`), val)

	require.NoError(t, store.Delete(ctx, "session:abc"))
	_, err = store.Get(ctx, "session:abc")
	assert.ErrorIs(t, err, redis.ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(ctx, "session:abc"))
}

func TestStore_GetMissing(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, redis.ErrNotFound)
}

func TestStore_Refresh(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "session:ttl", []byte("x"), time.Second))
	require.NoError(t, store.Refresh(ctx, "session:ttl", time.Minute))

	// The refreshed key survives past its original expiry.
	time.Sleep(1100 * time.Millisecond)
	_, err := store.Get(ctx, "session:ttl")
	assert.NoError(t, err)

	assert.ErrorIs(t, store.Refresh(ctx, "absent", time.Minute), redis.ErrNotFound)
}

func TestStore_Expiry(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "session:short", []byte("x"), 500*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, err := store.Get(ctx, "session:short")
		return err != nil
	}, 3*time.Second, 100*time.Millisecond)
}

func TestStore_Keys(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "session:a", []byte("1"), time.Minute))
	require.NoError(t, store.SetWithTTL(ctx, "session:b", []byte("2"), time.Minute))
	require.NoError(t, store.SetWithTTL(ctx, "auth:c", []byte("3"), time.Minute))

	keys, err := store.Keys(ctx, "session:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"session:a", "session:b"}, keys)
}

func TestStore_Health(t *testing.T) {
	store := setupStore(t)
	assert.NoError(t, store.Health(context.Background(), 2*time.Second))
}

func TestCredentialStore_IssueAndVerify(t *testing.T) {
	store := setupStore(t)
	creds := redis.NewCredentialStore(store)
	ctx := context.Background()

	require.NoError(t, creds.IssueToken(ctx, "player-1", "topsecret", time.Minute))

	assert.NoError(t, creds.Verify(ctx, "player-1", "topsecret"))
	assert.ErrorIs(t, creds.Verify(ctx, "player-1", "wrong"), redis.ErrInvalidToken)
	assert.ErrorIs(t, creds.Verify(ctx, "player-2", "topsecret"), redis.ErrNotFound)
}

func TestCredentialStore_Revoke(t *testing.T) {
	store := setupStore(t)
	creds := redis.NewCredentialStore(store)
	ctx := context.Background()

	require.NoError(t, creds.IssueToken(ctx, "player-1", "topsecret", time.Minute))
	require.NoError(t, creds.Revoke(ctx, "player-1"))
	assert.ErrorIs(t, creds.Verify(ctx, "player-1", "topsecret"), redis.ErrNotFound)
}

func TestCredentialStore_RejectsEmpty(t *testing.T) {
	creds := redis.NewCredentialStore(nil)
	assert.Error(t, creds.IssueToken(context.Background(), "", "t", time.Minute))
	assert.Error(t, creds.IssueToken(context.Background(), "p", "", time.Minute))
}
