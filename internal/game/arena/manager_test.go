package arena

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/hollowpoint/blastarena/internal/event"
)

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recordingBus) Publish(_ context.Context, e *event.Event) event.PublishResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return event.PublishResult{Delivered: 1}
}

func (r *recordingBus) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingBus) countOf(eventType string) int {
	n := 0
	for _, typ := range r.types() {
		if typ == eventType {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	// A long fuse keeps timers from firing mid-test unless a test wants it.
	if cfg.FuseDelay == 0 {
		cfg.FuseDelay = time.Minute
	}
	if cfg.ZoneDisplayDuration == 0 {
		cfg.ZoneDisplayDuration = time.Minute
	}
	return NewManager(cfg, bus, zaptest.NewLogger(t)), bus
}

func TestManager_Place(t *testing.T) {
	m, bus := newTestManager(t, Config{MaxActivePerOwner: 2})

	res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 3, Y: 3})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.EntityID)

	active := m.ListActive("sess-1")
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].OwnerID)
	assert.Equal(t, StatusActive, active[0].Status)
	assert.Equal(t, active[0].ArmedAt.Add(time.Minute), active[0].TriggerAt)

	assert.Equal(t, []string{"entity_placed"}, bus.types())
}

func TestManager_PlaceInvalidArgs(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	_, err := m.Place(context.Background(), "", "alice", Position{})
	assert.Error(t, err)
	_, err = m.Place(context.Background(), "sess-1", "", Position{})
	assert.Error(t, err)
}

func TestManager_PlaceRejectsWallAndOutOfBounds(t *testing.T) {
	layout, err := LoadLayoutFromBytes([]byte(validLayoutYAML))
	require.NoError(t, err)

	m, _ := newTestManager(t, Config{MaxActivePerOwner: 5})
	m.UseLayout("sess-1", layout)

	res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 0, Y: 0})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonInvalidPosition, res.Reason)

	res, err = m.Place(context.Background(), "sess-1", "alice", Position{X: 99, Y: 99})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonInvalidPosition, res.Reason)

	res, err = m.Place(context.Background(), "sess-1", "alice", Position{X: 1, Y: 1})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestManager_OwnerLimit(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxActivePerOwner: 2, PlacementPolicy: PolicyStack})

	for i := 0; i < 2; i++ {
		res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: i, Y: 0})
		require.NoError(t, err)
		require.True(t, res.OK)
	}

	res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 5, Y: 5})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonLimitReached, res.Reason)

	// Another owner is unaffected.
	res, err = m.Place(context.Background(), "sess-1", "bob", Position{X: 6, Y: 6})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestManager_OwnerLimitRace(t *testing.T) {
	const max = 3
	const racers = 20
	m, _ := newTestManager(t, Config{MaxActivePerOwner: max, PlacementPolicy: PolicyStack})

	var wg sync.WaitGroup
	var succeeded sync.Map
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: i, Y: 0})
			if err == nil && res.OK {
				succeeded.Store(res.EntityID, true)
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	succeeded.Range(func(any, any) bool { wins++; return true })
	assert.Equal(t, max, wins, "exactly the configured maximum must succeed")
	assert.Equal(t, max, m.OwnerCount("alice"))
}

func TestManager_PlacementPolicyReject(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxActivePerOwner: 5, PlacementPolicy: PolicyReject})

	res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 2, Y: 2})
	require.NoError(t, err)
	require.True(t, res.OK)

	res, err = m.Place(context.Background(), "sess-1", "bob", Position{X: 2, Y: 2})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonPositionTaken, res.Reason)

	// The cell frees up once the occupying bomb resolves.
	first := m.ListActive("sess-1")[0].ID
	require.True(t, m.Cancel(context.Background(), "sess-1", first))
	res, err = m.Place(context.Background(), "sess-1", "bob", Position{X: 2, Y: 2})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestManager_PlacementPolicyStack(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxActivePerOwner: 5, PlacementPolicy: PolicyStack})

	for _, owner := range []string{"alice", "bob"} {
		res, err := m.Place(context.Background(), "sess-1", owner, Position{X: 2, Y: 2})
		require.NoError(t, err)
		assert.True(t, res.OK, owner)
	}
	assert.Len(t, m.ListActive("sess-1"), 2)
}

func TestManager_Trigger(t *testing.T) {
	m, bus := newTestManager(t, Config{MaxActivePerOwner: 1, EffectRadius: 2})

	res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 5, Y: 5})
	require.NoError(t, err)

	effect := m.Trigger(context.Background(), "sess-1", res.EntityID)
	require.NotNil(t, effect)
	assert.Equal(t, res.EntityID, effect.EntityID)
	assert.Len(t, effect.AffectedCells, 9)
	assert.Empty(t, effect.Chained)
	assert.Equal(t, Position{X: 5, Y: 5}, effect.Zone.Center)

	assert.Empty(t, m.ListActive("sess-1"))
	assert.Len(t, m.ListEffectZones("sess-1"), 1)
	assert.Equal(t, 0, m.OwnerCount("alice"), "trigger releases the concurrency slot")
	assert.Equal(t, 1, bus.countOf("entity_triggered"))
}

func TestManager_TriggerAlreadyResolved(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxActivePerOwner: 1})

	res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 1, Y: 1})
	require.NoError(t, err)

	require.NotNil(t, m.Trigger(context.Background(), "sess-1", res.EntityID))
	assert.Nil(t, m.Trigger(context.Background(), "sess-1", res.EntityID), "second trigger observes terminal state")
	assert.False(t, m.Cancel(context.Background(), "sess-1", res.EntityID), "cancel after trigger is a benign no-op")

	assert.Nil(t, m.Trigger(context.Background(), "sess-1", "no-such-entity"))
	assert.Nil(t, m.Trigger(context.Background(), "no-such-session", res.EntityID))
}

func TestManager_CancelThenTrigger(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxActivePerOwner: 1})

	res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 1, Y: 1})
	require.NoError(t, err)

	assert.True(t, m.Cancel(context.Background(), "sess-1", res.EntityID))
	assert.False(t, m.Cancel(context.Background(), "sess-1", res.EntityID))
	assert.Nil(t, m.Trigger(context.Background(), "sess-1", res.EntityID))
	assert.Equal(t, 0, m.OwnerCount("alice"))

	// The slot is released, so the owner can place again.
	res, err = m.Place(context.Background(), "sess-1", "alice", Position{X: 1, Y: 1})
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestManager_FuseTimerTriggers(t *testing.T) {
	m, bus := newTestManager(t, Config{FuseDelay: 20 * time.Millisecond, MaxActivePerOwner: 1})

	_, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 1, Y: 1})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return bus.countOf("entity_triggered") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, m.ListActive("sess-1"))
}

func TestManager_ChainReaction(t *testing.T) {
	m, bus := newTestManager(t, Config{MaxActivePerOwner: 1, EffectRadius: 2, PlacementPolicy: PolicyStack})

	a, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 5, Y: 5})
	require.NoError(t, err)
	// B sits inside A's blast pattern.
	b, err := m.Place(context.Background(), "sess-1", "bob", Position{X: 7, Y: 5})
	require.NoError(t, err)
	// C is outside it.
	c, err := m.Place(context.Background(), "sess-1", "carol", Position{X: 9, Y: 9})
	require.NoError(t, err)

	effect := m.Trigger(context.Background(), "sess-1", a.EntityID)
	require.NotNil(t, effect)
	require.Len(t, effect.Chained, 1)
	assert.Equal(t, b.EntityID, effect.Chained[0].EntityID)
	assert.NotEmpty(t, effect.Chained[0].Zone.ID)

	active := m.ListActive("sess-1")
	require.Len(t, active, 1)
	assert.Equal(t, c.EntityID, active[0].ID)

	assert.Len(t, m.ListEffectZones("sess-1"), 2, "each triggered bomb publishes its own zone")
	assert.Equal(t, 2, bus.countOf("entity_triggered"))
}

func TestManager_ChainReactionTransitive(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxActivePerOwner: 3, EffectRadius: 2, PlacementPolicy: PolicyStack})

	// A at (0,0), B at (2,0) within A's blast, C at (4,0) within B's blast
	// but outside A's.
	a, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 0, Y: 0})
	require.NoError(t, err)
	_, err = m.Place(context.Background(), "sess-1", "alice", Position{X: 2, Y: 0})
	require.NoError(t, err)
	_, err = m.Place(context.Background(), "sess-1", "alice", Position{X: 4, Y: 0})
	require.NoError(t, err)

	effect := m.Trigger(context.Background(), "sess-1", a.EntityID)
	require.NotNil(t, effect)
	assert.Len(t, effect.Chained, 2, "chain propagates transitively in one operation")
	assert.Empty(t, m.ListActive("sess-1"))
	assert.Equal(t, 0, m.OwnerCount("alice"))
}

func TestManager_ZoneExpiry(t *testing.T) {
	m, bus := newTestManager(t, Config{
		MaxActivePerOwner:   1,
		ZoneDisplayDuration: 30 * time.Millisecond,
	})

	res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: 1, Y: 1})
	require.NoError(t, err)
	require.NotNil(t, m.Trigger(context.Background(), "sess-1", res.EntityID))
	require.Len(t, m.ListEffectZones("sess-1"), 1)

	assert.Eventually(t, func() bool {
		return len(m.ListEffectZones("sess-1")) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return bus.countOf("zone_expired") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ReadAccessorsUnknown(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	assert.Empty(t, m.ListActive("nope"))
	assert.Empty(t, m.ListEffectZones("nope"))
	assert.Equal(t, 0, m.OwnerCount("nobody"))
}

func TestManager_CleanupSessionIsolation(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxActivePerOwner: 2, PlacementPolicy: PolicyStack})

	_, err := m.Place(context.Background(), "sess-a", "alice", Position{X: 1, Y: 1})
	require.NoError(t, err)
	resB, err := m.Place(context.Background(), "sess-b", "bob", Position{X: 1, Y: 1})
	require.NoError(t, err)
	require.NotNil(t, m.Trigger(context.Background(), "sess-b", resB.EntityID))

	m.CleanupSession("sess-a")
	m.CleanupSession("sess-a") // idempotent

	assert.Empty(t, m.ListActive("sess-a"))
	assert.Equal(t, 0, m.OwnerCount("alice"))

	// Session B's zones and counts are untouched.
	assert.Len(t, m.ListEffectZones("sess-b"), 1)
	assert.Empty(t, m.ListActive("sess-b"))
}

// Property: under an arbitrary interleaving of place/trigger/cancel, the
// owner's active count always equals the number of active bombs and never
// exceeds the configured maximum.
func TestPropertyOwnerCountInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		max := rapid.IntRange(1, 4).Draw(t, "max")
		m := NewManager(Config{
			FuseDelay:         time.Minute,
			MaxActivePerOwner: max,
			PlacementPolicy:   PolicyStack,
		}, &recordingBus{}, zap.NewNop())

		var placed []string
		ops := rapid.IntRange(1, 40).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				pos := Position{X: rapid.IntRange(0, 9).Draw(t, "x"), Y: rapid.IntRange(0, 9).Draw(t, "y")}
				res, err := m.Place(context.Background(), "sess", "owner", pos)
				if err != nil {
					t.Fatalf("place: %v", err)
				}
				if res.OK {
					placed = append(placed, res.EntityID)
				}
			case 1:
				if len(placed) > 0 {
					id := placed[rapid.IntRange(0, len(placed)-1).Draw(t, "trigger_idx")]
					m.Trigger(context.Background(), "sess", id)
				}
			case 2:
				if len(placed) > 0 {
					id := placed[rapid.IntRange(0, len(placed)-1).Draw(t, "cancel_idx")]
					m.Cancel(context.Background(), "sess", id)
				}
			}

			count := m.OwnerCount("owner")
			if count > max {
				t.Fatalf("owner count %d exceeds max %d", count, max)
			}
			if active := len(m.ListActive("sess")); active != count {
				t.Fatalf("owner count %d != active bombs %d", count, active)
			}
		}
	})
}

func TestManager_ConcurrentSessionsIndependent(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxActivePerOwner: 50, PlacementPolicy: PolicyStack})

	const sessions = 4
	const perSession = 20
	var wg sync.WaitGroup
	wg.Add(sessions)
	for s := 0; s < sessions; s++ {
		go func(s int) {
			defer wg.Done()
			sessionID := fmt.Sprintf("sess-%d", s)
			for i := 0; i < perSession; i++ {
				res, err := m.Place(context.Background(), sessionID, "owner", Position{X: i, Y: s})
				require.NoError(t, err)
				require.True(t, res.OK)
			}
		}(s)
	}
	wg.Wait()

	for s := 0; s < sessions; s++ {
		assert.Len(t, m.ListActive(fmt.Sprintf("sess-%d", s)), perSession)
	}
	assert.Equal(t, sessions*perSession, m.OwnerCount("owner"))
}

func TestManager_TerminalBombsAreReleased(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxActivePerOwner: 10, PlacementPolicy: PolicyStack})

	var ids []string
	for i := 0; i < 4; i++ {
		res, err := m.Place(context.Background(), "sess-1", "alice", Position{X: i, Y: 0})
		require.NoError(t, err)
		require.True(t, res.OK)
		ids = append(ids, res.EntityID)
	}

	require.True(t, m.Cancel(context.Background(), "sess-1", ids[3]))
	// Adjacent bombs chain, so one trigger resolves the remaining three.
	effect := m.Trigger(context.Background(), "sess-1", ids[0])
	require.NotNil(t, effect)
	require.Len(t, effect.Chained, 2)

	s, ok := m.peek("sess-1")
	require.True(t, ok)
	s.mu.Lock()
	held := len(s.bombs)
	s.mu.Unlock()
	assert.Zero(t, held, "resolved bombs must not accumulate in the session")
	assert.Zero(t, m.OwnerCount("alice"))
}
