package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(t *testing.T) *Event {
	t.Helper()
	e, err := New(CategoryGameState, "entity_triggered", "session-7", nil)
	require.NoError(t, err)
	return e.WithTargets(
		Target{Type: TargetRoom, ID: "room-1"},
		Target{Type: TargetPlayer, ID: "player-3"},
	)
}

func TestFilter_Match(t *testing.T) {
	e := testEvent(t)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"type eq hit", Filter{Field: "type", Op: OpEq, Value: "entity_triggered"}, true},
		{"type eq miss", Filter{Field: "type", Op: OpEq, Value: "entity_placed"}, false},
		{"type neq", Filter{Field: "type", Op: OpNeq, Value: "entity_placed"}, true},
		{"type prefix", Filter{Field: "type", Op: OpPrefix, Value: "entity_"}, true},
		{"source eq", Filter{Field: "sourceId", Op: OpEq, Value: "session-7"}, true},
		{"source exists", Filter{Field: "sourceId", Op: OpExists}, true},
		{"priority eq", Filter{Field: "priority", Op: OpEq, Value: "normal"}, true},
		{"target id any-match", Filter{Field: "target.id", Op: OpEq, Value: "player-3"}, true},
		{"target id miss", Filter{Field: "target.id", Op: OpEq, Value: "player-9"}, false},
		{"target type", Filter{Field: "target.type", Op: OpEq, Value: "room"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(e))
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	assert.NoError(t, Filter{Field: "type", Op: OpEq, Value: "x"}.Validate())
	assert.Error(t, Filter{Field: "payload", Op: OpEq, Value: "x"}.Validate())
	assert.Error(t, Filter{Field: "type", Op: "contains", Value: "x"}.Validate())
}

func TestFilter_SignatureDistinguishesPredicates(t *testing.T) {
	a := Filter{Field: "type", Op: OpEq, Value: "x"}
	b := Filter{Field: "type", Op: OpEq, Value: "y"}
	c := Filter{Field: "type", Op: OpNeq, Value: "x"}
	assert.NotEqual(t, a.signature(), b.signature())
	assert.NotEqual(t, a.signature(), c.signature())
	assert.Equal(t, a.signature(), Filter{Field: "type", Op: OpEq, Value: "x"}.signature())
}
