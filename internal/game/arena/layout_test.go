package arena

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validLayoutYAML = `
arena:
  id: classic
  name: Classic Crossfire
  rows:
    - "#####"
    - "#...#"
    - "#.#.#"
    - "#...#"
    - "#####"
`

func TestLoadLayoutFromBytes(t *testing.T) {
	layout, err := LoadLayoutFromBytes([]byte(validLayoutYAML))
	require.NoError(t, err)

	assert.Equal(t, "classic", layout.ID)
	assert.Equal(t, "Classic Crossfire", layout.Name)
	assert.Equal(t, 5, layout.Width)
	assert.Equal(t, 5, layout.Height)

	assert.True(t, layout.Blocks(Position{X: 0, Y: 0}))
	assert.True(t, layout.Blocks(Position{X: 2, Y: 2}))
	assert.False(t, layout.Blocks(Position{X: 1, Y: 1}))

	assert.True(t, layout.OpenCell(Position{X: 1, Y: 1}))
	assert.False(t, layout.OpenCell(Position{X: 2, Y: 2}), "wall is not open")
	assert.False(t, layout.OpenCell(Position{X: 9, Y: 9}), "out of bounds is not open")
	assert.False(t, layout.OpenCell(Position{X: -1, Y: 0}))
}

func TestLoadLayoutFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "arena:\n  rows:\n    - \"..\"\n    - \"..\"\n"},
		{"no rows", "arena:\n  id: empty\n"},
		{"ragged rows", "arena:\n  id: ragged\n  rows:\n    - \"...\"\n    - \"..\"\n"},
		{"unknown cell", "arena:\n  id: bad\n  rows:\n    - \".x.\"\n"},
		{"not yaml", "{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadLayoutFromBytes([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadLayoutsFromDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "classic.yaml"), []byte(validLayoutYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "open.yml"), []byte(`
arena:
  id: open
  rows:
    - "..."
    - "..."
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	layouts, err := LoadLayoutsFromDir(dir)
	require.NoError(t, err)
	assert.Len(t, layouts, 2)
	assert.Contains(t, layouts, "classic")
	assert.Contains(t, layouts, "open")
}

func TestLoadLayoutsFromDir_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(validLayoutYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(validLayoutYAML), 0o644))

	_, err := LoadLayoutsFromDir(dir)
	assert.ErrorContains(t, err, "duplicate arena id")
}
