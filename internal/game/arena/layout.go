package arena

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Row characters recognised in layout files.
const (
	cellWall  = '#'
	cellFloor = '.'
)

// yamlLayoutFile is the top-level YAML structure for arena layout files.
type yamlLayoutFile struct {
	Arena yamlArena `yaml:"arena"`
}

// yamlArena is the YAML representation of an arena layout.
type yamlArena struct {
	ID   string   `yaml:"id"`
	Name string   `yaml:"name"`
	Rows []string `yaml:"rows"`
}

// Layout is a validated arena grid. Walls are blocking cells for blast
// expansion; everything else is open floor.
type Layout struct {
	ID     string
	Name   string
	Width  int
	Height int

	walls map[Position]bool
}

// InBounds reports whether the position lies on the grid.
func (l *Layout) InBounds(p Position) bool {
	return p.X >= 0 && p.X < l.Width && p.Y >= 0 && p.Y < l.Height
}

// Blocks reports whether the cell is a wall.
func (l *Layout) Blocks(p Position) bool {
	return l.walls[p]
}

// OpenCell reports whether the position is on the grid and not a wall.
// Bomb placement is only valid on open cells.
func (l *Layout) OpenCell(p Position) bool {
	return l.InBounds(p) && !l.Blocks(p)
}

// LoadLayoutFromBytes parses and validates a layout from YAML bytes.
//
// Precondition: data must be valid YAML conforming to the arena schema.
// Postcondition: Returns a validated Layout or a non-nil error.
func LoadLayoutFromBytes(data []byte) (*Layout, error) {
	var file yamlLayoutFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing arena YAML: %w", err)
	}

	a := file.Arena
	if a.ID == "" {
		return nil, fmt.Errorf("arena id must not be empty")
	}
	if len(a.Rows) == 0 {
		return nil, fmt.Errorf("arena %q has no rows", a.ID)
	}

	width := len(a.Rows[0])
	layout := &Layout{
		ID:     a.ID,
		Name:   a.Name,
		Width:  width,
		Height: len(a.Rows),
		walls:  make(map[Position]bool),
	}
	for y, row := range a.Rows {
		if len(row) != width {
			return nil, fmt.Errorf("arena %q row %d has width %d, want %d", a.ID, y, len(row), width)
		}
		for x, c := range row {
			switch byte(c) {
			case cellWall:
				layout.walls[Position{X: x, Y: y}] = true
			case cellFloor:
			default:
				return nil, fmt.Errorf("arena %q row %d: unknown cell %q", a.ID, y, string(c))
			}
		}
	}
	return layout, nil
}

// LoadLayoutFromFile reads and validates a single arena layout YAML file.
//
// Precondition: path must point to a valid YAML layout file.
// Postcondition: Returns a validated Layout or a non-nil error.
func LoadLayoutFromFile(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading arena file %s: %w", path, err)
	}
	layout, err := LoadLayoutFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return layout, nil
}

// LoadLayoutsFromDir loads all YAML files in a directory as arena layouts.
//
// Precondition: dir must be a valid directory path.
// Postcondition: Returns all validated layouts keyed by ID, or the first
// error encountered. Duplicate IDs are an error.
func LoadLayoutsFromDir(dir string) (map[string]*Layout, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading arena dir %s: %w", dir, err)
	}

	layouts := make(map[string]*Layout)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		layout, err := LoadLayoutFromFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, exists := layouts[layout.ID]; exists {
			return nil, fmt.Errorf("duplicate arena id %q in %s", layout.ID, name)
		}
		layouts[layout.ID] = layout
	}
	return layouts, nil
}
