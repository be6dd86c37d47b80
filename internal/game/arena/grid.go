// Package arena implements the timer-driven bomb subsystem: per-session
// placement with owner concurrency limits, fuse timers, blast pattern
// computation, chain reactions, and effect zone lifetimes.
package arena

// Position is a cell coordinate on the arena grid.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// cardinal walk directions for blast expansion.
var directions = [4]Position{{X: 1}, {X: -1}, {Y: 1}, {Y: -1}}

// BlastPattern computes the set of cells affected by a blast centred at
// center with the given radius. The walk expands outward in each of the four
// cardinal directions: a blocking cell ends that direction's expansion but is
// itself included; cells beyond it are not. Cells outside the layout bounds
// are never included. The center cell is always part of the result.
//
// A nil layout means an unbounded grid with no blocking cells.
//
// Precondition: radius must be >= 0.
// Postcondition: Returns at least the center cell.
func BlastPattern(layout *Layout, center Position, radius int) []Position {
	cells := make([]Position, 0, 4*radius+1)
	cells = append(cells, center)

	for _, d := range directions {
		for step := 1; step <= radius; step++ {
			p := Position{X: center.X + d.X*step, Y: center.Y + d.Y*step}
			if layout != nil && !layout.InBounds(p) {
				break
			}
			cells = append(cells, p)
			if layout != nil && layout.Blocks(p) {
				break
			}
		}
	}
	return cells
}

// cellSet builds a membership set for containment checks during chain
// resolution.
func cellSet(cells []Position) map[Position]bool {
	set := make(map[Position]bool, len(cells))
	for _, c := range cells {
		set[c] = true
	}
	return set
}
