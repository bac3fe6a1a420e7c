package traffic

import (
	"fmt"
	"sort"
	"time"
)

// Edge is a directed hop to a neighboring junction.
type Edge struct {
	To         string
	Direction  Direction // heading when leaving the source junction
	TravelTime time.Duration
}

// JunctionGraph is the read-only network topology. Incident inference and the
// emergency corridor planner depend on this, never on a concrete map source.
type JunctionGraph interface {
	Neighbors(junctionID string) []Edge
	Junction(id string) (Junction, bool)
}

// Grid is a rows x cols junction lattice with bidirectional roads between
// orthogonal neighbors. Junction ids are "J-1".."J-(rows*cols)", row-major
// from the north-west corner. Used by the simulated feed and by tests.
type Grid struct {
	rows, cols int
	spacingPx  float64
	junctions  map[string]Junction
	edges      map[string][]Edge
	roads      []Road
}

// NewGrid builds the lattice. cruisePxPerSec sets edge travel times and the
// generated roads' speed limits.
func NewGrid(rows, cols int, spacingPx, cruisePxPerSec float64) *Grid {
	g := &Grid{
		rows:      rows,
		cols:      cols,
		spacingPx: spacingPx,
		junctions: make(map[string]Junction, rows*cols),
		edges:     make(map[string][]Edge),
	}
	travel := time.Duration(spacingPx / cruisePxPerSec * float64(time.Second))

	id := func(r, c int) string { return fmt.Sprintf("J-%d", r*cols+c+1) }

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			g.junctions[id(r, c)] = Junction{
				ID:          id(r, c),
				X:           float64(c) * spacingPx,
				Y:           float64(r) * spacingPx,
				Connections: make(map[Direction]string, 4),
			}
		}
	}

	link := func(from, to string, heading Direction) {
		roadID := fmt.Sprintf("R-%s-%s", from, to)
		g.roads = append(g.roads, Road{
			ID:           roadID,
			Name:         fmt.Sprintf("%s to %s", from, to),
			LengthPx:     spacingPx,
			Lanes:        2,
			SpeedLimit:   cruisePxPerSec,
			FromJunction: from,
			ToJunction:   to,
		})
		g.edges[from] = append(g.edges[from], Edge{To: to, Direction: heading, TravelTime: travel})
		// The road enters `to` on the approach opposite its heading:
		// driving east arrives on the west approach.
		g.junctions[to].Connections[heading.Opposite()] = roadID
	}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			if c+1 < cols {
				link(id(r, c), id(r, c+1), East)
				link(id(r, c+1), id(r, c), West)
			}
			if r+1 < rows {
				link(id(r, c), id(r+1, c), South)
				link(id(r+1, c), id(r, c), North)
			}
		}
	}

	// Stable neighbor order keeps traversals deterministic.
	for _, es := range g.edges {
		sort.Slice(es, func(i, j int) bool { return es[i].To < es[j].To })
	}
	return g
}

func (g *Grid) Neighbors(junctionID string) []Edge {
	es := g.edges[junctionID]
	out := make([]Edge, len(es))
	copy(out, es)
	return out
}

func (g *Grid) Junction(id string) (Junction, bool) {
	j, ok := g.junctions[id]
	return j, ok
}

// JunctionIDs returns all junction ids sorted lexicographically.
func (g *Grid) JunctionIDs() []string {
	ids := make([]string, 0, len(g.junctions))
	for id := range g.junctions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Roads returns the generated road set, one per directed edge.
func (g *Grid) Roads() []Road {
	out := make([]Road, len(g.roads))
	copy(out, g.roads)
	return out
}
