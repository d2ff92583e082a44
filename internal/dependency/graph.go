package dependency

import (
	"sort"
)

// NodeID uniquely identifies a service in the graph.
type NodeID string

// NodeKind tells which launcher runs the node.
type NodeKind string

const (
	KindContainer NodeKind = "container"
	KindProcess   NodeKind = "process"
)

// Node is one service and the names it must wait for.
type Node struct {
	ID           NodeID
	FriendlyName string
	Kind         NodeKind
	DependsOn    []NodeID
}

// Builder collects nodes before they are validated into a Graph.
type Builder struct {
	nodes []Node
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// AddNode records a node. Validation happens in Build.
func (b *Builder) AddNode(n Node) {
	deps := make([]NodeID, len(n.DependsOn))
	copy(deps, n.DependsOn)
	n.DependsOn = deps
	b.nodes = append(b.nodes, n)
}

// Build validates the collected nodes and computes levels.
func (b *Builder) Build() (*Graph, error) {
	return Build(b.nodes)
}

// Graph is the validated, leveled dependency graph. It is immutable and safe
// for concurrent readers.
type Graph struct {
	nodes        map[NodeID]Node
	declared     []NodeID
	level        map[NodeID]int
	dependents   map[NodeID][]NodeID
	levels       [][]NodeID
	startupOrder []NodeID
}

type color int

const (
	white color = iota // unvisited
	grey               // on the current DFS path
	black              // done
)

// Build checks that every dependency names a known node and that there is no
// cycle, then assigns level(n) = 1 + max(level(dependencies)), 0 for roots.
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[NodeID]Node, len(nodes)),
		level:      make(map[NodeID]int, len(nodes)),
		dependents: make(map[NodeID][]NodeID, len(nodes)),
	}

	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, &DuplicateNodeError{Node: n.ID}
		}
		g.nodes[n.ID] = n
		g.declared = append(g.declared, n.ID)
	}

	for _, id := range g.declared {
		for _, dep := range g.nodes[id].DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &UnknownDependencyError{Node: id, Missing: dep}
			}
		}
	}

	colors := make(map[NodeID]color, len(nodes))
	var path []NodeID

	var visit func(id NodeID) error
	visit = func(id NodeID) error {
		colors[id] = grey
		path = append(path, id)

		lvl := 0
		for _, dep := range g.nodes[id].DependsOn {
			switch colors[dep] {
			case grey:
				return &CyclicDependencyError{Cycle: cycleFrom(path, dep)}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
			if l := g.level[dep] + 1; l > lvl {
				lvl = l
			}
		}

		g.level[id] = lvl
		path = path[:len(path)-1]
		colors[id] = black
		return nil
	}

	for _, id := range g.declared {
		if colors[id] == white {
			if err := visit(id); err != nil {
				return nil, err
			}
		}
	}

	maxLevel := -1
	for _, id := range g.declared {
		for _, dep := range g.nodes[id].DependsOn {
			if !containsID(g.dependents[dep], id) {
				g.dependents[dep] = append(g.dependents[dep], id)
			}
		}
		if g.level[id] > maxLevel {
			maxLevel = g.level[id]
		}
	}
	for id := range g.dependents {
		sortIDs(g.dependents[id])
	}

	g.levels = make([][]NodeID, maxLevel+1)
	for _, id := range g.declared {
		l := g.level[id]
		g.levels[l] = append(g.levels[l], id)
	}
	for _, lvl := range g.levels {
		sortIDs(lvl)
		g.startupOrder = append(g.startupOrder, lvl...)
	}

	return g, nil
}

// cycleFrom returns the members of the cycle closed by a back-edge to target,
// ending with target again so the loop reads naturally.
func cycleFrom(path []NodeID, target NodeID) []NodeID {
	for i, id := range path {
		if id == target {
			cycle := make([]NodeID, 0, len(path)-i+1)
			cycle = append(cycle, path[i:]...)
			return append(cycle, target)
		}
	}
	return []NodeID{target, target}
}

// Get returns the node with the given ID, or nil.
func (g *Graph) Get(id NodeID) *Node {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return &n
}

// Len is the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns every node in declaration order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.declared))
	for _, id := range g.declared {
		out = append(out, g.nodes[id])
	}
	return out
}

// Level returns the startup level of id.
func (g *Graph) Level(id NodeID) (int, bool) {
	l, ok := g.level[id]
	return l, ok
}

// Levels returns the nodes grouped by level, ascending. Names inside a level
// are sorted.
func (g *Graph) Levels() [][]NodeID {
	out := make([][]NodeID, len(g.levels))
	for i, lvl := range g.levels {
		out[i] = append([]NodeID(nil), lvl...)
	}
	return out
}

// Dependencies returns the direct dependencies of id as declared.
func (g *Graph) Dependencies(id NodeID) []NodeID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]NodeID(nil), n.DependsOn...)
}

// Dependents returns the nodes that directly depend on id.
func (g *Graph) Dependents(id NodeID) []NodeID {
	return append([]NodeID(nil), g.dependents[id]...)
}

// TransitiveDependents returns every node that directly or indirectly
// depends on id, sorted.
func (g *Graph) TransitiveDependents(id NodeID) []NodeID {
	seen := make(map[NodeID]bool)
	queue := append([]NodeID(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}
	out := make([]NodeID, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sortIDs(out)
	return out
}

// StartupOrder flattens Levels.
func (g *Graph) StartupOrder() []NodeID {
	return append([]NodeID(nil), g.startupOrder...)
}

// ShutdownOrder is the exact reverse of StartupOrder.
func (g *Graph) ShutdownOrder() []NodeID {
	out := make([]NodeID, len(g.startupOrder))
	for i, id := range g.startupOrder {
		out[len(out)-1-i] = id
	}
	return out
}

func containsID(ids []NodeID, id NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func sortIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
