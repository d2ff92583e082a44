package dependency

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(id string, deps ...string) Node {
	n := Node{ID: NodeID(id), FriendlyName: id, Kind: KindContainer}
	for _, d := range deps {
		n.DependsOn = append(n.DependsOn, NodeID(d))
	}
	return n
}

func ids(names ...string) []NodeID {
	out := make([]NodeID, len(names))
	for i, n := range names {
		out[i] = NodeID(n)
	}
	return out
}

func TestBuild_Levels(t *testing.T) {
	tests := []struct {
		name   string
		nodes  []Node
		levels [][]NodeID
	}{
		{
			name:   "single node",
			nodes:  []Node{node("redis")},
			levels: [][]NodeID{ids("redis")},
		},
		{
			name: "chain",
			nodes: []Node{
				node("nginx", "app"),
				node("app", "redis"),
				node("redis"),
			},
			levels: [][]NodeID{ids("redis"), ids("app"), ids("nginx")},
		},
		{
			name: "reference topology",
			nodes: []Node{
				node("app", "redis"),
				node("worker", "redis"),
				node("scheduler", "redis"),
				node("flower", "redis", "worker"),
				node("redis"),
				node("nginx", "app"),
				node("node-exporter"),
				node("cadvisor"),
			},
			levels: [][]NodeID{
				ids("cadvisor", "node-exporter", "redis"),
				ids("app", "scheduler", "worker"),
				ids("flower", "nginx"),
			},
		},
		{
			name: "diamond takes the longest path",
			nodes: []Node{
				node("a"),
				node("b", "a"),
				node("c", "b"),
				node("d", "a", "c"),
			},
			levels: [][]NodeID{ids("a"), ids("b"), ids("c"), ids("d")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.nodes)
			require.NoError(t, err)
			assert.Equal(t, tt.levels, g.Levels())
		})
	}
}

func TestBuild_DependentAlwaysAboveDependency(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		count := 2 + rng.Intn(20)
		nodes := make([]Node, count)
		for i := 0; i < count; i++ {
			nodes[i] = node(fmt.Sprintf("svc-%02d", i))
			// Edges only point to lower indices, which keeps the graph acyclic.
			for j := 0; j < i; j++ {
				if rng.Intn(4) == 0 {
					nodes[i].DependsOn = append(nodes[i].DependsOn, nodes[j].ID)
				}
			}
		}
		rng.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

		g, err := Build(nodes)
		require.NoError(t, err)

		for _, n := range nodes {
			lvl, ok := g.Level(n.ID)
			require.True(t, ok)
			if len(n.DependsOn) == 0 {
				assert.Equal(t, 0, lvl, "root %s must be level 0", n.ID)
			}
			for _, dep := range n.DependsOn {
				depLvl, _ := g.Level(dep)
				assert.Greater(t, lvl, depLvl, "%s must sit above its dependency %s", n.ID, dep)
			}
		}
	}
}

func TestBuild_Cycle(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []Node
		members []NodeID
	}{
		{
			name:    "two nodes",
			nodes:   []Node{node("a", "b"), node("b", "a")},
			members: ids("a", "b"),
		},
		{
			name:    "three nodes behind a root",
			nodes:   []Node{node("root"), node("x", "root", "y"), node("y", "z"), node("z", "x")},
			members: ids("x", "y", "z"),
		},
		{
			name:    "self loop",
			nodes:   []Node{node("a", "a")},
			members: ids("a"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.nodes)
			assert.Nil(t, g)

			var cycleErr *CyclicDependencyError
			require.True(t, errors.As(err, &cycleErr), "expected CyclicDependencyError, got %v", err)
			assert.ElementsMatch(t, tt.members, cycleErr.Members())
			assert.Equal(t, cycleErr.Cycle[0], cycleErr.Cycle[len(cycleErr.Cycle)-1])
		})
	}
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build([]Node{node("app", "redis", "db"), node("redis")})

	var unknown *UnknownDependencyError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, NodeID("app"), unknown.Node)
	assert.Equal(t, NodeID("db"), unknown.Missing)
	assert.Contains(t, err.Error(), `"db"`)
}

func TestBuild_Duplicate(t *testing.T) {
	_, err := Build([]Node{node("app"), node("app")})

	var dup *DuplicateNodeError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, NodeID("app"), dup.Node)
}

func TestGraph_Orders(t *testing.T) {
	b := New()
	b.AddNode(node("nginx", "app"))
	b.AddNode(node("app", "redis"))
	b.AddNode(node("worker", "redis"))
	b.AddNode(node("redis"))
	g, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, ids("redis", "app", "worker", "nginx"), g.StartupOrder())
	assert.Equal(t, ids("nginx", "worker", "app", "redis"), g.ShutdownOrder())
	assert.Equal(t, ids("app", "worker"), g.Dependents("redis"))
	assert.Equal(t, ids("app", "nginx", "worker"), g.TransitiveDependents("redis"))
	assert.Equal(t, ids("redis"), g.Dependencies("app"))
	assert.Empty(t, g.Dependents("nginx"))
	assert.Nil(t, g.Get("missing"))
	assert.Equal(t, "app", g.Get("app").FriendlyName)
	assert.Equal(t, 4, g.Len())
}

func TestGraph_ReturnsCopies(t *testing.T) {
	g, err := Build([]Node{node("a"), node("b", "a")})
	require.NoError(t, err)

	order := g.StartupOrder()
	order[0] = "mutated"
	levels := g.Levels()
	levels[0][0] = "mutated"

	assert.Equal(t, ids("a", "b"), g.StartupOrder())
	assert.Equal(t, [][]NodeID{ids("a"), ids("b")}, g.Levels())
}
