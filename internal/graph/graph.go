// Package graph builds the dependency graph of a project's protocols from
// their input pointers and explicit prerequisites.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/seantiz/foundry/internal/model"
)

// ErrCycle is returned when an edge would close a dependency cycle.
var ErrCycle = errors.New("dependency cycle")

// RootID is the id of the synthetic root node.
const RootID int64 = 0

// Node is one protocol in the graph. Parents and Children are indices into
// Graph.Nodes.
type Node struct {
	ID       int64           `json:"id"`
	Label    string          `json:"label"`
	Status   model.Status    `json:"status,omitempty"`
	Protocol *model.Protocol `json:"-"`
	Parents  []int           `json:"parents"`
	Children []int           `json:"children"`
	Layout   model.Layout    `json:"layout"`
}

// Graph is an arena of nodes. Nodes[0] is the root every parentless node
// hangs from.
type Graph struct {
	Nodes []Node `json:"nodes"`
	index map[int64]int
}

// New returns a graph holding only the root.
func New() *Graph {
	return &Graph{
		Nodes: []Node{{ID: RootID, Label: "PROJECT"}},
		index: map[int64]int{RootID: 0},
	}
}

// Root returns the synthetic root.
func (g *Graph) Root() *Node { return &g.Nodes[0] }

// Node returns the node of protocol id.
func (g *Graph) Node(id int64) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.Nodes[i], true
}

// Len returns the number of protocol nodes, the root excluded.
func (g *Graph) Len() int { return len(g.Nodes) - 1 }

func (g *Graph) add(p *model.Protocol) int {
	if i, ok := g.index[p.ID]; ok {
		return i
	}
	g.Nodes = append(g.Nodes, Node{
		ID:       p.ID,
		Label:    p.String(),
		Status:   p.Status,
		Protocol: p,
		Layout:   p.Layout,
	})
	i := len(g.Nodes) - 1
	g.index[p.ID] = i
	return i
}

// AddEdge makes child depend on parent. Duplicate edges are ignored. An edge
// that would close a cycle is not added and ErrCycle is returned.
func (g *Graph) AddEdge(parent, child int64) error {
	pi, ok := g.index[parent]
	if !ok {
		return fmt.Errorf("add edge: no node %d", parent)
	}
	ci, ok := g.index[child]
	if !ok {
		return fmt.Errorf("add edge: no node %d", child)
	}
	if pi == ci {
		return fmt.Errorf("protocol %d depends on itself: %w", child, ErrCycle)
	}
	if slices.Contains(g.Nodes[pi].Children, ci) {
		return nil
	}
	if g.reaches(ci, pi) {
		return fmt.Errorf("protocol %d -> %d: %w", parent, child, ErrCycle)
	}
	g.Nodes[pi].Children = append(g.Nodes[pi].Children, ci)
	g.Nodes[ci].Parents = append(g.Nodes[ci].Parents, pi)
	return nil
}

// reaches reports whether to is reachable from from along child edges.
func (g *Graph) reaches(from, to int) bool {
	seen := make([]bool, len(g.Nodes))
	stack := []int{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.Nodes[n].Children...)
	}
	return false
}

// Options tune Build.
type Options struct {
	Logger *slog.Logger
	// Strict logs rejected cycles at error level instead of warning.
	Strict bool
}

// Build creates the graph of runs. Child runs created by another run are
// left out. objects resolves legacy pointers to the protocol that created
// the pointed object when no run lists it as an output. Edges that would
// close a cycle are dropped and logged.
func Build(runs []*model.Protocol, objects []*model.Object, opts Options) *Graph {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cycleLevel := slog.LevelWarn
	if opts.Strict {
		cycleLevel = slog.LevelError
	}

	g := New()
	sorted := slices.Clone(runs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	owner := make(map[int64]int64)
	for _, p := range sorted {
		if p.IsChild() {
			continue
		}
		g.add(p)
		for _, oid := range p.Outputs {
			owner[oid] = p.ID
		}
	}
	creator := make(map[int64]int64, len(objects))
	for _, o := range objects {
		creator[o.ID] = o.ProtocolID
	}
	creatorOf := func(objectID int64) (int64, bool) {
		if id, ok := owner[objectID]; ok {
			return id, true
		}
		id, ok := creator[objectID]
		return id, ok
	}

	for _, p := range sorted {
		if p.IsChild() {
			continue
		}
		for _, parent := range parentsOf(p, creatorOf, logger) {
			if parent == p.ID {
				logger.Warn("protocol points at its own output, edge ignored", "protocol_id", p.ID)
				continue
			}
			if _, ok := g.index[parent]; !ok {
				logger.Debug("producer not in graph", "protocol_id", p.ID, "producer", parent)
				continue
			}
			if err := g.AddEdge(parent, p.ID); err != nil {
				logger.Log(context.Background(), cycleLevel, "dependency rejected", "protocol_id", p.ID, "producer", parent, "error", err)
			}
		}
	}

	for i := 1; i < len(g.Nodes); i++ {
		if len(g.Nodes[i].Parents) == 0 {
			g.Nodes[0].Children = append(g.Nodes[0].Children, i)
			g.Nodes[i].Parents = append(g.Nodes[i].Parents, 0)
		}
	}
	return g
}

// parentsOf lists the producers of p's inputs followed by its explicit
// prerequisites, in a stable order.
func parentsOf(p *model.Protocol, creatorOf model.CreatorLookup, logger *slog.Logger) []int64 {
	names := make([]string, 0, len(p.Inputs))
	for name := range p.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var parents []int64
	for _, name := range names {
		ptr := p.Inputs[name]
		id, err := ptr.Producer(creatorOf)
		if err != nil {
			logger.Warn("input pointer unresolved", "protocol_id", p.ID, "input", name, "pointer", ptr.String(), "error", err)
			continue
		}
		parents = append(parents, id)
	}
	return append(parents, p.Prerequisites...)
}

// Acyclic reports whether the graph has no cycle.
func (g *Graph) Acyclic() bool {
	const (
		white = iota
		grey
		black
	)
	colour := make([]int, len(g.Nodes))
	var visit func(n int) bool
	visit = func(n int) bool {
		colour[n] = grey
		for _, c := range g.Nodes[n].Children {
			switch colour[c] {
			case grey:
				return false
			case white:
				if !visit(c) {
					return false
				}
			}
		}
		colour[n] = black
		return true
	}
	for n := range g.Nodes {
		if colour[n] == white && !visit(n) {
			return false
		}
	}
	return true
}

// Levels returns the depth of every protocol: the length of the longest
// path from the root, so a protocol is always deeper than its producers.
func (g *Graph) Levels() map[int64]int {
	depth := make([]int, len(g.Nodes))
	for _, n := range g.topoOrder() {
		for _, c := range g.Nodes[n].Children {
			depth[c] = max(depth[c], depth[n]+1)
		}
	}
	levels := make(map[int64]int, len(g.Nodes)-1)
	for i := 1; i < len(g.Nodes); i++ {
		levels[g.Nodes[i].ID] = depth[i]
	}
	return levels
}

// topoOrder returns node indices with every parent before its children.
func (g *Graph) topoOrder() []int {
	indegree := make([]int, len(g.Nodes))
	for _, n := range g.Nodes {
		for _, c := range n.Children {
			indegree[c]++
		}
	}
	var queue, order []int
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, c := range g.Nodes[n].Children {
			indegree[c]--
			if indegree[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	return order
}

// Descendants returns the ids of every protocol depending, directly or not,
// on protocol id, in breadth-first order.
func (g *Graph) Descendants(id int64) []int64 {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	seen := map[int]bool{start: true}
	queue := slices.Clone(g.Nodes[start].Children)
	var out []int64
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, g.Nodes[n].ID)
		queue = append(queue, g.Nodes[n].Children...)
	}
	return out
}

// ParentIDs returns the protocol ids node id depends on, the root excluded.
func (g *Graph) ParentIDs(id int64) []int64 {
	n, ok := g.Node(id)
	if !ok {
		return nil
	}
	var out []int64
	for _, p := range n.Parents {
		if p != 0 {
			out = append(out, g.Nodes[p].ID)
		}
	}
	return out
}
