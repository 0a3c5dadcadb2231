package graph

import (
	"sort"

	"github.com/rawblock/trace-engine/pkg/models"
)

// Working graph for one incident: a directed multigraph keyed by
// transaction hash. Nodes and edges live in arenas keyed by address and
// (from, to, txHash) — no back-pointers, so cycles are harmless and
// consolidation is plain edge rewriting.
//
// The graph is owned by a single engine instance and is not safe for
// concurrent mutation.

type edgeKey struct {
	from   string
	to     string
	txHash string
}

// Graph is the in-memory working graph for one incident.
type Graph struct {
	nodes     map[string]*models.Node
	nodeOrder map[string]int // insertion order, drives deterministic iteration
	nextOrder int
	edges     map[edgeKey]*models.Edge
	edgeOrder []edgeKey
}

// New returns an empty working graph.
func New() *Graph {
	return &Graph{
		nodes:     make(map[string]*models.Node),
		nodeOrder: make(map[string]int),
		edges:     make(map[edgeKey]*models.Edge),
	}
}

// AddNode inserts a node on first sighting. Re-adding an existing
// address is a no-op and returns false.
func (g *Graph) AddNode(n models.Node) bool {
	if _, ok := g.nodes[n.Address]; ok {
		return false
	}
	if n.EntityKind == "" {
		n.EntityKind = models.EntityUnknown
	}
	copied := n
	g.nodes[n.Address] = &copied
	g.nodeOrder[n.Address] = g.nextOrder
	g.nextOrder++
	return true
}

// Node returns the mutable node record for an address, or nil.
func (g *Graph) Node(address string) *models.Node {
	return g.nodes[address]
}

// HasNode reports whether the address exists in the graph.
func (g *Graph) HasNode(address string) bool {
	_, ok := g.nodes[address]
	return ok
}

// AddEdge inserts an edge. Duplicate (from, to, txHash) insertions are
// no-ops and return false.
func (g *Graph) AddEdge(e models.Edge) bool {
	key := edgeKey{from: e.From, to: e.To, txHash: e.TxHash}
	if _, ok := g.edges[key]; ok {
		return false
	}
	copied := e
	g.edges[key] = &copied
	g.edgeOrder = append(g.edgeOrder, key)
	return true
}

// RemoveNode deletes a node and every edge touching it.
func (g *Graph) RemoveNode(address string) {
	if _, ok := g.nodes[address]; !ok {
		return
	}
	delete(g.nodes, address)
	delete(g.nodeOrder, address)

	kept := g.edgeOrder[:0]
	for _, key := range g.edgeOrder {
		if key.from == address || key.to == address {
			delete(g.edges, key)
			continue
		}
		kept = append(kept, key)
	}
	g.edgeOrder = kept
}

// removeEdge deletes a single edge by key.
func (g *Graph) removeEdge(key edgeKey) {
	if _, ok := g.edges[key]; !ok {
		return
	}
	delete(g.edges, key)
	for i, k := range g.edgeOrder {
		if k == key {
			g.edgeOrder = append(g.edgeOrder[:i], g.edgeOrder[i+1:]...)
			break
		}
	}
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*models.Node {
	addrs := make([]string, 0, len(g.nodes))
	for addr := range g.nodes {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return g.nodeOrder[addrs[i]] < g.nodeOrder[addrs[j]]
	})
	out := make([]*models.Node, len(addrs))
	for i, addr := range addrs {
		out[i] = g.nodes[addr]
	}
	return out
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []*models.Edge {
	out := make([]*models.Edge, 0, len(g.edgeOrder))
	for _, key := range g.edgeOrder {
		out = append(out, g.edges[key])
	}
	return out
}

// InsertionOrder returns the node's discovery sequence number, used to
// pick consolidation masters. Unknown addresses sort last.
func (g *Graph) InsertionOrder(address string) int {
	if order, ok := g.nodeOrder[address]; ok {
		return order
	}
	return int(^uint(0) >> 1)
}

// OutDegree counts edges originating at the address.
func (g *Graph) OutDegree(address string) int {
	n := 0
	for _, key := range g.edgeOrder {
		if key.from == address {
			n++
		}
	}
	return n
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// MaxDepth returns the deepest node depth, 0 for an empty graph.
func (g *Graph) MaxDepth() int {
	depth := 0
	for _, n := range g.nodes {
		if n.DepthFromHack > depth {
			depth = n.DepthFromHack
		}
	}
	return depth
}

// TotalValue sums edge values in ETH.
func (g *Graph) TotalValue() float64 {
	total := 0.0
	for _, key := range g.edgeOrder {
		total += g.edges[key].ValueETH
	}
	return total
}

// EndpointSummary counts surviving nodes per entity kind.
func (g *Graph) EndpointSummary() map[string]int {
	summary := make(map[string]int)
	for _, n := range g.nodes {
		summary[n.EntityKind]++
	}
	return summary
}

// Partial projects the current graph size for partial-result reporting.
func (g *Graph) Partial() *models.PartialResults {
	return &models.PartialResults{
		TotalNodes: g.NodeCount(),
		TotalEdges: g.EdgeCount(),
		MaxDepth:   g.MaxDepth(),
	}
}
