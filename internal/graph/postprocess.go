package graph

import (
	"log"
	"sort"

	"github.com/rawblock/trace-engine/pkg/models"
)

// Post-processing over the final working graph. Phases run in a fixed
// order and each is deterministic and idempotent: pruning reaches a
// fixpoint, consolidation leaves singleton groups alone, annotation
// recomputes the same values.

// PostProcess prunes dead ends, consolidates same-entity addresses, and
// annotates flow percentages in place.
func PostProcess(g *Graph, stolenETH float64) {
	pruned := PruneDeadEnds(g)
	merged := ConsolidateEntities(g)
	AnnotateFlows(g, stolenETH)
	if pruned > 0 || merged > 0 {
		log.Printf("[PostProcess] Pruned %d dead ends, consolidated %d addresses", pruned, merged)
	}
}

// PruneDeadEnds removes nodes with out-degree zero that carry no
// termination reason and are not recognized endpoints. Iterates to a
// fixpoint so chains prune back to the nearest meaningful node. Returns
// the number of nodes removed.
func PruneDeadEnds(g *Graph) int {
	removed := 0
	for {
		var victims []string
		for _, n := range g.Nodes() {
			if n.EntityKind == models.EntityVictim || n.EntityKind == models.EntityHacker {
				continue
			}
			if n.TerminationReason != "" {
				continue
			}
			switch n.EntityKind {
			case models.EntityCEX, models.EntityDEX, models.EntityMixer:
				continue
			}
			if g.OutDegree(n.Address) == 0 {
				victims = append(victims, n.Address)
			}
		}
		if len(victims) == 0 {
			return removed
		}
		for _, addr := range victims {
			g.RemoveNode(addr)
			removed++
		}
	}
}

// ConsolidateEntities merges nodes sharing a classifier friendly name
// into the earliest-discovered member. Incoming and outgoing edges of
// the merged nodes are rewritten onto the master; self-loops produced
// by the rewrite are dropped. Returns the number of addresses merged
// away.
func ConsolidateEntities(g *Graph) int {
	// Group by friendly name, preserving discovery order within and
	// across groups.
	groups := make(map[string][]string)
	var names []string
	for _, n := range g.Nodes() {
		if n.Details == "" {
			continue
		}
		if _, seen := groups[n.Details]; !seen {
			names = append(names, n.Details)
		}
		groups[n.Details] = append(groups[n.Details], n.Address)
	}

	redirect := make(map[string]string)
	merged := 0
	for _, name := range names {
		members := groups[name]
		if len(members) < 2 {
			continue
		}
		master := members[0]
		for _, addr := range members {
			if g.InsertionOrder(addr) < g.InsertionOrder(master) {
				master = addr
			}
		}
		masterNode := g.Node(master)
		for _, addr := range members {
			if addr == master {
				continue
			}
			redirect[addr] = master
			masterNode.ConsolidatedAddresses = append(masterNode.ConsolidatedAddresses, addr)
			merged++
		}
	}
	if len(redirect) == 0 {
		return 0
	}

	// Rewrite the edge arena through the redirect map. Rewrites can
	// collide with existing keys; duplicates are dropped, first wins.
	oldOrder := g.edgeOrder
	oldEdges := g.edges
	g.edges = make(map[edgeKey]*models.Edge, len(oldEdges))
	g.edgeOrder = g.edgeOrder[:0]
	for _, key := range oldOrder {
		e := oldEdges[key]
		if m, ok := redirect[e.From]; ok {
			e.From = m
		}
		if m, ok := redirect[e.To]; ok {
			e.To = m
		}
		if e.From == e.To {
			continue
		}
		newKey := edgeKey{from: e.From, to: e.To, txHash: e.TxHash}
		if _, dup := g.edges[newKey]; dup {
			continue
		}
		g.edges[newKey] = e
		g.edgeOrder = append(g.edgeOrder, newKey)
	}

	for addr := range redirect {
		g.RemoveNode(addr)
	}
	return merged
}

// AnnotateFlows stamps every surviving edge with its share of the
// stolen amount and an importance bucket.
func AnnotateFlows(g *Graph, stolenETH float64) {
	for _, e := range g.Edges() {
		pct := 0.0
		if stolenETH > 0 {
			pct = e.ValueETH / stolenETH * 100
		}
		e.FlowPercentage = pct
		switch {
		case pct >= 10:
			e.Importance = models.ImportanceCritical
		case pct >= 2:
			e.Importance = models.ImportanceSignificant
		default:
			e.Importance = models.ImportanceMinor
		}
	}
}

// TopPaths ranks the surviving edges by value and projects the top ten
// for reporting. Single-hop: each path is one edge ending at its
// destination node.
func TopPaths(g *Graph) []models.TopPath {
	edges := g.Edges()
	ranked := make([]*models.Edge, len(edges))
	copy(ranked, edges)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ValueETH > ranked[j].ValueETH
	})
	if len(ranked) > 10 {
		ranked = ranked[:10]
	}

	paths := make([]models.TopPath, 0, len(ranked))
	for i, e := range ranked {
		kind := models.EntityUnknown
		confidence := 0.0
		if dst := g.Node(e.To); dst != nil {
			kind = dst.EntityKind
			confidence = dst.Confidence
		}
		paths = append(paths, models.TopPath{
			Rank:                    i + 1,
			ValueETH:                e.ValueETH,
			ValuePercentage:         e.FlowPercentage,
			HopCount:                1,
			FinalEndpointKind:       kind,
			FinalEndpointConfidence: confidence,
		})
	}
	return paths
}
