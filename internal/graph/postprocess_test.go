package graph

import (
	"reflect"
	"testing"

	"github.com/rawblock/trace-engine/pkg/models"
)

func seedGraph() *Graph {
	g := New()
	g.AddNode(models.Node{Address: "0xvictim", DepthFromHack: 0, EntityKind: models.EntityVictim, Confidence: 100})
	g.AddNode(models.Node{Address: "0xhacker", DepthFromHack: 1, EntityKind: models.EntityHacker, Confidence: 95})
	g.AddEdge(models.Edge{From: "0xvictim", To: "0xhacker", TxHash: "0xseed", ValueETH: 100, PriorityScore: 100, FilterReason: models.FilterReasonInitialHack})
	return g
}

func TestPruneChainBackToMeaningfulNode(t *testing.T) {
	g := seedGraph()
	// hacker -> a -> b, where b is an untagged leaf. Both a and b must
	// prune away over two iterations.
	g.AddNode(models.Node{Address: "0xa", DepthFromHack: 2})
	g.AddNode(models.Node{Address: "0xb", DepthFromHack: 3})
	g.AddEdge(models.Edge{From: "0xhacker", To: "0xa", TxHash: "0xt1", ValueETH: 10})
	g.AddEdge(models.Edge{From: "0xa", To: "0xb", TxHash: "0xt2", ValueETH: 5})

	removed := PruneDeadEnds(g)

	if removed != 2 {
		t.Errorf("Expected 2 nodes pruned, got %d", removed)
	}
	if g.HasNode("0xa") || g.HasNode("0xb") {
		t.Errorf("Chain should prune back to the hacker node")
	}
	if !g.HasNode("0xvictim") || !g.HasNode("0xhacker") {
		t.Errorf("Seed nodes must never be pruned")
	}
}

func TestPruneKeepsTerminatedAndEndpointLeaves(t *testing.T) {
	g := seedGraph()
	g.AddNode(models.Node{Address: "0xcex", DepthFromHack: 2, EntityKind: models.EntityCEX, Confidence: 95})
	g.AddNode(models.Node{Address: "0xdone", DepthFromHack: 2, TerminationReason: models.TerminationInsufficientValue})
	g.AddEdge(models.Edge{From: "0xhacker", To: "0xcex", TxHash: "0xt1", ValueETH: 50})
	g.AddEdge(models.Edge{From: "0xhacker", To: "0xdone", TxHash: "0xt2", ValueETH: 30})

	if removed := PruneDeadEnds(g); removed != 0 {
		t.Errorf("Expected nothing pruned, got %d", removed)
	}
	if !g.HasNode("0xcex") || !g.HasNode("0xdone") {
		t.Errorf("Endpoint and terminated leaves must survive pruning")
	}
}

func TestConsolidateSameEntity(t *testing.T) {
	g := seedGraph()
	// Three deposit addresses all classified as Binance; the first
	// discovered becomes the master.
	for i, addr := range []string{"0xbn1", "0xbn2", "0xbn3"} {
		g.AddNode(models.Node{
			Address: addr, DepthFromHack: 2,
			EntityKind: models.EntityCEX, Confidence: 95, Details: "Binance",
			TerminationReason: models.TerminationHighConfidence,
		})
		g.AddEdge(models.Edge{From: "0xhacker", To: addr, TxHash: "0xt" + string(rune('1'+i)), ValueETH: 10})
	}
	// Outgoing edge from one of the merged addresses.
	g.AddNode(models.Node{Address: "0xout", DepthFromHack: 3, TerminationReason: models.TerminationInsufficientValue})
	g.AddEdge(models.Edge{From: "0xbn3", To: "0xout", TxHash: "0xt9", ValueETH: 1})

	merged := ConsolidateEntities(g)

	if merged != 2 {
		t.Errorf("Expected 2 addresses merged, got %d", merged)
	}
	master := g.Node("0xbn1")
	if master == nil {
		t.Fatalf("Master 0xbn1 missing after consolidation")
	}
	if len(master.ConsolidatedAddresses) != 2 {
		t.Errorf("Expected 2 consolidated addresses, got %v", master.ConsolidatedAddresses)
	}
	if g.HasNode("0xbn2") || g.HasNode("0xbn3") {
		t.Errorf("Merged addresses must be deleted")
	}
	for _, e := range g.Edges() {
		if e.From == "0xbn2" || e.From == "0xbn3" || e.To == "0xbn2" || e.To == "0xbn3" {
			t.Errorf("Edge still references merged address: %+v", e)
		}
		if e.From == e.To {
			t.Errorf("Self-loop survived consolidation: %+v", e)
		}
	}
	// The outgoing edge of 0xbn3 now originates at the master.
	found := false
	for _, e := range g.Edges() {
		if e.From == "0xbn1" && e.To == "0xout" && e.TxHash == "0xt9" {
			found = true
		}
	}
	if !found {
		t.Errorf("Outgoing edge was not rewritten onto the master")
	}
}

func TestConsolidateDropsSelfLoops(t *testing.T) {
	g := seedGraph()
	g.AddNode(models.Node{Address: "0xm1", DepthFromHack: 2, Details: "Kraken", TerminationReason: models.TerminationHighConfidence})
	g.AddNode(models.Node{Address: "0xm2", DepthFromHack: 3, Details: "Kraken", TerminationReason: models.TerminationHighConfidence})
	g.AddEdge(models.Edge{From: "0xhacker", To: "0xm1", TxHash: "0xt1", ValueETH: 10})
	g.AddEdge(models.Edge{From: "0xm1", To: "0xm2", TxHash: "0xt2", ValueETH: 5})

	ConsolidateEntities(g)

	if g.EdgeCount() != 2 {
		t.Errorf("Expected the m1->m2 edge to collapse into a self-loop and be dropped, edges: %d", g.EdgeCount())
	}
}

func TestAnnotateFlowBuckets(t *testing.T) {
	g := seedGraph()
	g.AddNode(models.Node{Address: "0xa", DepthFromHack: 2, TerminationReason: models.TerminationInsufficientValue})
	g.AddEdge(models.Edge{From: "0xhacker", To: "0xa", TxHash: "0xt1", ValueETH: 15})  // 15%
	g.AddEdge(models.Edge{From: "0xhacker", To: "0xa", TxHash: "0xt2", ValueETH: 5})   // 5%
	g.AddEdge(models.Edge{From: "0xhacker", To: "0xa", TxHash: "0xt3", ValueETH: 0.5}) // 0.5%

	AnnotateFlows(g, 100)

	want := map[string]string{
		"0xseed": models.ImportanceCritical,
		"0xt1":   models.ImportanceCritical,
		"0xt2":   models.ImportanceSignificant,
		"0xt3":   models.ImportanceMinor,
	}
	for _, e := range g.Edges() {
		if e.Importance != want[e.TxHash] {
			t.Errorf("%s: importance %q, want %q", e.TxHash, e.Importance, want[e.TxHash])
		}
	}
	for _, e := range g.Edges() {
		if e.TxHash == "0xt2" && e.FlowPercentage != 5.0 {
			t.Errorf("Expected 5%% flow, got %v", e.FlowPercentage)
		}
	}
}

func TestTopPathsRankingAndLimit(t *testing.T) {
	g := seedGraph()
	g.AddNode(models.Node{Address: "0xcex", DepthFromHack: 2, EntityKind: models.EntityCEX, Confidence: 95, TerminationReason: models.TerminationHighConfidence})
	for i := 0; i < 12; i++ {
		g.AddEdge(models.Edge{
			From: "0xhacker", To: "0xcex",
			TxHash:   "0xbulk" + string(rune('a'+i)),
			ValueETH: float64(i + 1),
		})
	}
	AnnotateFlows(g, 100)

	paths := TopPaths(g)

	if len(paths) != 10 {
		t.Fatalf("Expected 10 paths, got %d", len(paths))
	}
	if paths[0].ValueETH != 100 {
		t.Errorf("Seed edge (100) should rank first, got %v", paths[0].ValueETH)
	}
	if paths[0].Rank != 1 || paths[9].Rank != 10 {
		t.Errorf("Ranks not sequential: %d..%d", paths[0].Rank, paths[9].Rank)
	}
	for i := 1; i < len(paths); i++ {
		if paths[i].ValueETH > paths[i-1].ValueETH {
			t.Errorf("Paths not sorted by value descending at %d", i)
		}
	}
	if paths[1].FinalEndpointKind != models.EntityCEX || paths[1].FinalEndpointConfidence != 95 {
		t.Errorf("Endpoint projection wrong: %+v", paths[1])
	}
	if paths[0].HopCount != 1 {
		t.Errorf("Single-hop paths expected, got %d", paths[0].HopCount)
	}
}

func TestPostProcessIdempotent(t *testing.T) {
	build := func() *Graph {
		g := seedGraph()
		g.AddNode(models.Node{Address: "0xbn1", DepthFromHack: 2, EntityKind: models.EntityCEX, Confidence: 95, Details: "Binance", TerminationReason: models.TerminationHighConfidence})
		g.AddNode(models.Node{Address: "0xbn2", DepthFromHack: 2, EntityKind: models.EntityCEX, Confidence: 95, Details: "Binance", TerminationReason: models.TerminationHighConfidence})
		g.AddNode(models.Node{Address: "0xleaf", DepthFromHack: 2})
		g.AddEdge(models.Edge{From: "0xhacker", To: "0xbn1", TxHash: "0xt1", ValueETH: 30})
		g.AddEdge(models.Edge{From: "0xhacker", To: "0xbn2", TxHash: "0xt2", ValueETH: 20})
		g.AddEdge(models.Edge{From: "0xhacker", To: "0xleaf", TxHash: "0xt3", ValueETH: 10})
		return g
	}

	once := build()
	PostProcess(once, 100)

	twice := build()
	PostProcess(twice, 100)
	PostProcess(twice, 100)

	onceNodes, twiceNodes := once.Nodes(), twice.Nodes()
	if len(onceNodes) != len(twiceNodes) {
		t.Fatalf("Node counts diverge: %d vs %d", len(onceNodes), len(twiceNodes))
	}
	for i := range onceNodes {
		if !reflect.DeepEqual(*onceNodes[i], *twiceNodes[i]) {
			t.Errorf("Node %d diverges after second run:\n%+v\n%+v", i, *onceNodes[i], *twiceNodes[i])
		}
	}
	onceEdges, twiceEdges := once.Edges(), twice.Edges()
	if len(onceEdges) != len(twiceEdges) {
		t.Fatalf("Edge counts diverge: %d vs %d", len(onceEdges), len(twiceEdges))
	}
	for i := range onceEdges {
		if !reflect.DeepEqual(*onceEdges[i], *twiceEdges[i]) {
			t.Errorf("Edge %d diverges after second run:\n%+v\n%+v", i, *onceEdges[i], *twiceEdges[i])
		}
	}
}
