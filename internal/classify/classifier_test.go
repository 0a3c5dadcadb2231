package classify

import (
	"testing"

	"github.com/rawblock/trace-engine/pkg/models"
)

func TestDirectoryHitOutranksStatistics(t *testing.T) {
	c := New()

	// A directory address keeps its entry no matter what the runtime
	// statistics say.
	kind, confidence, details := c.Classify("0x3F5CE5FBFE3E9AF3971DD833D26BA9B5C936F0BE", 50000, 1000, 10)
	if kind != models.EntityCEX || confidence != 95 {
		t.Errorf("Expected CEX/95 from directory, got %s/%v", kind, confidence)
	}
	if details != "Binance" {
		t.Errorf("Expected friendly name Binance, got %q", details)
	}
}

func TestClassificationPrecedence(t *testing.T) {
	c := New()
	const addr = "0x1234567890abcdef1234567890abcdef12345678"

	tests := []struct {
		name     string
		txCount  int
		daily    int
		seen     int
		wantKind string
		wantConf float64
	}{
		{"high frequency beats consolidation", 50, 150, 5, models.EntityHighFrequency, 60},
		{"consolidation beats volume", 20000, 10, 3, models.EntityConsolidation, 70},
		{"volume CEX heuristic", 20000, 600, 0, models.EntityCEX, 40},
		{"high historical volume", 20000, 10, 0, models.EntityPotentialEndpoint, 30},
		{"moderate volume", 5000, 10, 0, models.EntityPotentialEndpoint, 25},
		{"low activity wallet", 10, 1, 0, models.EntityPotentialEndpoint, 20},
		{"no signal", 500, 50, 1, models.EntityUnknown, 0},
	}
	for _, tc := range tests {
		kind, confidence, _ := c.Classify(addr, tc.txCount, tc.daily, tc.seen)
		if kind != tc.wantKind || confidence != tc.wantConf {
			t.Errorf("%s: got %s/%v, want %s/%v", tc.name, kind, confidence, tc.wantKind, tc.wantConf)
		}
	}
}

func TestShouldTerminate(t *testing.T) {
	c := New()

	tests := []struct {
		name       string
		kind       string
		confidence float64
		outgoing   int
		pct        float64
		want       bool
		wantReason string
	}{
		{"high confidence CEX", models.EntityCEX, 95, 10, 50, true, models.TerminationHighConfidence},
		{"high confidence Mixer", models.EntityMixer, 85, 10, 50, true, models.TerminationHighConfidence},
		{"confidence exactly 70 continues", models.EntityCEX, 70, 10, 50, false, ""},
		{"high confidence Bridge continues", models.EntityBridge, 80, 10, 50, false, ""},
		{"high volume", models.EntityUnknown, 0, 250, 50, true, models.TerminationHighVolume},
		{"insufficient flow", models.EntityUnknown, 0, 10, 4.9, true, models.TerminationInsufficientValue},
		{"exactly 5 percent continues", models.EntityUnknown, 0, 10, 5.0, false, ""},
		{"high frequency service", models.EntityHighFrequency, 60, 10, 50, true, models.TerminationHighFrequency},
		{"ordinary intermediary", models.EntityPotentialEndpoint, 25, 10, 50, false, ""},
	}
	for _, tc := range tests {
		stop, reason := c.ShouldTerminate(tc.kind, tc.confidence, tc.outgoing, tc.pct)
		if stop != tc.want || reason != tc.wantReason {
			t.Errorf("%s: got (%v, %q), want (%v, %q)", tc.name, stop, reason, tc.want, tc.wantReason)
		}
	}
}

func TestAddKnownAddress(t *testing.T) {
	c := New()
	const addr = "0xAAAA567890abcdef1234567890abcdef12345678"

	if kind, _, _ := c.Classify(addr, 0, 0, 0); kind == models.EntityMixer {
		t.Fatalf("Address unexpectedly known before registration")
	}

	c.AddKnownAddress(addr, models.EntityMixer, 88, "Some Mixer")

	kind, confidence, details := c.Classify(addr, 0, 0, 0)
	if kind != models.EntityMixer || confidence != 88 || details != "Some Mixer" {
		t.Errorf("Runtime entry not applied: %s/%v/%q", kind, confidence, details)
	}
}

func TestStats(t *testing.T) {
	c := New()
	stats := c.Stats()

	total, ok := stats["totalKnownAddresses"].(int)
	if !ok || total == 0 {
		t.Errorf("Expected nonzero directory size, got %v", stats["totalKnownAddresses"])
	}
	kinds, ok := stats["entityKindCounts"].(map[string]int)
	if !ok || kinds[models.EntityCEX] == 0 {
		t.Errorf("Expected CEX entries in directory, got %v", stats["entityKindCounts"])
	}
}
