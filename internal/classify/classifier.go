package classify

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/rawblock/trace-engine/pkg/models"
)

// Address Classifier
//
// Maps an address plus observed statistics to (entity kind, confidence,
// details) and decides when graph exploration should stop at a node.
// The static directory is immutable after startup; AddKnownAddress is
// an administrative side-channel serialized behind the lock.

const (
	highFrequencyDailyTxThreshold = 100 // tx/day
	consolidationSeenThreshold    = 3   // times seen in graph
	maxOutgoingTxThreshold        = 200
	minCumulativeValuePct         = 5.0
)

// Classifier holds the known-address directory and the heuristic rules.
type Classifier struct {
	mu        sync.RWMutex
	directory map[string]DirectoryEntry
}

// New returns a classifier seeded with the built-in directory.
func New() *Classifier {
	return &Classifier{directory: defaultDirectory()}
}

// Classify applies the rules in precedence order; first match wins.
// A directory hit always outranks runtime statistics.
func (c *Classifier) Classify(address string, txCount, dailyTxCount, timesSeenInGraph int) (kind string, confidence float64, details string) {
	addr := strings.ToLower(address)

	c.mu.RLock()
	entry, known := c.directory[addr]
	c.mu.RUnlock()
	if known {
		return entry.Kind, entry.Confidence, entry.Name
	}

	if dailyTxCount > highFrequencyDailyTxThreshold {
		return models.EntityHighFrequency, 60, fmt.Sprintf("High frequency: %d tx/day", dailyTxCount)
	}

	if timesSeenInGraph >= consolidationSeenThreshold {
		return models.EntityConsolidation, 70, fmt.Sprintf("Seen %d times in graph", timesSeenInGraph)
	}

	// Volume heuristics, lower confidence.
	switch {
	case txCount > 10000 && dailyTxCount > 500:
		return models.EntityCEX, 40, fmt.Sprintf("High volume: %d total, %d/day", txCount, dailyTxCount)
	case txCount > 10000:
		return models.EntityPotentialEndpoint, 30, fmt.Sprintf("High historical volume: %d", txCount)
	case txCount > 1000:
		return models.EntityPotentialEndpoint, 25, fmt.Sprintf("Moderate volume: %d", txCount)
	case txCount < 100 && dailyTxCount < 5:
		return models.EntityPotentialEndpoint, 20, "Low activity wallet"
	}

	return models.EntityUnknown, 0, ""
}

// ShouldTerminate decides whether exploration stops at a node, given
// its classification and the flow statistics the engine observed.
func (c *Classifier) ShouldTerminate(kind string, confidence float64, outgoingCount int, cumulativeValuePct float64) (bool, string) {
	if confidence > 70 && (kind == models.EntityCEX || kind == models.EntityDEX || kind == models.EntityMixer) {
		return true, models.TerminationHighConfidence
	}

	if outgoingCount > maxOutgoingTxThreshold {
		return true, models.TerminationHighVolume
	}

	if cumulativeValuePct < minCumulativeValuePct {
		return true, models.TerminationInsufficientValue
	}

	if kind == models.EntityHighFrequency {
		return true, models.TerminationHighFrequency
	}

	return false, ""
}

// AddKnownAddress registers a directory entry at runtime. Administrative
// side-channel, not part of the engine contract.
func (c *Classifier) AddKnownAddress(address, kind string, confidence float64, name string) {
	c.mu.Lock()
	c.directory[strings.ToLower(address)] = DirectoryEntry{Kind: kind, Confidence: confidence, Name: name}
	c.mu.Unlock()
	log.Printf("[Classifier] Added known address %s as %s (%s)", address, kind, name)
}

// Stats summarizes the directory for the monitoring surface.
func (c *Classifier) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kindCounts := make(map[string]int)
	for _, entry := range c.directory {
		kindCounts[entry.Kind]++
	}
	return map[string]any{
		"totalKnownAddresses": len(c.directory),
		"entityKindCounts":    kindCounts,
	}
}
