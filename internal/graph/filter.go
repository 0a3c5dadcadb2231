package graph

import (
	"math"
	"sort"
	"strings"

	"github.com/rawblock/trace-engine/pkg/models"
)

// Three-tier filter pipeline. Reduces the raw transaction list for a
// node to a ranked short list, given the incident's stolen amount and
// the engine's visit counts. Deterministic: identical inputs yield
// identical output order and membership.

// Size-scaled primary-tier minimums, in percent of the stolen amount.
const (
	minPctLargeHack  = 0.1 // stolen > 100 ETH
	minPctMediumHack = 0.5 // 10–100 ETH
	minPctSmallHack  = 1.0 // < 10 ETH
)

// Above-average gas price threshold: 20 gwei in wei.
const highGasPriceWei = int64(20_000_000_000)

// Destinations seen this often in the graph are consolidation signals.
const consolidationSeenThreshold = 3

// Normalize converts a raw explorer row into a pipeline transaction:
// addresses lowercased, wei scaled to ETH, missing optional fields kept
// as zero values.
func Normalize(raw models.RawTransaction) models.Transaction {
	return models.Transaction{
		Hash:        raw.Hash,
		From:        strings.ToLower(raw.From),
		To:          strings.ToLower(raw.To),
		ValueETH:    models.WeiToETH(models.ParseWei(raw.Value)),
		BlockNumber: models.ParseInt64(raw.BlockNumber),
		Timestamp:   models.ParseInt64(raw.TimeStamp),
		GasUsed:     models.ParseInt64(raw.GasUsed),
		GasPrice:    models.ParseInt64(raw.GasPrice),
	}
}

// FilterPipeline runs the three tiers and returns the full ordered
// list; the engine applies top-K truncation itself.
func FilterPipeline(raw []models.RawTransaction, nodeAddress string, stolenETH float64, visits map[string]int, minValueETH float64) []models.Transaction {
	if len(raw) == 0 {
		return nil
	}
	nodeAddress = strings.ToLower(nodeAddress)

	// Primary tier: hard filters, any failure drops the transaction.
	passed := make([]models.Transaction, 0, len(raw))
	for _, r := range raw {
		tx := Normalize(r)
		if tx.From != nodeAddress {
			continue // only outgoing
		}
		if tx.ValueETH < minValueETH {
			continue
		}
		if stolenETH > 0 {
			pct := tx.ValueETH / stolenETH * 100
			if pct < minPercentageThreshold(stolenETH) {
				continue
			}
		}
		passed = append(passed, tx)
	}

	// Secondary tier: scoring and promotion, nothing dropped.
	for i := range passed {
		passed[i].PriorityScore = priorityScore(passed[i], visits)
	}

	// Tertiary tier: stable sort by priority descending.
	sort.SliceStable(passed, func(i, j int) bool {
		return passed[i].PriorityScore > passed[j].PriorityScore
	})
	return passed
}

// minPercentageThreshold scales the primary-tier percentage floor with
// the hack size.
func minPercentageThreshold(stolenETH float64) float64 {
	switch {
	case stolenETH > 100:
		return minPctLargeHack
	case stolenETH > 10:
		return minPctMediumHack
	default:
		return minPctSmallHack
	}
}

func priorityScore(tx models.Transaction, visits map[string]int) int {
	score := 0

	switch {
	case tx.ValueETH > 10:
		score += 50
	case tx.ValueETH > 1:
		score += 30
	case tx.ValueETH > 0.1:
		score += 20
	default:
		score += 10
	}

	if isRoundAmount(tx.ValueETH) {
		score += 10
	}

	if tx.GasPrice > highGasPriceWei {
		score += 15
	}

	if visits[tx.To] >= consolidationSeenThreshold {
		score += 20
	}

	if score > 100 {
		score = 100
	}
	return score
}

// isRoundAmount reports whether the value is a whole number of ETH or a
// whole number of thousandths. A small tolerance absorbs the binary
// representation error of decimal amounts like 0.06.
func isRoundAmount(valueETH float64) bool {
	const eps = 1e-9
	milli := valueETH * 1000
	return math.Abs(milli-math.Round(milli)) < eps
}
