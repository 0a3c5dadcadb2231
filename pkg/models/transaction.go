package models

import (
	"math"
	"math/big"
	"strings"
)

// RawTransaction is one row of an explorer txlist response, untouched.
// Numeric fields arrive as decimal strings; the proxy endpoints return
// hex strings, and ParseWei tolerates both.
type RawTransaction struct {
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Gas         string `json:"gas"`
	GasUsed     string `json:"gasUsed"`
	GasPrice    string `json:"gasPrice"`
}

// Transaction is a normalized transaction ready for the filter pipeline.
// Addresses are lowercased, the value converted to ETH.
type Transaction struct {
	Hash          string  `json:"hash"`
	From          string  `json:"from"`
	To            string  `json:"to"`
	ValueETH      float64 `json:"valueEth"`
	BlockNumber   int64   `json:"blockNumber"`
	Timestamp     int64   `json:"timestamp,omitempty"` // unix seconds, 0 if unknown
	GasUsed       int64   `json:"gasUsed,omitempty"`
	GasPrice      int64   `json:"gasPrice,omitempty"` // wei
	PriorityScore int     `json:"priorityScore"`
}

const weiPerETH = 1e18

// ParseWei parses a decimal or 0x-prefixed hex wei string into a big.Int.
// Empty and malformed strings parse to zero.
func ParseWei(s string) *big.Int {
	v := new(big.Int)
	s = strings.TrimSpace(s)
	if s == "" || s == "0x" {
		return v
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if _, ok := v.SetString(s[2:], 16); !ok {
			return new(big.Int)
		}
		return v
	}
	if _, ok := v.SetString(s, 10); !ok {
		return new(big.Int)
	}
	return v
}

// WeiToETH converts a wei amount to ETH as a float64.
func WeiToETH(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(weiPerETH)).Float64()
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	return f
}

// ParseInt64 parses a decimal or 0x-prefixed hex string into an int64,
// returning 0 for anything it cannot parse.
func ParseInt64(s string) int64 {
	v := ParseWei(s)
	if !v.IsInt64() {
		return 0
	}
	return v.Int64()
}
