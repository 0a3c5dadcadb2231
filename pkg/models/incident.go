package models

// Incident is a recorded theft: the victim wallet and the stolen amount.
type Incident struct {
	ID              string  `json:"id"`
	WalletAddress   string  `json:"walletAddress"`
	AmountStolenETH float64 `json:"amountStolenEth"`
}

// SeedTransaction is one of the initial hack transactions recorded with
// an incident. The first seed defines the victim→hacker edge.
type SeedTransaction struct {
	TxHash      string  `json:"txHash"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	ValueETH    float64 `json:"valueEth"`
	BlockNumber int64   `json:"blockNumber,omitempty"`
	Timestamp   int64   `json:"timestamp,omitempty"`
}
