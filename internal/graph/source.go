package graph

import (
	"context"
	"errors"

	"github.com/rawblock/trace-engine/pkg/models"
)

// TxSource is the capability set the engine needs from a blockchain
// explorer. Implementations must retry transient failures internally;
// one FetchOutgoing call counts as one unit of the engine's API budget
// regardless of retries.
type TxSource interface {
	// FetchOutgoing returns raw transactions involving address, starting
	// at startBlock, at most limit rows, sorted ascending or descending
	// by block.
	FetchOutgoing(ctx context.Context, address string, startBlock int64, limit int, ascending bool) ([]models.RawTransaction, error)
	HealthCheck(ctx context.Context) error
}

// The two failure kinds a TxSource may surface. Both are recoverable at
// the engine boundary: the current node is abandoned and traversal
// continues.
var (
	ErrRateLimited = errors.New("transaction source rate limited")
	ErrUpstream    = errors.New("transaction source unavailable")
)
