package graph

import (
	"context"

	"github.com/rawblock/trace-engine/pkg/models"
)

// Repository is the persistence capability the engine and job
// controller depend on. Lookup methods return (nil, nil) when the row
// does not exist; no concrete database code appears in the engine.
type Repository interface {
	GetIncident(ctx context.Context, incidentID string) (*models.Incident, error)
	GetIncidentSeedTransactions(ctx context.Context, incidentID string) ([]models.SeedTransaction, error)

	// CreateGraphRecord creates (or resets) the incident graph record in
	// status pending with zero progress.
	CreateGraphRecord(ctx context.Context, incidentID string) error
	UpdateGraphStatus(ctx context.Context, incidentID string, upd models.StatusUpdate) error
	FinalizeGraph(ctx context.Context, incidentID string, totals models.GraphTotals, endpointSummary map[string]int, topPaths []models.TopPath) error
	GetGraphStatus(ctx context.Context, incidentID string) (*models.GraphStatus, error)

	// UpsertNode updates all mutable columns on conflict of
	// (incident_id, address).
	UpsertNode(ctx context.Context, incidentID string, n models.Node) error
	// InsertEdge skips the row on conflict of
	// (incident_id, from, to, tx_hash).
	InsertEdge(ctx context.Context, incidentID string, e models.Edge) error
}
