package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/trace-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore implements the engine's Repository interface on top of
// a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for Trace Engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Trace Engine schema initialized")
	return nil
}

// Ping verifies database connectivity for the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ─── Incidents ───────────────────────────────────────────────────────

func (s *PostgresStore) GetIncident(ctx context.Context, incidentID string) (*models.Incident, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, wallet_address, amount_stolen_eth::float8
		FROM incidents WHERE id = $1`, incidentID)

	var inc models.Incident
	if err := row.Scan(&inc.ID, &inc.WalletAddress, &inc.AmountStolenETH); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load incident %s: %v", incidentID, err)
	}
	return &inc, nil
}

func (s *PostgresStore) GetIncidentSeedTransactions(ctx context.Context, incidentID string) ([]models.SeedTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, from_address, to_address, value_eth::float8, block_number, tx_timestamp
		FROM incident_transactions
		WHERE incident_id = $1
		ORDER BY block_number, id`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seed transactions: %v", err)
	}
	defer rows.Close()

	var seeds []models.SeedTransaction
	for rows.Next() {
		var seed models.SeedTransaction
		if err := rows.Scan(&seed.TxHash, &seed.From, &seed.To, &seed.ValueETH, &seed.BlockNumber, &seed.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan seed transaction: %v", err)
		}
		seeds = append(seeds, seed)
	}
	return seeds, rows.Err()
}

// CreateIncident inserts an incident with its seed transactions in one
// transaction. Used by the intake surface and by tests.
func (s *PostgresStore) CreateIncident(ctx context.Context, inc models.Incident, seeds []models.SeedTransaction) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO incidents (wallet_address, amount_stolen_eth)
		VALUES ($1, $2) RETURNING id::text`,
		strings.ToLower(inc.WalletAddress), inc.AmountStolenETH).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert incident: %v", err)
	}

	for _, seed := range seeds {
		_, err = tx.Exec(ctx, `
			INSERT INTO incident_transactions
			(incident_id, tx_hash, from_address, to_address, value_eth, block_number, tx_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (incident_id, tx_hash) DO NOTHING`,
			id, strings.ToLower(seed.TxHash), strings.ToLower(seed.From),
			strings.ToLower(seed.To), seed.ValueETH, seed.BlockNumber, seed.Timestamp)
		if err != nil {
			return "", fmt.Errorf("failed to insert seed transaction: %v", err)
		}
	}
	return id, tx.Commit(ctx)
}

// ─── Graph records ───────────────────────────────────────────────────

// CreateGraphRecord creates or resets the incident's graph record to
// pending and clears any previous trace output.
func (s *PostgresStore) CreateGraphRecord(ctx context.Context, incidentID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO transaction_graphs (incident_id, status, progress_percentage)
		VALUES ($1, 'pending', 0)
		ON CONFLICT (incident_id) DO UPDATE SET
			status = 'pending',
			progress_percentage = 0,
			current_step = NULL,
			error_message = NULL,
			error_code = NULL,
			partial_results = NULL,
			total_nodes = 0,
			total_edges = 0,
			max_depth = 0,
			total_value_traced = 0,
			processing_time_seconds = 0,
			api_calls_used = 0,
			endpoint_summary = NULL,
			top_paths = NULL,
			created_at = NOW(),
			updated_at = NOW()`, incidentID)
	if err != nil {
		return fmt.Errorf("failed to create graph record: %v", err)
	}

	// A rerun starts from a clean graph.
	if _, err = tx.Exec(ctx, `DELETE FROM graph_edges WHERE incident_id = $1`, incidentID); err != nil {
		return fmt.Errorf("failed to clear graph edges: %v", err)
	}
	if _, err = tx.Exec(ctx, `DELETE FROM graph_nodes WHERE incident_id = $1`, incidentID); err != nil {
		return fmt.Errorf("failed to clear graph nodes: %v", err)
	}
	return tx.Commit(ctx)
}

// UpdateGraphStatus applies a partial update; nil pointer fields leave
// the stored column untouched.
func (s *PostgresStore) UpdateGraphStatus(ctx context.Context, incidentID string, upd models.StatusUpdate) error {
	sets := []string{"status = $2", "updated_at = NOW()"}
	args := []any{incidentID, upd.Status}

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Progress != nil {
		add("progress_percentage", *upd.Progress)
	}
	if upd.CurrentStep != nil {
		add("current_step", *upd.CurrentStep)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.ErrorCode != nil {
		add("error_code", *upd.ErrorCode)
	}
	if upd.PartialResults != nil {
		payload, err := json.Marshal(upd.PartialResults)
		if err != nil {
			return fmt.Errorf("failed to marshal partial results: %v", err)
		}
		add("partial_results", payload)
	}

	query := fmt.Sprintf(
		"UPDATE transaction_graphs SET %s WHERE incident_id = $1",
		strings.Join(sets, ", "))
	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update graph status: %v", err)
	}
	return nil
}

// FinalizeGraph stores the completed trace: totals, endpoint summary,
// and top paths, with status completed and progress 100.
func (s *PostgresStore) FinalizeGraph(ctx context.Context, incidentID string, totals models.GraphTotals, endpointSummary map[string]int, topPaths []models.TopPath) error {
	summaryJSON, err := json.Marshal(endpointSummary)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint summary: %v", err)
	}
	pathsJSON, err := json.Marshal(topPaths)
	if err != nil {
		return fmt.Errorf("failed to marshal top paths: %v", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE transaction_graphs SET
			status = 'completed',
			progress_percentage = 100,
			current_step = 'completed',
			error_message = NULL,
			error_code = NULL,
			total_nodes = $2,
			total_edges = $3,
			max_depth = $4,
			total_value_traced = $5,
			processing_time_seconds = $6,
			api_calls_used = $7,
			endpoint_summary = $8,
			top_paths = $9,
			updated_at = NOW()
		WHERE incident_id = $1`,
		incidentID, totals.TotalNodes, totals.TotalEdges, totals.MaxDepth,
		totals.TotalValueTraced, totals.ProcessingTimeSeconds, totals.APICallsUsed,
		summaryJSON, pathsJSON)
	if err != nil {
		return fmt.Errorf("failed to finalize graph: %v", err)
	}
	return nil
}

func (s *PostgresStore) GetGraphStatus(ctx context.Context, incidentID string) (*models.GraphStatus, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT incident_id::text, status, progress_percentage,
			COALESCE(current_step, ''), COALESCE(error_message, ''), COALESCE(error_code, ''),
			partial_results,
			total_nodes, total_edges, max_depth, total_value_traced::float8,
			processing_time_seconds, api_calls_used,
			endpoint_summary, top_paths,
			created_at, updated_at
		FROM transaction_graphs WHERE incident_id = $1`, incidentID)

	var (
		gs          models.GraphStatus
		partialJSON []byte
		summaryJSON []byte
		pathsJSON   []byte
	)
	err := row.Scan(&gs.IncidentID, &gs.Status, &gs.ProgressPercentage,
		&gs.CurrentStep, &gs.ErrorMessage, &gs.ErrorCode,
		&partialJSON,
		&gs.Totals.TotalNodes, &gs.Totals.TotalEdges, &gs.Totals.MaxDepth,
		&gs.Totals.TotalValueTraced, &gs.Totals.ProcessingTimeSeconds, &gs.Totals.APICallsUsed,
		&summaryJSON, &pathsJSON,
		&gs.CreatedAt, &gs.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load graph status: %v", err)
	}

	if len(partialJSON) > 0 {
		var partial models.PartialResults
		if err := json.Unmarshal(partialJSON, &partial); err == nil {
			gs.PartialResults = &partial
		}
	}
	if len(summaryJSON) > 0 {
		_ = json.Unmarshal(summaryJSON, &gs.EndpointSummary)
	}
	if len(pathsJSON) > 0 {
		_ = json.Unmarshal(pathsJSON, &gs.TopPaths)
	}
	return &gs, nil
}

// ─── Nodes & edges ───────────────────────────────────────────────────

// UpsertNode updates every mutable column on conflict of
// (incident_id, address).
func (s *PostgresStore) UpsertNode(ctx context.Context, incidentID string, n models.Node) error {
	var consolidated []byte
	if len(n.ConsolidatedAddresses) > 0 {
		var err error
		consolidated, err = json.Marshal(n.ConsolidatedAddresses)
		if err != nil {
			return fmt.Errorf("failed to marshal consolidated addresses: %v", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO graph_nodes
		(incident_id, address, depth_from_hack, entity_kind, confidence,
		 transaction_count, details, first_seen_block, termination_reason,
		 manual_exploration_ready, consolidated_addresses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (incident_id, address) DO UPDATE SET
			depth_from_hack = EXCLUDED.depth_from_hack,
			entity_kind = EXCLUDED.entity_kind,
			confidence = EXCLUDED.confidence,
			transaction_count = EXCLUDED.transaction_count,
			details = EXCLUDED.details,
			first_seen_block = EXCLUDED.first_seen_block,
			termination_reason = EXCLUDED.termination_reason,
			manual_exploration_ready = EXCLUDED.manual_exploration_ready,
			consolidated_addresses = EXCLUDED.consolidated_addresses`,
		incidentID, n.Address, n.DepthFromHack, n.EntityKind, n.Confidence,
		n.TransactionCount, n.Details, n.FirstSeenBlock, n.TerminationReason,
		n.ManualExplorationReady, consolidated)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %v", n.Address, err)
	}
	return nil
}

// InsertEdge skips the row on conflict of
// (incident_id, from_address, to_address, tx_hash).
func (s *PostgresStore) InsertEdge(ctx context.Context, incidentID string, e models.Edge) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO graph_edges
		(incident_id, from_address, to_address, tx_hash, value_eth,
		 block_number, tx_timestamp, gas_used, gas_price, priority_score,
		 filter_reason, flow_percentage, importance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (incident_id, from_address, to_address, tx_hash) DO NOTHING`,
		incidentID, e.From, e.To, e.TxHash, e.ValueETH,
		e.BlockNumber, e.Timestamp, e.GasUsed, e.GasPrice, e.PriorityScore,
		e.FilterReason, e.FlowPercentage, e.Importance)
	if err != nil {
		return fmt.Errorf("failed to insert edge %s->%s: %v", e.From, e.To, err)
	}
	return nil
}

// LoadGraph reads back the persisted nodes and edges of an incident,
// for the read surface and round-trip verification.
func (s *PostgresStore) LoadGraph(ctx context.Context, incidentID string) ([]models.Node, []models.Edge, error) {
	nodeRows, err := s.pool.Query(ctx, `
		SELECT address, depth_from_hack, entity_kind, confidence,
			transaction_count, COALESCE(details, ''), first_seen_block,
			COALESCE(termination_reason, ''), manual_exploration_ready,
			consolidated_addresses
		FROM graph_nodes WHERE incident_id = $1
		ORDER BY depth_from_hack, address`, incidentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load nodes: %v", err)
	}
	defer nodeRows.Close()

	var nodes []models.Node
	for nodeRows.Next() {
		var n models.Node
		var consolidated []byte
		if err := nodeRows.Scan(&n.Address, &n.DepthFromHack, &n.EntityKind, &n.Confidence,
			&n.TransactionCount, &n.Details, &n.FirstSeenBlock,
			&n.TerminationReason, &n.ManualExplorationReady, &consolidated); err != nil {
			return nil, nil, fmt.Errorf("failed to scan node: %v", err)
		}
		if len(consolidated) > 0 {
			_ = json.Unmarshal(consolidated, &n.ConsolidatedAddresses)
		}
		nodes = append(nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, nil, err
	}

	edgeRows, err := s.pool.Query(ctx, `
		SELECT from_address, to_address, tx_hash, value_eth::float8,
			block_number, tx_timestamp, gas_used, gas_price, priority_score,
			COALESCE(filter_reason, ''), flow_percentage, COALESCE(importance, '')
		FROM graph_edges WHERE incident_id = $1
		ORDER BY block_number, tx_hash`, incidentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load edges: %v", err)
	}
	defer edgeRows.Close()

	var edges []models.Edge
	for edgeRows.Next() {
		var e models.Edge
		if err := edgeRows.Scan(&e.From, &e.To, &e.TxHash, &e.ValueETH,
			&e.BlockNumber, &e.Timestamp, &e.GasUsed, &e.GasPrice, &e.PriorityScore,
			&e.FilterReason, &e.FlowPercentage, &e.Importance); err != nil {
			return nil, nil, fmt.Errorf("failed to scan edge: %v", err)
		}
		edges = append(edges, e)
	}
	return nodes, edges, edgeRows.Err()
}
