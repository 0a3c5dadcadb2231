package graph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rawblock/trace-engine/internal/classify"
	"github.com/rawblock/trace-engine/internal/config"
	"github.com/rawblock/trace-engine/pkg/models"
)

// Expansion Engine — Incident Tracing Core
//
// Depth-bounded best-first forward traversal over the transaction
// source, under hard budgets (API calls, nodes, depth, wall time).
// The frontier is FIFO by arrival: the per-node filter already ranks
// outgoing edges, and breadth-first exposure at shallow depth gives
// better value coverage under a tight call budget than a priority
// queue would.
//
// The engine owns the working graph exclusively. It suspends only at
// source fetches and repository writes; between those points graph
// state is mutated by a single logical actor and needs no locking.

// How many raw transactions to request per node. More than the top-K
// so the filters have something to cut.
const fetchOffset = 50

// Loop-exit causes.
const (
	ExitCompleted       = "completed"
	ExitBudgetExhausted = "budget_exhausted"
	ExitDeadline        = "deadline"
	ExitCancelled       = "cancelled"
)

// ProgressEvent is an advisory progress snapshot, emitted at most once
// per processed node.
type ProgressEvent struct {
	IncidentID     string `json:"incidentId"`
	Percentage     int    `json:"percentage"`
	CurrentStep    string `json:"currentStep"`
	NodesProcessed int    `json:"nodesProcessed"`
	EdgesCreated   int    `json:"edgesCreated"`
	APICallsUsed   int    `json:"apiCallsUsed"`
}

// Result is what one engine run produces. Partial is always populated;
// Totals, EndpointSummary and TopPaths only on post-processed outcomes.
type Result struct {
	Status          string                 `json:"status"` // completed | timeout | error | cancelled
	ExitCause       string                 `json:"exitCause,omitempty"`
	ErrorCode       string                 `json:"errorCode,omitempty"`
	Message         string                 `json:"message,omitempty"`
	Totals          models.GraphTotals     `json:"totals"`
	EndpointSummary map[string]int         `json:"endpointSummary,omitempty"`
	TopPaths        []models.TopPath       `json:"topPaths,omitempty"`
	Partial         *models.PartialResults `json:"partialResults,omitempty"`
}

type frontierItem struct {
	address string
	depth   int
}

// Engine runs the bounded expansion for exactly one incident.
type Engine struct {
	incidentID string
	repo       Repository
	source     TxSource
	classifier *classify.Classifier
	limits     config.Limits

	g         *Graph
	frontier  []frontierItem
	processed map[string]bool
	visits    map[string]int

	apiCalls       int
	nodesProcessed int
	edgesCreated   int

	stolenETH float64
	seedCount int
	startTime time.Time

	upstreamFailures int
	lastUpstreamErr  error

	// Set during process shutdown: persist partials directly, skip
	// post-processing.
	skipPostProcess atomic.Bool

	progressFn func(ProgressEvent)
}

// NewEngine builds an engine bound to one incident. progressFn may be
// nil.
func NewEngine(incidentID string, repo Repository, source TxSource, classifier *classify.Classifier, limits config.Limits, progressFn func(ProgressEvent)) *Engine {
	return &Engine{
		incidentID: incidentID,
		repo:       repo,
		source:     source,
		classifier: classifier,
		limits:     limits,
		g:          New(),
		processed:  make(map[string]bool),
		visits:     make(map[string]int),
		progressFn: progressFn,
	}
}

// SkipPostProcessOnCancel tells the engine that a following
// cancellation comes from process shutdown: partial results are
// persisted directly without post-processing.
func (e *Engine) SkipPostProcessOnCancel() {
	e.skipPostProcess.Store(true)
}

// APICallsUsed reports the number of source calls spent so far.
func (e *Engine) APICallsUsed() int { return e.apiCalls }

// Run executes the full trace: initialize from the incident record,
// expand under budget, post-process, persist. It always returns a
// non-nil Result describing the outcome; err is non-nil only for
// outcomes the caller should persist as job errors.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.startTime = time.Now()
	log.Printf("[Engine] Starting graph processing for incident %s", e.incidentID)

	if err := e.initialize(ctx); err != nil {
		return e.errorResult(models.CodeInternalError, err.Error()), err
	}

	cause := e.expand(ctx)

	switch cause {
	case ExitDeadline:
		return e.finishTimeout()
	case ExitCancelled:
		return e.finishCancelled()
	}

	// Upstream failure that prevented any progress beyond the seeds is
	// surfaced as a job-level error rather than a completed trace.
	if e.upstreamFailures > 0 && e.upstreamFailures == e.apiCalls && e.edgesCreated <= e.seedCount {
		return e.finishUpstreamError()
	}

	return e.finishCompleted(cause)
}

// initialize reads the incident seed and creates the victim and hacker
// nodes plus the seed edge.
func (e *Engine) initialize(ctx context.Context) error {
	incident, err := e.repo.GetIncident(ctx, e.incidentID)
	if err != nil {
		return fmt.Errorf("load incident: %w", err)
	}
	if incident == nil {
		return fmt.Errorf("incident %s not found", e.incidentID)
	}

	seeds, err := e.repo.GetIncidentSeedTransactions(ctx, e.incidentID)
	if err != nil {
		return fmt.Errorf("load seed transactions: %w", err)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("no seed transactions for incident %s", e.incidentID)
	}
	seed := seeds[0]
	e.seedCount = 1

	// Percentage thresholds are computed against the per-incident stolen
	// amount; the seed value is the fallback when the record lacks one.
	e.stolenETH = incident.AmountStolenETH
	if e.stolenETH <= 0 {
		e.stolenETH = seed.ValueETH
	}

	victim := strings.ToLower(incident.WalletAddress)
	hacker := strings.ToLower(seed.To)

	e.g.AddNode(models.Node{
		Address:       victim,
		DepthFromHack: 0,
		EntityKind:    models.EntityVictim,
		Confidence:    100,
	})
	e.g.AddNode(models.Node{
		Address:        hacker,
		DepthFromHack:  1,
		EntityKind:     models.EntityHacker,
		Confidence:     95,
		FirstSeenBlock: seed.BlockNumber,
	})
	e.g.AddEdge(models.Edge{
		From:          victim,
		To:            hacker,
		TxHash:        seed.TxHash,
		ValueETH:      seed.ValueETH,
		BlockNumber:   seed.BlockNumber,
		Timestamp:     seed.Timestamp,
		PriorityScore: 100,
		FilterReason:  models.FilterReasonInitialHack,
	})
	e.edgesCreated = 1
	e.visits[victim]++
	e.visits[hacker]++

	e.frontier = append(e.frontier, frontierItem{address: hacker, depth: 1})

	log.Printf("[Engine] Initialized incident %s: victim=%s hacker=%s stolen=%.4f ETH",
		e.incidentID, victim, hacker, e.stolenETH)
	return nil
}

// expand runs the main loop and returns the loop-exit cause.
func (e *Engine) expand(ctx context.Context) string {
	for len(e.frontier) > 0 {
		// Cancellation and deadline are checked at the top of every
		// iteration.
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ExitDeadline
			}
			return ExitCancelled
		}
		if time.Since(e.startTime) >= e.limits.WallDeadline {
			return ExitDeadline
		}
		if e.apiCalls >= e.limits.MaxAPICalls || e.g.NodeCount() >= e.limits.MaxNodes {
			return ExitBudgetExhausted
		}

		item := e.frontier[0]
		e.frontier = e.frontier[1:]

		if e.processed[item.address] || item.depth >= e.limits.MaxDepth {
			continue
		}

		e.processNode(ctx, item.address, item.depth)
		if err := ctx.Err(); err != nil {
			// A fetch aborted mid-call: the loop condition above decides
			// the outcome on the next pass.
			continue
		}

		e.processed[item.address] = true
		e.nodesProcessed++
		e.reportProgress(ctx, item.address, item.depth)
	}

	// A cancellation or deadline that lands during the final fetch drains
	// the frontier without another pass over the loop head; re-check
	// before declaring the trace complete.
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ExitDeadline
		}
		return ExitCancelled
	}
	if time.Since(e.startTime) >= e.limits.WallDeadline {
		return ExitDeadline
	}
	return ExitCompleted
}

// processNode fetches, filters, inserts edges, and classifies one
// frontier node.
func (e *Engine) processNode(ctx context.Context, address string, depth int) {
	node := e.g.Node(address)
	var startBlock int64
	if node != nil {
		startBlock = node.FirstSeenBlock
	}

	raw, err := e.source.FetchOutgoing(ctx, address, startBlock, fetchOffset, true)
	// One budget unit per fetch, regardless of in-call retries.
	e.apiCalls++
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("[Engine] Fetch failed for %s: %v", address, err)
		e.upstreamFailures++
		e.lastUpstreamErr = err
		if node != nil {
			node.TerminationReason = models.TerminationUpstreamUnavailable
		}
		return
	}

	ranked := FilterPipeline(raw, address, e.stolenETH, e.visits, e.limits.MinTransactionValueETH)
	selected := ranked
	if len(selected) > e.limits.MaxTransactionsPerNode {
		selected = selected[:e.limits.MaxTransactionsPerNode]
	}

	selectedValue := 0.0
	for _, tx := range selected {
		if tx.To == "" { // contract creation
			continue
		}
		isNew := !e.g.HasNode(tx.To)
		if isNew {
			e.g.AddNode(models.Node{
				Address:        tx.To,
				DepthFromHack:  depth + 1,
				EntityKind:     models.EntityUnknown,
				FirstSeenBlock: tx.BlockNumber,
			})
		}
		created := e.g.AddEdge(models.Edge{
			From:          address,
			To:            tx.To,
			TxHash:        tx.Hash,
			ValueETH:      tx.ValueETH,
			BlockNumber:   tx.BlockNumber,
			Timestamp:     tx.Timestamp,
			GasUsed:       tx.GasUsed,
			GasPrice:      tx.GasPrice,
			PriorityScore: tx.PriorityScore,
			FilterReason:  models.FilterReasonFiltered,
		})
		if created {
			e.edgesCreated++
			e.visits[tx.From]++
			e.visits[tx.To]++
			selectedValue += tx.ValueETH
		}
		if isNew && depth+1 < e.limits.MaxDepth {
			e.frontier = append(e.frontier, frontierItem{address: tx.To, depth: depth + 1})
		}
	}

	e.classifyNode(address, len(raw), selectedValue)
}

// classifyNode updates the node record with the classifier's verdict
// and applies the termination decision.
func (e *Engine) classifyNode(address string, totalTxCount int, selectedValue float64) {
	node := e.g.Node(address)
	if node == nil {
		return
	}

	kind, confidence, details := e.classifier.Classify(address, totalTxCount, 0, e.visits[address])

	node.TransactionCount = totalTxCount
	// The victim and hacker seeds keep their identity; runtime
	// statistics never reclassify them.
	if node.EntityKind != models.EntityVictim && node.EntityKind != models.EntityHacker {
		node.EntityKind = kind
		node.Confidence = confidence
		node.Details = details
	}

	cumulativePct := 0.0
	if e.stolenETH > 0 {
		cumulativePct = selectedValue / e.stolenETH * 100
	}

	terminate, reason := e.classifier.ShouldTerminate(kind, confidence, totalTxCount, cumulativePct)
	if !terminate {
		return
	}

	node.TerminationReason = reason
	node.ManualExplorationReady = confidence < 80

	// Drop any still-pending frontier entries for this address.
	kept := e.frontier[:0]
	for _, item := range e.frontier {
		if item.address != address {
			kept = append(kept, item)
		}
	}
	e.frontier = kept
}

// reportProgress emits the advisory running status, at most once per
// node. Percentage approximates against a 20-node nominal trace.
func (e *Engine) reportProgress(ctx context.Context, address string, depth int) {
	pct := e.nodesProcessed * 5
	if pct > 95 {
		pct = 95
	}
	step := fmt.Sprintf("expanding depth %d: %s", depth, address)

	upd := models.StatusUpdate{Status: models.StatusRunning, Progress: &pct, CurrentStep: &step}
	if err := e.repo.UpdateGraphStatus(ctx, e.incidentID, upd); err != nil && ctx.Err() == nil {
		log.Printf("[Engine] Progress update failed for %s: %v", e.incidentID, err)
	}

	if e.progressFn != nil {
		e.progressFn(ProgressEvent{
			IncidentID:     e.incidentID,
			Percentage:     pct,
			CurrentStep:    step,
			NodesProcessed: e.nodesProcessed,
			EdgesCreated:   e.edgesCreated,
			APICallsUsed:   e.apiCalls,
		})
	}
}

// ─── Outcome handling ────────────────────────────────────────────────

// persistCtx returns a context detached from the (possibly dead) run
// context so final persistence can still happen after cancellation.
func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (e *Engine) finishCompleted(cause string) (*Result, error) {
	PostProcess(e.g, e.stolenETH)
	topPaths := TopPaths(e.g)

	totals := e.totals()
	summary := e.g.EndpointSummary()

	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.persistGraph(ctx); err != nil {
		log.Printf("[Engine] Graph persistence failed for %s: %v", e.incidentID, err)
		return e.errorResult(models.CodeInternalError, err.Error()), err
	}
	if err := e.repo.FinalizeGraph(ctx, e.incidentID, totals, summary, topPaths); err != nil {
		log.Printf("[Engine] Finalize failed for %s: %v", e.incidentID, err)
		return e.errorResult(models.CodeInternalError, err.Error()), err
	}

	log.Printf("[Engine] Completed incident %s (%s): %d nodes, %d edges, %d api calls in %ds",
		e.incidentID, cause, totals.TotalNodes, totals.TotalEdges, totals.APICallsUsed, totals.ProcessingTimeSeconds)

	return &Result{
		Status:          models.StatusCompleted,
		ExitCause:       cause,
		Totals:          totals,
		EndpointSummary: summary,
		TopPaths:        topPaths,
		Partial:         e.g.Partial(),
	}, nil
}

func (e *Engine) finishTimeout() (*Result, error) {
	log.Printf("[Engine] Deadline reached for incident %s after %d nodes", e.incidentID, e.nodesProcessed)

	// Best-effort post-processing on whatever graph exists.
	PostProcess(e.g, e.stolenETH)
	partial := e.g.Partial()

	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.persistGraph(ctx); err != nil {
		log.Printf("[Engine] Partial persistence failed for %s: %v", e.incidentID, err)
	}

	msg := fmt.Sprintf("Processing timeout after %s", e.limits.WallDeadline)
	code := models.CodeTimeout
	progress := 95
	e.updateStatus(ctx, models.StatusUpdate{
		Status:         models.StatusTimeout,
		Progress:       &progress,
		ErrorMessage:   &msg,
		ErrorCode:      &code,
		PartialResults: partial,
	})

	return &Result{
		Status:    models.StatusTimeout,
		ExitCause: ExitDeadline,
		ErrorCode: code,
		Message:   msg,
		Totals:    e.totals(),
		Partial:   partial,
	}, nil
}

func (e *Engine) finishCancelled() (*Result, error) {
	skip := e.skipPostProcess.Load()
	if !skip {
		PostProcess(e.g, e.stolenETH)
	}
	partial := e.g.Partial()

	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.persistGraph(ctx); err != nil {
		log.Printf("[Engine] Cancelled-run persistence failed for %s: %v", e.incidentID, err)
	}

	log.Printf("[Engine] Incident %s cancelled (postProcessed=%v)", e.incidentID, !skip)
	return &Result{
		Status:    models.StatusCancelled,
		ErrorCode: models.CodeJobCancelled,
		Message:   "Job was cancelled",
		Totals:    e.totals(),
		Partial:   partial,
	}, nil
}

func (e *Engine) finishUpstreamError() (*Result, error) {
	code := models.CodeEtherscanError
	if errors.Is(e.lastUpstreamErr, ErrRateLimited) {
		code = models.CodeEtherscanLimit
	}
	msg := e.lastUpstreamErr.Error()
	partial := e.g.Partial()

	ctx, cancel := persistCtx()
	defer cancel()
	if err := e.persistGraph(ctx); err != nil {
		log.Printf("[Engine] Partial persistence failed for %s: %v", e.incidentID, err)
	}
	e.updateStatus(ctx, models.StatusUpdate{
		Status:         models.StatusError,
		ErrorMessage:   &msg,
		ErrorCode:      &code,
		PartialResults: partial,
	})

	return &Result{
		Status:    models.StatusError,
		ErrorCode: code,
		Message:   msg,
		Totals:    e.totals(),
		Partial:   partial,
	}, fmt.Errorf("upstream prevented progress: %w", e.lastUpstreamErr)
}

func (e *Engine) errorResult(code, msg string) *Result {
	ctx, cancel := persistCtx()
	defer cancel()
	var partial *models.PartialResults
	// Partial results are attached only when the graph has grown beyond
	// the seeds.
	if e.g.NodeCount() > 2 {
		if err := e.persistGraph(ctx); err == nil {
			partial = e.g.Partial()
		}
	}
	e.updateStatus(ctx, models.StatusUpdate{
		Status:         models.StatusError,
		ErrorMessage:   &msg,
		ErrorCode:      &code,
		PartialResults: partial,
	})
	return &Result{
		Status:    models.StatusError,
		ErrorCode: code,
		Message:   msg,
		Totals:    e.totals(),
		Partial:   partial,
	}
}

func (e *Engine) updateStatus(ctx context.Context, upd models.StatusUpdate) {
	if err := e.repo.UpdateGraphStatus(ctx, e.incidentID, upd); err != nil {
		log.Printf("[Engine] Status update failed for %s: %v", e.incidentID, err)
	}
}

// persistGraph writes every surviving node and edge through the
// repository's conflict-aware upserts.
func (e *Engine) persistGraph(ctx context.Context) error {
	for _, n := range e.g.Nodes() {
		if err := e.repo.UpsertNode(ctx, e.incidentID, *n); err != nil {
			return fmt.Errorf("upsert node %s: %w", n.Address, err)
		}
	}
	for _, edge := range e.g.Edges() {
		if err := e.repo.InsertEdge(ctx, e.incidentID, *edge); err != nil {
			return fmt.Errorf("insert edge %s→%s: %w", edge.From, edge.To, err)
		}
	}
	return nil
}

func (e *Engine) totals() models.GraphTotals {
	return models.GraphTotals{
		TotalNodes:            e.g.NodeCount(),
		TotalEdges:            e.g.EdgeCount(),
		MaxDepth:              e.g.MaxDepth(),
		TotalValueTraced:      e.g.TotalValue(),
		ProcessingTimeSeconds: int(time.Since(e.startTime).Seconds()),
		APICallsUsed:          e.apiCalls,
	}
}

// Graph exposes the working graph for inspection in tests.
func (e *Engine) Graph() *Graph { return e.g }
