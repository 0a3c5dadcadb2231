package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/trace-engine/internal/classify"
	"github.com/rawblock/trace-engine/internal/config"
	"github.com/rawblock/trace-engine/pkg/models"
)

// ─── Fakes ───────────────────────────────────────────────────────────

// gateSource blocks every fetch until released, so tests can hold a
// job in the running state.
type gateSource struct {
	release chan struct{}
	once    sync.Once
}

func newGateSource() *gateSource {
	return &gateSource{release: make(chan struct{})}
}

func (s *gateSource) open() { s.once.Do(func() { close(s.release) }) }

func (s *gateSource) FetchOutgoing(ctx context.Context, address string, startBlock int64, limit int, ascending bool) ([]models.RawTransaction, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return nil, nil
	}
}

func (s *gateSource) HealthCheck(ctx context.Context) error { return nil }

// emptySource answers every fetch immediately with no transactions.
type emptySource struct{}

func (emptySource) FetchOutgoing(ctx context.Context, address string, startBlock int64, limit int, ascending bool) ([]models.RawTransaction, error) {
	return nil, nil
}
func (emptySource) HealthCheck(ctx context.Context) error { return nil }

// fakeRepo is the in-memory Repository for controller tests.
type fakeRepo struct {
	mu        sync.Mutex
	incidents map[string]*models.Incident
	seeds     map[string][]models.SeedTransaction
	records   map[string]*models.GraphStatus
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		incidents: make(map[string]*models.Incident),
		seeds:     make(map[string][]models.SeedTransaction),
		records:   make(map[string]*models.GraphStatus),
	}
}

func (r *fakeRepo) addIncident(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents[id] = &models.Incident{ID: id, WalletAddress: "0xvictim", AmountStolenETH: 100}
	r.seeds[id] = []models.SeedTransaction{{
		TxHash: "0xseed", From: "0xvictim", To: "0xhacker",
		ValueETH: 100, BlockNumber: 90, Timestamp: 1699999999,
	}}
}

func (r *fakeRepo) GetIncident(ctx context.Context, id string) (*models.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, nil
	}
	copied := *inc
	return &copied, nil
}

func (r *fakeRepo) GetIncidentSeedTransactions(ctx context.Context, id string) ([]models.SeedTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SeedTransaction(nil), r.seeds[id]...), nil
}

func (r *fakeRepo) CreateGraphRecord(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = &models.GraphStatus{
		IncidentID: id, Status: models.StatusPending,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	return nil
}

func (r *fakeRepo) UpdateGraphStatus(ctx context.Context, id string, upd models.StatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		rec = &models.GraphStatus{IncidentID: id, CreatedAt: time.Now()}
		r.records[id] = rec
	}
	rec.Status = upd.Status
	if upd.Progress != nil {
		rec.ProgressPercentage = *upd.Progress
	}
	if upd.ErrorCode != nil {
		rec.ErrorCode = *upd.ErrorCode
	}
	if upd.ErrorMessage != nil {
		rec.ErrorMessage = *upd.ErrorMessage
	}
	if upd.PartialResults != nil {
		copied := *upd.PartialResults
		rec.PartialResults = &copied
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *fakeRepo) FinalizeGraph(ctx context.Context, id string, totals models.GraphTotals, summary map[string]int, topPaths []models.TopPath) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		rec = &models.GraphStatus{IncidentID: id, CreatedAt: time.Now()}
		r.records[id] = rec
	}
	rec.Status = models.StatusCompleted
	rec.ProgressPercentage = 100
	rec.Totals = totals
	rec.EndpointSummary = summary
	rec.TopPaths = topPaths
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *fakeRepo) GetGraphStatus(ctx context.Context, id string) (*models.GraphStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (r *fakeRepo) UpsertNode(ctx context.Context, id string, n models.Node) error { return nil }
func (r *fakeRepo) InsertEdge(ctx context.Context, id string, e models.Edge) error { return nil }

func (r *fakeRepo) status(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec := r.records[id]; rec != nil {
		return rec.Status
	}
	return ""
}

// ─── Helpers ─────────────────────────────────────────────────────────

func testSettings() *config.Settings {
	return &config.Settings{
		MaxDepth:               8,
		MaxAPICalls:            25,
		MaxTransactionsPerNode: 5,
		MaxNodes:               500,
		WallDeadline:           5 * time.Second,
		MinTransactionValueETH: 0.05,
		MinJobInterval:         0,
	}
}

func waitForStatus(t *testing.T, repo *fakeRepo, id, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if repo.status(id) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for status %q, last was %q", want, repo.status(id))
}

// ─── Tests ───────────────────────────────────────────────────────────

func TestStartUnknownIncident(t *testing.T) {
	m := NewManager(newFakeRepo(), emptySource{}, classify.New(), testSettings(), nil)

	out, err := m.Start(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Unknown incident is not an internal error: %v", err)
	}
	if out.Outcome != OutcomeNotFound || out.ErrorCode != models.CodeIncidentNotFound {
		t.Errorf("Expected not_found/INCIDENT_NOT_FOUND, got %s/%s", out.Outcome, out.ErrorCode)
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	repo := newFakeRepo()
	repo.addIncident("inc1")
	m := NewManager(repo, emptySource{}, classify.New(), testSettings(), nil)

	out, err := m.Start(context.Background(), "inc1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if out.Outcome != OutcomeAccepted || out.JobID != "inc1" {
		t.Fatalf("Expected accepted with job_id=incident_id, got %+v", out)
	}

	waitForStatus(t, repo, "inc1", models.StatusCompleted)
	if m.ActiveCount() != 0 {
		t.Errorf("Job should be released after completion")
	}
}

func TestSingleFlightConflict(t *testing.T) {
	repo := newFakeRepo()
	repo.addIncident("inc1")
	gate := newGateSource()
	m := NewManager(repo, gate, classify.New(), testSettings(), nil)

	first, err := m.Start(context.Background(), "inc1")
	if err != nil || first.Outcome != OutcomeAccepted {
		t.Fatalf("First start failed: %+v, %v", first, err)
	}

	second, err := m.Start(context.Background(), "inc1")
	if err != nil {
		t.Fatalf("Conflict is not an internal error: %v", err)
	}
	if second.Outcome != OutcomeConflict || second.ErrorCode != models.CodeAlreadyProcessing {
		t.Errorf("Expected conflict/ALREADY_PROCESSING, got %s/%s", second.Outcome, second.ErrorCode)
	}

	gate.open()
	waitForStatus(t, repo, "inc1", models.StatusCompleted)
}

func TestConflictFromPersistedRecord(t *testing.T) {
	// A restarted process has no in-memory job, but the repository still
	// shows the incident running.
	repo := newFakeRepo()
	repo.addIncident("inc1")
	_ = repo.CreateGraphRecord(context.Background(), "inc1")
	_ = repo.UpdateGraphStatus(context.Background(), "inc1", models.StatusUpdate{Status: models.StatusRunning})

	m := NewManager(repo, emptySource{}, classify.New(), testSettings(), nil)
	out, err := m.Start(context.Background(), "inc1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if out.Outcome != OutcomeConflict {
		t.Errorf("Expected conflict from persisted running record, got %s", out.Outcome)
	}
}

func TestCancelRunningJob(t *testing.T) {
	repo := newFakeRepo()
	repo.addIncident("inc1")
	gate := newGateSource()
	m := NewManager(repo, gate, classify.New(), testSettings(), nil)

	if out, _ := m.Start(context.Background(), "inc1"); out.Outcome != OutcomeAccepted {
		t.Fatalf("Start refused: %+v", out)
	}
	// Give the engine a moment to enter the blocked fetch.
	time.Sleep(50 * time.Millisecond)

	if !m.Cancel("inc1") {
		t.Fatalf("Cancel should find the active job")
	}
	waitForStatus(t, repo, "inc1", models.StatusCancelled)

	rec, _ := repo.GetGraphStatus(context.Background(), "inc1")
	if rec.ErrorCode != models.CodeJobCancelled {
		t.Errorf("Expected JOB_CANCELLED, got %s", rec.ErrorCode)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	m := NewManager(newFakeRepo(), emptySource{}, classify.New(), testSettings(), nil)
	if m.Cancel("nope") {
		t.Errorf("Cancel must report false for unknown jobs")
	}
}

func TestShutdownDrainsJobs(t *testing.T) {
	repo := newFakeRepo()
	repo.addIncident("inc1")
	gate := newGateSource()
	m := NewManager(repo, gate, classify.New(), testSettings(), nil)

	if out, _ := m.Start(context.Background(), "inc1"); out.Outcome != OutcomeAccepted {
		t.Fatalf("Start refused: %+v", out)
	}
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Shutdown(ctx)

	if m.ActiveCount() != 0 {
		t.Errorf("Shutdown should drain all jobs, %d left", m.ActiveCount())
	}
	waitForStatus(t, repo, "inc1", models.StatusCancelled)
}

func TestStatusNotFound(t *testing.T) {
	m := NewManager(newFakeRepo(), emptySource{}, classify.New(), testSettings(), nil)
	view, err := m.Status(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view != nil {
		t.Errorf("Expected nil view for missing record")
	}
}

func TestStatusETAWhileRunning(t *testing.T) {
	repo := newFakeRepo()
	repo.addIncident("inc1")
	_ = repo.CreateGraphRecord(context.Background(), "inc1")
	progress := 50
	_ = repo.UpdateGraphStatus(context.Background(), "inc1", models.StatusUpdate{
		Status:   models.StatusRunning,
		Progress: &progress,
	})

	m := NewManager(repo, emptySource{}, classify.New(), testSettings(), nil)
	view, err := m.Status(context.Background(), "inc1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.EstimatedSecondsRemaining == nil {
		t.Fatalf("Running job with progress should carry an ETA")
	}
	if *view.EstimatedSecondsRemaining < 0 {
		t.Errorf("ETA must be non-negative, got %v", *view.EstimatedSecondsRemaining)
	}
}

func TestActiveCountIgnoresReservations(t *testing.T) {
	// A start waiting out the rate floor holds a nil placeholder in the
	// active map; it is not a running job yet.
	m := NewManager(newFakeRepo(), emptySource{}, classify.New(), testSettings(), nil)

	m.mu.Lock()
	m.active["inc1"] = nil
	m.mu.Unlock()

	if got := m.ActiveCount(); got != 0 {
		t.Errorf("Reservation counted as active job: %d", got)
	}
	if got := m.Stats()["activeJobs"].(int); got != 0 {
		t.Errorf("Stats counted reservation as active job: %d", got)
	}
}

func TestStartRateFloor(t *testing.T) {
	repo := newFakeRepo()
	repo.addIncident("inc1")
	repo.addIncident("inc2")
	settings := testSettings()
	settings.MinJobInterval = 100 * time.Millisecond
	m := NewManager(repo, emptySource{}, classify.New(), settings, nil)

	begin := time.Now()
	if out, _ := m.Start(context.Background(), "inc1"); out.Outcome != OutcomeAccepted {
		t.Fatalf("First start refused: %+v", out)
	}
	if out, _ := m.Start(context.Background(), "inc2"); out.Outcome != OutcomeAccepted {
		t.Fatalf("Second start refused: %+v", out)
	}
	if elapsed := time.Since(begin); elapsed < 100*time.Millisecond {
		t.Errorf("Second start should wait out the rate floor, elapsed %v", elapsed)
	}

	waitForStatus(t, repo, "inc1", models.StatusCompleted)
	waitForStatus(t, repo, "inc2", models.StatusCompleted)
}
