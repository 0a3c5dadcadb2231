package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rawblock/trace-engine/internal/classify"
	"github.com/rawblock/trace-engine/internal/config"
	"github.com/rawblock/trace-engine/internal/graph"
	"github.com/rawblock/trace-engine/pkg/models"
)

// Job Controller
//
// One job per incident, job_id ≡ incident_id. The controller enforces
// single-flight and the start rate floor, drives each engine under the
// wall deadline, and persists the outcomes the engine does not persist
// itself (cancellation).

// Start outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeConflict = "conflict"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Extra headroom on the supervisory context so the engine's own
// deadline check fires first and labels the run a timeout.
const deadlineGrace = 5 * time.Second

// StartOutcome is the controller's answer to a start request.
type StartOutcome struct {
	Outcome          string `json:"outcome"`
	JobID            string `json:"jobId,omitempty"`
	Message          string `json:"message,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	EstimatedSeconds int    `json:"estimatedSeconds,omitempty"`
}

// StatusView is the persisted record augmented with an extrapolated
// completion estimate while the job is running.
type StatusView struct {
	models.GraphStatus
	EstimatedSecondsRemaining *float64 `json:"estimatedSecondsRemaining,omitempty"`
}

type job struct {
	incidentID string
	engine     *graph.Engine
	cancel     context.CancelFunc
	startedAt  time.Time
	done       chan struct{}
}

// Manager owns all running jobs for this process.
type Manager struct {
	repo       graph.Repository
	source     graph.TxSource
	classifier *classify.Classifier
	settings   *config.Settings
	progressFn func(graph.ProgressEvent)

	mu        sync.Mutex
	active    map[string]*job
	lastStart time.Time

	started   int64
	completed int64
	failed    int64
	cancelled int64
}

// NewManager builds a job controller. progressFn may be nil.
func NewManager(repo graph.Repository, source graph.TxSource, classifier *classify.Classifier, settings *config.Settings, progressFn func(graph.ProgressEvent)) *Manager {
	return &Manager{
		repo:       repo,
		source:     source,
		classifier: classifier,
		settings:   settings,
		progressFn: progressFn,
		active:     make(map[string]*job),
	}
}

// Start validates and launches a trace for the incident. The engine
// runs in its own goroutine under the wall deadline; Start returns as
// soon as the job is accepted.
func (m *Manager) Start(ctx context.Context, incidentID string) (*StartOutcome, error) {
	incident, err := m.repo.GetIncident(ctx, incidentID)
	if err != nil {
		return &StartOutcome{Outcome: OutcomeError, ErrorCode: models.CodeInternalError, Message: err.Error()}, err
	}
	if incident == nil {
		return &StartOutcome{
			Outcome:   OutcomeNotFound,
			ErrorCode: models.CodeIncidentNotFound,
			Message:   fmt.Sprintf("Incident %s not found", incidentID),
		}, nil
	}

	if out := m.reserve(ctx, incidentID); out != nil {
		return out, nil
	}

	if err := m.repo.CreateGraphRecord(ctx, incidentID); err != nil {
		m.release(incidentID)
		return &StartOutcome{Outcome: OutcomeError, ErrorCode: models.CodeInternalError, Message: err.Error()}, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), m.settings.WallDeadline+deadlineGrace)
	engine := graph.NewEngine(incidentID, m.repo, m.source, m.classifier, m.settings.Limits(), m.progressFn)

	j := &job{
		incidentID: incidentID,
		engine:     engine,
		cancel:     cancel,
		startedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	m.mu.Lock()
	m.active[incidentID] = j
	m.started++
	m.mu.Unlock()

	go m.run(runCtx, j)

	log.Printf("[Jobs] Accepted job %s", incidentID)
	return &StartOutcome{
		Outcome:          OutcomeAccepted,
		JobID:            incidentID,
		Message:          "Graph processing started",
		EstimatedSeconds: int(m.settings.WallDeadline.Seconds()),
	}, nil
}

// reserve applies the single-flight check and the start rate floor,
// holding a placeholder in the active map on success. Returns a
// non-nil outcome when the start must be refused.
func (m *Manager) reserve(ctx context.Context, incidentID string) *StartOutcome {
	m.mu.Lock()
	if _, running := m.active[incidentID]; running {
		m.mu.Unlock()
		return &StartOutcome{
			Outcome:   OutcomeConflict,
			JobID:     incidentID,
			ErrorCode: models.CodeAlreadyProcessing,
			Message:   fmt.Sprintf("Job %s is already processing", incidentID),
		}
	}
	// Placeholder blocks concurrent starts for the same incident while
	// we consult the repository and wait out the rate floor.
	m.active[incidentID] = nil
	wait := m.settings.MinJobInterval - time.Since(m.lastStart)
	m.lastStart = time.Now()
	if wait > 0 {
		m.lastStart = m.lastStart.Add(wait)
	}
	m.mu.Unlock()

	// A restarted process may have no in-memory job while the repository
	// still shows one in flight.
	status, err := m.repo.GetGraphStatus(ctx, incidentID)
	if err == nil && status != nil &&
		(status.Status == models.StatusPending || status.Status == models.StatusRunning) {
		m.release(incidentID)
		return &StartOutcome{
			Outcome:   OutcomeConflict,
			JobID:     incidentID,
			ErrorCode: models.CodeAlreadyProcessing,
			Message:   fmt.Sprintf("Job %s is already processing", incidentID),
		}
	}

	if wait > 0 {
		select {
		case <-ctx.Done():
			m.release(incidentID)
			return &StartOutcome{Outcome: OutcomeError, ErrorCode: models.CodeInternalError, Message: ctx.Err().Error()}
		case <-time.After(wait):
		}
	}
	return nil
}

func (m *Manager) release(incidentID string) {
	m.mu.Lock()
	delete(m.active, incidentID)
	m.mu.Unlock()
}

// run supervises one engine to completion.
func (m *Manager) run(ctx context.Context, j *job) {
	defer close(j.done)
	defer j.cancel()
	defer m.release(j.incidentID)

	result, err := j.engine.Run(ctx)

	m.mu.Lock()
	switch result.Status {
	case models.StatusCompleted:
		m.completed++
	case models.StatusCancelled:
		m.cancelled++
	default:
		m.failed++
	}
	m.mu.Unlock()

	// The engine persists completed, timeout, and error outcomes itself;
	// cancellation is persisted here because the engine's run context is
	// already dead by then.
	if result.Status == models.StatusCancelled {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		code := models.CodeJobCancelled
		msg := "Job was cancelled"
		upd := models.StatusUpdate{
			Status:         models.StatusCancelled,
			ErrorMessage:   &msg,
			ErrorCode:      &code,
			PartialResults: result.Partial,
		}
		if err := m.repo.UpdateGraphStatus(persistCtx, j.incidentID, upd); err != nil {
			log.Printf("[Jobs] Failed to persist cancellation for %s: %v", j.incidentID, err)
		}
	}

	if err != nil {
		log.Printf("[Jobs] Job %s finished with status %s: %v", j.incidentID, result.Status, err)
		return
	}
	log.Printf("[Jobs] Job %s finished with status %s", j.incidentID, result.Status)
}

// Cancel stops a running job cooperatively. Returns false when no such
// job is active.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	j := m.active[jobID]
	m.mu.Unlock()
	if j == nil {
		return false
	}
	log.Printf("[Jobs] Cancelling job %s", jobID)
	j.cancel()
	return true
}

// Shutdown cancels every active job for process exit. Engines skip
// post-processing and persist partial results directly. Blocks until
// all jobs drain or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.active))
	for _, j := range m.active {
		if j != nil {
			jobs = append(jobs, j)
		}
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.engine.SkipPostProcessOnCancel()
		j.cancel()
	}
	for _, j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			log.Printf("[Jobs] Shutdown timed out waiting for job %s", j.incidentID)
			return
		}
	}
	if len(jobs) > 0 {
		log.Printf("[Jobs] Shutdown drained %d active jobs", len(jobs))
	}
}

// Status returns the persisted record, augmented with a linear
// completion estimate while the job is running. Returns (nil, nil)
// when no record exists.
func (m *Manager) Status(ctx context.Context, jobID string) (*StatusView, error) {
	record, err := m.repo.GetGraphStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	view := &StatusView{GraphStatus: *record}
	if record.Status != models.StatusRunning || record.ProgressPercentage <= 0 {
		return view, nil
	}

	elapsed := time.Since(record.CreatedAt).Seconds()
	m.mu.Lock()
	if j := m.active[jobID]; j != nil {
		elapsed = time.Since(j.startedAt).Seconds()
	}
	m.mu.Unlock()

	remaining := elapsed / float64(record.ProgressPercentage) * float64(100-record.ProgressPercentage)
	view.EstimatedSecondsRemaining = &remaining
	return view, nil
}

// ActiveCount reports how many jobs are currently in flight. Reserve
// placeholders for starts still being validated do not count.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() int {
	n := 0
	for _, j := range m.active {
		if j != nil {
			n++
		}
	}
	return n
}

// Stats summarizes controller activity for the monitoring surface.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"activeJobs": m.runningLocked(),
		"started":    m.started,
		"completed":  m.completed,
		"failed":     m.failed,
		"cancelled":  m.cancelled,
	}
}
