package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

var (
	// ErrRunNotFound is returned for an unknown run id
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned when cancelling a run that already ended
	ErrRunFinished = errors.New("run already finished")
	// ErrTooManyRuns is returned when every run slot is taken
	ErrTooManyRuns = errors.New("too many active runs")
)

// Run outcomes reported in run.finished events and metrics
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
)

// PipelineFactory builds a fresh pipeline reporting to observer
type PipelineFactory func(observer Observer) *Pipeline

// RunRequest is one plan-mode request submitted to the manager
type RunRequest struct {
	Message string
	History []domain.Message
	Limits  domain.Limits
}

// Manager owns every active pipeline run of the service
type Manager struct {
	newPipeline PipelineFactory
	eventBus    ports.EventBus
	storage     ports.SnapshotStore
	metrics     ports.MetricsCollector
	logger      *zap.Logger

	// Track active runs
	runs   sync.Map // map[string]*activeRun
	active atomic.Int64
	wg     sync.WaitGroup

	// Configuration
	maxRuns          int
	runTimeout       time.Duration
	minMessageLength int
	defaults         domain.Limits
}

// activeRun holds state for a single run
type activeRun struct {
	id        string
	pipeline  *Pipeline
	recorder  *runRecorder
	cancel    context.CancelFunc
	startedAt time.Time
	cancelled atomic.Bool
	claimed   atomic.Bool
}

// claim reports whether the caller is the one that gets to drive the run
func (r *activeRun) claim() bool {
	return r.claimed.CompareAndSwap(false, true)
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithMaxActiveRuns caps concurrent runs. Zero or less means unbounded.
func WithMaxActiveRuns(n int) ManagerOption {
	return func(m *Manager) {
		m.maxRuns = n
	}
}

// WithRunTimeout bounds the wall-clock time of one run
func WithRunTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.runTimeout = d
	}
}

// WithMinMessageLength sets the length threshold used by Advise
func WithMinMessageLength(n int) ManagerOption {
	return func(m *Manager) {
		m.minMessageLength = n
	}
}

// WithDefaultLimits fills the zero fields of every request's limits
func WithDefaultLimits(l domain.Limits) ManagerOption {
	return func(m *Manager) {
		m.defaults = l
	}
}

// NewManager creates a new run manager
func NewManager(
	newPipeline PipelineFactory,
	eventBus ports.EventBus,
	storage ports.SnapshotStore,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		newPipeline:      newPipeline,
		eventBus:         eventBus,
		storage:          storage,
		metrics:          metrics,
		logger:           logger,
		minMessageLength: DefaultMinMessageLength,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Stream starts a run bound to ctx and returns its id and output stream. The
// stream is single-use: ranging it again only yields an <error>. A stream that
// is never ranged holds its run slot until the run context ends through ctx,
// the run timeout or CancelRun.
func (m *Manager) Stream(ctx context.Context, req RunRequest) (string, iter.Seq[string], error) {
	run, runCtx, err := m.begin(ctx, req)
	if err != nil {
		return "", nil, err
	}

	context.AfterFunc(runCtx, func() {
		if run.claim() {
			m.logger.Warn("run stream was never consumed", zap.String("run_id", run.id))
			m.finish(runCtx, run)
		}
	})

	seq := func(yield func(string) bool) {
		if !run.claim() {
			yield(domain.ErrorMarker("run stream already consumed"))
			return
		}
		m.execute(runCtx, run, req, yield)
	}
	return run.id, seq, nil
}

// Start launches a run in the background and returns its id
func (m *Manager) Start(req RunRequest) (string, error) {
	run, runCtx, err := m.begin(context.Background(), req)
	if err != nil {
		return "", err
	}

	run.claim()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(runCtx, run, req, nil)
	}()
	return run.id, nil
}

func (m *Manager) begin(ctx context.Context, req RunRequest) (*activeRun, context.Context, error) {
	if n := m.active.Add(1); m.maxRuns > 0 && n > int64(m.maxRuns) {
		m.active.Add(-1)
		m.logger.Warn("run rejected, all slots busy", zap.Int("max_runs", m.maxRuns))
		return nil, nil, ErrTooManyRuns
	}

	runID := uuid.New().String()
	recorder := newRunRecorder(runID, req.Message, m.eventBus, m.storage, m.logger)

	var runCtx context.Context
	var cancel context.CancelFunc
	if m.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.runTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	run := &activeRun{
		id:        runID,
		pipeline:  m.newPipeline(recorder),
		recorder:  recorder,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	m.runs.Store(runID, run)

	recorder.started()
	m.metrics.RecordRunStarted()
	m.metrics.SetActiveRuns(int(m.active.Load()))
	m.logger.Info("run started",
		zap.String("run_id", runID),
		zap.Int("message_length", len(req.Message)))

	return run, runCtx, nil
}

// execute drives the pipeline to its end, forwarding output to yield when set
func (m *Manager) execute(ctx context.Context, run *activeRun, req RunRequest, yield func(string) bool) {
	defer m.finish(ctx, run)

	limits := m.withDefaults(req.Limits)
	for chunk := range run.pipeline.Run(ctx, req.Message, req.History, limits) {
		if yield != nil && !yield(chunk) {
			return
		}
	}
}

func (m *Manager) finish(ctx context.Context, run *activeRun) {
	defer func() {
		run.cancel()
		m.runs.Delete(run.id)
		m.metrics.SetActiveRuns(int(m.active.Add(-1)))
	}()

	var errMsg string
	outcome := OutcomeFailed
	switch {
	case run.cancelled.Load():
		outcome = OutcomeCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
		errMsg = fmt.Sprintf("run timed out after %s", m.runTimeout)
	case run.pipeline.State() == domain.ProcessingStateCompleted:
		outcome = OutcomeCompleted
	case ctx.Err() != nil:
		outcome = OutcomeCancelled
	}

	duration := time.Since(run.startedAt)
	run.recorder.finished(outcome, outcome == OutcomeCancelled, errMsg)
	m.metrics.RecordRunFinished(outcome, duration)
	m.logger.Info("run finished",
		zap.String("run_id", run.id),
		zap.String("outcome", outcome),
		zap.Duration("duration", duration))
}

// GetStatus retrieves the current snapshot of a run
func (m *Manager) GetStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error) {
	if val, ok := m.runs.Load(runID); ok {
		return val.(*activeRun).recorder.Snapshot(), nil
	}

	snap, err := m.storage.GetSnapshot(ctx, runID)
	if err != nil {
		if errors.Is(err, ports.ErrSnapshotNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}

// CancelRun cancels an active run
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	val, ok := m.runs.Load(runID)
	if !ok {
		snap, err := m.storage.GetSnapshot(ctx, runID)
		if err == nil && snap.Finished() {
			return fmt.Errorf("%w: %s", ErrRunFinished, runID)
		}
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	run := val.(*activeRun)
	run.cancelled.Store(true)
	run.pipeline.Cancel()
	run.cancel()

	m.logger.Info("run cancellation requested", zap.String("run_id", runID))
	return nil
}

// Advise reports whether message looks complex enough for plan mode
func (m *Manager) Advise(message string) bool {
	return shouldUsePlanMode(message, m.minMessageLength)
}

// ActiveRuns returns the number of runs in progress
func (m *Manager) ActiveRuns() int {
	return int(m.active.Load())
}

// InflightTasks returns the number of tasks executing across all runs
func (m *Manager) InflightTasks() int {
	total := 0
	m.runs.Range(func(_, value interface{}) bool {
		total += value.(*activeRun).pipeline.Inflight()
		return true
	})
	return total
}

// Shutdown cancels every active run and waits for background runs to end
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down run manager")

	m.runs.Range(func(_, value interface{}) bool {
		run := value.(*activeRun)
		run.cancelled.Store(true)
		run.pipeline.Cancel()
		run.cancel()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("run manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}
}

func (m *Manager) withDefaults(l domain.Limits) domain.Limits {
	if l.Model == "" {
		l.Model = m.defaults.Model
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = m.defaults.MaxTokens
	}
	if l.Temperature == 0 {
		l.Temperature = m.defaults.Temperature
	}
	return l
}
