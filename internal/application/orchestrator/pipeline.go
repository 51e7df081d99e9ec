package orchestrator

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

// Observer receives a structured copy of what a pipeline run emits
type Observer interface {
	OnState(state domain.ProcessingState)
	OnGraph(graph *domain.ExecutionGraph)
	OnProgress(event domain.ProgressEvent)
	OnAnswer(chunk string)
}

type nopObserver struct{}

func (nopObserver) OnState(domain.ProcessingState)   {}
func (nopObserver) OnGraph(*domain.ExecutionGraph)   {}
func (nopObserver) OnProgress(domain.ProgressEvent) {}
func (nopObserver) OnAnswer(string)                 {}

// errConsumerStopped ends a run whose caller stopped reading the stream
var errConsumerStopped = errors.New("stream consumer stopped iteration")

// Pipeline turns one user request into a finished answer: plan, validate,
// execute, summarize. An instance serves one run at a time and is reusable.
type Pipeline struct {
	collaborator ports.Collaborator
	coordinator  *Coordinator
	validator    *Validator
	metrics      ports.MetricsCollector
	observer     Observer
	logger       *zap.Logger

	mu        sync.Mutex
	state     domain.ProcessingState
	cancelRun context.CancelFunc

	running   atomic.Bool
	cancelled atomic.Bool
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithObserver attaches an observer to every run
func WithObserver(o Observer) PipelineOption {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithPipelineMetrics sets the metrics collector
func WithPipelineMetrics(m ports.MetricsCollector) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// NewPipeline creates a new plan pipeline
func NewPipeline(collaborator ports.Collaborator, coordinator *Coordinator, validator *Validator, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		collaborator: collaborator,
		coordinator:  coordinator,
		validator:    validator,
		metrics:      ports.NopMetrics{},
		observer:     nopObserver{},
		logger:       logger,
		state:        domain.ProcessingStateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the current processing state
func (p *Pipeline) State() domain.ProcessingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Inflight returns the number of tasks of the current run still executing
func (p *Pipeline) Inflight() int {
	return p.coordinator.Inflight()
}

// ShouldUseThisMode reports whether message looks complex enough for plan mode
func (p *Pipeline) ShouldUseThisMode(message string) bool {
	return ShouldUseThisMode(message)
}

// Cancel cooperatively cancels the current run: the planning call, the graph
// execution and the summarization call. It is a no-op when nothing is running.
func (p *Pipeline) Cancel() {
	if !p.running.Load() {
		return
	}
	p.cancelled.Store(true)

	p.mu.Lock()
	cancel := p.cancelRun
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.coordinator.Cancel()
}

// Run executes the full pipeline and streams the output protocol: <log> and
// <error> markers, the <plan> block with the graph and task updates, then the
// final answer text. When planning fails the stream ends with an <error> and
// the state returns to idle so the caller can fall back to ordinary handling.
func (p *Pipeline) Run(ctx context.Context, userMessage string, history []domain.Message, limits domain.Limits) iter.Seq[string] {
	return func(yield func(string) bool) {
		if !p.running.CompareAndSwap(false, true) {
			yield(domain.ErrorMarker("plan mode is already running"))
			return
		}

		p.cancelled.Store(false)
		p.coordinator.Reset()
		runCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.cancelRun = cancel
		p.mu.Unlock()

		defer func() {
			cancel()
			p.mu.Lock()
			p.cancelRun = nil
			p.mu.Unlock()
			if p.State() == domain.ProcessingStateProcessing {
				p.setState(domain.ProcessingStateIdle)
			}
			p.cancelled.Store(false)
			p.coordinator.Reset()
			p.running.Store(false)
		}()

		stopped, inYield := false, false
		emit := func(chunk string) error {
			if stopped {
				return errConsumerStopped
			}
			inYield = true
			ok := yield(chunk)
			inYield = false
			if !ok {
				stopped = true
				cancel()
				return errConsumerStopped
			}
			return nil
		}

		defer func() {
			if r := recover(); r != nil {
				if inYield {
					panic(r)
				}
				p.logger.Error("plan mode panicked", zap.Any("panic", r))
				_ = emit(domain.ErrorMarker("plan mode failed: internal error"))
				p.setState(domain.ProcessingStateIdle)
			}
		}()

		req := RequestContext{UserMessage: userMessage, History: history, Limits: limits}
		if err := p.run(runCtx, req, emit); err != nil {
			p.setState(domain.ProcessingStateIdle)
			if errors.Is(err, errConsumerStopped) {
				p.logger.Info("plan mode stream abandoned by consumer")
				return
			}
			if p.cancelled.Load() || runCtx.Err() != nil {
				p.logger.Info("plan mode cancelled")
				_ = emit(domain.LogMarker("plan mode cancelled"))
				return
			}
			p.logger.Warn("plan mode aborted", zap.Error(err))
			return
		}
		p.setState(domain.ProcessingStateCompleted)
	}
}

// errCancelled marks a run that stopped because cancellation was observed
var errCancelled = errors.New("plan mode cancelled")

func (p *Pipeline) run(ctx context.Context, req RequestContext, emit func(string) error) error {
	p.setState(domain.ProcessingStateProcessing)
	if err := p.emitLog(emit, "plan mode started"); err != nil {
		return err
	}

	graph, err := p.plan(ctx, req)
	if err != nil {
		if p.cancelled.Load() || ctx.Err() != nil {
			return errCancelled
		}
		if emitErr := p.emitError(emit, err.Error()); emitErr != nil {
			return emitErr
		}
		return err
	}
	p.observer.OnGraph(graph)

	graphJSON, err := graph.Encode()
	if err != nil {
		return err
	}
	if err := emit(domain.PlanOpenMarker); err != nil {
		return err
	}
	if err := emit(domain.GraphMarker(graphJSON)); err != nil {
		return err
	}

	var fatal *domain.ProgressEvent
	for ev := range p.coordinator.ExecuteGraph(ctx, graph, req) {
		p.observer.OnProgress(ev)
		if err := emit(ev.Marker()); err != nil {
			return err
		}
		if ev.Kind == domain.ProgressError {
			e := ev
			fatal = &e
		}
	}
	if err := emit(domain.PlanCloseMarker); err != nil {
		return err
	}

	if p.cancelled.Load() || ctx.Err() != nil {
		return errCancelled
	}
	if fatal != nil {
		return &domain.GraphStructureError{Message: fatal.Message}
	}

	if err := p.emitLog(emit, "all tasks finished, summarizing"); err != nil {
		return err
	}

	for chunk, err := range p.coordinator.Summarize(ctx, graph, req) {
		if err != nil {
			if p.cancelled.Load() || ctx.Err() != nil {
				return errCancelled
			}
			if emitErr := p.emitError(emit, err.Error()); emitErr != nil {
				return emitErr
			}
			return err
		}
		p.observer.OnAnswer(chunk)
		if err := emit(chunk); err != nil {
			return err
		}
	}

	if p.cancelled.Load() || ctx.Err() != nil {
		return errCancelled
	}
	return nil
}

// plan asks the collaborator for a graph in a fresh, history-free request
func (p *Pipeline) plan(ctx context.Context, req RequestContext) (*domain.ExecutionGraph, error) {
	genReq := ports.GenerateRequest{
		SystemPrompt: planningSystemPrompt,
		Instruction:  planningInstruction(req.UserMessage),
		Limits:       req.Limits,
		OnWarning: func(msg string) {
			p.logger.Warn("collaborator warning during planning", zap.String("warning", msg))
		},
	}

	start := time.Now()
	var out strings.Builder
	for chunk, err := range p.collaborator.Generate(ctx, genReq) {
		if err != nil {
			p.metrics.RecordCollaboratorCall("plan", "error", time.Since(start))
			return nil, &domain.PlanGenerationError{Reason: "collaborator call failed", Err: err}
		}
		out.WriteString(chunk)
	}
	p.metrics.RecordCollaboratorCall("plan", "ok", time.Since(start))

	parsed := ParsePlan(out.String(), p.validator)
	if parsed.Kind != Parsed {
		p.logger.Warn("planner output rejected",
			zap.String("outcome", parsed.Kind.String()),
			zap.String("reason", parsed.Reason))
		return nil, parsed.Err()
	}

	p.logger.Info("plan ready", zap.Int("tasks", len(parsed.Graph.Tasks)))
	return parsed.Graph, nil
}

func (p *Pipeline) emitLog(emit func(string) error, msg string) error {
	ev := domain.LogEvent("%s", msg)
	p.observer.OnProgress(ev)
	return emit(ev.Marker())
}

func (p *Pipeline) emitError(emit func(string) error, msg string) error {
	ev := domain.ErrorEvent("%s", msg)
	p.observer.OnProgress(ev)
	return emit(ev.Marker())
}

func (p *Pipeline) setState(state domain.ProcessingState) {
	p.mu.Lock()
	changed := p.state != state
	p.state = state
	p.mu.Unlock()
	if changed {
		p.observer.OnState(state)
	}
}
