package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishichengju/planmode/internal/application/workers"
	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	cancelledPlaceholder = "task cancelled"
	failedPlaceholder    = "task execution failed: "
	deadlockMessage      = "no executable task: dependency problem"
)

// TaskRunner executes one assembled task instruction
type TaskRunner interface {
	Run(ctx context.Context, taskID, instruction string, limits domain.Limits) (string, error)
}

// RequestContext is what a run knows about the request being planned
type RequestContext struct {
	UserMessage string
	// History is only sent with the summarization call
	History []domain.Message
	Limits  domain.Limits
}

// Coordinator executes a validated graph wave by wave. A coordinator runs one
// graph at a time; call Reset before reusing it for another run.
type Coordinator struct {
	runner         TaskRunner
	collaborator   ports.Collaborator
	metrics        ports.MetricsCollector
	logger         *zap.Logger
	maxConcurrency int
	registry       *workers.Registry

	// results is the only state shared between task goroutines
	mu      sync.Mutex
	results map[string]string

	cancelled atomic.Bool
	runMu     sync.Mutex
	runCancel context.CancelFunc
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithMaxConcurrency caps how many tasks of one wave run at the same time.
// Zero or less means every ready task runs at once.
func WithMaxConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) {
		c.maxConcurrency = n
	}
}

// WithCoordinatorMetrics sets the metrics collector
func WithCoordinatorMetrics(m ports.MetricsCollector) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a new execution coordinator. runner executes tasks;
// collaborator is used for summarization.
func NewCoordinator(runner TaskRunner, collaborator ports.Collaborator, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		runner:       runner,
		collaborator: collaborator,
		metrics:      ports.NopMetrics{},
		logger:       logger,
		registry:     workers.NewRegistry(),
		results:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteGraph runs graph to completion and streams progress. The sequence is
// lazy and single-consumer: nothing runs until it is ranged over, and stopping
// the range cancels the remaining work.
func (c *Coordinator) ExecuteGraph(ctx context.Context, graph *domain.ExecutionGraph, req RequestContext) iter.Seq[domain.ProgressEvent] {
	return func(yield func(domain.ProgressEvent) bool) {
		runCtx, cancel := c.beginRun(ctx, true)
		defer func() {
			cancel()
			c.registry.Clear()
			c.endRun()
		}()

		stopped, inYield := false, false
		emit := func(ev domain.ProgressEvent) bool {
			if stopped {
				return false
			}
			inYield = true
			ok := yield(ev)
			inYield = false
			if !ok {
				stopped = true
				cancel()
			}
			return !stopped
		}

		defer func() {
			if r := recover(); r != nil {
				if inYield {
					panic(r)
				}
				c.logger.Error("graph execution aborted", zap.Any("panic", r))
				emit(domain.ErrorEvent("graph execution aborted: internal error"))
			}
		}()

		c.mu.Lock()
		c.results = make(map[string]string, len(graph.Tasks))
		c.mu.Unlock()

		pending := append([]domain.TaskNode(nil), graph.Tasks...)
		completed := make(map[string]bool, len(graph.Tasks))

		for wave := 1; len(pending) > 0; wave++ {
			if c.cancelled.Load() || runCtx.Err() != nil {
				c.logger.Info("graph execution cancelled",
					zap.Int("wave", wave),
					zap.Int("pending", len(pending)))
				return
			}

			ready, rest := splitReady(pending, completed)
			if len(ready) == 0 {
				c.logger.Error("graph execution deadlocked",
					zap.Int("wave", wave),
					zap.Int("pending", len(pending)))
				emit(domain.ErrorEvent(deadlockMessage))
				return
			}

			c.logger.Info("starting wave",
				zap.Int("wave", wave),
				zap.Int("tasks", len(ready)))
			c.metrics.RecordWave(len(ready))

			for _, t := range ready {
				if !emit(domain.UpdateEvent(t.ID, domain.TaskStatusInProgress)) {
					return
				}
			}

			c.runWave(runCtx, ready, req, emit)
			if stopped {
				return
			}

			// failed tasks count as done so their dependents still run
			for _, t := range ready {
				completed[t.ID] = true
			}
			pending = rest
		}
	}
}

// runWave dispatches every ready task and forwards terminal events until all
// of them have finished.
func (c *Coordinator) runWave(ctx context.Context, ready []domain.TaskNode, req RequestContext, emit func(domain.ProgressEvent) bool) {
	events := make(chan domain.ProgressEvent, len(ready))

	p := pool.New()
	if c.maxConcurrency > 0 {
		p = p.WithMaxGoroutines(c.maxConcurrency)
	}

	go func() {
		for _, t := range ready {
			p.Go(func() {
				events <- c.executeTask(ctx, t, req)
			})
		}
		p.Wait()
		close(events)
	}()

	// keep draining after the consumer stops so every goroutine can exit
	for ev := range events {
		emit(ev)
	}
}

// executeTask runs one task and stores its result or placeholder. Every
// failure, including a panic anywhere on the task goroutine, ends here as a
// FAILED event.
func (c *Coordinator) executeTask(ctx context.Context, t domain.TaskNode, req RequestContext) (ev domain.ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("panic: %v", r)
			c.store(t.ID, failedPlaceholder+reason)
			c.logger.Error("task goroutine panicked",
				zap.String("task_id", t.ID),
				zap.Any("panic", r))
			ev = domain.FailedEvent(t.ID, reason)
		}
	}()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registry.Track(t.ID, cancel)
	defer c.registry.Untrack(t.ID)

	start := time.Now()
	result, err := c.runTask(taskCtx, t, req)
	duration := time.Since(start)

	if err != nil {
		reason, placeholder := failureText(err)
		c.store(t.ID, placeholder)
		c.metrics.RecordTask(string(domain.TaskStatusFailed), duration)
		c.logger.Warn("task failed",
			zap.String("task_id", t.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return domain.FailedEvent(t.ID, reason)
	}

	c.store(t.ID, result)
	c.metrics.RecordTask(string(domain.TaskStatusCompleted), duration)
	c.logger.Info("task completed",
		zap.String("task_id", t.ID),
		zap.Duration("duration", duration))
	return domain.UpdateEvent(t.ID, domain.TaskStatusCompleted)
}

func (c *Coordinator) runTask(ctx context.Context, t domain.TaskNode, req RequestContext) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.TaskError{TaskID: t.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if c.cancelled.Load() {
		return "", &domain.TaskError{TaskID: t.ID, Err: domain.ErrTaskCancelled}
	}
	return c.runner.Run(ctx, t.ID, c.buildInstruction(t, req), req.Limits)
}

// buildInstruction assembles the self-contained instruction for one task from
// the original request, the task name, the stored results of its dependencies
// and the task's own instruction.
func (c *Coordinator) buildInstruction(t domain.TaskNode, req RequestContext) string {
	var b strings.Builder
	b.WriteString("Original request: ")
	b.WriteString(req.UserMessage)
	b.WriteString("\n\nCurrent task: ")
	b.WriteString(t.Name)
	b.WriteString("\n")

	c.mu.Lock()
	var deps []string
	for _, dep := range t.Dependencies {
		if res, ok := c.results[dep]; ok {
			deps = append(deps, fmt.Sprintf("task %s result: %s", dep, res))
		}
	}
	c.mu.Unlock()

	if len(deps) > 0 {
		b.WriteString("\nResults of prerequisite tasks:\n")
		for _, line := range deps {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nInstruction: ")
	b.WriteString(t.Instruction)
	return b.String()
}

// Summarize streams the final answer synthesized from the leaf tasks' results.
// Unlike task calls, it carries the main conversation history.
func (c *Coordinator) Summarize(ctx context.Context, graph *domain.ExecutionGraph, req RequestContext) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		sumCtx, cancel := c.beginRun(ctx, false)
		defer func() {
			cancel()
			c.endRun()
		}()

		if c.cancelled.Load() {
			yield("", &domain.SummarizationError{Err: context.Canceled})
			return
		}

		genReq := ports.GenerateRequest{
			Instruction: c.summaryInstruction(graph, req),
			History:     req.History,
			Limits:      req.Limits,
			OnWarning: func(msg string) {
				c.logger.Warn("collaborator warning during summarization", zap.String("warning", msg))
			},
		}

		start := time.Now()
		for chunk, err := range c.collaborator.Generate(sumCtx, genReq) {
			if err != nil {
				c.metrics.RecordCollaboratorCall("summarize", "error", time.Since(start))
				yield("", &domain.SummarizationError{Err: err})
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
		c.metrics.RecordCollaboratorCall("summarize", "ok", time.Since(start))
	}
}

func (c *Coordinator) summaryInstruction(graph *domain.ExecutionGraph, req RequestContext) string {
	var b strings.Builder
	b.WriteString("Original request: ")
	b.WriteString(req.UserMessage)
	b.WriteString("\n\nResults of the completed tasks:\n")
	b.WriteString(c.SummaryContext(graph))
	b.WriteString("\nInstruction: ")
	b.WriteString(graph.FinalSummaryInstruction)
	return b.String()
}

// SummaryContext lists the name and stored result of every leaf task, or of
// every task when the graph has no leaf.
func (c *Coordinator) SummaryContext(graph *domain.ExecutionGraph) string {
	tasks := graph.LeafTasks()
	if len(tasks) == 0 {
		tasks = graph.Tasks
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	for _, t := range tasks {
		res, ok := c.results[t.ID]
		if !ok {
			res = "(no result)"
		}
		fmt.Fprintf(&b, "task %s (%s) result: %s\n", t.ID, t.Name, res)
	}
	return b.String()
}

// Cancel requests cooperative cancellation of the current run: no further wave
// starts and every in-flight task is signalled. It is idempotent, and a no-op
// when neither a graph nor a summarization is running.
func (c *Coordinator) Cancel() {
	c.runMu.Lock()
	cancel := c.runCancel
	if cancel != nil {
		c.cancelled.Store(true)
	}
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	if n := c.registry.CancelAll(); n > 0 {
		c.logger.Info("cancelled in-flight tasks", zap.Int("count", n))
	}
}

// Cancelled reports whether the current or last graph run was cancelled
func (c *Coordinator) Cancelled() bool {
	return c.cancelled.Load()
}

// Reset clears cancellation and results so the coordinator can run again
func (c *Coordinator) Reset() {
	c.cancelled.Store(false)
	c.mu.Lock()
	c.results = make(map[string]string)
	c.mu.Unlock()
}

// Results returns a copy of the result store
func (c *Coordinator) Results() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.results))
	for id, res := range c.results {
		out[id] = res
	}
	return out
}

// Inflight returns the number of tasks currently running
func (c *Coordinator) Inflight() int {
	return c.registry.Len()
}

func (c *Coordinator) store(taskID, text string) {
	c.mu.Lock()
	c.results[taskID] = text
	c.mu.Unlock()
}

// beginRun installs the cancel handle of a graph or summarization run. A fresh
// run also drops a cancellation left over from the previous graph.
func (c *Coordinator) beginRun(ctx context.Context, fresh bool) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	c.runMu.Lock()
	if fresh {
		c.cancelled.Store(false)
	}
	c.runCancel = cancel
	c.runMu.Unlock()
	return runCtx, cancel
}

func (c *Coordinator) endRun() {
	c.runMu.Lock()
	c.runCancel = nil
	c.runMu.Unlock()
}

// splitReady partitions pending into tasks whose dependencies are all done and the rest
func splitReady(pending []domain.TaskNode, completed map[string]bool) (ready, rest []domain.TaskNode) {
	for _, t := range pending {
		ok := true
		for _, dep := range t.Dependencies {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		} else {
			rest = append(rest, t)
		}
	}
	return ready, rest
}

// failureText returns the event reason and stored placeholder for a task error
func failureText(err error) (reason, placeholder string) {
	if errors.Is(err, domain.ErrTaskCancelled) {
		return cancelledPlaceholder, cancelledPlaceholder
	}
	reason = err.Error()
	var taskErr *domain.TaskError
	if errors.As(err, &taskErr) && taskErr.Err != nil {
		reason = taskErr.Err.Error()
	}
	return reason, failedPlaceholder + reason
}
