package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

// Runner executes one task instruction against the collaborator
type Runner struct {
	collaborator ports.Collaborator
	metrics      ports.MetricsCollector
	logger       *zap.Logger
	taskTimeout  time.Duration
}

// NewRunner creates a new task runner. A zero taskTimeout disables the per-task deadline.
func NewRunner(
	collaborator ports.Collaborator,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	taskTimeout time.Duration,
) *Runner {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Runner{
		collaborator: collaborator,
		metrics:      metrics,
		logger:       logger,
		taskTimeout:  taskTimeout,
	}
}

// Run sends instruction as an isolated request (no conversation history) and
// returns the cleaned reply. Failures are *domain.TaskError; cancellation is
// reported with domain.ErrTaskCancelled in the chain.
func (r *Runner) Run(ctx context.Context, taskID, instruction string, limits domain.Limits) (string, error) {
	if ctx.Err() != nil {
		return "", &domain.TaskError{TaskID: taskID, Err: domain.ErrTaskCancelled}
	}

	callCtx := ctx
	if r.taskTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.taskTimeout)
		defer cancel()
	}

	req := ports.GenerateRequest{
		Instruction: instruction,
		Limits:      limits,
		OnWarning: func(msg string) {
			r.logger.Warn("collaborator warning",
				zap.String("task_id", taskID),
				zap.String("warning", msg))
		},
	}

	start := time.Now()
	var out strings.Builder
	for chunk, err := range r.collaborator.Generate(callCtx, req) {
		if err != nil {
			taskErr := r.classify(ctx, callCtx, taskID, err)
			r.metrics.RecordCollaboratorCall("task", outcome(taskErr), time.Since(start))
			return "", taskErr
		}
		out.WriteString(chunk)
	}

	// the call may have raced past cancellation; its reply is no longer wanted
	if ctx.Err() != nil {
		r.metrics.RecordCollaboratorCall("task", "cancelled", time.Since(start))
		return "", &domain.TaskError{TaskID: taskID, Err: domain.ErrTaskCancelled}
	}

	r.metrics.RecordCollaboratorCall("task", "ok", time.Since(start))
	return CleanOutput(out.String()), nil
}

// classify maps a collaborator failure to a task error
func (r *Runner) classify(parent, call context.Context, taskID string, err error) *domain.TaskError {
	switch {
	case parent.Err() != nil:
		return &domain.TaskError{TaskID: taskID, Err: domain.ErrTaskCancelled}
	case errors.Is(call.Err(), context.DeadlineExceeded):
		return &domain.TaskError{TaskID: taskID, Err: fmt.Errorf("timed out after %s", r.taskTimeout)}
	default:
		return &domain.TaskError{TaskID: taskID, Err: fmt.Errorf("collaborator call failed: %w", err)}
	}
}

func outcome(err *domain.TaskError) string {
	if err.Cancelled() {
		return "cancelled"
	}
	return "error"
}
