package orchestrator

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCoordinator(runner TaskRunner, collab ports.Collaborator, opts ...CoordinatorOption) *Coordinator {
	if collab == nil {
		collab = &scriptedCollaborator{}
	}
	return NewCoordinator(runner, collab, zap.NewNop(), opts...)
}

func TestExecuteGraph_OneTerminalEventPerTask(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestCoordinator(runner, nil)
	g := graphOf(task("a"), task("b"), task("c", "a", "b"), task("d", "c"))

	events := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{UserMessage: "req"}))

	terminal := map[string]int{}
	for _, ev := range events {
		require.Equal(t, domain.ProgressUpdate, ev.Kind, "unexpected event %+v", ev)
		if ev.IsTerminalUpdate() {
			terminal[ev.TaskID]++
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}, terminal)
	assert.Len(t, events, 8)

	for _, id := range []string{"a", "b", "c", "d"} {
		start := indexOf(events, id, domain.TaskStatusInProgress)
		done := indexOf(events, id, domain.TaskStatusCompleted)
		require.GreaterOrEqual(t, start, 0, id)
		assert.Less(t, start, done, id)
	}

	assert.Equal(t, map[string]string{
		"a": "result of a",
		"b": "result of b",
		"c": "result of c",
		"d": "result of d",
	}, c.Results())
}

func TestExecuteGraph_WaveOrdering(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestCoordinator(runner, nil)
	g := graphOf(task("a"), task("b"), task("c", "a", "b"), task("d", "c"))

	events := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))

	// wave 1 is announced in graph order before anything finishes
	assert.Equal(t, 0, indexOf(events, "a", domain.TaskStatusInProgress))
	assert.Equal(t, 1, indexOf(events, "b", domain.TaskStatusInProgress))

	cStart := indexOf(events, "c", domain.TaskStatusInProgress)
	assert.Greater(t, cStart, indexOf(events, "a", domain.TaskStatusCompleted))
	assert.Greater(t, cStart, indexOf(events, "b", domain.TaskStatusCompleted))
	assert.Greater(t, indexOf(events, "d", domain.TaskStatusInProgress), indexOf(events, "c", domain.TaskStatusCompleted))
}

func TestExecuteGraph_InstructionCarriesDependencyResults(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestCoordinator(runner, nil)
	g := graphOf(task("a"), task("b", "a"))

	collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{UserMessage: "plan a trip"}))

	assert.Equal(t, "Original request: plan a trip\n\nCurrent task: A\n\nInstruction: do a", runner.instruction("a"))
	assert.Equal(t,
		"Original request: plan a trip\n\nCurrent task: B\n\nResults of prerequisite tasks:\ntask a result: result of a\n\nInstruction: do b",
		runner.instruction("b"))
}

func TestExecuteGraph_FailureIsContained(t *testing.T) {
	runner := &fakeRunner{
		run: func(ctx context.Context, taskID, instruction string) (string, error) {
			if taskID == "a" {
				return "", &domain.TaskError{TaskID: "a", Err: errors.New("boom")}
			}
			return "ok " + taskID, nil
		},
	}
	c := newTestCoordinator(runner, nil)
	g := graphOf(task("a"), task("b"), task("c", "a"))

	events := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))

	failed := indexOf(events, "a", domain.TaskStatusFailed)
	require.GreaterOrEqual(t, failed, 0)
	assert.Equal(t, "boom", events[failed].Error)
	assert.GreaterOrEqual(t, indexOf(events, "b", domain.TaskStatusCompleted), 0)
	assert.GreaterOrEqual(t, indexOf(events, "c", domain.TaskStatusCompleted), 0)

	assert.Equal(t, "task execution failed: boom", c.Results()["a"])
	assert.Contains(t, runner.instruction("c"), "task a result: task execution failed: boom")
}

func TestExecuteGraph_PanicIsContained(t *testing.T) {
	runner := &fakeRunner{
		run: func(ctx context.Context, taskID, instruction string) (string, error) {
			if taskID == "a" {
				panic("kaboom")
			}
			return "ok", nil
		},
	}
	c := newTestCoordinator(runner, nil)
	g := graphOf(task("a"), task("b", "a"))

	events := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))

	failed := indexOf(events, "a", domain.TaskStatusFailed)
	require.GreaterOrEqual(t, failed, 0)
	assert.Contains(t, events[failed].Error, "panic: kaboom")
	assert.GreaterOrEqual(t, indexOf(events, "b", domain.TaskStatusCompleted), 0)
}

func TestExecuteGraph_Deadlock(t *testing.T) {
	c := newTestCoordinator(&fakeRunner{}, nil)
	g := graphOf(task("a"), task("b", "c"), task("c", "b"))

	events := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, domain.ProgressError, last.Kind)
	assert.Equal(t, "no executable task: dependency problem", last.Message)
	assert.GreaterOrEqual(t, indexOf(events, "a", domain.TaskStatusCompleted), 0)
}

func TestExecuteGraph_CancelStopsBeforeNextWave(t *testing.T) {
	var c *Coordinator
	runner := &fakeRunner{
		run: func(ctx context.Context, taskID, instruction string) (string, error) {
			if taskID == "a" {
				c.Cancel()
			}
			return "done", nil
		},
	}
	c = newTestCoordinator(runner, nil)
	g := graphOf(task("a"), task("b", "a"))

	events := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))

	assert.True(t, c.Cancelled())
	assert.Equal(t, -1, indexOf(events, "b", domain.TaskStatusInProgress))
	assert.Empty(t, runner.instruction("b"))
	assert.Equal(t, 0, c.Inflight())

	c.Reset()
	assert.False(t, c.Cancelled())
	assert.Empty(t, c.Results())
}

func TestExecuteGraph_CancelSignalsInflightTasks(t *testing.T) {
	started := make(chan struct{})
	runner := &fakeRunner{
		run: func(ctx context.Context, taskID, instruction string) (string, error) {
			close(started)
			<-ctx.Done()
			return "", &domain.TaskError{TaskID: taskID, Err: domain.ErrTaskCancelled}
		},
	}
	c := newTestCoordinator(runner, nil)

	go func() {
		<-started
		c.Cancel()
	}()
	events := collectEvents(c.ExecuteGraph(context.Background(), graphOf(task("a")), RequestContext{}))

	failed := indexOf(events, "a", domain.TaskStatusFailed)
	require.GreaterOrEqual(t, failed, 0)
	assert.Equal(t, "task cancelled", events[failed].Error)
	assert.Equal(t, "task cancelled", c.Results()["a"])
}

func TestExecuteGraph_MaxConcurrency(t *testing.T) {
	runner := &fakeRunner{
		run: func(ctx context.Context, taskID, instruction string) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "ok", nil
		},
	}
	c := newTestCoordinator(runner, nil, WithMaxConcurrency(2))
	g := graphOf(task("a"), task("b"), task("c"), task("d"), task("e"))

	events := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))

	assert.Len(t, events, 10)
	assert.LessOrEqual(t, runner.maxActive.Load(), int32(2))
}

func TestExecuteGraph_ConsumerStop(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestCoordinator(runner, nil)
	g := graphOf(task("a"), task("b", "a"))

	var seen []domain.ProgressEvent
	for ev := range c.ExecuteGraph(context.Background(), g, RequestContext{}) {
		seen = append(seen, ev)
		break
	}

	require.Len(t, seen, 1)
	assert.Equal(t, 0, c.Inflight())
	assert.Empty(t, runner.instruction("b"))
}

func TestSummaryContext_LeavesOnly(t *testing.T) {
	c := newTestCoordinator(&fakeRunner{}, nil)
	g := graphOf(task("a"), task("b", "a"), task("c"))

	collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))

	got := c.SummaryContext(g)
	assert.Equal(t, "task b (B) result: result of b\ntask c (C) result: result of c\n", got)
	assert.NotContains(t, got, "task a ")
}

func TestSummaryContext_NoLeafFallsBackToAllTasks(t *testing.T) {
	c := newTestCoordinator(&fakeRunner{}, nil)
	g := graphOf(task("x", "y"), task("y", "x"))

	got := c.SummaryContext(g)
	assert.Equal(t, "task x (X) result: (no result)\ntask y (Y) result: (no result)\n", got)
}

func TestSummarize(t *testing.T) {
	collab := &scriptedCollaborator{}
	c := newTestCoordinator(&fakeRunner{}, collab)
	g := graphOf(task("a"), task("b", "a"))
	history := []domain.Message{{Role: domain.RoleUser, Content: "earlier"}}
	req := RequestContext{UserMessage: "req", History: history}

	collectEvents(c.ExecuteGraph(context.Background(), g, req))

	var out strings.Builder
	for chunk, err := range c.Summarize(context.Background(), g, req) {
		require.NoError(t, err)
		out.WriteString(chunk)
	}
	assert.Equal(t, "final answer", out.String())

	sums := collab.summaryRequests()
	require.Len(t, sums, 1)
	assert.Equal(t, history, sums[0].History)
	assert.Empty(t, sums[0].SystemPrompt)
	assert.Contains(t, sums[0].Instruction, "task b (B) result: result of b")
	assert.NotContains(t, sums[0].Instruction, "task a (A)")
	assert.Contains(t, sums[0].Instruction, "Instruction: summarize everything")
}

func TestSummarize_Error(t *testing.T) {
	collab := &scriptedCollaborator{
		summarize: func(ctx context.Context, req ports.GenerateRequest) iter.Seq2[string, error] {
			return errSeq(errors.New("overloaded"))
		},
	}
	c := newTestCoordinator(&fakeRunner{}, collab)

	var gotErr error
	for _, err := range c.Summarize(context.Background(), graphOf(task("a")), RequestContext{}) {
		gotErr = err
	}

	var sumErr *domain.SummarizationError
	require.True(t, errors.As(gotErr, &sumErr))
	assert.EqualError(t, gotErr, "summarization failed: overloaded")
}

func TestCoordinator_CancelAfterCompletionIsNoop(t *testing.T) {
	c := newTestCoordinator(&fakeRunner{}, nil)
	g := graphOf(task("a"), task("b", "a"))

	first := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))
	require.Len(t, first, 4)

	c.Cancel()
	assert.False(t, c.Cancelled())

	second := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))
	assert.Len(t, second, 4)
	assert.GreaterOrEqual(t, indexOf(second, "b", domain.TaskStatusCompleted), 0)
}

func TestCoordinator_CancelledGraphDoesNotLeakIntoNextRun(t *testing.T) {
	var c *Coordinator
	runner := &fakeRunner{
		run: func(ctx context.Context, taskID, instruction string) (string, error) {
			if taskID == "a" && !c.Cancelled() {
				c.Cancel()
			}
			return "done", nil
		},
	}
	c = newTestCoordinator(runner, nil)
	g := graphOf(task("a"), task("b", "a"))

	first := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))
	assert.Equal(t, -1, indexOf(first, "b", domain.TaskStatusInProgress))

	runner.run = nil
	second := collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))
	assert.Len(t, second, 4)
	assert.False(t, c.Cancelled())
}

// panickyMetrics fails while recording completed tasks
type panickyMetrics struct {
	ports.NopMetrics
}

func (panickyMetrics) RecordTask(status string, _ time.Duration) {
	if status == string(domain.TaskStatusCompleted) {
		panic("metrics backend broke")
	}
}

func TestExecuteGraph_PanicOutsideRunnerFailsTask(t *testing.T) {
	c := newTestCoordinator(&fakeRunner{}, nil, WithCoordinatorMetrics(panickyMetrics{}))
	g := graphOf(task("a"), task("b", "a"))

	var events []domain.ProgressEvent
	require.NotPanics(t, func() {
		events = collectEvents(c.ExecuteGraph(context.Background(), g, RequestContext{}))
	})

	for _, id := range []string{"a", "b"} {
		failed := indexOf(events, id, domain.TaskStatusFailed)
		require.GreaterOrEqual(t, failed, 0, id)
		assert.Equal(t, "panic: metrics backend broke", events[failed].Error)
	}
	assert.Equal(t, "task execution failed: panic: metrics backend broke", c.Results()["a"])
	assert.Equal(t, 0, c.Inflight())
}
