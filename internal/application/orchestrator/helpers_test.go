package orchestrator

import (
	"context"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nishichengju/planmode/internal/application/workers"
	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	"go.uber.org/zap"
)

func textSeq(chunks ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func errSeq(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}

// blockSeq waits for ctx to end and reports its error
func blockSeq(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		<-ctx.Done()
		yield("", ctx.Err())
	}
}

// scriptedCollaborator dispatches on the kind of request: planning calls carry
// a system prompt, task calls contain "Current task: ", the rest is summarization.
type scriptedCollaborator struct {
	plan      func(ctx context.Context, req ports.GenerateRequest) iter.Seq2[string, error]
	task      func(ctx context.Context, name string, req ports.GenerateRequest) iter.Seq2[string, error]
	summarize func(ctx context.Context, req ports.GenerateRequest) iter.Seq2[string, error]

	mu       sync.Mutex
	requests []ports.GenerateRequest
}

func (s *scriptedCollaborator) Generate(ctx context.Context, req ports.GenerateRequest) iter.Seq2[string, error] {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	switch {
	case req.SystemPrompt != "":
		if s.plan == nil {
			return textSeq(twoTaskPlan)
		}
		return s.plan(ctx, req)
	case strings.Contains(req.Instruction, "Current task: "):
		name := taskName(req.Instruction)
		if s.task == nil {
			return textSeq("out-" + name)
		}
		return s.task(ctx, name, req)
	default:
		if s.summarize == nil {
			return textSeq("final ", "answer")
		}
		return s.summarize(ctx, req)
	}
}

func (s *scriptedCollaborator) Requests() []ports.GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ports.GenerateRequest(nil), s.requests...)
}

func (s *scriptedCollaborator) summaryRequests() []ports.GenerateRequest {
	var out []ports.GenerateRequest
	for _, r := range s.Requests() {
		if r.SystemPrompt == "" && !strings.Contains(r.Instruction, "Current task: ") {
			out = append(out, r)
		}
	}
	return out
}

func taskName(instruction string) string {
	rest := instruction[strings.Index(instruction, "Current task: ")+len("Current task: "):]
	if i := strings.Index(rest, "\n"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

const twoTaskPlan = `Here is the plan:
{"tasks":[
  {"id":"task_1","name":"Research","instruction":"collect facts","dependencies":[]},
  {"id":"task_2","name":"Write","instruction":"write it up","dependencies":["task_1"],"type":"chat"}
],"final_summary_instruction":"combine"}
Let me know if you need anything else.`

// fakeRunner records the instructions it receives
type fakeRunner struct {
	run func(ctx context.Context, taskID, instruction string) (string, error)

	mu           sync.Mutex
	instructions map[string]string

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, taskID, instruction string, _ domain.Limits) (string, error) {
	f.mu.Lock()
	if f.instructions == nil {
		f.instructions = make(map[string]string)
	}
	f.instructions[taskID] = instruction
	f.mu.Unlock()

	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if f.run == nil {
		return "result of " + taskID, nil
	}
	return f.run(ctx, taskID, instruction)
}

func (f *fakeRunner) instruction(taskID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instructions[taskID]
}

func task(id string, deps ...string) domain.TaskNode {
	if deps == nil {
		deps = []string{}
	}
	return domain.TaskNode{
		ID:           id,
		Name:         strings.ToUpper(id),
		Instruction:  "do " + id,
		Dependencies: deps,
		Type:         domain.TaskTypeChat,
	}
}

func graphOf(tasks ...domain.TaskNode) *domain.ExecutionGraph {
	return &domain.ExecutionGraph{Tasks: tasks, FinalSummaryInstruction: "summarize everything"}
}

func collectEvents(seq iter.Seq[domain.ProgressEvent]) []domain.ProgressEvent {
	var events []domain.ProgressEvent
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func collect(seq iter.Seq[string]) []string {
	var out []string
	for chunk := range seq {
		out = append(out, chunk)
	}
	return out
}

// indexOf returns the position of the first update event for taskID with status
func indexOf(events []domain.ProgressEvent, taskID string, status domain.TaskStatus) int {
	for i, ev := range events {
		if ev.Kind == domain.ProgressUpdate && ev.TaskID == taskID && ev.Status == status {
			return i
		}
	}
	return -1
}

func newTestPipeline(t *testing.T, collab ports.Collaborator, opts ...PipelineOption) *Pipeline {
	t.Helper()
	logger := zap.NewNop()
	runner := workers.NewRunner(collab, nil, logger, 0)
	coordinator := NewCoordinator(runner, collab, logger)
	return NewPipeline(collab, coordinator, NewValidator(), logger, opts...)
}
