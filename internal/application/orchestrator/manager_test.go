package orchestrator

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/nishichengju/planmode/internal/application/workers"
	"github.com/nishichengju/planmode/internal/domain"
	"github.com/nishichengju/planmode/internal/ports"
	memoryevents "github.com/nishichengju/planmode/pkg/adapters/events/memory"
	memorystorage "github.com/nishichengju/planmode/pkg/adapters/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type managerFixture struct {
	manager *Manager
	bus     *memoryevents.InMemoryEventBus
	store   *memorystorage.InMemorySnapshotStore

	mu     sync.Mutex
	events []ports.Event
}

func newManagerFixture(t *testing.T, collab ports.Collaborator, opts ...ManagerOption) *managerFixture {
	t.Helper()
	logger := zap.NewNop()

	f := &managerFixture{
		bus:   memoryevents.NewInMemoryEventBus(logger),
		store: memorystorage.NewInMemorySnapshotStore(time.Hour),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.bus.Subscribe(ctx, ports.TopicPlanEvents, func(ctx context.Context, e ports.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	}))

	runner := workers.NewRunner(collab, nil, logger, 0)
	factory := func(observer Observer) *Pipeline {
		return NewPipeline(collab, NewCoordinator(runner, collab, logger), NewValidator(), logger, WithObserver(observer))
	}
	f.manager = NewManager(factory, f.bus, f.store, ports.NopMetrics{}, logger, opts...)
	return f
}

func (f *managerFixture) eventTypes(runID string) []ports.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []ports.EventType
	for _, e := range f.events {
		if e.RunID == runID {
			types = append(types, e.Type)
		}
	}
	return types
}

func (f *managerFixture) lastEvent(runID string) (ports.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].RunID == runID {
			return f.events[i], true
		}
	}
	return ports.Event{}, false
}

func waitFinished(t *testing.T, m *Manager, runID string) *domain.RunSnapshot {
	t.Helper()
	var snap *domain.RunSnapshot
	require.Eventually(t, func() bool {
		s, err := m.GetStatus(context.Background(), runID)
		if err != nil || !s.Finished() {
			return false
		}
		snap = s
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestManager_StartCompletes(t *testing.T) {
	f := newManagerFixture(t, &scriptedCollaborator{})

	runID, err := f.manager.Start(RunRequest{Message: "write a report"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	snap := waitFinished(t, f.manager, runID)
	assert.Equal(t, domain.ProcessingStateCompleted, snap.State)
	assert.Equal(t, "write a report", snap.Message)
	assert.Equal(t, "final answer", snap.Answer)
	assert.Equal(t, map[string]domain.TaskStatus{
		"task_1": domain.TaskStatusCompleted,
		"task_2": domain.TaskStatusCompleted,
	}, snap.Tasks)
	assert.False(t, snap.Cancelled)
	require.NotNil(t, snap.Graph)

	require.Eventually(t, func() bool {
		last, ok := f.lastEvent(runID)
		return ok && last.Type == ports.EventTypeRunFinished
	}, 5*time.Second, 10*time.Millisecond)

	types := f.eventTypes(runID)
	assert.Equal(t, ports.EventTypeRunStarted, types[0])
	assert.Contains(t, types, ports.EventTypePlanReady)
	assert.Contains(t, types, ports.EventTypeTaskUpdated)
	assert.Contains(t, types, ports.EventTypeAnswerChunk)

	last, _ := f.lastEvent(runID)
	assert.Equal(t, OutcomeCompleted, last.Data["outcome"])
	assert.Equal(t, 0, f.manager.ActiveRuns())
}

func TestManager_Stream(t *testing.T) {
	f := newManagerFixture(t, &scriptedCollaborator{})

	runID, stream, err := f.manager.Stream(context.Background(), RunRequest{Message: "msg"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.manager.ActiveRuns())

	out := collect(stream)
	assert.Equal(t, "answer", out[len(out)-1])

	snap, err := f.manager.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, snap.Finished())
	assert.Equal(t, domain.ProcessingStateCompleted, snap.State)
	assert.Equal(t, 0, f.manager.ActiveRuns())
}

func TestManager_StreamIsSingleUse(t *testing.T) {
	f := newManagerFixture(t, &scriptedCollaborator{})

	runID, stream, err := f.manager.Stream(context.Background(), RunRequest{Message: "msg"})
	require.NoError(t, err)

	first := collect(stream)
	assert.Equal(t, "answer", first[len(first)-1])
	assert.Equal(t, 0, f.manager.ActiveRuns())

	second := collect(stream)
	assert.Equal(t, []string{domain.ErrorMarker("run stream already consumed")}, second)
	assert.Equal(t, 0, f.manager.ActiveRuns())

	snap, err := f.manager.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProcessingStateCompleted, snap.State)
}

func TestManager_UnconsumedStreamReleasesSlot(t *testing.T) {
	tests := []struct {
		name      string
		opts      []ManagerOption
		end       func(t *testing.T, m *Manager, runID string, cancel context.CancelFunc)
		cancelled bool
		errMsg    string
	}{
		{
			name:      "caller context cancelled",
			end:       func(_ *testing.T, _ *Manager, _ string, cancel context.CancelFunc) { cancel() },
			cancelled: true,
		},
		{
			name: "run cancelled",
			end: func(t *testing.T, m *Manager, runID string, _ context.CancelFunc) {
				require.NoError(t, m.CancelRun(context.Background(), runID))
			},
			cancelled: true,
		},
		{
			name:   "run timeout",
			opts:   []ManagerOption{WithRunTimeout(50 * time.Millisecond)},
			end:    func(*testing.T, *Manager, string, context.CancelFunc) {},
			errMsg: "run timed out after 50ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t, &scriptedCollaborator{}, tt.opts...)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			runID, stream, err := f.manager.Stream(ctx, RunRequest{Message: "msg"})
			require.NoError(t, err)
			assert.Equal(t, 1, f.manager.ActiveRuns())

			tt.end(t, f.manager, runID, cancel)

			snap := waitFinished(t, f.manager, runID)
			assert.Equal(t, tt.cancelled, snap.Cancelled)
			assert.Equal(t, tt.errMsg, snap.Error)
			require.Eventually(t, func() bool {
				return f.manager.ActiveRuns() == 0
			}, 5*time.Second, 10*time.Millisecond)

			assert.Equal(t, []string{domain.ErrorMarker("run stream already consumed")}, collect(stream))
			assert.Equal(t, 0, f.manager.ActiveRuns())
		})
	}
}

func TestManager_PlanFailureFinishesAsFailed(t *testing.T) {
	collab := &scriptedCollaborator{
		plan: func(ctx context.Context, req ports.GenerateRequest) iter.Seq2[string, error] {
			return textSeq("no plan here")
		},
	}
	f := newManagerFixture(t, collab)

	runID, err := f.manager.Start(RunRequest{Message: "msg"})
	require.NoError(t, err)

	snap := waitFinished(t, f.manager, runID)
	assert.Equal(t, domain.ProcessingStateIdle, snap.State)
	assert.Contains(t, snap.Error, "extraction_failed")
}

func TestManager_CancelRun(t *testing.T) {
	collab := &scriptedCollaborator{
		task: func(ctx context.Context, name string, req ports.GenerateRequest) iter.Seq2[string, error] {
			return blockSeq(ctx)
		},
	}
	f := newManagerFixture(t, collab, WithMaxActiveRuns(1))

	runID, err := f.manager.Start(RunRequest{Message: "msg"})
	require.NoError(t, err)

	_, err = f.manager.Start(RunRequest{Message: "second"})
	assert.ErrorIs(t, err, ErrTooManyRuns)

	require.Eventually(t, func() bool {
		return f.manager.InflightTasks() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.manager.CancelRun(context.Background(), runID))

	snap := waitFinished(t, f.manager, runID)
	assert.True(t, snap.Cancelled)
	assert.Equal(t, domain.ProcessingStateIdle, snap.State)
	assert.Equal(t, domain.TaskStatusFailed, snap.Tasks["task_1"])
	assert.Equal(t, domain.TaskStatusPending, snap.Tasks["task_2"])

	err = f.manager.CancelRun(context.Background(), runID)
	assert.ErrorIs(t, err, ErrRunFinished)

	require.Eventually(t, func() bool {
		return f.manager.ActiveRuns() == 0
	}, 5*time.Second, 10*time.Millisecond)
	_, err = f.manager.Start(RunRequest{Message: "third"})
	assert.NoError(t, err)
}

func TestManager_UnknownRun(t *testing.T) {
	f := newManagerFixture(t, &scriptedCollaborator{})

	_, err := f.manager.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = f.manager.CancelRun(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestManager_RunTimeout(t *testing.T) {
	collab := &scriptedCollaborator{
		plan: func(ctx context.Context, req ports.GenerateRequest) iter.Seq2[string, error] {
			return blockSeq(ctx)
		},
	}
	f := newManagerFixture(t, collab, WithRunTimeout(50*time.Millisecond))

	runID, err := f.manager.Start(RunRequest{Message: "msg"})
	require.NoError(t, err)

	snap := waitFinished(t, f.manager, runID)
	assert.Equal(t, "run timed out after 50ms", snap.Error)
	assert.False(t, snap.Cancelled)
}

func TestManager_DefaultLimits(t *testing.T) {
	collab := &scriptedCollaborator{}
	f := newManagerFixture(t, collab, WithDefaultLimits(domain.Limits{Model: "default-model", MaxTokens: 1000, Temperature: 0.3}))

	_, stream, err := f.manager.Stream(context.Background(), RunRequest{
		Message: "msg",
		Limits:  domain.Limits{MaxTokens: 50},
	})
	require.NoError(t, err)
	collect(stream)

	reqs := collab.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, domain.Limits{Model: "default-model", MaxTokens: 50, Temperature: 0.3}, reqs[0].Limits)
}

func TestManager_Advise(t *testing.T) {
	f := newManagerFixture(t, &scriptedCollaborator{}, WithMinMessageLength(5))

	assert.True(t, f.manager.Advise("longer message"))
	assert.False(t, f.manager.Advise("hi"))
}

func TestManager_Shutdown(t *testing.T) {
	collab := &scriptedCollaborator{
		task: func(ctx context.Context, name string, req ports.GenerateRequest) iter.Seq2[string, error] {
			return blockSeq(ctx)
		},
	}
	f := newManagerFixture(t, collab)

	runID, err := f.manager.Start(RunRequest{Message: "msg"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.manager.InflightTasks() == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(ctx))

	snap, err := f.manager.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, snap.Finished())
	assert.True(t, snap.Cancelled)
}

func TestManager_StorageErrorIsReported(t *testing.T) {
	f := newManagerFixture(t, &scriptedCollaborator{})
	f.manager.storage = failingStore{}

	_, err := f.manager.GetStatus(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRunNotFound))
}

type failingStore struct{}

func (failingStore) SaveSnapshot(context.Context, *domain.RunSnapshot) error { return nil }
func (failingStore) GetSnapshot(context.Context, string) (*domain.RunSnapshot, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) DeleteSnapshot(context.Context, string) error   { return nil }
func (failingStore) ListRunIDs(context.Context) ([]string, error) { return nil, nil }
