package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flitsinc/nogicos/internal/checkpoint"
	"github.com/flitsinc/nogicos/internal/eventbus"
	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/schema"
	"github.com/flitsinc/nogicos/internal/store"
	"github.com/flitsinc/nogicos/internal/testutil"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.AgentEvent
}

func (b *recordingBus) Publish(_ context.Context, evt events.AgentEvent) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
	return true, nil
}

func (b *recordingBus) kinds() []events.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]events.Kind, len(b.events))
	for i, evt := range b.events {
		out[i] = evt.Kind
	}
	return out
}

type countingStore struct {
	Store
	writes atomic.Int64
}

func (s *countingStore) UpdateStatus(ctx context.Context, taskID string, status schema.TaskStatus, agentStatus schema.AgentStatus, lastError string) error {
	s.writes.Add(1)
	return s.Store.UpdateStatus(ctx, taskID, status, agentStatus, lastError)
}

func (s *countingStore) SaveTask(ctx context.Context, task schema.TaskState) error {
	s.writes.Add(1)
	return s.Store.SaveTask(ctx, task)
}

func newTestManager(t *testing.T) (*Manager, *recordingBus, *store.Store) {
	t.Helper()
	st := testutil.OpenTestStore(t, store.Config{})
	bus := &recordingBus{}
	mgr := NewManager(st, bus, WithRecorder(checkpoint.New(st)))
	return mgr, bus, st
}

func TestScenarioCompletedTaskCannotRestart(t *testing.T) {
	mgr, bus, _ := newTestManager(t)
	ctx := context.Background()

	task, err := mgr.CreateTask(ctx, "", "export the invoice", []int{1001})
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, task.Status)

	ok, err := mgr.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = mgr.Transition(ctx, task.ID, schema.StatusCompleted, "done")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = mgr.Transition(ctx, task.ID, schema.StatusRunning, "again")
	require.False(t, ok)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, schema.StatusCompleted, invalid.From)
	require.Equal(t, schema.StatusRunning, invalid.To)
	require.Empty(t, invalid.Allowed)

	require.Equal(t, []events.Kind{events.KindTaskCreated, events.KindTaskStarted, events.KindTaskCompleted}, bus.kinds())
}

func TestTransitionToCurrentStatusIsNoop(t *testing.T) {
	st := testutil.OpenTestStore(t, store.Config{})
	counting := &countingStore{Store: st}
	bus := &recordingBus{}
	mgr := NewManager(counting, bus)
	ctx := context.Background()

	task, err := mgr.CreateTask(ctx, "t1", "", nil)
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)

	writes := counting.writes.Load()
	published := len(bus.kinds())

	ok, err := mgr.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, writes, counting.writes.Load())
	require.Len(t, bus.kinds(), published)
}

func TestTerminalStatusesAreAbsorbing(t *testing.T) {
	// Walk every status reachable from pending and check that, once a
	// terminal status is reached, no edge leads anywhere else.
	seen := map[schema.TaskStatus]bool{}
	queue := []schema.TaskStatus{schema.StatusPending}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, next := range schema.AllStatuses {
			if next == cur || !canTransition(cur, next) {
				continue
			}
			require.False(t, cur.Terminal(), "terminal %s leads to %s", cur, next)
			queue = append(queue, next)
		}
	}
	for _, terminal := range []schema.TaskStatus{schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled} {
		require.True(t, seen[terminal], "%s reachable", terminal)
	}

	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	for i, terminal := range []schema.TaskStatus{schema.StatusCompleted, schema.StatusFailed, schema.StatusCancelled} {
		task, err := mgr.CreateTask(ctx, "", "", nil)
		require.NoError(t, err, "task %d", i)
		_, err = mgr.Transition(ctx, task.ID, schema.StatusRunning, "")
		require.NoError(t, err)
		_, err = mgr.Transition(ctx, task.ID, terminal, "end")
		require.NoError(t, err)
		for _, next := range schema.AllStatuses {
			if next == terminal {
				continue
			}
			_, err := mgr.Transition(ctx, task.ID, next, "")
			require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", terminal, next)
		}
	}
}

func TestTransitionEventsAndDerivedStatus(t *testing.T) {
	mgr, bus, st := newTestManager(t)
	ctx := context.Background()

	task, err := mgr.CreateTask(ctx, "t1", "fill the form", nil)
	require.NoError(t, err)

	steps := []struct {
		to    schema.TaskStatus
		kind  events.Kind
		agent schema.AgentStatus
	}{
		{schema.StatusRunning, events.KindTaskStarted, schema.AgentActive},
		{schema.StatusPaused, events.KindTaskPaused, schema.AgentPaused},
		{schema.StatusRunning, events.KindTaskResumed, schema.AgentActive},
		{schema.StatusNeedsHelp, events.KindTaskNeedsHelp, schema.AgentConfirm},
		{schema.StatusFailed, events.KindTaskFailed, schema.AgentIdle},
	}
	for _, step := range steps {
		_, err := mgr.Transition(ctx, task.ID, step.to, "captcha")
		require.NoError(t, err, "to %s", step.to)
		agent, err := mgr.AgentStatus(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, step.agent, agent, "agent status for %s", step.to)
		require.Equal(t, step.kind, bus.events[len(bus.events)-1].Kind)
	}

	last := bus.events[len(bus.events)-1]
	payload, ok := last.Payload.(events.TaskPayload)
	require.True(t, ok)
	require.Equal(t, schema.StatusNeedsHelp, payload.From)
	require.Equal(t, "captcha", payload.Reason)

	persisted, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusFailed, persisted.Status)
	require.Equal(t, "captcha", persisted.LastError)
}

func TestUnknownTask(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.Transition(ctx, "ghost", schema.StatusRunning, "")
	require.ErrorIs(t, err, ErrTaskNotFound)
	require.True(t, IsNotFound(err))
	_, err = mgr.Status(ctx, "ghost")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCacheLoadsLazilyFromStore(t *testing.T) {
	mgr, _, st := newTestManager(t)
	ctx := context.Background()

	task, err := mgr.CreateTask(ctx, "t1", "", nil)
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)

	restarted := NewManager(st, nil)
	status, err := restarted.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusRunning, status)
}

func TestAwaitingConfirmation(t *testing.T) {
	mgr, bus, _ := newTestManager(t)
	ctx := context.Background()

	task, err := mgr.CreateTask(ctx, "t1", "", nil)
	require.NoError(t, err)
	require.ErrorIs(t, mgr.SetAwaitingConfirmation(ctx, task.ID, true), ErrNotRunning)

	_, err = mgr.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)
	require.NoError(t, mgr.RequestConfirmation(ctx, task.ID, "req-1", "delete_file", "Delete report.pdf?"))

	agent, err := mgr.AgentStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.AgentConfirm, agent)
	require.Equal(t, events.KindConfirmRequired, bus.events[len(bus.events)-1].Kind)

	require.NoError(t, mgr.SetAwaitingConfirmation(ctx, task.ID, false))
	agent, err = mgr.AgentStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.AgentActive, agent)
}

func TestAdvanceIterationRecordsCheckpoints(t *testing.T) {
	st := testutil.OpenTestStore(t, store.Config{})
	recorder := checkpoint.New(st)
	mgr := NewManager(st, nil, WithRecorder(recorder))
	ctx := context.Background()

	task, err := mgr.CreateTask(ctx, "t1", "", []int{7})
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)

	result := "typed 12 characters"
	handle := 7
	for i := 0; i < 3; i++ {
		msg := schema.TextMessage(schema.RoleAssistant, "step")
		msg.Timestamp = time.Date(2026, 3, 1, 10, 0, i, 0, time.UTC)
		n, err := mgr.AdvanceIteration(ctx, task.ID, Step{Messages: []schema.Message{msg}, ToolResult: &result, ActiveWindowHandle: &handle})
		require.NoError(t, err)
		require.Equal(t, i+1, n)
	}
	_, err = mgr.Transition(ctx, task.ID, schema.StatusCompleted, "")
	require.NoError(t, err)
	_, err = mgr.AdvanceIteration(ctx, task.ID, Step{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	restored, info, err := checkpoint.New(st).Restore(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, info.Degraded)
	require.Equal(t, schema.StatusCompleted, restored.Status)
	require.Equal(t, 3, restored.Iteration)
	require.Len(t, restored.Messages, 3)
	require.Equal(t, result, restored.LastToolResult)
	require.Equal(t, 7, restored.ActiveWindowHandle)
	require.Equal(t, []int{7}, restored.TargetWindowHandles)
}

func TestUpdateStateResumesButKeepsTerminalFinal(t *testing.T) {
	mgr, _, st := newTestManager(t)
	ctx := context.Background()

	task, err := mgr.CreateTask(ctx, "t1", "", nil)
	require.NoError(t, err)

	resumed := task.Clone()
	resumed.Status = schema.StatusInterrupted
	resumed.Iteration = 12
	resumed.TargetWindowHandles = []int{5, 6}
	require.NoError(t, mgr.UpdateState(ctx, resumed))

	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, schema.StatusInterrupted, got.Status)
	require.Equal(t, schema.AgentPaused, got.AgentStatus)
	require.Equal(t, 12, got.Iteration)

	_, err = mgr.Transition(ctx, "t1", schema.StatusCancelled, "user closed the app")
	require.NoError(t, err)
	revived := got.Clone()
	revived.Status = schema.StatusRunning
	err = mgr.UpdateState(ctx, revived)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestHandleUserEvents(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()
	bus := eventbus.NewBus(eventbus.Config{})
	detach := mgr.Attach(bus)
	defer detach()

	task, err := mgr.CreateTask(ctx, "t1", "", nil)
	require.NoError(t, err)

	// Takeover on a pending task has no legal pause edge and is ignored.
	bus.Dispatch(ctx, events.UserTakeover(ctx, task.ID, "mouse moved"))
	status, err := mgr.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPending, status)

	_, err = mgr.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)
	bus.Dispatch(ctx, events.UserTakeover(ctx, task.ID, "mouse moved"))
	status, err = mgr.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPaused, status)

	_, err = mgr.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, task.ID, schema.StatusNeedsHelp, "login required")
	require.NoError(t, err)
	bus.Dispatch(ctx, events.UserInput(ctx, task.ID, "password is in the vault"))
	status, err = mgr.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusRunning, status)

	require.NoError(t, mgr.SetAwaitingConfirmation(ctx, task.ID, true))
	bus.Dispatch(ctx, events.UserConfirmResponse(ctx, task.ID, "req-1", true))
	agent, err := mgr.AgentStatus(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.AgentActive, agent)

	require.NoError(t, mgr.SetAwaitingConfirmation(ctx, task.ID, true))
	bus.Dispatch(ctx, events.UserConfirmResponse(ctx, task.ID, "req-2", false))
	status, err = mgr.Status(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusPaused, status)

	require.Zero(t, bus.Stats().HandlerFailures)
}

func TestHandleEventUnknownTaskFails(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	err := mgr.HandleEvent(context.Background(), events.UserTakeover(context.Background(), "ghost", ""))
	require.True(t, errors.Is(err, ErrTaskNotFound))
}

func TestConcurrentTransitionsAreSerialized(t *testing.T) {
	mgr, bus, _ := newTestManager(t)
	ctx := context.Background()

	task, err := mgr.CreateTask(ctx, "t1", "", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Transition(ctx, task.ID, schema.StatusRunning, ""); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 8, wins.Load(), "later callers see the idempotent case")
	started := 0
	for _, k := range bus.kinds() {
		if k == events.KindTaskStarted {
			started++
		}
	}
	require.Equal(t, 1, started)
}
