// Package tasks owns task status. Every status write goes through Manager,
// which validates the edge, persists it, records a checkpoint and announces
// it on the event bus.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flitsinc/nogicos/internal/checkpoint"
	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/schema"
)

type Store interface {
	CreateTask(ctx context.Context, task schema.TaskState) (schema.TaskState, error)
	UpdateStatus(ctx context.Context, taskID string, status schema.TaskStatus, agentStatus schema.AgentStatus, lastError string) error
	SaveTask(ctx context.Context, task schema.TaskState) error
	GetTask(ctx context.Context, taskID string) (schema.TaskState, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt events.AgentEvent) (bool, error)
}

// Recorder writes the task's working state to the checkpoint chain.
type Recorder interface {
	Update(ctx context.Context, taskID string, mutate func(*checkpoint.State)) (checkpoint.State, error)
	Rebase(ctx context.Context, taskID string, mutate func(*checkpoint.State)) (checkpoint.State, error)
}

type Manager struct {
	store    Store
	bus      Publisher
	recorder Recorder
	logger   *slog.Logger
	nowFn    func() time.Time

	mu    sync.Mutex
	cache map[string]schema.TaskState
	locks map[string]*sync.Mutex
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager builds a manager over s. bus may be nil, in which case
// transitions are not announced.
func NewManager(s Store, bus Publisher, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		bus:    bus,
		logger: slog.New(slog.DiscardHandler),
		nowFn:  func() time.Time { return time.Now().UTC() },
		cache:  map[string]schema.TaskState{},
		locks:  map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = m.logger.With("component", "tasks")
	return m
}

func (m *Manager) now() time.Time {
	return m.nowFn().UTC()
}

// lockTask serializes writers of one task.
func (m *Manager) lockTask(taskID string) func() {
	m.mu.Lock()
	l, ok := m.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[taskID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) cached(taskID string) (schema.TaskState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.cache[taskID]
	return st, ok
}

func (m *Manager) put(st schema.TaskState) {
	m.mu.Lock()
	m.cache[st.ID] = st.Clone()
	m.mu.Unlock()
}

// load returns the current state, reading through to the store on a miss.
func (m *Manager) load(ctx context.Context, taskID string) (schema.TaskState, error) {
	if taskID == "" {
		return schema.TaskState{}, fmt.Errorf("task_id is required")
	}
	if st, ok := m.cached(taskID); ok {
		return st.Clone(), nil
	}
	st, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return schema.TaskState{}, err
	}
	m.put(st)
	return st, nil
}

// CreateTask registers a pending task. An empty id asks the store for the
// next sequential one.
func (m *Manager) CreateTask(ctx context.Context, taskID, description string, targetHandles []int) (schema.TaskState, error) {
	now := m.now()
	task, err := m.store.CreateTask(ctx, schema.TaskState{
		ID:                  taskID,
		Description:         description,
		Status:              schema.StatusPending,
		AgentStatus:         schema.DeriveAgentStatus(schema.StatusPending),
		TargetWindowHandles: slices.Clone(targetHandles),
		CreatedAt:           now,
		UpdatedAt:           now,
	})
	if err != nil {
		return schema.TaskState{}, err
	}
	m.put(task)

	m.record(ctx, task, func(s *checkpoint.State) {
		s.TargetWindowHandles = slices.Clone(task.TargetWindowHandles)
	})
	m.publish(ctx, events.TaskCreated(ctx, task.ID, description))
	m.logger.Info("task created", "task_id", task.ID, "targets", len(targetHandles))
	return task.Clone(), nil
}

// Transition moves a task to status to. Moving to the current status is a
// no-op that succeeds without writing or publishing anything.
func (m *Manager) Transition(ctx context.Context, taskID string, to schema.TaskStatus, reason string) (bool, error) {
	if _, err := schema.ParseTaskStatus(string(to)); err != nil {
		return false, err
	}
	unlock := m.lockTask(taskID)
	defer unlock()
	return m.transitionLocked(ctx, taskID, to, reason)
}

func (m *Manager) transitionLocked(ctx context.Context, taskID string, to schema.TaskStatus, reason string) (bool, error) {
	cur, err := m.load(ctx, taskID)
	if err != nil {
		return false, err
	}
	if cur.Status == to {
		return true, nil
	}
	if !canTransition(cur.Status, to) {
		return false, &InvalidTransitionError{TaskID: taskID, From: cur.Status, To: to, Allowed: Allowed(cur.Status)}
	}

	next := cur.Clone()
	next.Status = to
	next.AgentStatus = schema.DeriveAgentStatus(to)
	if to == schema.StatusFailed || to == schema.StatusNeedsHelp {
		next.LastError = reason
	}
	next.UpdatedAt = m.now()

	if err := m.store.UpdateStatus(ctx, taskID, next.Status, next.AgentStatus, next.LastError); err != nil {
		return false, fmt.Errorf("persist %s -> %s for %s: %w", cur.Status, to, taskID, err)
	}
	m.put(next)
	m.record(ctx, next, nil)

	evt, err := events.TaskStatusChanged(ctx, taskID, cur.Status, to, reason, next.Iteration)
	if err == nil {
		m.publish(ctx, evt)
	}
	m.logger.Info("task status changed", "task_id", taskID, "from", cur.Status, "to", to, "reason", reason)
	return true, nil
}

func (m *Manager) Status(ctx context.Context, taskID string) (schema.TaskStatus, error) {
	st, err := m.load(ctx, taskID)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

func (m *Manager) AgentStatus(ctx context.Context, taskID string) (schema.AgentStatus, error) {
	st, err := m.load(ctx, taskID)
	if err != nil {
		return "", err
	}
	return st.AgentStatus, nil
}

// State returns a copy of the task record.
func (m *Manager) State(ctx context.Context, taskID string) (schema.TaskState, error) {
	return m.load(ctx, taskID)
}

// UpdateState replaces a task record wholesale, typically when resuming
// after a restart. The status may move along any edge except out of a
// terminal status, and a full checkpoint is recorded.
func (m *Manager) UpdateState(ctx context.Context, state schema.TaskState) error {
	unlock := m.lockTask(state.ID)
	defer unlock()

	cur, err := m.load(ctx, state.ID)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() && state.Status != cur.Status {
		return &InvalidTransitionError{TaskID: state.ID, From: cur.Status, To: state.Status}
	}
	if _, err := schema.ParseTaskStatus(string(state.Status)); err != nil {
		return err
	}
	if state.Iteration < cur.Iteration {
		return fmt.Errorf("update %s: iteration %d is behind %d", state.ID, state.Iteration, cur.Iteration)
	}

	next := state.Clone()
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = m.now()
	if next.AgentStatus != schema.AgentConfirm || next.Status != schema.StatusRunning {
		next.AgentStatus = schema.DeriveAgentStatus(next.Status)
	}
	if err := m.store.SaveTask(ctx, next); err != nil {
		return fmt.Errorf("persist state for %s: %w", state.ID, err)
	}
	m.put(next)

	if m.recorder != nil {
		if _, err := m.recorder.Rebase(ctx, next.ID, func(s *checkpoint.State) {
			applyTask(s, next)
			s.TargetWindowHandles = slices.Clone(next.TargetWindowHandles)
		}); err != nil {
			m.logger.Warn("checkpoint after state update failed", "task_id", next.ID, "error", err)
		}
	}
	if cur.Status != next.Status {
		if evt, err := events.TaskStatusChanged(ctx, next.ID, cur.Status, next.Status, "state restored", next.Iteration); err == nil {
			m.publish(ctx, evt)
		}
	}
	return nil
}

// SetAwaitingConfirmation flips a running task between active and confirm.
func (m *Manager) SetAwaitingConfirmation(ctx context.Context, taskID string, awaiting bool) error {
	unlock := m.lockTask(taskID)
	defer unlock()
	return m.setAwaitingLocked(ctx, taskID, awaiting)
}

func (m *Manager) setAwaitingLocked(ctx context.Context, taskID string, awaiting bool) error {
	cur, err := m.load(ctx, taskID)
	if err != nil {
		return err
	}
	if cur.Status != schema.StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, taskID, cur.Status)
	}
	want := schema.AgentActive
	if awaiting {
		want = schema.AgentConfirm
	}
	if cur.AgentStatus == want {
		return nil
	}
	next := cur.Clone()
	next.AgentStatus = want
	next.UpdatedAt = m.now()
	if err := m.store.UpdateStatus(ctx, taskID, next.Status, next.AgentStatus, next.LastError); err != nil {
		return fmt.Errorf("persist agent status for %s: %w", taskID, err)
	}
	m.put(next)
	m.record(ctx, next, nil)
	return nil
}

// RequestConfirmation marks a running task as awaiting the user and
// publishes the confirm_required event the UI answers.
func (m *Manager) RequestConfirmation(ctx context.Context, taskID, requestID, action, message string) error {
	if err := m.SetAwaitingConfirmation(ctx, taskID, true); err != nil {
		return err
	}
	m.publish(ctx, events.ConfirmRequired(ctx, taskID, requestID, action, message))
	return nil
}

// Step is what one agent-loop iteration produced.
type Step struct {
	Messages           []schema.Message
	ToolResult         *string
	ActiveWindowHandle *int
}

// AdvanceIteration bumps the iteration counter of a non-terminal task and
// records the step in the checkpoint chain. It returns the new iteration.
func (m *Manager) AdvanceIteration(ctx context.Context, taskID string, step Step) (int, error) {
	unlock := m.lockTask(taskID)
	defer unlock()

	cur, err := m.load(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if cur.Status.Terminal() {
		return 0, &InvalidTransitionError{TaskID: taskID, From: cur.Status, To: cur.Status}
	}
	next := cur.Clone()
	next.Iteration++
	next.UpdatedAt = m.now()
	if err := m.store.SaveTask(ctx, next); err != nil {
		return 0, fmt.Errorf("persist iteration for %s: %w", taskID, err)
	}
	m.put(next)

	m.record(ctx, next, func(s *checkpoint.State) {
		s.Messages = append(s.Messages, schema.CloneMessages(step.Messages)...)
		if step.ToolResult != nil {
			s.LastToolResult = *step.ToolResult
		}
		if step.ActiveWindowHandle != nil {
			s.ActiveWindowHandle = *step.ActiveWindowHandle
		}
	})
	return next.Iteration, nil
}

// record mirrors the task record (plus any extra changes) into the
// checkpoint chain. Failures are logged; the task row is authoritative.
func (m *Manager) record(ctx context.Context, task schema.TaskState, extra func(*checkpoint.State)) {
	if m.recorder == nil {
		return
	}
	_, err := m.recorder.Update(ctx, task.ID, func(s *checkpoint.State) {
		applyTask(s, task)
		if extra != nil {
			extra(s)
		}
	})
	if err != nil {
		m.logger.Warn("checkpoint failed", "task_id", task.ID, "error", err)
	}
}

func applyTask(s *checkpoint.State, task schema.TaskState) {
	s.Status = task.Status
	s.AgentStatus = task.AgentStatus
	s.Iteration = task.Iteration
	s.LastError = task.LastError
}

// publish announces evt. A rejected announcement never undoes the state
// change it describes.
func (m *Manager) publish(ctx context.Context, evt events.AgentEvent) {
	if m.bus == nil {
		return
	}
	accepted, err := m.bus.Publish(ctx, evt)
	switch {
	case err != nil:
		m.logger.Warn("task event not published", "kind", evt.Kind, "task_id", evt.TaskID, "error", err)
	case !accepted:
		m.logger.Debug("task event dropped", "kind", evt.Kind, "task_id", evt.TaskID)
	}
}

// Forget drops a task from the in-memory cache; the next read reloads it.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	delete(m.cache, taskID)
	m.mu.Unlock()
}

// IsNotFound reports whether err means the task does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}
