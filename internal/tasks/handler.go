package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/flitsinc/nogicos/internal/eventbus"
	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/schema"
)

type Subscriber interface {
	Subscribe(kind events.Kind, handler eventbus.Handler, opts ...eventbus.SubscribeOption) func()
}

// Attach subscribes the manager to the user-originated events it reacts to
// and returns a function that detaches it.
func (m *Manager) Attach(bus Subscriber) func() {
	var unsubs []func()
	for _, kind := range []events.Kind{events.KindUserTakeover, events.KindUserConfirmResponse, events.KindUserInput} {
		unsubs = append(unsubs, bus.Subscribe(kind, m.HandleEvent, eventbus.WithName("tasks.manager"), eventbus.WithPriority(100)))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// HandleEvent applies the status consequences of a user event:
//
//   - user_takeover pauses the task when pausing is legal
//   - user_confirm_response resumes on approval and pauses on rejection
//   - user_input brings a task that needs help back to running
//
// Other kinds are ignored.
func (m *Manager) HandleEvent(ctx context.Context, evt events.AgentEvent) error {
	if evt.TaskID == "" {
		return nil
	}
	switch p := evt.Payload.(type) {
	case events.TakeoverPayload:
		reason := p.Reason
		if reason == "" {
			reason = "user takeover"
		}
		return m.transitionIfLegal(ctx, evt.TaskID, schema.StatusPaused, reason)

	case events.ConfirmResponsePayload:
		unlock := m.lockTask(evt.TaskID)
		defer unlock()
		cur, err := m.load(ctx, evt.TaskID)
		if err != nil {
			return err
		}
		if !p.Approved {
			if cur.Status == schema.StatusRunning {
				if err := m.setAwaitingLocked(ctx, evt.TaskID, false); err != nil {
					return err
				}
			}
			return m.transitionIfLegalLocked(ctx, evt.TaskID, schema.StatusPaused, "confirmation rejected")
		}
		switch cur.Status {
		case schema.StatusRunning:
			return m.setAwaitingLocked(ctx, evt.TaskID, false)
		case schema.StatusNeedsHelp:
			_, err := m.transitionLocked(ctx, evt.TaskID, schema.StatusRunning, "confirmed by user")
			return err
		}
		return nil

	case events.UserInputPayload:
		unlock := m.lockTask(evt.TaskID)
		defer unlock()
		cur, err := m.load(ctx, evt.TaskID)
		if err != nil {
			return err
		}
		if cur.Status != schema.StatusNeedsHelp {
			return nil
		}
		_, err = m.transitionLocked(ctx, evt.TaskID, schema.StatusRunning, "user input received")
		return err
	}
	return nil
}

func (m *Manager) transitionIfLegal(ctx context.Context, taskID string, to schema.TaskStatus, reason string) error {
	unlock := m.lockTask(taskID)
	defer unlock()
	return m.transitionIfLegalLocked(ctx, taskID, to, reason)
}

func (m *Manager) transitionIfLegalLocked(ctx context.Context, taskID string, to schema.TaskStatus, reason string) error {
	_, err := m.transitionLocked(ctx, taskID, to, reason)
	var invalid *InvalidTransitionError
	if errors.As(err, &invalid) {
		m.logger.Debug("ignoring user event for task in incompatible status", "task_id", taskID, "status", invalid.From, "wanted", to)
		return nil
	}
	if err != nil {
		return fmt.Errorf("handle user event for %s: %w", taskID, err)
	}
	return nil
}
