package tasks

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/flitsinc/nogicos/internal/schema"
	"github.com/flitsinc/nogicos/internal/store"
)

var (
	ErrInvalidTransition = errors.New("invalid task status transition")
	// ErrTaskNotFound is the store's sentinel so lookups that fail at either
	// layer match the same errors.Is check.
	ErrTaskNotFound = store.ErrTaskNotFound
	ErrNotRunning   = errors.New("task is not running")
)

// transitions is the complete set of legal status edges. Terminal statuses
// have no entry.
var transitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.StatusPending:     {schema.StatusRunning, schema.StatusCancelled, schema.StatusFailed},
	schema.StatusRunning:     {schema.StatusPaused, schema.StatusCompleted, schema.StatusNeedsHelp, schema.StatusFailed, schema.StatusInterrupted, schema.StatusCancelled},
	schema.StatusPaused:      {schema.StatusRunning, schema.StatusFailed, schema.StatusInterrupted, schema.StatusCancelled},
	schema.StatusNeedsHelp:   {schema.StatusRunning, schema.StatusPaused, schema.StatusFailed, schema.StatusCancelled},
	schema.StatusInterrupted: {schema.StatusRunning, schema.StatusFailed, schema.StatusCancelled},
}

// Allowed returns the statuses reachable from from in one step.
func Allowed(from schema.TaskStatus) []schema.TaskStatus {
	return slices.Clone(transitions[from])
}

func canTransition(from, to schema.TaskStatus) bool {
	if from == to {
		return true
	}
	return slices.Contains(transitions[from], to)
}

type InvalidTransitionError struct {
	TaskID  string
	From    schema.TaskStatus
	To      schema.TaskStatus
	Allowed []schema.TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	allowed := "none, status is terminal"
	if len(e.Allowed) > 0 {
		names := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			names[i] = string(s)
		}
		allowed = strings.Join(names, ", ")
	}
	return fmt.Sprintf("invalid task status transition for %s: %s -> %s (allowed: %s)", e.TaskID, e.From, e.To, allowed)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
