package events

import (
	"fmt"

	"github.com/flitsinc/nogicos/internal/schema"
)

// Kind identifies an event. The set is closed: ParseKind rejects anything
// not listed here.
type Kind string

const (
	// Task lifecycle, one per status the manager can move a task into.
	KindTaskCreated     Kind = "task_created"
	KindTaskStarted     Kind = "task_started"
	KindTaskResumed     Kind = "task_resumed"
	KindTaskPaused      Kind = "task_paused"
	KindTaskCompleted   Kind = "task_completed"
	KindTaskFailed      Kind = "task_failed"
	KindTaskNeedsHelp   Kind = "task_needs_help"
	KindTaskInterrupted Kind = "task_interrupted"
	KindTaskCancelled   Kind = "task_cancelled"

	// Tool execution.
	KindToolStart Kind = "tool_start"
	KindToolEnd   Kind = "tool_end"
	KindToolError Kind = "tool_error"

	// Confirmation handshake.
	KindConfirmRequired     Kind = "confirm_required"
	KindUserConfirmResponse Kind = "user_confirm_response"

	// User interventions from the UI bridge.
	KindUserTakeover Kind = "user_takeover"
	KindUserInput    Kind = "user_input"

	KindLLMResponseChunk  Kind = "llm_response_chunk"
	KindContextCompressed Kind = "context_compressed"
	KindScreenshotEvicted Kind = "screenshot_evicted"
)

var allKinds = []Kind{
	KindTaskCreated,
	KindTaskStarted,
	KindTaskResumed,
	KindTaskPaused,
	KindTaskCompleted,
	KindTaskFailed,
	KindTaskNeedsHelp,
	KindTaskInterrupted,
	KindTaskCancelled,
	KindToolStart,
	KindToolEnd,
	KindToolError,
	KindConfirmRequired,
	KindUserConfirmResponse,
	KindUserTakeover,
	KindUserInput,
	KindLLMResponseChunk,
	KindContextCompressed,
	KindScreenshotEvicted,
}

// AllKinds returns every known kind in declaration order.
func AllKinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

func ParseKind(raw string) (Kind, error) {
	for _, k := range allKinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

func (k Kind) Valid() bool {
	_, err := ParseKind(string(k))
	return err == nil
}

// External reports whether the kind may originate from the UI bridge.
func (k Kind) External() bool {
	switch k {
	case KindUserConfirmResponse, KindUserTakeover, KindUserInput:
		return true
	}
	return false
}

// DefaultPriority is the priority an event of this kind gets when the
// publisher does not choose one.
func (k Kind) DefaultPriority() schema.Priority {
	switch k {
	case KindTaskFailed, KindUserTakeover, KindConfirmRequired, KindUserConfirmResponse:
		return schema.PriorityCritical
	case KindTaskCreated, KindTaskStarted, KindTaskResumed, KindTaskPaused, KindTaskCompleted,
		KindTaskNeedsHelp, KindTaskInterrupted, KindTaskCancelled, KindUserInput:
		return schema.PriorityHigh
	case KindLLMResponseChunk, KindContextCompressed, KindScreenshotEvicted:
		return schema.PriorityLow
	default:
		return schema.PriorityNormal
	}
}

// KindForStatus maps a status transition to the event announcing it.
func KindForStatus(from, to schema.TaskStatus) (Kind, bool) {
	switch to {
	case schema.StatusRunning:
		if from == schema.StatusPending {
			return KindTaskStarted, true
		}
		return KindTaskResumed, true
	case schema.StatusPaused:
		return KindTaskPaused, true
	case schema.StatusCompleted:
		return KindTaskCompleted, true
	case schema.StatusFailed:
		return KindTaskFailed, true
	case schema.StatusNeedsHelp:
		return KindTaskNeedsHelp, true
	case schema.StatusInterrupted:
		return KindTaskInterrupted, true
	case schema.StatusCancelled:
		return KindTaskCancelled, true
	case schema.StatusPending:
		return KindTaskCreated, true
	}
	return "", false
}
