package schema

import "fmt"

type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusRunning     TaskStatus = "running"
	StatusPaused      TaskStatus = "paused"
	StatusCompleted   TaskStatus = "completed"
	StatusNeedsHelp   TaskStatus = "needs_help"
	StatusFailed      TaskStatus = "failed"
	StatusInterrupted TaskStatus = "interrupted"
	StatusCancelled   TaskStatus = "cancelled"
)

// AllStatuses lists every task status in declaration order.
var AllStatuses = []TaskStatus{
	StatusPending,
	StatusRunning,
	StatusPaused,
	StatusCompleted,
	StatusNeedsHelp,
	StatusFailed,
	StatusInterrupted,
	StatusCancelled,
}

func ParseTaskStatus(raw string) (TaskStatus, error) {
	for _, s := range AllStatuses {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", raw)
}

// Terminal reports whether no transition may leave the status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentActive  AgentStatus = "active"
	AgentPaused  AgentStatus = "paused"
	AgentConfirm AgentStatus = "confirm"
)

func ParseAgentStatus(raw string) (AgentStatus, error) {
	switch AgentStatus(raw) {
	case AgentIdle, AgentActive, AgentPaused, AgentConfirm:
		return AgentStatus(raw), nil
	}
	return "", fmt.Errorf("unknown agent status %q", raw)
}

// DeriveAgentStatus maps a task status to the agent status shown to observers.
// The confirm state is only set independently while a running task awaits
// user confirmation.
func DeriveAgentStatus(status TaskStatus) AgentStatus {
	switch status {
	case StatusRunning:
		return AgentActive
	case StatusPaused, StatusInterrupted:
		return AgentPaused
	case StatusNeedsHelp:
		return AgentConfirm
	default:
		return AgentIdle
	}
}
