package schema

import (
	"slices"
	"time"
)

// TaskState is the authoritative record for one task. Only the task manager
// mutates it; other components work on copies from Clone.
type TaskState struct {
	ID                  string      `json:"id"`
	Description         string      `json:"description,omitempty"`
	Status              TaskStatus  `json:"status"`
	AgentStatus         AgentStatus `json:"agent_status"`
	Iteration           int         `json:"iteration"`
	TargetWindowHandles []int       `json:"target_window_handles,omitempty"`
	LastError           string      `json:"last_error,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

func (s TaskState) Clone() TaskState {
	out := s
	out.TargetWindowHandles = slices.Clone(s.TargetWindowHandles)
	return out
}
