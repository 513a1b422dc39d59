package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"

	"github.com/flitsinc/nogicos/internal/schema"
)

// State is the resumable working state of one task.
type State struct {
	TaskID              string             `json:"task_id"`
	Status              schema.TaskStatus  `json:"status"`
	AgentStatus         schema.AgentStatus `json:"agent_status"`
	Iteration           int                `json:"iteration"`
	Messages            []schema.Message   `json:"messages,omitempty"`
	LastToolResult      string             `json:"last_tool_result,omitempty"`
	ActiveWindowHandle  int                `json:"active_window_handle,omitempty"`
	TargetWindowHandles []int              `json:"target_window_handles,omitempty"`
	LastError           string             `json:"last_error,omitempty"`
}

func (s State) Clone() State {
	out := s
	out.Messages = schema.CloneMessages(s.Messages)
	out.TargetWindowHandles = slices.Clone(s.TargetWindowHandles)
	return out
}

// Delta carries what changed since the previous checkpoint. Nil fields are
// unchanged; Messages are appended.
type Delta struct {
	Messages           []schema.Message    `json:"messages,omitempty"`
	Status             *schema.TaskStatus  `json:"status,omitempty"`
	AgentStatus        *schema.AgentStatus `json:"agent_status,omitempty"`
	Iteration          *int                `json:"iteration,omitempty"`
	LastToolResult     *string             `json:"last_tool_result,omitempty"`
	ActiveWindowHandle *int                `json:"active_window_handle,omitempty"`
	LastError          *string             `json:"last_error,omitempty"`
}

func (d Delta) Empty() bool {
	return len(d.Messages) == 0 && d.Status == nil && d.AgentStatus == nil && d.Iteration == nil &&
		d.LastToolResult == nil && d.ActiveWindowHandle == nil && d.LastError == nil
}

// Diff computes the delta that turns before into after. ok is false when
// after cannot be expressed as a delta: the message history was rewritten
// rather than extended, or the target windows changed.
func Diff(before, after State) (d Delta, ok bool) {
	if len(after.Messages) < len(before.Messages) || !messagesEqual(before.Messages, after.Messages[:len(before.Messages)]) {
		return Delta{}, false
	}
	if !slices.Equal(before.TargetWindowHandles, after.TargetWindowHandles) {
		return Delta{}, false
	}

	d.Messages = schema.CloneMessages(after.Messages[len(before.Messages):])
	if before.Status != after.Status {
		d.Status = ptr(after.Status)
	}
	if before.AgentStatus != after.AgentStatus {
		d.AgentStatus = ptr(after.AgentStatus)
	}
	if before.Iteration != after.Iteration {
		d.Iteration = ptr(after.Iteration)
	}
	if before.LastToolResult != after.LastToolResult {
		d.LastToolResult = ptr(after.LastToolResult)
	}
	if before.ActiveWindowHandle != after.ActiveWindowHandle {
		d.ActiveWindowHandle = ptr(after.ActiveWindowHandle)
	}
	if before.LastError != after.LastError {
		d.LastError = ptr(after.LastError)
	}
	return d, true
}

// Apply returns s with d applied. s is not modified.
func Apply(s State, d Delta) State {
	out := s.Clone()
	out.Messages = append(out.Messages, schema.CloneMessages(d.Messages)...)
	if d.Status != nil {
		out.Status = *d.Status
	}
	if d.AgentStatus != nil {
		out.AgentStatus = *d.AgentStatus
	}
	if d.Iteration != nil {
		out.Iteration = *d.Iteration
	}
	if d.LastToolResult != nil {
		out.LastToolResult = *d.LastToolResult
	}
	if d.ActiveWindowHandle != nil {
		out.ActiveWindowHandle = *d.ActiveWindowHandle
	}
	if d.LastError != nil {
		out.LastError = *d.LastError
	}
	return out
}

func messagesEqual(a, b []schema.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Role != b[i].Role || !a[i].Timestamp.Equal(b[i].Timestamp) {
			return false
		}
		if !blocksEqual(a[i].Content, b[i].Content) {
			return false
		}
	}
	return true
}

// blocksEqual compares tool inputs as JSON, so a stored prefix matches the
// live one it was written from.
func blocksEqual(a, b []schema.Block) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if !bytes.Equal(schema.CompactJSON(x.ToolInput), schema.CompactJSON(y.ToolInput)) || !blocksEqual(x.Content, y.Content) {
			return false
		}
		x.ToolInput, y.ToolInput = nil, nil
		x.Content, y.Content = nil, nil
		if !reflect.DeepEqual(x, y) {
			return false
		}
	}
	return true
}

// compactToolInputs rewrites tool inputs in place into the form a restore
// yields.
func compactToolInputs(blocks []schema.Block) {
	for i := range blocks {
		blocks[i].ToolInput = schema.CompactJSON(blocks[i].ToolInput)
		compactToolInputs(blocks[i].Content)
	}
}

func ptr[T any](v T) *T {
	return &v
}

const (
	kindFull  = "full"
	kindDelta = "delta"
)

// record is the JSON stored in a checkpoint row.
type record struct {
	Kind  string `json:"kind"`
	State *State `json:"state,omitempty"`
	Delta *Delta `json:"delta,omitempty"`
}

func encodeFull(s State) ([]byte, error) {
	return json.Marshal(record{Kind: kindFull, State: &s})
}

func encodeDelta(d Delta) ([]byte, error) {
	return json.Marshal(record{Kind: kindDelta, Delta: &d})
}

func decodeRecord(raw []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	switch {
	case rec.Kind == kindFull && rec.State != nil:
	case rec.Kind == kindDelta && rec.Delta != nil:
	default:
		return record{}, fmt.Errorf("decode checkpoint: malformed %q record", rec.Kind)
	}
	return rec, nil
}
