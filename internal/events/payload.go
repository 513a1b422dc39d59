package events

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/flitsinc/nogicos/internal/schema"
)

// Payload is the kind-specific body of an event. The interface is sealed:
// only the variants in this file implement it.
type Payload interface {
	kinds() []Kind
}

type TaskPayload struct {
	Description string            `json:"description,omitempty"`
	From        schema.TaskStatus `json:"from,omitempty"`
	To          schema.TaskStatus `json:"to"`
	Reason      string            `json:"reason,omitempty"`
	Iteration   int               `json:"iteration,omitempty"`
}

func (TaskPayload) kinds() []Kind {
	return []Kind{KindTaskCreated, KindTaskStarted, KindTaskResumed, KindTaskPaused, KindTaskCompleted,
		KindTaskFailed, KindTaskNeedsHelp, KindTaskInterrupted, KindTaskCancelled}
}

type ToolPayload struct {
	CallID     string          `json:"call_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

func (ToolPayload) kinds() []Kind { return []Kind{KindToolStart, KindToolEnd, KindToolError} }

type ConfirmRequiredPayload struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Message   string `json:"message,omitempty"`
}

func (ConfirmRequiredPayload) kinds() []Kind { return []Kind{KindConfirmRequired} }

type ConfirmResponsePayload struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

func (ConfirmResponsePayload) kinds() []Kind { return []Kind{KindUserConfirmResponse} }

type TakeoverPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (TakeoverPayload) kinds() []Kind { return []Kind{KindUserTakeover} }

type UserInputPayload struct {
	Text string `json:"text"`
}

func (UserInputPayload) kinds() []Kind { return []Kind{KindUserInput} }

type ChunkPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

func (ChunkPayload) kinds() []Kind { return []Kind{KindLLMResponseChunk} }

type CompressionPayload struct {
	TokensBefore   int  `json:"tokens_before"`
	TokensAfter    int  `json:"tokens_after"`
	MessagesBefore int  `json:"messages_before"`
	MessagesAfter  int  `json:"messages_after"`
	Summarized     bool `json:"summarized"`
}

func (CompressionPayload) kinds() []Kind { return []Kind{KindContextCompressed} }

type ScreenshotPayload struct {
	ScreenshotID string `json:"screenshot_id"`
	Owner        int    `json:"owner,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (ScreenshotPayload) kinds() []Kind { return []Kind{KindScreenshotEvicted} }

func payloadAllows(p Payload, kind Kind) bool {
	return slices.Contains(p.kinds(), kind)
}

// decodePayload selects the variant for kind and decodes raw into it.
func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch kind {
	case KindTaskCreated, KindTaskStarted, KindTaskResumed, KindTaskPaused, KindTaskCompleted,
		KindTaskFailed, KindTaskNeedsHelp, KindTaskInterrupted, KindTaskCancelled:
		p, err = decodeInto[TaskPayload](raw)
	case KindToolStart, KindToolEnd, KindToolError:
		p, err = decodeInto[ToolPayload](raw)
	case KindConfirmRequired:
		p, err = decodeInto[ConfirmRequiredPayload](raw)
	case KindUserConfirmResponse:
		p, err = decodeInto[ConfirmResponsePayload](raw)
	case KindUserTakeover:
		p, err = decodeInto[TakeoverPayload](raw)
	case KindUserInput:
		p, err = decodeInto[UserInputPayload](raw)
	case KindLLMResponseChunk:
		p, err = decodeInto[ChunkPayload](raw)
	case KindContextCompressed:
		p, err = decodeInto[CompressionPayload](raw)
	case KindScreenshotEvicted:
		p, err = decodeInto[ScreenshotPayload](raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

func decodeInto[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
