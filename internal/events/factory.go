package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flitsinc/nogicos/internal/agentcontext"
	"github.com/flitsinc/nogicos/internal/schema"
)

// contextOptions carries the correlation id and source recorded on ctx.
func contextOptions(ctx context.Context, opts []Option) []Option {
	base := []Option{
		WithCorrelationID(agentcontext.CorrelationIDFromContext(ctx)),
		WithSource(agentcontext.SourceFromContext(ctx)),
	}
	return append(base, opts...)
}

func TaskStatusChanged(ctx context.Context, taskID string, from, to schema.TaskStatus, reason string, iteration int, opts ...Option) (AgentEvent, error) {
	kind, ok := KindForStatus(from, to)
	if !ok {
		return AgentEvent{}, ErrUnknownKind
	}
	return New(kind, taskID, TaskPayload{From: from, To: to, Reason: reason, Iteration: iteration}, contextOptions(ctx, opts)...)
}

func TaskCreated(ctx context.Context, taskID, description string, opts ...Option) AgentEvent {
	return MustNew(KindTaskCreated, taskID, TaskPayload{Description: description, To: schema.StatusPending}, contextOptions(ctx, opts)...)
}

func TaskStarted(ctx context.Context, taskID string, opts ...Option) AgentEvent {
	return MustNew(KindTaskStarted, taskID, TaskPayload{From: schema.StatusPending, To: schema.StatusRunning}, contextOptions(ctx, opts)...)
}

func TaskCompleted(ctx context.Context, taskID string, iteration int, opts ...Option) AgentEvent {
	return MustNew(KindTaskCompleted, taskID, TaskPayload{To: schema.StatusCompleted, Iteration: iteration}, contextOptions(ctx, opts)...)
}

func TaskFailed(ctx context.Context, taskID, reason string, opts ...Option) AgentEvent {
	return MustNew(KindTaskFailed, taskID, TaskPayload{To: schema.StatusFailed, Reason: reason}, contextOptions(ctx, opts)...)
}

func ToolStart(ctx context.Context, taskID, callID, tool string, args json.RawMessage, opts ...Option) AgentEvent {
	return MustNew(KindToolStart, taskID, ToolPayload{CallID: callID, ToolName: tool, Args: args}, contextOptions(ctx, opts)...)
}

func ToolEnd(ctx context.Context, taskID, callID, tool, result string, took time.Duration, opts ...Option) AgentEvent {
	return MustNew(KindToolEnd, taskID, ToolPayload{CallID: callID, ToolName: tool, Result: result, DurationMS: took.Milliseconds()}, contextOptions(ctx, opts)...)
}

func ToolError(ctx context.Context, taskID, callID, tool string, err error, took time.Duration, opts ...Option) AgentEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return MustNew(KindToolError, taskID, ToolPayload{CallID: callID, ToolName: tool, Error: msg, DurationMS: took.Milliseconds()}, contextOptions(ctx, opts)...)
}

func ConfirmRequired(ctx context.Context, taskID, requestID, action, message string, opts ...Option) AgentEvent {
	return MustNew(KindConfirmRequired, taskID, ConfirmRequiredPayload{RequestID: requestID, Action: action, Message: message}, contextOptions(ctx, opts)...)
}

func LLMResponseChunk(ctx context.Context, taskID, text string, final bool, opts ...Option) AgentEvent {
	return MustNew(KindLLMResponseChunk, taskID, ChunkPayload{Text: text, Final: final}, contextOptions(ctx, opts)...)
}

func ContextCompressed(ctx context.Context, taskID string, p CompressionPayload, opts ...Option) AgentEvent {
	return MustNew(KindContextCompressed, taskID, p, contextOptions(ctx, opts)...)
}

func ScreenshotEvicted(ctx context.Context, screenshotID string, owner int, reason string, opts ...Option) AgentEvent {
	return MustNew(KindScreenshotEvicted, "", ScreenshotPayload{ScreenshotID: screenshotID, Owner: owner, Reason: reason}, contextOptions(ctx, opts)...)
}

// Bridge-originated events. The UI bridge validates task ids and payload
// fields before calling these; the core trusts what it receives.

func UserConfirmResponse(ctx context.Context, taskID, requestID string, approved bool, opts ...Option) AgentEvent {
	return MustNew(KindUserConfirmResponse, taskID, ConfirmResponsePayload{RequestID: requestID, Approved: approved}, contextOptions(ctx, append([]Option{WithSource("bridge")}, opts...))...)
}

func UserTakeover(ctx context.Context, taskID, reason string, opts ...Option) AgentEvent {
	return MustNew(KindUserTakeover, taskID, TakeoverPayload{Reason: reason}, contextOptions(ctx, append([]Option{WithSource("bridge")}, opts...))...)
}

func UserInput(ctx context.Context, taskID, text string, opts ...Option) AgentEvent {
	return MustNew(KindUserInput, taskID, UserInputPayload{Text: text}, contextOptions(ctx, append([]Option{WithSource("bridge")}, opts...))...)
}
