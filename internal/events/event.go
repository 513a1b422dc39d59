package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/flitsinc/nogicos/internal/idgen"
	"github.com/flitsinc/nogicos/internal/schema"
)

var (
	ErrUnknownKind     = errors.New("unknown event kind")
	ErrPayloadMismatch = errors.New("payload does not match event kind")
)

// AgentEvent is an immutable envelope. It is passed by value; handlers get
// their own copy and must not rely on mutating it.
type AgentEvent struct {
	ID            string
	Kind          Kind
	TaskID        string
	Timestamp     time.Time
	Payload       Payload
	Source        string
	Priority      schema.Priority
	CorrelationID string
}

type Option func(*AgentEvent)

func WithPriority(p schema.Priority) Option {
	return func(e *AgentEvent) {
		if p.Valid() {
			e.Priority = p
		}
	}
}

func WithSource(source string) Option {
	return func(e *AgentEvent) { e.Source = source }
}

func WithCorrelationID(id string) Option {
	return func(e *AgentEvent) { e.CorrelationID = id }
}

func WithTimestamp(ts time.Time) Option {
	return func(e *AgentEvent) { e.Timestamp = ts }
}

func WithID(id string) Option {
	return func(e *AgentEvent) {
		if id != "" {
			e.ID = id
		}
	}
}

// New builds a validated event. The payload must be one of the value types in
// this package and must be legal for kind.
func New(kind Kind, taskID string, payload Payload, opts ...Option) (AgentEvent, error) {
	if !kind.Valid() {
		return AgentEvent{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if payload == nil {
		return AgentEvent{}, fmt.Errorf("%w: %s has no payload", ErrPayloadMismatch, kind)
	}
	if reflect.ValueOf(payload).Kind() == reflect.Pointer {
		return AgentEvent{}, fmt.Errorf("%w: %s payload must be a value, got %T", ErrPayloadMismatch, kind, payload)
	}
	if !payloadAllows(payload, kind) {
		return AgentEvent{}, fmt.Errorf("%w: %T cannot carry %s", ErrPayloadMismatch, payload, kind)
	}
	evt := AgentEvent{
		ID:        idgen.New(),
		Kind:      kind,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Priority:  kind.DefaultPriority(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&evt)
		}
	}
	return evt, nil
}

// MustNew is New for statically known kind/payload pairs.
func MustNew(kind Kind, taskID string, payload Payload, opts ...Option) AgentEvent {
	evt, err := New(kind, taskID, payload, opts...)
	if err != nil {
		panic(err)
	}
	return evt
}

// UnixTimestamp is the event time as fractional unix seconds, the wire form.
func (e AgentEvent) UnixTimestamp() float64 {
	return float64(e.Timestamp.UnixNano()) / float64(time.Second)
}

func (e AgentEvent) String() string {
	return fmt.Sprintf("%s[%s task=%s]", e.Kind, e.ID, e.TaskID)
}

type wireEvent struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	TaskID        string          `json:"task_id"`
	Timestamp     float64         `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Source        string          `json:"source,omitempty"`
	Priority      string          `json:"priority"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (e AgentEvent) MarshalJSON() ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Kind, err)
	}
	return json.Marshal(wireEvent{
		ID:            e.ID,
		Kind:          string(e.Kind),
		TaskID:        e.TaskID,
		Timestamp:     e.UnixTimestamp(),
		Payload:       payload,
		Source:        e.Source,
		Priority:      string(e.Priority),
		CorrelationID: e.CorrelationID,
	})
}

func (e *AgentEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	kind, err := ParseKind(strings.TrimSpace(w.Kind))
	if err != nil {
		return err
	}
	priority, err := schema.ParsePriority(w.Priority)
	if err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if w.Priority == "" {
		priority = kind.DefaultPriority()
	}
	payload, err := decodePayload(kind, w.Payload)
	if err != nil {
		return err
	}
	sec, frac := math.Modf(w.Timestamp)
	*e = AgentEvent{
		ID:            w.ID,
		Kind:          kind,
		TaskID:        w.TaskID,
		Timestamp:     time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(),
		Payload:       payload,
		Source:        w.Source,
		Priority:      priority,
		CorrelationID: w.CorrelationID,
	}
	return nil
}
