package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/metrics"
)

// Handler receives one event. A returned error is logged and counted; it
// never stops delivery to other handlers.
type Handler func(ctx context.Context, evt events.AgentEvent) error

// Class is the queue bucket an event is placed in. Higher is more urgent.
type Class int

const (
	ClassBackground Class = iota
	ClassLow
	ClassNormal
	ClassHigh
	ClassCritical

	numClasses = int(ClassCritical) + 1
)

func (c Class) String() string {
	switch c {
	case ClassBackground:
		return "background"
	case ClassLow:
		return "low"
	case ClassNormal:
		return "normal"
	case ClassHigh:
		return "high"
	case ClassCritical:
		return "critical"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

var (
	ErrClosed      = errors.New("event bus closed")
	ErrOverflow    = errors.New("event queue overflow")
	ErrStarted     = errors.New("event bus already started")
	ErrStopTimeout = errors.New("event bus stop timed out")
)

// OverflowError is returned by Publish when a non-droppable event finds the
// queue full and nothing droppable to displace. The caller decides whether
// to retry or escalate.
type OverflowError struct {
	Kind     events.Kind
	Class    Class
	Capacity int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("event queue overflow: %s (%s) rejected at capacity %d", e.Kind, e.Class, e.Capacity)
}

func (e *OverflowError) Unwrap() error {
	return ErrOverflow
}

type Config struct {
	// QueueCapacity bounds the number of queued events. Critical events may
	// exceed it; nothing else does.
	QueueCapacity int
	// BatchSize is how many events the worker dispatches per wakeup.
	BatchSize int
	// DroppableAtOrBelow is the highest class that may be discarded.
	DroppableAtOrBelow Class
	// StarvationBatches is how many batches a non-empty bucket may be passed
	// over before it is guaranteed a slot.
	StarvationBatches int
	StopTimeout       time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity:      1000,
		BatchSize:          10,
		DroppableAtOrBelow: ClassLow,
		StarvationBatches:  4,
		StopTimeout:        5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.DroppableAtOrBelow < ClassBackground || c.DroppableAtOrBelow >= ClassCritical {
		c.DroppableAtOrBelow = def.DroppableAtOrBelow
	}
	if c.StarvationBatches <= 0 {
		c.StarvationBatches = def.StarvationBatches
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.Metrics = metrics.OrDiscard(c.Metrics)
	return c
}

type Stats struct {
	Published       uint64 `json:"published"`
	Dropped         uint64 `json:"dropped"`
	Overflowed      uint64 `json:"overflowed"`
	Dispatched      uint64 `json:"dispatched"`
	HandlerFailures uint64 `json:"handler_failures"`
	QueueDepth      int    `json:"queue_depth"`
}

type SubscribeOption func(*subscriber)

// WithPriority orders handlers within their group; higher runs first.
func WithPriority(priority int) SubscribeOption {
	return func(s *subscriber) { s.priority = priority }
}

// WithName sets the handler identity used in logs and metrics.
func WithName(name string) SubscribeOption {
	return func(s *subscriber) {
		if name != "" {
			s.name = name
		}
	}
}

// Async schedules the handler on its own goroutine instead of running it
// inline in the dispatch loop.
func Async() SubscribeOption {
	return func(s *subscriber) { s.async = true }
}
