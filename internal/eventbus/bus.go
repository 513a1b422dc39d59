package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/metrics"
)

type Bus struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	seq    uint64
	byKind map[events.Kind][]*subscriber
	all    []*subscriber

	qMu     sync.Mutex
	buckets [numClasses][]queued
	size    int
	skipped [numClasses]int
	closed  bool
	started bool
	wake    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	async sync.WaitGroup

	published       atomic.Uint64
	dropped         atomic.Uint64
	overflowed      atomic.Uint64
	dispatched      atomic.Uint64
	handlerFailures atomic.Uint64
}

type subscriber struct {
	id       uint64
	name     string
	priority int
	async    bool
	handler  Handler
}

type queued struct {
	evt      events.AgentEvent
	class    Class
	sentinel bool
}

func NewBus(cfg Config) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "eventbus"),
		metrics: cfg.Metrics,
		byKind:  map[events.Kind][]*subscriber{},
		wake:    make(chan struct{}, 1),
	}
}

// Subscribe registers handler for one kind. The returned function removes
// the subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(kind events.Kind, handler Handler, opts ...SubscribeOption) func() {
	sub := b.newSubscriber(handler, opts)
	b.mu.Lock()
	b.byKind[kind] = insertSorted(b.byKind[kind], sub)
	b.mu.Unlock()
	return b.unsubscriber(func() {
		b.byKind[kind] = removeSubscriber(b.byKind[kind], sub.id)
		if len(b.byKind[kind]) == 0 {
			delete(b.byKind, kind)
		}
	})
}

// SubscribeAll registers handler for every kind. These handlers run before
// kind-specific ones.
func (b *Bus) SubscribeAll(handler Handler, opts ...SubscribeOption) func() {
	sub := b.newSubscriber(handler, opts)
	b.mu.Lock()
	b.all = insertSorted(b.all, sub)
	b.mu.Unlock()
	return b.unsubscriber(func() {
		b.all = removeSubscriber(b.all, sub.id)
	})
}

// Stream delivers matching events (all kinds when none are given) on a
// channel until ctx is done. Slow readers miss events rather than stalling
// dispatch.
func (b *Bus) Stream(ctx context.Context, kinds ...events.Kind) <-chan events.AgentEvent {
	ch := make(chan events.AgentEvent, 64)
	want := map[events.Kind]struct{}{}
	for _, k := range kinds {
		want[k] = struct{}{}
	}

	var mu sync.Mutex
	closed := false
	handler := func(_ context.Context, evt events.AgentEvent) error {
		if len(want) > 0 {
			if _, ok := want[evt.Kind]; !ok {
				return nil
			}
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
		return nil
	}
	unsubscribe := b.SubscribeAll(handler, WithName("stream"), WithPriority(-1<<31))

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.all)
	for _, subs := range b.byKind {
		n += len(subs)
	}
	return n
}

// Publish enqueues evt for the background worker. It returns accepted=false
// with a nil error when the event was droppable and discarded, and an
// *OverflowError when a non-droppable event could not be queued.
func (b *Bus) Publish(ctx context.Context, evt events.AgentEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !evt.Kind.Valid() {
		return false, fmt.Errorf("publish: %w: %q", events.ErrUnknownKind, evt.Kind)
	}
	class := ClassOf(evt)

	b.qMu.Lock()
	if b.closed {
		b.qMu.Unlock()
		return false, ErrClosed
	}
	if b.size >= b.cfg.QueueCapacity {
		if b.droppable(class) {
			b.qMu.Unlock()
			b.recordDrop(evt, class, "queue full")
			return false, nil
		}
		if victim, ok := b.evictDroppableLocked(); ok {
			b.enqueueLocked(queued{evt: evt, class: class})
			b.qMu.Unlock()
			b.recordDrop(victim.evt, victim.class, "displaced")
			b.accepted(evt)
			return true, nil
		}
		if class != ClassCritical {
			b.qMu.Unlock()
			b.overflowed.Add(1)
			return false, &OverflowError{Kind: evt.Kind, Class: class, Capacity: b.cfg.QueueCapacity}
		}
		// Critical events are admitted over capacity.
	}
	b.enqueueLocked(queued{evt: evt, class: class})
	b.qMu.Unlock()
	b.accepted(evt)
	return true, nil
}

func (b *Bus) accepted(evt events.AgentEvent) {
	b.published.Add(1)
	b.metrics.EventsPublished.WithLabelValues(string(evt.Kind)).Inc()
	b.signal()
}

func (b *Bus) recordDrop(evt events.AgentEvent, class Class, reason string) {
	b.dropped.Add(1)
	b.metrics.EventsDropped.WithLabelValues(class.String()).Inc()
	b.logger.Debug("event dropped", "kind", evt.Kind, "task_id", evt.TaskID, "class", class.String(), "reason", reason)
}

func (b *Bus) enqueueLocked(item queued) {
	b.buckets[item.class] = append(b.buckets[item.class], item)
	if !item.sentinel {
		b.size++
	}
	b.metrics.QueueDepth.Set(float64(b.size))
}

// evictDroppableLocked removes the newest event from the least urgent
// droppable bucket.
func (b *Bus) evictDroppableLocked() (queued, bool) {
	for c := ClassBackground; c <= b.cfg.DroppableAtOrBelow; c++ {
		bucket := b.buckets[c]
		for i := len(bucket) - 1; i >= 0; i-- {
			if bucket[i].sentinel {
				continue
			}
			victim := bucket[i]
			b.buckets[c] = append(bucket[:i], bucket[i+1:]...)
			b.size--
			return victim, true
		}
	}
	return queued{}, false
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatch worker. Events published before Start stay
// queued until it runs.
func (b *Bus) Start(ctx context.Context) error {
	b.qMu.Lock()
	defer b.qMu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return ErrStarted
	}
	b.started = true
	workerCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(workerCtx, b.done)
	b.logger.Info("event bus started", "capacity", b.cfg.QueueCapacity, "batch_size", b.cfg.BatchSize)
	return nil
}

// Stop closes the bus to new events, sends a sentinel behind everything
// already queued and waits for the worker to reach it. If that takes longer
// than the stop timeout (or ctx ends first) the worker is cancelled.
func (b *Bus) Stop(ctx context.Context) error {
	b.qMu.Lock()
	if b.closed {
		b.qMu.Unlock()
		return nil
	}
	b.closed = true
	if !b.started {
		b.qMu.Unlock()
		return nil
	}
	b.enqueueLocked(queued{class: ClassBackground, sentinel: true})
	done, cancel := b.done, b.cancel
	b.qMu.Unlock()
	b.signal()

	timer := time.NewTimer(b.cfg.StopTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = ErrStopTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	if err != nil {
		b.logger.Warn("event bus worker did not drain in time; cancelled", "error", err)
		select {
		case <-done:
		case <-time.After(b.cfg.StopTimeout):
			b.logger.Error("event bus worker abandoned: a handler ignores cancellation")
		}
	}

	asyncDone := make(chan struct{})
	go func() {
		b.async.Wait()
		close(asyncDone)
	}()
	select {
	case <-asyncDone:
	case <-time.After(b.cfg.StopTimeout):
		b.logger.Warn("async handlers still running after stop")
	}
	b.logger.Info("event bus stopped", "dropped", b.dropped.Load(), "dispatched", b.dispatched.Load())
	return err
}

func (b *Bus) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		batch, sentinel := b.nextBatch()
		for _, item := range batch {
			if ctx.Err() != nil {
				return
			}
			b.Dispatch(ctx, item.evt)
		}
		if sentinel {
			return
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
	}
}

// nextBatch pops up to BatchSize events, most urgent first. A bucket passed
// over for StarvationBatches consecutive batches gets one guaranteed slot.
// The returned batch is ordered by class, FIFO within a class.
func (b *Bus) nextBatch() ([]queued, bool) {
	b.qMu.Lock()
	defer b.qMu.Unlock()

	batch := make([]queued, 0, b.cfg.BatchSize)
	served := [numClasses]bool{}

	for c := ClassHigh; c >= ClassBackground; c-- {
		if len(batch) >= b.cfg.BatchSize {
			break
		}
		bucket := b.buckets[c]
		if len(bucket) == 0 || bucket[0].sentinel || b.skipped[c] < b.cfg.StarvationBatches {
			continue
		}
		batch = append(batch, bucket[0])
		b.buckets[c] = bucket[1:]
		served[c] = true
	}

	sentinel := false
fill:
	for c := ClassCritical; c >= ClassBackground; c-- {
		for len(batch) < b.cfg.BatchSize && len(b.buckets[c]) > 0 {
			head := b.buckets[c][0]
			if head.sentinel {
				if len(batch) == 0 && b.othersEmptyLocked(c) {
					b.buckets[c] = b.buckets[c][1:]
					sentinel = true
				}
				break fill
			}
			batch = append(batch, head)
			b.buckets[c] = b.buckets[c][1:]
			served[c] = true
		}
	}

	for c := 0; c < numClasses; c++ {
		switch {
		case served[c] || len(b.buckets[c]) == 0:
			b.skipped[c] = 0
		default:
			b.skipped[c]++
		}
	}

	b.size -= len(batch)
	b.metrics.QueueDepth.Set(float64(b.size))
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].class > batch[j].class })
	return batch, sentinel
}

func (b *Bus) othersEmptyLocked(except Class) bool {
	for c := 0; c < numClasses; c++ {
		if Class(c) != except && len(b.buckets[c]) > 0 {
			return false
		}
	}
	return true
}

// Dispatch delivers evt synchronously: SubscribeAll handlers first, then
// handlers for evt.Kind, each group in descending priority and subscription
// order. Handler failures and panics are logged and skipped.
func (b *Bus) Dispatch(ctx context.Context, evt events.AgentEvent) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.all)+len(b.byKind[evt.Kind]))
	subs = append(subs, b.all...)
	subs = append(subs, b.byKind[evt.Kind]...)
	b.mu.RUnlock()

	b.dispatched.Add(1)
	for _, sub := range subs {
		if sub.async {
			b.async.Add(1)
			go func(sub *subscriber) {
				defer b.async.Done()
				b.invoke(ctx, sub, evt)
			}(sub)
			continue
		}
		b.invoke(ctx, sub, evt)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscriber, evt events.AgentEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailed(sub, evt, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := sub.handler(ctx, evt); err != nil {
		b.handlerFailed(sub, evt, err)
	}
}

func (b *Bus) handlerFailed(sub *subscriber, evt events.AgentEvent, err error) {
	b.handlerFailures.Add(1)
	b.metrics.HandlerFailures.WithLabelValues(sub.name).Inc()
	b.logger.Error("event handler failed",
		"handler", sub.name,
		"kind", evt.Kind,
		"event_id", evt.ID,
		"task_id", evt.TaskID,
		"error", err,
	)
}

func (b *Bus) Stats() Stats {
	b.qMu.Lock()
	depth := b.size
	b.qMu.Unlock()
	return Stats{
		Published:       b.published.Load(),
		Dropped:         b.dropped.Load(),
		Overflowed:      b.overflowed.Load(),
		Dispatched:      b.dispatched.Load(),
		HandlerFailures: b.handlerFailures.Load(),
		QueueDepth:      depth,
	}
}

func (b *Bus) newSubscriber(handler Handler, opts []SubscribeOption) *subscriber {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.mu.Unlock()
	sub := &subscriber{id: id, handler: handler, name: handlerName(handler)}
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}
	return sub
}

func (b *Bus) unsubscriber(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			remove()
			b.mu.Unlock()
		})
	}
}

// insertSorted returns a new slice so snapshots taken by Dispatch stay valid.
func insertSorted(list []*subscriber, sub *subscriber) []*subscriber {
	out := make([]*subscriber, 0, len(list)+1)
	out = append(out, list...)
	out = append(out, sub)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].id < out[j].id
	})
	return out
}

func removeSubscriber(list []*subscriber, id uint64) []*subscriber {
	out := make([]*subscriber, 0, len(list))
	for _, sub := range list {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}

func handlerName(h Handler) string {
	if h == nil {
		return "nil"
	}
	if fn := runtime.FuncForPC(reflect.ValueOf(h).Pointer()); fn != nil {
		return fn.Name()
	}
	return "handler"
}
