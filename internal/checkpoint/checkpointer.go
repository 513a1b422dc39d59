// Package checkpoint persists task working state as a chain of full
// snapshots and deltas, and rebuilds it on restart.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flitsinc/nogicos/internal/store"
)

// ErrRestoreDegraded marks a restore that had no full snapshot to start from
// or had to skip unreadable records. It is reported through RestoreInfo and
// logged; it is never returned as an error.
var ErrRestoreDegraded = errors.New("checkpoint chain degraded")

// Store is the part of the persistent store the checkpointer writes through.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error
	AllCheckpoints(ctx context.Context, taskID string) ([]store.Checkpoint, error)
}

type Option func(*Checkpointer)

// WithFullEvery sets how many saves share one full snapshot. The first save
// of every group of n is written in full.
func WithFullEvery(n int) Option {
	return func(c *Checkpointer) {
		if n > 0 {
			c.fullEvery = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Checkpointer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type Checkpointer struct {
	store     Store
	fullEvery int
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*cached
}

type cached struct {
	state State
	saves int
}

func New(s Store, opts ...Option) *Checkpointer {
	c := &Checkpointer{
		store:     s,
		fullEvery: 10,
		logger:    slog.New(slog.DiscardHandler),
		cache:     map[string]*cached{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "checkpoint")
	return c
}

// Save records state for taskID. It writes a full snapshot when the task has
// no cached predecessor, on the cadence set by WithFullEvery, or when the new
// state is not a pure extension of the cached one; otherwise it writes only
// the delta. A state identical to the cached one writes nothing.
func (c *Checkpointer) Save(ctx context.Context, taskID string, state State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx, taskID, state, false)
}

// Update applies mutate to the latest state of taskID and saves the result.
// A task missing from the cache is restored from the store first.
func (c *Checkpointer) Update(ctx context.Context, taskID string, mutate func(*State)) (State, error) {
	return c.update(ctx, taskID, mutate, false)
}

// Rebase is Update that always writes a full snapshot.
func (c *Checkpointer) Rebase(ctx context.Context, taskID string, mutate func(*State)) (State, error) {
	return c.update(ctx, taskID, mutate, true)
}

func (c *Checkpointer) update(ctx context.Context, taskID string, mutate func(*State), forceFull bool) (State, error) {
	c.mu.Lock()
	_, ok := c.cache[taskID]
	c.mu.Unlock()
	if !ok {
		if _, _, err := c.restore(ctx, taskID, false); err != nil {
			return State{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state := State{TaskID: taskID}
	if entry := c.cache[taskID]; entry != nil {
		state = entry.state.Clone()
	}
	mutate(&state)
	if err := c.saveLocked(ctx, taskID, state, forceFull); err != nil {
		return State{}, err
	}
	return state.Clone(), nil
}

func (c *Checkpointer) saveLocked(ctx context.Context, taskID string, state State, forceFull bool) error {
	state = state.Clone()
	state.TaskID = taskID
	for i := range state.Messages {
		compactToolInputs(state.Messages[i].Content)
	}

	prev := c.cache[taskID]
	full := forceFull || prev == nil || prev.saves%c.fullEvery == 0

	var (
		payload []byte
		err     error
	)
	if !full {
		delta, ok := Diff(prev.state, state)
		switch {
		case !ok:
			full = true
		case delta.Empty():
			return nil
		default:
			payload, err = encodeDelta(delta)
		}
	}
	if full {
		payload, err = encodeFull(state)
	}
	if err != nil {
		return fmt.Errorf("encode checkpoint for %s: %w", taskID, err)
	}

	if err := c.store.SaveCheckpoint(ctx, store.Checkpoint{
		TaskID:    taskID,
		Iteration: state.Iteration,
		State:     payload,
		IsFull:    full,
	}); err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", taskID, err)
	}

	next := &cached{state: state, saves: 1}
	if !full {
		next.saves = prev.saves + 1
	}
	c.cache[taskID] = next
	return nil
}

// Cached returns a copy of the last state saved or restored for taskID.
func (c *Checkpointer) Cached(taskID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[taskID]
	if !ok {
		return State{}, false
	}
	return entry.state.Clone(), true
}

// RestoreInfo describes how a state was rebuilt.
type RestoreInfo struct {
	BaseIteration int  `json:"base_iteration"`
	Replayed      int  `json:"replayed"`
	Skipped       int  `json:"skipped"`
	Degraded      bool `json:"degraded"`
}

// Restore rebuilds the latest state of taskID from the nearest full snapshot
// and the deltas after it. It returns nil when the task has no checkpoints.
// Without any full snapshot the earliest delta is applied to an empty base
// and the result is flagged degraded.
func (c *Checkpointer) Restore(ctx context.Context, taskID string) (*State, RestoreInfo, error) {
	return c.restore(ctx, taskID, true)
}

// restore rebuilds the state and caches it. With overwrite=false an entry
// cached concurrently by a save is left alone.
func (c *Checkpointer) restore(ctx context.Context, taskID string, overwrite bool) (*State, RestoreInfo, error) {
	records, err := c.store.AllCheckpoints(ctx, taskID)
	if err != nil {
		return nil, RestoreInfo{}, fmt.Errorf("restore %s: %w", taskID, err)
	}
	if len(records) == 0 {
		return nil, RestoreInfo{}, nil
	}

	var info RestoreInfo
	base := -1
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].IsFull {
			base = i
			break
		}
	}

	state := State{TaskID: taskID}
	start := 0
	if base >= 0 {
		rec, err := decodeRecord(records[base].State)
		if err != nil || rec.Kind != kindFull {
			// An unreadable snapshot is treated like a missing one.
			c.logger.Warn("full snapshot unreadable", "task_id", taskID, "iteration", records[base].Iteration, "error", err)
			info.Skipped++
			base = -1
		} else {
			state = rec.State.Clone()
			state.TaskID = taskID
			info.BaseIteration = records[base].Iteration
			start = base + 1
		}
	}
	if base < 0 {
		info.Degraded = true
		info.BaseIteration = records[0].Iteration
	}

	for _, cp := range records[start:] {
		if cp.IsFull {
			continue
		}
		rec, err := decodeRecord(cp.State)
		if err != nil || rec.Kind != kindDelta {
			c.logger.Warn("skipping unreadable delta", "task_id", taskID, "iteration", cp.Iteration, "error", err)
			info.Skipped++
			info.Degraded = true
			continue
		}
		state = Apply(state, *rec.Delta)
		info.Replayed++
	}

	if info.Degraded {
		c.logger.Warn("restored from a degraded checkpoint chain",
			"task_id", taskID,
			"error", ErrRestoreDegraded,
			"replayed", info.Replayed,
			"skipped", info.Skipped,
		)
	}

	c.mu.Lock()
	if _, exists := c.cache[taskID]; overwrite || !exists {
		entry := &cached{state: state.Clone(), saves: info.Replayed + 1}
		if info.Degraded {
			// Force the next save to write a clean base.
			entry.saves = 0
		}
		c.cache[taskID] = entry
	}
	c.mu.Unlock()

	return &state, info, nil
}

// ClearCache forgets the cached state of the given tasks, or of every task
// when none are named. The next save of a forgotten task is a full snapshot.
func (c *Checkpointer) ClearCache(taskIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(taskIDs) == 0 {
		clear(c.cache)
		return
	}
	for _, id := range taskIDs {
		delete(c.cache, id)
	}
}
