package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flitsinc/nogicos/internal/schema"
)

// Checkpoint is one persisted snapshot or delta of a task's working state.
// State is opaque to the store.
type Checkpoint struct {
	TaskID       string          `json:"task_id"`
	Iteration    int             `json:"iteration"`
	State        json.RawMessage `json:"state"`
	ScreenshotID string          `json:"screenshot_id,omitempty"`
	IsFull       bool            `json:"is_full"`
	CreatedAt    time.Time       `json:"created_at"`
}

type MessageRecord struct {
	TaskID  string         `json:"task_id"`
	Message schema.Message `json:"message"`
}

// entry is one buffered write. Exactly one field is set.
type entry struct {
	checkpoint *Checkpoint
	message    *MessageRecord
}

// SaveCheckpoint buffers a checkpoint. It becomes durable on the next flush
// but is visible to reads immediately.
func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.TaskID == "" {
		return fmt.Errorf("save checkpoint: empty task id")
	}
	if !json.Valid(cp.State) {
		return fmt.Errorf("save checkpoint %s@%d: state is not valid JSON", cp.TaskID, cp.Iteration)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	cp.State = slices.Clone(cp.State)
	return s.enqueue(ctx, entry{checkpoint: &cp})
}

// SaveMessage buffers one conversation message for taskID.
func (s *Store) SaveMessage(ctx context.Context, taskID string, msg schema.Message) error {
	if taskID == "" {
		return fmt.Errorf("save message: empty task id")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	return s.enqueue(ctx, entry{message: &MessageRecord{TaskID: taskID, Message: msg.Clone()}})
}

func (s *Store) enqueue(ctx context.Context, e entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.buf = append(s.buf, e)
	depth := len(s.buf)
	s.mu.Unlock()

	s.metrics.StoreBufferDepth.Set(float64(depth))
	if depth >= s.cfg.FlushThreshold {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush synchronously writes everything buffered so far.
func (s *Store) Flush(ctx context.Context) error {
	return s.flush(ctx, true)
}

func (s *Store) loop() {
	defer close(s.done)
	ctx := context.Background()

	timer := time.NewTimer(s.cfg.FlushInterval)
	defer timer.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-s.kick:
			_ = s.flush(ctx, false)
		case <-timer.C:
			_ = s.flush(ctx, true)
		}
		s.mu.Lock()
		interval := s.intervalLocked()
		s.mu.Unlock()
		timer.Reset(interval)
	}
}

// intervalLocked grows the timer by one step per consecutive failed flush.
func (s *Store) intervalLocked() time.Duration {
	d := s.cfg.FlushInterval + time.Duration(s.failures)*s.cfg.FlushIntervalStep
	return min(d, s.cfg.MaxFlushInterval)
}

// flush commits buffered entries in batches of at most FlushThreshold. With
// partial=false only full batches are taken and a short tail stays buffered
// for the timer or the next explicit flush.
func (s *Store) flush(ctx context.Context, partial bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	for {
		batch := s.takeBatch(partial)
		if len(batch) == 0 {
			return nil
		}
		if err := s.commitWithRetry(ctx, batch); err != nil {
			s.requeue(batch, err)
			return err
		}
		s.mu.Lock()
		s.failures = 0
		s.lastErr = nil
		s.mu.Unlock()
	}
}

func (s *Store) takeBatch(partial bool) []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(len(s.buf), s.cfg.FlushThreshold)
	if n == 0 || (!partial && n < s.cfg.FlushThreshold) {
		return nil
	}
	batch := slices.Clone(s.buf[:n])
	s.buf = slices.Delete(s.buf, 0, n)
	s.inflight = batch
	s.metrics.StoreBufferDepth.Set(float64(len(s.buf)))
	return batch
}

// requeue puts a failed batch back in front of anything buffered since, so
// the original write order is kept.
func (s *Store) requeue(batch []entry, cause error) {
	s.mu.Lock()
	s.buf = append(slices.Clone(batch), s.buf...)
	s.inflight = nil
	s.failures++
	s.lastErr = cause
	depth := len(s.buf)
	next := s.intervalLocked()
	s.mu.Unlock()

	s.flushFailures.Add(1)
	s.requeued.Add(uint64(len(batch)))
	s.metrics.StoreFlushFailures.Inc()
	s.metrics.StoreRequeued.Add(float64(len(batch)))
	s.metrics.StoreBufferDepth.Set(float64(depth))
	s.logger.Error("store flush failed; batch requeued",
		"entries", len(batch),
		"buffered", depth,
		"next_attempt_in", next,
		"error", cause,
	)
}

func (s *Store) commitWithRetry(ctx context.Context, batch []entry) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := s.commit(ctx, batch)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("store flush attempt failed", "attempt", attempts, "retry_in", wait, "entries", len(batch), "error", err)
	})
	if err != nil {
		return &FlushError{Entries: len(batch), Attempts: attempts, Err: err}
	}
	s.flushes.Add(1)
	s.metrics.StoreFlushes.Inc()
	return nil
}

// commit writes one batch in a single transaction.
func (s *Store) commit(ctx context.Context, batch []entry) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.beforeCommit != nil {
		if err := s.beforeCommit(batch); err != nil {
			return err
		}
	}

	err := s.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		for _, e := range batch {
			if err := writeEntry(ctx, tx, e); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	return nil
}

func writeEntry(ctx context.Context, tx *sql.Tx, e entry) error {
	switch {
	case e.checkpoint != nil:
		cp := e.checkpoint
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (task_id, iteration, state_json, screenshot_id, is_full, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, cp.TaskID, cp.Iteration, string(cp.State), nullString(cp.ScreenshotID), cp.IsFull, formatTime(cp.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert checkpoint %s@%d: %w", cp.TaskID, cp.Iteration, err)
		}
	case e.message != nil:
		m := e.message
		content, err := json.Marshal(m.Message.Content)
		if err != nil {
			return fmt.Errorf("encode message content: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (task_id, role, content, timestamp) VALUES (?, ?, ?, ?)
		`, m.TaskID, string(m.Message.Role), string(content), m.Message.Timestamp.UnixNano())
		if err != nil {
			return fmt.Errorf("insert message for %s: %w", m.TaskID, err)
		}
	}
	return nil
}

// pending returns the buffered writes not yet committed, oldest first.
func (s *Store) pending() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entry, 0, len(s.inflight)+len(s.buf))
	out = append(out, s.inflight...)
	out = append(out, s.buf...)
	return out
}

// AllCheckpoints returns every checkpoint of taskID in ascending iteration
// order, including ones still waiting in the buffer.
func (s *Store) AllCheckpoints(ctx context.Context, taskID string) ([]Checkpoint, error) {
	s.readMu.RLock()
	defer s.readMu.RUnlock()

	var out []Checkpoint
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT task_id, iteration, state_json, screenshot_id, is_full, created_at
			FROM checkpoints WHERE task_id = ? ORDER BY iteration ASC, id ASC
		`, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			cp, err := scanCheckpoint(rows)
			if err != nil {
				return err
			}
			out = append(out, cp)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", taskID, err)
	}

	for _, e := range s.pending() {
		if e.checkpoint != nil && e.checkpoint.TaskID == taskID {
			out = append(out, *e.checkpoint)
		}
	}
	slices.SortStableFunc(out, func(a, b Checkpoint) int { return a.Iteration - b.Iteration })
	return out, nil
}

// RestoreLatestCheckpoint returns the checkpoint with the highest iteration
// (the most recently written one on ties). ok is false when the task has
// none.
func (s *Store) RestoreLatestCheckpoint(ctx context.Context, taskID string) (Checkpoint, bool, error) {
	s.readMu.RLock()
	defer s.readMu.RUnlock()

	var (
		latest Checkpoint
		found  bool
	)
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			SELECT task_id, iteration, state_json, screenshot_id, is_full, created_at
			FROM checkpoints WHERE task_id = ? ORDER BY iteration DESC, id DESC LIMIT 1
		`, taskID)
		cp, err := scanCheckpoint(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		latest, found = cp, true
		return nil
	})
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("latest checkpoint for %s: %w", taskID, err)
	}

	for _, e := range s.pending() {
		cp := e.checkpoint
		if cp == nil || cp.TaskID != taskID {
			continue
		}
		if !found || cp.Iteration >= latest.Iteration {
			latest, found = *cp, true
		}
	}
	return latest, found, nil
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp           Checkpoint
		state        string
		screenshotID sql.NullString
		createdAt    string
	)
	if err := row.Scan(&cp.TaskID, &cp.Iteration, &state, &screenshotID, &cp.IsFull, &createdAt); err != nil {
		return Checkpoint{}, err
	}
	cp.State = json.RawMessage(state)
	cp.ScreenshotID = screenshotID.String
	cp.CreatedAt = parseTime(createdAt)
	return cp, nil
}

// Messages returns the conversation of taskID in timestamp order, including
// buffered messages.
func (s *Store) Messages(ctx context.Context, taskID string) ([]schema.Message, error) {
	s.readMu.RLock()
	defer s.readMu.RUnlock()

	var out []schema.Message
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT role, content, timestamp FROM messages WHERE task_id = ? ORDER BY timestamp ASC, id ASC
		`, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				role    string
				content string
				ts      int64
			)
			if err := rows.Scan(&role, &content, &ts); err != nil {
				return err
			}
			msg := schema.Message{Role: schema.Role(role), Timestamp: time.Unix(0, ts).UTC()}
			if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
				return fmt.Errorf("decode message content: %w", err)
			}
			out = append(out, msg)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", taskID, err)
	}

	for _, e := range s.pending() {
		if e.message != nil && e.message.TaskID == taskID {
			out = append(out, e.message.Message.Clone())
		}
	}
	slices.SortStableFunc(out, func(a, b schema.Message) int { return a.Timestamp.Compare(b.Timestamp) })
	return out, nil
}
