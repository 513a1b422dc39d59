// Package store is the durable record of tasks, checkpoints and conversation
// messages. Task rows are written synchronously; checkpoints and messages go
// through a write-behind buffer that is flushed in batches.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flitsinc/nogicos/internal/idgen"
	"github.com/flitsinc/nogicos/internal/metrics"
	"github.com/flitsinc/nogicos/internal/schema"
)

var (
	ErrClosed       = errors.New("store closed")
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
)

// FlushError reports a batch that could not be committed after every retry.
// The batch is back in the buffer when this is returned.
type FlushError struct {
	Entries  int
	Attempts int
	Err      error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush %d buffered writes failed after %d attempts: %v", e.Entries, e.Attempts, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

type Config struct {
	PoolSize int
	// FlushThreshold is both the buffer size that triggers a flush and the
	// largest batch a single transaction commits.
	FlushThreshold    int
	FlushInterval     time.Duration
	FlushIntervalStep time.Duration
	MaxFlushInterval  time.Duration
	// MaxAttempts bounds commit attempts per batch, the first one included.
	MaxAttempts          int
	RetryInitialInterval time.Duration
	// TaskIDPrefix is used to allocate ids for tasks created without one.
	TaskIDPrefix string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		PoolSize:             4,
		FlushThreshold:       10,
		FlushInterval:        5 * time.Second,
		FlushIntervalStep:    5 * time.Second,
		MaxFlushInterval:     30 * time.Second,
		MaxAttempts:          3,
		RetryInitialInterval: 100 * time.Millisecond,
		TaskIDPrefix:         "task",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = def.FlushThreshold
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.FlushIntervalStep < 0 {
		c.FlushIntervalStep = def.FlushIntervalStep
	}
	if c.MaxFlushInterval < c.FlushInterval {
		c.MaxFlushInterval = max(def.MaxFlushInterval, c.FlushInterval)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = def.RetryInitialInterval
	}
	if c.TaskIDPrefix == "" {
		c.TaskIDPrefix = def.TaskIDPrefix
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.Metrics = metrics.OrDiscard(c.Metrics)
	return c
}

type Store struct {
	db      *sql.DB
	ownsDB  bool
	pool    *connPool
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu guards the buffer, the in-flight batch and the failure streak.
	mu       sync.Mutex
	buf      []entry
	inflight []entry
	failures int
	lastErr  error
	closed   bool

	// flushMu serializes flushes so batches commit in buffer order.
	flushMu sync.Mutex
	// readMu keeps readers from observing a batch both in the database and in
	// the overlay while it commits.
	readMu sync.RWMutex

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// beforeCommit runs inside every commit attempt; tests use it to inject
	// failures.
	beforeCommit func(batch []entry) error

	flushes       atomic.Uint64
	flushFailures atomic.Uint64
	requeued      atomic.Uint64
}

// Open opens (or creates) the database at path and returns a store that owns
// it.
func Open(ctx context.Context, path string, cfg Config) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New wraps an already migrated database. The caller keeps ownership of db.
func New(ctx context.Context, db *sql.DB, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("component", "store")
	pool, err := newConnPool(ctx, db, cfg.PoolSize, logger, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:      db,
		pool:    pool,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		kick:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

// DB exposes the underlying handle for read-only inspection tools.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, release, err := s.pool.acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(conn)
	release(err)
	return err
}

// CreateTask inserts a new task row. An empty ID is replaced with the next
// sequential id for the configured prefix; a caller-provided id is validated.
func (s *Store) CreateTask(ctx context.Context, task schema.TaskState) (schema.TaskState, error) {
	if s.isClosed() {
		return schema.TaskState{}, ErrClosed
	}
	if task.ID != "" {
		if err := idgen.ValidateTaskID(task.ID); err != nil {
			return schema.TaskState{}, err
		}
	}
	if task.Status == "" {
		task.Status = schema.StatusPending
	}
	if task.AgentStatus == "" {
		task.AgentStatus = schema.DeriveAgentStatus(task.Status)
	}
	now := s.now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	err := s.withConn(ctx, func(conn *sql.Conn) error {
		if task.ID == "" {
			task.ID = idgen.TaskID(ctx, conn, s.cfg.TaskIDPrefix)
		}
		_, err := execWithRetry(ctx, conn, `
			INSERT INTO tasks (id, description, status, agent_status, iteration, target_handles, last_error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, task.ID, task.Description, string(task.Status), string(task.AgentStatus), task.Iteration,
			encodeHandles(task.TargetWindowHandles), nullString(task.LastError),
			formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return schema.TaskState{}, fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}
		return schema.TaskState{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// UpdateStatus writes the status columns of one task.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status schema.TaskStatus, agentStatus schema.AgentStatus, lastError string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.updateTask(ctx, taskID, `UPDATE tasks SET status = ?, agent_status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), string(agentStatus), nullString(lastError), formatTime(s.now()), taskID)
}

// SaveTask overwrites every mutable column of an existing task.
func (s *Store) SaveTask(ctx context.Context, task schema.TaskState) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.updateTask(ctx, task.ID, `
		UPDATE tasks SET description = ?, status = ?, agent_status = ?, iteration = ?, target_handles = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, task.Description, string(task.Status), string(task.AgentStatus), task.Iteration,
		encodeHandles(task.TargetWindowHandles), nullString(task.LastError), formatTime(s.now()), task.ID)
}

func (s *Store) updateTask(ctx context.Context, taskID, query string, args ...any) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := execWithRetry(ctx, conn, query, args...)
		if err != nil {
			return fmt.Errorf("update task %s: %w", taskID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update task %s: %w", taskID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, taskID string) (schema.TaskState, error) {
	var task schema.TaskState
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
			SELECT id, description, status, agent_status, iteration, target_handles, last_error, created_at, updated_at
			FROM tasks WHERE id = ?
		`, taskID)
		var err error
		task, err = scanTask(row)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return schema.TaskState{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return schema.TaskState{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns the most recently updated tasks first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]schema.TaskState, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []schema.TaskState
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT id, description, status, agent_status, iteration, target_handles, last_error, created_at, updated_at
			FROM tasks ORDER BY updated_at DESC LIMIT ?
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// ActiveTasks returns every task whose status still allows a transition.
func (s *Store) ActiveTasks(ctx context.Context) ([]schema.TaskState, error) {
	var out []schema.TaskState
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT id, description, status, agent_status, iteration, target_handles, last_error, created_at, updated_at
			FROM tasks WHERE status NOT IN (?, ?, ?)
		`, string(schema.StatusCompleted), string(schema.StatusFailed), string(schema.StatusCancelled))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			if !task.Status.Terminal() {
				out = append(out, task)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("active tasks: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (schema.TaskState, error) {
	var (
		task                 schema.TaskState
		status, agentStatus  string
		handles              string
		lastError            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&task.ID, &task.Description, &status, &agentStatus, &task.Iteration, &handles, &lastError, &createdAt, &updatedAt); err != nil {
		return schema.TaskState{}, err
	}
	task.Status = schema.TaskStatus(status)
	task.AgentStatus = schema.AgentStatus(agentStatus)
	task.TargetWindowHandles = decodeHandles(handles)
	task.LastError = lastError.String
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return task, nil
}

type Stats struct {
	Buffered       int           `json:"buffered"`
	InFlight       int           `json:"in_flight"`
	Flushes        uint64        `json:"flushes"`
	FlushFailures  uint64        `json:"flush_failures"`
	Requeued       uint64        `json:"requeued"`
	EphemeralConns uint64        `json:"ephemeral_conns"`
	FlushInterval  time.Duration `json:"flush_interval"`
	LastError      string        `json:"last_error,omitempty"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Buffered:       len(s.buf),
		InFlight:       len(s.inflight),
		Flushes:        s.flushes.Load(),
		FlushFailures:  s.flushFailures.Load(),
		Requeued:       s.requeued.Load(),
		EphemeralConns: s.pool.ephemeral.Load(),
		FlushInterval:  s.intervalLocked(),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the flush loop, writes whatever is still buffered and releases
// the connections. A failed final flush is returned; the unwritten entries
// remain visible through Stats.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	err := s.flush(ctx, true)
	if err != nil {
		s.logger.Error("final flush failed", "error", err, "buffered", s.Stats().Buffered)
	}
	s.pool.close()
	if s.ownsDB {
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close db: %w", cerr)
		}
	}
	return err
}
