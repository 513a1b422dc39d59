// Package engine assembles the coordination core: one event bus, one store
// and the managers that share them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flitsinc/nogicos/internal/checkpoint"
	"github.com/flitsinc/nogicos/internal/config"
	"github.com/flitsinc/nogicos/internal/ctxwindow"
	"github.com/flitsinc/nogicos/internal/eventbus"
	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/llm"
	"github.com/flitsinc/nogicos/internal/metrics"
	"github.com/flitsinc/nogicos/internal/schema"
	"github.com/flitsinc/nogicos/internal/screenshot"
	"github.com/flitsinc/nogicos/internal/store"
	"github.com/flitsinc/nogicos/internal/tasks"
)

type Runtime struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Bus         *eventbus.Bus
	Store       *store.Store
	Checkpoints *checkpoint.Checkpointer
	Tasks       *tasks.Manager
	Screenshots *screenshot.Cache
	Context     *ctxwindow.Manager

	detach []func()
}

type Option func(*options)

type options struct {
	logger     *slog.Logger
	summarizer ctxwindow.SummarizerFactory
	tokenizer  ctxwindow.Tokenizer
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithSummarizer replaces the Anthropic summarizer built from the API key.
func WithSummarizer(f ctxwindow.SummarizerFactory) Option {
	return func(o *options) { o.summarizer = f }
}

func WithTokenizer(t ctxwindow.Tokenizer) Option {
	return func(o *options) { o.tokenizer = t }
}

// New opens the store at cfg.DBPath and wires every component to it. The bus
// is not running until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.summarizer == nil && cfg.LLMAPIKey != "" {
		o.summarizer = anthropicSummarizer(cfg, o.logger)
	}

	r := &Runtime{
		Config:  cfg,
		Logger:  o.logger.With("component", "engine"),
		Metrics: metrics.New(),
	}
	r.Bus = eventbus.NewBus(eventbus.Config{
		QueueCapacity:     cfg.Bus.QueueCapacity,
		BatchSize:         cfg.Bus.BatchSize,
		StarvationBatches: cfg.Bus.StarvationBatches,
		StopTimeout:       cfg.Bus.StopTimeout,
		Logger:            o.logger,
		Metrics:           r.Metrics,
	})

	st, err := store.Open(ctx, cfg.DBPath, store.Config{
		PoolSize:         cfg.Store.PoolSize,
		FlushThreshold:   cfg.Store.FlushThreshold,
		FlushInterval:    cfg.Store.FlushInterval,
		MaxFlushInterval: cfg.Store.MaxFlushInterval,
		MaxAttempts:      cfg.Store.MaxAttempts,
		TaskIDPrefix:     cfg.Store.TaskIDPrefix,
		Logger:           o.logger,
		Metrics:          r.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r.Store = st

	r.Checkpoints = checkpoint.New(st,
		checkpoint.WithFullEvery(cfg.Checkpoint.FullEvery),
		checkpoint.WithLogger(o.logger),
	)
	r.Tasks = tasks.NewManager(st, r.Bus,
		tasks.WithRecorder(r.Checkpoints),
		tasks.WithLogger(o.logger),
	)

	r.Screenshots, err = screenshot.New(screenshot.Config{
		MaxEntries:     cfg.Screenshot.MaxEntries,
		MaxMemoryBytes: cfg.Screenshot.MaxMemoryBytes,
		MaxDimension:   cfg.Screenshot.MaxDimension,
		JPEGQuality:    cfg.Screenshot.JPEGQuality,
		OnEvict:        r.announceEviction,
		Logger:         o.logger,
		Metrics:        r.Metrics,
	})
	if err != nil {
		_ = st.Close(ctx)
		return nil, fmt.Errorf("screenshot cache: %w", err)
	}

	r.Context, err = ctxwindow.New(ctxwindow.Config{
		Budget:         ContextBudget(cfg.Context),
		PreserveRecent: cfg.Context.PreserveRecent,
		Tokenizer:      o.tokenizer,
		Summarizer:     o.summarizer,
		Screenshots:    r.Screenshots,
		Bus:            r.Bus,
		Logger:         o.logger,
		Metrics:        r.Metrics,
	})
	if err != nil {
		r.Screenshots.Close()
		_ = st.Close(ctx)
		return nil, fmt.Errorf("context window: %w", err)
	}

	r.detach = append(r.detach,
		r.Tasks.Attach(r.Bus),
		r.Bus.Subscribe(events.KindTaskCompleted, r.releaseTask, eventbus.WithName("engine.release")),
		r.Bus.Subscribe(events.KindTaskFailed, r.releaseTask, eventbus.WithName("engine.release")),
		r.Bus.Subscribe(events.KindTaskCancelled, r.releaseTask, eventbus.WithName("engine.release")),
	)
	return r, nil
}

// ContextBudget maps the configured limits onto a token budget.
func ContextBudget(c config.ContextConfig) ctxwindow.TokenBudget {
	return ctxwindow.TokenBudget{
		MaxInputTokens:             c.MaxInputTokens,
		MaxOutputTokens:            c.MaxOutputTokens,
		WarningRatio:               c.WarningRatio,
		CompressionRatio:           c.CompressionRatio,
		EmergencyRatio:             c.EmergencyRatio,
		MaxScreenshots:             c.MaxScreenshots,
		PerScreenshotTokenEstimate: c.PerScreenshotTokenEstimate,
		SystemPromptReserve:        c.SystemPromptReserve,
		ToolDefinitionReserve:      c.ToolDefinitionReserve,
		ResponseReserve:            c.ResponseReserve,
	}
}

func anthropicSummarizer(cfg config.Config, logger *slog.Logger) ctxwindow.SummarizerFactory {
	return func(context.Context) (ctxwindow.Summarizer, error) {
		return llm.NewSummarizer(llm.Config{
			APIKey: cfg.LLMAPIKey,
			Model:  cfg.LLMModel,
			Logger: logger,
		})
	}
}

// Start runs the event bus worker until ctx ends or Close is called.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Bus.Start(ctx); err != nil {
		return err
	}
	r.Logger.Info("runtime started", "db", r.Config.DBPath)
	return nil
}

// Close releases components in dependency order: the context manager and
// screenshot cache first, while the bus can still announce evictions, then
// the bus, then the store with its final flush.
func (r *Runtime) Close(ctx context.Context) error {
	for _, d := range r.detach {
		d()
	}
	r.detach = nil

	var errs []error
	if err := r.Context.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	r.Screenshots.Close()
	if err := r.Bus.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop bus: %w", err))
	}
	if err := r.Store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// CaptureScreenshot stores a raw capture for the window owner and returns
// the image block that references it.
func (r *Runtime) CaptureScreenshot(ctx context.Context, owner int, data []byte) (schema.Block, error) {
	id, err := r.Screenshots.Store(ctx, data, owner)
	if err != nil {
		return schema.Block{}, err
	}
	img, ok := r.Screenshots.Image(id)
	if !ok {
		return schema.Block{}, fmt.Errorf("screenshot %s evicted before use", id)
	}
	return schema.ImageBlock(img), nil
}

func (r *Runtime) announceEviction(entry screenshot.Entry, reason string) {
	evt := events.ScreenshotEvicted(context.Background(), entry.ID, entry.Owner, reason)
	if _, err := r.Bus.Publish(context.Background(), evt); err != nil {
		r.Logger.Debug("screenshot eviction not announced", "id", entry.ID, "error", err)
	}
}

// releaseTask drops per-task caches once a task reaches a terminal status
// and frees the screenshots of the windows it targeted. A window another
// live task still targets keeps its screenshots.
func (r *Runtime) releaseTask(ctx context.Context, evt events.AgentEvent) error {
	st, err := r.Tasks.State(ctx, evt.TaskID)
	if err != nil {
		if tasks.IsNotFound(err) {
			return nil
		}
		return err
	}
	held, err := r.heldWindows(ctx, evt.TaskID)
	if err != nil {
		return err
	}
	released := 0
	for _, handle := range st.TargetWindowHandles {
		if _, ok := held[handle]; ok {
			continue
		}
		released += r.Screenshots.DeleteByOwner(handle)
	}
	r.Tasks.Forget(evt.TaskID)
	r.Checkpoints.ClearCache(evt.TaskID)
	r.Logger.Debug("task released", "task_id", evt.TaskID, "status", st.Status, "screenshots", released)
	return nil
}

// heldWindows returns the window handles targeted by non-terminal tasks other
// than taskID.
func (r *Runtime) heldWindows(ctx context.Context, taskID string) (map[int]struct{}, error) {
	active, err := r.Store.ActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	held := map[int]struct{}{}
	for _, task := range active {
		if task.ID == taskID {
			continue
		}
		for _, handle := range task.TargetWindowHandles {
			held[handle] = struct{}{}
		}
	}
	return held, nil
}
