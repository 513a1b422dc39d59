// Package ctxwindow keeps a task's message history inside the model's token
// budget. It measures history, compresses older messages into a summary and
// thins screenshots.
package ctxwindow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/metrics"
	"github.com/flitsinc/nogicos/internal/schema"
)

// ScreenshotReleaser drops cached screenshots once no message references
// them.
type ScreenshotReleaser interface {
	Delete(id string) bool
}

type Publisher interface {
	Publish(ctx context.Context, evt events.AgentEvent) (bool, error)
}

type Config struct {
	Budget TokenBudget
	// PreserveRecent is how many of the newest messages compression keeps
	// verbatim.
	PreserveRecent int
	// SummaryMaxWords caps LLM summaries.
	SummaryMaxWords int

	Tokenizer   Tokenizer
	Summarizer  SummarizerFactory
	Screenshots ScreenshotReleaser
	Bus         Publisher

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Budget == (TokenBudget{}) {
		c.Budget = DefaultBudget()
	}
	if c.PreserveRecent <= 0 {
		c.PreserveRecent = 6
	}
	if c.SummaryMaxWords <= 0 {
		c.SummaryMaxWords = 500
	}
	if c.Tokenizer == nil {
		c.Tokenizer = DefaultTokenizer()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.Metrics = metrics.OrDiscard(c.Metrics)
	return c
}

type Manager struct {
	budget     TokenBudget
	preserve   int
	maxWords   int
	tok        Tokenizer
	summarizer *summarizerHandle
	shots      ScreenshotReleaser
	bus        Publisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		budget:     cfg.Budget,
		preserve:   cfg.PreserveRecent,
		maxWords:   cfg.SummaryMaxWords,
		tok:        cfg.Tokenizer,
		summarizer: &summarizerHandle{factory: cfg.Summarizer},
		shots:      cfg.Screenshots,
		bus:        cfg.Bus,
		logger:     cfg.Logger.With("component", "ctxwindow"),
		metrics:    cfg.Metrics,
	}, nil
}

func (m *Manager) Budget() TokenBudget { return m.budget }

func (m *Manager) CountTokens(msgs []schema.Message) int {
	return m.countMessages(msgs)
}

// UsageRatio is the history's share of AvailableForHistory.
func (m *Manager) UsageRatio(msgs []schema.Message) float64 {
	return float64(m.countMessages(msgs)) / float64(m.budget.AvailableForHistory())
}

func (m *Manager) ShouldWarn(msgs []schema.Message) bool {
	return m.UsageRatio(msgs) >= m.budget.WarningRatio
}

func (m *Manager) ShouldCompress(msgs []schema.Message) bool {
	return m.UsageRatio(msgs) >= m.budget.CompressionRatio
}

func (m *Manager) IsEmergency(msgs []schema.Message) bool {
	return m.UsageRatio(msgs) >= m.budget.EmergencyRatio
}

type Level string

const (
	LevelOK        Level = "ok"
	LevelWarning   Level = "warning"
	LevelCompress  Level = "compress"
	LevelEmergency Level = "emergency"
)

type Report struct {
	Tokens          int     `json:"tokens"`
	Available       int     `json:"available"`
	UsageRatio      float64 `json:"usage_ratio"`
	Level           Level   `json:"level"`
	Messages        int     `json:"messages"`
	ImageMessages   int     `json:"image_messages"`
	MaxScreenshots  int     `json:"max_screenshots"`
	SummarizerReady bool    `json:"summarizer_ready"`
}

func (m *Manager) Status(msgs []schema.Message) Report {
	tokens := m.countMessages(msgs)
	avail := m.budget.AvailableForHistory()
	ratio := float64(tokens) / float64(avail)
	r := Report{
		Tokens:          tokens,
		Available:       avail,
		UsageRatio:      ratio,
		Level:           LevelOK,
		Messages:        len(msgs),
		ImageMessages:   countImageMessages(msgs),
		MaxScreenshots:  m.budget.MaxScreenshots,
		SummarizerReady: m.summarizer.ready(),
	}
	switch {
	case ratio >= m.budget.EmergencyRatio:
		r.Level = LevelEmergency
	case ratio >= m.budget.CompressionRatio:
		r.Level = LevelCompress
	case ratio >= m.budget.WarningRatio:
		r.Level = LevelWarning
	}
	return r
}

// Close waits for in-flight summaries and releases the summarizer.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.summarizer.close(ctx); err != nil {
		return fmt.Errorf("close context manager: %w", err)
	}
	return nil
}
