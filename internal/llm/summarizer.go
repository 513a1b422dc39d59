// Package llm adapts hosted models to the narrow interfaces the coordination
// core needs. Today that is only history summarization.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
)

const summaryPrompt = `You compress the history of a desktop automation agent so it can keep working with less context.
Write a concise, factual summary of at most 500 words. Preserve the user's goal. List the actions taken and their
results, every error and how it was handled, and what progress remains. Do not invent details.`

type Config struct {
	APIKey string
	Model  string
	// MaxTokens bounds the summary response.
	MaxTokens int64
	// MaxAttempts counts the first call.
	MaxAttempts    int
	InitialBackoff time.Duration
	// Timeout bounds each attempt.
	Timeout time.Duration
	Logger  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "claude-haiku-4-5"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// messagesAPI is the slice of the Anthropic client the summarizer calls.
type messagesAPI interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Summarizer implements ctxwindow.Summarizer on the Anthropic Messages API.
type Summarizer struct {
	api    messagesAPI
	cfg    Config
	logger *slog.Logger
}

func NewSummarizer(cfg Config) (*Summarizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return newSummarizer(&client.Messages, cfg), nil
}

func newSummarizer(api messagesAPI, cfg Config) *Summarizer {
	cfg = cfg.withDefaults()
	return &Summarizer{api: api, cfg: cfg, logger: cfg.Logger.With("component", "llm")}
}

func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.cfg.Model),
		MaxTokens: s.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: summaryPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(transcript)),
		},
	}

	var resp *anthropic.Message
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		r, err := s.api.New(attemptCtx, params)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("summary request failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return "", fmt.Errorf("anthropic summarize: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	s.logger.Debug("summary generated",
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return strings.TrimSpace(sb.String()), nil
}

// retryable reports whether a failed call may succeed when repeated:
// transport errors, rate limits and server errors.
func retryable(err error) bool {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return !errors.Is(err, context.Canceled)
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
}
