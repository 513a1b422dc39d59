package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"
)

type fakeMessages struct {
	errs   []error
	calls  int
	params []anthropic.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.calls++
	f.params = append(f.params, params)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &anthropic.Message{Content: []anthropic.ContentBlockUnion{
		{Type: "text", Text: "  Opened settings; "},
		{Type: "thinking"},
		{Type: "text", Text: "toggle failed twice.  "},
	}}, nil
}

func testConfig() Config {
	return Config{InitialBackoff: time.Millisecond, Timeout: time.Second}
}

func TestSummarizeJoinsTextBlocks(t *testing.T) {
	api := &fakeMessages{}
	s := newSummarizer(api, testConfig())

	out, err := s.Summarize(context.Background(), "user:\n  open settings\n")
	require.NoError(t, err)
	require.Equal(t, "Opened settings; toggle failed twice.", out)
	require.Equal(t, 1, api.calls)

	params := api.params[0]
	require.Equal(t, anthropic.Model("claude-haiku-4-5"), params.Model)
	require.EqualValues(t, 1024, params.MaxTokens)
	require.Len(t, params.System, 1)
	require.Contains(t, params.System[0].Text, "500 words")
}

func TestSummarizeRetriesTransientErrors(t *testing.T) {
	api := &fakeMessages{errs: []error{fmt.Errorf("connection reset"), fmt.Errorf("EOF")}}
	s := newSummarizer(api, testConfig())

	out, err := s.Summarize(context.Background(), "transcript")
	require.NoError(t, err)
	require.NotEmpty(t, out)
	require.Equal(t, 3, api.calls)
}

func TestSummarizeGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("connection refused")
	api := &fakeMessages{errs: []error{boom, boom, boom, boom}}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	s := newSummarizer(api, cfg)

	_, err := s.Summarize(context.Background(), "transcript")
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, api.calls)
}

func TestEmptyTranscriptSkipsCall(t *testing.T) {
	api := &fakeMessages{}
	out, err := newSummarizer(api, testConfig()).Summarize(context.Background(), "   ")
	require.NoError(t, err)
	require.Empty(t, out)
	require.Zero(t, api.calls)
}

func TestRetryable(t *testing.T) {
	require.True(t, retryable(errors.New("dial tcp: timeout")))
	require.False(t, retryable(context.Canceled))
	require.True(t, retryable(&anthropic.Error{StatusCode: 429}))
	require.True(t, retryable(&anthropic.Error{StatusCode: 529}))
	require.False(t, retryable(&anthropic.Error{StatusCode: 400}))
	require.False(t, retryable(fmt.Errorf("wrapped: %w", &anthropic.Error{StatusCode: 401})))
}

func TestNewSummarizerRequiresKey(t *testing.T) {
	_, err := NewSummarizer(Config{})
	require.Error(t, err)
	s, err := NewSummarizer(Config{APIKey: "sk-test"})
	require.NoError(t, err)
	require.NotNil(t, s)
}
