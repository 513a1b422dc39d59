package engine

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/flitsinc/nogicos/internal/checkpoint"
	"github.com/flitsinc/nogicos/internal/config"
	"github.com/flitsinc/nogicos/internal/ctxwindow"
	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/schema"
	"github.com/flitsinc/nogicos/internal/screenshot"
	"github.com/flitsinc/nogicos/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.DBPath = filepath.Join(cfg.DataDir, "nogicos.db")
	cfg.Store.FlushInterval = time.Hour
	return cfg
}

func runesTokenizer() Option {
	return WithTokenizer(ctxwindow.TokenizerFunc(utf8.RuneCountInString))
}

func startRuntime(t *testing.T, cfg config.Config, opts ...Option) *Runtime {
	t.Helper()
	r, err := New(context.Background(), cfg, append([]Option{runesTokenizer()}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestTakeoverThroughBusPausesTask(t *testing.T) {
	r := startRuntime(t, testConfig(t))
	ctx := context.Background()

	task, err := r.Tasks.CreateTask(ctx, "", "rename the report", nil)
	require.NoError(t, err)
	_, err = r.Tasks.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)

	_, err = r.Bus.Publish(ctx, events.UserTakeover(ctx, task.ID, "manual fix"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := r.Tasks.Status(ctx, task.ID)
		return err == nil && status == schema.StatusPaused
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTerminalTaskReleasesScreenshots(t *testing.T) {
	r := startRuntime(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	evicted := r.Bus.Stream(ctx, events.KindScreenshotEvicted)

	task, err := r.Tasks.CreateTask(ctx, "", "fill the form", []int{7})
	require.NoError(t, err)

	block, err := r.CaptureScreenshot(ctx, 7, pngBytes(t, 64, 32))
	require.NoError(t, err)
	require.Equal(t, schema.BlockImage, block.Type)
	require.NotNil(t, block.Image)
	require.Equal(t, "image/jpeg", block.Image.MediaType)
	require.Equal(t, 64, block.Image.Width)
	other, err := r.CaptureScreenshot(ctx, 9, pngBytes(t, 16, 16))
	require.NoError(t, err)

	_, err = r.Tasks.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)
	_, err = r.Tasks.Transition(ctx, task.ID, schema.StatusCompleted, "")
	require.NoError(t, err)

	select {
	case evt := <-evicted:
		p := evt.Payload.(events.ScreenshotPayload)
		require.Equal(t, block.Image.ScreenshotID, p.ScreenshotID)
		require.Equal(t, 7, p.Owner)
		require.Equal(t, screenshot.ReasonOwner, p.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no screenshot_evicted event")
	}
	_, ok := r.Screenshots.Peek(other.Image.ScreenshotID)
	require.True(t, ok, "screenshots of other windows stay")
}

func TestSharedWindowOutlivesFirstTask(t *testing.T) {
	r := startRuntime(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	evicted := r.Bus.Stream(ctx, events.KindScreenshotEvicted)

	first, err := r.Tasks.CreateTask(ctx, "a-1", "copy the table", []int{7, 8})
	require.NoError(t, err)
	second, err := r.Tasks.CreateTask(ctx, "b-1", "paste the table", []int{7})
	require.NoError(t, err)

	shared, err := r.CaptureScreenshot(ctx, 7, pngBytes(t, 32, 32))
	require.NoError(t, err)
	own, err := r.CaptureScreenshot(ctx, 8, pngBytes(t, 16, 16))
	require.NoError(t, err)

	nextEviction := func() events.ScreenshotPayload {
		t.Helper()
		select {
		case evt := <-evicted:
			return evt.Payload.(events.ScreenshotPayload)
		case <-time.After(2 * time.Second):
			t.Fatal("no screenshot_evicted event")
		}
		return events.ScreenshotPayload{}
	}

	_, err = r.Tasks.Transition(ctx, first.ID, schema.StatusCancelled, "")
	require.NoError(t, err)
	p := nextEviction()
	require.Equal(t, own.Image.ScreenshotID, p.ScreenshotID)
	_, ok := r.Screenshots.Peek(shared.Image.ScreenshotID)
	require.True(t, ok, "window 7 is still targeted by b-1")

	_, err = r.Tasks.Transition(ctx, second.ID, schema.StatusCancelled, "")
	require.NoError(t, err)
	p = nextEviction()
	require.Equal(t, shared.Image.ScreenshotID, p.ScreenshotID)
	require.Equal(t, 7, p.Owner)
}

func TestCloseFlushesToDisk(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(context.Background(), cfg, runesTokenizer())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	ctx := context.Background()

	task, err := r.Tasks.CreateTask(ctx, "", "archive mail", nil)
	require.NoError(t, err)
	_, err = r.Tasks.Transition(ctx, task.ID, schema.StatusRunning, "")
	require.NoError(t, err)
	require.NoError(t, r.Checkpoints.Save(ctx, task.ID, checkpointState(task.ID)))
	require.NoError(t, r.Close(ctx))
	require.NoError(t, r.Close(ctx), "second close is a no-op")

	s, err := store.Open(ctx, cfg.DBPath, store.Config{})
	require.NoError(t, err)
	defer s.Close(ctx)
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, schema.StatusRunning, got.Status)
	cps, err := s.AllCheckpoints(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, cps)
}

func checkpointState(taskID string) checkpoint.State {
	return checkpoint.State{
		TaskID:    taskID,
		Status:    schema.StatusRunning,
		Iteration: 1,
		Messages:  []schema.Message{schema.TextMessage(schema.RoleUser, "archive mail")},
	}
}

type stubSummarizer struct{ calls int }

func (s *stubSummarizer) Summarize(context.Context, string) (string, error) {
	s.calls++
	return "the user wanted the report renamed", nil
}

func TestContextManagerUsesInjectedSummarizer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Context.MaxInputTokens = 30_000
	cfg.Context.SystemPromptReserve = 1_000
	cfg.Context.ToolDefinitionReserve = 500
	cfg.Context.ResponseReserve = 500
	cfg.Context.PreserveRecent = 2
	stub := &stubSummarizer{}
	r := startRuntime(t, cfg, WithSummarizer(func(context.Context) (ctxwindow.Summarizer, error) {
		return stub, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	compressed := r.Bus.Stream(ctx, events.KindContextCompressed)

	var msgs []schema.Message
	for range 30 {
		msgs = append(msgs, schema.TextMessage(schema.RoleUser, string(bytes.Repeat([]byte("a"), 1000))))
	}
	out, err := r.Context.MaybeCompress(ctx, msgs, false)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, 1, stub.calls)
	require.Contains(t, out[0].Text(), "report renamed")

	select {
	case evt := <-compressed:
		require.True(t, evt.Payload.(events.CompressionPayload).Summarized)
	case <-time.After(2 * time.Second):
		t.Fatal("no context_compressed event")
	}
}

func TestNewFailsOnInvalidBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Context.CompressionRatio = 0.5
	_, err := New(context.Background(), cfg, runesTokenizer())
	require.True(t, errors.Is(err, ctxwindow.ErrInvalidBudget), "got %v", err)
}
