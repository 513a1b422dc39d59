package ctxwindow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrSummarizationUnavailable = errors.New("summarization unavailable")

// Summarizer condenses a rendered transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// SummarizerFactory builds the summarizer on first use.
type SummarizerFactory func(ctx context.Context) (Summarizer, error)

// summarizerHandle creates the summarizer lazily and counts the calls using
// it, so close can wait for them before releasing it.
type summarizerHandle struct {
	factory SummarizerFactory

	mu        sync.Mutex
	s         Summarizer
	closed    bool
	inUse     sync.WaitGroup
	closeOnce sync.Once
}

func (h *summarizerHandle) acquire(ctx context.Context) (Summarizer, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.factory == nil {
		return nil, nil, ErrSummarizationUnavailable
	}
	if h.s == nil {
		s, err := h.factory(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %w", ErrSummarizationUnavailable, err)
		}
		if s == nil {
			return nil, nil, ErrSummarizationUnavailable
		}
		h.s = s
	}
	h.inUse.Add(1)
	var once sync.Once
	return h.s, func() { once.Do(h.inUse.Done) }, nil
}

func (h *summarizerHandle) ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s != nil && !h.closed
}

func (h *summarizerHandle) close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	s := h.s
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.inUse.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for summarizer calls: %w", ctx.Err())
	}
	var err error
	h.closeOnce.Do(func() {
		if c, ok := s.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
