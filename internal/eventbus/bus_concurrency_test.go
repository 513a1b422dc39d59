package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/nogicos/internal/events"
)

func TestConcurrentPublishersUnderSaturation(t *testing.T) {
	bus := NewBus(Config{QueueCapacity: 50, BatchSize: 5})
	ctx := context.Background()

	var criticalSeen atomic.Int64
	bus.SubscribeAll(func(_ context.Context, evt events.AgentEvent) error {
		if evt.Kind == events.KindTaskFailed {
			criticalSeen.Add(1)
		}
		return nil
	})
	require.NoError(t, bus.Start(ctx))

	var g errgroup.Group
	for p := 0; p < 8; p++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				if _, err := bus.Publish(ctx, events.LLMResponseChunk(ctx, "task-1", "tok", false)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 25; i++ {
			ok, err := bus.Publish(ctx, events.TaskFailed(ctx, "task-1", "crashed"))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("critical event %d rejected", i)
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())
	require.NoError(t, bus.Stop(ctx))

	require.EqualValues(t, 25, criticalSeen.Load())
	stats := bus.Stats()
	// Each attempt ends up delivered, rejected at the door or displaced later.
	require.EqualValues(t, 8*200+25, stats.Dispatched+stats.Dropped)
	require.Zero(t, stats.QueueDepth)
}

func TestPublishAfterContextCancel(t *testing.T) {
	bus := NewBus(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	ok, err := bus.Publish(ctx, events.TaskStarted(context.Background(), "task-1"))
	require.False(t, ok)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
