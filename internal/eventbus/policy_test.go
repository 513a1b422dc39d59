package eventbus

import (
	"context"
	"testing"

	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/schema"
)

func TestClassOf(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		evt  events.AgentEvent
		want Class
	}{
		{"failure", events.TaskFailed(ctx, "t", "x"), ClassCritical},
		{"failure published low", events.TaskFailed(ctx, "t", "x", events.WithPriority(schema.PriorityLow)), ClassCritical},
		{"takeover", events.UserTakeover(ctx, "t", "manual"), ClassCritical},
		{"confirm required", events.ConfirmRequired(ctx, "t", "r", "delete", "sure?"), ClassCritical},
		{"confirm response", events.UserConfirmResponse(ctx, "t", "r", true), ClassCritical},
		{"lifecycle", events.TaskStarted(ctx, "t"), ClassHigh},
		{"tool", events.ToolEnd(ctx, "t", "c", "click", "ok", 0), ClassNormal},
		{"low tool", events.ToolStart(ctx, "t", "c", "scroll", nil, events.WithPriority(schema.PriorityLow)), ClassLow},
		{"chunk", events.LLMResponseChunk(ctx, "t", "tok", false), ClassBackground},
		{"promoted chunk", events.LLMResponseChunk(ctx, "t", "tok", true, events.WithPriority(schema.PriorityHigh)), ClassHigh},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassOf(tc.evt); got != tc.want {
				t.Fatalf("expected class %v, got %v", tc.want, got)
			}
		})
	}
}

func TestDroppableThreshold(t *testing.T) {
	bus := NewBus(Config{})
	for class, want := range map[Class]bool{
		ClassBackground: true,
		ClassLow:        true,
		ClassNormal:     false,
		ClassCritical:   false,
	} {
		if got := bus.droppable(class); got != want {
			t.Errorf("class %v: expected droppable=%v", class, want)
		}
	}

	strict := NewBus(Config{DroppableAtOrBelow: ClassBackground})
	if strict.droppable(ClassLow) {
		t.Fatalf("low must not be droppable with a background threshold")
	}
}
