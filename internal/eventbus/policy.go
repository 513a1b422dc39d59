package eventbus

import (
	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/schema"
)

// ClassOf maps an event to its queue bucket. Failure, takeover and both
// confirmation kinds are always critical regardless of the priority they were
// published with.
func ClassOf(evt events.AgentEvent) Class {
	switch evt.Kind {
	case events.KindTaskFailed, events.KindUserTakeover, events.KindConfirmRequired, events.KindUserConfirmResponse:
		return ClassCritical
	}
	switch evt.Priority {
	case schema.PriorityCritical:
		return ClassCritical
	case schema.PriorityHigh:
		return ClassHigh
	case schema.PriorityLow:
		if evt.Kind == events.KindLLMResponseChunk {
			return ClassBackground
		}
		return ClassLow
	default:
		return ClassNormal
	}
}

func (b *Bus) droppable(c Class) bool {
	return c <= b.cfg.DroppableAtOrBelow
}
