package ctxwindow

import (
	"github.com/flitsinc/nogicos/internal/schema"
)

const screenshotPlaceholder = "[screenshot removed to save context]"

func countImageMessages(msgs []schema.Message) int {
	n := 0
	for _, msg := range msgs {
		if msg.HasImage() {
			n++
		}
	}
	return n
}

// ManageScreenshots keeps at most MaxScreenshots image-bearing messages.
// Images in the oldest excess messages are replaced in place by a text
// placeholder and their cache entries are released. When nothing needs
// thinning msgs is returned as is.
func (m *Manager) ManageScreenshots(msgs []schema.Message) []schema.Message {
	excess := countImageMessages(msgs) - m.budget.MaxScreenshots
	if excess <= 0 {
		return msgs
	}

	out := make([]schema.Message, len(msgs))
	copy(out, msgs)
	var released []string
	for i := 0; i < len(out) && excess > 0; i++ {
		if !out[i].HasImage() {
			continue
		}
		thinned := out[i].Clone()
		thinned.Content = stripImages(thinned.Content, &released)
		out[i] = thinned
		excess--
	}

	if m.shots != nil {
		for _, id := range released {
			m.shots.Delete(id)
		}
	}
	m.logger.Debug("thinned screenshots", "released", len(released), "limit", m.budget.MaxScreenshots)
	return out
}

func stripImages(blocks []schema.Block, released *[]string) []schema.Block {
	for i, b := range blocks {
		if b.Type == schema.BlockImage && b.Image != nil {
			if b.Image.ScreenshotID != "" {
				*released = append(*released, b.Image.ScreenshotID)
			}
			blocks[i] = schema.TextBlock(screenshotPlaceholder)
			continue
		}
		if len(b.Content) > 0 {
			blocks[i].Content = stripImages(b.Content, released)
		}
	}
	return blocks
}
