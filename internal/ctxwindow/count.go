package ctxwindow

import (
	"math"

	"github.com/flitsinc/nogicos/internal/schema"
)

const (
	minImageTokens = 85
	maxImageEdge   = 1568
	// pixelsPerByte is how many pixels one byte of a compressed screenshot
	// is assumed to carry when the dimensions are unknown.
	pixelsPerByte = 10
)

// ImageTokens estimates the cost of one image as (w*h)/750*1.2, floored at
// 85 tokens. Missing dimensions are recovered from the payload size
// assuming a 16:9 frame. With neither, fallback is returned.
func ImageTokens(img schema.Image, fallback int) int {
	w, h := img.Width, img.Height
	if w <= 0 || h <= 0 {
		if img.Data == "" {
			return max(fallback, minImageTokens)
		}
		w, h = dimensionsFromSize(len(img.Data) * 3 / 4)
	}
	tokens := int(math.Ceil(float64(w) * float64(h) / 750 * 1.2))
	return max(tokens, minImageTokens)
}

func dimensionsFromSize(bytes int) (int, int) {
	pixels := float64(bytes * pixelsPerByte)
	w := math.Sqrt(pixels * 16 / 9)
	h := w * 9 / 16
	if w > maxImageEdge {
		h = h * maxImageEdge / w
		w = maxImageEdge
	}
	return int(w), int(h)
}

func (m *Manager) countMessages(msgs []schema.Message) int {
	total := 0
	for _, msg := range msgs {
		total += m.countBlocks(msg.Content)
	}
	return total
}

func (m *Manager) countMessage(msg schema.Message) int {
	return m.countBlocks(msg.Content)
}

func (m *Manager) countBlocks(blocks []schema.Block) int {
	total := 0
	for _, b := range blocks {
		switch b.Type {
		case schema.BlockText:
			total += m.tok.Count(b.Text)
		case schema.BlockImage:
			if b.Image != nil {
				total += ImageTokens(*b.Image, m.budget.PerScreenshotTokenEstimate)
			}
		case schema.BlockToolUse:
			total += m.tok.Count(b.ToolName) + m.tok.Count(string(b.ToolInput))
		case schema.BlockToolResult:
			total += m.tok.Count(b.Text)
		}
		total += m.countBlocks(b.Content)
	}
	return total
}
