package ctxwindow

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/flitsinc/nogicos/internal/agentcontext"
	"github.com/flitsinc/nogicos/internal/events"
	"github.com/flitsinc/nogicos/internal/schema"
)

const (
	modeLLM    = "llm"
	modeDigest = "digest"
)

// MaybeCompress returns msgs unchanged while usage is below the compression
// ratio, unless force is set. Otherwise the newest PreserveRecent messages
// are kept and everything older becomes one system message holding an LLM
// summary, or a digest of tool activity when no summarizer is usable. The
// result always fits AvailableForHistory: the preserved window shrinks
// first, then the summary is cut, then the oldest preserved message.
//
// The only error is ctx ending during summarization, in which case msgs is
// returned unchanged.
func (m *Manager) MaybeCompress(ctx context.Context, msgs []schema.Message, force bool) ([]schema.Message, error) {
	avail := m.budget.AvailableForHistory()
	before := m.countMessages(msgs)
	if !force && float64(before)/float64(avail) < m.budget.CompressionRatio {
		return msgs, nil
	}

	keep := min(m.preserve, len(msgs))
	older := msgs[:len(msgs)-keep]
	if len(older) == 0 && before <= avail {
		return msgs, nil
	}

	body, mode := m.summarize(ctx, older)
	if err := ctx.Err(); err != nil {
		return msgs, err
	}
	out := m.fit(msgs, len(older), body)
	after := m.countMessages(out)
	m.release(droppedImages(msgs, out))

	m.metrics.ContextCompressions.WithLabelValues(mode).Inc()
	m.logger.Info("history compressed",
		"mode", mode,
		"tokens_before", before,
		"tokens_after", after,
		"messages_before", len(msgs),
		"messages_after", len(out),
	)
	if m.bus != nil {
		evt := events.ContextCompressed(ctx, agentcontext.TaskIDFromContext(ctx), events.CompressionPayload{
			TokensBefore:   before,
			TokensAfter:    after,
			MessagesBefore: len(msgs),
			MessagesAfter:  len(out),
			Summarized:     mode == modeLLM,
		})
		if _, err := m.bus.Publish(ctx, evt); err != nil {
			m.logger.Warn("context_compressed not published", "error", err)
		}
	}
	return out, nil
}

func (m *Manager) summarize(ctx context.Context, older []schema.Message) (string, string) {
	if len(older) == 0 {
		return "", modeDigest
	}
	s, release, err := m.summarizer.acquire(ctx)
	if err != nil {
		m.logger.Debug("using digest summary", "error", err)
		return digest(older), modeDigest
	}
	defer release()

	text, err := s.Summarize(ctx, renderTranscript(older))
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		m.logger.Warn("summarizer failed, using digest", "error", err)
		return digest(older), modeDigest
	}
	return limitWords(text, m.maxWords), modeLLM
}

// fit assembles summary + preserved messages and trims them until they fit.
func (m *Manager) fit(msgs []schema.Message, summarized int, body string) []schema.Message {
	avail := m.budget.AvailableForHistory()
	start := summarized

	for {
		out := m.assemble(msgs, start, body)
		if m.countMessages(out) <= avail {
			return out
		}
		if len(msgs)-start <= 1 {
			break
		}
		if line := digestLines(msgs[start : start+1]); line != "" {
			body = strings.TrimSpace(body + "\n" + line)
		}
		start++
	}

	recent := schema.CloneMessages(msgs[start:])
	summary := m.summaryMessage(msgs, start, body)

	room := avail - m.countMessages(recent)
	floor := min(m.countMessage(summary), avail/10)
	summary, _ = m.truncateMessage(summary, max(room, floor))
	if m.countMessage(summary)+m.countMessages(recent) <= avail {
		return m.join(summary, recent)
	}

	room = avail - m.countMessage(summary)
	if len(recent) > 0 {
		oldest, ok := m.truncateMessage(recent[0], room)
		if !ok {
			var stripped []string
			oldest.Content = stripImages(oldest.Content, &stripped)
			oldest, ok = m.truncateMessage(oldest, room)
		}
		if ok {
			recent[0] = oldest
			return m.join(summary, recent)
		}
	}
	summary, _ = m.truncateMessage(summary, avail)
	return m.join(summary, nil)
}

func (m *Manager) assemble(msgs []schema.Message, start int, body string) []schema.Message {
	recent := msgs[start:]
	if start == 0 && body == "" {
		return schema.CloneMessages(recent)
	}
	return m.join(m.summaryMessage(msgs, start, body), schema.CloneMessages(recent))
}

func (m *Manager) join(summary schema.Message, recent []schema.Message) []schema.Message {
	out := make([]schema.Message, 0, len(recent)+1)
	if len(summary.Content) > 0 && summary.Content[0].Text != "" {
		out = append(out, summary)
	}
	return append(out, recent...)
}

// summaryMessage stands in for msgs[:start]. With nothing summarized it is
// empty and join leaves it out.
func (m *Manager) summaryMessage(msgs []schema.Message, start int, body string) schema.Message {
	if start == 0 && body == "" {
		return schema.Message{Role: schema.RoleSystem}
	}
	text := fmt.Sprintf("[Summary of %d earlier messages]\n%s", start, body)
	msg := schema.TextMessage(schema.RoleSystem, strings.TrimSpace(text))
	if start > 0 {
		msg.Timestamp = msgs[start-1].Timestamp
	}
	return msg
}

// droppedImages lists the screenshots referenced by before that after no
// longer carries.
func droppedImages(before, after []schema.Message) []string {
	kept := map[string]bool{}
	for _, id := range imageIDs(after) {
		kept[id] = true
	}
	var dropped []string
	for _, id := range imageIDs(before) {
		if !kept[id] {
			kept[id] = true
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func imageIDs(msgs []schema.Message) []string {
	var ids []string
	var walk func(blocks []schema.Block)
	walk = func(blocks []schema.Block) {
		for _, b := range blocks {
			if b.Type == schema.BlockImage && b.Image != nil && b.Image.ScreenshotID != "" {
				ids = append(ids, b.Image.ScreenshotID)
			}
			walk(b.Content)
		}
	}
	for _, msg := range msgs {
		walk(msg.Content)
	}
	return ids
}

func (m *Manager) release(ids []string) {
	if m.shots == nil {
		return
	}
	for _, id := range ids {
		m.shots.Delete(id)
	}
}

// truncateMessage cuts the message's text, in reading order, to the longest
// prefix that fits maxTokens. It reports false when even no text is too
// much, returning the text-less message.
func (m *Manager) truncateMessage(msg schema.Message, maxTokens int) (schema.Message, bool) {
	if m.countMessage(msg) <= maxTokens {
		return msg, true
	}
	limited := func(n int) schema.Message {
		out := msg.Clone()
		remaining := n
		out.Content = limitText(out.Content, &remaining)
		return out
	}
	if m.countMessage(limited(0)) > maxTokens {
		return limited(0), false
	}
	lo, hi := 0, textRunes(msg.Content)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if m.countMessage(limited(mid)) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return limited(lo), true
}

func textRunes(blocks []schema.Block) int {
	n := 0
	for _, b := range blocks {
		n += utf8.RuneCountInString(b.Text) + textRunes(b.Content)
	}
	return n
}

func limitText(blocks []schema.Block, remaining *int) []schema.Block {
	for i := range blocks {
		if blocks[i].Text != "" {
			blocks[i].Text = prefixRunes(blocks[i].Text, *remaining)
			*remaining -= utf8.RuneCountInString(blocks[i].Text)
		}
		blocks[i].Content = limitText(blocks[i].Content, remaining)
	}
	return blocks
}

func prefixRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func limitWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ") + " …"
}

// digest is the summary used without a summarizer: the tool calls made and
// whether each result was an error.
func digest(msgs []schema.Message) string {
	lines := digestLines(msgs)
	if lines == "" {
		return "No tool activity in the condensed messages."
	}
	return "Earlier tool activity:\n" + lines
}

func digestLines(msgs []schema.Message) string {
	names := map[string]string{}
	var lines []string
	var walk func(blocks []schema.Block)
	walk = func(blocks []schema.Block) {
		for _, b := range blocks {
			switch b.Type {
			case schema.BlockToolUse:
				names[b.ToolUseID] = b.ToolName
				lines = append(lines, "- called "+b.ToolName)
			case schema.BlockToolResult:
				name := names[b.ToolUseID]
				if name == "" {
					name = "tool " + b.ToolUseID
				}
				marker := "ok"
				if b.IsError {
					marker = "error"
				}
				lines = append(lines, fmt.Sprintf("- %s: %s", name, marker))
			}
			walk(b.Content)
		}
	}
	for _, msg := range msgs {
		walk(msg.Content)
	}
	return strings.Join(lines, "\n")
}

// renderTranscript flattens messages into the plain text the summarizer
// reads.
func renderTranscript(msgs []schema.Message) string {
	var sb strings.Builder
	var write func(blocks []schema.Block, depth int)
	write = func(blocks []schema.Block, depth int) {
		indent := strings.Repeat("  ", depth)
		for _, b := range blocks {
			switch b.Type {
			case schema.BlockText:
				sb.WriteString(indent + b.Text + "\n")
			case schema.BlockImage:
				sb.WriteString(indent + "[image]\n")
			case schema.BlockToolUse:
				fmt.Fprintf(&sb, "%s[tool call] %s %s\n", indent, b.ToolName, string(b.ToolInput))
			case schema.BlockToolResult:
				status := "ok"
				if b.IsError {
					status = "error"
				}
				fmt.Fprintf(&sb, "%s[tool result: %s]\n", indent, status)
			}
			write(b.Content, depth+1)
		}
	}
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "%s:\n", msg.Role)
		write(msg.Content, 1)
	}
	return sb.String()
}
