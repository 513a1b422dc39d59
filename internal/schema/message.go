package schema

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Image is an image payload embedded in a message. Data holds the base64
// payload; ScreenshotID references the screenshot cache entry it came from.
type Image struct {
	MediaType    string `json:"media_type,omitempty"`
	Data         string `json:"data,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	ScreenshotID string `json:"screenshot_id,omitempty"`
}

// Block is one content block. Which fields are meaningful depends on Type:
// text uses Text, image uses Image, tool_use uses ToolUseID/ToolName/ToolInput,
// tool_result uses ToolUseID/Content/IsError. Tool results nest blocks, so
// images can appear at any depth.
type Block struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	Image     *Image          `json:"image,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Content   []Block         `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type Message struct {
	Role      Role      `json:"role"`
	Content   []Block   `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

func ImageBlock(img Image) Block {
	return Block{Type: BlockImage, Image: &img}
}

// ToolUseBlock keeps input in compact form, the form it has after a JSON
// round trip.
func ToolUseBlock(id, name string, input json.RawMessage) Block {
	return Block{Type: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: CompactJSON(input)}
}

// CompactJSON returns raw without insignificant whitespace. Empty or invalid
// input is returned as is.
func CompactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}

func ToolResultBlock(id string, isError bool, content ...Block) Block {
	return Block{Type: BlockToolResult, ToolUseID: id, IsError: isError, Content: content}
}

func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []Block{TextBlock(text)}}
}

// HasImage reports whether any block, at any nesting depth, is an image.
func (m Message) HasImage() bool {
	return blocksHaveImage(m.Content)
}

func blocksHaveImage(blocks []Block) bool {
	for _, b := range blocks {
		if b.Type == BlockImage && b.Image != nil {
			return true
		}
		if blocksHaveImage(b.Content) {
			return true
		}
	}
	return false
}

// Text concatenates the text blocks of the message, nested ones included.
func (m Message) Text() string {
	var sb strings.Builder
	writeBlockText(&sb, m.Content)
	return strings.TrimSpace(sb.String())
}

func writeBlockText(sb *strings.Builder, blocks []Block) {
	for _, b := range blocks {
		if b.Type == BlockText && b.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
		writeBlockText(sb, b.Content)
	}
}

func (m Message) Clone() Message {
	out := m
	out.Content = cloneBlocks(m.Content)
	return out
}

func cloneBlocks(blocks []Block) []Block {
	if blocks == nil {
		return nil
	}
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		out[i] = b
		if b.Image != nil {
			img := *b.Image
			out[i].Image = &img
		}
		out[i].ToolInput = slices.Clone(b.ToolInput)
		out[i].Content = cloneBlocks(b.Content)
	}
	return out
}

func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
