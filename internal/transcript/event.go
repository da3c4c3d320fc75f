// Package transcript parses append-only session logs and folds their
// events into session projections.
package transcript

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Kind is the event discriminator found in the "type" field.
type Kind string

const (
	KindUser           Kind = "user"
	KindAssistant      Kind = "assistant"
	KindSystem         Kind = "system"
	KindSummary        Kind = "summary"
	KindProgress       Kind = "progress"
	KindFileHistory    Kind = "file-history-snapshot"
	KindQueueOperation Kind = "queue-operation"
)

// Known reports whether k is a kind the deriver recognizes. Unknown
// kinds still parse; they are folded as no-ops.
func (k Kind) Known() bool {
	switch k {
	case KindUser, KindAssistant, KindSystem, KindSummary, KindProgress, KindFileHistory, KindQueueOperation:
		return true
	}
	return false
}

// Event is one parsed log line.
type Event struct {
	Kind            Kind
	SessionID       string
	Timestamp       time.Time
	WorkDir         string
	GitBranch       string
	ToolUseID       string
	ParentToolUseID string
	Message         *Message
}

// Message is the conversational payload of a user or assistant event.
type Message struct {
	Role       string
	Model      string
	Content    []Block
	Usage      *Usage
	StopReason string
}

// Usage carries the token counters reported on assistant messages.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreation            *struct {
		Ephemeral5mInputTokens int64 `json:"ephemeral_5m_input_tokens"`
		Ephemeral1hInputTokens int64 `json:"ephemeral_1h_input_tokens"`
	} `json:"cache_creation,omitempty"`
}

// terminalStopReasons end an assistant turn and hand control back to
// the user.
var terminalStopReasons = map[string]bool{
	"end_turn":      true,
	"stop_sequence": true,
	"max_tokens":    true,
	"refusal":       true,
}

// Terminal reports whether the message ends the assistant's turn.
func (m *Message) Terminal() bool {
	return terminalStopReasons[m.StopReason]
}

// Block is one element of a message's content. The set of variants is
// open: unrecognized block types decode to UnknownBlock.
type Block interface {
	BlockType() string
}

// TextBlock is plain message text.
type TextBlock struct {
	Text string
}

// ThinkingBlock is model reasoning. It never affects derived state.
type ThinkingBlock struct {
	Thinking string
}

// ToolUseBlock is a tool invocation request.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultBlock answers a ToolUseBlock with the same id.
type ToolResultBlock struct {
	ToolUseID string
	Output    string
	IsError   bool
}

// UnknownBlock is any block type not listed above.
type UnknownBlock struct {
	Type string
}

func (TextBlock) BlockType() string       { return "text" }
func (ThinkingBlock) BlockType() string   { return "thinking" }
func (ToolUseBlock) BlockType() string    { return "tool_use" }
func (ToolResultBlock) BlockType() string { return "tool_result" }
func (b UnknownBlock) BlockType() string  { return b.Type }

type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// decodeContent accepts either a bare string or an array of blocks.
func decodeContent(raw json.RawMessage) ([]Block, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []Block{TextBlock{Text: s}}, nil
	}

	var items []rawBlock
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	blocks := make([]Block, 0, len(items))
	for _, it := range items {
		switch it.Type {
		case "text":
			blocks = append(blocks, TextBlock{Text: it.Text})
		case "thinking", "redacted_thinking":
			blocks = append(blocks, ThinkingBlock{Thinking: it.Thinking})
		case "tool_use":
			blocks = append(blocks, ToolUseBlock{ID: it.ID, Name: it.Name, Input: it.Input})
		case "tool_result":
			blocks = append(blocks, ToolResultBlock{
				ToolUseID: it.ToolUseID,
				Output:    toolOutput(it.Content),
				IsError:   it.IsError,
			})
		default:
			blocks = append(blocks, UnknownBlock{Type: it.Type})
		}
	}
	return blocks, nil
}

// toolOutput flattens a tool_result's content, which is either a string
// or a list of text blocks.
func toolOutput(raw json.RawMessage) string {
	blocks, err := decodeContent(raw)
	if err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if t, ok := b.(TextBlock); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
