package transcript

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxLineSize is the longest line that will be parsed. Longer lines are
// discarded unread.
const MaxLineSize = 1 << 20

var (
	// ErrLineTooLong is returned for lines over MaxLineSize.
	ErrLineTooLong = errors.New("line exceeds maximum size")
	// ErrMissingField is returned for events without a type or session id.
	ErrMissingField = errors.New("event missing required field")
)

type rawEvent struct {
	Type            string      `json:"type"`
	SessionID       string      `json:"sessionId"`
	Timestamp       string      `json:"timestamp"`
	Cwd             string      `json:"cwd"`
	GitBranch       string      `json:"gitBranch"`
	ToolUseID       string      `json:"toolUseID"`
	ParentToolUseID string      `json:"parentToolUseID"`
	Message         *rawMessage `json:"message"`
}

type rawMessage struct {
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	Content    json.RawMessage `json:"content"`
	Usage      *Usage          `json:"usage"`
	StopReason *string         `json:"stop_reason"`
}

// ParseLine decodes a single log line.
func ParseLine(line []byte) (Event, error) {
	if len(line) > MaxLineSize {
		return Event{}, ErrLineTooLong
	}

	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if raw.Type == "" || raw.SessionID == "" {
		return Event{}, ErrMissingField
	}

	ev := Event{
		Kind:            Kind(raw.Type),
		SessionID:       raw.SessionID,
		WorkDir:         raw.Cwd,
		GitBranch:       raw.GitBranch,
		ToolUseID:       raw.ToolUseID,
		ParentToolUseID: raw.ParentToolUseID,
	}
	if raw.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
			ev.Timestamp = ts.UTC()
		}
	}

	if raw.Message != nil && (ev.Kind == KindUser || ev.Kind == KindAssistant) {
		content, err := decodeContent(raw.Message.Content)
		if err != nil {
			return Event{}, fmt.Errorf("invalid message content: %w", err)
		}
		msg := &Message{
			Role:    raw.Message.Role,
			Model:   raw.Message.Model,
			Content: content,
			Usage:   raw.Message.Usage,
		}
		if raw.Message.StopReason != nil {
			msg.StopReason = *raw.Message.StopReason
		}
		if msg.Role == "" {
			msg.Role = raw.Type
		}
		ev.Message = msg
	}

	return ev, nil
}

// ChunkResult is the outcome of parsing a byte range read from a log.
type ChunkResult struct {
	Events []Event
	// Consumed is the number of bytes fully handled. The caller advances
	// its offset by this amount; anything after it is re-read later.
	Consumed int
	// Discarded counts lines dropped as oversized or malformed.
	Discarded int
}

// ParseChunk splits data into lines and parses each one. Oversized and
// malformed lines are discarded. A trailing line without a newline that
// does not parse is treated as a write in progress and left unconsumed.
func ParseChunk(data []byte) ChunkResult {
	var res ChunkResult
	pos := 0
	for pos < len(data) {
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			rest := data[pos:]
			if len(rest) > MaxLineSize {
				res.Discarded++
				res.Consumed = len(data)
				return res
			}
			line := bytes.TrimSpace(rest)
			if len(line) == 0 {
				res.Consumed = len(data)
				return res
			}
			if !json.Valid(line) {
				// Partial write; wait for the rest.
				return res
			}
			res.Consumed = len(data)
			ev, err := ParseLine(line)
			if err != nil {
				res.Discarded++
				return res
			}
			res.Events = append(res.Events, ev)
			return res
		}

		line := data[pos : pos+nl]
		pos += nl + 1
		res.Consumed = pos

		if len(line) > MaxLineSize {
			res.Discarded++
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		ev, err := ParseLine(line)
		if err != nil {
			res.Discarded++
			continue
		}
		res.Events = append(res.Events, ev)
	}
	return res
}
