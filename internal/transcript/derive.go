package transcript

import (
	"strings"
	"time"

	"claude-pulse/internal/session"
)

// Apply folds ev into p. now stands in for events without a timestamp.
//
// Status rules, in priority order waiting_for_approval > working >
// waiting_for_input > idle:
//   - a tool_use block moves the session to waiting_for_approval and
//     records the pending tool;
//   - a tool_result matching the pending tool clears it, returning the
//     session to working;
//   - text without tool_use means working, unless a tool is pending;
//   - a terminal stop reason means waiting_for_input, unless a tool is
//     pending;
//   - a summary event means idle.
//
// Everything else (thinking, progress, unknown kinds) only refreshes
// the activity timestamp.
func Apply(p *session.Projection, ev Event, now time.Time) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if p.StartedAt.IsZero() || ts.Before(p.StartedAt) {
		p.StartedAt = ts
	}
	if ts.After(p.LastActivityAt) {
		p.LastActivityAt = ts
	}
	if ev.WorkDir != "" {
		p.WorkDir = ev.WorkDir
	}
	if ev.GitBranch != "" {
		p.GitBranch = ev.GitBranch
	}
	p.Project = session.ProjectName(p.WorkDir, p.SourcePath)
	if !p.Status.Valid() {
		p.Status = session.StatusIdle
	}

	switch ev.Kind {
	case KindSummary:
		p.Status = session.StatusIdle
	case KindUser, KindAssistant:
		if ev.Message != nil {
			applyMessage(p, ev.Kind, ev.Message)
		}
	}
}

func applyMessage(p *session.Projection, kind Kind, msg *Message) {
	p.MessageCount++

	var (
		toolUse   *session.ToolRef
		firstText string
		lastText  string
		hasText   bool
		resolved  bool
	)
	for _, b := range msg.Content {
		switch b := b.(type) {
		case TextBlock:
			text := strings.TrimSpace(b.Text)
			if text == "" {
				continue
			}
			if !hasText {
				firstText = text
			}
			lastText = text
			hasText = true
		case ToolUseBlock:
			toolUse = &session.ToolRef{ID: b.ID, Name: b.Name}
		case ToolResultBlock:
			if p.PendingTool != nil && b.ToolUseID == p.PendingTool.ID {
				p.PendingTool = nil
				resolved = true
			}
		}
	}

	// The tool has run, even if a sweep idled the session meanwhile.
	if resolved {
		p.Status = session.StatusWorking
	}

	switch {
	case toolUse != nil:
		p.Status = session.StatusWaitingForApproval
		p.PendingTool = toolUse
	case hasText && p.Status != session.StatusWaitingForApproval:
		p.Status = session.StatusWorking
	}

	if msg.Terminal() && p.Status != session.StatusWaitingForApproval {
		p.Status = session.StatusWaitingForInput
	}

	if hasText {
		switch kind {
		case KindUser:
			if p.Goal == "" {
				p.Goal = session.Truncate(firstText, session.MaxGoalLen)
			}
		case KindAssistant:
			p.RecentOutput = session.Truncate(lastText, session.MaxOutputLen)
		}
	}

	if kind == KindAssistant && msg.Usage != nil {
		u := msg.Usage
		delta := session.Tokens{
			Input:         u.InputTokens,
			Output:        u.OutputTokens,
			CacheCreation: u.CacheCreationInputTokens,
			CacheRead:     u.CacheReadInputTokens,
		}
		if u.CacheCreation != nil {
			delta.Ephemeral5m = u.CacheCreation.Ephemeral5mInputTokens
			delta.Ephemeral1h = u.CacheCreation.Ephemeral1hInputTokens
		}
		p.Tokens.Add(delta)
	}
}
