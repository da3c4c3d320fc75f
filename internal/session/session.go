package session

import (
	"path/filepath"
	"strings"
	"time"
)

// Status is the derived activity state of a session.
type Status string

const (
	StatusWorking            Status = "working"
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusWaitingForInput    Status = "waiting_for_input"
	StatusIdle               Status = "idle"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWorking, StatusWaitingForApproval, StatusWaitingForInput, StatusIdle:
		return true
	}
	return false
}

// Priority orders statuses: waiting_for_approval > working >
// waiting_for_input > idle. Unknown statuses rank below idle.
func (s Status) Priority() int {
	switch s {
	case StatusWaitingForApproval:
		return 3
	case StatusWorking:
		return 2
	case StatusWaitingForInput:
		return 1
	case StatusIdle:
		return 0
	}
	return -1
}

// Text length caps, in runes.
const (
	MaxGoalLen   = 200
	MaxOutputLen = 500
)

// ToolRef identifies a tool call awaiting its result.
type ToolRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Tokens holds cumulative token usage. Every counter only grows.
type Tokens struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheCreation int64 `json:"cacheCreation"`
	CacheRead     int64 `json:"cacheRead"`
	Ephemeral5m   int64 `json:"ephemeral5m"`
	Ephemeral1h   int64 `json:"ephemeral1h"`
}

// Add accumulates o into t. Negative inputs are ignored so counters
// never decrease.
func (t *Tokens) Add(o Tokens) {
	t.Input += max(o.Input, 0)
	t.Output += max(o.Output, 0)
	t.CacheCreation += max(o.CacheCreation, 0)
	t.CacheRead += max(o.CacheRead, 0)
	t.Ephemeral5m += max(o.Ephemeral5m, 0)
	t.Ephemeral1h += max(o.Ephemeral1h, 0)
}

// Total returns the sum of input, output and cache counters.
func (t Tokens) Total() int64 {
	return t.Input + t.Output + t.CacheCreation + t.CacheRead
}

// Projection is the derived live state of one session.
type Projection struct {
	ID             string    `json:"id"`
	WorkDir        string    `json:"workDir"`
	Project        string    `json:"project"`
	GitBranch      string    `json:"gitBranch,omitempty"`
	Status         Status    `json:"status"`
	MessageCount   int       `json:"messageCount"`
	Goal           string    `json:"goal,omitempty"`
	RecentOutput   string    `json:"recentOutput,omitempty"`
	PendingTool    *ToolRef  `json:"pendingTool,omitempty"`
	Tokens         Tokens    `json:"tokens"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	SourcePath     string    `json:"sourcePath,omitempty"`
	Offset         int64     `json:"offset"`
}

// Clone returns a deep copy of p.
func (p *Projection) Clone() Projection {
	c := *p
	if p.PendingTool != nil {
		ref := *p.PendingTool
		c.PendingTool = &ref
	}
	return c
}

// Restart forgets what was derived from the transcript so it can be
// read again from the start. Token counters and timestamps are kept.
func (p *Projection) Restart() {
	p.Status = StatusIdle
	p.MessageCount = 0
	p.Goal = ""
	p.RecentOutput = ""
	p.PendingTool = nil
	p.Offset = 0
}

// Delta is the set of session changes accumulated since the last flush.
type Delta struct {
	Updated []Projection `json:"updated"`
	Removed []string     `json:"removed"`
}

// Empty reports whether d carries no changes.
func (d Delta) Empty() bool {
	return len(d.Updated) == 0 && len(d.Removed) == 0
}

// Size returns the number of changes in d.
func (d Delta) Size() int {
	return len(d.Updated) + len(d.Removed)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// ProjectName derives a display name for a session. The working
// directory's base name wins; otherwise the log file's parent directory
// name is used, whose encoded form ("-home-me-src-app") keeps only the
// last dash-separated segment.
func ProjectName(workDir, sourcePath string) string {
	if workDir != "" {
		if base := filepath.Base(filepath.Clean(workDir)); base != "." && base != string(filepath.Separator) {
			return base
		}
	}
	if sourcePath == "" {
		return ""
	}
	dir := filepath.Base(filepath.Dir(sourcePath))
	if i := strings.LastIndex(dir, "-"); i >= 0 && i < len(dir)-1 {
		return dir[i+1:]
	}
	return dir
}
