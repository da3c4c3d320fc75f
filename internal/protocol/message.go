package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"claude-pulse/internal/session"
)

// Message is the envelope for all stream messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Collector → subscriber message types.
const (
	TypeSnapshot           = "snapshot"
	TypeSessionUpdated     = "session.updated"
	TypeSessionRemoved     = "session.removed"
	TypeDaemonConnected    = "daemon.connected"
	TypeDaemonDisconnected = "daemon.disconnected"
	TypeKeepalive          = "keepalive"
	TypeError              = "error"
)

// Error codes.
const (
	ErrInvalidMessage     = "INVALID_MESSAGE"
	ErrUnknownDaemon      = "UNKNOWN_DAEMON"
	ErrPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrBatchTooLarge      = "BATCH_TOO_LARGE"
	ErrTooManySubscribers = "TOO_MANY_SUBSCRIBERS"
	ErrMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrInternal           = "INTERNAL"
)

// DaemonInfo describes the daemon currently pushing to the collector.
type DaemonInfo struct {
	DaemonID        string    `json:"daemonId"`
	PID             int       `json:"pid"`
	Version         string    `json:"version"`
	WatchPath       string    `json:"watchPath"`
	StartedAt       time.Time `json:"startedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	SessionCount    int       `json:"sessionCount"`
}

// Collector → subscriber payloads.

type SnapshotPayload struct {
	Connected bool                 `json:"connected"`
	Daemon    *DaemonInfo          `json:"daemon,omitempty"`
	Sessions  []session.Projection `json:"sessions"`
}

type SessionRemovedPayload struct {
	SessionID string `json:"sessionId"`
}

type DaemonConnectedPayload struct {
	Daemon DaemonInfo `json:"daemon"`
}

type DaemonDisconnectedPayload struct {
	DaemonID string `json:"daemonId"`
	Reason   string `json:"reason"`
}

type KeepalivePayload struct{}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Daemon → collector requests.

type RegisterRequest struct {
	DaemonID  string    `json:"daemonId"`
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	WatchPath string    `json:"watchPath"`
	StartedAt time.Time `json:"startedAt"`
}

type HeartbeatRequest struct {
	DaemonID     string `json:"daemonId"`
	SessionCount int    `json:"sessionCount"`
}

type IngestRequest struct {
	DaemonID string               `json:"daemonId"`
	Updated  []session.Projection `json:"updated"`
	Removed  []string             `json:"removed"`
}

type DeregisterRequest struct {
	DaemonID string `json:"daemonId"`
}

// Collector responses.

type OKResponse struct {
	OK bool `json:"ok"`
}

type StatusResponse struct {
	Connected    bool        `json:"connected"`
	Daemon       *DaemonInfo `json:"daemon,omitempty"`
	SessionCount int         `json:"sessionCount"`
}

type SessionsResponse struct {
	Sessions  []session.Projection `json:"sessions"`
	Total     int                  `json:"total"`
	Connected bool                 `json:"connected"`
}
