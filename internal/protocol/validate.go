package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxBatchEntries bounds both the updated and the removed list of one
// ingest request.
const MaxBatchEntries = 500

// ErrTooLarge is returned for an ingest request over MaxBatchEntries.
var ErrTooLarge = errors.New("batch exceeds entry limit")

// Decode reads exactly one JSON value from r into v, rejecting unknown
// fields and trailing data.
func Decode(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid JSON: trailing data after object")
	}
	return nil
}

// Validate checks a registration request.
func (r *RegisterRequest) Validate() error {
	if r.DaemonID == "" {
		return fmt.Errorf("missing required field 'daemonId'")
	}
	if r.PID < 0 {
		return fmt.Errorf("invalid 'pid': %d", r.PID)
	}
	return nil
}

// Validate checks a heartbeat request.
func (r *HeartbeatRequest) Validate() error {
	if r.DaemonID == "" {
		return fmt.Errorf("missing required field 'daemonId'")
	}
	if r.SessionCount < 0 {
		return fmt.Errorf("invalid 'sessionCount': %d", r.SessionCount)
	}
	return nil
}

// Validate checks an ingest request. Oversized batches wrap ErrTooLarge.
func (r *IngestRequest) Validate() error {
	if r.DaemonID == "" {
		return fmt.Errorf("missing required field 'daemonId'")
	}
	if len(r.Updated) > MaxBatchEntries {
		return fmt.Errorf("%w: %d updated (max %d)", ErrTooLarge, len(r.Updated), MaxBatchEntries)
	}
	if len(r.Removed) > MaxBatchEntries {
		return fmt.Errorf("%w: %d removed (max %d)", ErrTooLarge, len(r.Removed), MaxBatchEntries)
	}
	for i, p := range r.Updated {
		if p.ID == "" {
			return fmt.Errorf("missing 'id' in updated[%d]", i)
		}
		if !p.Status.Valid() {
			return fmt.Errorf("invalid status %q in updated[%d]", p.Status, i)
		}
	}
	for i, id := range r.Removed {
		if id == "" {
			return fmt.Errorf("empty id in removed[%d]", i)
		}
	}
	return nil
}

// Validate checks a deregistration request.
func (r *DeregisterRequest) Validate() error {
	if r.DaemonID == "" {
		return fmt.Errorf("missing required field 'daemonId'")
	}
	return nil
}

// NewErrorMessage creates an error message ready to send to a subscriber.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
