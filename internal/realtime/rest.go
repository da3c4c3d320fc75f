package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"claude-pulse/internal/collector"
	"claude-pulse/internal/protocol"

	"github.com/klauspost/compress/zstd"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

var (
	errBodyTooLarge        = errors.New("request body too large")
	errUnsupportedEncoding = errors.New("unsupported content encoding")
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if _, err := s.collector.Register(req); err != nil {
		s.writeCollectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.OKResponse{OK: true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.collector.Heartbeat(req); err != nil {
		s.writeCollectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.OKResponse{OK: true})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req protocol.IngestRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.collector.Ingest(req); err != nil {
		s.writeCollectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.OKResponse{OK: true})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	var req protocol.DeregisterRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.collector.Deregister(req); err != nil {
		s.writeCollectorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.OKResponse{OK: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Status())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil || limit < 1 || limit > maxPageLimit {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, fmt.Sprintf("limit must be between 1 and %d", maxPageLimit))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, "offset must be a non-negative integer")
		return
	}
	writeJSON(w, http.StatusOK, s.collector.Sessions(limit, offset))
}

// decodeBody reads a daemon request body, zstd-decoded when the request
// says so, and strictly decodes it into v. On failure it writes the
// error response and returns false.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	data, err := s.readBody(w, r)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, protocol.ErrPayloadTooLarge, err.Error())
		case errors.Is(err, errUnsupportedEncoding):
			writeError(w, http.StatusUnsupportedMediaType, protocol.ErrInvalidMessage, err.Error())
		default:
			writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		}
		return false
	}
	if err := protocol.Decode(bytes.NewReader(data), v); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
		return false
	}
	return true
}

// readBody enforces MaxBodyBytes on both the wire body and the decoded
// content.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := s.opts.MaxBodyBytes
	var body io.Reader = http.MaxBytesReader(w, r.Body, limit)

	switch r.Header.Get("Content-Encoding") {
	case "", "identity":
	case "zstd":
		dec, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer dec.Close()
		body = dec
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, r.Header.Get("Content-Encoding"))
	}

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func (s *Server) writeCollectorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, collector.ErrUnknownDaemon):
		writeError(w, http.StatusNotFound, protocol.ErrUnknownDaemon, err.Error())
	case errors.Is(err, protocol.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, protocol.ErrBatchTooLarge, err.Error())
	case errors.Is(err, collector.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidMessage, err.Error())
	default:
		s.logger.Error().Err(err).Msg("collector request failed")
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
