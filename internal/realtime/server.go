package realtime

import (
	"encoding/json"
	"net/http"
	"time"

	"claude-pulse/internal/collector"
	"claude-pulse/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeDeadline    = 10 * time.Second
	maxInboundFrame  = 4 << 10
	defaultKeepalive = 15 * time.Second
	defaultMaxBody   = 5 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboards may be served from any origin.
	},
}

// Options configures a Server. Zero values take the defaults.
type Options struct {
	// MaxBodyBytes caps daemon request bodies after decompression.
	MaxBodyBytes int64
	// KeepaliveInterval is the period of stream pings and keepalive
	// messages. Subscribers silent for three intervals are dropped.
	KeepaliveInterval time.Duration
}

// Server exposes the collector over HTTP: daemon endpoints, read-only
// queries and the websocket stream.
type Server struct {
	collector *collector.Collector
	hub       *Hub
	opts      Options
	logger    zerolog.Logger
}

// New creates a server. hub must be the collector's publisher.
func New(c *collector.Collector, hub *Hub, opts Options, logger zerolog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepalive
	}
	return &Server{
		collector: c,
		hub:       hub,
		opts:      opts,
		logger:    logger,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Daemon endpoints.
	mux.HandleFunc("POST /api/daemon/register", s.handleRegister)
	mux.HandleFunc("POST /api/daemon/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /api/daemon/ingest", s.handleIngest)
	mux.HandleFunc("POST /api/daemon/deregister", s.handleDeregister)

	// Subscriber endpoints.
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/stream", s.handleStream)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleStream upgrades to a websocket, sends a snapshot and then every
// change published after it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Reserve(); err != nil {
		writeError(w, http.StatusTooManyRequests, protocol.ErrTooManySubscribers, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Release()
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  s.hub,
	}

	attached := false
	s.collector.Subscribe(func(snap protocol.SnapshotPayload) {
		msg, err := protocol.NewMessage(protocol.TypeSnapshot, snap)
		if err != nil {
			s.logger.Error().Err(err).Msg("encode snapshot")
			return
		}
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error().Err(err).Msg("marshal snapshot")
			return
		}
		s.hub.attach(c, data)
		attached = true
	})
	if !attached {
		s.hub.Release()
		conn.Close()
		return
	}

	s.logger.Debug().Str("subscriber", c.id).Str("remote", r.RemoteAddr).Msg("subscriber connected")
	go c.writePump(s.opts.KeepaliveInterval, s.logger)
	go c.readPump(3*s.opts.KeepaliveInterval, s.logger)
}

// readPump drains the connection so pongs and close frames are seen.
// Subscribers have nothing to say; their messages are discarded.
func (c *client) readPump(readTimeout time.Duration, logger zerolog.Logger) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundFrame)
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Str("subscriber", c.id).Msg("websocket read error")
			}
			return
		}
	}
}

// writePump writes queued messages and the periodic keepalive.
func (c *client) writePump(keepalive time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(keepalive)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			msg, err := protocol.NewMessage(protocol.TypeKeepalive, protocol.KeepalivePayload{})
			if err != nil {
				logger.Error().Err(err).Msg("encode keepalive")
				continue
			}
			data, _ := json.Marshal(msg)
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
