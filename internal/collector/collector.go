// Package collector holds the aggregated session view fed by a daemon:
// it tracks the registered daemon, applies pushed deltas to a bounded
// store and publishes every change in order.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"claude-pulse/internal/clock"
	"claude-pulse/internal/protocol"
	"claude-pulse/internal/session"

	"github.com/rs/zerolog"
)

// ErrUnknownDaemon is returned for requests from a daemon that is not
// the one currently registered.
var ErrUnknownDaemon = errors.New("unknown daemon")

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

const (
	reasonDeregistered     = "deregistered"
	reasonHeartbeatTimeout = "heartbeat timeout"
)

// Publisher receives change notifications. Publish is called with the
// collector lock held and must not block.
type Publisher interface {
	Publish(msg *protocol.Message)
}

// Options configures a Collector. Zero values take the defaults.
type Options struct {
	MaxSessions      int
	HeartbeatTimeout time.Duration
	LivenessInterval time.Duration
	SweepInterval    time.Duration
	IdleAfter        time.Duration
	EvictAfter       time.Duration
	Clock            clock.Clock
}

func (o *Options) setDefaults() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = 10000
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = 10 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Collector is safe for concurrent use.
type Collector struct {
	opts   Options
	store  *session.Store
	pub    Publisher
	logger zerolog.Logger

	// mu orders mutations with their notifications and with subscriber
	// snapshots.
	mu     sync.Mutex
	daemon *protocol.DaemonInfo
}

// New creates a collector publishing to pub, which may be nil.
func New(opts Options, pub Publisher, logger zerolog.Logger) *Collector {
	opts.setDefaults()
	return &Collector{
		opts: opts,
		store: session.NewStore(session.Options{
			Capacity:   opts.MaxSessions,
			IdleAfter:  opts.IdleAfter,
			EvictAfter: opts.EvictAfter,
			Clock:      opts.Clock,
		}),
		pub:    pub,
		logger: logger,
	}
}

// Run drives the liveness check and the store sweep until ctx is
// cancelled.
func (c *Collector) Run(ctx context.Context) {
	liveness := time.NewTicker(c.opts.LivenessInterval)
	defer liveness.Stop()
	sweep := time.NewTicker(c.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-liveness.C:
			c.CheckLiveness()
		case <-sweep.C:
			c.Sweep()
		}
	}
}

// Register makes the daemon described by req the current one. Any
// previous daemon and all its sessions are dropped.
func (c *Collector) Register(req protocol.RegisterRequest) (protocol.DaemonInfo, error) {
	if err := req.Validate(); err != nil {
		return protocol.DaemonInfo{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.daemon != nil {
		c.logger.Info().Str("previous", c.daemon.DaemonID).Str("daemon_id", req.DaemonID).Msg("daemon replaced")
	}
	c.store.Clear()

	now := c.opts.Clock.Now()
	info := protocol.DaemonInfo{
		DaemonID:        req.DaemonID,
		PID:             req.PID,
		Version:         req.Version,
		WatchPath:       req.WatchPath,
		StartedAt:       req.StartedAt,
		LastHeartbeatAt: now,
	}
	c.daemon = &info
	c.logger.Info().Str("daemon_id", info.DaemonID).Int("pid", info.PID).Str("version", info.Version).Msg("daemon registered")

	c.publish(protocol.TypeDaemonConnected, protocol.DaemonConnectedPayload{Daemon: info})
	return info, nil
}

// Heartbeat refreshes the liveness of the current daemon.
func (c *Collector) Heartbeat(req protocol.HeartbeatRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isCurrent(req.DaemonID) {
		return ErrUnknownDaemon
	}
	c.daemon.LastHeartbeatAt = c.opts.Clock.Now()
	c.daemon.SessionCount = req.SessionCount
	return nil
}

// Ingest applies a pushed delta. The whole request is rejected if it is
// invalid, oversized or from an unknown daemon.
func (c *Collector) Ingest(req protocol.IngestRequest) error {
	if err := req.Validate(); err != nil {
		if errors.Is(err, protocol.ErrTooLarge) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isCurrent(req.DaemonID) {
		return ErrUnknownDaemon
	}
	c.daemon.LastHeartbeatAt = c.opts.Clock.Now()

	for _, p := range req.Updated {
		evicted := c.store.Upsert(p)
		c.publish(protocol.TypeSessionUpdated, p)
		for _, id := range evicted {
			c.publish(protocol.TypeSessionRemoved, protocol.SessionRemovedPayload{SessionID: id})
		}
	}
	for _, id := range req.Removed {
		if c.store.Remove(id) {
			c.publish(protocol.TypeSessionRemoved, protocol.SessionRemovedPayload{SessionID: id})
		}
	}
	return nil
}

// Deregister drops the daemon and its sessions. Deregistering a daemon
// that is not current is a no-op.
func (c *Collector) Deregister(req protocol.DeregisterRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isCurrent(req.DaemonID) {
		return nil
	}
	c.disconnectLocked(reasonDeregistered)
	return nil
}

// CheckLiveness disconnects the daemon if its last heartbeat is older
// than HeartbeatTimeout. It reports whether it did.
func (c *Collector) CheckLiveness() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.daemon == nil {
		return false
	}
	if c.opts.Clock.Now().Sub(c.daemon.LastHeartbeatAt) <= c.opts.HeartbeatTimeout {
		return false
	}
	c.logger.Warn().Str("daemon_id", c.daemon.DaemonID).Time("last_heartbeat", c.daemon.LastHeartbeatAt).Msg("daemon heartbeat timed out")
	c.disconnectLocked(reasonHeartbeatTimeout)
	return true
}

// Sweep idles and evicts inactive sessions and publishes the changes.
func (c *Collector) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	idled, removed := c.store.Sweep()
	for _, p := range idled {
		c.publish(protocol.TypeSessionUpdated, p)
	}
	for _, id := range removed {
		c.publish(protocol.TypeSessionRemoved, protocol.SessionRemovedPayload{SessionID: id})
	}
	if len(idled) > 0 || len(removed) > 0 {
		c.logger.Debug().Int("idled", len(idled)).Int("removed", len(removed)).Msg("swept sessions")
	}
}

// Status reports the current daemon and session count.
func (c *Collector) Status() protocol.StatusResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	return protocol.StatusResponse{
		Connected:    c.daemon != nil,
		Daemon:       c.daemonCopy(),
		SessionCount: c.store.Len(),
	}
}

// Sessions returns one page of sessions, most recently active first.
func (c *Collector) Sessions(limit, offset int) protocol.SessionsResponse {
	c.mu.Lock()
	all := c.store.List()
	connected := c.daemon != nil
	c.mu.Unlock()

	resp := protocol.SessionsResponse{Sessions: []session.Projection{}, Total: len(all), Connected: connected}
	offset = max(offset, 0)
	if limit <= 0 || offset >= len(all) {
		return resp
	}
	end := min(offset+limit, len(all))
	resp.Sessions = all[offset:end]
	return resp
}

// Subscribe calls attach with a snapshot of the current state. No change
// is published while attach runs, so a subscriber registered inside
// attach sees every later change exactly once.
func (c *Collector) Subscribe(attach func(snapshot protocol.SnapshotPayload)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	attach(protocol.SnapshotPayload{
		Connected: c.daemon != nil,
		Daemon:    c.daemonCopy(),
		Sessions:  c.store.List(),
	})
}

func (c *Collector) isCurrent(daemonID string) bool {
	return c.daemon != nil && c.daemon.DaemonID == daemonID
}

func (c *Collector) daemonCopy() *protocol.DaemonInfo {
	if c.daemon == nil {
		return nil
	}
	info := *c.daemon
	info.SessionCount = c.store.Len()
	return &info
}

func (c *Collector) disconnectLocked(reason string) {
	id := c.daemon.DaemonID
	c.daemon = nil
	c.store.Clear()
	c.logger.Info().Str("daemon_id", id).Str("reason", reason).Msg("daemon disconnected")
	c.publish(protocol.TypeDaemonDisconnected, protocol.DaemonDisconnectedPayload{DaemonID: id, Reason: reason})
}

func (c *Collector) publish(msgType string, payload interface{}) {
	if c.pub == nil {
		return
	}
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msgType).Msg("encode notification")
		return
	}
	c.pub.Publish(msg)
}
