// Package daemon runs the local half of claude-pulse: it tails session
// logs, derives per-session state into a bounded store and ships the
// changes to a collector.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"claude-pulse/internal/clock"
	"claude-pulse/internal/config"
	"claude-pulse/internal/delivery"
	"claude-pulse/internal/protocol"
	"claude-pulse/internal/session"
	"claude-pulse/internal/transcript"
	"claude-pulse/internal/watcher"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Daemon owns the store and the components feeding and draining it.
type Daemon struct {
	cfg    config.DaemonConfig
	id     string
	clock  clock.Clock
	store  *session.Store
	tailer *watcher.Tailer
	agent  *delivery.Agent
	logger zerolog.Logger

	mu    sync.Mutex
	files map[string]map[string]struct{} // log path → session ids seen in it
}

// New builds a daemon from cfg. version is reported to the collector.
func New(cfg config.DaemonConfig, version string, logger zerolog.Logger) (*Daemon, error) {
	id := uuid.NewString()
	logger = logger.With().Str("component", "daemon").Logger()

	d := &Daemon{
		cfg:    cfg,
		id:     id,
		clock:  clock.Real(),
		logger: logger,
		files:  make(map[string]map[string]struct{}),
	}
	d.store = session.NewStore(session.Options{
		Capacity:     cfg.MaxSessions,
		MaxPending:   cfg.MaxPending,
		TrackChanges: true,
		IdleAfter:    cfg.IdleAfter,
		EvictAfter:   cfg.EvictAfter,
		Clock:        d.clock,
	})
	d.tailer = watcher.New(watcher.Options{
		Root:          cfg.WatchPath,
		RootWait:      cfg.RootWait,
		SkipOlderThan: cfg.EvictAfter,
		OnEvents:      d.HandleEvents,
		OnRemove:      d.HandleRemoved,
		OnTruncate:    d.HandleTruncated,
		Logger:        logger.With().Str("component", "tailer").Logger(),
	})

	client, err := delivery.NewClient(cfg.CollectorURL, delivery.ClientOptions{
		Compress: cfg.Compress,
		Breaker:  delivery.NewBreaker(0, 0, d.clock),
	})
	if err != nil {
		return nil, fmt.Errorf("create collector client: %w", err)
	}
	d.agent = delivery.NewAgent(client, d.store, protocol.RegisterRequest{
		DaemonID:  id,
		PID:       os.Getpid(),
		Version:   version,
		WatchPath: cfg.WatchPath,
		StartedAt: d.clock.Now().UTC(),
	}, delivery.AgentOptions{
		HeartbeatInterval: cfg.HeartbeatInterval,
		PushInterval:      cfg.PushInterval,
	}, logger.With().Str("component", "agent").Logger())

	return d, nil
}

// Store returns the daemon's session store.
func (d *Daemon) Store() *session.Store {
	return d.store
}

// Run takes the daemon lock and runs until ctx is cancelled or the
// tailer fails. The collector is deregistered before the lock is
// released.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(d.cfg.LockPath)
	if err != nil {
		return err
	}
	defer lock.Release()

	d.logger.Info().Str("daemon_id", d.id).Str("watch", d.cfg.WatchPath).Str("collector", d.cfg.CollectorURL).Msg("daemon starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.agent.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()

	err = d.tailer.Run(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("tailer stopped")
	}
	cancel()
	wg.Wait()
	d.logger.Info().Msg("daemon stopped")
	return err
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	interval := d.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idled, removed := d.store.Sweep()
			if len(idled) > 0 || len(removed) > 0 {
				d.logger.Debug().Int("idled", len(idled)).Int("removed", len(removed)).Msg("swept sessions")
			}
		}
	}
}

// HandleEvents folds events read from path into the store. offset is
// the position in path consumed so far.
func (d *Daemon) HandleEvents(path string, events []transcript.Event, offset int64) {
	now := d.clock.Now()

	d.mu.Lock()
	seen := d.files[path]
	if seen == nil {
		seen = make(map[string]struct{})
		d.files[path] = seen
	}
	for _, ev := range events {
		seen[ev.SessionID] = struct{}{}
	}
	d.mu.Unlock()

	for _, ev := range events {
		_, evicted := d.store.Update(ev.SessionID, func(p *session.Projection) {
			p.SourcePath = path
			transcript.Apply(p, ev, now)
			p.Offset = offset
		})
		if len(evicted) > 0 {
			d.logger.Debug().Strs("evicted", evicted).Msg("store full, evicted sessions")
		}
	}
}

// HandleRemoved drops every session read from path.
func (d *Daemon) HandleRemoved(path string) {
	d.mu.Lock()
	seen := d.files[path]
	delete(d.files, path)
	d.mu.Unlock()

	removed := 0
	for id := range seen {
		if p, ok := d.store.Get(id); ok && p.SourcePath == path && d.store.Remove(id) {
			removed++
		}
	}
	d.logger.Info().Str("path", path).Int("sessions", removed).Msg("log file removed")
}

// HandleTruncated restarts the sessions last read from path so that
// rereading it does not append to the old message count, goal or output.
func (d *Daemon) HandleTruncated(path string) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.files[path]))
	for id := range d.files[path] {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		if p, ok := d.store.Get(id); !ok || p.SourcePath != path {
			continue
		}
		d.store.Update(id, func(p *session.Projection) {
			if p.SourcePath == path {
				p.Restart()
			}
		})
	}
}
