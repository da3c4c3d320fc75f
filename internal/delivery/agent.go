package delivery

import (
	"context"
	"errors"
	"net/http"
	"time"

	"claude-pulse/internal/protocol"
	"claude-pulse/internal/session"

	"github.com/rs/zerolog"
)

// Remote is the collector as seen by the agent. *Client implements it.
type Remote interface {
	Register(ctx context.Context, req protocol.RegisterRequest) error
	Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error
	Ingest(ctx context.Context, req protocol.IngestRequest) error
	Deregister(ctx context.Context, req protocol.DeregisterRequest) error
}

// AgentOptions configures an Agent. Zero values take the defaults.
type AgentOptions struct {
	HeartbeatInterval time.Duration
	PushInterval      time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	DeregisterTimeout time.Duration
}

func (o *AgentOptions) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.PushInterval <= 0 {
		o.PushInterval = 500 * time.Millisecond
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.DeregisterTimeout <= 0 {
		o.DeregisterTimeout = 5 * time.Second
	}
}

// Agent keeps a collector in sync with the local store: it registers,
// heartbeats, and pushes the store's pending changes in batches.
type Agent struct {
	remote Remote
	store  *session.Store
	info   protocol.RegisterRequest
	opts   AgentOptions
	logger zerolog.Logger

	// batchSize shrinks when the collector rejects a body as too large.
	batchSize int
}

// NewAgent creates an agent pushing store to remote as the daemon
// described by info.
func NewAgent(remote Remote, store *session.Store, info protocol.RegisterRequest, opts AgentOptions, logger zerolog.Logger) *Agent {
	opts.setDefaults()
	return &Agent{
		remote: remote,
		store:  store,
		info:   info,
		opts:   opts,
		logger: logger.With().Str("daemon_id", info.DaemonID).Logger(),

		batchSize: protocol.MaxBatchEntries,
	}
}

// Run registers and then heartbeats and pushes until ctx is cancelled.
// On the way out it deregisters, bounded by DeregisterTimeout.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return nil
	}
	defer a.deregister()

	heartbeat := time.NewTicker(a.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	push := time.NewTicker(a.opts.PushInterval)
	defer push.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			a.heartbeat(ctx)
		case <-push.C:
			a.Push(ctx)
		}
	}
}

// register retries with exponential backoff until it succeeds or ctx is
// cancelled.
func (a *Agent) register(ctx context.Context) error {
	delay := a.opts.BackoffBase
	for attempt := 1; ; attempt++ {
		err := a.remote.Register(ctx, a.info)
		if err == nil {
			a.logger.Info().Int("attempt", attempt).Msg("registered with collector")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("register failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > a.opts.BackoffMax {
			delay = a.opts.BackoffMax
		}
	}
}

// resync re-registers after the collector forgot this daemon and queues
// every local session for delivery.
func (a *Agent) resync(ctx context.Context) {
	a.logger.Warn().Msg("collector lost daemon registration, resyncing")
	if err := a.register(ctx); err != nil {
		return
	}
	a.store.MarkAllPending()
}

func (a *Agent) heartbeat(ctx context.Context) {
	err := a.remote.Heartbeat(ctx, protocol.HeartbeatRequest{
		DaemonID:     a.info.DaemonID,
		SessionCount: a.store.Len(),
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownDaemon):
		a.resync(ctx)
	default:
		a.logFailure(err, "heartbeat failed")
	}
}

// Push flushes pending changes and sends them in batches. Batches that
// fail are merged back into the store for the next push. A batch the
// collector rejects as invalid is dropped; one rejected as too large is
// retried in smaller batches. Push is not safe for concurrent use.
func (a *Agent) Push(ctx context.Context) {
	delta := a.store.FlushChanges()
	if delta.Empty() {
		return
	}

	batches := SplitDelta(delta, a.batchSize)
	for i, batch := range batches {
		err := a.remote.Ingest(ctx, protocol.IngestRequest{
			DaemonID: a.info.DaemonID,
			Updated:  batch.Updated,
			Removed:  batch.Removed,
		})
		if err == nil {
			continue
		}

		largest := max(len(batch.Updated), len(batch.Removed))
		var se *StatusError
		if errors.As(err, &se) {
			switch {
			case se.Code == http.StatusBadRequest:
				a.logger.Error().Err(err).Int("updated", len(batch.Updated)).Int("removed", len(batch.Removed)).Msg("collector rejected batch, dropping it")
				continue
			case se.Code == http.StatusRequestEntityTooLarge && largest <= 1:
				a.logger.Error().Err(err).Int("updated", len(batch.Updated)).Int("removed", len(batch.Removed)).Msg("change exceeds collector body limit, dropping it")
				continue
			case se.Code == http.StatusRequestEntityTooLarge:
				a.batchSize = largest / 2
				a.logger.Warn().Err(err).Int("batch_size", a.batchSize).Msg("batch too large, shrinking")
			}
		}

		for _, rest := range batches[i:] {
			a.store.MarkPendingRetry(rest)
		}
		if errors.Is(err, ErrUnknownDaemon) {
			a.resync(ctx)
			return
		}
		a.logFailure(err, "push failed")
		return
	}
	a.logger.Debug().Int("updated", len(delta.Updated)).Int("removed", len(delta.Removed)).Msg("pushed changes")
}

func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.DeregisterTimeout)
	defer cancel()

	if err := a.remote.Deregister(ctx, protocol.DeregisterRequest{DaemonID: a.info.DaemonID}); err != nil {
		a.logger.Warn().Err(err).Msg("deregister failed")
		return
	}
	a.logger.Info().Msg("deregistered from collector")
}

func (a *Agent) logFailure(err error, msg string) {
	if errors.Is(err, ErrCircuitOpen) {
		a.logger.Debug().Err(err).Msg(msg)
		return
	}
	a.logger.Warn().Err(err).Msg(msg)
}

// SplitDelta cuts d into batches of at most n updated and n removed
// entries each.
func SplitDelta(d session.Delta, n int) []session.Delta {
	var batches []session.Delta
	for i := 0; i < len(d.Updated) || i < len(d.Removed); i += n {
		var b session.Delta
		if i < len(d.Updated) {
			b.Updated = d.Updated[i:min(i+n, len(d.Updated))]
		}
		if i < len(d.Removed) {
			b.Removed = d.Removed[i:min(i+n, len(d.Removed))]
		}
		batches = append(batches, b)
	}
	return batches
}
