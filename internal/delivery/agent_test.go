package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"claude-pulse/internal/protocol"
	"claude-pulse/internal/session"

	"github.com/rs/zerolog"
)

type fakeRemote struct {
	mu            sync.Mutex
	registerErrs  []error
	ingestErrs    []error
	heartbeatErrs []error
	registers     int
	heartbeats    []protocol.HeartbeatRequest
	ingests       []protocol.IngestRequest
	deregisters   int
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeRemote) Register(ctx context.Context, req protocol.RegisterRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	return pop(&f.registerErrs)
}

func (f *fakeRemote) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, req)
	return pop(&f.heartbeatErrs)
}

func (f *fakeRemote) Ingest(ctx context.Context, req protocol.IngestRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.ingestErrs); err != nil {
		return err
	}
	f.ingests = append(f.ingests, req)
	return nil
}

func (f *fakeRemote) Deregister(ctx context.Context, req protocol.DeregisterRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregisters++
	return nil
}

func (f *fakeRemote) counts() (registers, deregisters int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers, f.deregisters
}

var testInfo = protocol.RegisterRequest{DaemonID: "d1", PID: 1, Version: "test"}

func fastOptions() AgentOptions {
	return AgentOptions{
		HeartbeatInterval: 10 * time.Millisecond,
		PushInterval:      5 * time.Millisecond,
		BackoffBase:       time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
	}
}

func trackedStore(t *testing.T, n int) *session.Store {
	t.Helper()
	s := session.NewStore(session.Options{Capacity: 2000, TrackChanges: true})
	base := time.Unix(1000, 0)
	for i := 0; i < n; i++ {
		s.Upsert(session.Projection{
			ID:             fmt.Sprintf("s%04d", i),
			Status:         session.StatusWorking,
			LastActivityAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return s
}

func TestAgent_RegisterRetriesThenRuns(t *testing.T) {
	remote := &fakeRemote{registerErrs: []error{errBoom, errBoom, ErrCircuitOpen}}
	store := trackedStore(t, 3)
	agent := NewAgent(remote, store, testInfo, fastOptions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for store.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	registers, deregisters := remote.counts()
	if registers != 4 {
		t.Errorf("expected 4 register attempts, got %d", registers)
	}
	if deregisters != 1 {
		t.Errorf("expected deregister on shutdown, got %d", deregisters)
	}
	if store.Pending() != 0 {
		t.Errorf("expected pending changes to be delivered")
	}
}

func TestAgent_RegisterStopsOnCancel(t *testing.T) {
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = errBoom
	}
	remote := &fakeRemote{registerErrs: errs}
	agent := NewAgent(remote, trackedStore(t, 0), testInfo, fastOptions(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	agent.Run(ctx)

	if _, deregisters := remote.counts(); deregisters != 0 {
		t.Errorf("unregistered agent should not deregister, got %d", deregisters)
	}
}

func TestAgent_PushSplitsIntoBatches(t *testing.T) {
	remote := &fakeRemote{}
	store := trackedStore(t, 1200)
	agent := NewAgent(remote, store, testInfo, fastOptions(), zerolog.Nop())

	agent.Push(context.Background())

	if len(remote.ingests) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(remote.ingests))
	}
	total := 0
	for _, req := range remote.ingests {
		if len(req.Updated) > protocol.MaxBatchEntries {
			t.Errorf("batch of %d exceeds limit", len(req.Updated))
		}
		if req.DaemonID != "d1" {
			t.Errorf("unexpected daemon id %q", req.DaemonID)
		}
		total += len(req.Updated)
	}
	if total != 1200 {
		t.Errorf("expected 1200 updates delivered, got %d", total)
	}
	if store.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", store.Pending())
	}
}

func TestAgent_FailedBatchesMergedBack(t *testing.T) {
	remote := &fakeRemote{ingestErrs: []error{nil, errBoom}}
	store := trackedStore(t, 1200)
	agent := NewAgent(remote, store, testInfo, fastOptions(), zerolog.Nop())

	agent.Push(context.Background())

	if len(remote.ingests) != 1 {
		t.Fatalf("expected first batch delivered, got %d", len(remote.ingests))
	}
	if store.Pending() != 700 {
		t.Errorf("expected 700 pending after failure, got %d", store.Pending())
	}

	agent.Push(context.Background())
	if store.Pending() != 0 {
		t.Errorf("expected retry to drain pending, got %d", store.Pending())
	}
}

func TestAgent_UnknownDaemonResyncs(t *testing.T) {
	remote := &fakeRemote{ingestErrs: []error{ErrUnknownDaemon}}
	store := trackedStore(t, 5)
	store.FlushChanges()
	store.Update("s0000", func(p *session.Projection) { p.MessageCount++ })

	agent := NewAgent(remote, store, testInfo, fastOptions(), zerolog.Nop())
	agent.Push(context.Background())

	if registers, _ := remote.counts(); registers != 1 {
		t.Errorf("expected re-registration, got %d registers", registers)
	}
	if store.Pending() != store.Len() {
		t.Errorf("expected full resync, pending %d of %d", store.Pending(), store.Len())
	}
}

func TestAgent_HeartbeatUnknownDaemonResyncs(t *testing.T) {
	remote := &fakeRemote{heartbeatErrs: []error{ErrUnknownDaemon}}
	store := trackedStore(t, 2)
	store.FlushChanges()

	agent := NewAgent(remote, store, testInfo, fastOptions(), zerolog.Nop())
	agent.heartbeat(context.Background())

	if len(remote.heartbeats) != 1 || remote.heartbeats[0].SessionCount != 2 {
		t.Fatalf("unexpected heartbeats %+v", remote.heartbeats)
	}
	if registers, _ := remote.counts(); registers != 1 {
		t.Errorf("expected re-registration, got %d", registers)
	}
	if store.Pending() != 2 {
		t.Errorf("expected 2 pending, got %d", store.Pending())
	}
}

func TestAgent_BreakerOpenKeepsChanges(t *testing.T) {
	remote := &fakeRemote{ingestErrs: []error{ErrCircuitOpen}}
	store := trackedStore(t, 10)
	agent := NewAgent(remote, store, testInfo, fastOptions(), zerolog.Nop())

	agent.Push(context.Background())
	if store.Pending() != 10 {
		t.Errorf("expected changes kept for retry, got %d", store.Pending())
	}
	if registers, _ := remote.counts(); registers != 0 {
		t.Errorf("breaker rejection must not trigger re-registration")
	}
}

func TestAgent_OversizedBatchShrinks(t *testing.T) {
	remote := &fakeRemote{ingestErrs: []error{&StatusError{Code: http.StatusRequestEntityTooLarge}}}
	store := trackedStore(t, 600)
	agent := NewAgent(remote, store, testInfo, fastOptions(), zerolog.Nop())

	agent.Push(context.Background())
	if store.Pending() != 600 {
		t.Fatalf("expected every change kept after 413, got %d", store.Pending())
	}

	agent.Push(context.Background())
	if len(remote.ingests) != 3 {
		t.Fatalf("expected 3 smaller batches, got %d", len(remote.ingests))
	}
	for _, req := range remote.ingests {
		if len(req.Updated) > 250 {
			t.Errorf("batch of %d not shrunk", len(req.Updated))
		}
	}
	if store.Pending() != 0 {
		t.Errorf("expected nothing pending, got %d", store.Pending())
	}
}

func TestAgent_RejectedBatchDropped(t *testing.T) {
	remote := &fakeRemote{ingestErrs: []error{&StatusError{Code: http.StatusBadRequest, Body: "bad"}}}
	store := trackedStore(t, 600)
	agent := NewAgent(remote, store, testInfo, fastOptions(), zerolog.Nop())

	agent.Push(context.Background())
	if len(remote.ingests) != 1 || len(remote.ingests[0].Updated) != 100 {
		t.Fatalf("expected the remaining batch delivered, got %d ingests", len(remote.ingests))
	}
	if store.Pending() != 0 {
		t.Errorf("rejected batch must not be retried, %d pending", store.Pending())
	}
}

func TestAgent_SingleOversizedChangeDropped(t *testing.T) {
	remote := &fakeRemote{ingestErrs: []error{&StatusError{Code: http.StatusRequestEntityTooLarge}}}
	store := trackedStore(t, 1)
	agent := NewAgent(remote, store, testInfo, fastOptions(), zerolog.Nop())

	agent.Push(context.Background())
	if store.Pending() != 0 {
		t.Errorf("a single change over the body limit can never be delivered, %d pending", store.Pending())
	}
}

func TestSplitDelta(t *testing.T) {
	d := session.Delta{
		Updated: make([]session.Projection, 3),
		Removed: []string{"a", "b", "c", "d", "e"},
	}
	batches := SplitDelta(d, 2)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if len(batches[0].Updated) != 2 || len(batches[0].Removed) != 2 {
		t.Errorf("batch 0: %+v", batches[0])
	}
	if len(batches[1].Updated) != 1 || len(batches[1].Removed) != 2 {
		t.Errorf("batch 1: %+v", batches[1])
	}
	if len(batches[2].Updated) != 0 || len(batches[2].Removed) != 1 {
		t.Errorf("batch 2: %+v", batches[2])
	}

	if got := SplitDelta(session.Delta{}, 2); len(got) != 0 {
		t.Errorf("empty delta should produce no batches, got %d", len(got))
	}
}

var _ Remote = (*Client)(nil)
