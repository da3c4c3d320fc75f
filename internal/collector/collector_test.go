package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"claude-pulse/internal/clock"
	"claude-pulse/internal/protocol"
	"claude-pulse/internal/session"

	"github.com/rs/zerolog"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (r *recordingPublisher) Publish(msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Type
	}
	return out
}

func (r *recordingPublisher) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCollector(opts Options) (*Collector, *recordingPublisher, *clock.FakeClock) {
	clk := clock.Fake(t0)
	opts.Clock = clk
	pub := &recordingPublisher{}
	return New(opts, pub, zerolog.Nop()), pub, clk
}

func proj(id string, at time.Time) session.Projection {
	return session.Projection{ID: id, Status: session.StatusWorking, LastActivityAt: at}
}

func register(t *testing.T, c *Collector, id string) {
	t.Helper()
	if _, err := c.Register(protocol.RegisterRequest{DaemonID: id, PID: 1, Version: "test"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegister_PublishesConnected(t *testing.T) {
	c, pub, _ := newTestCollector(Options{})
	register(t, c, "d1")

	st := c.Status()
	if !st.Connected || st.Daemon == nil || st.Daemon.DaemonID != "d1" {
		t.Fatalf("unexpected status %+v", st)
	}
	if !st.Daemon.LastHeartbeatAt.Equal(t0) {
		t.Errorf("expected heartbeat at registration time, got %v", st.Daemon.LastHeartbeatAt)
	}
	if got := pub.types(); len(got) != 1 || got[0] != protocol.TypeDaemonConnected {
		t.Errorf("unexpected notifications %v", got)
	}
}

func TestRegister_ReplacesDaemonAndClearsSessions(t *testing.T) {
	c, _, _ := newTestCollector(Options{})
	register(t, c, "d1")
	c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: []session.Projection{proj("s1", t0)}})

	register(t, c, "d2")
	if n := c.Status().SessionCount; n != 0 {
		t.Errorf("expected sessions cleared, got %d", n)
	}
	if err := c.Heartbeat(protocol.HeartbeatRequest{DaemonID: "d1"}); !errors.Is(err, ErrUnknownDaemon) {
		t.Errorf("replaced daemon should be unknown, got %v", err)
	}
}

func TestHeartbeat_UnknownDaemon(t *testing.T) {
	c, pub, _ := newTestCollector(Options{})
	err := c.Heartbeat(protocol.HeartbeatRequest{DaemonID: "ghost", SessionCount: 1})
	if !errors.Is(err, ErrUnknownDaemon) {
		t.Fatalf("expected ErrUnknownDaemon, got %v", err)
	}
	if c.Status().Connected {
		t.Error("heartbeat must not create a daemon record")
	}
	if len(pub.types()) != 0 {
		t.Error("no notifications expected")
	}
}

func TestHeartbeat_UpdatesLiveness(t *testing.T) {
	c, _, clk := newTestCollector(Options{})
	register(t, c, "d1")
	clk.Advance(20 * time.Second)
	if err := c.Heartbeat(protocol.HeartbeatRequest{DaemonID: "d1", SessionCount: 4}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	clk.Advance(20 * time.Second)
	if c.CheckLiveness() {
		t.Error("daemon with a recent heartbeat should stay connected")
	}
}

func TestIngest_AppliesAndPublishes(t *testing.T) {
	c, pub, _ := newTestCollector(Options{})
	register(t, c, "d1")
	pub.reset()

	err := c.Ingest(protocol.IngestRequest{
		DaemonID: "d1",
		Updated:  []session.Projection{proj("s1", t0), proj("s2", t0)},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	err = c.Ingest(protocol.IngestRequest{DaemonID: "d1", Removed: []string{"s1", "missing"}})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	want := []string{protocol.TypeSessionUpdated, protocol.TypeSessionUpdated, protocol.TypeSessionRemoved}
	got := pub.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("notifications = %v, want %v", got, want)
	}
	if n := c.Status().SessionCount; n != 1 {
		t.Errorf("expected 1 session, got %d", n)
	}
}

func TestIngest_Idempotent(t *testing.T) {
	c, _, _ := newTestCollector(Options{})
	register(t, c, "d1")
	req := protocol.IngestRequest{
		DaemonID: "d1",
		Updated:  []session.Projection{proj("s1", t0), proj("s2", t0.Add(time.Second))},
		Removed:  []string{"s3"},
	}

	c.Ingest(req)
	first := c.Sessions(100, 0)
	c.Ingest(req)
	second := c.Sessions(100, 0)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("re-ingest changed state:\n%s\n%s", a, b)
	}
}

func TestIngest_RejectsOversizedBatchEntirely(t *testing.T) {
	c, pub, _ := newTestCollector(Options{})
	register(t, c, "d1")
	pub.reset()

	updated := make([]session.Projection, protocol.MaxBatchEntries+1)
	for i := range updated {
		updated[i] = proj(fmt.Sprintf("s%d", i), t0)
	}
	err := c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: updated})
	if !errors.Is(err, protocol.ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if n := c.Status().SessionCount; n != 0 {
		t.Errorf("expected nothing applied, got %d sessions", n)
	}
	if len(pub.types()) != 0 {
		t.Error("rejected batch must not publish")
	}
}

func TestIngest_UnknownDaemon(t *testing.T) {
	c, _, _ := newTestCollector(Options{})
	register(t, c, "d1")
	err := c.Ingest(protocol.IngestRequest{DaemonID: "d2", Updated: []session.Projection{proj("s1", t0)}})
	if !errors.Is(err, ErrUnknownDaemon) {
		t.Fatalf("expected ErrUnknownDaemon, got %v", err)
	}
}

func TestIngest_InvalidRequest(t *testing.T) {
	c, _, _ := newTestCollector(Options{})
	register(t, c, "d1")
	err := c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: []session.Projection{{ID: "s1", Status: "bogus"}}})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestIngest_EvictionPublishesRemoval(t *testing.T) {
	c, pub, _ := newTestCollector(Options{MaxSessions: 2})
	register(t, c, "d1")
	c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: []session.Projection{
		proj("old", t0), proj("mid", t0.Add(time.Second)),
	}})
	pub.reset()

	c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: []session.Projection{proj("new", t0.Add(2*time.Second))}})

	got := pub.types()
	if len(got) != 2 || got[1] != protocol.TypeSessionRemoved {
		t.Fatalf("expected update then removal, got %v", got)
	}
	var removed protocol.SessionRemovedPayload
	json.Unmarshal(pub.msgs[1].Payload, &removed)
	if removed.SessionID != "old" {
		t.Errorf("expected least recently active session evicted, got %q", removed.SessionID)
	}
}

func TestDeregister(t *testing.T) {
	c, pub, _ := newTestCollector(Options{})
	register(t, c, "d1")
	c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: []session.Projection{proj("s1", t0)}})
	pub.reset()

	if err := c.Deregister(protocol.DeregisterRequest{DaemonID: "other"}); err != nil {
		t.Fatalf("Deregister of unknown daemon: %v", err)
	}
	if !c.Status().Connected {
		t.Fatal("unknown deregister must not disconnect the current daemon")
	}

	if err := c.Deregister(protocol.DeregisterRequest{DaemonID: "d1"}); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	st := c.Status()
	if st.Connected || st.SessionCount != 0 {
		t.Errorf("expected disconnected and empty, got %+v", st)
	}
	if got := pub.types(); len(got) != 1 || got[0] != protocol.TypeDaemonDisconnected {
		t.Errorf("unexpected notifications %v", got)
	}
}

func TestCheckLiveness_TimesOut(t *testing.T) {
	c, pub, clk := newTestCollector(Options{HeartbeatTimeout: 30 * time.Second})
	register(t, c, "d1")
	c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: []session.Projection{proj("s1", t0)}})
	pub.reset()

	clk.Advance(30 * time.Second)
	if c.CheckLiveness() {
		t.Fatal("exactly at the timeout the daemon is still alive")
	}
	clk.Advance(time.Second)
	if !c.CheckLiveness() {
		t.Fatal("expected daemon to time out")
	}
	if c.Status().Connected || c.Status().SessionCount != 0 {
		t.Error("expected daemon and sessions dropped")
	}
	var payload protocol.DaemonDisconnectedPayload
	json.Unmarshal(pub.msgs[0].Payload, &payload)
	if payload.DaemonID != "d1" || payload.Reason != reasonHeartbeatTimeout {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestSweep_IdlesAndEvicts(t *testing.T) {
	c, pub, _ := newTestCollector(Options{IdleAfter: 5 * time.Minute, EvictAfter: 30 * time.Minute})
	register(t, c, "d1")
	c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: []session.Projection{
		proj("stale", t0.Add(-40*time.Minute)),
		proj("quiet", t0.Add(-10*time.Minute)),
		proj("busy", t0),
	}})
	pub.reset()

	c.Sweep()

	got := pub.types()
	want := []string{protocol.TypeSessionUpdated, protocol.TypeSessionRemoved}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	page := c.Sessions(10, 0)
	if page.Total != 2 {
		t.Fatalf("expected 2 sessions, got %d", page.Total)
	}
	for _, p := range page.Sessions {
		if p.ID == "quiet" && p.Status != session.StatusIdle {
			t.Errorf("expected quiet session idle, got %s", p.Status)
		}
		if p.ID == "busy" && p.Status != session.StatusWorking {
			t.Errorf("expected busy session untouched, got %s", p.Status)
		}
	}
}

func TestSessions_Paging(t *testing.T) {
	c, _, _ := newTestCollector(Options{})
	register(t, c, "d1")
	var updated []session.Projection
	for i := 0; i < 5; i++ {
		updated = append(updated, proj(fmt.Sprintf("s%d", i), t0.Add(time.Duration(i)*time.Second)))
	}
	c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: updated})

	page := c.Sessions(2, 1)
	if page.Total != 5 || len(page.Sessions) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Sessions[0].ID != "s3" || page.Sessions[1].ID != "s2" {
		t.Errorf("expected most recent first, got %s, %s", page.Sessions[0].ID, page.Sessions[1].ID)
	}
	if page := c.Sessions(10, 10); len(page.Sessions) != 0 || page.Total != 5 {
		t.Errorf("offset past end: %+v", page)
	}
}

func TestSubscribe_SnapshotReflectsState(t *testing.T) {
	c, _, _ := newTestCollector(Options{})
	register(t, c, "d1")
	c.Ingest(protocol.IngestRequest{DaemonID: "d1", Updated: []session.Projection{proj("s1", t0)}})

	var snap protocol.SnapshotPayload
	c.Subscribe(func(s protocol.SnapshotPayload) { snap = s })

	if !snap.Connected || snap.Daemon == nil || snap.Daemon.SessionCount != 1 {
		t.Errorf("unexpected snapshot daemon %+v", snap.Daemon)
	}
	if len(snap.Sessions) != 1 || snap.Sessions[0].ID != "s1" {
		t.Errorf("unexpected snapshot sessions %+v", snap.Sessions)
	}
}
