package session

import (
	"sort"
	"sync"
	"time"

	"claude-pulse/internal/clock"
)

// Options configures a Store.
type Options struct {
	// Capacity is the maximum number of sessions held.
	Capacity int
	// MaxPending bounds the unflushed updates and, separately, the
	// unflushed removals. Zero means twice Capacity. Updates beyond it
	// evict the least-recently-active updated session; removals beyond
	// it are dropped oldest first.
	MaxPending int
	// TrackChanges enables the pending delta consumed by FlushChanges.
	TrackChanges bool
	// IdleAfter and EvictAfter drive Sweep. Zero disables each rule.
	IdleAfter  time.Duration
	EvictAfter time.Duration
	Clock      clock.Clock
}

// Store is a bounded, concurrency-safe map of session projections keyed
// by session id. When full it evicts the least-recently-active session
// (by LastActivityAt). With TrackChanges set it records every update and
// removal until the next FlushChanges.
type Store struct {
	mu       sync.RWMutex
	opts     Options
	sessions map[string]*Projection
	dirty    map[string]struct{}
	removed  map[string]uint64 // id → order of removal
	seq      uint64
}

// NewStore creates a store.
func NewStore(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 2 * opts.Capacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Store{
		opts:     opts,
		sessions: make(map[string]*Projection),
		dirty:    make(map[string]struct{}),
		removed:  make(map[string]uint64),
	}
}

// Capacity returns the maximum number of sessions held.
func (s *Store) Capacity() int {
	return s.opts.Capacity
}

// Upsert stores p, replacing any existing projection with the same id.
// It returns the ids evicted to make room.
func (s *Store) Upsert(p Projection) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := p.Clone()
	s.sessions[p.ID] = &c
	s.markDirty(p.ID)
	return s.enforceLimits(p.ID)
}

// Update applies fn to the projection for id, creating it first if it
// does not exist. fn runs under the store lock and must not call back
// into the store. It returns a copy of the result and the ids evicted.
func (s *Store) Update(id string, fn func(p *Projection)) (Projection, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.sessions[id]
	if !ok {
		p = &Projection{ID: id, Status: StatusIdle}
		s.sessions[id] = p
	}
	fn(p)
	p.ID = id
	s.markDirty(id)
	evicted := s.enforceLimits(id)
	return p.Clone(), evicted
}

// Get returns a copy of the projection for id.
func (s *Store) Get(id string) (Projection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.sessions[id]
	if !ok {
		return Projection{}, false
	}
	return p.Clone(), true
}

// Remove deletes the session. It reports whether the session existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(id) {
		return false
	}
	s.enforceLimits("")
	return true
}

// List returns copies of all sessions, most recently active first.
func (s *Store) List() []Projection {
	s.mu.RLock()
	result := make([]Projection, 0, len(s.sessions))
	for _, p := range s.sessions {
		result = append(result, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastActivityAt.Equal(result[j].LastActivityAt) {
			return result[i].LastActivityAt.After(result[j].LastActivityAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Pending returns the number of unflushed updates and removals.
func (s *Store) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty) + len(s.removed)
}

// Clear drops every session and any pending changes, returning the ids
// that were held.
func (s *Store) Clear() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.sessions = make(map[string]*Projection)
	s.dirty = make(map[string]struct{})
	s.removed = make(map[string]uint64)
	return ids
}

// FlushChanges returns the changes accumulated since the previous flush
// and clears them. Updated projections reflect the latest state.
func (s *Store) FlushChanges() Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d Delta
	for id := range s.dirty {
		if p, ok := s.sessions[id]; ok {
			d.Updated = append(d.Updated, p.Clone())
		}
	}
	for id := range s.removed {
		d.Removed = append(d.Removed, id)
	}
	sort.Slice(d.Updated, func(i, j int) bool { return d.Updated[i].ID < d.Updated[j].ID })
	sort.Strings(d.Removed)

	s.dirty = make(map[string]struct{})
	s.removed = make(map[string]uint64)
	return d
}

// MarkPendingRetry merges an undelivered delta back into the pending
// changes. Updates for sessions that no longer exist are dropped, and
// removals of sessions that have since reappeared are superseded by the
// current projection.
func (s *Store) MarkPendingRetry(d Delta) {
	if !s.opts.TrackChanges {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range d.Updated {
		if _, ok := s.sessions[p.ID]; ok {
			s.dirty[p.ID] = struct{}{}
		}
	}
	for _, id := range d.Removed {
		if _, ok := s.sessions[id]; ok {
			s.dirty[id] = struct{}{}
			continue
		}
		s.recordRemoval(id)
	}
	s.enforceLimits("")
}

// MarkAllPending marks every held session as updated so the next flush
// carries a full copy of the store.
func (s *Store) MarkAllPending() {
	if !s.opts.TrackChanges {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.sessions {
		s.dirty[id] = struct{}{}
	}
	s.enforceLimits("")
}

// Sweep marks sessions inactive for longer than IdleAfter as idle and
// removes sessions inactive for longer than EvictAfter. It returns
// copies of the sessions that went idle and the ids removed.
func (s *Store) Sweep() (idled []Projection, removed []string) {
	now := s.opts.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.sessions {
		inactive := now.Sub(p.LastActivityAt)
		if s.opts.EvictAfter > 0 && inactive > s.opts.EvictAfter {
			s.removeLocked(id)
			removed = append(removed, id)
			continue
		}
		if s.opts.IdleAfter > 0 && inactive > s.opts.IdleAfter && p.Status != StatusIdle {
			p.Status = StatusIdle
			s.markDirty(id)
			idled = append(idled, p.Clone())
		}
	}
	removed = append(removed, s.enforceLimits("")...)
	sort.Strings(removed)
	sort.Slice(idled, func(i, j int) bool { return idled[i].ID < idled[j].ID })
	return idled, removed
}

func (s *Store) markDirty(id string) {
	if !s.opts.TrackChanges {
		return
	}
	s.dirty[id] = struct{}{}
	delete(s.removed, id)
}

func (s *Store) removeLocked(id string) bool {
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	if s.opts.TrackChanges {
		delete(s.dirty, id)
		s.recordRemoval(id)
	}
	return true
}

func (s *Store) recordRemoval(id string) {
	if _, ok := s.removed[id]; ok {
		return
	}
	s.seq++
	s.removed[id] = s.seq
}

// enforceLimits evicts least-recently-active sessions until both the
// capacity and the pending bound hold, then drops the oldest pending
// removals beyond the bound. keep is never evicted.
func (s *Store) enforceLimits(keep string) []string {
	var evicted []string
	for len(s.sessions) > s.opts.Capacity {
		id, ok := s.oldest(keep, false)
		if !ok {
			break
		}
		s.removeLocked(id)
		evicted = append(evicted, id)
	}
	for s.opts.TrackChanges && len(s.dirty) > s.opts.MaxPending {
		id, ok := s.oldest(keep, true)
		if !ok {
			break
		}
		s.removeLocked(id)
		evicted = append(evicted, id)
	}
	for s.opts.TrackChanges && len(s.removed) > s.opts.MaxPending {
		delete(s.removed, s.oldestRemoval())
	}
	return evicted
}

func (s *Store) oldestRemoval() string {
	var (
		found   bool
		bestID  string
		bestSeq uint64
	)
	for id, seq := range s.removed {
		if !found || seq < bestSeq {
			found = true
			bestID = id
			bestSeq = seq
		}
	}
	return bestID
}

// oldest finds the least-recently-active session other than keep,
// optionally restricted to sessions with pending updates. Ties break on
// the smaller id.
func (s *Store) oldest(keep string, dirtyOnly bool) (string, bool) {
	var (
		found    bool
		bestID   string
		bestTime time.Time
	)
	for id, p := range s.sessions {
		if id == keep {
			continue
		}
		if dirtyOnly {
			if _, ok := s.dirty[id]; !ok {
				continue
			}
		}
		if !found || p.LastActivityAt.Before(bestTime) ||
			(p.LastActivityAt.Equal(bestTime) && id < bestID) {
			found = true
			bestID = id
			bestTime = p.LastActivityAt
		}
	}
	return bestID, found
}
