package chat

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Target is one recipient of a broadcast: the registered id and the handle
// to write to.
type Target struct {
	ID   ClientID
	Conn Conn
}

// Member describes a registered client for stats and inspection.
type Member struct {
	ID     ClientID
	Name   string
	Joined time.Time
}

type slot struct {
	conn   Conn
	name   string
	named  bool
	joined time.Time
	gen    uint32
	used   bool
}

// Registry is a capacity-bounded table of connected clients.
//
// Admission is a non-blocking permit check, so a busy accept loop always gets
// an immediate answer. Slots never move once assigned: a removed slot goes on
// a free list and its generation is bumped, which invalidates every ClientID
// previously handed out for it.
type Registry struct {
	permits  *semaphore.Weighted
	capacity int

	mu     sync.Mutex
	slots  []slot
	free   []int
	size   int
	closed bool
}

// NewRegistry returns an empty registry admitting at most capacity clients.
// It panics if capacity is not positive; Server validates before calling.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		panic("chat: registry capacity must be positive")
	}
	free := make([]int, capacity)
	for i := range free {
		// Pop from the end, so lower slots are handed out first.
		free[i] = capacity - 1 - i
	}
	return &Registry{
		permits:  semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		slots:    make([]slot, capacity),
		free:     free,
	}
}

// TryAdmit registers conn and returns its id. It never blocks: when no permit
// is free it returns ErrCapacityExceeded, and after Close it returns
// ErrStopped.
func (r *Registry) TryAdmit(conn Conn) (ClientID, error) {
	if !r.permits.TryAcquire(1) {
		return 0, ErrCapacityExceeded
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.permits.Release(1)
		return 0, ErrStopped
	}

	// A held permit guarantees a free slot.
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	s := &r.slots[idx]
	s.conn = conn
	s.name = ""
	s.named = false
	s.joined = time.Now()
	s.used = true
	r.size++
	id := newClientID(idx, s.gen)
	r.mu.Unlock()

	return id, nil
}

// Remove deletes the record for id and returns its handle. Unknown or
// already removed ids are a no-op and report false.
func (r *Registry) Remove(id ClientID) (Conn, bool) {
	r.mu.Lock()
	s := r.lookup(id)
	if s == nil {
		r.mu.Unlock()
		return nil, false
	}
	conn := s.conn
	r.release(id.slot())
	r.mu.Unlock()

	r.permits.Release(1)
	return conn, true
}

// release clears a used slot. Caller holds r.mu and releases the permit.
func (r *Registry) release(idx int) {
	s := &r.slots[idx]
	*s = slot{gen: s.gen + 1}
	r.free = append(r.free, idx)
	r.size--
}

// lookup returns the live slot for id, or nil. Caller holds r.mu.
func (r *Registry) lookup(id ClientID) *slot {
	idx := id.slot()
	if idx < 0 || idx >= len(r.slots) {
		return nil
	}
	s := &r.slots[idx]
	if !s.used || s.gen != id.gen() {
		return nil
	}
	return s
}

// SetName attaches a display name to a registered client.
func (r *Registry) SetName(id ClientID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookup(id)
	if s == nil {
		return ErrNotFound
	}
	s.name = name
	s.named = true
	return nil
}

// Name returns the display name of id, if one was set.
func (r *Registry) Name(id ClientID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookup(id)
	if s == nil || !s.named {
		return "", false
	}
	return s.name, true
}

// Conn returns the handle registered for id.
func (r *Registry) Conn(id ClientID) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.lookup(id)
	if s == nil {
		return nil, false
	}
	return s.conn, true
}

// SnapshotExcluding returns every registered client except id, in slot
// order. The copy is taken under the same lock as admission and removal, so
// it reflects a single point in time; callers write to the targets after the
// lock is released.
func (r *Registry) SnapshotExcluding(id ClientID) []Target {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]Target, 0, r.size)
	for i := range r.slots {
		s := &r.slots[i]
		if !s.used {
			continue
		}
		tid := newClientID(i, s.gen)
		if tid == id {
			continue
		}
		targets = append(targets, Target{ID: tid, Conn: s.conn})
	}
	return targets
}

// Members lists registered clients in slot order.
func (r *Registry) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]Member, 0, r.size)
	for i := range r.slots {
		s := &r.slots[i]
		if !s.used {
			continue
		}
		members = append(members, Member{ID: newClientID(i, s.gen), Name: s.name, Joined: s.joined})
	}
	return members
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Capacity returns the admission limit fixed at construction.
func (r *Registry) Capacity() int { return r.capacity }

// Close rejects all future admissions, removes every registered client and
// returns their handles so the caller can close them.
func (r *Registry) Close() []Target {
	r.mu.Lock()
	r.closed = true
	targets := make([]Target, 0, r.size)
	for i := range r.slots {
		s := &r.slots[i]
		if !s.used {
			continue
		}
		targets = append(targets, Target{ID: newClientID(i, s.gen), Conn: s.conn})
		r.release(i)
	}
	r.mu.Unlock()

	if n := len(targets); n > 0 {
		r.permits.Release(int64(n))
	}
	return targets
}

// closeAdmission rejects future admissions without touching current members.
func (r *Registry) closeAdmission() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
