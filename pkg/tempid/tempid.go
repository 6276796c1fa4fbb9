// Package tempid allocates negative, transient node ids for peers that
// have been observed (e.g. via an incoming JOINREQ or a STARTTRANS
// NEWNODE entry) but have not yet been assigned a permanent positive id
// by a completed transition.
package tempid

import "sync"

// Allocator hands out unique negative int32 ids. Ids are never reused
// while still referenced; callers release them once the owning node
// record is either promoted to a permanent id or discarded.
type Allocator struct {
	mu   sync.Mutex
	next int32
	used map[int32]bool
}

// New returns an allocator whose first id is -1.
func New() *Allocator {
	return &Allocator{next: -1, used: make(map[int32]bool)}
}

// Alloc returns a fresh, currently-unused temporary id.
func (a *Allocator) Alloc() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.used[a.next] {
		a.next--
	}
	id := a.next
	a.used[id] = true
	a.next--
	return id
}

// Release marks id as no longer in use. Alloc only moves its cursor
// downward, so a released id is not handed out again. Releasing an id
// that was never allocated, or already released, is a no-op.
func (a *Allocator) Release(id int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.used, id)
}

// IsTemp reports whether id is a temporary (negative) node id.
func IsTemp(id int32) bool {
	return id < 0
}
