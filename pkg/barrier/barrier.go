// Package barrier implements the two-phase named barrier primitive:
// members register interest in a name, wait on it, and are all released
// together once the required number of waiters has arrived, or the
// barrier times out.
package barrier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/clustercore/pkg/log"
	"github.com/cuemby/clustercore/pkg/metrics"
)

// Status is the outcome delivered to a barrier's callback.
type Status int

const (
	StatusComplete Status = iota
	StatusTimeout
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once per barrier, when it completes, times
// out, or is cancelled.
type Callback func(name string, status Status)

type record struct {
	mu        sync.Mutex
	name      string
	nodes     uint32
	waiting   map[string]bool
	autoDel   bool
	timeout   time.Duration
	timer     *time.Timer
	callback  Callback
	done      bool
	createdAt time.Time
}

// Registry tracks every barrier known to this node. It is the Go
// equivalent of the original kernel module's barrier list plus its
// per-barrier timer.
type Registry struct {
	mu       sync.Mutex
	barriers map[string]*record
	log      zerolog.Logger

	// Broadcast is called to multicast a BARRIER_WAIT/COMPLETE control
	// message to the rest of the cluster. memberID is empty on a COMPLETE
	// message. Left nil in unit tests that exercise purely local barrier
	// semantics.
	Broadcast func(name, memberID string, complete bool, status uint8)
}

// NewRegistry returns an empty barrier registry.
func NewRegistry() *Registry {
	return &Registry{
		barriers: make(map[string]*record),
		log:      log.WithComponent("barrier"),
	}
}

// Register creates a barrier if it does not already exist. nodes is the
// number of distinct waiters required to complete it; 0 means the count
// will be supplied later via SetAttr. autoDel requests the barrier be
// deleted from the registry as soon as it completes.
func (r *Registry) Register(name string, nodes uint32, autoDel bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.barriers[name]; exists {
		return fmt.Errorf("barrier: %q already registered", name)
	}
	r.barriers[name] = &record{
		name:      name,
		nodes:     nodes,
		waiting:   make(map[string]bool),
		autoDel:   autoDel,
		createdAt: time.Now(),
	}
	metrics.BarriersActive.Inc()
	return nil
}

// SetAttr changes the required waiter count of a barrier that has not yet
// had Wait called on it.
func (r *Registry) SetAttr(name string, nodes uint32) error {
	r.mu.Lock()
	rec, ok := r.barriers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("barrier: %q not registered", name)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.waiting) > 0 {
		return fmt.Errorf("barrier: %q already has waiters, cannot change node count", name)
	}
	rec.nodes = nodes
	return nil
}

// Wait registers memberID as having reached the barrier. When the number
// of distinct waiters reaches the barrier's required node count, the
// barrier completes and cb fires with StatusComplete. A barrier keeps
// one callback: cb replaces the one passed by any earlier Wait, so only
// the most recent waiter's cb is invoked. If timeout elapses first, cb
// fires with StatusTimeout.
//
// This is phase 1 (announce arrival); phase 2 (release) happens either
// locally here, when this node observes the last waiter, or when a
// BARRIER_COMPLETE control message arrives from whichever node observed
// it — see Complete.
func (r *Registry) Wait(ctx context.Context, name, memberID string, timeout time.Duration, cb Callback) error {
	r.mu.Lock()
	rec, ok := r.barriers[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("barrier: %q not registered", name)
	}

	rec.mu.Lock()
	if rec.done {
		rec.mu.Unlock()
		return fmt.Errorf("barrier: %q already completed", name)
	}
	rec.waiting[memberID] = true
	rec.callback = cb
	reached := rec.nodes != 0 && uint32(len(rec.waiting)) >= rec.nodes
	if !reached && rec.timer == nil && timeout > 0 {
		rec.timeout = timeout
		rec.timer = time.AfterFunc(timeout, func() { r.fire(name, StatusTimeout) })
	}
	rec.mu.Unlock()

	start := time.Now()
	defer metrics.BarrierWaitDuration.Observe(time.Since(start).Seconds())

	if r.Broadcast != nil {
		r.Broadcast(name, memberID, false, 0)
	}
	if reached {
		if r.Broadcast != nil {
			r.Broadcast(name, "", true, 0)
		}
		r.fire(name, StatusComplete)
	}
	return nil
}

// Observe records a peer's arrival at a barrier, reported by a BARRIER
// WAIT control message received from another node. It mirrors the
// bookkeeping Wait does for a local arrival, without itself registering a
// callback — the observing node may never call Wait on this barrier at
// all, e.g. a node not participating in this particular recovery.
func (r *Registry) Observe(name, memberID string) {
	r.mu.Lock()
	rec, ok := r.barriers[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.done {
		rec.mu.Unlock()
		return
	}
	rec.waiting[memberID] = true
	reached := rec.nodes != 0 && uint32(len(rec.waiting)) >= rec.nodes
	rec.mu.Unlock()

	if reached {
		if r.Broadcast != nil {
			r.Broadcast(name, "", true, 0)
		}
		r.fire(name, StatusComplete)
	}
}

// Complete is called when a BARRIER_COMPLETE control message arrives from
// the peer that observed the last waiter, releasing this node's local
// waiters even though it may not itself have seen every WAIT.
func (r *Registry) Complete(name string, peerStatus uint8) {
	status := StatusComplete
	if peerStatus != 0 {
		status = StatusCancelled
	}
	r.fire(name, status)
}

func (r *Registry) fire(name string, status Status) {
	r.mu.Lock()
	rec, ok := r.barriers[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.done {
		rec.mu.Unlock()
		return
	}
	rec.done = true
	if rec.timer != nil {
		rec.timer.Stop()
	}
	cb := rec.callback
	autoDel := rec.autoDel
	rec.mu.Unlock()

	r.log.Debug().Str("barrier", name).Str("status", status.String()).Msg("barrier resolved")
	metrics.BarriersActive.Dec()

	if cb != nil {
		cb(name, status)
	}
	if autoDel {
		r.mu.Lock()
		delete(r.barriers, name)
		r.mu.Unlock()
	}
}

// Cancel aborts a barrier immediately, firing its callback with
// StatusCancelled. Used when the cluster view changes underneath an
// in-progress barrier.
func (r *Registry) Cancel(name string) {
	r.fire(name, StatusCancelled)
}

// Info is a snapshot of one barrier's state, for the admin/CLI listing
// surface.
type Info struct {
	Name      string    `json:"name"`
	Nodes     uint32    `json:"nodes"`
	Waiting   int       `json:"waiting"`
	Done      bool      `json:"done"`
	AutoDel   bool      `json:"auto_del"`
	CreatedAt time.Time `json:"created_at"`
}

// List returns a snapshot of every barrier currently known to this node.
func (r *Registry) List() []Info {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.barriers))
	for _, rec := range r.barriers {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, Info{
			Name:      rec.name,
			Nodes:     rec.nodes,
			Waiting:   len(rec.waiting),
			Done:      rec.done,
			AutoDel:   rec.autoDel,
			CreatedAt: rec.createdAt,
		})
		rec.mu.Unlock()
	}
	return out
}

// Delete removes a completed barrier explicitly, for barriers registered
// without autoDel.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.barriers[name]
	if !ok {
		return fmt.Errorf("barrier: %q not registered", name)
	}
	rec.mu.Lock()
	done := rec.done
	rec.mu.Unlock()
	if !done {
		return fmt.Errorf("barrier: %q has not completed", name)
	}
	delete(r.barriers, name)
	return nil
}
