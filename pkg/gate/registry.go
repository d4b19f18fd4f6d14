package gate

import (
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Registry is a thread-safe in-memory set of views keyed by view ID.
// Views idle longer than the TTL are evicted and their operations cancelled.
type Registry struct {
	gate    *Gate
	idleTTL time.Duration

	mu    sync.RWMutex
	views map[string]*View

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates an empty registry with periodic cleanup.
// An idleTTL of 0 disables eviction.
func NewRegistry(g *Gate, idleTTL time.Duration) *Registry {
	r := &Registry{
		gate:    g,
		idleTTL: idleTTL,
		views:   make(map[string]*View),
		stop:    make(chan struct{}),
	}
	if idleTTL > 0 {
		go r.cleanup()
	}
	return r
}

// Gate returns the gate views are created from.
func (r *Registry) Gate() *Gate {
	return r.gate
}

// Get retrieves a view by ID and marks it as seen. Returns nil if not found.
func (r *Registry) Get(id string) *View {
	r.mu.RLock()
	v := r.views[id]
	r.mu.RUnlock()
	if v != nil {
		v.touch(time.Now())
	}
	return v
}

// GetOrCreate returns the view for id, creating a Locked one if needed.
// The second result reports whether the view was created.
func (r *Registry) GetOrCreate(id string) (*View, bool) {
	if v := r.Get(id); v != nil {
		return v, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[id]; ok {
		return v, false
	}
	v := r.gate.NewView(id)
	r.views[id] = v
	return v, true
}

// Delete removes a view and cancels its outstanding operations.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	v := r.views[id]
	delete(r.views, id)
	r.mu.Unlock()
	if v != nil {
		v.close()
	}
}

// Len returns the number of views.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

// ForAccount returns every view currently connected to addr.
func (r *Registry) ForAccount(addr common.Address) []*View {
	r.mu.RLock()
	all := make([]*View, 0, len(r.views))
	for _, v := range r.views {
		all = append(all, v)
	}
	r.mu.RUnlock()

	var out []*View
	for _, v := range all {
		if v.Account() == addr {
			out = append(out, v)
		}
	}
	return out
}

// Recheck re-queries the balance of every view connected to addr and
// returns how many views were affected.
func (r *Registry) Recheck(addr common.Address) int {
	views := r.ForAccount(addr)
	for _, v := range views {
		v.Recheck()
	}
	return len(views)
}

// Close stops the cleanup loop and cancels every view's operations.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	views := r.views
	r.views = make(map[string]*View)
	r.mu.Unlock()

	for _, v := range views {
		v.close()
	}
}

// cleanup periodically removes idle views.
func (r *Registry) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			if n := r.sweep(now); n > 0 {
				log.Printf("[gate] evicted %d idle views", n)
			}
		}
	}
}

func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	var evicted []*View
	for id, v := range r.views {
		if v.idleSince(now) > r.idleTTL {
			delete(r.views, id)
			evicted = append(evicted, v)
		}
	}
	r.mu.Unlock()

	for _, v := range evicted {
		v.close()
	}
	return len(evicted)
}
