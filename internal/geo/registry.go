package geo

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Allocator hands out watch ids.
type Allocator struct {
	last atomic.Uint64
}

// Next returns an id greater than every id returned before, starting at 1.
func (a *Allocator) Next() WatchID {
	return WatchID(a.last.Add(1))
}

// Current returns the most recently allocated id without allocating.
func (a *Allocator) Current() WatchID {
	return WatchID(a.last.Load())
}

// Stopper tells the provider to stop emitting for an id.
type Stopper interface {
	StopWatch(ctx context.Context, id WatchID) error
}

// Registry maps watch ids to callbacks and is the single source of truth
// for whether anything is watching. An id present here is one the provider
// is expected to be emitting for.
type Registry struct {
	mu        sync.RWMutex
	callbacks map[WatchID]Callback

	stopper Stopper
	log     *zap.Logger
}

// NewRegistry creates an empty registry. stopper is used for orphan
// cleanup in Dispatch.
func NewRegistry(stopper Stopper, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		callbacks: make(map[WatchID]Callback),
		stopper:   stopper,
		log:       log,
	}
}

// Register stores cb under id. An existing entry is overwritten; ids come
// from an Allocator so that only happens on a programming error.
func (r *Registry) Register(id WatchID, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[id] = cb
}

func (r *Registry) Lookup(id WatchID) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.callbacks[id]
	return cb, ok
}

// Unregister removes id and reports whether it was present. Removing an
// absent id is a no-op.
func (r *Registry) Unregister(id WatchID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.callbacks[id]; !ok {
		return false
	}
	delete(r.callbacks, id)
	return true
}

// unregisterCategory removes id only if it holds a callback of category c.
func (r *Registry) unregisterCategory(id WatchID, c category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.callbacks[id]
	if !ok || cb.category() != c {
		return false
	}
	delete(r.callbacks, id)
	return true
}

func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.callbacks)
}

func (r *Registry) count(c category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, cb := range r.callbacks {
		if cb.category() == c {
			n++
		}
	}
	return n
}

// Dispatch invokes the callback registered under id with payload and
// reports whether one was found.
//
// A miss means the watch was cancelled while the event was in flight, or
// the provider is emitting for an id nobody owns. Either way the provider
// is told to stop emitting for id, exactly once per orphaned event. This is
// never reported to a caller.
//
// The callback runs without the registry lock held, so it may cancel its
// own watch.
func (r *Registry) Dispatch(ctx context.Context, id WatchID, payload any) bool {
	cb, ok := r.Lookup(id)
	if !ok {
		r.log.Debug("orphan event, stopping provider watch", zap.Uint64("watch_id", uint64(id)))
		if err := r.stopper.StopWatch(ctx, id); err != nil {
			r.log.Warn("orphan cleanup failed", zap.Uint64("watch_id", uint64(id)), zap.Error(err))
		}
		return false
	}

	switch fn := cb.(type) {
	case PositionCallback:
		sample, ok := payload.(PositionSample)
		if !ok {
			r.log.Warn("payload is not a position sample", zap.Uint64("watch_id", uint64(id)))
			return false
		}
		fn(sample)
	case HeadingCallback:
		sample, ok := payload.(HeadingSample)
		if !ok {
			r.log.Warn("payload is not a heading sample", zap.Uint64("watch_id", uint64(id)))
			return false
		}
		fn(sample)
	}
	return true
}
