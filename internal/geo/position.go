package geo

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/geowatch/internal/events"
)

// PositionChannel bridges the provider's position events into registry
// dispatches. The bus subscription exists exactly while at least one
// position watch is registered.
type PositionChannel struct {
	mu    sync.Mutex
	unsub func()

	// starting holds ids whose provider start is in flight. The value is
	// set when the watch was removed meanwhile and the stop is owed.
	starting map[WatchID]bool

	bus      Bus
	provider Provider
	registry *Registry
	ids      *Allocator
	log      *zap.Logger
}

func NewPositionChannel(bus Bus, provider Provider, registry *Registry, ids *Allocator, log *zap.Logger) *PositionChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &PositionChannel{
		starting: make(map[WatchID]bool),
		bus:      bus,
		provider: provider,
		registry: registry,
		ids:      ids,
		log:      log,
	}
}

// EnsureSubscribed creates the bus subscription if it does not exist.
func (c *PositionChannel) EnsureSubscribed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureSubscribedLocked()
}

func (c *PositionChannel) ensureSubscribedLocked() {
	if c.unsub != nil {
		return
	}
	c.unsub = c.bus.Subscribe(events.PositionChanged, c.handle)
	c.log.Debug("position channel subscribed")
}

// Subscribed reports whether the bus subscription currently exists.
func (c *PositionChannel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsub != nil
}

func (c *PositionChannel) handle(payload []byte) {
	var evt PositionChangedEvent
	if err := events.Decode(payload, &evt); err != nil {
		c.log.Warn("dropping malformed position event", zap.Error(err))
		return
	}
	c.registry.Dispatch(context.Background(), evt.WatchID, evt.Location)
}

// Watch registers cb under a fresh id and asks the provider to start
// emitting for it. If the provider refuses, the registration is rolled back
// and the provider error is returned.
func (c *PositionChannel) Watch(ctx context.Context, opts WatchOptions, cb PositionCallback) (*Subscription, error) {
	if cb == nil {
		panic("geo: Watch called with nil position callback")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	id := c.Attach(cb)
	if err := c.Start(ctx, id, opts); err != nil {
		return nil, err
	}
	return newSubscription(id, c.Unwatch), nil
}

// Attach makes sure the channel exists, allocates an id and registers cb
// under it without contacting the provider. Pair it with Start, or with
// Detach if the watch must not start.
func (c *PositionChannel) Attach(cb PositionCallback) WatchID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureSubscribedLocked()
	id := c.ids.Next()
	c.registry.Register(id, cb)
	return id
}

// Start asks the provider to emit for an attached id. It does nothing if
// the id was already removed. On failure the id is detached before the
// error is returned. If the watch is removed while the provider is
// starting, the stop is issued once the start has returned.
func (c *PositionChannel) Start(ctx context.Context, id WatchID, opts WatchOptions) error {
	c.mu.Lock()
	if _, ok := c.registry.Lookup(id); !ok {
		c.mu.Unlock()
		return nil
	}
	c.starting[id] = false
	c.mu.Unlock()

	err := c.provider.StartPositionWatch(ctx, id, opts)

	c.mu.Lock()
	removed := c.starting[id]
	delete(c.starting, id)
	if err != nil && !removed {
		c.registry.unregisterCategory(id, categoryPosition)
		c.teardownLocked()
	}
	c.mu.Unlock()

	if err != nil {
		return &ProviderError{Op: "start position watch", ID: id, Err: err}
	}
	if removed {
		if err := c.provider.StopWatch(context.WithoutCancel(ctx), id); err != nil {
			return &ProviderError{Op: "stop watch", ID: id, Err: err}
		}
		c.log.Debug("position watch removed while starting", zap.Uint64("watch_id", uint64(id)))
		return nil
	}
	c.log.Debug("position watch started", zap.Uint64("watch_id", uint64(id)))
	return nil
}

// Detach unregisters id without contacting the provider.
func (c *PositionChannel) Detach(id WatchID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registry.unregisterCategory(id, categoryPosition)
	c.teardownLocked()
}

// Unwatch cancels a position watch. Unknown ids are ignored and cause no
// provider call.
func (c *PositionChannel) Unwatch(ctx context.Context, id WatchID) error {
	c.mu.Lock()
	removed := c.registry.unregisterCategory(id, categoryPosition)
	_, starting := c.starting[id]
	if removed {
		c.teardownLocked()
		if starting {
			c.starting[id] = true
		}
	}
	c.mu.Unlock()

	if !removed || starting {
		return nil
	}
	if err := c.provider.StopWatch(ctx, id); err != nil {
		return &ProviderError{Op: "stop watch", ID: id, Err: err}
	}
	c.log.Debug("position watch stopped", zap.Uint64("watch_id", uint64(id)))
	return nil
}

func (c *PositionChannel) teardownLocked() {
	if c.unsub == nil || c.registry.count(categoryPosition) > 0 {
		return
	}
	c.unsub()
	c.unsub = nil
	c.log.Debug("position channel torn down")
}
