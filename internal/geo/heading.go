package geo

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/geowatch/internal/events"
)

// HeadingChannel bridges heading events into registry dispatches. At most
// one continuous heading watch is active at a time; starting another tears
// the previous one down first.
type HeadingChannel struct {
	// txn serializes replacement and removal of the active watch,
	// including the provider calls they make.
	txn sync.Mutex

	mu           sync.Mutex
	unsub        func()
	active       WatchID // 0 when no watch is active
	listeners    map[uint64]headingListener
	nextListener uint64

	bus      Bus
	provider Provider
	registry *Registry
	ids      *Allocator
	log      *zap.Logger
}

// headingListener receives the samples of whichever watch is active. end,
// when set, is called once if the active watch goes away without a
// replacement; the listener is dropped at that point.
type headingListener struct {
	fn  HeadingCallback
	end func()
}

func NewHeadingChannel(bus Bus, provider Provider, registry *Registry, ids *Allocator, log *zap.Logger) *HeadingChannel {
	if log == nil {
		log = zap.NewNop()
	}
	return &HeadingChannel{
		listeners: make(map[uint64]headingListener),
		bus:       bus,
		provider:  provider,
		registry:  registry,
		ids:       ids,
		log:       log,
	}
}

// Active returns the id of the active heading watch.
func (c *HeadingChannel) Active() (WatchID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active != 0
}

// Subscribed reports whether the bus subscription currently exists.
func (c *HeadingChannel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsub != nil
}

// Watch installs cb as the active heading watch, replacing any existing
// one. The previous watch is unregistered and its provider stop issued
// before the provider is asked to start the new one.
func (c *HeadingChannel) Watch(ctx context.Context, cb HeadingCallback) (*Subscription, error) {
	if cb == nil {
		panic("geo: Watch called with nil heading callback")
	}

	c.txn.Lock()
	defer c.txn.Unlock()

	if prev, ok := c.Active(); ok {
		if err := c.removeLocked(ctx, prev, true); err != nil {
			// The old id is already unregistered; anything it still emits
			// is cleaned up as an orphan.
			c.log.Warn("replacing heading watch: stop failed", zap.Uint64("watch_id", uint64(prev)), zap.Error(err))
		}
	}

	c.mu.Lock()
	if c.unsub == nil {
		c.unsub = c.bus.Subscribe(events.HeadingChanged, c.handle)
	}
	id := c.ids.Next()
	c.registry.Register(id, cb)
	c.active = id
	c.mu.Unlock()

	if err := c.provider.StartHeadingWatch(ctx, id); err != nil {
		c.registry.Unregister(id)
		c.mu.Lock()
		ended := c.clearLocked(id, false)
		c.mu.Unlock()
		notifyEnded(ended)
		return nil, &ProviderError{Op: "start heading watch", ID: id, Err: err}
	}

	c.log.Debug("heading watch started", zap.Uint64("watch_id", uint64(id)))
	return newSubscription(id, c.Unwatch), nil
}

// Unwatch cancels a heading watch. Unknown ids are ignored and cause no
// provider call.
func (c *HeadingChannel) Unwatch(ctx context.Context, id WatchID) error {
	c.txn.Lock()
	defer c.txn.Unlock()
	return c.removeLocked(ctx, id, false)
}

// removeLocked requires txn. replacing is set when a new watch is about to
// be installed, in which case listeners stay attached.
func (c *HeadingChannel) removeLocked(ctx context.Context, id WatchID, replacing bool) error {
	if !c.registry.unregisterCategory(id, categoryHeading) {
		return nil
	}
	c.mu.Lock()
	ended := c.clearLocked(id, replacing)
	c.mu.Unlock()
	notifyEnded(ended)

	if err := c.provider.StopWatch(ctx, id); err != nil {
		return &ProviderError{Op: "stop watch", ID: id, Err: err}
	}
	c.log.Debug("heading watch stopped", zap.Uint64("watch_id", uint64(id)))
	return nil
}

// clearLocked requires mu. It returns the end hooks of listeners that lost
// their watch; call them after releasing mu.
func (c *HeadingChannel) clearLocked(id WatchID, replacing bool) []func() {
	var ended []func()
	if c.active == id {
		c.active = 0
		if !replacing {
			for key, l := range c.listeners {
				if l.end != nil {
					ended = append(ended, l.end)
					delete(c.listeners, key)
				}
			}
		}
	}
	if c.active == 0 && c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	return ended
}

func notifyEnded(ended []func()) {
	for _, end := range ended {
		end()
	}
}

// AddListener attaches fn to the heading channel without creating a
// registry entry. It sees every sample delivered to the active watch until
// the returned function is called.
func (c *HeadingChannel) AddListener(fn HeadingCallback) (remove func()) {
	remove, _ = c.join(fn, nil)
	return remove
}

// join attaches fn like AddListener and reports whether a watch was active
// at that moment. end is called once if the active watch is removed
// without being replaced.
func (c *HeadingChannel) join(fn HeadingCallback, end func()) (remove func(), joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextListener++
	key := c.nextListener
	c.listeners[key] = headingListener{fn: fn, end: end}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, key)
	}, c.active != 0
}

func (c *HeadingChannel) handle(payload []byte) {
	var evt HeadingChangedEvent
	if err := events.Decode(payload, &evt); err != nil {
		c.log.Warn("dropping malformed heading event", zap.Error(err))
		return
	}

	if !c.registry.Dispatch(context.Background(), evt.WatchID, evt.Heading) {
		return
	}

	c.mu.Lock()
	listeners := make([]HeadingCallback, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l.fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(evt.Heading)
	}
}
