package geo

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Options configures a Location.
type Options struct {
	// NativeOneShot lets CurrentPosition use the provider's own one-shot
	// lookup when it implements NativeLocator.
	NativeOneShot bool
	Logger        *zap.Logger
}

// Location is the application-facing API. It owns the registry, the id
// allocator and both channel managers for one provider.
type Location struct {
	provider    Provider
	permissions Permissions

	ids       *Allocator
	registry  *Registry
	positions *PositionChannel
	headings  *HeadingChannel

	nativeOneShot bool
	log           *zap.Logger
}

// New wires a Location to its collaborators.
func New(provider Provider, permissions Permissions, bus Bus, opts Options) *Location {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ids := &Allocator{}
	registry := NewRegistry(provider, log.Named("registry"))
	return &Location{
		provider:      provider,
		permissions:   permissions,
		ids:           ids,
		registry:      registry,
		positions:     NewPositionChannel(bus, provider, registry, ids, log.Named("position")),
		headings:      NewHeadingChannel(bus, provider, registry, ids, log.Named("heading")),
		nativeOneShot: opts.NativeOneShot,
		log:           log,
	}
}

func (l *Location) Registry() *Registry { return l.registry }

func (l *Location) Positions() *PositionChannel { return l.positions }

func (l *Location) Headings() *HeadingChannel { return l.headings }

// Geolocation returns the polyfill surface. Its asynchronous work is
// bounded by ctx.
func (l *Location) Geolocation(ctx context.Context) *Geolocation {
	return &Geolocation{ctx: ctx, location: l, log: l.log.Named("polyfill")}
}

// ProviderStatus returns the provider's current status.
func (l *Location) ProviderStatus(ctx context.Context) (ProviderStatus, error) {
	status, err := l.provider.ProviderStatus(ctx)
	if err != nil {
		return ProviderStatus{}, fmt.Errorf("provider status: %w", err)
	}
	return status, nil
}

// ServicesEnabled reports whether location services are turned on.
func (l *Location) ServicesEnabled(ctx context.Context) (bool, error) {
	status, err := l.ProviderStatus(ctx)
	if err != nil {
		return false, err
	}
	return status.LocationServicesEnabled, nil
}

// RequestPermissions asks the permission collaborator for location access.
func (l *Location) RequestPermissions(ctx context.Context) (PermissionStatus, error) {
	return l.permissions.RequestLocationPermission(ctx)
}

// CurrentPosition returns a single position fix. Providers with a native
// one-shot lookup use it when enabled; otherwise a temporary watch is
// installed and removed after the first sample.
func (l *Location) CurrentPosition(ctx context.Context, opts WatchOptions) (PositionSample, error) {
	if err := opts.Validate(); err != nil {
		return PositionSample{}, err
	}

	enabled, err := l.ServicesEnabled(ctx)
	if err != nil {
		return PositionSample{}, err
	}
	if !enabled {
		return PositionSample{}, ErrServicesDisabled
	}

	if native, ok := l.provider.(NativeLocator); ok && l.nativeOneShot {
		if opts.TimeoutMs > 0 {
			nctx, cancel := context.WithTimeout(ctx, opts.Timeout())
			defer cancel()
			sample, err := native.CurrentPosition(nctx, opts)
			return sample, timeoutOr(ctx, nctx, err)
		}
		return native.CurrentPosition(ctx, opts)
	}
	return ResolvePosition(ctx, l.positions, opts)
}

// LastKnownPosition returns the provider's cached fix, or nil if the
// provider has none or cannot cache.
func (l *Location) LastKnownPosition(ctx context.Context) (*PositionSample, error) {
	cached, ok := l.provider.(LastKnownLocator)
	if !ok {
		return nil, nil
	}
	return cached.LastKnownPosition(ctx)
}

// WatchPosition starts a continuous position watch.
func (l *Location) WatchPosition(ctx context.Context, opts WatchOptions, cb PositionCallback) (*Subscription, error) {
	return l.positions.Watch(ctx, opts, cb)
}

// Heading returns one heading sample, see ResolveHeading.
func (l *Location) Heading(ctx context.Context) (HeadingSample, error) {
	return ResolveHeading(ctx, l.headings)
}

// WatchHeading starts the continuous heading watch, replacing any active
// one.
func (l *Location) WatchHeading(ctx context.Context, cb HeadingCallback) (*Subscription, error) {
	return l.headings.Watch(ctx, cb)
}

// Stats is a diagnostic snapshot of the watch core.
type Stats struct {
	Watches         int     `json:"watches"`
	LastWatchID     WatchID `json:"lastWatchId"`
	HeadingWatch    WatchID `json:"headingWatch,omitempty"`
	PositionChannel bool    `json:"positionChannel"`
	HeadingChannel  bool    `json:"headingChannel"`
}

func (l *Location) Stats() Stats {
	heading, _ := l.headings.Active()
	return Stats{
		Watches:         l.registry.Len(),
		LastWatchID:     l.ids.Current(),
		HeadingWatch:    heading,
		PositionChannel: l.positions.Subscribed(),
		HeadingChannel:  l.headings.Subscribed(),
	}
}
