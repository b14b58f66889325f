package geo

import (
	"context"

	"go.uber.org/zap"
)

// Geolocation is the callback-style polyfill surface. Every entry point
// returns immediately; permission checks and provider calls run in the
// background and report through the callbacks.
//
// A nil success callback is a programming error and panics, the way
// net/http treats a nil handler.
type Geolocation struct {
	ctx      context.Context
	location *Location
	log      *zap.Logger
}

// GetCurrentPosition requests permission and then delivers one position
// fix to onSuccess. Permission denial and every operational failure go to
// onError, which may be nil. opts may be nil.
func (g *Geolocation) GetCurrentPosition(onSuccess PositionCallback, onError ErrorCallback, opts *WatchOptions) {
	if onSuccess == nil {
		panic("geo: GetCurrentPosition requires a success callback")
	}
	onError = orNop(onError)
	options := deref(opts)

	go func() {
		if err := g.checkPermission(); err != nil {
			onError(err)
			return
		}
		sample, err := g.location.CurrentPosition(g.ctx, options)
		if err != nil {
			onError(err)
			return
		}
		onSuccess(sample)
	}()
}

// WatchPosition registers onSuccess and returns its id right away. The
// permission check and the provider start happen afterwards; if either
// fails, the id is unregistered before onError receives a *WatchError.
func (g *Geolocation) WatchPosition(onSuccess PositionCallback, onError ErrorCallback, opts *WatchOptions) WatchID {
	if onSuccess == nil {
		panic("geo: WatchPosition requires a success callback")
	}
	onError = orNop(onError)
	options := deref(opts)

	positions := g.location.positions
	id := positions.Attach(onSuccess)

	go func() {
		fail := func(err error) {
			positions.Detach(id)
			onError(&WatchError{WatchID: id, Message: err.Error(), Err: err})
		}

		if err := options.Validate(); err != nil {
			fail(err)
			return
		}
		if err := g.checkPermission(); err != nil {
			fail(err)
			return
		}
		// Start skips ids cleared while permission was pending.
		if err := positions.Start(g.ctx, id, options); err != nil {
			onError(&WatchError{WatchID: id, Message: err.Error(), Err: err})
		}
	}()

	return id
}

// ClearWatch cancels a watch created by WatchPosition. Clearing an unknown
// or already cleared id does nothing.
func (g *Geolocation) ClearWatch(id WatchID) {
	if err := g.location.positions.Unwatch(g.ctx, id); err != nil {
		g.log.Warn("clear watch failed", zap.Uint64("watch_id", uint64(id)), zap.Error(err))
	}
}

// StopObserving is deliberately not implemented; watches are cleared
// individually with ClearWatch.
func (g *Geolocation) StopObserving() {}

func (g *Geolocation) checkPermission() error {
	status, err := g.location.permissions.RequestLocationPermission(g.ctx)
	if err != nil {
		return err
	}
	if status != PermissionGranted {
		return ErrPermissionDenied
	}
	return nil
}

func orNop(fn ErrorCallback) ErrorCallback {
	if fn == nil {
		return func(error) {}
	}
	return fn
}

func deref(opts *WatchOptions) WatchOptions {
	if opts == nil {
		return WatchOptions{}
	}
	return *opts
}
