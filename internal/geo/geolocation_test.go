package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCurrentPositionPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.perms.status = PermissionDenied
	geo := h.loc.Geolocation(context.Background())

	successes := make(chan PositionSample, 1)
	failures := make(chan error, 2)
	geo.GetCurrentPosition(
		func(p PositionSample) { successes <- p },
		func(err error) { failures <- err },
		nil,
	)

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, ErrPermissionDenied)
		assert.Contains(t, err.Error(), "not granted")
	case <-time.After(time.Second):
		t.Fatal("onError was not called")
	}

	select {
	case <-successes:
		t.Fatal("onSuccess must not be called")
	case err := <-failures:
		t.Fatalf("onError called twice: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, h.provider.Calls())
}

func TestGetCurrentPositionGranted(t *testing.T) {
	h := newHarness(t)
	h.provider.onStart = func(id WatchID) { h.emitPosition(t, id, fix(43.65, -79.38)) }
	geo := h.loc.Geolocation(context.Background())

	successes := make(chan PositionSample, 1)
	geo.GetCurrentPosition(func(p PositionSample) { successes <- p }, nil, &WatchOptions{Accuracy: AccuracyHigh})

	select {
	case p := <-successes:
		assert.Equal(t, fix(43.65, -79.38), p)
	case <-time.After(time.Second):
		t.Fatal("onSuccess was not called")
	}
	require.Eventually(t, func() bool { return h.loc.Registry().IsEmpty() }, time.Second, time.Millisecond)
}

func TestGetCurrentPositionProviderFailureGoesToOnError(t *testing.T) {
	h := newHarness(t)
	h.provider.startErr = errors.New("receiver unplugged")
	geo := h.loc.Geolocation(context.Background())

	failures := make(chan error, 1)
	geo.GetCurrentPosition(func(PositionSample) { t.Error("unexpected success") }, func(err error) { failures <- err }, nil)

	select {
	case err := <-failures:
		var perr *ProviderError
		assert.ErrorAs(t, err, &perr)
	case <-time.After(time.Second):
		t.Fatal("onError was not called")
	}
}

func TestGetCurrentPositionNilSuccessPanics(t *testing.T) {
	h := newHarness(t)
	geo := h.loc.Geolocation(context.Background())
	assert.Panics(t, func() { geo.GetCurrentPosition(nil, nil, nil) })
	assert.Panics(t, func() { geo.WatchPosition(nil, nil, nil) })
}

func TestWatchPositionReturnsIDBeforePermission(t *testing.T) {
	h := newHarness(t)
	h.perms.gate = make(chan struct{})
	h.perms.status = PermissionDenied
	geo := h.loc.Geolocation(context.Background())

	type observed struct {
		err        error
		registered bool
	}
	failures := make(chan observed, 1)
	var id WatchID
	id = geo.WatchPosition(
		func(PositionSample) { t.Error("unexpected position") },
		func(err error) {
			_, ok := h.loc.Registry().Lookup(id)
			failures <- observed{err: err, registered: ok}
		},
		nil,
	)

	require.NotZero(t, id)
	_, ok := h.loc.Registry().Lookup(id)
	assert.True(t, ok, "registered before the permission check completes")
	assert.Empty(t, h.provider.Calls())

	close(h.perms.gate)

	select {
	case o := <-failures:
		assert.False(t, o.registered, "id removed before onError fires")
		var werr *WatchError
		require.ErrorAs(t, o.err, &werr)
		assert.Equal(t, id, werr.WatchID)
		assert.Contains(t, werr.Message, "not granted")
		assert.ErrorIs(t, o.err, ErrPermissionDenied)
	case <-time.After(time.Second):
		t.Fatal("onError was not called")
	}
	assert.Empty(t, h.provider.Calls(), "provider never started")
	assert.False(t, h.loc.Positions().Subscribed())
}

func TestWatchPositionGrantedStartsProvider(t *testing.T) {
	h := newHarness(t)
	geo := h.loc.Geolocation(context.Background())

	samples := make(chan PositionSample, 4)
	id := geo.WatchPosition(func(p PositionSample) { samples <- p }, nil, &WatchOptions{DistanceInterval: 5})

	require.Eventually(t, func() bool { return h.provider.count("start-position", id) == 1 }, time.Second, time.Millisecond)
	h.emitPosition(t, id, fix(1, 2))
	assert.Equal(t, fix(1, 2), <-samples)

	geo.ClearWatch(id)
	geo.ClearWatch(id)
	assert.Equal(t, 1, h.provider.count("stop", id))
	assert.True(t, h.loc.Registry().IsEmpty())
	assert.False(t, h.loc.Positions().Subscribed())

	geo.StopObserving()
}

func TestWatchPositionProviderFailure(t *testing.T) {
	h := newHarness(t)
	h.provider.startErr = errors.New("busy")
	geo := h.loc.Geolocation(context.Background())

	failures := make(chan error, 1)
	id := geo.WatchPosition(func(PositionSample) {}, func(err error) { failures <- err }, nil)

	select {
	case err := <-failures:
		var werr *WatchError
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, id, werr.WatchID)
	case <-time.After(time.Second):
		t.Fatal("onError was not called")
	}
	_, ok := h.loc.Registry().Lookup(id)
	assert.False(t, ok)
}

func TestWatchPositionClearedWhilePermissionPending(t *testing.T) {
	h := newHarness(t)
	h.perms.gate = make(chan struct{})
	geo := h.loc.Geolocation(context.Background())

	id := geo.WatchPosition(func(PositionSample) {}, func(err error) { t.Errorf("unexpected error: %v", err) }, nil)
	geo.ClearWatch(id)
	close(h.perms.gate)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.provider.count("start-position", id))
	assert.True(t, h.loc.Registry().IsEmpty())
}

func TestWatchPositionInvalidOptions(t *testing.T) {
	h := newHarness(t)
	geo := h.loc.Geolocation(context.Background())

	failures := make(chan error, 1)
	geo.WatchPosition(func(PositionSample) {}, func(err error) { failures <- err }, &WatchOptions{Accuracy: 42})

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, ErrInvalidOptions)
	case <-time.After(time.Second):
		t.Fatal("onError was not called")
	}
	assert.True(t, h.loc.Registry().IsEmpty())
}

func TestWatchPositionClearedWhileProviderStarting(t *testing.T) {
	h := newHarness(t)
	geo := h.loc.Geolocation(context.Background())
	h.provider.onStart = func(id WatchID) { geo.ClearWatch(id) }

	id := geo.WatchPosition(func(PositionSample) {}, func(err error) { t.Errorf("unexpected error: %v", err) }, nil)

	require.Eventually(t, func() bool { return h.provider.count("stop", id) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []providerCall{{op: "start-position", id: id}, {op: "stop", id: id}}, h.provider.Calls())
	assert.True(t, h.loc.Registry().IsEmpty())
	assert.False(t, h.loc.Positions().Subscribed())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.provider.count("stop", id), "stop is issued once")
}
