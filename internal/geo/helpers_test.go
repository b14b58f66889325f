package geo

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/geowatch/internal/events"
)

type providerCall struct {
	op string
	id WatchID
}

// scriptedProvider records every call in order. onStart runs inside the
// start call, before it returns, which lets tests emit events that race
// ahead of watch installation.
type scriptedProvider struct {
	mu       sync.Mutex
	calls    []providerCall
	startErr error
	stopErr  error
	status   ProviderStatus
	onStart  func(id WatchID)
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{status: ProviderStatus{LocationServicesEnabled: true}}
}

func (p *scriptedProvider) record(op string, id WatchID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{op: op, id: id})
}

func (p *scriptedProvider) start(op string, id WatchID) error {
	p.record(op, id)
	p.mu.Lock()
	hook, err := p.onStart, p.startErr
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(id)
	}
	return nil
}

func (p *scriptedProvider) StartPositionWatch(_ context.Context, id WatchID, _ WatchOptions) error {
	return p.start("start-position", id)
}

func (p *scriptedProvider) StartHeadingWatch(_ context.Context, id WatchID) error {
	return p.start("start-heading", id)
}

func (p *scriptedProvider) StopWatch(_ context.Context, id WatchID) error {
	p.record("stop", id)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopErr
}

func (p *scriptedProvider) ProviderStatus(context.Context) (ProviderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, nil
}

func (p *scriptedProvider) Calls() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerCall(nil), p.calls...)
}

func (p *scriptedProvider) count(op string, id WatchID) int {
	n := 0
	for _, c := range p.Calls() {
		if c.op == op && c.id == id {
			n++
		}
	}
	return n
}

// gatedPermissions answers with status once gate is closed, or right away
// when gate is nil.
type gatedPermissions struct {
	status PermissionStatus
	err    error
	gate   chan struct{}
}

func (g *gatedPermissions) RequestLocationPermission(ctx context.Context) (PermissionStatus, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.status, g.err
}

type harness struct {
	loc      *Location
	provider *scriptedProvider
	perms    *gatedPermissions
	bus      *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		provider: newScriptedProvider(),
		perms:    &gatedPermissions{status: PermissionGranted},
		bus:      events.New(),
	}
	h.loc = New(h.provider, h.perms, h.bus, Options{})
	return h
}

func (h *harness) emitPosition(t *testing.T, id WatchID, sample PositionSample) {
	t.Helper()
	require.NoError(t, h.bus.Publish(events.PositionChanged, PositionChangedEvent{WatchID: id, Location: sample}))
}

func (h *harness) emitHeading(t *testing.T, id WatchID, sample HeadingSample) {
	t.Helper()
	require.NoError(t, h.bus.Publish(events.HeadingChanged, HeadingChangedEvent{WatchID: id, Heading: sample}))
}

func fix(lat, lon float64) PositionSample {
	return PositionSample{
		Coords:    Coords{Latitude: lat, Longitude: lon, Accuracy: 4},
		Timestamp: 1700000000000,
	}
}
