package geo

import (
	"context"

	"github.com/shaunagostinho/geowatch/internal/events"
)

// Provider is the sensor side of the core. Start calls begin emitting
// events tagged with the given id on the bus; StopWatch ends them and must
// tolerate ids it does not know.
type Provider interface {
	StartPositionWatch(ctx context.Context, id WatchID, opts WatchOptions) error
	StartHeadingWatch(ctx context.Context, id WatchID) error
	StopWatch(ctx context.Context, id WatchID) error
	ProviderStatus(ctx context.Context) (ProviderStatus, error)
}

// NativeLocator is implemented by providers that can produce a single fix
// without a watch.
type NativeLocator interface {
	CurrentPosition(ctx context.Context, opts WatchOptions) (PositionSample, error)
}

// LastKnownLocator is implemented by providers that cache their latest fix.
// A nil sample means no fix has been seen yet.
type LastKnownLocator interface {
	LastKnownPosition(ctx context.Context) (*PositionSample, error)
}

// PermissionStatus is the answer of the permission collaborator.
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// Permissions requests location access.
type Permissions interface {
	RequestLocationPermission(ctx context.Context) (PermissionStatus, error)
}

// Bus is the publish/subscribe channel providers emit on.
type Bus interface {
	Subscribe(eventType string, h events.Handler) (unsubscribe func())
}

// PositionChangedEvent is the payload of events.PositionChanged.
type PositionChangedEvent struct {
	WatchID  WatchID        `json:"watchId"`
	Location PositionSample `json:"location"`
}

// HeadingChangedEvent is the payload of events.HeadingChanged.
type HeadingChangedEvent struct {
	WatchID WatchID       `json:"watchId"`
	Heading HeadingSample `json:"heading"`
}
