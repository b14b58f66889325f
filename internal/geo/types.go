// Package geo multiplexes a provider's location and heading event streams
// into per-watch callbacks. It owns watch id allocation, the watch registry,
// the lazily created position and heading channels, the one-shot resolvers
// and the permission-gated geolocation surface built on top of them.
package geo

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// WatchID identifies a logical subscription. Ids are positive, strictly
// increasing and never reused while the process runs.
type WatchID uint64

// Coords is the coordinate part of a position sample.
type Coords struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
	Accuracy  float64 `json:"accuracy"` // Meters
	Heading   float64 `json:"heading"`  // Degrees true
	Speed     float64 `json:"speed"`    // m/s
}

// PositionSample is a single location fix, passed through from the provider
// without validation.
type PositionSample struct {
	Coords    Coords  `json:"coords"`
	Timestamp float64 `json:"timestamp"` // Unix ms
}

// HeadingSample is a single compass reading. Accuracy is in the sensor's
// native scale: 0 unreliable, 1 low, 2 medium, 3 high.
type HeadingSample struct {
	TrueHeading float64 `json:"trueHeading"`
	MagHeading  float64 `json:"magHeading"`
	Accuracy    float64 `json:"accuracy"`
}

// ProviderStatus reports what the sensor provider can currently deliver.
type ProviderStatus struct {
	LocationServicesEnabled bool  `json:"locationServicesEnabled"`
	GPSAvailable            *bool `json:"gpsAvailable,omitempty"`
	NetworkAvailable        *bool `json:"networkAvailable,omitempty"`
	PassiveAvailable        *bool `json:"passiveAvailable,omitempty"`
}

// Accuracy is the requested location accuracy level.
type Accuracy int

const (
	AccuracyDefault Accuracy = iota
	AccuracyLowest
	AccuracyLow
	AccuracyBalanced
	AccuracyHigh
	AccuracyHighest
	AccuracyBestForNavigation
)

func (a Accuracy) String() string {
	switch a {
	case AccuracyDefault:
		return "default"
	case AccuracyLowest:
		return "lowest"
	case AccuracyLow:
		return "low"
	case AccuracyBalanced:
		return "balanced"
	case AccuracyHigh:
		return "high"
	case AccuracyHighest:
		return "highest"
	case AccuracyBestForNavigation:
		return "bestForNavigation"
	default:
		return fmt.Sprintf("Accuracy(%d)", int(a))
	}
}

// WatchOptions tunes a position watch or one-shot request. The zero value
// asks for provider defaults.
type WatchOptions struct {
	Accuracy           Accuracy `json:"accuracy,omitempty" validate:"gte=0,lte=6"`
	EnableHighAccuracy bool     `json:"enableHighAccuracy,omitempty"`
	TimeIntervalMs     int64    `json:"timeInterval,omitempty" validate:"gte=0"`     // Minimum ms between updates
	DistanceInterval   float64  `json:"distanceInterval,omitempty" validate:"gte=0"` // Minimum meters between updates
	TimeoutMs          int64    `json:"timeout,omitempty" validate:"gte=0"`          // One-shot requests only
	MaximumAgeMs       int64    `json:"maximumAge,omitempty" validate:"gte=0"`       // One-shot requests only
}

var validate = validator.New()

// Validate reports option values outside their allowed ranges.
func (o WatchOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	return nil
}

// HighAccuracy reports whether the caller asked for high accuracy in either
// the accuracy level or the polyfill-style flag.
func (o WatchOptions) HighAccuracy() bool {
	return o.EnableHighAccuracy || o.Accuracy >= AccuracyHigh
}

func (o WatchOptions) TimeInterval() time.Duration {
	return time.Duration(o.TimeIntervalMs) * time.Millisecond
}

func (o WatchOptions) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

func (o WatchOptions) MaximumAge() time.Duration {
	return time.Duration(o.MaximumAgeMs) * time.Millisecond
}

type category uint8

const (
	categoryPosition category = iota + 1
	categoryHeading
)

// Callback is a registered watch callback. It is either a PositionCallback
// or a HeadingCallback; the registry stores both in a single mapping.
type Callback interface {
	category() category
}

// PositionCallback receives position samples. Callbacks run on the
// provider's event goroutine.
type PositionCallback func(PositionSample)

func (PositionCallback) category() category { return categoryPosition }

// HeadingCallback receives heading samples. Callbacks run on the provider's
// event goroutine.
type HeadingCallback func(HeadingSample)

func (HeadingCallback) category() category { return categoryHeading }

// ErrorCallback receives operational failures from the geolocation surface.
type ErrorCallback func(error)
