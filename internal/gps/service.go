package gps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/geowatch/internal/events"
	"github.com/shaunagostinho/geowatch/internal/geo"
)

const (
	defaultPollHz = 10
	defaultUERE   = 5.0 // Meters of range error per unit of HDOP
	staleFixAfter = 5 * time.Second
)

// ServiceConfig tunes the watch service.
type ServiceConfig struct {
	PollHz int     `yaml:"poll_hz" json:"pollHz" validate:"gte=0,lte=50"`
	UERE   float64 `yaml:"uere_m" json:"uereM" validate:"gte=0"`
}

// Service polls a Receiver and emits position-changed and heading-changed
// events on the bus for every active watch. It implements geo.Provider,
// geo.NativeLocator and geo.LastKnownLocator.
type Service struct {
	receiver Receiver
	bus      *events.Bus
	interval time.Duration
	uere     float64
	log      *zap.Logger

	mu        sync.Mutex
	positions map[geo.WatchID]*positionWatch
	headings  map[geo.WatchID]struct{}
	last      *geo.PositionSample
	lastAt    time.Time
	waiters   []chan geo.PositionSample
}

type positionWatch struct {
	opts    geo.WatchOptions
	emitted bool
	lastAt  time.Time
	lastLat float64
	lastLon float64
}

// NewService creates a Service for receiver. Events are published on bus.
func NewService(receiver Receiver, bus *events.Bus, cfg ServiceConfig, log *zap.Logger) *Service {
	if cfg.PollHz <= 0 {
		cfg.PollHz = defaultPollHz
	}
	if cfg.UERE <= 0 {
		cfg.UERE = defaultUERE
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		receiver:  receiver,
		bus:       bus,
		interval:  time.Second / time.Duration(cfg.PollHz),
		uere:      cfg.UERE,
		log:       log,
		positions: make(map[geo.WatchID]*positionWatch),
		headings:  make(map[geo.WatchID]struct{}),
	}
}

func (s *Service) Name() string { return s.receiver.Name() }

func (s *Service) StartPositionWatch(ctx context.Context, id geo.WatchID, opts geo.WatchOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[id] = &positionWatch{opts: opts}
	s.log.Debug("position watch added", zap.Uint64("watch_id", uint64(id)), zap.Stringer("accuracy", opts.Accuracy))
	return nil
}

func (s *Service) StartHeadingWatch(ctx context.Context, id geo.WatchID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headings[id] = struct{}{}
	s.log.Debug("heading watch added", zap.Uint64("watch_id", uint64(id)))
	return nil
}

// StopWatch removes id from both watch sets. Unknown ids are ignored.
func (s *Service) StopWatch(_ context.Context, id geo.WatchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, id)
	delete(s.headings, id)
	return nil
}

func (s *Service) ProviderStatus(context.Context) (geo.ProviderStatus, error) {
	s.mu.Lock()
	fresh := s.last != nil && time.Since(s.lastAt) < staleFixAfter
	s.mu.Unlock()

	no := false
	return geo.ProviderStatus{
		LocationServicesEnabled: s.receiver.IsConnected(),
		GPSAvailable:            &fresh,
		NetworkAvailable:        &no,
		PassiveAvailable:        &no,
	}, nil
}

// CurrentPosition returns the cached fix if it is younger than
// opts.MaximumAge, otherwise it waits for the next valid fix.
func (s *Service) CurrentPosition(ctx context.Context, opts geo.WatchOptions) (geo.PositionSample, error) {
	s.mu.Lock()
	if s.last != nil && opts.MaximumAgeMs > 0 && time.Since(s.lastAt) <= opts.MaximumAge() {
		sample := *s.last
		s.mu.Unlock()
		return sample, nil
	}
	wait := make(chan geo.PositionSample, 1)
	s.waiters = append(s.waiters, wait)
	s.mu.Unlock()

	select {
	case sample := <-wait:
		return sample, nil
	case <-ctx.Done():
		s.dropWaiter(wait)
		return geo.PositionSample{}, ctx.Err()
	}
}

func (s *Service) dropWaiter(wait chan geo.PositionSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == wait {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Service) LastKnownPosition(context.Context) (*geo.PositionSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, nil
	}
	sample := *s.last
	return &sample, nil
}

// Run polls the receiver until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("polling receiver", zap.String("receiver", s.receiver.Name()), zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.receiver.IsConnected() {
				continue
			}
			data, err := s.receiver.Read()
			if err != nil {
				s.log.Debug("read failed", zap.Error(err))
				continue
			}
			if err := s.publish(data, time.Now()); err != nil {
				s.log.Warn("publish failed", zap.Error(err))
			}
		}
	}
}

// publish converts a fix and emits it to every watch that is due. Events
// are published without the service lock held, so watch callbacks may
// start and stop watches.
func (s *Service) publish(data *Data, now time.Time) error {
	if data == nil || !data.Valid {
		return nil
	}
	sample := s.positionSample(data, now)
	heading := geo.HeadingSample{
		TrueHeading: normalizeDegrees(data.Heading),
		MagHeading:  normalizeDegrees(data.Heading - data.MagVariation),
		Accuracy:    headingAccuracy(data),
	}

	s.mu.Lock()
	s.last = &sample
	s.lastAt = now
	var due []geo.WatchID
	for id, w := range s.positions {
		if w.due(sample, now) {
			w.emitted = true
			w.lastAt = now
			w.lastLat = sample.Coords.Latitude
			w.lastLon = sample.Coords.Longitude
			due = append(due, id)
		}
	}
	headingIDs := make([]geo.WatchID, 0, len(s.headings))
	for id := range s.headings {
		headingIDs = append(headingIDs, id)
	}
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, w := range waiters {
		w <- sample
	}
	for _, id := range due {
		if err := s.bus.Publish(events.PositionChanged, geo.PositionChangedEvent{WatchID: id, Location: sample}); err != nil {
			return fmt.Errorf("position watch %d: %w", id, err)
		}
	}
	for _, id := range headingIDs {
		if err := s.bus.Publish(events.HeadingChanged, geo.HeadingChangedEvent{WatchID: id, Heading: heading}); err != nil {
			return fmt.Errorf("heading watch %d: %w", id, err)
		}
	}
	return nil
}

func (s *Service) positionSample(data *Data, now time.Time) geo.PositionSample {
	ts := data.Time
	if ts.IsZero() {
		ts = now
	}
	return geo.PositionSample{
		Coords: geo.Coords{
			Latitude:  data.Latitude,
			Longitude: data.Longitude,
			Altitude:  data.Altitude,
			Accuracy:  data.HDOP * s.uere,
			Heading:   normalizeDegrees(data.Heading),
			Speed:     data.Speed / 3.6, // km/h to m/s
		},
		Timestamp: float64(ts.UnixMilli()),
	}
}

// due applies the watch's time and distance thresholds. The first fix is
// always due.
func (w *positionWatch) due(sample geo.PositionSample, now time.Time) bool {
	if !w.emitted {
		return true
	}
	if now.Sub(w.lastAt) < w.opts.TimeInterval() {
		return false
	}
	if w.opts.DistanceInterval > 0 {
		moved := haversineKm(w.lastLat, w.lastLon, sample.Coords.Latitude, sample.Coords.Longitude) * 1000
		if moved < w.opts.DistanceInterval {
			return false
		}
	}
	return true
}
