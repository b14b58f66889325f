package gps

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// DemoReceiver generates simulated GPS data for testing. The simulated car
// pulls away from standstill over the first few seconds, so heading
// accuracy starts poor and improves, like a real compass after wake-up.
type DemoReceiver struct {
	mu        sync.Mutex
	t         float64
	connected bool
}

func NewDemo() *DemoReceiver { return &DemoReceiver{} }

func (d *DemoReceiver) Name() string { return "Demo GPS (Simulated)" }

func (d *DemoReceiver) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *DemoReceiver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *DemoReceiver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *DemoReceiver) Read() (*Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t += 0.1

	// Simulate driving in a circle around a point
	centerLat := 43.6532 // Toronto
	centerLon := -79.3832
	radius := 0.005 // ~500m

	ramp := math.Min(1, d.t/3)
	now := time.Now().UTC()
	return &Data{
		Valid:        true,
		Latitude:     centerLat + radius*math.Sin(d.t*0.1),
		Longitude:    centerLon + radius*math.Cos(d.t*0.1),
		Speed:        ramp * (50 + 30*math.Sin(d.t*0.3) + rand.Float64()*5),
		Heading:      math.Mod(d.t*10, 360),
		MagVariation: -10.4, // Toronto, west
		Altitude:     76,
		Satellites:   12,
		FixQuality:   1,
		HDOP:         0.8,
		Timestamp:    now.Format("150405.00"),
		Time:         now,
	}, nil
}
