// Package events is the native transport between sensor providers and the
// watch core: a publish/subscribe bus keyed by event-type string. Payloads
// cross the bus as CBOR so both sides only share the wire shape.
package events

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Event types emitted by sensor providers.
const (
	PositionChanged = "position-changed"
	HeadingChanged  = "heading-changed"
)

// Handler receives the encoded payload of a published event.
type Handler func(payload []byte)

// Bus delivers published events to the handlers subscribed to their type.
// Delivery is synchronous on the publisher's goroutine, in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	nextID   uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]map[uint64]Handler)}
}

// Subscribe registers h for eventType and returns a function that removes
// it. The returned function is safe to call more than once.
func (b *Bus) Subscribe(eventType string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[eventType], id)
			if len(b.handlers[eventType]) == 0 {
				delete(b.handlers, eventType)
			}
		})
	}
}

// Publish encodes v and hands it to every handler subscribed to eventType.
// Handlers run without the bus lock held, so they may subscribe or
// unsubscribe freely.
func (b *Bus) Publish(eventType string, v any) error {
	payload, err := Encode(v)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", eventType, err)
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[eventType]))
	for _, h := range b.handlers[eventType] {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(payload)
	}
	return nil
}

// Listeners returns the number of handlers subscribed to eventType.
func (b *Bus) Listeners(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("events: cbor encoder mode: %v", err))
	}

	// Unknown fields are ignored so providers can add data without
	// breaking older consumers.
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("events: cbor decoder mode: %v", err))
	}
}

// Encode marshals an event payload to CBOR.
func Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Decode unmarshals a CBOR event payload into v.
func Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
