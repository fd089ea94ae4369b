// Package events fans committed state changes out to subscribers: the
// webhook dispatcher and the websocket hub.
package events

import (
	"sync"

	"github.com/efreitasn/tradecore/internal/domain"
)

// Sink consumes events. Publish is called in commit order and must not
// block on I/O.
type Sink interface {
	Publish(ev domain.Event)
}

// Bus delivers every event to each registered sink in registration order.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus creates a Bus with the given sinks.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: append([]Sink(nil), sinks...)}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish hands ev to every sink.
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(ev)
	}
}
