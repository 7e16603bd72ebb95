package events

import "context"

// Publisher fans events out to the local bus and, when a relay is
// configured, to sibling worker processes.
type Publisher struct {
	bus   *Bus
	relay *Relay
}

// NewPublisher wraps the bus; relay may be nil for single-process runs.
func NewPublisher(bus *Bus, relay *Relay) *Publisher {
	return &Publisher{bus: bus, relay: relay}
}

// Publish delivers the event locally and mirrors it cross-process.
func (p *Publisher) Publish(ctx context.Context, taskID string, evt Event) {
	p.bus.Publish(taskID, evt)
	if p.relay != nil {
		p.relay.Publish(ctx, taskID, evt)
	}
}

// Bus exposes the underlying bus for subscription handlers.
func (p *Publisher) Bus() *Bus {
	return p.bus
}
