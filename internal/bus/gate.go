package bus

import (
	"time"

	"github.com/zjrosen/tern/internal/events"
)

// Gate lets the stream coordinator participate synchronously in the
// publish pipeline. Coalesced stream flushes drive its state machine,
// and discrete events pass through it so it can hold them while a
// stream is active and release them at finalize.
//
// All three methods run on the publisher's goroutine with the pipeline
// serialized, so the gate observes events in exact publish order.
type Gate interface {
	// StreamDelta is called for every coalesced flush before it is
	// fanned out. Session creation and supersession happen here.
	StreamDelta(ev events.Event)

	// StreamFinal is called after a final coalesced flush has been
	// fanned out. Finalization and pending-message release happen here.
	StreamFinal(ev events.Event)

	// Intercept is called for each discrete event (message, status,
	// error) after deduplication. The gate may return a modified copy
	// (e.g. with the turn tagged). Returning false holds the event;
	// the bus does not deliver it.
	Intercept(ev events.Event) (events.Event, bool)
}

// Direct publishes events bypassing deduplication, coalescing, and the
// gate. The bus hands one to the gate owner so released and finalized
// events are not re-intercepted or re-deduplicated on the way out.
type Direct struct {
	bus *Bus
}

// Publish stamps the event if needed and fans it out to subscribers.
func (d *Direct) Publish(ev events.Event) {
	if ev.Arrival.IsZero() {
		ev.Arrival = d.bus.clock.Now()
	}
	d.bus.fanOut(ev)
}

// Republish fans out an event preserving its original arrival time.
// Used when releasing held side messages so their chronology survives.
func (d *Direct) Republish(ev events.Event, arrival time.Time) {
	ev.Arrival = arrival
	d.bus.fanOut(ev)
}
