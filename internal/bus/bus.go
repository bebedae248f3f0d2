// Package bus implements the typed in-process event bus. Producers
// publish events; any number of independent subscribers receive every
// event of a type they registered for. The bus deduplicates discrete
// message events inside a short window and coalesces raw stream chunks
// into rate-bounded aggregated flushes. A single Gate (the stream
// coordinator) may be attached to hold discrete events while a stream
// is active and to drive its state machine in publish order.
package bus

import (
	"context"
	"crypto/md5" //nolint:gosec // content fingerprint for dedup, not security
	"encoding/hex"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/tern/internal/events"
	"github.com/zjrosen/tern/internal/log"
	"github.com/zjrosen/tern/internal/pubsub"
)

const (
	// DefaultDedupWindow is how long an identical discrete event is
	// suppressed after the first occurrence.
	DefaultDedupWindow = 50 * time.Millisecond
	// DefaultCoalesceInterval bounds how often buffered stream chunks
	// are flushed to subscribers.
	DefaultCoalesceInterval = 50 * time.Millisecond
	// DefaultBufferSize is the per-subscriber delivery queue depth.
	DefaultBufferSize = 64
)

// Config holds configuration for creating a Bus.
type Config struct {
	// DedupWindow is the duplicate suppression window for discrete
	// events. Defaults to DefaultDedupWindow if zero.
	DedupWindow time.Duration
	// CoalesceInterval bounds the stream flush cadence.
	// Defaults to DefaultCoalesceInterval if zero.
	CoalesceInterval time.Duration
	// BufferSize is the per-subscriber queue depth.
	// Defaults to DefaultBufferSize if zero.
	BufferSize int
	// Clock provides time operations. Defaults to RealClock if nil.
	Clock Clock
}

// coalesceState buffers raw chunk text for the one stream the bus is
// currently aggregating. Only one stream is buffered at a time; a
// chunk bearing a different stream id silently replaces it.
type coalesceState struct {
	streamID       string
	role           string
	contentDelta   string
	reasoningDelta string
	contentAll     string
	reasoningAll   string
	chunkCount     int
	lastFlush      time.Time
}

func (c *coalesceState) hasDelta() bool {
	return c.contentDelta != "" || c.reasoningDelta != ""
}

// Bus is the process-scoped event hub. Construct one with New and
// inject it explicitly; there is no package-level instance.
type Bus struct {
	clock Clock

	// pipeMu serializes the entire publish pipeline so dedup,
	// coalescing, and gate decisions observe events in publish order.
	pipeMu           sync.Mutex
	dedupWindow      time.Duration
	coalesceInterval time.Duration
	dedup            *gocache.Cache
	co               coalesceState
	gate             Gate

	// subsMu guards the handler registry; fan-out holds it read-only.
	subsMu     sync.RWMutex
	subs       map[events.Type]map[any]*subscription
	bufferSize int

	// tap republishes every delivered event for channel-based
	// consumers (display, diagnostics).
	tap *pubsub.Broker[events.Event]
}

// New creates a Bus with the given configuration.
func New(cfg Config) *Bus {
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.CoalesceInterval == 0 {
		cfg.CoalesceInterval = DefaultCoalesceInterval
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	return &Bus{
		clock:            cfg.Clock,
		dedupWindow:      cfg.DedupWindow,
		coalesceInterval: cfg.CoalesceInterval,
		dedup:            gocache.New(cfg.DedupWindow, 10*cfg.DedupWindow),
		subs:             make(map[events.Type]map[any]*subscription),
		bufferSize:       cfg.BufferSize,
		tap:              pubsub.NewBroker[events.Event](),
	}
}

// Subscribe registers a handler for every future event of the given
// type. Idempotent: registering the same handler twice for the same
// type has no additional effect.
func (b *Bus) Subscribe(t events.Type, h Handler) {
	key := handlerKey(h)

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if b.subs[t] == nil {
		b.subs[t] = make(map[any]*subscription)
	}
	if _, exists := b.subs[t][key]; exists {
		return
	}
	b.subs[t][key] = newSubscription(t, h, b.bufferSize)
	log.Debug(log.CatBus, "subscribed", "type", t)
}

// Unsubscribe removes a previously registered handler. No-op if the
// handler was never registered for the type.
func (b *Bus) Unsubscribe(t events.Type, h Handler) {
	key := handlerKey(h)

	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	sub, ok := b.subs[t][key]
	if !ok {
		return
	}
	delete(b.subs[t], key)
	sub.stop()
	log.Debug(log.CatBus, "unsubscribed", "type", t)
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *Bus) SubscriberCount(t events.Type) int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs[t])
}

// SetGate attaches the coordinator's gate and returns a Direct handle
// for publishing released and finalized events past the pipeline.
// Only one gate may be attached; a second call replaces the first.
func (b *Bus) SetGate(g Gate) *Direct {
	b.pipeMu.Lock()
	defer b.pipeMu.Unlock()
	b.gate = g
	return &Direct{bus: b}
}

// Watch returns a channel receiving every event the bus delivers,
// regardless of type. Intended for the display layer and diagnostics;
// the subscription ends when ctx is cancelled.
func (b *Bus) Watch(ctx context.Context) <-chan pubsub.Envelope[events.Event] {
	return b.tap.Subscribe(ctx)
}

// SetTunables updates the dedup window and coalescing interval at
// runtime. Existing dedup entries keep their original expiry.
func (b *Bus) SetTunables(dedupWindow, coalesceInterval time.Duration) {
	b.pipeMu.Lock()
	defer b.pipeMu.Unlock()
	if dedupWindow > 0 {
		b.dedupWindow = dedupWindow
	}
	if coalesceInterval > 0 {
		b.coalesceInterval = coalesceInterval
	}
	log.Info(log.CatBus, "tunables updated",
		"dedup_window", b.dedupWindow, "coalesce_interval", b.coalesceInterval)
}

// Publish delivers the event to all current subscribers of its type,
// subject to deduplication, coalescing, and the gate. It returns once
// delivery to every subscriber has been attempted; handlers run
// asynchronously and their failures never reach the publisher.
func (b *Bus) Publish(ev events.Event) {
	if !validPayload(ev) {
		log.Warn(log.CatBus, "dropping event with missing payload", "type", ev.Type)
		return
	}
	if ev.Arrival.IsZero() {
		ev.Arrival = b.clock.Now()
	}

	b.pipeMu.Lock()
	defer b.pipeMu.Unlock()

	switch ev.Type {
	case events.StreamChunk:
		b.coalesce(ev)
	case events.Message, events.Status:
		if b.isDuplicate(ev) {
			return
		}
		b.deliverDiscrete(ev)
	case events.Error:
		// Errors are deliberately never deduplicated.
		b.deliverDiscrete(ev)
	default:
		// token_update and externally published stream events pass
		// straight through.
		b.fanOut(ev)
	}
}

// Reset clears deduplication history and buffered coalescing state.
// Used for test isolation and session-boundary resets.
func (b *Bus) Reset() {
	b.pipeMu.Lock()
	defer b.pipeMu.Unlock()
	b.dedup.Flush()
	b.co = coalesceState{}
}

// Close stops all subscriber dispatch goroutines and the watch tap.
func (b *Bus) Close() {
	b.subsMu.Lock()
	for t, m := range b.subs {
		for key, sub := range m {
			sub.stop()
			delete(m, key)
		}
		delete(b.subs, t)
	}
	b.subsMu.Unlock()
	b.tap.Close()
}

// deliverDiscrete routes a discrete event through the gate, then fans
// it out unless the gate held it.
func (b *Bus) deliverDiscrete(ev events.Event) {
	if b.gate != nil {
		tagged, pass := b.gate.Intercept(ev)
		if !pass {
			log.Debug(log.CatBus, "event held by gate", "type", ev.Type)
			return
		}
		ev = tagged
	}
	b.fanOut(ev)
}

// coalesce buffers a raw chunk and flushes an aggregated coalesced
// event when the cadence allows or the chunk is final.
func (b *Bus) coalesce(ev events.Event) {
	p := ev.Chunk
	if p.StreamID == "" {
		log.Debug(log.CatBus, "dropping chunk without stream id")
		return
	}

	if b.co.streamID != "" && b.co.streamID != p.StreamID {
		// A different stream took over. The old buffer is dropped
		// silently; nothing about it is ever delivered.
		log.Debug(log.CatBus, "stream superseded in coalescer",
			"old", b.co.streamID, "new", p.StreamID)
		b.co = coalesceState{}
	}
	if b.co.streamID == "" {
		role := p.Role
		if role == "" {
			role = "assistant"
		}
		b.co = coalesceState{streamID: p.StreamID, role: role}
	}

	if p.Text != "" {
		if p.Reasoning {
			b.co.reasoningDelta += p.Text
			b.co.reasoningAll += p.Text
		} else {
			b.co.contentDelta += p.Text
			b.co.contentAll += p.Text
		}
		b.co.chunkCount++
	}

	now := ev.Arrival
	due := b.co.hasDelta() && now.Sub(b.co.lastFlush) >= b.coalesceInterval
	if p.Final || due {
		b.flush(now, p.Final)
	}
}

// flush emits one aggregated coalesced event. Final flushes always
// emit, even with no buffered text, so the coordinator sees the end of
// the stream; afterwards the coalescer state is cleared.
func (b *Bus) flush(now time.Time, final bool) {
	ev := events.Event{
		Type:    events.StreamCoalesced,
		Arrival: now,
		Coalesced: &events.CoalescedPayload{
			StreamID:       b.co.streamID,
			Role:           b.co.role,
			ContentDelta:   b.co.contentDelta,
			ReasoningDelta: b.co.reasoningDelta,
			ContentSoFar:   b.co.contentAll,
			ReasoningSoFar: b.co.reasoningAll,
			Final:          final,
		},
	}
	b.co.contentDelta = ""
	b.co.reasoningDelta = ""
	b.co.lastFlush = now

	if b.gate != nil {
		b.gate.StreamDelta(ev)
	}
	b.fanOut(ev)
	if final {
		if b.gate != nil {
			b.gate.StreamFinal(ev)
		}
		b.co = coalesceState{}
	}
}

// isDuplicate records the event in the dedup window and reports
// whether an identical event was already seen inside it. Dropped
// duplicates are silent; no subscriber ever observes them.
func (b *Bus) isDuplicate(ev events.Event) bool {
	key := dedupKey(ev)
	if _, found := b.dedup.Get(key); found {
		return true
	}
	b.dedup.Set(key, struct{}{}, b.dedupWindow)
	return false
}

func dedupKey(ev events.Event) string {
	sum := md5.Sum([]byte(string(ev.Type) + ":" + ev.Content())) //nolint:gosec
	return string(ev.Type) + ":" + hex.EncodeToString(sum[:])
}

// fanOut attempts delivery to every handler registered for the event's
// type and to the watch tap. Never blocks: a subscriber whose queue is
// full misses the event.
func (b *Bus) fanOut(ev events.Event) {
	b.subsMu.RLock()
	for _, sub := range b.subs[ev.Type] {
		if !sub.deliver(ev) {
			log.Warn(log.CatBus, "subscriber queue full, event dropped", "type", ev.Type)
		}
	}
	b.subsMu.RUnlock()

	b.tap.PublishAt(ev, ev.Arrival)
}

// validPayload checks the payload field matching the event type is set.
func validPayload(ev events.Event) bool {
	switch ev.Type {
	case events.StreamStart:
		return ev.Start != nil
	case events.StreamChunk:
		return ev.Chunk != nil
	case events.StreamCoalesced:
		return ev.Coalesced != nil
	case events.Message:
		return ev.Message != nil
	case events.TokenUpdate:
		return ev.Tokens != nil
	case events.Status:
		return ev.Status != nil
	case events.Error:
		return ev.Error != nil
	default:
		return false
	}
}
