// Package stream implements the stream coordinator: a two-state
// machine that consumes the bus's coalesced stream flushes, accumulates
// them into one logical turn of assistant output, arbitrates which
// stream is authoritative when producers overlap, and re-publishes
// stream-start and finalized-message events for the display layer.
//
// The coordinator attaches to the bus as its Gate, so it observes
// coalesced flushes and discrete events synchronously in publish
// order. Discrete messages arriving while a stream is active are held
// in arrival order and released when the stream finalizes, preserving
// their chronological position relative to the streamed output.
//
// State machine:
//
//	Idle -> Active   first flush bearing a new stream id (stream_start)
//	Active -> Active same id: append content/reasoning
//	Active -> Active different id: silent supersession, new session
//	Active -> Idle   final flush: finalized message, pending release
package stream

import (
	"sync"
	"time"

	"github.com/zjrosen/tern/internal/bus"
	"github.com/zjrosen/tern/internal/events"
	"github.com/zjrosen/tern/internal/log"
)

// MetaStreamID is the metadata key carrying the finalized session's
// stream id so subscribers can recognize content they already rendered
// incrementally.
const MetaStreamID = "stream_id"

// MetaReasoning is the metadata key carrying the finalized session's
// accumulated reasoning text.
const MetaReasoning = "reasoning"

// held is one discrete event waiting for the active stream to finalize.
type held struct {
	ev      events.Event
	arrival time.Time
}

// Coordinator owns the stream session state machine and the pending
// side-message queue. Construct with Attach; all state transitions are
// serialized under one mutex and complete before the next event is
// accepted.
type Coordinator struct {
	direct *bus.Direct
	policy Policy

	mu      sync.Mutex
	session *Session // nil when Idle
	pending []held
	turn    int

	// Duplicate suppression state, reset each turn.
	lastFinalContent string
	lastFinalRole    string
	processed        map[string]int // message key -> turn it was seen in

	violations int
}

// Attach creates a Coordinator and installs it as the bus's gate.
func Attach(b *bus.Bus, p Policy) *Coordinator {
	c := &Coordinator{
		policy:    p,
		processed: make(map[string]int),
	}
	c.direct = b.SetGate(c)
	return c
}

// Active reports whether a stream session is currently accepting chunks.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// ActiveStreamID returns the active session's stream id, or empty when Idle.
func (c *Coordinator) ActiveStreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.StreamID
}

// Snapshot returns a copy of the active session, or false when Idle.
func (c *Coordinator) Snapshot() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Turn returns the current conversation turn.
func (c *Coordinator) Turn() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}

// PendingCount returns how many side messages are waiting for finalize.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Violations returns how many invariant violations were self-corrected.
// Any nonzero value indicates a producer contract breach.
func (c *Coordinator) Violations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.violations
}

// SetPolicy replaces the duplicate-suppression tuning at runtime.
func (c *Coordinator) SetPolicy(p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
}

// Reset clears the session, the pending queue, the turn counter, and
// all duplicate-suppression state. Used for test isolation and
// session-boundary resets alongside Bus.Reset.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	c.pending = nil
	c.turn = 0
	c.lastFinalContent = ""
	c.lastFinalRole = ""
	c.processed = make(map[string]int)
}

// StreamDelta implements bus.Gate. It runs before the coalesced flush
// is fanned out, so the stream_start for a new session is observed
// first by every subscriber.
func (c *Coordinator) StreamDelta(ev events.Event) {
	p := ev.Coalesced

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.StreamID != p.StreamID {
		// A chunk for a different stream arrived while this one was
		// active: the old session is superseded and vanishes without a
		// finalize event. Cancel-and-replace, not an error.
		log.Warn(log.CatStream, "session superseded",
			"old", c.session.StreamID, "new", p.StreamID,
			"dropped_chars", len(c.session.Content))
		c.session = nil
	}

	if c.session == nil {
		c.session = &Session{
			StreamID:  p.StreamID,
			Role:      p.Role,
			StartedAt: ev.Arrival,
		}
		log.Debug(log.CatStream, "session started", "stream_id", p.StreamID, "role", p.Role)
		c.direct.Publish(events.Event{
			Type:    events.StreamStart,
			Arrival: ev.Arrival,
			Start:   &events.StartPayload{StreamID: p.StreamID, Role: p.Role},
		})
	}

	if p.ContentDelta != "" || p.ReasoningDelta != "" {
		c.session.Content += p.ContentDelta
		c.session.Reasoning += p.ReasoningDelta
		c.session.ChunkCount++
	}
}

// StreamFinal implements bus.Gate. It runs after the final coalesced
// flush has been fanned out: it publishes the finalized message, then
// releases every held side message in original arrival order.
func (c *Coordinator) StreamFinal(ev events.Event) {
	p := ev.Coalesced

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.StreamID != p.StreamID {
		// Finalize with no matching active session: producer contract
		// breach. Self-correct by forcing Idle and dropping state.
		c.violations++
		log.Error(log.CatStream, "finalize without matching session",
			"stream_id", p.StreamID)
		c.session = nil
		c.releasePending()
		return
	}

	c.finalizeLocked(ev.Arrival)
}

// finalizeLocked closes the active session: publishes the finalized
// message tagged with the stream id, records duplicate-suppression
// state, releases the pending queue, and returns to Idle.
// Caller holds c.mu and the session is non-nil.
func (c *Coordinator) finalizeLocked(at time.Time) {
	s := c.session

	meta := map[string]string{MetaStreamID: s.StreamID}
	if s.Reasoning != "" {
		meta[MetaReasoning] = s.Reasoning
	}

	log.Debug(log.CatStream, "session finalized",
		"stream_id", s.StreamID, "chars", len(s.Content), "chunks", s.ChunkCount)

	c.direct.Publish(events.Event{
		Type:    events.Message,
		Arrival: at,
		Message: &events.MessagePayload{
			Role:     s.Role,
			Content:  s.Content,
			Category: "dialog",
			Turn:     c.turn,
			Metadata: meta,
		},
	})

	if s.Content != "" {
		c.lastFinalContent = s.Content
		c.lastFinalRole = s.Role
		c.processed[MessageKey(s.Role, s.Content)] = c.turn
	}

	c.session = nil
	c.releasePending()
}

// releasePending republishes every held event in arrival order with
// its original timestamp, then clears the queue. Caller holds c.mu.
func (c *Coordinator) releasePending() {
	for _, h := range c.pending {
		c.direct.Republish(h.ev, h.arrival)
	}
	c.pending = nil
}

// Intercept implements bus.Gate for discrete events. While a stream is
// active, messages, statuses, and errors are held for release at
// finalize; while Idle they pass straight through, tagged with the
// current turn.
func (c *Coordinator) Intercept(ev events.Event) (events.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Type {
	case events.Message:
		return c.interceptMessage(ev)
	case events.Status:
		if ev.Status.IsTaskBoundary() && c.session != nil {
			// A task boundary with a dangling active stream means the
			// producer never sent a final chunk. Finalize what we have
			// so the boundary status lands after the stream's content.
			log.Warn(log.CatStream, "task boundary with active stream, forcing finalize",
				"stream_id", c.session.StreamID, "status", ev.Status.StatusType)
			c.finalizeLocked(ev.Arrival)
			return ev, true
		}
	case events.Error:
		// Errors are never suppressed; they are only held for ordering.
	}

	if c.session != nil {
		c.pending = append(c.pending, held{ev: ev, arrival: ev.Arrival})
		return ev, false
	}
	return ev, true
}

// interceptMessage applies turn counting and duplicate suppression.
// Caller holds c.mu.
func (c *Coordinator) interceptMessage(ev events.Event) (events.Event, bool) {
	m := ev.Message

	if m.Role == "user" {
		// A user message starts a new conversation turn and resets the
		// per-turn duplicate state so identical wording later is not
		// wrongly treated as a repeat.
		c.turn++
		c.lastFinalContent = ""
		c.lastFinalRole = ""
		return tagTurn(ev, c.turn), true
	}

	if m.Role == "assistant" && m.StreamID() == "" {
		// A discrete assistant message repeating the most recently
		// finalized stream is the same message arriving on the second
		// delivery path. Drop it.
		if c.lastFinalRole == m.Role && c.policy.IsDuplicate(m.Content, c.lastFinalContent) {
			log.Debug(log.CatStream, "suppressed duplicate of finalized stream",
				"chars", len(m.Content))
			c.processed[MessageKey(m.Role, m.Content)] = c.turn
			return ev, false
		}
		key := MessageKey(m.Role, m.Content)
		if seen, ok := c.processed[key]; ok && seen == c.turn {
			return ev, false
		}
		c.processed[key] = c.turn
	}

	ev = tagTurn(ev, c.turn)
	if c.session != nil {
		c.pending = append(c.pending, held{ev: ev, arrival: ev.Arrival})
		return ev, false
	}
	return ev, true
}

// tagTurn returns a copy of the event whose message payload carries
// the turn. Payloads are immutable after publication, so the original
// is never modified.
func tagTurn(ev events.Event, turn int) events.Event {
	m := *ev.Message
	m.Turn = turn
	ev.Message = &m
	return ev
}
