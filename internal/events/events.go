// Package events defines the closed set of event types and payload
// structures that flow through the bus. Producers publish these,
// the stream coordinator consumes and re-publishes them, and the
// display layer subscribes to the coordinated output.
//
// Event types are organized by concern:
//   - Streaming: StreamStart, StreamChunk, StreamCoalesced
//   - Discrete:  Message, Status, Error
//   - Telemetry: TokenUpdate
package events

import "time"

// Type identifies the kind of event.
type Type string

const (
	// StreamStart is emitted by the coordinator when a new stream session begins.
	StreamStart Type = "stream_start"
	// StreamChunk is the raw incremental input published by producers.
	// It is never fanned out directly; the bus coalesces it.
	StreamChunk Type = "stream_chunk"
	// StreamCoalesced is the bus's rate-bounded aggregation of raw chunks.
	StreamCoalesced Type = "stream_coalesced"
	// Message is a discrete conversation message. It is both external
	// input and the coordinator's finalized-stream output.
	Message Type = "message"
	// TokenUpdate carries token usage telemetry. Never deduplicated,
	// never coalesced, never held by the coordinator.
	TokenUpdate Type = "token_update"
	// Status is a discrete status change notification.
	Status Type = "status"
	// Error is a producer-reported error. Deliberately never
	// deduplicated; it may be held during a stream but is never dropped.
	Error Type = "error"
)

// Event is an immutable record delivered to subscribers. Exactly one
// payload field is populated, selected by Type. The bus stamps Arrival
// at publish time; payloads are never mutated after publication.
type Event struct {
	// Type identifies which payload field is set.
	Type Type
	// Arrival is the timestamp assigned by the bus at publish.
	Arrival time.Time

	Start     *StartPayload
	Chunk     *ChunkPayload
	Coalesced *CoalescedPayload
	Message   *MessagePayload
	Tokens    *TokenPayload
	Status    *StatusPayload
	Error     *ErrorPayload
}

// StartPayload announces a new stream session.
type StartPayload struct {
	// StreamID is the opaque producer-assigned session token.
	StreamID string
	// Role identifies who is speaking, e.g. "assistant".
	Role string
}

// ChunkPayload is one raw incremental fragment from a producer.
type ChunkPayload struct {
	// StreamID correlates the chunk to a stream session. Two chunks
	// belong to the same turn iff their StreamIDs are equal.
	StreamID string
	// Role identifies the speaker; defaults to "assistant" when empty.
	Role string
	// Text is the fragment content. Empty non-final chunks are
	// heartbeat no-ops.
	Text string
	// Reasoning marks auxiliary reasoning content kept separate from
	// normal content.
	Reasoning bool
	// Final marks the last chunk of the stream and triggers
	// finalization even when Text is empty.
	Final bool
}

// CoalescedPayload is the bus's aggregated view of one or more raw
// chunks, flushed at a bounded cadence.
type CoalescedPayload struct {
	StreamID string
	Role     string
	// ContentDelta is the normal text accumulated since the last flush.
	ContentDelta string
	// ReasoningDelta is the reasoning text accumulated since the last flush.
	ReasoningDelta string
	// ContentSoFar is the full normal text of the stream so far.
	ContentSoFar string
	// ReasoningSoFar is the full reasoning text of the stream so far.
	ReasoningSoFar string
	// Final marks the flush triggered by the stream's final chunk.
	Final bool
}

// MessagePayload is a discrete conversation message.
type MessagePayload struct {
	// Role identifies the speaker ("user", "assistant", "tool", "system").
	Role string
	// Content is the message text.
	Content string
	// Category groups the message for display routing, e.g. "dialog"
	// or "system_output".
	Category string
	// Turn is the conversation turn the message belongs to. Assigned
	// by the coordinator.
	Turn int
	// Metadata carries auxiliary key/value data. Finalized stream
	// messages set "stream_id" here so subscribers can recognize
	// content they already rendered incrementally.
	Metadata map[string]string
}

// StreamID returns the stream id this message finalizes, or empty if
// the message is not a finalized stream.
func (m *MessagePayload) StreamID() string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata["stream_id"]
}

// TokenPayload carries token usage telemetry.
type TokenPayload struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	// ContextWindow is the model's context window size in tokens, when known.
	ContextWindow int
}

// StatusPayload is a discrete status change.
type StatusPayload struct {
	// StatusType names the status transition, e.g. "task_started".
	StatusType string
	// Data carries status-specific fields.
	Data map[string]string
}

// IsTaskBoundary reports whether this status marks the end of a task
// or run, which forces any dangling active stream to finalize.
func (s *StatusPayload) IsTaskBoundary() bool {
	if s == nil {
		return false
	}
	switch s.StatusType {
	case "task_completed", "run_mode_ended":
		return true
	default:
		return false
	}
}

// ErrorPayload is a producer-reported error.
type ErrorPayload struct {
	Message string
	Details string
}

// Content returns the text the dedup window hashes for this event.
// Only Message and Status events are subject to deduplication.
func (e Event) Content() string {
	switch e.Type {
	case Message:
		if e.Message != nil {
			return e.Message.Content
		}
	case Status:
		if e.Status != nil {
			return e.Status.StatusType
		}
	}
	return ""
}

// Discrete reports whether the event is a discrete message-type event
// that the coordinator may hold while a stream is active.
func (e Event) Discrete() bool {
	switch e.Type {
	case Message, Status, Error:
		return true
	default:
		return false
	}
}
