package stream

import "time"

// Session is one in-progress turn of incremental output. At most one
// session is active at any instant; it is created on the first
// coalesced flush bearing a new stream id, mutated by every subsequent
// flush with the same id, and destroyed at finalize or supersession.
type Session struct {
	// StreamID is the opaque producer-assigned token. Two sessions are
	// the same turn iff their StreamIDs are equal.
	StreamID string
	// Role identifies who is speaking.
	Role string
	// Content is the accumulated normal text, append-only.
	Content string
	// Reasoning is the accumulated auxiliary text, kept separate from
	// Content, append-only.
	Reasoning string
	// ChunkCount is the number of non-empty flushes applied.
	ChunkCount int
	// StartedAt is when the first flush arrived.
	StartedAt time.Time
}
