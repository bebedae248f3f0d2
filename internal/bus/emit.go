package bus

import "github.com/zjrosen/tern/internal/events"

// Convenience publishers mirroring the common producer call sites.

// EmitChunk publishes one raw stream chunk.
func (b *Bus) EmitChunk(streamID, role, text string, reasoning, final bool) {
	b.Publish(events.Event{
		Type: events.StreamChunk,
		Chunk: &events.ChunkPayload{
			StreamID:  streamID,
			Role:      role,
			Text:      text,
			Reasoning: reasoning,
			Final:     final,
		},
	})
}

// EmitMessage publishes a discrete conversation message.
func (b *Bus) EmitMessage(role, content, category string, metadata map[string]string) {
	if category == "" {
		category = "dialog"
	}
	b.Publish(events.Event{
		Type: events.Message,
		Message: &events.MessagePayload{
			Role:     role,
			Content:  content,
			Category: category,
			Metadata: metadata,
		},
	})
}

// EmitStatus publishes a status change notification.
func (b *Bus) EmitStatus(statusType string, data map[string]string) {
	b.Publish(events.Event{
		Type:   events.Status,
		Status: &events.StatusPayload{StatusType: statusType, Data: data},
	})
}

// EmitError publishes a producer-reported error.
func (b *Bus) EmitError(message, details string) {
	b.Publish(events.Event{
		Type:  events.Error,
		Error: &events.ErrorPayload{Message: message, Details: details},
	})
}

// EmitTokenUpdate publishes token usage telemetry.
func (b *Bus) EmitTokenUpdate(tokens events.TokenPayload) {
	b.Publish(events.Event{
		Type:   events.TokenUpdate,
		Tokens: &tokens,
	})
}
