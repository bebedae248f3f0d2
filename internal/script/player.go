package script

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/tern/internal/bus"
	"github.com/zjrosen/tern/internal/events"
	"github.com/zjrosen/tern/internal/log"
)

// Player replays a scenario's steps into the bus in order, honoring
// each step's delay. Safe for one Play call at a time.
type Player struct {
	bus *bus.Bus

	// streams maps scenario-local labels to generated stream ids.
	streams map[string]string
}

// NewPlayer creates a player publishing into the given bus.
func NewPlayer(b *bus.Bus) *Player {
	return &Player{
		bus:     b,
		streams: make(map[string]string),
	}
}

// Play runs the scenario to completion or until ctx is cancelled.
func (p *Player) Play(ctx context.Context, s *Scenario) error {
	log.Info(log.CatFeed, "playing scenario", "name", s.Name, "steps", len(s.Steps))

	for _, step := range s.Steps {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay.Std()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.publish(step)
	}

	log.Info(log.CatFeed, "scenario finished", "name", s.Name)
	return nil
}

// publish emits the step's single event.
func (p *Player) publish(step Step) {
	switch {
	case step.Chunk != nil:
		c := step.Chunk
		p.bus.EmitChunk(p.streamID(c.Stream), c.Role, c.Text, c.Reasoning, c.Final)
	case step.Message != nil:
		m := step.Message
		p.bus.EmitMessage(m.Role, m.Content, m.Category, m.Metadata)
	case step.Status != nil:
		p.bus.EmitStatus(step.Status.Type, step.Status.Data)
	case step.Error != nil:
		p.bus.EmitError(step.Error.Message, step.Error.Details)
	case step.Tokens != nil:
		tk := step.Tokens
		total := tk.Total
		if total == 0 {
			total = tk.Input + tk.Output
		}
		p.bus.EmitTokenUpdate(events.TokenPayload{
			InputTokens:   tk.Input,
			OutputTokens:  tk.Output,
			TotalTokens:   total,
			ContextWindow: tk.ContextWindow,
		})
	}
}

// streamID resolves a scenario-local label to a stable generated id.
func (p *Player) streamID(label string) string {
	if id, ok := p.streams[label]; ok {
		return id
	}
	id := uuid.NewString()
	p.streams[label] = id
	return id
}
