// Package script loads replayable event scenarios from YAML and plays
// them into the bus. A scenario is an ordered list of steps, each
// publishing one chunk, message, status, error, or token update, with
// an optional delay before it. Stream labels are scenario-local; the
// player maps each label to a fresh uuid so replays never collide.
package script

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one replayable event sequence.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

// Duration decodes yaml "30ms" / "1s" strings into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("delay must be a duration string like \"30ms\": %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing delay %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Step publishes exactly one event, after an optional delay.
type Step struct {
	// Delay is how long to wait before publishing, e.g. "30ms".
	Delay Duration `yaml:"delay"`

	Chunk   *ChunkStep   `yaml:"chunk"`
	Message *MessageStep `yaml:"message"`
	Status  *StatusStep  `yaml:"status"`
	Error   *ErrorStep   `yaml:"error"`
	Tokens  *TokensStep  `yaml:"tokens"`
}

// ChunkStep publishes a raw stream chunk.
type ChunkStep struct {
	// Stream is the scenario-local stream label.
	Stream    string `yaml:"stream"`
	Role      string `yaml:"role"`
	Text      string `yaml:"text"`
	Reasoning bool   `yaml:"reasoning"`
	Final     bool   `yaml:"final"`
}

// MessageStep publishes a discrete message.
type MessageStep struct {
	Role     string            `yaml:"role"`
	Content  string            `yaml:"content"`
	Category string            `yaml:"category"`
	Metadata map[string]string `yaml:"metadata"`
}

// StatusStep publishes a status change.
type StatusStep struct {
	Type string            `yaml:"type"`
	Data map[string]string `yaml:"data"`
}

// ErrorStep publishes a producer error.
type ErrorStep struct {
	Message string `yaml:"message"`
	Details string `yaml:"details"`
}

// TokensStep publishes token usage telemetry.
type TokensStep struct {
	Input         int `yaml:"input"`
	Output        int `yaml:"output"`
	Total         int `yaml:"total"`
	ContextWindow int `yaml:"context_window"`
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates scenario YAML.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks every step publishes exactly one event and chunk
// steps carry a stream label.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %q has no steps", s.Name)
	}
	for i, step := range s.Steps {
		n := 0
		if step.Chunk != nil {
			n++
			if step.Chunk.Stream == "" {
				return fmt.Errorf("step %d: chunk step requires a stream label", i+1)
			}
		}
		if step.Message != nil {
			n++
			if step.Message.Role == "" {
				return fmt.Errorf("step %d: message step requires a role", i+1)
			}
		}
		if step.Status != nil {
			n++
			if step.Status.Type == "" {
				return fmt.Errorf("step %d: status step requires a type", i+1)
			}
		}
		if step.Error != nil {
			n++
			if step.Error.Message == "" {
				return fmt.Errorf("step %d: error step requires a message", i+1)
			}
		}
		if step.Tokens != nil {
			n++
		}
		if n == 0 {
			return fmt.Errorf("step %d: no action", i+1)
		}
		if n > 1 {
			return fmt.Errorf("step %d: %d actions, want exactly one", i+1, n)
		}
		if step.Delay < 0 {
			return fmt.Errorf("step %d: negative delay", i+1)
		}
	}
	return nil
}

func ms(n int) Duration { return Duration(time.Duration(n) * time.Millisecond) }

// Demo returns the built-in scenario used when no file is given: a
// short conversation with a streamed reply, a held tool message, and
// a superseding retry.
func Demo() *Scenario {
	return &Scenario{
		Name:        "demo",
		Description: "streamed reply with a held tool message and a superseding retry",
		Steps: []Step{
			{Message: &MessageStep{Role: "user", Content: "What does the bus do?"}},
			{Delay: ms(200), Chunk: &ChunkStep{Stream: "a", Text: "It coalesces "}},
			{Delay: ms(80), Chunk: &ChunkStep{Stream: "a", Text: "chunks into "}},
			{Delay: ms(40), Message: &MessageStep{Role: "tool", Content: "Reading events.go", Category: "system_output"}},
			{Delay: ms(80), Chunk: &ChunkStep{Stream: "a", Text: "rate-bounded flushes."}},
			{Delay: ms(80), Chunk: &ChunkStep{Stream: "a", Final: true}},
			{Delay: ms(300), Tokens: &TokensStep{Input: 420, Output: 31, Total: 451}},
			{Delay: ms(300), Message: &MessageStep{Role: "user", Content: "And supersession?"}},
			{Delay: ms(200), Chunk: &ChunkStep{Stream: "b", Text: "A newer stream silently "}},
			{Delay: ms(120), Chunk: &ChunkStep{Stream: "c", Text: "A newer stream replaces the old one, "}},
			{Delay: ms(80), Chunk: &ChunkStep{Stream: "c", Text: "mid-flight, without a finalize."}},
			{Delay: ms(80), Chunk: &ChunkStep{Stream: "c", Final: true}},
			{Delay: ms(200), Status: &StatusStep{Type: "task_completed"}},
		},
	}
}
