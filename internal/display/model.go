// Package display renders the coordinated event flow as a terminal
// transcript. It is a pure subscriber: it consumes the bus's watch
// channel and never publishes anything back, so whatever it shows is
// exactly what any other subscriber would have seen, in the same
// order.
//
// Streamed output is rendered incrementally from coalesced flushes; a
// finalized message bearing the same stream id replaces the partial
// text instead of duplicating it.
package display

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/wordwrap"

	"github.com/zjrosen/tern/internal/events"
	"github.com/zjrosen/tern/internal/keys"
	"github.com/zjrosen/tern/internal/log"
	"github.com/zjrosen/tern/internal/pubsub"
)

// spinnerFrames defines the braille spinner animation sequence.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// spinnerTickMsg advances the spinner frame while a stream is live.
type spinnerTickMsg struct{}

// playbackDoneMsg reports the producer finished (or failed).
type playbackDoneMsg struct{ err error }

// entry is one rendered transcript item.
type entry struct {
	role    string
	content string
	isError bool
	turn    int
}

// Model is the transcript display. Construct with New and run under a
// tea.Program; it drives itself from the bus watch channel.
type Model struct {
	ctx    context.Context
	events <-chan pubsub.Envelope[events.Event]

	viewport viewport.Model
	width    int
	height   int
	ready    bool

	entries []entry

	// Live stream state, rendered below the transcript until finalized.
	streaming       bool
	streamID        string
	streamRole      string
	streamContent   string
	streamReasoning string
	spinnerFrame    int

	status     string
	tokens     *events.TokenPayload
	turn       int
	showStatus bool
	quitting   bool

	keys keys.KeyMap
}

// New creates a display model consuming the given watch channel.
func New(ctx context.Context, ch <-chan pubsub.Envelope[events.Event]) Model {
	return Model{
		ctx:        ctx,
		events:     ch,
		status:     "idle",
		showStatus: true,
		keys:       keys.DefaultKeyMap(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return pubsub.ListenCmd(m.ctx, m.events)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := msg.Height - 4 // header, blank, status bar, help line
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		m.syncViewport()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit), key.Matches(msg, m.keys.Escape):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.ToggleStatus):
			m.showStatus = !m.showStatus
			return m, nil
		case key.Matches(msg, m.keys.Top):
			m.viewport.GotoTop()
			return m, nil
		case key.Matches(msg, m.keys.Bottom):
			m.viewport.GotoBottom()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case pubsub.Envelope[events.Event]:
		m.apply(msg.Payload)
		m.syncViewport()
		cmds := []tea.Cmd{pubsub.ListenCmd(m.ctx, m.events)}
		if m.streaming {
			cmds = append(cmds, spinnerTick())
		}
		return m, tea.Batch(cmds...)

	case spinnerTickMsg:
		if !m.streaming {
			return m, nil
		}
		m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
		m.syncViewport()
		return m, spinnerTick()

	case playbackDoneMsg:
		if msg.err != nil {
			m.entries = append(m.entries, entry{
				role:    "system",
				content: fmt.Sprintf("playback failed: %v", msg.err),
				isError: true,
			})
			m.syncViewport()
		}
		return m, nil
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

// PlaybackDone wraps a producer result as a message for the program.
func PlaybackDone(err error) tea.Msg {
	return playbackDoneMsg{err: err}
}

func spinnerTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}

// apply folds one bus event into the display state.
func (m *Model) apply(ev events.Event) {
	switch ev.Type {
	case events.StreamStart:
		m.streaming = true
		m.streamID = ev.Start.StreamID
		m.streamRole = ev.Start.Role
		m.streamContent = ""
		m.streamReasoning = ""
		m.status = "streaming"

	case events.StreamCoalesced:
		if !m.streaming || ev.Coalesced.StreamID != m.streamID {
			return
		}
		m.streamContent = ev.Coalesced.ContentSoFar
		m.streamReasoning = ev.Coalesced.ReasoningSoFar

	case events.Message:
		p := ev.Message
		m.turn = p.Turn
		if m.streaming && p.StreamID() == m.streamID {
			// The finalized form of the text already on screen:
			// replace the partial render, don't append a second copy.
			m.streaming = false
			m.streamContent = ""
			m.streamReasoning = ""
			m.status = "idle"
		}
		m.entries = append(m.entries, entry{role: p.Role, content: p.Content, turn: p.Turn})

	case events.Status:
		m.status = ev.Status.StatusType

	case events.Error:
		content := ev.Error.Message
		if ev.Error.Details != "" {
			content += ": " + ev.Error.Details
		}
		m.entries = append(m.entries, entry{role: "error", content: content, isError: true})

	case events.TokenUpdate:
		tk := *ev.Tokens
		m.tokens = &tk

	default:
		log.Debug(log.CatUI, "ignoring event", "type", ev.Type)
	}
}

// syncViewport re-renders the transcript into the viewport and follows
// the tail. No-op before the first WindowSizeMsg.
func (m *Model) syncViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "starting..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("tern"))
	b.WriteString("\n\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.showStatus {
		b.WriteString(m.statusBar())
	}
	b.WriteString("\n")
	b.WriteString(statusBarStyle.Render(m.helpLine()))
	return b.String()
}

// renderTranscript renders finalized entries plus the live partial.
func (m Model) renderTranscript() string {
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}

	var b strings.Builder
	for _, e := range m.entries {
		b.WriteString(m.renderEntry(e, width))
		b.WriteString("\n")
	}

	if m.streaming {
		frame := spinnerFrames[m.spinnerFrame]
		b.WriteString(labelStyle(m.streamRole).Render(m.streamRole) + " " + frame + "\n")
		if m.streamReasoning != "" {
			b.WriteString(reasoningStyle.Render(wordwrap.String(m.streamReasoning, width)))
			b.WriteString("\n")
		}
		if m.streamContent != "" {
			b.WriteString(wordwrap.String(m.streamContent, width))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m Model) renderEntry(e entry, width int) string {
	if e.isError {
		return errorStyle.Render(wordwrap.String("error: "+e.content, width))
	}
	label := labelStyle(e.role).Render(e.role)
	body := wordwrap.String(e.content, width)
	return label + "\n" + body
}

// helpLine renders the short help from the keymap.
func (m Model) helpLine() string {
	var parts []string
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, " · ")
}

// statusBar renders the single-line footer, truncated to the terminal
// width so it never wraps.
func (m Model) statusBar() string {
	parts := []string{"status: " + m.status, fmt.Sprintf("turn %d", m.turn)}
	if m.tokens != nil {
		parts = append(parts, fmt.Sprintf("tokens %d in / %d out",
			m.tokens.InputTokens, m.tokens.OutputTokens))
	}
	line := strings.Join(parts, " · ")
	if m.width > 0 {
		line = runewidth.Truncate(line, m.width, "…")
	}
	return statusBarStyle.Render(line)
}
