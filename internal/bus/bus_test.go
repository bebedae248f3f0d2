package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/tern/internal/events"
)

// stubClock is a manually advanced time source for deterministic
// coalescing tests.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock(at time.Time) *stubClock {
	return &stubClock{now: at}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder returns a handler that forwards every event it receives to
// the returned channel.
func recorder() (Handler, <-chan events.Event) {
	ch := make(chan events.Event, 64)
	return HandlerFunc(func(ev events.Event) error {
		ch <- ev
		return nil
	}), ch
}

func recv(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		require.Fail(t, "timeout waiting for event")
		return events.Event{}
	}
}

func expectNone(t *testing.T, ch <-chan events.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		require.Failf(t, "unexpected event", "type=%s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	b.EmitMessage("user", "hello", "", nil)

	ev := recv(t, ch)
	require.Equal(t, events.Message, ev.Type)
	require.Equal(t, "hello", ev.Message.Content)
	require.Equal(t, "dialog", ev.Message.Category)
	require.False(t, ev.Arrival.IsZero())
}

func TestBus_SubscribersOnlyReceiveTheirType(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	msgHandler, msgCh := recorder()
	statusHandler, statusCh := recorder()
	b.Subscribe(events.Message, msgHandler)
	b.Subscribe(events.Status, statusHandler)

	b.EmitStatus("task_started", nil)

	ev := recv(t, statusCh)
	require.Equal(t, "task_started", ev.Status.StatusType)
	expectNone(t, msgCh)
}

func TestBus_SubscribeIdempotent(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)
	b.Subscribe(events.Message, h)
	b.Subscribe(events.Message, h)

	require.Equal(t, 1, b.SubscriberCount(events.Message))

	b.EmitMessage("user", "once", "", nil)

	recv(t, ch)
	expectNone(t, ch)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)
	b.Unsubscribe(events.Message, h)

	require.Equal(t, 0, b.SubscriberCount(events.Message))

	b.EmitMessage("user", "dropped", "", nil)
	expectNone(t, ch)
}

func TestBus_UnsubscribeUnknownHandlerIsNoop(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, _ := recorder()
	b.Unsubscribe(events.Message, h)
	require.Equal(t, 0, b.SubscriberCount(events.Message))
}

func TestBus_DeduplicatesIdenticalMessagesInWindow(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	b.EmitMessage("system", "same text", "", nil)
	b.EmitMessage("system", "same text", "", nil)

	ev := recv(t, ch)
	require.Equal(t, "same text", ev.Message.Content)
	expectNone(t, ch)
}

func TestBus_DifferentContentNotDeduplicated(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	b.EmitMessage("system", "first", "", nil)
	b.EmitMessage("system", "second", "", nil)

	require.Equal(t, "first", recv(t, ch).Message.Content)
	require.Equal(t, "second", recv(t, ch).Message.Content)
}

func TestBus_SameContentDifferentTypeNotDeduplicated(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	msgHandler, msgCh := recorder()
	statusHandler, statusCh := recorder()
	b.Subscribe(events.Message, msgHandler)
	b.Subscribe(events.Status, statusHandler)

	b.EmitMessage("system", "busy", "", nil)
	b.EmitStatus("busy", nil)

	require.Equal(t, "busy", recv(t, msgCh).Message.Content)
	require.Equal(t, "busy", recv(t, statusCh).Status.StatusType)
}

func TestBus_DedupWindowExpires(t *testing.T) {
	b := New(Config{DedupWindow: 20 * time.Millisecond})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	b.EmitMessage("system", "again", "", nil)
	recv(t, ch)

	time.Sleep(40 * time.Millisecond)

	b.EmitMessage("system", "again", "", nil)
	require.Equal(t, "again", recv(t, ch).Message.Content)
}

func TestBus_ErrorsNeverDeduplicated(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Error, h)

	b.EmitError("connection lost", "")
	b.EmitError("connection lost", "")

	require.Equal(t, "connection lost", recv(t, ch).Error.Message)
	require.Equal(t, "connection lost", recv(t, ch).Error.Message)
}

func TestBus_TokenUpdatesPassThrough(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.TokenUpdate, h)

	b.EmitTokenUpdate(events.TokenPayload{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	b.EmitTokenUpdate(events.TokenPayload{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})

	require.Equal(t, 15, recv(t, ch).Tokens.TotalTokens)
	require.Equal(t, 15, recv(t, ch).Tokens.TotalTokens)
}

func TestBus_ResetClearsDedupHistory(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	b.EmitMessage("system", "repeat", "", nil)
	recv(t, ch)

	b.Reset()

	b.EmitMessage("system", "repeat", "", nil)
	require.Equal(t, "repeat", recv(t, ch).Message.Content)
}

func TestBus_DropsEventWithMissingPayload(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	b.Publish(events.Event{Type: events.Message})
	expectNone(t, ch)
}

func TestBus_HandlerErrorDoesNotAffectOthers(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	failing := HandlerFunc(func(ev events.Event) error {
		return errors.New("boom")
	})
	h, ch := recorder()

	b.Subscribe(events.Message, failing)
	b.Subscribe(events.Message, h)

	b.EmitMessage("user", "still delivered", "", nil)
	require.Equal(t, "still delivered", recv(t, ch).Message.Content)
}

func TestBus_HandlerPanicDoesNotAffectOthers(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	panicking := HandlerFunc(func(ev events.Event) error {
		panic("handler bug")
	})
	h, ch := recorder()

	b.Subscribe(events.Message, panicking)
	b.Subscribe(events.Message, h)

	b.EmitMessage("user", "one", "", nil)
	b.EmitMessage("user", "two", "", nil)

	require.Equal(t, "one", recv(t, ch).Message.Content)
	require.Equal(t, "two", recv(t, ch).Message.Content)
}

func TestBus_PerSubscriberOrdering(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	const n = 20
	for i := 0; i < n; i++ {
		b.EmitMessage("user", fmt.Sprintf("msg-%02d", i), "", nil)
	}
	for i := 0; i < n; i++ {
		require.Equal(t, fmt.Sprintf("msg-%02d", i), recv(t, ch).Message.Content)
	}
}

func TestBus_CoalesceFirstChunkFlushesImmediately(t *testing.T) {
	clock := newStubClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	b := New(Config{Clock: clock})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.StreamCoalesced, h)

	b.EmitChunk("s1", "assistant", "Hel", false, false)

	ev := recv(t, ch)
	require.Equal(t, "s1", ev.Coalesced.StreamID)
	require.Equal(t, "Hel", ev.Coalesced.ContentDelta)
	require.Equal(t, "Hel", ev.Coalesced.ContentSoFar)
	require.False(t, ev.Coalesced.Final)
}

func TestBus_CoalesceBuffersWithinInterval(t *testing.T) {
	clock := newStubClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	b := New(Config{Clock: clock, CoalesceInterval: 50 * time.Millisecond})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.StreamCoalesced, h)

	b.EmitChunk("s1", "", "Hel", false, false)
	recv(t, ch)

	// Same instant: buffered, not flushed.
	b.EmitChunk("s1", "", "lo", false, false)
	expectNone(t, ch)

	// Interval elapsed: the next chunk carries the buffered text out.
	clock.Advance(50 * time.Millisecond)
	b.EmitChunk("s1", "", "!", false, false)

	ev := recv(t, ch)
	require.Equal(t, "lo!", ev.Coalesced.ContentDelta)
	require.Equal(t, "Hello!", ev.Coalesced.ContentSoFar)
}

func TestBus_CoalesceNoContentLoss(t *testing.T) {
	clock := newStubClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	b := New(Config{Clock: clock, CoalesceInterval: 50 * time.Millisecond})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.StreamCoalesced, h)

	chunks := []string{"The ", "quick ", "brown ", "fox ", "jumps"}
	for i, text := range chunks {
		b.EmitChunk("s1", "", text, false, false)
		if i%2 == 1 {
			clock.Advance(60 * time.Millisecond)
		}
	}
	b.EmitChunk("s1", "", "", false, true)

	var assembled string
	for {
		ev := recv(t, ch)
		assembled += ev.Coalesced.ContentDelta
		if ev.Coalesced.Final {
			require.Equal(t, "The quick brown fox jumps", ev.Coalesced.ContentSoFar)
			break
		}
	}
	require.Equal(t, "The quick brown fox jumps", assembled)
}

func TestBus_FinalChunkAlwaysFlushes(t *testing.T) {
	clock := newStubClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	b := New(Config{Clock: clock, CoalesceInterval: time.Hour})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.StreamCoalesced, h)

	b.EmitChunk("s1", "", "partial", false, false)
	b.EmitChunk("s1", "", "", false, true)

	first := recv(t, ch)
	require.Equal(t, "partial", first.Coalesced.ContentDelta)

	final := recv(t, ch)
	require.True(t, final.Coalesced.Final)
	require.Empty(t, final.Coalesced.ContentDelta)
	require.Equal(t, "partial", final.Coalesced.ContentSoFar)
}

func TestBus_EmptyNonFinalChunkIsHeartbeat(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.StreamCoalesced, h)

	b.EmitChunk("s1", "", "", false, false)
	expectNone(t, ch)
}

func TestBus_ChunkWithoutStreamIDDropped(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.StreamCoalesced, h)

	b.EmitChunk("", "", "orphan", false, true)
	expectNone(t, ch)
}

func TestBus_ReasoningKeptSeparate(t *testing.T) {
	clock := newStubClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	b := New(Config{Clock: clock})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.StreamCoalesced, h)

	b.EmitChunk("s1", "", "thinking...", true, false)
	b.EmitChunk("s1", "", "answer", false, true)

	first := recv(t, ch)
	require.Equal(t, "thinking...", first.Coalesced.ReasoningDelta)
	require.Empty(t, first.Coalesced.ContentDelta)

	final := recv(t, ch)
	require.True(t, final.Coalesced.Final)
	require.Equal(t, "answer", final.Coalesced.ContentSoFar)
	require.Equal(t, "thinking...", final.Coalesced.ReasoningSoFar)
}

func TestBus_SupersessionDropsBufferedText(t *testing.T) {
	clock := newStubClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	b := New(Config{Clock: clock, CoalesceInterval: 50 * time.Millisecond})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.StreamCoalesced, h)

	b.EmitChunk("s1", "", "abc", false, false)
	recv(t, ch)
	// Buffered for s1, never flushed.
	b.EmitChunk("s1", "", "def", false, false)

	b.EmitChunk("s2", "", "xyz", false, false)
	b.EmitChunk("s2", "", "", false, true)

	ev := recv(t, ch)
	require.Equal(t, "s2", ev.Coalesced.StreamID)
	require.Equal(t, "xyz", ev.Coalesced.ContentDelta)

	final := recv(t, ch)
	require.True(t, final.Coalesced.Final)
	require.Equal(t, "xyz", final.Coalesced.ContentSoFar)
	require.NotContains(t, final.Coalesced.ContentSoFar, "def")
}

func TestBus_DefaultRoleIsAssistant(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.StreamCoalesced, h)

	b.EmitChunk("s1", "", "hi", false, true)

	ev := recv(t, ch)
	require.Equal(t, "assistant", ev.Coalesced.Role)
}

func TestBus_SetTunables(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	b.SetTunables(10*time.Millisecond, 10*time.Millisecond)

	b.EmitMessage("system", "tick", "", nil)
	recv(t, ch)

	time.Sleep(30 * time.Millisecond)

	b.EmitMessage("system", "tick", "", nil)
	require.Equal(t, "tick", recv(t, ch).Message.Content)
}

func TestBus_WatchReceivesAllTypes(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watch := b.Watch(ctx)

	b.EmitMessage("user", "watched", "", nil)
	b.EmitStatus("task_started", nil)

	env := <-watch
	require.Equal(t, events.Message, env.Payload.Type)
	require.Equal(t, env.Payload.Arrival, env.Timestamp)

	env = <-watch
	require.Equal(t, events.Status, env.Payload.Type)
}

// heldGate holds every discrete event and records what it saw.
type heldGate struct {
	mu          sync.Mutex
	intercepted []events.Event
	deltas      []events.Event
	finals      []events.Event
	pass        bool
}

func (g *heldGate) StreamDelta(ev events.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deltas = append(g.deltas, ev)
}

func (g *heldGate) StreamFinal(ev events.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finals = append(g.finals, ev)
}

func (g *heldGate) Intercept(ev events.Event) (events.Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intercepted = append(g.intercepted, ev)
	return ev, g.pass
}

func TestBus_GateHoldsDiscreteEvents(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	gate := &heldGate{pass: false}
	b.SetGate(gate)

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	b.EmitMessage("tool", "held", "", nil)

	expectNone(t, ch)
	require.Len(t, gate.intercepted, 1)
}

func TestBus_GateSeesStreamLifecycle(t *testing.T) {
	clock := newStubClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	b := New(Config{Clock: clock})
	defer b.Close()

	gate := &heldGate{pass: true}
	b.SetGate(gate)

	b.EmitChunk("s1", "", "hello", false, false)
	b.EmitChunk("s1", "", "", false, true)

	require.Len(t, gate.deltas, 2)
	require.Len(t, gate.finals, 1)
	require.True(t, gate.finals[0].Coalesced.Final)
}

func TestBus_DirectBypassesDedup(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	gate := &heldGate{pass: true}
	direct := b.SetGate(gate)

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	ev := events.Event{
		Type:    events.Message,
		Message: &events.MessagePayload{Role: "assistant", Content: "same"},
	}
	direct.Publish(ev)
	direct.Publish(ev)

	require.Equal(t, "same", recv(t, ch).Message.Content)
	require.Equal(t, "same", recv(t, ch).Message.Content)
	// Direct publication never re-enters the gate.
	require.Empty(t, gate.intercepted)
}

func TestBus_DirectRepublishPreservesArrival(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	direct := b.SetGate(&heldGate{pass: true})

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	direct.Republish(events.Event{
		Type:    events.Message,
		Message: &events.MessagePayload{Role: "tool", Content: "released"},
	}, at)

	ev := recv(t, ch)
	require.Equal(t, at, ev.Arrival)
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	b := New(Config{})

	h, ch := recorder()
	b.Subscribe(events.Message, h)

	b.Close()
	require.Equal(t, 0, b.SubscriberCount(events.Message))

	b.EmitMessage("user", "after close", "", nil)
	expectNone(t, ch)
}
