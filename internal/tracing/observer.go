package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/tern/internal/bus"
	"github.com/zjrosen/tern/internal/events"
	"github.com/zjrosen/tern/internal/log"
	"github.com/zjrosen/tern/internal/pubsub"
)

// Observer maps the bus's event flow onto spans: one span per stream
// session, opened at stream_start and closed when the finalized
// message with the matching stream id is delivered. Discrete events
// are recorded as span events when a session is open, or as standalone
// spans otherwise. It is a plain diagnostic subscriber; it never feeds
// events back into the bus.
type Observer struct {
	tracer trace.Tracer
	cancel context.CancelFunc
	done   chan struct{}
}

// Observe attaches an observer to the bus using the provider's tracer.
// Stop it by calling Close.
func Observe(b *bus.Bus, p *Provider) *Observer {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Observer{
		tracer: p.Tracer(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ch := b.Watch(ctx)
	go o.run(ctx, ch)
	return o
}

func (o *Observer) run(ctx context.Context, ch <-chan pubsub.Envelope[events.Event]) {
	defer close(o.done)

	var (
		streamSpan trace.Span
		streamID   string
	)

	endStream := func() {
		if streamSpan != nil {
			streamSpan.End()
			streamSpan = nil
			streamID = ""
		}
	}
	defer endStream()

	for env := range ch {
		ev := env.Payload
		switch ev.Type {
		case events.StreamStart:
			// A new session while one is open means supersession.
			endStream()
			streamID = ev.Start.StreamID
			_, streamSpan = o.tracer.Start(ctx, "stream.session",
				trace.WithTimestamp(ev.Arrival),
				trace.WithAttributes(
					attribute.String("stream.id", ev.Start.StreamID),
					attribute.String("stream.role", ev.Start.Role),
				))

		case events.StreamCoalesced:
			if streamSpan != nil && ev.Coalesced.StreamID == streamID {
				streamSpan.AddEvent("flush", trace.WithAttributes(
					attribute.Int("chars", len(ev.Coalesced.ContentDelta)),
					attribute.Bool("final", ev.Coalesced.Final),
				))
			}

		case events.Message:
			if streamSpan != nil && ev.Message.StreamID() == streamID {
				streamSpan.SetAttributes(
					attribute.Int("content.chars", len(ev.Message.Content)),
					attribute.Int("turn", ev.Message.Turn),
				)
				endStream()
				continue
			}
			o.record(ctx, "message.delivered", streamSpan,
				attribute.String("role", ev.Message.Role),
				attribute.Int("turn", ev.Message.Turn))

		case events.Status:
			o.record(ctx, "status.delivered", streamSpan,
				attribute.String("status", ev.Status.StatusType))

		case events.Error:
			o.record(ctx, "error.delivered", streamSpan,
				attribute.String("message", ev.Error.Message))
		}
	}
	log.Debug(log.CatTrace, "observer stopped")
}

// record attaches the delivery to the open stream span, or emits a
// standalone zero-duration span when no stream is open.
func (o *Observer) record(ctx context.Context, name string, streamSpan trace.Span, attrs ...attribute.KeyValue) {
	if streamSpan != nil {
		streamSpan.AddEvent(name, trace.WithAttributes(attrs...))
		return
	}
	_, span := o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	span.End()
}

// Close stops the observer and waits for its goroutine to exit.
func (o *Observer) Close() {
	o.cancel()
	<-o.done
}
