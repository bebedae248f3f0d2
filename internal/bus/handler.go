package bus

import (
	"reflect"

	"github.com/zjrosen/tern/internal/events"
	"github.com/zjrosen/tern/internal/log"
)

// Handler receives events of the types it subscribed for. A handler
// returning an error (or panicking) never affects other handlers or
// the publisher; the failure is logged and delivery continues.
type Handler interface {
	Handle(ev events.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev events.Event) error

// Handle invokes the function.
func (f HandlerFunc) Handle(ev events.Event) error { return f(ev) }

// handlerKey derives a comparable identity for a handler so Subscribe
// can be idempotent per (type, handler). Funcs and pointers are keyed
// by address; other comparable values are keyed by value.
func handlerKey(h Handler) any {
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return v.Pointer()
	default:
		return h
	}
}

// subscription owns one handler's delivery queue. A dedicated dispatch
// goroutine drains the queue so one subscriber's view of events is
// ordered and its failures stay isolated.
type subscription struct {
	eventType events.Type
	handler   Handler
	ch        chan events.Event
	done      chan struct{}
}

func newSubscription(t events.Type, h Handler, buffer int) *subscription {
	s := &subscription{
		eventType: t,
		handler:   h,
		ch:        make(chan events.Event, buffer),
		done:      make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// dispatch drains the queue until the subscription is stopped.
func (s *subscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			s.invoke(ev)
		}
	}
}

// invoke runs the handler with panic recovery.
func (s *subscription) invoke(ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	if err := s.handler.Handle(ev); err != nil {
		log.ErrorErr(log.CatBus, "handler failed", err, "type", ev.Type)
	}
}

// deliver enqueues the event without blocking. Returns false when the
// subscriber's buffer is full and the event was dropped.
func (s *subscription) deliver(ev events.Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscription) stop() {
	close(s.done)
}
