// Package bus provides the typed publish/subscribe event bus that ties
// observers to the agent runtime. Subscriptions are keyed by event type with
// a wildcard topic that receives every event. Handlers for a single event run
// concurrently with respect to each other; Publish returns only after all of
// them have terminated, which is the point at which inter-agent causality is
// observable. Handler errors and panics are logged and isolated: they never
// propagate to sibling handlers or to the publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"playbooks.ai/playbooks/runtime/telemetry"
)

type (
	// Handler reacts to published events. Handlers must be comparable values
	// (typically pointers) so they can later be passed to Unsubscribe.
	//
	// HandleEvent may block; the bus runs each handler on its own goroutine
	// and joins them before Publish returns. A handler error is logged with
	// the event type and handler identity and then discarded.
	Handler interface {
		// HandleEvent processes a single event. The context originates from
		// the Publish call and carries its cancellation and deadlines.
		HandleEvent(ctx context.Context, event Event) error
	}

	// Bus is a typed pub/sub event bus with wildcard subscriptions, error
	// isolation and graceful shutdown. The zero value is not usable; call New.
	Bus struct {
		mu      sync.Mutex
		subs    map[EventType][]Handler
		closing bool

		// dispatches tracks in-flight Publish calls so Close can drain them.
		dispatches sync.WaitGroup

		log        telemetry.Logger
		metrics    telemetry.Metrics
		closeGrace time.Duration
	}

	// Option configures a Bus.
	Option func(*Bus)
)

// Wildcard subscribes a handler to every event type.
const Wildcard EventType = "*"

// DefaultCloseGrace bounds how long Close waits for in-flight dispatches.
const DefaultCloseGrace = 5 * time.Second

var (
	// ErrNotSubscribed is returned by Unsubscribe when the handler is not
	// registered for the given event type.
	ErrNotSubscribed = errors.New("handler not subscribed")

	// ErrClosing is returned by Publish once Close has been called.
	ErrClosing = errors.New("event bus is closing")

	// ErrCloseTimeout is returned by Close when in-flight handlers did not
	// terminate within the close grace deadline.
	ErrCloseTimeout = errors.New("event bus close grace elapsed with handlers in flight")
)

// WithLogger sets the logger used to report handler failures.
func WithLogger(log telemetry.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithMetrics sets the metrics recorder used for dispatch instrumentation.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithCloseGrace overrides the drain deadline applied by Close.
func WithCloseGrace(d time.Duration) Option {
	return func(b *Bus) { b.closeGrace = d }
}

// New constructs an event bus ready for immediate use.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[EventType][]Handler),
		log:        telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		closeGrace: DefaultCloseGrace,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers the handler for the given event type. Use Wildcard to
// receive every event. Subscribing during an in-flight Publish does not
// affect that dispatch: the dispatch set is snapshotted before handlers run.
func (b *Bus) Subscribe(t EventType, h Handler) error {
	if h == nil {
		return errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
	return nil
}

// Unsubscribe removes the handler from the given event type. Returns
// ErrNotSubscribed when the handler is not registered under that type.
func (b *Bus) Unsubscribe(t EventType, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := b.subs[t]
	for i, sub := range hs {
		if sub == h {
			b.subs[t] = append(hs[:i:i], hs[i+1:]...)
			return nil
		}
	}
	return ErrNotSubscribed
}

// Publish delivers the event to all handlers registered for its type and to
// all wildcard handlers. Handlers run concurrently; Publish returns after the
// last one terminates. Handler errors are logged and isolated. Returns
// ErrClosing when the bus is shutting down.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return ErrClosing
	}
	targets := make([]Handler, 0, len(b.subs[event.Type()])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[event.Type()]...)
	targets = append(targets, b.subs[Wildcard]...)
	b.dispatches.Add(1)
	b.mu.Unlock()
	defer b.dispatches.Done()

	if len(targets) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, h := range targets {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.metrics.IncCounter("bus_handler_errors", 1, "event", string(event.Type()))
					b.log.Error(ctx, "event handler panicked",
						"event", string(event.Type()),
						"handler", fmt.Sprintf("%T", h),
						"panic", fmt.Sprint(r))
				}
			}()
			if err := h.HandleEvent(ctx, event); err != nil {
				b.metrics.IncCounter("bus_handler_errors", 1, "event", string(event.Type()))
				b.log.Error(ctx, "event handler failed",
					"event", string(event.Type()),
					"handler", fmt.Sprintf("%T", h),
					"err", err.Error())
			}
		}(h)
	}
	wg.Wait()
	b.metrics.IncCounter("bus_events_published", 1, "event", string(event.Type()))
	return nil
}

// Close transitions the bus to the closing state, rejects further publishes
// and drains in-flight dispatches. Dispatches that outlive the close grace
// deadline are abandoned and ErrCloseTimeout is returned. Close is
// idempotent.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.dispatches.Wait()
		close(done)
	}()

	grace := time.NewTimer(b.closeGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
		b.log.Warn(ctx, "event bus close grace elapsed, dropping in-flight handlers")
		return ErrCloseTimeout
	}
}

// HandlerFunc adapts a function to the Handler interface. The returned value
// is a pointer so it is comparable and can be unsubscribed.
func HandlerFunc(fn func(ctx context.Context, event Event) error) Handler {
	return &handlerFunc{fn: fn}
}

type handlerFunc struct {
	fn func(ctx context.Context, event Event) error
}

func (h *handlerFunc) HandleEvent(ctx context.Context, event Event) error {
	return h.fn(ctx, event)
}
