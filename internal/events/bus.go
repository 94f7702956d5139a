// Package events is the engine's in-process event bus. Connectors report
// connection status, the controller reports lifecycle transitions, and
// handlers fan the events out (audit rows, subscribers).
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Handler processes events on the bus. Handlers are called in priority
// order (lower priority value = called earlier) for matching event types.
type Handler interface {
	// ID returns a unique identifier for this handler.
	ID() string

	// Handles returns the event types this handler processes.
	Handles() []Type

	// Priority determines call order. Lower values are called first.
	Priority() int

	// Handle processes a single event. Returning an error logs a warning
	// but does not stop the handler chain.
	Handle(ctx context.Context, event *Event) error
}

// Bus dispatches events to registered handlers, sequentially, in priority
// order. Handler errors are logged and swallowed so one misbehaving handler
// cannot starve the rest.
type Bus struct {
	logger   *slog.Logger
	handlers []Handler
	mu       sync.RWMutex

	subMu   sync.Mutex
	subs    map[int]chan *Event
	nextSub int
}

// New creates a new event bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, subs: make(map[int]chan *Event)}
}

// Register adds a handler to the bus. Handlers are sorted by priority on
// each Dispatch call, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Dispatch sends an event to all registered handlers that handle its type,
// then to subscribers. Subscriber channels that are full are skipped rather
// than blocking the pipeline.
func (b *Bus) Dispatch(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("events: nil event")
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("events: context cancelled: %w", err)
		}
		if err := h.Handle(ctx, event); err != nil {
			b.logger.Warn("event handler error",
				"handler", h.ID(),
				"type", string(event.Type),
				"error", err)
		}
	}

	b.subMu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	b.subMu.Unlock()

	return nil
}

// Handlers returns all registered handlers.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// Subscribe returns a buffered channel receiving every dispatched event,
// and a cancel function that closes it. Slow subscribers miss events
// instead of backpressuring the engine.
func (b *Bus) Subscribe(buffer int) (<-chan *Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *Event, buffer)

	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.subMu.Unlock()

	cancel := func() {
		b.subMu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.subMu.Unlock()
	}
	return ch, cancel
}

// matchingHandlers returns handlers for the given event type, sorted by
// priority (lowest first). Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(eventType Type) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}
