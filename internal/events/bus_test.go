package events

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// testHandler is a configurable handler for testing.
type testHandler struct {
	id       string
	handles  []Type
	priority int
	fn       func(ctx context.Context, event *Event) error
}

func (h *testHandler) ID() string      { return h.id }
func (h *testHandler) Handles() []Type { return h.handles }
func (h *testHandler) Priority() int   { return h.priority }

func (h *testHandler) Handle(ctx context.Context, event *Event) error {
	if h.fn != nil {
		return h.fn(ctx, event)
	}
	return nil
}

func TestDispatchNilEvent(t *testing.T) {
	bus := New(nil)
	if err := bus.Dispatch(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil event")
	}
}

func TestDispatchMatchingHandlers(t *testing.T) {
	bus := New(nil)
	var called []string

	bus.Register(&testHandler{
		id:       "lifecycle",
		handles:  []Type{TypeChannelDeployed, TypeChannelUndeployed},
		priority: 10,
		fn: func(ctx context.Context, event *Event) error {
			called = append(called, "lifecycle")
			return nil
		},
	})
	bus.Register(&testHandler{
		id:       "connection",
		handles:  []Type{TypeConnection},
		priority: 10,
		fn: func(ctx context.Context, event *Event) error {
			called = append(called, "connection")
			return nil
		},
	})

	err := bus.Dispatch(context.Background(), NewChannelEvent(TypeChannelDeployed, "chan-a", "Intake"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(called) != 1 || called[0] != "lifecycle" {
		t.Errorf("expected [lifecycle], got %v", called)
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	bus := New(nil)
	var order []int

	for _, p := range []int{30, 10, 20} {
		p := p
		bus.Register(&testHandler{
			id:       fmt.Sprintf("h%d", p),
			handles:  []Type{TypeChannelStarted},
			priority: p,
			fn: func(ctx context.Context, event *Event) error {
				order = append(order, p)
				return nil
			},
		})
	}

	if err := bus.Dispatch(context.Background(), NewChannelEvent(TypeChannelStarted, "c", "C")); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(order) != 3 || order[0] != 10 || order[1] != 20 || order[2] != 30 {
		t.Errorf("priority order = %v, want [10 20 30]", order)
	}
}

func TestDispatchHandlerErrorDoesNotStopChain(t *testing.T) {
	bus := New(nil)
	var reached bool

	bus.Register(&testHandler{
		id: "failing", handles: []Type{TypeMessageError}, priority: 1,
		fn: func(ctx context.Context, event *Event) error {
			return fmt.Errorf("handler exploded")
		},
	})
	bus.Register(&testHandler{
		id: "after", handles: []Type{TypeMessageError}, priority: 2,
		fn: func(ctx context.Context, event *Event) error {
			reached = true
			return nil
		},
	})

	if err := bus.Dispatch(context.Background(), &Event{Type: TypeMessageError, Time: time.Now()}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !reached {
		t.Error("handler chain stopped on error")
	}
}

func TestDispatchCancelledContext(t *testing.T) {
	bus := New(nil)
	bus.Register(&testHandler{
		id: "never", handles: []Type{TypeConnection}, priority: 1,
		fn: func(ctx context.Context, event *Event) error {
			t.Error("handler should not run with cancelled context")
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Dispatch(ctx, NewConnectionEvent("c", 0, "Source", StateIdle)); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestSubscribe(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	ev := NewConnectionEvent("chan-a", 1, "Dest 1", StateSending)
	if err := bus.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case got := <-ch:
		if got.State != StateSending || got.MetaDataID != 1 {
			t.Errorf("subscriber got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestSubscribeFullBufferDropsNotBlocks(t *testing.T) {
	bus := New(nil)
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			bus.Dispatch(context.Background(), NewConnectionEvent("c", 0, "Source", StateReading))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Errorf("buffer holds %d, want 1", len(ch))
	}
}

func TestSubscribeCancelTwice(t *testing.T) {
	bus := New(nil)
	_, cancel := bus.Subscribe(1)
	cancel()
	cancel() // must not panic on double close
}
