package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/aristath/multiworker/internal/task"
	"github.com/aristath/multiworker/internal/telemetry"
)

// TestPublishSubscribe verifies basic publish/subscribe functionality.
func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskStartedEvent{
		ID:        "Worker-1",
		Stage:     "worker",
		Model:     "gpt-5",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "Worker-1" {
			t.Errorf("expected task ID 'Worker-1', got '%s'", received.TaskID())
		}
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("expected event type '%s', got '%s'", EventTypeTaskStarted, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies multiple subscribers receive the same event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)

	bus.Publish(TopicTask, TaskCompletedEvent{
		ID:        "Worker-2",
		Usage:     task.Usage{TotalTokens: 12},
		Duration:  100 * time.Millisecond,
		Timestamp: time.Now(),
	})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "Worker-2" {
				t.Errorf("subscriber %d: expected task ID 'Worker-2', got '%s'", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestNonBlockingSend verifies that publishing doesn't block when channels are full.
func TestNonBlockingSend(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan bool)
	go func() {
		for i := range 10 {
			bus.Publish(TopicTask, TaskRetryingEvent{
				ID:        fmt.Sprintf("Worker-%d", i),
				Attempt:   1,
				Delay:     time.Second,
				Timestamp: time.Now(),
			})
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publisher blocked (expected non-blocking behavior)")
	}

	select {
	case received := <-ch:
		if received == nil {
			t.Error("received nil event")
		}
	default:
		t.Error("expected at least one event in buffer")
	}

	if dropped := bus.Unsubscribe(ch); dropped != 9 {
		t.Errorf("dropped = %d, want 9 with a one-slot buffer", dropped)
	}
}

// TestDroppedCountsPerSubscriber verifies a full buffer only costs its own
// subscriber events.
func TestDroppedCountsPerSubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	slow := bus.SubscribeAll(2)
	fast := bus.Subscribe(TopicTurn, 10)
	other := bus.Subscribe(TopicTask, 1)

	for range 5 {
		bus.Publish(TopicTurn, TurnFinishedEvent{Answer: "x"})
	}

	if got := len(fast); got != 5 {
		t.Errorf("fast subscriber buffered %d events, want 5", got)
	}
	if got := bus.Unsubscribe(slow); got != 3 {
		t.Errorf("slow subscriber dropped %d, want 3", got)
	}
	if got := bus.Unsubscribe(fast); got != 0 {
		t.Errorf("fast subscriber dropped %d, want 0", got)
	}
	if got := bus.Unsubscribe(other); got != 0 {
		t.Errorf("subscriber of another topic dropped %d, want 0", got)
	}
}

// TestCloseSignalsSubscribers verifies that closing the bus closes subscriber channels.
func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)

	bus.Close()

	received := 0
	for range ch {
		received++
	}
	if received != 0 {
		t.Errorf("expected 0 events after close, got %d", received)
	}

	// Idempotent
	bus.Close()
}

// TestPublishAfterClose verifies publishing after close doesn't panic.
func TestPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicTask, 10)

	bus.Close()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("publishing after close caused panic: %v", r)
		}
	}()

	bus.Publish(TopicTask, TaskFailedEvent{ID: "Worker-1", Err: "boom", Timestamp: time.Now()})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after bus was closed")
		}
	default:
	}
}

// TestMultipleTopics verifies topic isolation.
func TestMultipleTopics(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	taskCh := bus.Subscribe(TopicTask, 10)
	turnCh := bus.Subscribe(TopicTurn, 10)

	bus.Publish(TopicTask, TaskStartedEvent{ID: "Worker-1", Timestamp: time.Now()})
	bus.Publish(TopicTurn, TurnFinishedEvent{Answer: "done", Timestamp: time.Now()})

	select {
	case received := <-taskCh:
		if received.EventType() != EventTypeTaskStarted {
			t.Errorf("task channel: expected task event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("task channel: timeout waiting for event")
	}

	select {
	case received := <-turnCh:
		if received.EventType() != EventTypeTurnFinished {
			t.Errorf("turn channel: expected turn event, got %s", received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("turn channel: timeout waiting for event")
	}

	select {
	case <-taskCh:
		t.Error("task channel received unexpected event")
	case <-turnCh:
		t.Error("turn channel received unexpected event")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestSubscribeAll verifies that SubscribeAll receives events from all topics.
func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	allCh := bus.SubscribeAll(20)

	bus.Publish(TopicTask, TaskStartedEvent{ID: "Worker-1", Timestamp: time.Now()})
	bus.Publish(TopicTurn, TurnFinishedEvent{Timestamp: time.Now()})

	receivedTypes := make(map[string]bool)
	for range 2 {
		select {
		case received := <-allCh:
			receivedTypes[received.EventType()] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for event")
		}
	}

	if !receivedTypes[EventTypeTaskStarted] {
		t.Error("SubscribeAll did not receive task event")
	}
	if !receivedTypes[EventTypeTurnFinished] {
		t.Error("SubscribeAll did not receive turn event")
	}
}

// TestUnsubscribe verifies a removed channel is closed and receives nothing more,
// while other subscribers keep receiving.
func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	gone := bus.Subscribe(TopicTask, 10)
	kept := bus.Subscribe(TopicTask, 10)
	all := bus.SubscribeAll(10)

	bus.Unsubscribe(gone)
	bus.Unsubscribe(all)

	if _, ok := <-gone; ok {
		t.Fatal("unsubscribed channel still open")
	}
	if _, ok := <-all; ok {
		t.Fatal("unsubscribed all-topic channel still open")
	}

	bus.Publish(TopicTask, TaskStartedEvent{ID: "Worker-1"})

	select {
	case <-kept:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("remaining subscriber did not receive event")
	}

	// Unknown and repeated unsubscribes are ignored; Close must not double-close.
	bus.Unsubscribe(gone)
	bus.Unsubscribe(make(chan Event))
}

// TestDashboardPublisher verifies frames reach TopicTurn with the Final flag.
func TestDashboardPublisher(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTurn, 10)
	pub := NewDashboardPublisher(bus)

	start := time.Unix(0, 0)
	w := task.New("Worker-1", "gpt-5", start)
	_ = w.Succeed("A", task.Usage{}, start)
	synth := task.New("Synthesizer", "gpt-5", start)

	sv := synth.View()
	pub.Render(telemetry.Dashboard{Model: "gpt-5", Workers: []task.View{w.View()}, Synth: &sv})

	_ = synth.Succeed("final", task.Usage{}, start)
	done := synth.View()
	pub.Render(telemetry.Dashboard{Model: "gpt-5", Workers: []task.View{w.View()}, Synth: &done})

	for i, wantFinal := range []bool{false, true} {
		select {
		case ev := <-ch:
			de, ok := ev.(DashboardEvent)
			if !ok {
				t.Fatalf("frame %d: expected DashboardEvent, got %T", i, ev)
			}
			if de.Final != wantFinal {
				t.Errorf("frame %d: Final = %v, want %v", i, de.Final, wantFinal)
			}
			if de.Dashboard.Model != "gpt-5" {
				t.Errorf("frame %d: model = %q", i, de.Dashboard.Model)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("frame %d: timeout", i)
		}
	}
}
