package events

import "testing"

func TestBusDeliversToSubscribedType(t *testing.T) {
	bus := NewBus()

	var got []Event
	set := bus.Acquire()
	defer set.Release()
	set.On(TypeDone, func(ev Event) { got = append(got, ev) })

	bus.Publish(Done{SessionID: "s1"})
	bus.Publish(Aborted{SessionID: "s1"}) // no handler, dropped

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Session() != "s1" {
		t.Errorf("session = %q", got[0].Session())
	}
}

func TestBusMultipleSets(t *testing.T) {
	bus := NewBus()

	var a, b int
	setA := bus.Acquire()
	defer setA.Release()
	setA.On(TypeDone, func(Event) { a++ })

	setB := bus.Acquire()
	defer setB.Release()
	setB.On(TypeDone, func(Event) { b++ })

	bus.Publish(Done{SessionID: "s1"})
	if a != 1 || b != 1 {
		t.Errorf("a = %d, b = %d, want 1 each", a, b)
	}
}

func TestSubscriptionSetReplacesHandler(t *testing.T) {
	bus := NewBus()

	var first, second int
	set := bus.Acquire()
	defer set.Release()
	set.On(TypeDone, func(Event) { first++ })
	set.On(TypeDone, func(Event) { second++ })

	bus.Publish(Done{SessionID: "s1"})
	if first != 0 || second != 1 {
		t.Errorf("first = %d, second = %d; replacement should win", first, second)
	}
}

func TestReleaseStopsDelivery(t *testing.T) {
	bus := NewBus()

	var calls int
	set := bus.Acquire()
	set.On(TypeDone, func(Event) { calls++ })

	set.Release()
	set.Release() // idempotent

	bus.Publish(Done{SessionID: "s1"})
	if calls != 0 {
		t.Errorf("released handler called %d times", calls)
	}

	// On after Release is a no-op.
	set.On(TypeAborted, func(Event) { calls++ })
	bus.Publish(Aborted{SessionID: "s1"})
	if calls != 0 {
		t.Errorf("handler registered after release called %d times", calls)
	}
}
