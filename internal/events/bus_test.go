package events

import (
	"testing"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(Countdown{StrategyID: "s1", SecondsRemaining: 10, FundingRate: 0.0001})

	for _, ch := range []<-chan Envelope{ch1, ch2} {
		env := <-ch
		if env.Event.Kind() != KindCountdown {
			t.Fatalf("expected countdown, got %s", env.Event.Kind())
		}
		if env.Event.Strategy() != "s1" {
			t.Fatalf("expected strategy s1, got %s", env.Event.Strategy())
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Countdown{StrategyID: "s1", SecondsRemaining: 2})
	bus.Publish(Countdown{StrategyID: "s1", SecondsRemaining: 1})

	env := <-ch
	countdown, ok := env.Event.(Countdown)
	if !ok {
		t.Fatalf("expected Countdown, got %T", env.Event)
	}
	if countdown.SecondsRemaining != 2 {
		t.Fatalf("expected first event retained, got %d", countdown.SecondsRemaining)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected second event dropped, got %#v", extra)
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	// Publishing after cancel must not panic.
	bus.Publish(StrategyError{StrategyID: "s1", Err: "x", Action: "open"})
	cancel()
}
