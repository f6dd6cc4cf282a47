package core

import "testing"

func TestEventBusFireStopsWhenHandled(t *testing.T) {
	bus := NewEventBus()
	var calls []string
	first := func(code EventCode, sender, listener interface{}, data EventContext) bool {
		calls = append(calls, "first")
		return data.Frame == 7
	}
	second := func(code EventCode, sender, listener interface{}, data EventContext) bool {
		calls = append(calls, "second")
		return false
	}
	if !bus.Register(EventFrameEnded, "a", first) || !bus.Register(EventFrameEnded, "b", second) {
		t.Fatal("register failed")
	}
	if bus.Register(EventFrameEnded, "a", second) {
		t.Fatal("duplicate listener registered")
	}

	if bus.Fire(EventFrameEnded, nil, EventContext{Frame: 1}) {
		t.Fatal("unhandled event reported handled")
	}
	if !bus.Fire(EventFrameEnded, nil, EventContext{Frame: 7}) {
		t.Fatal("handled event reported unhandled")
	}
	want := []string{"first", "second", "first"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestEventBusUnregister(t *testing.T) {
	bus := NewEventBus()
	hits := 0
	cb := func(EventCode, interface{}, interface{}, EventContext) bool { hits++; return false }
	bus.Register(EventSlowFrame, "a", cb)
	bus.Register(EventSlowFrame, "b", cb)
	if !bus.Unregister(EventSlowFrame, "a") {
		t.Fatal("unregister failed")
	}
	if bus.Unregister(EventSlowFrame, "a") {
		t.Fatal("second unregister succeeded")
	}
	bus.Fire(EventSlowFrame, nil, EventContext{})
	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
	bus.Clear()
	bus.Fire(EventSlowFrame, nil, EventContext{})
	if hits != 1 {
		t.Fatalf("hits after clear = %d, want 1", hits)
	}
}

func TestNilEventBusFire(t *testing.T) {
	var bus *EventBus
	if bus.Fire(EventFrameBegun, nil, EventContext{}) {
		t.Fatal("nil bus handled event")
	}
}
