package core

import "sync"

// EventContext carries the payload of a fired event. Only the fields relevant
// to the event code are populated.
type EventContext struct {
	Frame    uint64
	Resource uint32
	Duration float64
	Count    int64
	Bytes    uint64
	Label    string
}

// EventCode identifies a provider lifecycle event. Application codes start at EventCodeUser.
type EventCode uint16

const (
	// A frame slot was acquired.
	/* Context usage:
	 * Frame = frame index
	 */
	EventFrameBegun EventCode = iota + 1

	// A frame was submitted and its fence signaled.
	/* Context usage:
	 * Frame = frame index, Duration = CPU ms
	 */
	EventFrameEnded

	// The frame took longer than the slow threshold.
	EventSlowFrame

	// The frame took longer than the critical threshold.
	EventCriticalFrame

	// A deferred destruction released a native resource.
	/* Context usage:
	 * Resource = registry id, Frame = frame of release
	 */
	EventResourceDestroyed

	// A descriptor heap ran out of slots.
	/* Context usage:
	 * Label = heap name
	 */
	EventHeapExhausted

	// Shutdown found live allocations.
	/* Context usage:
	 * Count = live allocations, Bytes = live bytes, Label = subsystem
	 */
	EventLeakDetected

	// Hot-reloadable configuration was applied.
	EventConfigReloaded

	EventCodeUser EventCode = 0x100
)

// MaxEventCodes bounds the code space of a bus.
const MaxEventCodes = 0x400

// FnOnEvent should return true if the event was handled.
type FnOnEvent func(code EventCode, sender interface{}, listener interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

// EventBus dispatches lifecycle events synchronously on the firing goroutine.
type EventBus struct {
	mu         sync.RWMutex
	registered [MaxEventCodes][]registeredEvent
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

/**
 * Register to listen for when events are sent with the provided code. A listener may be
 * registered only once per code.
 * @param code The event code to listen for.
 * @param listener The listener instance. Can be nil.
 * @param onEvent The callback invoked when the event code is fired.
 * @returns true if the event is successfully registered; otherwise false.
 */
func (b *EventBus) Register(code EventCode, listener interface{}, onEvent FnOnEvent) bool {
	if code >= MaxEventCodes || onEvent == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.registered[code] {
		if e.listener == listener {
			LogWarn("event %d: listener already registered", code)
			return false
		}
	}
	b.registered[code] = append(b.registered[code], registeredEvent{listener: listener, callback: onEvent})
	return true
}

// Unregister removes the listener for code. It returns false when no registration matched.
func (b *EventBus) Unregister(code EventCode, listener interface{}) bool {
	if code >= MaxEventCodes {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.registered[code]
	for i, e := range events {
		if e.listener == listener {
			b.registered[code] = append(events[:i:i], events[i+1:]...)
			return true
		}
	}
	return false
}

/**
 * Fires an event to listeners of the given code. If a handler returns true the event is
 * considered handled and is not passed on to any more listeners.
 * @returns true if handled, otherwise false.
 */
func (b *EventBus) Fire(code EventCode, sender interface{}, data EventContext) bool {
	if b == nil || code >= MaxEventCodes {
		return false
	}
	b.mu.RLock()
	events := b.registered[code]
	b.mu.RUnlock()
	for _, e := range events {
		if e.callback(code, sender, e.listener, data) {
			return true
		}
	}
	return false
}

// Clear drops every registration.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.registered {
		b.registered[i] = nil
	}
}
