package systems

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/headless"
)

func newOrchestrator(t *testing.T, opts headless.Options) (*FrameOrchestrator, *headless.Backend) {
	t.Helper()
	b := newHeadless(t, opts)
	o, err := NewFrameOrchestrator(FrameConfig{FramesInFlight: 3}, b, NewTelemetryCollector(TelemetryConfig{}, nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	return o, b
}

func runFrame(t *testing.T, o *FrameOrchestrator) (int, uint64) {
	t.Helper()
	slot, frame, err := o.BeginFrame(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := o.EndFrame(); err != nil {
		t.Fatal(err)
	}
	return slot, frame
}

func TestOutstandingFencesNeverExceedFramesInFlight(t *testing.T) {
	o, b := newOrchestrator(t, headless.Options{Latency: 100})
	for i := 0; i < 20; i++ {
		slot, frame := runFrame(t, o)
		if slot != i%3 || frame != uint64(i) {
			t.Fatalf("frame %d got slot %d index %d", i, slot, frame)
		}
		if n := o.OutstandingFences(); n > 3 {
			t.Fatalf("frame %d: %d outstanding fences", i, n)
		}
		waits := b.Calls().FenceWaits
		if i < 3 && waits != 0 {
			t.Fatalf("frame %d waited before the ring wrapped", i)
		}
		if i >= 3 && waits != int64(i-2) {
			t.Fatalf("frame %d: %d waits, want %d", i, waits, i-2)
		}
	}
}

func TestLastCompletedFrame(t *testing.T) {
	o, b := newOrchestrator(t, headless.Options{Manual: true})
	if _, ok := o.LastCompletedFrame(); ok {
		t.Fatal("completed frame reported before any frame")
	}
	for i := 0; i < 3; i++ {
		runFrame(t, o)
	}
	if _, ok := o.LastCompletedFrame(); ok {
		t.Fatal("completed frame reported while frame 0 is pending")
	}
	if o.OutstandingFences() != 3 {
		t.Fatalf("outstanding = %d", o.OutstandingFences())
	}

	// Frame 1 finishing alone does not make frame 1 the answer while frame 0 is pending.
	b.Complete(o.fences[1], 2)
	if _, ok := o.LastCompletedFrame(); ok {
		t.Fatal("frame 0 still pending")
	}
	b.Complete(o.fences[0], 1)
	if last, ok := o.LastCompletedFrame(); !ok || last != 1 {
		t.Fatalf("last = %d %v, want 1", last, ok)
	}
	b.CompleteAll()
	if last, ok := o.LastCompletedFrame(); !ok || last != 2 {
		t.Fatalf("last = %d %v, want 2", last, ok)
	}
	if o.Slot(2).State != FrameCompleted {
		t.Fatalf("slot 2 state = %s", o.Slot(2).State)
	}
}

func TestBeginFrameWaitHonorsDeadline(t *testing.T) {
	o, b := newOrchestrator(t, headless.Options{Manual: true})
	for i := 0; i < 3; i++ {
		runFrame(t, o)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := o.BeginFrame(ctx); !errors.Is(err, core.ErrFenceTimeout) {
		t.Fatalf("BeginFrame err = %v, want fence timeout", err)
	}
	b.CompleteAll()
	slot, frame, err := o.BeginFrame(context.Background())
	if err != nil || slot != 0 || frame != 3 {
		t.Fatalf("BeginFrame = %d %d %v", slot, frame, err)
	}
	if o.Slot(0).State != FrameRecording {
		t.Fatalf("slot 0 state = %s", o.Slot(0).State)
	}
}

func TestFrameLifecycleMisuse(t *testing.T) {
	o, _ := newOrchestrator(t, headless.Options{})
	if err := o.EndFrame(); err == nil {
		t.Fatal("EndFrame without BeginFrame succeeded")
	}
	o.BeginFrame(context.Background())
	if _, _, err := o.BeginFrame(context.Background()); err == nil {
		t.Fatal("nested BeginFrame succeeded")
	}
}

func TestWaitForIdle(t *testing.T) {
	o, b := newOrchestrator(t, headless.Options{Latency: 5})
	for i := 0; i < 4; i++ {
		runFrame(t, o)
	}
	if err := o.WaitForIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if o.OutstandingFences() != 0 || b.Pending() != 0 {
		t.Fatalf("outstanding = %d pending = %d", o.OutstandingFences(), b.Pending())
	}
	if last, ok := o.LastCompletedFrame(); !ok || last != 3 {
		t.Fatalf("last = %d %v", last, ok)
	}
	o.Close()
}

// lostSignal fails the fence signal for one value, as a lost device would.
type lostSignal struct {
	*headless.Backend
	failAt  uint64
	idleErr error
	idles   int
}

func (l *lostSignal) SignalFence(h renderer.FenceHandle, value uint64) error {
	if value == l.failAt {
		return errors.New("device lost")
	}
	return l.Backend.SignalFence(h, value)
}

func (l *lostSignal) WaitIdle() error {
	l.idles++
	if l.idleErr != nil {
		return l.idleErr
	}
	return l.Backend.WaitIdle()
}

func TestFailedSignalKeepsFrameInFlight(t *testing.T) {
	tests := []struct {
		name      string
		idleErr   error
		state     FrameState
		last      uint64
		outstands int
	}{
		{"device idles", nil, FrameCompleted, 3, 0},
		{"device lost", errors.New("device lost"), FrameSubmitted, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb := &lostSignal{Backend: newHeadless(t, headless.Options{Manual: true}), failAt: 4, idleErr: tt.idleErr}
			o, err := NewFrameOrchestrator(FrameConfig{FramesInFlight: 3}, lb, NewTelemetryCollector(TelemetryConfig{}, nil, nil))
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < 3; i++ {
				runFrame(t, o)
			}
			lb.CompleteAll()

			if _, _, err := o.BeginFrame(context.Background()); err != nil {
				t.Fatal(err)
			}
			if err := o.EndFrame(); err == nil {
				t.Fatal("EndFrame hid the failed signal")
			}
			if lb.idles != 1 {
				t.Fatalf("WaitIdle called %d times, want 1", lb.idles)
			}
			if got := o.Slot(0); got.State != tt.state || got.FenceValue != 4 {
				t.Fatalf("slot 0 = %+v, want state %s fence 4", got, tt.state)
			}
			if last, ok := o.LastCompletedFrame(); !ok || last != tt.last {
				t.Fatalf("last = %d %v, want %d", last, ok, tt.last)
			}
			if n := o.OutstandingFences(); n != tt.outstands {
				t.Fatalf("outstanding = %d, want %d", n, tt.outstands)
			}
		})
	}
}
