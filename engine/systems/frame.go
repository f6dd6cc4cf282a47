package systems

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
)

const DefaultFramesInFlight = 3

// FrameState is where a frame slot's occupant is in its life.
type FrameState uint8

const (
	FrameCompleted FrameState = iota
	FrameRecording
	FrameSubmitted
)

func (s FrameState) String() string {
	switch s {
	case FrameRecording:
		return "recording"
	case FrameSubmitted:
		return "submitted"
	}
	return "completed"
}

// FrameRecord describes the frame occupying one ring position.
type FrameRecord struct {
	Frame      uint64
	FenceValue uint64
	Start      time.Time
	State      FrameState
}

type FrameConfig struct {
	FramesInFlight int
}

// FrameOrchestrator keeps a ring of in-flight frames, one fence per slot, and
// decides when the CPU has to wait for the GPU. Only the render thread calls it,
// except FrameIndex which is safe from anywhere.
type FrameOrchestrator struct {
	backend   renderer.GraphicsBackend
	telemetry *TelemetryCollector
	now       func() time.Time

	fences  []renderer.FenceHandle
	slots   []FrameRecord
	counter atomic.Uint64
	current int
	inFrame bool
}

func NewFrameOrchestrator(config FrameConfig, backend renderer.GraphicsBackend, telemetry *TelemetryCollector) (*FrameOrchestrator, error) {
	n := config.FramesInFlight
	if n <= 0 {
		n = DefaultFramesInFlight
	}
	o := &FrameOrchestrator{
		backend:   backend,
		telemetry: telemetry,
		now:       time.Now,
		fences:    make([]renderer.FenceHandle, 0, n),
		slots:     make([]FrameRecord, n),
	}
	for i := 0; i < n; i++ {
		f, err := backend.CreateFence(0)
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("creating fence for frame slot %d: %w", i, err)
		}
		o.fences = append(o.fences, f)
	}
	core.LogInfo("frame orchestrator ready with %d frames in flight", n)
	return o, nil
}

func (o *FrameOrchestrator) FramesInFlight() int { return len(o.slots) }

// FrameIndex is the frame being recorded, or the next one between frames.
func (o *FrameOrchestrator) FrameIndex() uint64 { return o.counter.Load() }

// BeginFrame claims the next ring slot. Once the ring has wrapped it blocks until
// the slot's previous occupant has finished on the GPU. Only ctx cancellation
// bounds the wait.
func (o *FrameOrchestrator) BeginFrame(ctx context.Context) (slot int, frame uint64, err error) {
	if o.inFrame {
		return o.current, o.counter.Load(), errors.New("frame: BeginFrame called twice without EndFrame")
	}
	frame = o.counter.Load()
	slot = int(frame % uint64(len(o.slots)))
	prev := &o.slots[slot]
	if frame >= uint64(len(o.slots)) && prev.State == FrameSubmitted {
		if o.backend.CompletedValue(o.fences[slot]) < prev.FenceValue {
			start := o.now()
			if err := o.backend.WaitFence(ctx, o.fences[slot], prev.FenceValue); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					err = fmt.Errorf("%w: frame %d: %w", core.ErrFenceTimeout, prev.Frame, err)
				}
				return slot, frame, err
			}
			waited := o.now().Sub(start)
			if o.telemetry.RecordFenceWait(waited) {
				core.LogDebug("frame %d waited %s for frame %d", frame, waited, prev.Frame)
			}
		}
		prev.State = FrameCompleted
	}
	o.slots[slot] = FrameRecord{Frame: frame, Start: o.now(), State: FrameRecording}
	o.current = slot
	o.inFrame = true
	return slot, frame, nil
}

// EndFrame signals the slot's fence with frame+1 and advances the frame counter.
// If the signal fails the slot only counts as completed after the backend idles.
func (o *FrameOrchestrator) EndFrame() error {
	if !o.inFrame {
		return errors.New("frame: EndFrame without BeginFrame")
	}
	rec := &o.slots[o.current]
	value := rec.Frame + 1
	o.inFrame = false
	o.counter.Add(1)
	rec.FenceValue = value
	rec.State = FrameSubmitted
	if err := o.backend.SignalFence(o.fences[o.current], value); err != nil {
		err = fmt.Errorf("signaling frame %d: %w", rec.Frame, err)
		// The frame's work is already queued. Without a fence only a full idle
		// proves it finished; until then the slot stays submitted.
		if werr := o.backend.WaitIdle(); werr != nil {
			return errors.Join(err, fmt.Errorf("waiting for device idle: %w", werr))
		}
		rec.State = FrameCompleted
		return err
	}
	return nil
}

// refresh promotes submitted slots whose fence has been reached.
func (o *FrameOrchestrator) refresh() {
	for i := range o.slots {
		s := &o.slots[i]
		if s.State == FrameSubmitted && o.backend.CompletedValue(o.fences[i]) >= s.FenceValue {
			s.State = FrameCompleted
		}
	}
}

// OutstandingFences counts submitted frames the GPU has not finished.
func (o *FrameOrchestrator) OutstandingFences() int {
	o.refresh()
	n := 0
	for _, s := range o.slots {
		if s.State == FrameSubmitted {
			n++
		}
	}
	return n
}

// LastCompletedFrame returns the newest frame such that it and every frame
// before it have completed on the GPU. It reports false before that is true of
// any frame.
func (o *FrameOrchestrator) LastCompletedFrame() (uint64, bool) {
	o.refresh()
	submitted := o.counter.Load()
	if submitted == 0 {
		return 0, false
	}
	last := submitted - 1
	for _, s := range o.slots {
		if s.State != FrameSubmitted {
			continue
		}
		if s.Frame == 0 {
			return 0, false
		}
		if s.Frame-1 < last {
			last = s.Frame - 1
		}
	}
	return last, true
}

// Slot returns a copy of the record at ring position i.
func (o *FrameOrchestrator) Slot(i int) FrameRecord {
	return o.slots[i]
}

// WaitForIdle blocks until the most recent frame finished and the backend is idle.
func (o *FrameOrchestrator) WaitForIdle(ctx context.Context) error {
	var errs []error
	if n := o.counter.Load(); n > 0 {
		slot := int((n - 1) % uint64(len(o.slots)))
		if o.slots[slot].State == FrameSubmitted {
			if err := o.backend.WaitFence(ctx, o.fences[slot], o.slots[slot].FenceValue); err != nil {
				errs = append(errs, fmt.Errorf("waiting for frame %d: %w", n-1, err))
			}
		}
	}
	if err := o.backend.WaitIdle(); err != nil {
		errs = append(errs, fmt.Errorf("waiting for device idle: %w", err))
	}
	if len(errs) == 0 {
		for i := range o.slots {
			if o.slots[i].State == FrameSubmitted {
				o.slots[i].State = FrameCompleted
			}
		}
	}
	return errors.Join(errs...)
}

// Close destroys the slot fences. Call after WaitForIdle.
func (o *FrameOrchestrator) Close() {
	for _, f := range o.fences {
		o.backend.DestroyFence(f)
	}
	o.fences = o.fences[:0]
}
