package systems

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/framekit/engine/containers"
	"github.com/spaghettifunk/framekit/engine/core"
	fmath "github.com/spaghettifunk/framekit/engine/math"
)

const (
	DefaultSlowFrame          = 16700 * time.Microsecond
	DefaultCriticalFrame      = 33300 * time.Microsecond
	DefaultFenceWaitThreshold = time.Millisecond
)

// histogramBounds are the upper edges of the frame-time buckets. The last bucket is open.
var histogramBounds = []time.Duration{
	4 * time.Millisecond,
	8 * time.Millisecond,
	DefaultSlowFrame,
	DefaultCriticalFrame,
	50 * time.Millisecond,
	100 * time.Millisecond,
}

const HistogramBuckets = 7

type TelemetryConfig struct {
	SlowFrame          time.Duration
	CriticalFrame      time.Duration
	FenceWaitThreshold time.Duration
}

// FrameCounters are the per-frame work counters.
type FrameCounters struct {
	DrawCalls     int64
	StateChanges  int64
	Dispatches    int64
	Copies        int64
	Barriers      int64
	FenceWaits    int64
	FenceWaitTime time.Duration
}

func (c *FrameCounters) add(o FrameCounters) {
	c.DrawCalls += o.DrawCalls
	c.StateChanges += o.StateChanges
	c.Dispatches += o.Dispatches
	c.Copies += o.Copies
	c.Barriers += o.Barriers
	c.FenceWaits += o.FenceWaits
	c.FenceWaitTime += o.FenceWaitTime
}

// TelemetrySnapshot is a copy of the collector state.
type TelemetrySnapshot struct {
	FrameIndex     uint64
	Frames         uint64
	Current        FrameCounters
	LastFrame      FrameCounters
	Totals         FrameCounters
	MinFrameTime   time.Duration
	MaxFrameTime   time.Duration
	AvgFrameTime   time.Duration
	RollingAvgMS   float64
	FPS            float64
	Recent         []time.Duration
	Histogram      [HistogramBuckets]uint64
	SlowFrames     uint64
	CriticalFrames uint64
}

// TelemetryCollector counts the work recorded each frame. Counters are atomics so
// Snapshot can run on any goroutine while the render thread records.
type TelemetryCollector struct {
	events *core.EventBus
	clock  *core.Clock

	frameIndex atomic.Uint64
	draws      atomic.Int64
	states     atomic.Int64
	dispatches atomic.Int64
	copies     atomic.Int64
	barriers   atomic.Int64
	fenceWaits atomic.Int64
	fenceTime  atomic.Int64

	mu             sync.Mutex
	config         TelemetryConfig
	inFrame        bool
	frames         uint64
	last           FrameCounters
	totals         FrameCounters
	minFrame       time.Duration
	maxFrame       time.Duration
	sumFrame       time.Duration
	histogram      [HistogramBuckets]uint64
	slowFrames     uint64
	criticalFrames uint64
	metrics        core.FrameMetrics
	recent         *containers.RingQueue[time.Duration]
}

func NewTelemetryCollector(config TelemetryConfig, clock *core.Clock, events *core.EventBus) *TelemetryCollector {
	if clock == nil {
		clock = core.NewClock()
	}
	t := &TelemetryCollector{
		events: events,
		clock:  clock,
		recent: containers.NewRingQueue[time.Duration](core.AvgCount),
	}
	t.SetThresholds(config)
	return t
}

// SetThresholds replaces the slow/critical/fence-wait thresholds. Zero fields keep their defaults.
func (t *TelemetryCollector) SetThresholds(config TelemetryConfig) {
	config.SlowFrame = fmath.OrDefault(config.SlowFrame, DefaultSlowFrame)
	config.CriticalFrame = fmath.OrDefault(config.CriticalFrame, DefaultCriticalFrame)
	config.FenceWaitThreshold = fmath.OrDefault(config.FenceWaitThreshold, DefaultFenceWaitThreshold)
	t.mu.Lock()
	t.config = config
	t.mu.Unlock()
}

func (t *TelemetryCollector) Thresholds() TelemetryConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// FrameIndex is the logical frame currently being recorded.
func (t *TelemetryCollector) FrameIndex() uint64 {
	return t.frameIndex.Load()
}

// BeginFrame resets the per-frame counters and starts timing frame.
func (t *TelemetryCollector) BeginFrame(frame uint64) {
	t.frameIndex.Store(frame)
	t.draws.Store(0)
	t.states.Store(0)
	t.dispatches.Store(0)
	t.copies.Store(0)
	t.barriers.Store(0)
	t.fenceWaits.Store(0)
	t.fenceTime.Store(0)

	t.mu.Lock()
	t.inFrame = true
	t.mu.Unlock()
	t.clock.Start()
}

func (t *TelemetryCollector) RecordDraw()          { t.draws.Add(1) }
func (t *TelemetryCollector) RecordStateChange()   { t.states.Add(1) }
func (t *TelemetryCollector) RecordDispatch()      { t.dispatches.Add(1) }
func (t *TelemetryCollector) RecordCopy()          { t.copies.Add(1) }
func (t *TelemetryCollector) RecordBarriers(n int) { t.barriers.Add(int64(n)) }

// RecordFenceWait counts a CPU stall on a fence when it exceeds the fence-wait threshold.
func (t *TelemetryCollector) RecordFenceWait(d time.Duration) bool {
	if d < t.Thresholds().FenceWaitThreshold {
		return false
	}
	t.fenceWaits.Add(1)
	t.fenceTime.Add(int64(d))
	return true
}

func (t *TelemetryCollector) current() FrameCounters {
	return FrameCounters{
		DrawCalls:     t.draws.Load(),
		StateChanges:  t.states.Load(),
		Dispatches:    t.dispatches.Load(),
		Copies:        t.copies.Load(),
		Barriers:      t.barriers.Load(),
		FenceWaits:    t.fenceWaits.Load(),
		FenceWaitTime: time.Duration(t.fenceTime.Load()),
	}
}

// EndFrame folds the frame into the totals and classifies its duration.
func (t *TelemetryCollector) EndFrame() time.Duration {
	t.clock.Update()
	elapsed := t.clock.Elapsed()
	counters := t.current()
	frame := t.frameIndex.Load()

	t.mu.Lock()
	if !t.inFrame {
		t.mu.Unlock()
		core.LogWarn("telemetry: EndFrame without BeginFrame")
		return 0
	}
	t.inFrame = false
	t.frames++
	t.last = counters
	t.totals.add(counters)
	if t.frames == 1 || elapsed < t.minFrame {
		t.minFrame = elapsed
	}
	if elapsed > t.maxFrame {
		t.maxFrame = elapsed
	}
	t.sumFrame += elapsed
	t.histogram[fmath.BucketIndex(elapsed, histogramBounds)]++
	t.metrics.Update(elapsed)
	t.recent.Push(elapsed)

	slow, critical := elapsed > t.config.SlowFrame, elapsed > t.config.CriticalFrame
	if critical {
		t.criticalFrames++
	} else if slow {
		t.slowFrames++
	}
	t.mu.Unlock()

	data := core.EventContext{Frame: frame, Duration: float64(elapsed) / float64(time.Millisecond)}
	switch {
	case critical:
		core.LogWarnFields("critical frame",
			"frame", frame,
			"ms", data.Duration,
			"draws", counters.DrawCalls,
			"state_changes", counters.StateChanges,
			"dispatches", counters.Dispatches,
			"copies", counters.Copies,
			"barriers", counters.Barriers,
			"fence_waits", counters.FenceWaits,
		)
		t.events.Fire(core.EventCriticalFrame, t, data)
	case slow:
		core.LogDebug("slow frame %d: %.2fms", frame, data.Duration)
		t.events.Fire(core.EventSlowFrame, t, data)
	}
	return elapsed
}

func (t *TelemetryCollector) Snapshot() TelemetrySnapshot {
	cur := t.current()
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TelemetrySnapshot{
		FrameIndex:     t.frameIndex.Load(),
		Frames:         t.frames,
		Current:        cur,
		LastFrame:      t.last,
		Totals:         t.totals,
		MinFrameTime:   t.minFrame,
		MaxFrameTime:   t.maxFrame,
		Histogram:      t.histogram,
		SlowFrames:     t.slowFrames,
		CriticalFrames: t.criticalFrames,
	}
	s.FPS, s.RollingAvgMS = t.metrics.Frame()
	if t.frames > 0 {
		s.AvgFrameTime = t.sumFrame / time.Duration(t.frames)
	}
	s.Recent = make([]time.Duration, 0, t.recent.Len())
	t.recent.Each(func(d time.Duration) { s.Recent = append(s.Recent, d) })
	return s
}
