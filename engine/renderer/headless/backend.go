// Package headless is a software GraphicsBackend. It creates no native objects:
// handles are counters, fences complete after a configurable number of signals
// and every call is counted so callers can observe exactly what reached the backend.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

const Name = "headless"

// ErrInjected is returned by operations the test asked to fail.
var ErrInjected = errors.New("headless: injected failure")

func init() {
	renderer.Register(Name, func() renderer.GraphicsBackend { return New(Options{}) })
}

// Options tune the simulated device.
type Options struct {
	// Latency is how many later fence signals must happen before a signal completes.
	// Zero completes every signal immediately.
	Latency int
	// Manual disables automatic completion. Fences only advance through Complete,
	// and WaitFence blocks until they do.
	Manual bool
	// FailInitialize makes Initialize return this error.
	FailInitialize error
	// InitWarnings are reported by Warnings after Initialize.
	InitWarnings []string
}

// Calls counts what reached the backend.
type Calls struct {
	Total            int64
	Creates          int64
	Destroys         int64
	PipelineBinds    int64
	LayoutBinds      int64
	VertexBinds      int64
	IndexBinds       int64
	TopologySets     int64
	HeapBinds        int64
	Barriers         int64
	BarrierBatches   int64
	Draws            int64
	DrawsIndexed     int64
	Dispatches       int64
	Copies           int64
	Clears           int64
	Submits          int64
	Presents         int64
	FenceWaits       int64
	WaitIdles        int64
	ViewsCreated     int64
	CommandBuffers   int64
	DynamicStateSets int64
}

type resource struct {
	kind  metadata.ResourceKind
	size  uint64
	label string
}

type fence struct {
	completed uint64
	pending   []pendingSignal
	changed   chan struct{}
}

type pendingSignal struct {
	value uint64
	tick  uint64
}

type heap struct {
	kind     metadata.HeapKind
	capacity uint32
	views    map[uint32]metadata.ResourceHandle
}

// Backend implements renderer.GraphicsBackend.
type Backend struct {
	opts Options

	calls struct {
		total, creates, destroys                                     atomic.Int64
		pipelineBinds, layoutBinds, vertexBinds, indexBinds, topo     atomic.Int64
		heapBinds, barriers, batches, draws, drawsIndexed, dispatches atomic.Int64
		copies, clears, submits, presents, fenceWaits, waitIdles      atomic.Int64
		views, commandBuffers, dynamic                               atomic.Int64
	}

	nextID      atomic.Uint64
	failCreates atomic.Int32

	mu          sync.Mutex
	initialized bool
	warnings    []string
	resources   map[metadata.ResourceHandle]resource
	destroyed   []metadata.ResourceHandle
	fences      map[renderer.FenceHandle]*fence
	tick        uint64
	heaps       map[renderer.HeapHandle]*heap
	buffers     map[bufferKey]*CommandBuffer
	submitted   [][]metadata.CommandBufferKind
}

type bufferKey struct {
	kind metadata.CommandBufferKind
	slot int
}

func New(opts Options) *Backend {
	return &Backend{
		opts:      opts,
		resources: map[metadata.ResourceHandle]resource{},
		fences:    map[renderer.FenceHandle]*fence{},
		heaps:     map[renderer.HeapHandle]*heap{},
		buffers:   map[bufferKey]*CommandBuffer{},
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Initialize(cfg renderer.BackendConfig) error {
	b.count(nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warnings = append(b.warnings[:0], b.opts.InitWarnings...)
	if b.opts.FailInitialize != nil {
		return b.opts.FailInitialize
	}
	b.initialized = true
	core.LogDebug("headless backend initialized for '%s' (%d frames in flight)", cfg.AppName, cfg.FramesInFlight)
	return nil
}

func (b *Backend) Warnings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.warnings...)
}

func (b *Backend) Close() error {
	b.count(nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	b.initialized = false
	if n := len(b.resources); n > 0 {
		return fmt.Errorf("headless: %d native resources still alive at close", n)
	}
	return nil
}

func (b *Backend) WaitIdle() error {
	b.count(&b.calls.waitIdles)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opts.Manual {
		return nil
	}
	for _, f := range b.fences {
		b.completeLocked(f, ^uint64(0))
	}
	return nil
}

func (b *Backend) Present() error {
	b.count(&b.calls.presents)
	return nil
}

// InjectCreateFailures makes the next n resource creations fail.
func (b *Backend) InjectCreateFailures(n int) {
	b.failCreates.Store(int32(n))
}

func (b *Backend) createResource(kind metadata.ResourceKind, size uint64, label string) (metadata.ResourceHandle, error) {
	b.count(&b.calls.creates)
	if b.failCreates.Load() > 0 && b.failCreates.Add(-1) >= 0 {
		return 0, fmt.Errorf("%w: create %s %q", ErrInjected, kind, label)
	}
	h := metadata.ResourceHandle(b.nextID.Add(1))
	b.mu.Lock()
	b.resources[h] = resource{kind: kind, size: size, label: label}
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) CreateBuffer(desc metadata.BufferDescriptor, label string) (metadata.ResourceHandle, error) {
	if desc.Size == 0 {
		b.count(&b.calls.creates)
		return 0, fmt.Errorf("headless: zero-sized buffer %q", label)
	}
	return b.createResource(metadata.ResourceKindBuffer, desc.Size, label)
}

func (b *Backend) CreateTexture(desc metadata.TextureDescriptor, label string) (metadata.ResourceHandle, error) {
	if desc.Width == 0 || desc.Height == 0 {
		b.count(&b.calls.creates)
		return 0, fmt.Errorf("headless: texture %q has no extent", label)
	}
	return b.createResource(desc.Kind, desc.Footprint(), label)
}

func (b *Backend) CreateSampler(desc metadata.SamplerDescriptor, label string) (metadata.ResourceHandle, error) {
	return b.createResource(metadata.ResourceKindSampler, 0, label)
}

func (b *Backend) DestroyResource(handle metadata.ResourceHandle) {
	b.count(&b.calls.destroys)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.resources[handle]; !ok {
		core.LogWarn("headless: destroy of unknown handle %d", handle)
		return
	}
	delete(b.resources, handle)
	b.destroyed = append(b.destroyed, handle)
}

// Destroyed returns every handle passed to DestroyResource, in order.
func (b *Backend) Destroyed() []metadata.ResourceHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]metadata.ResourceHandle(nil), b.destroyed...)
}

// Alive reports whether handle was created and not yet destroyed.
func (b *Backend) Alive(handle metadata.ResourceHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.resources[handle]
	return ok
}

func (b *Backend) LiveResources() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.resources)
}

func (b *Backend) CreateFence(initial uint64) (renderer.FenceHandle, error) {
	b.count(&b.calls.creates)
	h := renderer.FenceHandle(b.nextID.Add(1))
	b.mu.Lock()
	b.fences[h] = &fence{completed: initial, changed: make(chan struct{})}
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) DestroyFence(f renderer.FenceHandle) {
	b.count(&b.calls.destroys)
	b.mu.Lock()
	delete(b.fences, f)
	b.mu.Unlock()
}

// SignalFence queues value on the fence. Every signal is one GPU tick: queued
// values older than the configured latency complete.
func (b *Backend) SignalFence(h renderer.FenceHandle, value uint64) error {
	b.count(nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.fences[h]
	if !ok {
		return fmt.Errorf("headless: signal of unknown fence %d", h)
	}
	b.tick++
	f.pending = append(f.pending, pendingSignal{value: value, tick: b.tick})
	if !b.opts.Manual {
		b.advanceLocked()
	}
	return nil
}

func (b *Backend) advanceLocked() {
	for _, f := range b.fences {
		n := 0
		for _, p := range f.pending {
			if p.tick+uint64(b.opts.Latency) <= b.tick {
				b.setCompletedLocked(f, p.value)
				continue
			}
			f.pending[n] = p
			n++
		}
		f.pending = f.pending[:n]
	}
}

func (b *Backend) setCompletedLocked(f *fence, value uint64) {
	if value > f.completed {
		f.completed = value
		close(f.changed)
		f.changed = make(chan struct{})
	}
}

// completeLocked retires every pending signal up to value.
func (b *Backend) completeLocked(f *fence, value uint64) {
	n := 0
	for _, p := range f.pending {
		if p.value <= value {
			b.setCompletedLocked(f, p.value)
			continue
		}
		f.pending[n] = p
		n++
	}
	f.pending = f.pending[:n]
}

// Complete retires pending signals up to value, the way the GPU would.
func (b *Backend) Complete(h renderer.FenceHandle, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.fences[h]; ok {
		b.completeLocked(f, value)
	}
}

// CompleteAll retires every pending signal on every fence.
func (b *Backend) CompleteAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.fences {
		b.completeLocked(f, ^uint64(0))
	}
}

// Pending is the number of signals not yet completed across all fences.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, f := range b.fences {
		n += len(f.pending)
	}
	return n
}

func (b *Backend) CompletedValue(h renderer.FenceHandle) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.fences[h]; ok {
		return f.completed
	}
	return 0
}

func (b *Backend) WaitFence(ctx context.Context, h renderer.FenceHandle, value uint64) error {
	b.count(&b.calls.fenceWaits)
	for {
		b.mu.Lock()
		f, ok := b.fences[h]
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("headless: wait on unknown fence %d", h)
		}
		if f.completed >= value {
			b.mu.Unlock()
			return nil
		}
		if !b.opts.Manual {
			// The CPU blocking on the GPU lets the queued work drain.
			b.completeLocked(f, value)
			if f.completed >= value {
				b.mu.Unlock()
				return nil
			}
		}
		changed := f.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Backend) CreateDescriptorHeap(kind metadata.HeapKind, capacity uint32) (renderer.HeapHandle, error) {
	b.count(&b.calls.creates)
	if capacity == 0 {
		return 0, errors.New("headless: descriptor heap with zero capacity")
	}
	h := renderer.HeapHandle(b.nextID.Add(1))
	b.mu.Lock()
	b.heaps[h] = &heap{kind: kind, capacity: capacity, views: map[uint32]metadata.ResourceHandle{}}
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) DestroyDescriptorHeap(h renderer.HeapHandle) {
	b.count(&b.calls.destroys)
	b.mu.Lock()
	delete(b.heaps, h)
	b.mu.Unlock()
}

func (b *Backend) writeView(h renderer.HeapHandle, want metadata.HeapKind, index uint32, res metadata.ResourceHandle) error {
	b.count(&b.calls.views)
	b.mu.Lock()
	defer b.mu.Unlock()
	hp, ok := b.heaps[h]
	if !ok || hp.kind != want {
		return fmt.Errorf("headless: bad heap %d for view", h)
	}
	if index >= hp.capacity {
		return fmt.Errorf("headless: view index %d past heap capacity %d", index, hp.capacity)
	}
	if _, ok := b.resources[res]; !ok {
		return fmt.Errorf("headless: view of unknown resource %d", res)
	}
	hp.views[index] = res
	return nil
}

func (b *Backend) CreateShaderResourceView(h renderer.HeapHandle, index uint32, res metadata.ResourceHandle) error {
	return b.writeView(h, metadata.HeapKindResource, index, res)
}

func (b *Backend) CreateSamplerView(h renderer.HeapHandle, index uint32, sampler metadata.ResourceHandle) error {
	return b.writeView(h, metadata.HeapKindSampler, index, sampler)
}

// View returns what the heap slot points at.
func (b *Backend) View(h renderer.HeapHandle, index uint32) (metadata.ResourceHandle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	hp, ok := b.heaps[h]
	if !ok {
		return 0, false
	}
	r, ok := hp.views[index]
	return r, ok
}

func (b *Backend) AcquireCommandBuffer(kind metadata.CommandBufferKind, slot int) (renderer.CommandBuffer, error) {
	b.count(&b.calls.commandBuffers)
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bufferKey{kind: kind, slot: slot}
	cb, ok := b.buffers[key]
	if !ok {
		cb = &CommandBuffer{backend: b, kind: kind, slot: slot}
		b.buffers[key] = cb
	}
	cb.reset()
	return cb, nil
}

func (b *Backend) Submit(buffers []renderer.CommandBuffer) error {
	b.count(&b.calls.submits)
	kinds := make([]metadata.CommandBufferKind, 0, len(buffers))
	for _, buf := range buffers {
		cb, ok := buf.(*CommandBuffer)
		if !ok {
			return fmt.Errorf("headless: foreign command buffer %T", buf)
		}
		if cb.state != stateEnded {
			return fmt.Errorf("headless: submit of %s buffer that was not ended", cb.kind)
		}
		cb.state = stateSubmitted
		kinds = append(kinds, cb.kind)
	}
	b.mu.Lock()
	b.submitted = append(b.submitted, kinds)
	b.mu.Unlock()
	return nil
}

// Submitted returns the kinds of every submitted batch, in order.
func (b *Backend) Submitted() [][]metadata.CommandBufferKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]metadata.CommandBufferKind, len(b.submitted))
	copy(out, b.submitted)
	return out
}

// CommandBufferFor returns the buffer last handed out for kind and slot.
func (b *Backend) CommandBufferFor(kind metadata.CommandBufferKind, slot int) *CommandBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffers[bufferKey{kind: kind, slot: slot}]
}

func (b *Backend) count(c *atomic.Int64) {
	b.calls.total.Add(1)
	if c != nil {
		c.Add(1)
	}
}

// Calls returns a snapshot of the call counters.
func (b *Backend) Calls() Calls {
	c := &b.calls
	return Calls{
		Total:            c.total.Load(),
		Creates:          c.creates.Load(),
		Destroys:         c.destroys.Load(),
		PipelineBinds:    c.pipelineBinds.Load(),
		LayoutBinds:      c.layoutBinds.Load(),
		VertexBinds:      c.vertexBinds.Load(),
		IndexBinds:       c.indexBinds.Load(),
		TopologySets:     c.topo.Load(),
		HeapBinds:        c.heapBinds.Load(),
		Barriers:         c.barriers.Load(),
		BarrierBatches:   c.batches.Load(),
		Draws:            c.draws.Load(),
		DrawsIndexed:     c.drawsIndexed.Load(),
		Dispatches:       c.dispatches.Load(),
		Copies:           c.copies.Load(),
		Clears:           c.clears.Load(),
		Submits:          c.submits.Load(),
		Presents:         c.presents.Load(),
		FenceWaits:       c.fenceWaits.Load(),
		WaitIdles:        c.waitIdles.Load(),
		ViewsCreated:     c.views.Load(),
		CommandBuffers:   c.commandBuffers.Load(),
		DynamicStateSets: c.dynamic.Load(),
	}
}
