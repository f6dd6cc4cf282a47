package systems

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

// FrameSource supplies the logical frame used to stamp creations and removals.
type FrameSource interface {
	FrameIndex() uint64
}

// EntryInfo describes one registered resource.
type EntryInfo struct {
	ID           metadata.ResourceID
	Handle       metadata.ResourceHandle
	Size         uint64
	Kind         metadata.ResourceKind
	Descriptor   DescriptorIndex
	CreatedFrame uint64
	Label        string
}

// PipelineState is an externally compiled pipeline and the binding layout it expects.
type PipelineState struct {
	Pipeline metadata.ResourceHandle
	Layout   metadata.ResourceHandle
	Compute  bool
}

// PipelineStateHandle identifies a registered pipeline state. Two handles are the
// same state iff they are equal; re-registering an id yields a new handle.
type PipelineStateHandle core.Identifier

// IsValid reports whether h was issued by a registry.
func (h PipelineStateHandle) IsValid() bool { return h.Generation != 0 }

type pipelineEntry struct {
	handle PipelineStateHandle
	state  PipelineState
}

type deferredDestruction struct {
	entry  EntryInfo
	target uint64
}

// RegistryStats is a point-in-time view of the registry.
type RegistryStats struct {
	Live                int
	LiveBytes           uint64
	Pipelines           int
	PendingDestructions int
}

type registrySnapshot struct {
	version   uint64
	entries   map[metadata.ResourceID]EntryInfo
	pipelines map[metadata.ResourceID]pipelineEntry
}

type ResourceRegistryConfig struct {
	FramesInFlight int
}

// ResourceRegistry maps application ids to native resources and defers their
// destruction until the GPU can no longer reference them.
//
// Registration and lookup are safe from any goroutine. Reads first try the
// published snapshot and fall back to the read lock once a write has made it
// stale. Destruction processing belongs to the render thread's frame boundary.
type ResourceRegistry struct {
	backend renderer.GraphicsBackend
	heaps   *DescriptorHeapManager
	memory  *MemoryArenaManager
	frames  FrameSource
	events  *core.EventBus
	ids     *core.IdentifierPool

	framesInFlight uint64

	mu        sync.RWMutex
	version   atomic.Uint64
	snapshot  atomic.Pointer[registrySnapshot]
	entries   map[metadata.ResourceID]EntryInfo
	pipelines map[metadata.ResourceID]pipelineEntry

	pendingMu sync.Mutex
	pending   [][]deferredDestruction
	closed    bool
}

func NewResourceRegistry(config ResourceRegistryConfig, backend renderer.GraphicsBackend, heaps *DescriptorHeapManager, memory *MemoryArenaManager, frames FrameSource, events *core.EventBus) *ResourceRegistry {
	n := config.FramesInFlight
	if n <= 0 {
		n = DefaultFramesInFlight
	}
	r := &ResourceRegistry{
		backend:        backend,
		heaps:          heaps,
		memory:         memory,
		frames:         frames,
		events:         events,
		ids:            core.NewIdentifierPool(64),
		framesInFlight: uint64(n),
		entries:        map[metadata.ResourceID]EntryInfo{},
		pipelines:      map[metadata.ResourceID]pipelineEntry{},
		pending:        make([][]deferredDestruction, n),
	}
	for i := range r.pending {
		r.pending[i] = make([]deferredDestruction, 0, 64)
	}
	r.Refresh()
	return r
}

func defaultLabel(kind metadata.ResourceKind, label string) string {
	if label != "" {
		return label
	}
	return fmt.Sprintf("%s-%s", kind, uuid.NewString())
}

// RegisterBuffer creates a buffer and binds it to id. Storage buffers also get a
// slot in the resource heap.
func (r *ResourceRegistry) RegisterBuffer(id metadata.ResourceID, desc metadata.BufferDescriptor, label string) bool {
	label = defaultLabel(metadata.ResourceKindBuffer, label)
	handle, err := r.backend.CreateBuffer(desc, label)
	if err != nil || handle.IsNull() {
		core.LogError("%s: buffer %d (%s): %v", core.ErrResourceCreation, id, label, err)
		return false
	}
	descriptor := NoDescriptor
	if desc.Usage&metadata.BufferUsageStorage != 0 {
		descriptor = r.allocateView(handle, metadata.ResourceKindBuffer, label)
	}
	r.insert(EntryInfo{
		ID:         id,
		Handle:     handle,
		Size:       desc.Size,
		Kind:       metadata.ResourceKindBuffer,
		Descriptor: descriptor,
		Label:      label,
	})
	return true
}

// RegisterTexture creates a texture, binds it to id and gives it a shader-resource slot.
// A full heap leaves the texture registered without a slot.
func (r *ResourceRegistry) RegisterTexture(id metadata.ResourceID, desc metadata.TextureDescriptor, label string) bool {
	if !desc.Kind.IsTexture() {
		core.LogError("%s: texture %d has non-texture kind %s", core.ErrResourceCreation, id, desc.Kind)
		return false
	}
	label = defaultLabel(desc.Kind, label)
	handle, err := r.backend.CreateTexture(desc, label)
	if err != nil || handle.IsNull() {
		core.LogError("%s: texture %d (%s): %v", core.ErrResourceCreation, id, label, err)
		return false
	}
	r.insert(EntryInfo{
		ID:         id,
		Handle:     handle,
		Size:       desc.Footprint(),
		Kind:       desc.Kind,
		Descriptor: r.allocateView(handle, desc.Kind, label),
		Label:      label,
	})
	return true
}

func (r *ResourceRegistry) RegisterSampler(id metadata.ResourceID, desc metadata.SamplerDescriptor, label string) bool {
	label = defaultLabel(metadata.ResourceKindSampler, label)
	handle, err := r.backend.CreateSampler(desc, label)
	if err != nil || handle.IsNull() {
		core.LogError("%s: sampler %d (%s): %v", core.ErrResourceCreation, id, label, err)
		return false
	}
	r.insert(EntryInfo{
		ID:         id,
		Handle:     handle,
		Kind:       metadata.ResourceKindSampler,
		Descriptor: r.allocateView(handle, metadata.ResourceKindSampler, label),
		Label:      label,
	})
	return true
}

func (r *ResourceRegistry) allocateView(handle metadata.ResourceHandle, kind metadata.ResourceKind, label string) DescriptorIndex {
	if kind == metadata.ResourceKindSampler {
		idx := r.heaps.AllocateSampler()
		if idx == NoDescriptor {
			return NoDescriptor
		}
		if err := r.heaps.WriteSamplerView(idx, handle); err != nil {
			core.LogError("sampler view for %s: %v", label, err)
			r.heaps.FreeSampler(idx)
			return NoDescriptor
		}
		return idx
	}
	idx := r.heaps.AllocateResource()
	if idx == NoDescriptor {
		return NoDescriptor
	}
	if err := r.heaps.WriteResourceView(idx, handle); err != nil {
		core.LogError("resource view for %s: %v", label, err)
		r.heaps.FreeResource(idx)
		return NoDescriptor
	}
	return idx
}

func (r *ResourceRegistry) insert(e EntryInfo) {
	e.CreatedFrame = r.frames.FrameIndex()
	r.memory.TrackAllocation(e.Size)

	r.mu.Lock()
	old, replaced := r.entries[e.ID]
	r.entries[e.ID] = e
	r.version.Add(1)
	r.mu.Unlock()

	if replaced {
		core.LogWarn("resource %d (%s) registered over live %s (%s); old one is retired", e.ID, e.Label, old.Kind, old.Label)
		r.schedule(old)
	}
}

// RegisterPipelineState binds an externally created pipeline to id and returns its handle.
func (r *ResourceRegistry) RegisterPipelineState(id metadata.ResourceID, state PipelineState) PipelineStateHandle {
	h := PipelineStateHandle(r.ids.Acquire(id))

	r.mu.Lock()
	old, replaced := r.pipelines[id]
	r.pipelines[id] = pipelineEntry{handle: h, state: state}
	r.version.Add(1)
	r.mu.Unlock()

	if replaced {
		core.LogWarn("pipeline state %d registered twice; previous handle retired", id)
		if err := r.ids.Release(core.Identifier(old.handle)); err != nil {
			core.LogWarn("pipeline state %d: %v", id, err)
		}
	}
	return h
}

// read runs fn against the freshest view of the maps.
func (r *ResourceRegistry) read(fn func(entries map[metadata.ResourceID]EntryInfo, pipelines map[metadata.ResourceID]pipelineEntry)) {
	if s := r.snapshot.Load(); s != nil && s.version == r.version.Load() {
		fn(s.entries, s.pipelines)
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.entries, r.pipelines)
}

// Refresh republishes the lock-free read snapshot if writes made it stale.
func (r *ResourceRegistry) Refresh() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := r.version.Load()
	if s := r.snapshot.Load(); s != nil && s.version == v {
		return
	}
	s := &registrySnapshot{
		version:   v,
		entries:   make(map[metadata.ResourceID]EntryInfo, len(r.entries)),
		pipelines: make(map[metadata.ResourceID]pipelineEntry, len(r.pipelines)),
	}
	for k, e := range r.entries {
		s.entries[k] = e
	}
	for k, p := range r.pipelines {
		s.pipelines[k] = p
	}
	r.snapshot.Store(s)
}

func (r *ResourceRegistry) Lookup(id metadata.ResourceID) (EntryInfo, bool) {
	var (
		e  EntryInfo
		ok bool
	)
	r.read(func(entries map[metadata.ResourceID]EntryInfo, _ map[metadata.ResourceID]pipelineEntry) {
		e, ok = entries[id]
	})
	return e, ok
}

// GetResource returns the native handle for id, or the null handle.
func (r *ResourceRegistry) GetResource(id metadata.ResourceID) metadata.ResourceHandle {
	e, _ := r.Lookup(id)
	return e.Handle
}

// GetDescriptorIndex returns the bindless slot of id, or NoDescriptor.
func (r *ResourceRegistry) GetDescriptorIndex(id metadata.ResourceID) DescriptorIndex {
	e, ok := r.Lookup(id)
	if !ok {
		return NoDescriptor
	}
	return e.Descriptor
}

// GetPipelineState returns the handle and state registered under id.
func (r *ResourceRegistry) GetPipelineState(id metadata.ResourceID) (PipelineStateHandle, PipelineState, bool) {
	var (
		p  pipelineEntry
		ok bool
	)
	r.read(func(_ map[metadata.ResourceID]EntryInfo, pipelines map[metadata.ResourceID]pipelineEntry) {
		p, ok = pipelines[id]
	})
	return p.handle, p.state, ok
}

// Destroy unregisters id and schedules its native resource for release once
// every frame that might reference it has completed.
func (r *ResourceRegistry) Destroy(id metadata.ResourceID) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.version.Add(1)
	}
	r.mu.Unlock()
	if !ok {
		core.LogWarn("%s: destroy %d", core.ErrInvalidReference, id)
		return false
	}
	r.schedule(e)
	return true
}

// DestroyPipelineState forgets the pipeline registered under id.
func (r *ResourceRegistry) DestroyPipelineState(id metadata.ResourceID) bool {
	r.mu.Lock()
	p, ok := r.pipelines[id]
	if ok {
		delete(r.pipelines, id)
		r.version.Add(1)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := r.ids.Release(core.Identifier(p.handle)); err != nil {
		core.LogWarn("pipeline state %d: %v", id, err)
	}
	return true
}

func (r *ResourceRegistry) schedule(e EntryInfo) {
	target := r.frames.FrameIndex() + r.framesInFlight
	r.pendingMu.Lock()
	if r.closed {
		r.pendingMu.Unlock()
		r.release(e)
		return
	}
	q := target % r.framesInFlight
	r.pending[q] = append(r.pending[q], deferredDestruction{entry: e, target: target})
	r.pendingMu.Unlock()
}

// ProcessDestructions releases every retired resource whose target frame has completed
// and returns how many were released. Releases and their events happen after
// the pending queues are unlocked, so listeners may call back into the registry.
func (r *ResourceRegistry) ProcessDestructions(completedFrame uint64) int {
	r.pendingMu.Lock()
	var ready []EntryInfo
	for qi, q := range r.pending {
		n := 0
		for _, d := range q {
			if d.target <= completedFrame {
				ready = append(ready, d.entry)
				continue
			}
			q[n] = d
			n++
		}
		for i := n; i < len(q); i++ {
			q[i] = deferredDestruction{}
		}
		r.pending[qi] = q[:n]
	}
	r.pendingMu.Unlock()

	for _, e := range ready {
		r.release(e)
	}
	return len(ready)
}

func (r *ResourceRegistry) release(e EntryInfo) {
	r.backend.DestroyResource(e.Handle)
	if e.Descriptor != NoDescriptor {
		if e.Kind == metadata.ResourceKindSampler {
			r.heaps.FreeSampler(e.Descriptor)
		} else {
			r.heaps.FreeResource(e.Descriptor)
		}
	}
	r.memory.TrackDeallocation(e.Size)
	r.events.Fire(core.EventResourceDestroyed, r, core.EventContext{
		Frame:    r.frames.FrameIndex(),
		Resource: uint32(e.ID),
		Bytes:    e.Size,
		Label:    e.Label,
	})
}

func (r *ResourceRegistry) PendingDestructions() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	n := 0
	for _, q := range r.pending {
		n += len(q)
	}
	return n
}

func (r *ResourceRegistry) Stats() RegistryStats {
	s := RegistryStats{PendingDestructions: r.PendingDestructions()}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s.Live = len(r.entries)
	s.Pipelines = len(r.pipelines)
	for _, e := range r.entries {
		s.LiveBytes += e.Size
	}
	return s
}

// Shutdown releases everything immediately. The caller must have idled the GPU.
// Resources still registered are reported as a leak and released anyway.
func (r *ResourceRegistry) Shutdown() error {
	r.pendingMu.Lock()
	var retired []EntryInfo
	for qi, q := range r.pending {
		for _, d := range q {
			retired = append(retired, d.entry)
		}
		r.pending[qi] = q[:0]
	}
	r.closed = true
	r.pendingMu.Unlock()
	for _, e := range retired {
		r.release(e)
	}

	r.mu.Lock()
	live := r.entries
	r.entries = map[metadata.ResourceID]EntryInfo{}
	r.pipelines = map[metadata.ResourceID]pipelineEntry{}
	r.version.Add(1)
	r.mu.Unlock()

	if len(live) == 0 {
		return nil
	}
	leak := &core.LeakError{Subsystem: "resource registry", Count: len(live)}
	for _, e := range live {
		leak.Bytes += e.Size
		r.release(e)
	}
	core.LogWarnFields("resources still registered at shutdown", "count", leak.Count, "bytes", leak.Bytes)
	r.events.Fire(core.EventLeakDetected, r, core.EventContext{Count: int64(leak.Count), Bytes: leak.Bytes, Label: leak.Subsystem})
	return leak
}
