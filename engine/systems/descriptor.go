package systems

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/framekit/engine/containers"
	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

// DescriptorIndex is a slot in a shader-visible heap.
type DescriptorIndex int32

// NoDescriptor marks a resource without a bindless slot.
const NoDescriptor DescriptorIndex = -1

const (
	DefaultResourceHeapCapacity = 1_000_000
	DefaultSamplerHeapCapacity  = 2048
)

type DescriptorHeapConfig struct {
	ResourceCapacity uint32
	SamplerCapacity  uint32
}

type descriptorHeap struct {
	name   string
	handle renderer.HeapHandle
	pool   *containers.IndexPool
}

func (h *descriptorHeap) allocate(events *core.EventBus) DescriptorIndex {
	idx := h.pool.Acquire()
	if idx < 0 {
		core.LogWarn("%s: %s heap (capacity %d)", core.ErrDescriptorHeapExhausted, h.name, h.pool.Capacity())
		events.Fire(core.EventHeapExhausted, h, core.EventContext{Label: h.name})
		return NoDescriptor
	}
	return DescriptorIndex(idx)
}

func (h *descriptorHeap) free(idx DescriptorIndex) bool {
	if idx == NoDescriptor {
		return false
	}
	if !h.pool.Release(int32(idx)) {
		core.LogWarn("descriptor: free of slot %d in %s heap that is not allocated", idx, h.name)
		return false
	}
	return true
}

// DescriptorHeapManager owns the resource-view heap and the sampler heap.
// Allocation and free are lock-free and may be called from any goroutine.
type DescriptorHeapManager struct {
	backend  renderer.GraphicsBackend
	events   *core.EventBus
	resource descriptorHeap
	sampler  descriptorHeap
}

func NewDescriptorHeapManager(backend renderer.GraphicsBackend, config DescriptorHeapConfig, events *core.EventBus) (*DescriptorHeapManager, error) {
	if config.ResourceCapacity == 0 {
		config.ResourceCapacity = DefaultResourceHeapCapacity
	}
	if config.SamplerCapacity == 0 {
		config.SamplerCapacity = DefaultSamplerHeapCapacity
	}
	rh, err := backend.CreateDescriptorHeap(metadata.HeapKindResource, config.ResourceCapacity)
	if err != nil {
		return nil, fmt.Errorf("creating resource descriptor heap: %w", err)
	}
	sh, err := backend.CreateDescriptorHeap(metadata.HeapKindSampler, config.SamplerCapacity)
	if err != nil {
		backend.DestroyDescriptorHeap(rh)
		return nil, fmt.Errorf("creating sampler descriptor heap: %w", err)
	}
	core.LogInfo("descriptor heaps created (resources=%d, samplers=%d)", config.ResourceCapacity, config.SamplerCapacity)
	return &DescriptorHeapManager{
		backend:  backend,
		events:   events,
		resource: descriptorHeap{name: "resource", handle: rh, pool: containers.NewIndexPool(int32(config.ResourceCapacity))},
		sampler:  descriptorHeap{name: "sampler", handle: sh, pool: containers.NewIndexPool(int32(config.SamplerCapacity))},
	}, nil
}

// AllocateResource returns a free resource-view slot or NoDescriptor when the heap is full.
func (m *DescriptorHeapManager) AllocateResource() DescriptorIndex {
	return m.resource.allocate(m.events)
}

// AllocateSampler returns a free sampler slot or NoDescriptor when the heap is full.
func (m *DescriptorHeapManager) AllocateSampler() DescriptorIndex {
	return m.sampler.allocate(m.events)
}

func (m *DescriptorHeapManager) FreeResource(idx DescriptorIndex) bool {
	return m.resource.free(idx)
}

func (m *DescriptorHeapManager) FreeSampler(idx DescriptorIndex) bool {
	return m.sampler.free(idx)
}

func (m *DescriptorHeapManager) InUseResource() int    { return int(m.resource.pool.InUse()) }
func (m *DescriptorHeapManager) InUseSampler() int     { return int(m.sampler.pool.InUse()) }
func (m *DescriptorHeapManager) ResourceCapacity() int { return int(m.resource.pool.Capacity()) }
func (m *DescriptorHeapManager) SamplerCapacity() int  { return int(m.sampler.pool.Capacity()) }

func (m *DescriptorHeapManager) ResourceHeap() renderer.HeapHandle { return m.resource.handle }
func (m *DescriptorHeapManager) SamplerHeap() renderer.HeapHandle  { return m.sampler.handle }

// WriteResourceView points a resource slot at a native texture or buffer.
func (m *DescriptorHeapManager) WriteResourceView(idx DescriptorIndex, res metadata.ResourceHandle) error {
	if idx == NoDescriptor {
		return core.ErrDescriptorHeapExhausted
	}
	return m.backend.CreateShaderResourceView(m.resource.handle, uint32(idx), res)
}

// WriteSamplerView points a sampler slot at a native sampler.
func (m *DescriptorHeapManager) WriteSamplerView(idx DescriptorIndex, sampler metadata.ResourceHandle) error {
	if idx == NoDescriptor {
		return core.ErrDescriptorHeapExhausted
	}
	return m.backend.CreateSamplerView(m.sampler.handle, uint32(idx), sampler)
}

// Bind attaches both heaps to cb. Called once per command buffer acquisition.
func (m *DescriptorHeapManager) Bind(cb renderer.CommandBuffer) {
	cb.SetDescriptorHeaps(m.resource.handle, m.sampler.handle)
}

// Close destroys both heaps. Slots still allocated are reported, not fatal.
func (m *DescriptorHeapManager) Close() error {
	var errs []error
	for _, h := range []*descriptorHeap{&m.resource, &m.sampler} {
		if n := h.pool.InUse(); n > 0 {
			errs = append(errs, &core.LeakError{Subsystem: h.name + " descriptor heap", Count: int(n)})
		}
		if h.handle != 0 {
			m.backend.DestroyDescriptorHeap(h.handle)
			h.handle = 0
		}
		h.pool.Reset()
	}
	return errors.Join(errs...)
}
