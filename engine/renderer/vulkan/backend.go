// Package vulkan is a GraphicsBackend on a headless Vulkan device. It owns no
// swapchain: Present is a no-op and the application reads results back through
// copies. Pipelines are built by the caller against Device and handed over with
// ImportPipeline.
package vulkan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

const Name = "vulkan"

// ErrNotInitialized is returned by calls made before Initialize or after Close.
var ErrNotInitialized = errors.New("vulkan: backend not initialized")

func init() {
	renderer.Register(Name, func() renderer.GraphicsBackend { return New() })
}

type importedPipeline struct {
	Handle  vk.Pipeline
	Compute bool
}

type bufferKey struct {
	kind metadata.CommandBufferKind
	slot int
}

// Backend implements renderer.GraphicsBackend.
type Backend struct {
	context  *vulkanContext
	locks    *VulkanLockPool
	warnings []string

	nextID atomic.Uint64

	mu          sync.RWMutex
	initialized bool
	buffers     map[metadata.ResourceHandle]*vulkanBuffer
	images      map[metadata.ResourceHandle]*vulkanImage
	samplers    map[metadata.ResourceHandle]vk.Sampler
	pipelines   map[metadata.ResourceHandle]importedPipeline
	layouts     map[metadata.ResourceHandle]vk.PipelineLayout
	fences      map[renderer.FenceHandle]*valueFence
	heaps       map[renderer.HeapHandle]*descriptorHeap
	commands    map[bufferKey]*VulkanCommandBuffer
}

func New() *Backend {
	return &Backend{
		context:   &vulkanContext{},
		locks:     NewVulkanLockPool(),
		buffers:   map[metadata.ResourceHandle]*vulkanBuffer{},
		images:    map[metadata.ResourceHandle]*vulkanImage{},
		samplers:  map[metadata.ResourceHandle]vk.Sampler{},
		pipelines: map[metadata.ResourceHandle]importedPipeline{},
		layouts:   map[metadata.ResourceHandle]vk.PipelineLayout{},
		fences:    map[renderer.FenceHandle]*valueFence{},
		heaps:     map[renderer.HeapHandle]*descriptorHeap{},
		commands:  map[bufferKey]*VulkanCommandBuffer{},
	}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Initialize(cfg renderer.BackendConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return errors.New("vulkan: already initialized")
	}
	if err := loadVulkan(); err != nil {
		return err
	}
	warnings, err := createInstance(b.context, cfg.AppName, cfg.EnableValidation)
	b.warnings = warnings
	if err != nil {
		destroyDevice(b.context)
		return err
	}
	if err := selectPhysicalDevice(b.context); err != nil {
		destroyDevice(b.context)
		return err
	}
	if err := createDevice(b.context); err != nil {
		destroyDevice(b.context)
		return err
	}
	b.locks.SetQueueFamily(b.context.Device.QueueIndex)
	b.initialized = true
	core.LogInfo("Vulkan backend initialized for '%s' (%d frames in flight)", cfg.AppName, cfg.FramesInFlight)
	return nil
}

func (b *Backend) Warnings() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.warnings...)
}

// Close releases every native object. Resources still alive are destroyed and
// reported as an error.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}
	b.initialized = false
	vc := b.context
	vk.DeviceWaitIdle(vc.Device.LogicalDevice)

	leaked := len(b.buffers) + len(b.images) + len(b.samplers)
	for h, buf := range b.buffers {
		buf.destroy(vc)
		delete(b.buffers, h)
	}
	for h, img := range b.images {
		img.destroy(vc)
		delete(b.images, h)
	}
	for h, s := range b.samplers {
		vk.DestroySampler(vc.Device.LogicalDevice, s, vc.Allocator)
		delete(b.samplers, h)
	}
	for k, cb := range b.commands {
		cb.free()
		delete(b.commands, k)
	}
	for h, f := range b.fences {
		f.destroy(vc)
		delete(b.fences, h)
	}
	for h, heap := range b.heaps {
		heap.destroy(vc)
		delete(b.heaps, h)
	}
	// Imported pipelines belong to the caller.
	clear(b.pipelines)
	clear(b.layouts)

	destroyDevice(vc)
	core.LogInfo("Vulkan backend shut down")
	if leaked > 0 {
		return fmt.Errorf("vulkan: %d native resources still alive at close", leaked)
	}
	return nil
}

func (b *Backend) WaitIdle() error {
	if !b.ready() {
		return ErrNotInitialized
	}
	return b.locks.SafeQueueCall(b.context.Device.QueueIndex, func() error {
		if res := vk.DeviceWaitIdle(b.context.Device.LogicalDevice); res != vk.Success {
			return resultError("vkDeviceWaitIdle", res)
		}
		return nil
	})
}

// Present has nothing to present to on a surfaceless device.
func (b *Backend) Present() error { return nil }

func (b *Backend) ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// Device exposes the logical device so callers can build pipelines for ImportPipeline.
func (b *Backend) Device() vk.Device {
	if b.context.Device == nil {
		return nil
	}
	return b.context.Device.LogicalDevice
}

// DescriptorSetLayouts returns the resource and sampler heap layouts, in set
// order, for building pipeline layouts compatible with the bound heaps.
func (b *Backend) DescriptorSetLayouts(resource, sampler renderer.HeapHandle) ([]vk.DescriptorSetLayout, error) {
	r, s := b.heap(resource), b.heap(sampler)
	if r == nil || s == nil {
		return nil, errors.New("vulkan: unknown descriptor heap")
	}
	return []vk.DescriptorSetLayout{r.Layout, s.Layout}, nil
}

// ImportPipeline hands a caller-built pipeline and its layout to the backend
// and returns the handles to register them under. The caller keeps ownership.
func (b *Backend) ImportPipeline(pipeline vk.Pipeline, layout vk.PipelineLayout, compute bool) (metadata.ResourceHandle, metadata.ResourceHandle) {
	ph := metadata.ResourceHandle(b.nextID.Add(1))
	lh := metadata.ResourceHandle(b.nextID.Add(1))
	b.mu.Lock()
	b.pipelines[ph] = importedPipeline{Handle: pipeline, Compute: compute}
	b.layouts[lh] = layout
	b.mu.Unlock()
	return ph, lh
}

// ReleasePipeline forgets imported handles. Call once no frame uses them.
func (b *Backend) ReleasePipeline(pipeline, layout metadata.ResourceHandle) {
	b.mu.Lock()
	delete(b.pipelines, pipeline)
	delete(b.layouts, layout)
	b.mu.Unlock()
}

func (b *Backend) buffer(h metadata.ResourceHandle) *vulkanBuffer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buffers[h]
}

func (b *Backend) image(h metadata.ResourceHandle) *vulkanImage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.images[h]
}

func (b *Backend) pipeline(h metadata.ResourceHandle) (importedPipeline, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.pipelines[h]
	return p, ok
}

func (b *Backend) layout(h metadata.ResourceHandle) (vk.PipelineLayout, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.layouts[h]
	return l, ok
}

func (b *Backend) heap(h renderer.HeapHandle) *descriptorHeap {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.heaps[h]
}

func (b *Backend) fence(h renderer.FenceHandle) *valueFence {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fences[h]
}

func (b *Backend) CreateBuffer(desc metadata.BufferDescriptor, label string) (metadata.ResourceHandle, error) {
	if !b.ready() {
		return 0, ErrNotInitialized
	}
	var buf *vulkanBuffer
	err := b.locks.SafeCall(ResourceManagement, func() (err error) {
		buf, err = createBuffer(b.context, desc, label)
		return err
	})
	if err != nil {
		return 0, err
	}
	h := metadata.ResourceHandle(b.nextID.Add(1))
	b.mu.Lock()
	b.buffers[h] = buf
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) CreateTexture(desc metadata.TextureDescriptor, label string) (metadata.ResourceHandle, error) {
	if !b.ready() {
		return 0, ErrNotInitialized
	}
	var img *vulkanImage
	err := b.locks.SafeCall(ResourceManagement, func() (err error) {
		img, err = createImage(b.context, desc, label)
		return err
	})
	if err != nil {
		return 0, err
	}
	h := metadata.ResourceHandle(b.nextID.Add(1))
	b.mu.Lock()
	b.images[h] = img
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) CreateSampler(desc metadata.SamplerDescriptor, label string) (metadata.ResourceHandle, error) {
	if !b.ready() {
		return 0, ErrNotInitialized
	}
	sampler, err := createSampler(b.context, desc)
	if err != nil {
		return 0, fmt.Errorf("sampler %q: %w", label, err)
	}
	h := metadata.ResourceHandle(b.nextID.Add(1))
	b.mu.Lock()
	b.samplers[h] = sampler
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) DestroyResource(handle metadata.ResourceHandle) {
	b.mu.Lock()
	buf, isBuffer := b.buffers[handle]
	img, isImage := b.images[handle]
	sampler, isSampler := b.samplers[handle]
	delete(b.buffers, handle)
	delete(b.images, handle)
	delete(b.samplers, handle)
	b.mu.Unlock()

	vc := b.context
	b.locks.SafeCall(ResourceManagement, func() error {
		switch {
		case isBuffer:
			buf.destroy(vc)
		case isImage:
			img.destroy(vc)
		case isSampler:
			vk.DestroySampler(vc.Device.LogicalDevice, sampler, vc.Allocator)
		default:
			core.LogWarn("vulkan: destroy of unknown handle %d", handle)
		}
		return nil
	})
}

func (b *Backend) CreateFence(initial uint64) (renderer.FenceHandle, error) {
	if !b.ready() {
		return 0, ErrNotInitialized
	}
	h := renderer.FenceHandle(b.nextID.Add(1))
	b.mu.Lock()
	b.fences[h] = &valueFence{completed: initial}
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) DestroyFence(fence renderer.FenceHandle) {
	b.mu.Lock()
	f, ok := b.fences[fence]
	delete(b.fences, fence)
	b.mu.Unlock()
	if ok {
		f.destroy(b.context)
	}
}

func (b *Backend) SignalFence(fence renderer.FenceHandle, value uint64) error {
	f := b.fence(fence)
	if f == nil {
		return fmt.Errorf("vulkan: signal of unknown fence %d", fence)
	}
	return f.signal(b.context, b.locks, value)
}

func (b *Backend) CompletedValue(fence renderer.FenceHandle) uint64 {
	f := b.fence(fence)
	if f == nil {
		return 0
	}
	return f.completedValue(b.context)
}

func (b *Backend) WaitFence(ctx context.Context, fence renderer.FenceHandle, value uint64) error {
	f := b.fence(fence)
	if f == nil {
		return fmt.Errorf("vulkan: wait on unknown fence %d", fence)
	}
	return f.wait(ctx, b.context, value)
}

func (b *Backend) CreateDescriptorHeap(kind metadata.HeapKind, capacity uint32) (renderer.HeapHandle, error) {
	if !b.ready() {
		return 0, ErrNotInitialized
	}
	if clamped := heapCapacity(b.context.Device.Limits, kind, capacity); clamped != capacity {
		msg := fmt.Sprintf("descriptor heap %d clamped from %d to %d slots by device limits", kind, capacity, clamped)
		core.LogWarn(msg)
		b.mu.Lock()
		b.warnings = append(b.warnings, msg)
		b.mu.Unlock()
		capacity = clamped
	}
	var heap *descriptorHeap
	err := b.locks.SafeCall(DescriptorManagement, func() (err error) {
		heap, err = createDescriptorHeap(b.context, kind, capacity)
		return err
	})
	if err != nil {
		return 0, err
	}
	h := renderer.HeapHandle(b.nextID.Add(1))
	b.mu.Lock()
	b.heaps[h] = heap
	b.mu.Unlock()
	return h, nil
}

func (b *Backend) DestroyDescriptorHeap(heap renderer.HeapHandle) {
	b.mu.Lock()
	h, ok := b.heaps[heap]
	delete(b.heaps, heap)
	b.mu.Unlock()
	if ok {
		b.locks.SafeCall(DescriptorManagement, func() error {
			h.destroy(b.context)
			return nil
		})
	}
}

// CreateShaderResourceView writes a sampled-image view for textures and a
// storage-buffer view for buffers.
// TODO: enable update-after-bind from VK_EXT_descriptor_indexing so views can be written while a recording buffer has the heap bound.
func (b *Backend) CreateShaderResourceView(heap renderer.HeapHandle, index uint32, resource metadata.ResourceHandle) error {
	h := b.heap(heap)
	if h == nil {
		return fmt.Errorf("vulkan: unknown descriptor heap %d", heap)
	}
	img, buf := b.image(resource), b.buffer(resource)
	return b.locks.SafeCall(DescriptorManagement, func() error {
		switch {
		case img != nil:
			return h.writeImage(b.context, index, img)
		case buf != nil:
			return h.writeBuffer(b.context, index, buf)
		}
		return fmt.Errorf("vulkan: view of unknown resource %d", resource)
	})
}

func (b *Backend) CreateSamplerView(heap renderer.HeapHandle, index uint32, sampler metadata.ResourceHandle) error {
	h := b.heap(heap)
	if h == nil {
		return fmt.Errorf("vulkan: unknown descriptor heap %d", heap)
	}
	b.mu.RLock()
	s, ok := b.samplers[sampler]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("vulkan: view of unknown sampler %d", sampler)
	}
	return b.locks.SafeCall(DescriptorManagement, func() error {
		return h.writeSampler(b.context, index, s)
	})
}

// AcquireCommandBuffer allocates a primary buffer per kind and slot on first
// use and resets it on every later acquisition.
func (b *Backend) AcquireCommandBuffer(kind metadata.CommandBufferKind, slot int) (renderer.CommandBuffer, error) {
	if !b.ready() {
		return nil, ErrNotInitialized
	}
	key := bufferKey{kind: kind, slot: slot}
	b.mu.RLock()
	cb, ok := b.commands[key]
	b.mu.RUnlock()
	if !ok {
		created, err := newVulkanCommandBuffer(b, kind, slot)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.commands[key] = created
		b.mu.Unlock()
		cb = created
	}
	if err := cb.reset(); err != nil {
		return nil, err
	}
	return cb, nil
}

// Submit sends the buffers as one batch, in order, on the single queue.
func (b *Backend) Submit(buffers []renderer.CommandBuffer) error {
	if len(buffers) == 0 {
		return nil
	}
	handles := make([]vk.CommandBuffer, 0, len(buffers))
	for _, c := range buffers {
		cb, ok := c.(*VulkanCommandBuffer)
		if !ok {
			return fmt.Errorf("vulkan: foreign command buffer %T", c)
		}
		if cb.State != COMMAND_BUFFER_STATE_RECORDING_ENDED {
			return fmt.Errorf("vulkan: submit of %s buffer that was not ended", cb.kind)
		}
		handles = append(handles, cb.Handle)
	}
	submit := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: uint32(len(handles)),
		PCommandBuffers:    handles,
	}
	err := b.locks.SafeQueueCall(b.context.Device.QueueIndex, func() error {
		if res := vk.QueueSubmit(b.context.Device.Queue, 1, []vk.SubmitInfo{submit}, nil); res != vk.Success {
			return resultError("vkQueueSubmit", res)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range buffers {
		c.(*VulkanCommandBuffer).State = COMMAND_BUFFER_STATE_SUBMITTED
	}
	return nil
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("vulkan: [%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("vulkan: [%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("vulkan: [%s] code %d: %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
