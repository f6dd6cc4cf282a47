package renderer

import (
	"context"

	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

// FenceHandle names a backend fence with a monotonically increasing value.
type FenceHandle uint64

// HeapHandle names a shader-visible descriptor table.
type HeapHandle uint64

// BackendConfig is what a backend needs to come up.
type BackendConfig struct {
	AppName          string
	EnableValidation bool
	FramesInFlight   int
}

// GraphicsBackend is the low-level capability set the provider orchestrates.
// Implementations create and destroy native objects and never reason about
// frame lifetimes themselves.
type GraphicsBackend interface {
	Name() string
	Initialize(cfg BackendConfig) error
	// Warnings lists the non-fatal diagnostics gathered while initializing.
	Warnings() []string
	Close() error
	WaitIdle() error
	Present() error

	CreateBuffer(desc metadata.BufferDescriptor, label string) (metadata.ResourceHandle, error)
	CreateTexture(desc metadata.TextureDescriptor, label string) (metadata.ResourceHandle, error)
	CreateSampler(desc metadata.SamplerDescriptor, label string) (metadata.ResourceHandle, error)
	DestroyResource(handle metadata.ResourceHandle)

	CreateFence(initial uint64) (FenceHandle, error)
	DestroyFence(fence FenceHandle)
	SignalFence(fence FenceHandle, value uint64) error
	CompletedValue(fence FenceHandle) uint64
	// WaitFence blocks until the fence reaches value. It only gives up when ctx is done.
	WaitFence(ctx context.Context, fence FenceHandle, value uint64) error

	CreateDescriptorHeap(kind metadata.HeapKind, capacity uint32) (HeapHandle, error)
	DestroyDescriptorHeap(heap HeapHandle)
	CreateShaderResourceView(heap HeapHandle, index uint32, resource metadata.ResourceHandle) error
	CreateSamplerView(heap HeapHandle, index uint32, sampler metadata.ResourceHandle) error

	// AcquireCommandBuffer returns the buffer of the given kind owned by the frame slot,
	// reset and ready for Begin.
	AcquireCommandBuffer(kind metadata.CommandBufferKind, slot int) (CommandBuffer, error)
	Submit(buffers []CommandBuffer) error
}

// CommandBuffer records work for one queue.
type CommandBuffer interface {
	Kind() metadata.CommandBufferKind
	Begin() error
	End() error

	SetDescriptorHeaps(resource, sampler HeapHandle)
	SetPipelineState(pipeline metadata.ResourceHandle)
	SetBindingLayout(layout metadata.ResourceHandle, compute bool)
	SetVertexBuffer(slot uint32, buffer metadata.ResourceHandle, stride uint32)
	SetIndexBuffer(buffer metadata.ResourceHandle, format metadata.IndexFormat)
	SetPrimitiveTopology(topology metadata.PrimitiveTopology)
	SetViewport(viewport metadata.Viewport)
	SetScissor(rect metadata.Rect)
	SetBlendFactor(factor [4]float32)
	SetStencilRef(ref uint32)

	ResourceBarriers(barriers []metadata.Barrier)
	ClearRenderTarget(target metadata.ResourceHandle, color [4]float32)
	ClearDepthStencil(target metadata.ResourceHandle, depth float32, stencil uint8)
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)
	DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32)
	Dispatch(x, y, z uint32)
	CopyBuffer(dst metadata.ResourceHandle, dstOffset uint64, src metadata.ResourceHandle, srcOffset, size uint64)
	CopyTexture(dst, src metadata.ResourceHandle)
}
