package systems

import (
	"errors"
	"fmt"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

const DefaultBarrierBatchSize = 8

type ExecutionConfig struct {
	BarrierBatchSize int
	MaxVertexBuffers int
}

type commandHandler func(e *ExecutionEngine, cmd metadata.Command) bool

// ExecutionEngine records one frame of work. The graphics buffer is acquired at
// frame start; compute and copy buffers are acquired on first use. Pending
// barriers are recorded on the graphics buffer, flushed when the batch fills and
// before any draw, clear, dispatch or copy.
type ExecutionEngine struct {
	backend   renderer.GraphicsBackend
	heaps     *DescriptorHeapManager
	registry  *ResourceRegistry
	telemetry *TelemetryCollector

	slot      int
	recording bool
	buffers   [metadata.CommandBufferKindCount]renderer.CommandBuffer
	caches    [metadata.CommandBufferKindCount]*StateCache
	barriers  []metadata.Barrier
	submit    [metadata.CommandBufferKindCount]renderer.CommandBuffer
	handlers  [metadata.OpcodeCount]commandHandler
}

func NewExecutionEngine(config ExecutionConfig, backend renderer.GraphicsBackend, heaps *DescriptorHeapManager, registry *ResourceRegistry, telemetry *TelemetryCollector) *ExecutionEngine {
	batch := config.BarrierBatchSize
	if batch <= 0 {
		batch = DefaultBarrierBatchSize
	}
	e := &ExecutionEngine{
		backend:   backend,
		heaps:     heaps,
		registry:  registry,
		telemetry: telemetry,
		barriers:  make([]metadata.Barrier, 0, batch),
	}
	for i := range e.caches {
		e.caches[i] = NewStateCache(config.MaxVertexBuffers)
	}
	e.handlers = [metadata.OpcodeCount]commandHandler{
		metadata.OpSetViewport: func(e *ExecutionEngine, c metadata.Command) bool {
			return e.SetViewport(c.(metadata.SetViewport).Viewport)
		},
		metadata.OpSetScissor: func(e *ExecutionEngine, c metadata.Command) bool {
			return e.SetScissor(c.(metadata.SetScissor).Rect)
		},
		metadata.OpSetBlendFactor: func(e *ExecutionEngine, c metadata.Command) bool {
			return e.SetBlendFactor(c.(metadata.SetBlendFactor).Factor)
		},
		metadata.OpSetStencilRef: func(e *ExecutionEngine, c metadata.Command) bool {
			return e.SetStencilRef(c.(metadata.SetStencilRef).Ref)
		},
		metadata.OpSetPipelineState: func(e *ExecutionEngine, c metadata.Command) bool {
			return e.SetPipelineState(c.(metadata.SetPipelineState).Pipeline)
		},
		metadata.OpSetVertexBuffer: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.SetVertexBuffer)
			return e.SetVertexBuffer(v.Slot, v.Buffer, v.Stride)
		},
		metadata.OpSetIndexBuffer: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.SetIndexBuffer)
			return e.SetIndexBuffer(v.Buffer, v.Format)
		},
		metadata.OpSetPrimitiveTopology: func(e *ExecutionEngine, c metadata.Command) bool {
			return e.SetPrimitiveTopology(c.(metadata.SetPrimitiveTopology).Topology)
		},
		metadata.OpTransition: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.Transition)
			return e.Transition(v.Resource, v.Before, v.After)
		},
		metadata.OpClearRenderTarget: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.ClearRenderTarget)
			return e.ClearRenderTarget(v.Target, v.Color)
		},
		metadata.OpClearDepthStencil: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.ClearDepthStencil)
			return e.ClearDepthStencil(v.Target, v.Depth, v.Stencil)
		},
		metadata.OpCopyBuffer: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.CopyBuffer)
			return e.CopyBuffer(v.Dst, v.DstOffset, v.Src, v.SrcOffset, v.Size)
		},
		metadata.OpCopyTexture: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.CopyTexture)
			return e.CopyTexture(v.Dst, v.Src)
		},
		metadata.OpDraw: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.Draw)
			return e.ExecuteDraw(v.Pipeline, v.VertexCount, v.InstanceCount, v.FirstVertex, v.FirstInstance)
		},
		metadata.OpDrawIndexed: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.DrawIndexed)
			return e.ExecuteDrawIndexed(v.Pipeline, v.IndexCount, v.InstanceCount, v.FirstIndex, v.BaseVertex, v.FirstInstance)
		},
		metadata.OpDispatch: func(e *ExecutionEngine, c metadata.Command) bool {
			v := c.(metadata.Dispatch)
			return e.ExecuteDispatch(v.Pipeline, v.X, v.Y, v.Z)
		},
	}
	return e
}

// BeginFrame acquires the graphics buffer for slot and forgets all bound state.
func (e *ExecutionEngine) BeginFrame(slot int) error {
	if e.recording {
		return fmt.Errorf("execution: frame already recording on slot %d", e.slot)
	}
	e.slot = slot
	e.barriers = e.barriers[:0]
	for i := range e.buffers {
		e.buffers[i] = nil
		e.caches[i].Invalidate()
	}
	if _, err := e.acquire(metadata.CommandBufferGraphics); err != nil {
		return err
	}
	e.recording = true
	return nil
}

func (e *ExecutionEngine) acquire(kind metadata.CommandBufferKind) (renderer.CommandBuffer, error) {
	cb, err := e.backend.AcquireCommandBuffer(kind, e.slot)
	if err != nil {
		return nil, fmt.Errorf("acquiring %s command buffer for slot %d: %w", kind, e.slot, err)
	}
	if err := cb.Begin(); err != nil {
		return nil, fmt.Errorf("beginning %s command buffer: %w", kind, err)
	}
	e.heaps.Bind(cb)
	e.caches[kind].Invalidate()
	e.buffers[kind] = cb
	return cb, nil
}

// buffer returns the command buffer of kind for this frame, acquiring it lazily.
func (e *ExecutionEngine) buffer(kind metadata.CommandBufferKind) (renderer.CommandBuffer, *StateCache) {
	if !e.recording {
		core.LogWarn("execution: %s work recorded outside a frame", kind)
		return nil, nil
	}
	if cb := e.buffers[kind]; cb != nil {
		return cb, e.caches[kind]
	}
	cb, err := e.acquire(kind)
	if err != nil {
		core.LogError(err.Error())
		return nil, nil
	}
	return cb, e.caches[kind]
}

func (e *ExecutionEngine) resolve(op string, id metadata.ResourceID) metadata.ResourceHandle {
	h := e.registry.GetResource(id)
	if h.IsNull() {
		core.LogWarn("%s: %s skipped, resource %d", core.ErrInvalidReference, op, id)
	}
	return h
}

// Execute routes a mapped command through the handler table.
func (e *ExecutionEngine) Execute(cmd metadata.Command) bool {
	if cmd == nil {
		return false
	}
	op := cmd.Opcode()
	if op >= metadata.OpcodeCount || e.handlers[op] == nil {
		core.LogWarn("execution: no handler for opcode %d", op)
		return false
	}
	return e.handlers[op](e, cmd)
}

func (e *ExecutionEngine) flushBarriers() {
	if len(e.barriers) == 0 {
		return
	}
	cb := e.buffers[metadata.CommandBufferGraphics]
	if cb == nil {
		e.barriers = e.barriers[:0]
		return
	}
	cb.ResourceBarriers(e.barriers)
	e.telemetry.RecordBarriers(len(e.barriers))
	e.barriers = e.barriers[:0]
}

// Transition queues a state transition for resource.
func (e *ExecutionEngine) Transition(resource metadata.ResourceID, before, after metadata.ResourceState) bool {
	if !e.recording {
		return false
	}
	info, ok := e.registry.Lookup(resource)
	if !ok {
		core.LogWarn("%s: transition skipped, resource %d", core.ErrInvalidReference, resource)
		return false
	}
	e.barriers = append(e.barriers, metadata.Barrier{Resource: info.Handle, Kind: info.Kind, Before: before, After: after})
	if len(e.barriers) == cap(e.barriers) {
		e.flushBarriers()
	}
	return true
}

// bindPipeline binds pipeline id on cb unless the cache says it already is.
func (e *ExecutionEngine) bindPipeline(cb renderer.CommandBuffer, cache *StateCache, id metadata.ResourceID) bool {
	handle, state, ok := e.registry.GetPipelineState(id)
	if !ok {
		core.LogWarn("%s: pipeline state %d", core.ErrInvalidReference, id)
		return false
	}
	if cache.SetPipeline(handle) {
		cb.SetPipelineState(state.Pipeline)
		e.telemetry.RecordStateChange()
	}
	if !state.Layout.IsNull() && cache.SetLayout(state.Layout, state.Compute) {
		cb.SetBindingLayout(state.Layout, state.Compute)
		e.telemetry.RecordStateChange()
	}
	return true
}

func (e *ExecutionEngine) SetPipelineState(id metadata.ResourceID) bool {
	cb, cache := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	return e.bindPipeline(cb, cache, id)
}

func (e *ExecutionEngine) SetVertexBuffer(slot uint32, id metadata.ResourceID, stride uint32) bool {
	cb, cache := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	h := e.resolve("set vertex buffer", id)
	if h.IsNull() {
		return false
	}
	if cache.SetVertexBuffer(slot, h, stride) {
		cb.SetVertexBuffer(slot, h, stride)
		e.telemetry.RecordStateChange()
	}
	return true
}

func (e *ExecutionEngine) SetIndexBuffer(id metadata.ResourceID, format metadata.IndexFormat) bool {
	cb, cache := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	h := e.resolve("set index buffer", id)
	if h.IsNull() {
		return false
	}
	if cache.SetIndexBuffer(h, format) {
		cb.SetIndexBuffer(h, format)
		e.telemetry.RecordStateChange()
	}
	return true
}

func (e *ExecutionEngine) SetPrimitiveTopology(t metadata.PrimitiveTopology) bool {
	cb, cache := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	if cache.SetTopology(t) {
		cb.SetPrimitiveTopology(t)
		e.telemetry.RecordStateChange()
	}
	return true
}

func (e *ExecutionEngine) SetViewport(v metadata.Viewport) bool {
	cb, _ := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	cb.SetViewport(v)
	e.telemetry.RecordStateChange()
	return true
}

func (e *ExecutionEngine) SetScissor(r metadata.Rect) bool {
	cb, _ := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	cb.SetScissor(r)
	e.telemetry.RecordStateChange()
	return true
}

func (e *ExecutionEngine) SetBlendFactor(f [4]float32) bool {
	cb, _ := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	cb.SetBlendFactor(f)
	e.telemetry.RecordStateChange()
	return true
}

func (e *ExecutionEngine) SetStencilRef(ref uint32) bool {
	cb, _ := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	cb.SetStencilRef(ref)
	e.telemetry.RecordStateChange()
	return true
}

func (e *ExecutionEngine) ClearRenderTarget(id metadata.ResourceID, color [4]float32) bool {
	cb, _ := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	h := e.resolve("clear render target", id)
	if h.IsNull() {
		return false
	}
	e.flushBarriers()
	cb.ClearRenderTarget(h, color)
	return true
}

func (e *ExecutionEngine) ClearDepthStencil(id metadata.ResourceID, depth float32, stencil uint8) bool {
	cb, _ := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	h := e.resolve("clear depth stencil", id)
	if h.IsNull() {
		return false
	}
	e.flushBarriers()
	cb.ClearDepthStencil(h, depth, stencil)
	return true
}

// ExecuteDraw binds pipeline if needed and records a non-indexed draw.
func (e *ExecutionEngine) ExecuteDraw(pipeline metadata.ResourceID, vertexCount, instanceCount, firstVertex, firstInstance uint32) bool {
	cb, cache := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	e.flushBarriers()
	if !e.bindPipeline(cb, cache, pipeline) {
		return false
	}
	cb.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
	e.telemetry.RecordDraw()
	return true
}

// ExecuteDrawIndexed binds pipeline if needed and records an indexed draw.
func (e *ExecutionEngine) ExecuteDrawIndexed(pipeline metadata.ResourceID, indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) bool {
	cb, cache := e.buffer(metadata.CommandBufferGraphics)
	if cb == nil {
		return false
	}
	e.flushBarriers()
	if !e.bindPipeline(cb, cache, pipeline) {
		return false
	}
	cb.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
	e.telemetry.RecordDraw()
	return true
}

// ExecuteDispatch records a compute dispatch on the compute buffer.
func (e *ExecutionEngine) ExecuteDispatch(pipeline metadata.ResourceID, x, y, z uint32) bool {
	cb, cache := e.buffer(metadata.CommandBufferCompute)
	if cb == nil {
		return false
	}
	e.flushBarriers()
	if !e.bindPipeline(cb, cache, pipeline) {
		return false
	}
	cb.Dispatch(x, y, z)
	e.telemetry.RecordDispatch()
	return true
}

func (e *ExecutionEngine) CopyBuffer(dst metadata.ResourceID, dstOffset uint64, src metadata.ResourceID, srcOffset, size uint64) bool {
	d, s := e.resolve("copy buffer", dst), e.resolve("copy buffer", src)
	if d.IsNull() || s.IsNull() {
		return false
	}
	cb, _ := e.buffer(metadata.CommandBufferCopy)
	if cb == nil {
		return false
	}
	e.flushBarriers()
	cb.CopyBuffer(d, dstOffset, s, srcOffset, size)
	e.telemetry.RecordCopy()
	return true
}

func (e *ExecutionEngine) CopyTexture(dst, src metadata.ResourceID) bool {
	d, s := e.resolve("copy texture", dst), e.resolve("copy texture", src)
	if d.IsNull() || s.IsNull() {
		return false
	}
	cb, _ := e.buffer(metadata.CommandBufferCopy)
	if cb == nil {
		return false
	}
	e.flushBarriers()
	cb.CopyTexture(d, s)
	e.telemetry.RecordCopy()
	return true
}

// SubmitFrame flushes pending barriers, closes every acquired buffer and submits
// them in graphics, compute, copy order.
func (e *ExecutionEngine) SubmitFrame() error {
	if !e.recording {
		return nil
	}
	e.flushBarriers()
	e.recording = false

	var errs []error
	n := 0
	for kind, cb := range e.buffers {
		if cb == nil {
			continue
		}
		if err := cb.End(); err != nil {
			errs = append(errs, fmt.Errorf("ending %s command buffer: %w", metadata.CommandBufferKind(kind), err))
			continue
		}
		e.submit[n] = cb
		n++
	}
	if n > 0 {
		if err := e.backend.Submit(e.submit[:n]); err != nil {
			errs = append(errs, fmt.Errorf("submitting frame: %w", err))
		}
	}
	for i := range e.submit {
		e.submit[i] = nil
	}
	for i := range e.buffers {
		e.buffers[i] = nil
	}
	return errors.Join(errs...)
}

// Recording reports whether a frame is open.
func (e *ExecutionEngine) Recording() bool {
	return e.recording
}
