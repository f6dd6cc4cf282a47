package headless

import (
	"fmt"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

type commandBufferState uint8

const (
	stateReady commandBufferState = iota
	stateRecording
	stateEnded
	stateSubmitted
)

// CommandBuffer records operations as short strings so tests can assert order.
type CommandBuffer struct {
	backend *Backend
	kind    metadata.CommandBufferKind
	slot    int
	state   commandBufferState
	ops     []string
}

func (c *CommandBuffer) reset() {
	c.state = stateReady
	c.ops = c.ops[:0]
}

func (c *CommandBuffer) Kind() metadata.CommandBufferKind { return c.kind }

func (c *CommandBuffer) Begin() error {
	c.backend.count(nil)
	if c.state == stateRecording {
		return fmt.Errorf("headless: %s buffer for slot %d already recording", c.kind, c.slot)
	}
	c.state = stateRecording
	return nil
}

func (c *CommandBuffer) End() error {
	c.backend.count(nil)
	if c.state != stateRecording {
		return fmt.Errorf("headless: end of %s buffer that is not recording", c.kind)
	}
	c.state = stateEnded
	return nil
}

// Ops returns what was recorded since the buffer was last acquired.
func (c *CommandBuffer) Ops() []string {
	return append([]string(nil), c.ops...)
}

func (c *CommandBuffer) record(op string) {
	if c.state != stateRecording {
		core.LogWarn("headless: %s recorded into %s buffer outside Begin/End", op, c.kind)
	}
	c.ops = append(c.ops, op)
}

func (c *CommandBuffer) SetDescriptorHeaps(resource, sampler renderer.HeapHandle) {
	c.backend.count(&c.backend.calls.heapBinds)
	c.record("heaps")
}

func (c *CommandBuffer) SetPipelineState(pipeline metadata.ResourceHandle) {
	c.backend.count(&c.backend.calls.pipelineBinds)
	c.record(fmt.Sprintf("pipeline(%d)", pipeline))
}

func (c *CommandBuffer) SetBindingLayout(layout metadata.ResourceHandle, compute bool) {
	c.backend.count(&c.backend.calls.layoutBinds)
	c.record(fmt.Sprintf("layout(%d)", layout))
}

func (c *CommandBuffer) SetVertexBuffer(slot uint32, buffer metadata.ResourceHandle, stride uint32) {
	c.backend.count(&c.backend.calls.vertexBinds)
	c.record(fmt.Sprintf("vertex(%d,%d)", slot, buffer))
}

func (c *CommandBuffer) SetIndexBuffer(buffer metadata.ResourceHandle, format metadata.IndexFormat) {
	c.backend.count(&c.backend.calls.indexBinds)
	c.record(fmt.Sprintf("index(%d)", buffer))
}

func (c *CommandBuffer) SetPrimitiveTopology(topology metadata.PrimitiveTopology) {
	c.backend.count(&c.backend.calls.topo)
	c.record("topology")
}

func (c *CommandBuffer) SetViewport(viewport metadata.Viewport) {
	c.backend.count(&c.backend.calls.dynamic)
	c.record("viewport")
}

func (c *CommandBuffer) SetScissor(rect metadata.Rect) {
	c.backend.count(&c.backend.calls.dynamic)
	c.record("scissor")
}

func (c *CommandBuffer) SetBlendFactor(factor [4]float32) {
	c.backend.count(&c.backend.calls.dynamic)
	c.record("blend")
}

func (c *CommandBuffer) SetStencilRef(ref uint32) {
	c.backend.count(&c.backend.calls.dynamic)
	c.record("stencil")
}

func (c *CommandBuffer) ResourceBarriers(barriers []metadata.Barrier) {
	c.backend.count(&c.backend.calls.batches)
	c.backend.calls.barriers.Add(int64(len(barriers)))
	c.record(fmt.Sprintf("barriers(%d)", len(barriers)))
}

func (c *CommandBuffer) ClearRenderTarget(target metadata.ResourceHandle, color [4]float32) {
	c.backend.count(&c.backend.calls.clears)
	c.record("clear")
}

func (c *CommandBuffer) ClearDepthStencil(target metadata.ResourceHandle, depth float32, stencil uint8) {
	c.backend.count(&c.backend.calls.clears)
	c.record("clear_depth")
}

func (c *CommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	c.backend.count(&c.backend.calls.draws)
	c.record(fmt.Sprintf("draw(%d,%d)", vertexCount, instanceCount))
}

func (c *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	c.backend.count(&c.backend.calls.drawsIndexed)
	c.record(fmt.Sprintf("draw_indexed(%d,%d)", indexCount, instanceCount))
}

func (c *CommandBuffer) Dispatch(x, y, z uint32) {
	c.backend.count(&c.backend.calls.dispatches)
	c.record(fmt.Sprintf("dispatch(%d,%d,%d)", x, y, z))
}

func (c *CommandBuffer) CopyBuffer(dst metadata.ResourceHandle, dstOffset uint64, src metadata.ResourceHandle, srcOffset, size uint64) {
	c.backend.count(&c.backend.calls.copies)
	c.record("copy_buffer")
}

func (c *CommandBuffer) CopyTexture(dst, src metadata.ResourceHandle) {
	c.backend.count(&c.backend.calls.copies)
	c.record("copy_texture")
}
