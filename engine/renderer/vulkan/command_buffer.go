package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

// VulkanCommandBuffer is a primary command buffer owned by one frame slot.
type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	State  VulkanCommandBufferState

	backend *Backend
	kind    metadata.CommandBufferKind
	slot    int

	resourceSet vk.DescriptorSet
	samplerSet  vk.DescriptorSet
	indexType   vk.IndexType
}

func newVulkanCommandBuffer(b *Backend, kind metadata.CommandBufferKind, slot int) (*VulkanCommandBuffer, error) {
	cb := &VulkanCommandBuffer{
		State:   COMMAND_BUFFER_STATE_NOT_ALLOCATED,
		backend: b,
		kind:    kind,
		slot:    slot,
	}
	info := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        b.context.Device.CommandPool,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}
	handles := make([]vk.CommandBuffer, 1)
	err := b.locks.SafeCall(CommandPoolManagement, func() error {
		if res := vk.AllocateCommandBuffers(b.context.Device.LogicalDevice, &info, handles); res != vk.Success {
			return resultError("vkAllocateCommandBuffers", res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	cb.Handle = handles[0]
	cb.State = COMMAND_BUFFER_STATE_READY
	return cb, nil
}

func (v *VulkanCommandBuffer) free() {
	vc := v.backend.context
	v.backend.locks.SafeCall(CommandPoolManagement, func() error {
		vk.FreeCommandBuffers(vc.Device.LogicalDevice, vc.Device.CommandPool, 1, []vk.CommandBuffer{v.Handle})
		return nil
	})
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

// reset returns the buffer to the initial state. The slot's previous
// submission must have completed.
func (v *VulkanCommandBuffer) reset() error {
	if res := vk.ResetCommandBuffer(v.Handle, 0); res != vk.Success {
		return resultError("vkResetCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_READY
	v.resourceSet, v.samplerSet = nil, nil
	v.indexType = vk.IndexTypeUint16
	return nil
}

func (v *VulkanCommandBuffer) Kind() metadata.CommandBufferKind { return v.kind }

func (v *VulkanCommandBuffer) Begin() error {
	if v.State == COMMAND_BUFFER_STATE_RECORDING {
		return fmt.Errorf("vulkan: %s buffer for slot %d already recording", v.kind, v.slot)
	}
	info := vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vk.BeginCommandBuffer(v.Handle, &info); res != vk.Success {
		return resultError("vkBeginCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if v.State != COMMAND_BUFFER_STATE_RECORDING {
		return fmt.Errorf("vulkan: end of %s buffer that is not recording", v.kind)
	}
	if res := vk.EndCommandBuffer(v.Handle); res != vk.Success {
		return resultError("vkEndCommandBuffer", res)
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) SetDescriptorHeaps(resource, sampler renderer.HeapHandle) {
	if h := v.backend.heap(resource); h != nil {
		v.resourceSet = h.Set
	}
	if h := v.backend.heap(sampler); h != nil {
		v.samplerSet = h.Set
	}
}

func (v *VulkanCommandBuffer) SetPipelineState(pipeline metadata.ResourceHandle) {
	p, ok := v.backend.pipeline(pipeline)
	if !ok {
		core.LogWarn("vulkan: bind of unknown pipeline %d", pipeline)
		return
	}
	vk.CmdBindPipeline(v.Handle, bindPoint(p.Compute), p.Handle)
}

// SetBindingLayout binds the heaps' descriptor sets against layout. Sets are
// only valid relative to a pipeline layout, so this is where they reach the GPU.
func (v *VulkanCommandBuffer) SetBindingLayout(layout metadata.ResourceHandle, compute bool) {
	l, ok := v.backend.layout(layout)
	if !ok {
		core.LogWarn("vulkan: bind of unknown layout %d", layout)
		return
	}
	if v.resourceSet == nil || v.samplerSet == nil {
		return
	}
	sets := []vk.DescriptorSet{v.resourceSet, v.samplerSet}
	vk.CmdBindDescriptorSets(v.Handle, bindPoint(compute), l, 0, uint32(len(sets)), sets, 0, nil)
}

// SetVertexBuffer binds the buffer at offset 0. The stride lives in the pipeline.
func (v *VulkanCommandBuffer) SetVertexBuffer(slot uint32, buffer metadata.ResourceHandle, stride uint32) {
	buf := v.backend.buffer(buffer)
	if buf == nil {
		core.LogWarn("vulkan: vertex bind of unknown buffer %d", buffer)
		return
	}
	vk.CmdBindVertexBuffers(v.Handle, slot, 1, []vk.Buffer{buf.Handle}, []vk.DeviceSize{0})
}

func (v *VulkanCommandBuffer) SetIndexBuffer(buffer metadata.ResourceHandle, format metadata.IndexFormat) {
	buf := v.backend.buffer(buffer)
	if buf == nil {
		core.LogWarn("vulkan: index bind of unknown buffer %d", buffer)
		return
	}
	v.indexType = vk.IndexTypeUint16
	if format == metadata.IndexFormatUint32 {
		v.indexType = vk.IndexTypeUint32
	}
	vk.CmdBindIndexBuffer(v.Handle, buf.Handle, 0, v.indexType)
}

// SetPrimitiveTopology records nothing: topology is fixed when the pipeline is built.
func (v *VulkanCommandBuffer) SetPrimitiveTopology(topology metadata.PrimitiveTopology) {}

func (v *VulkanCommandBuffer) SetViewport(viewport metadata.Viewport) {
	vk.CmdSetViewport(v.Handle, 0, 1, []vk.Viewport{{
		X:        viewport.X,
		Y:        viewport.Y,
		Width:    viewport.Width,
		Height:   viewport.Height,
		MinDepth: viewport.MinDepth,
		MaxDepth: viewport.MaxDepth,
	}})
}

func (v *VulkanCommandBuffer) SetScissor(rect metadata.Rect) {
	vk.CmdSetScissor(v.Handle, 0, 1, []vk.Rect2D{{
		Offset: vk.Offset2D{X: rect.X, Y: rect.Y},
		Extent: vk.Extent2D{Width: rect.Width, Height: rect.Height},
	}})
}

func (v *VulkanCommandBuffer) SetBlendFactor(factor [4]float32) {
	vk.CmdSetBlendConstants(v.Handle, &factor)
}

func (v *VulkanCommandBuffer) SetStencilRef(ref uint32) {
	faces := vk.StencilFaceFlags(vk.StencilFaceFrontBit | vk.StencilFaceBackBit)
	vk.CmdSetStencilReference(v.Handle, faces, ref)
}

// ResourceBarriers records one pipeline barrier for the whole batch.
func (v *VulkanCommandBuffer) ResourceBarriers(barriers []metadata.Barrier) {
	var imageBarriers []vk.ImageMemoryBarrier
	var bufferBarriers []vk.BufferMemoryBarrier
	for _, b := range barriers {
		if b.Kind.IsTexture() {
			img := v.backend.image(b.Resource)
			if img == nil {
				continue
			}
			imageBarriers = append(imageBarriers, imageBarrier(img, b.Before, b.After))
			continue
		}
		buf := v.backend.buffer(b.Resource)
		if buf == nil {
			continue
		}
		bufferBarriers = append(bufferBarriers, vk.BufferMemoryBarrier{
			SType:               vk.StructureTypeBufferMemoryBarrier,
			SrcAccessMask:       accessMask(b.Before),
			DstAccessMask:       accessMask(b.After),
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Buffer:              buf.Handle,
			Size:                vk.DeviceSize(vk.WholeSize),
		})
	}
	if len(imageBarriers) == 0 && len(bufferBarriers) == 0 {
		return
	}
	v.pipelineBarrier(bufferBarriers, imageBarriers)
}

func (v *VulkanCommandBuffer) pipelineBarrier(buffers []vk.BufferMemoryBarrier, images []vk.ImageMemoryBarrier) {
	stages := vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	vk.CmdPipelineBarrier(v.Handle, stages, stages, 0,
		0, nil,
		uint32(len(buffers)), buffers,
		uint32(len(images)), images)
}

func imageBarrier(img *vulkanImage, before, after metadata.ResourceState) vk.ImageMemoryBarrier {
	return vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		SrcAccessMask:       accessMask(before),
		DstAccessMask:       accessMask(after),
		OldLayout:           imageLayout(before),
		NewLayout:           imageLayout(after),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               img.Handle,
		SubresourceRange:    img.subresources(),
	}
}

// ClearRenderTarget expects target in the render-target state and leaves it there.
func (v *VulkanCommandBuffer) ClearRenderTarget(target metadata.ResourceHandle, color [4]float32) {
	img := v.backend.image(target)
	if img == nil {
		core.LogWarn("vulkan: clear of unknown render target %d", target)
		return
	}
	v.pipelineBarrier(nil, []vk.ImageMemoryBarrier{imageBarrier(img, metadata.ResourceStateRenderTarget, metadata.ResourceStateCopyDest)})
	ranges := []vk.ImageSubresourceRange{img.subresources()}
	vk.CmdClearColorImage(v.Handle, img.Handle, vk.ImageLayoutTransferDstOptimal,
		(*vk.ClearColorValue)(unsafe.Pointer(&color)), 1, ranges)
	v.pipelineBarrier(nil, []vk.ImageMemoryBarrier{imageBarrier(img, metadata.ResourceStateCopyDest, metadata.ResourceStateRenderTarget)})
}

// ClearDepthStencil expects target in the depth-write state and leaves it there.
func (v *VulkanCommandBuffer) ClearDepthStencil(target metadata.ResourceHandle, depth float32, stencil uint8) {
	img := v.backend.image(target)
	if img == nil {
		core.LogWarn("vulkan: clear of unknown depth target %d", target)
		return
	}
	v.pipelineBarrier(nil, []vk.ImageMemoryBarrier{imageBarrier(img, metadata.ResourceStateDepthWrite, metadata.ResourceStateCopyDest)})
	value := vk.ClearDepthStencilValue{Depth: depth, Stencil: uint32(stencil)}
	ranges := []vk.ImageSubresourceRange{img.subresources()}
	vk.CmdClearDepthStencilImage(v.Handle, img.Handle, vk.ImageLayoutTransferDstOptimal, &value, 1, ranges)
	v.pipelineBarrier(nil, []vk.ImageMemoryBarrier{imageBarrier(img, metadata.ResourceStateCopyDest, metadata.ResourceStateDepthWrite)})
}

func (v *VulkanCommandBuffer) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	vk.CmdDraw(v.Handle, vertexCount, instanceCount, firstVertex, firstInstance)
}

func (v *VulkanCommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) {
	vk.CmdDrawIndexed(v.Handle, indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
}

func (v *VulkanCommandBuffer) Dispatch(x, y, z uint32) {
	vk.CmdDispatch(v.Handle, x, y, z)
}

func (v *VulkanCommandBuffer) CopyBuffer(dst metadata.ResourceHandle, dstOffset uint64, src metadata.ResourceHandle, srcOffset, size uint64) {
	d, s := v.backend.buffer(dst), v.backend.buffer(src)
	if d == nil || s == nil {
		core.LogWarn("vulkan: buffer copy %d -> %d with unknown side", src, dst)
		return
	}
	region := vk.BufferCopy{SrcOffset: vk.DeviceSize(srcOffset), DstOffset: vk.DeviceSize(dstOffset), Size: vk.DeviceSize(size)}
	vk.CmdCopyBuffer(v.Handle, s.Handle, d.Handle, 1, []vk.BufferCopy{region})
}

// CopyTexture copies mip 0 of every layer. src must be in the copy-source
// state and dst in the copy-destination state.
func (v *VulkanCommandBuffer) CopyTexture(dst, src metadata.ResourceHandle) {
	d, s := v.backend.image(dst), v.backend.image(src)
	if d == nil || s == nil {
		core.LogWarn("vulkan: texture copy %d -> %d with unknown side", src, dst)
		return
	}
	layers := s.Layers
	if d.Layers < layers {
		layers = d.Layers
	}
	region := vk.ImageCopy{
		SrcSubresource: vk.ImageSubresourceLayers{AspectMask: aspectMask(s.Format), LayerCount: layers},
		DstSubresource: vk.ImageSubresourceLayers{AspectMask: aspectMask(d.Format), LayerCount: layers},
		Extent:         s.Extent,
	}
	vk.CmdCopyImage(v.Handle, s.Handle, vk.ImageLayoutTransferSrcOptimal, d.Handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.ImageCopy{region})
}

func bindPoint(compute bool) vk.PipelineBindPoint {
	if compute {
		return vk.PipelineBindPointCompute
	}
	return vk.PipelineBindPointGraphics
}
