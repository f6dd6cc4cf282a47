package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

const (
	// Resource heaps expose sampled images at binding 0 and storage buffers at binding 1.
	imageBinding  = 0
	bufferBinding = 1
	// Sampler heaps expose samplers at binding 0.
	samplerBinding = 0
)

// descriptorHeap is one large descriptor set whose array elements are the
// heap's slots. Resource heaps are bound as set 0 and sampler heaps as set 1.
type descriptorHeap struct {
	Kind     metadata.HeapKind
	Capacity uint32
	Layout   vk.DescriptorSetLayout
	Pool     vk.DescriptorPool
	Set      vk.DescriptorSet
}

// heapCapacity clamps the requested capacity to what one shader stage may see.
func heapCapacity(limits vk.PhysicalDeviceLimits, kind metadata.HeapKind, requested uint32) uint32 {
	limit := limits.MaxPerStageDescriptorSampledImages
	if kind == metadata.HeapKindSampler {
		limit = limits.MaxPerStageDescriptorSamplers
	} else if limits.MaxPerStageDescriptorStorageBuffers < limit {
		limit = limits.MaxPerStageDescriptorStorageBuffers
	}
	if limit > 0 && requested > limit {
		return limit
	}
	return requested
}

func createDescriptorHeap(vc *vulkanContext, kind metadata.HeapKind, capacity uint32) (*descriptorHeap, error) {
	h := &descriptorHeap{Kind: kind, Capacity: capacity}
	dev := vc.Device.LogicalDevice
	stages := vk.ShaderStageFlags(vk.ShaderStageAll)

	var bindings []vk.DescriptorSetLayoutBinding
	var sizes []vk.DescriptorPoolSize
	if kind == metadata.HeapKindSampler {
		bindings = []vk.DescriptorSetLayoutBinding{
			{Binding: samplerBinding, DescriptorType: vk.DescriptorTypeSampler, DescriptorCount: capacity, StageFlags: stages},
		}
		sizes = []vk.DescriptorPoolSize{{Type: vk.DescriptorTypeSampler, DescriptorCount: capacity}}
	} else {
		bindings = []vk.DescriptorSetLayoutBinding{
			{Binding: imageBinding, DescriptorType: vk.DescriptorTypeSampledImage, DescriptorCount: capacity, StageFlags: stages},
			{Binding: bufferBinding, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: capacity, StageFlags: stages},
		}
		sizes = []vk.DescriptorPoolSize{
			{Type: vk.DescriptorTypeSampledImage, DescriptorCount: capacity},
			{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: capacity},
		}
	}

	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	if res := vk.CreateDescriptorSetLayout(dev, &layoutInfo, vc.Allocator, &h.Layout); res != vk.Success {
		return nil, resultError("vkCreateDescriptorSetLayout", res)
	}

	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       1,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	if res := vk.CreateDescriptorPool(dev, &poolInfo, vc.Allocator, &h.Pool); res != vk.Success {
		h.destroy(vc)
		return nil, resultError("vkCreateDescriptorPool", res)
	}

	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     h.Pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{h.Layout},
	}
	if res := vk.AllocateDescriptorSets(dev, &allocInfo, &h.Set); res != vk.Success {
		h.destroy(vc)
		return nil, resultError("vkAllocateDescriptorSets", res)
	}
	return h, nil
}

func (h *descriptorHeap) checkIndex(index uint32) error {
	if index >= h.Capacity {
		return fmt.Errorf("vulkan: descriptor index %d outside heap of %d", index, h.Capacity)
	}
	return nil
}

func (h *descriptorHeap) writeImage(vc *vulkanContext, index uint32, img *vulkanImage) error {
	if h.Kind != metadata.HeapKindResource {
		return fmt.Errorf("vulkan: image view written into a sampler heap")
	}
	if err := h.checkIndex(index); err != nil {
		return err
	}
	layout := vk.ImageLayoutShaderReadOnlyOptimal
	if img.Format.IsDepth() {
		layout = vk.ImageLayoutDepthStencilReadOnlyOptimal
	}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.Set,
		DstBinding:      imageBinding,
		DstArrayElement: index,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeSampledImage,
		PImageInfo:      []vk.DescriptorImageInfo{{ImageView: img.View, ImageLayout: layout}},
	}
	vk.UpdateDescriptorSets(vc.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{write}, 0, nil)
	return nil
}

func (h *descriptorHeap) writeBuffer(vc *vulkanContext, index uint32, buf *vulkanBuffer) error {
	if h.Kind != metadata.HeapKindResource {
		return fmt.Errorf("vulkan: buffer view written into a sampler heap")
	}
	if err := h.checkIndex(index); err != nil {
		return err
	}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.Set,
		DstBinding:      bufferBinding,
		DstArrayElement: index,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeStorageBuffer,
		PBufferInfo:     []vk.DescriptorBufferInfo{{Buffer: buf.Handle, Range: vk.DeviceSize(vk.WholeSize)}},
	}
	vk.UpdateDescriptorSets(vc.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{write}, 0, nil)
	return nil
}

func (h *descriptorHeap) writeSampler(vc *vulkanContext, index uint32, sampler vk.Sampler) error {
	if h.Kind != metadata.HeapKindSampler {
		return fmt.Errorf("vulkan: sampler written into a resource heap")
	}
	if err := h.checkIndex(index); err != nil {
		return err
	}
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.Set,
		DstBinding:      samplerBinding,
		DstArrayElement: index,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeSampler,
		PImageInfo:      []vk.DescriptorImageInfo{{Sampler: sampler}},
	}
	vk.UpdateDescriptorSets(vc.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{write}, 0, nil)
	return nil
}

func (h *descriptorHeap) destroy(vc *vulkanContext) {
	dev := vc.Device.LogicalDevice
	if h.Pool != nil {
		vk.DestroyDescriptorPool(dev, h.Pool, vc.Allocator)
		h.Pool = nil
		h.Set = nil
	}
	if h.Layout != nil {
		vk.DestroyDescriptorSetLayout(dev, h.Layout, vc.Allocator)
		h.Layout = nil
	}
}
