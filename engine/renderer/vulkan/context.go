package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framekit/engine/core"
)

// vulkanContext holds the device-level objects every other part of the backend uses.
type vulkanContext struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	debugReport vk.DebugReportCallback

	Device *vulkanDevice
}

func (vc *vulkanContext) findMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlags) (uint32, error) {
	memory := vc.Device.Memory
	for i := uint32(0); i < memory.MemoryTypeCount; i++ {
		memory.MemoryTypes[i].Deref()
		if typeFilter&(1<<i) != 0 && memory.MemoryTypes[i].PropertyFlags&propertyFlags == propertyFlags {
			return i, nil
		}
	}
	core.LogWarn("unable to find a memory type for flags %#x", uint32(propertyFlags))
	return 0, fmt.Errorf("vulkan: no memory type matches filter %#x flags %#x", typeFilter, uint32(propertyFlags))
}

// allocateMemory allocates and returns device memory satisfying reqs.
func (vc *vulkanContext) allocateMemory(reqs vk.MemoryRequirements, flags vk.MemoryPropertyFlags) (vk.DeviceMemory, error) {
	index, err := vc.findMemoryIndex(reqs.MemoryTypeBits, flags)
	if err != nil {
		return nil, err
	}
	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: index,
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(vc.Device.LogicalDevice, &allocInfo, vc.Allocator, &memory); res != vk.Success {
		return nil, resultError("vkAllocateMemory", res)
	}
	return memory, nil
}
