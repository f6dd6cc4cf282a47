package vulkan

import (
	"context"
	"fmt"
	"sync"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framekit/engine/core"
)

// fenceWaitSlice bounds a single vkWaitForFences call so WaitFence can notice ctx.
const fenceWaitSlice = uint64(time.Millisecond)

// valueFence emulates a monotonically increasing fence on top of binary
// fences. Every signal submits an empty batch carrying a pooled vk.Fence; the
// queue retires batches in order, so the completed value is the value of the
// newest signaled batch.
type valueFence struct {
	mu        sync.Mutex
	completed uint64
	pending   []fenceSignal
	free      []vk.Fence
}

type fenceSignal struct {
	value  uint64
	handle vk.Fence
}

func newFence(vc *vulkanContext) (vk.Fence, error) {
	info := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var f vk.Fence
	if res := vk.CreateFence(vc.Device.LogicalDevice, &info, vc.Allocator, &f); res != vk.Success {
		return nil, resultError("vkCreateFence", res)
	}
	return f, nil
}

// signal queues value behind all work already submitted on the queue.
func (f *valueFence) signal(vc *vulkanContext, locks *VulkanLockPool, value uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.pending); (n > 0 && value <= f.pending[n-1].value) || value <= f.completed {
		return fmt.Errorf("vulkan: fence value %d does not increase", value)
	}
	var handle vk.Fence
	if n := len(f.free); n > 0 {
		handle = f.free[n-1]
		f.free = f.free[:n-1]
	} else {
		h, err := newFence(vc)
		if err != nil {
			return err
		}
		handle = h
	}
	err := locks.SafeQueueCall(vc.Device.QueueIndex, func() error {
		if res := vk.QueueSubmit(vc.Device.Queue, 0, nil, handle); res != vk.Success {
			return resultError("vkQueueSubmit", res)
		}
		return nil
	})
	if err != nil {
		f.free = append(f.free, handle)
		return err
	}
	f.pending = append(f.pending, fenceSignal{value: value, handle: handle})
	return nil
}

// pollLocked retires signals the device has reached and recycles their fences.
func (f *valueFence) pollLocked(vc *vulkanContext) error {
	dev := vc.Device.LogicalDevice
	retired := 0
	for _, s := range f.pending {
		res := vk.GetFenceStatus(dev, s.handle)
		if res == vk.NotReady {
			break
		}
		if res != vk.Success {
			return resultError("vkGetFenceStatus", res)
		}
		if res := vk.ResetFences(dev, 1, []vk.Fence{s.handle}); res != vk.Success {
			return resultError("vkResetFences", res)
		}
		f.completed = s.value
		f.free = append(f.free, s.handle)
		retired++
	}
	f.pending = f.pending[retired:]
	return nil
}

func (f *valueFence) completedValue(vc *vulkanContext) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pollLocked(vc); err != nil {
		core.LogError("fence poll: %s", err)
	}
	return f.completed
}

// wait blocks until the fence reaches value or ctx is done.
func (f *valueFence) wait(ctx context.Context, vc *vulkanContext, value uint64) error {
	for {
		f.mu.Lock()
		if err := f.pollLocked(vc); err != nil {
			f.mu.Unlock()
			return err
		}
		if f.completed >= value {
			f.mu.Unlock()
			return nil
		}
		var target vk.Fence
		for _, s := range f.pending {
			if s.value >= value {
				target = s.handle
				break
			}
		}
		f.mu.Unlock()
		if target == nil {
			return fmt.Errorf("vulkan: fence value %d was never signaled", value)
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		res := vk.WaitForFences(vc.Device.LogicalDevice, 1, []vk.Fence{target}, vk.True, fenceWaitSlice)
		if res != vk.Success && res != vk.Timeout {
			return resultError("vkWaitForFences", res)
		}
	}
}

// destroy releases every binary fence. The device must be idle.
func (f *valueFence) destroy(vc *vulkanContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.pending {
		vk.DestroyFence(vc.Device.LogicalDevice, s.handle, vc.Allocator)
	}
	for _, h := range f.free {
		vk.DestroyFence(vc.Device.LogicalDevice, h, vc.Allocator)
	}
	f.pending, f.free = nil, nil
}
