package vulkan

import (
	"context"
	"testing"
	"time"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

func TestMipLevels(t *testing.T) {
	tests := []struct {
		desc metadata.TextureDescriptor
		want uint32
	}{
		{metadata.TextureDescriptor{Kind: metadata.ResourceKindTexture2D, Width: 1, Height: 1}, 1},
		{metadata.TextureDescriptor{Kind: metadata.ResourceKindTexture2D, Width: 256, Height: 256}, 9},
		{metadata.TextureDescriptor{Kind: metadata.ResourceKindTexture2D, Width: 300, Height: 20}, 9},
		{metadata.TextureDescriptor{Kind: metadata.ResourceKindTexture2D, Width: 256, Height: 256, MipLevels: 3}, 3},
		{metadata.TextureDescriptor{Kind: metadata.ResourceKindTexture3D, Width: 4, Height: 4, Depth: 64}, 7},
		{metadata.TextureDescriptor{Kind: metadata.ResourceKindTexture2D, Width: 4, Height: 4, Depth: 64}, 3},
	}
	for _, tt := range tests {
		if got := mipLevels(tt.desc); got != tt.want {
			t.Errorf("mipLevels(%dx%dx%d, %d) = %d, want %d", tt.desc.Width, tt.desc.Height, tt.desc.Depth, tt.desc.MipLevels, got, tt.want)
		}
	}
}

func TestEveryFormatMaps(t *testing.T) {
	for f := metadata.FormatR8Unorm; f <= metadata.FormatBC7; f++ {
		if _, err := vulkanFormat(f); err != nil {
			t.Errorf("format %d: %v", f, err)
		}
	}
	if _, err := vulkanFormat(metadata.FormatUnknown); err == nil {
		t.Error("unknown format mapped")
	}
}

func TestAspectMask(t *testing.T) {
	if aspectMask(metadata.FormatRGBA8Unorm) != vk.ImageAspectFlags(vk.ImageAspectColorBit) {
		t.Error("color format without color aspect")
	}
	if aspectMask(metadata.FormatD32Float) != vk.ImageAspectFlags(vk.ImageAspectDepthBit) {
		t.Error("depth-only format aspect")
	}
	want := vk.ImageAspectFlags(vk.ImageAspectDepthBit | vk.ImageAspectStencilBit)
	if aspectMask(metadata.FormatD24UnormS8Uint) != want {
		t.Error("depth-stencil format missing stencil aspect")
	}
}

func TestStateMapping(t *testing.T) {
	layouts := map[metadata.ResourceState]vk.ImageLayout{
		metadata.ResourceStateShaderResource: vk.ImageLayoutShaderReadOnlyOptimal,
		metadata.ResourceStateRenderTarget:   vk.ImageLayoutColorAttachmentOptimal,
		metadata.ResourceStateDepthWrite:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		metadata.ResourceStateCopySource:     vk.ImageLayoutTransferSrcOptimal,
		metadata.ResourceStateCopyDest:       vk.ImageLayoutTransferDstOptimal,
		metadata.ResourceStateCommon:         vk.ImageLayoutGeneral,
	}
	for s, want := range layouts {
		if got := imageLayout(s); got != want {
			t.Errorf("imageLayout(%d) = %d, want %d", s, got, want)
		}
	}
	if accessMask(metadata.ResourceStateCopyDest) != vk.AccessFlags(vk.AccessTransferWriteBit) {
		t.Error("copy destination is not a transfer write")
	}
}

func TestBufferUsageAlwaysCopyable(t *testing.T) {
	got := bufferUsage(metadata.BufferUsageVertex)
	for _, bit := range []vk.BufferUsageFlagBits{vk.BufferUsageVertexBufferBit, vk.BufferUsageTransferSrcBit, vk.BufferUsageTransferDstBit} {
		if got&vk.BufferUsageFlags(bit) == 0 {
			t.Errorf("usage %#x missing bit %#x", got, bit)
		}
	}
	if got&vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit) != 0 {
		t.Error("vertex buffer got index usage")
	}
}

func TestHeapCapacityClamp(t *testing.T) {
	limits := vk.PhysicalDeviceLimits{
		MaxPerStageDescriptorSampledImages:  1 << 20,
		MaxPerStageDescriptorStorageBuffers: 4096,
		MaxPerStageDescriptorSamplers:       2048,
	}
	if got := heapCapacity(limits, metadata.HeapKindResource, 1_000_000); got != 4096 {
		t.Errorf("resource heap = %d, want 4096", got)
	}
	if got := heapCapacity(limits, metadata.HeapKindSampler, 16); got != 16 {
		t.Errorf("sampler heap = %d, want 16", got)
	}
	if got := heapCapacity(limits, metadata.HeapKindSampler, 4096); got != 2048 {
		t.Errorf("sampler heap = %d, want 2048", got)
	}
}

func TestRegisteredByName(t *testing.T) {
	b, err := renderer.Open(Name)
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != Name {
		t.Fatalf("Name() = %q", b.Name())
	}
	if _, err := b.CreateFence(0); err == nil {
		t.Fatal("fence created before Initialize")
	}
}

// newDevice brings up a real device or skips when the machine has no Vulkan driver.
func newDevice(t *testing.T) *Backend {
	t.Helper()
	core.SetLogLevel("error")
	b := New()
	if err := b.Initialize(renderer.BackendConfig{AppName: "vulkan-test", FramesInFlight: 2}); err != nil {
		t.Skipf("no usable Vulkan device: %v", err)
	}
	return b
}

func TestDeviceFrameRoundTrip(t *testing.T) {
	b := newDevice(t)
	defer func() {
		if err := b.Close(); err != nil {
			t.Error(err)
		}
	}()

	src, err := b.CreateBuffer(metadata.BufferDescriptor{Size: 256, Usage: metadata.BufferUsageStorage, HostVisible: true}, "src")
	if err != nil {
		t.Fatal(err)
	}
	dst, err := b.CreateBuffer(metadata.BufferDescriptor{Size: 256, Usage: metadata.BufferUsageStorage}, "dst")
	if err != nil {
		t.Fatal(err)
	}
	tex, err := b.CreateTexture(metadata.TextureDescriptor{Kind: metadata.ResourceKindRenderTarget, Format: metadata.FormatRGBA8Unorm, Width: 16, Height: 16, MipLevels: 1}, "rt")
	if err != nil {
		t.Fatal(err)
	}
	heap, err := b.CreateDescriptorHeap(metadata.HeapKindResource, 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.CreateShaderResourceView(heap, 0, src); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateShaderResourceView(heap, 1, tex); err != nil {
		t.Fatal(err)
	}
	if err := b.CreateShaderResourceView(heap, 8, tex); err == nil {
		t.Fatal("view outside heap accepted")
	}

	fence, err := b.CreateFence(0)
	if err != nil {
		t.Fatal(err)
	}
	for frame := uint64(0); frame < 3; frame++ {
		cb, err := b.AcquireCommandBuffer(metadata.CommandBufferGraphics, int(frame%2))
		if err != nil {
			t.Fatal(err)
		}
		if err := cb.Begin(); err != nil {
			t.Fatal(err)
		}
		cb.CopyBuffer(dst, 0, src, 0, 256)
		cb.ResourceBarriers([]metadata.Barrier{{Resource: tex, Kind: metadata.ResourceKindRenderTarget, Before: metadata.ResourceStateCommon, After: metadata.ResourceStateRenderTarget}})
		cb.ClearRenderTarget(tex, [4]float32{0, 0, 0, 1})
		if err := cb.End(); err != nil {
			t.Fatal(err)
		}
		if err := b.Submit([]renderer.CommandBuffer{cb}); err != nil {
			t.Fatal(err)
		}
		if err := b.SignalFence(fence, frame+1); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = b.WaitFence(ctx, fence, frame+1)
		cancel()
		if err != nil {
			t.Fatal(err)
		}
		if got := b.CompletedValue(fence); got < frame+1 {
			t.Fatalf("completed = %d after waiting for %d", got, frame+1)
		}
	}
	if err := b.SignalFence(fence, 2); err == nil {
		t.Fatal("fence value went backwards")
	}

	b.DestroyFence(fence)
	b.DestroyDescriptorHeap(heap)
	for _, h := range []metadata.ResourceHandle{src, dst, tex} {
		b.DestroyResource(h)
	}
}
