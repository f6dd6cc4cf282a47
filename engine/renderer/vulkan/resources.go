package vulkan

import (
	"fmt"
	"math/bits"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

type vulkanBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory
	Size   uint64
	Label  string
}

type vulkanImage struct {
	Handle vk.Image
	View   vk.ImageView
	Memory vk.DeviceMemory
	Format metadata.Format
	Extent vk.Extent3D
	Layers uint32
	Mips   uint32
	Label  string
}

var formats = map[metadata.Format]vk.Format{
	metadata.FormatR8Unorm:        vk.FormatR8Unorm,
	metadata.FormatRG8Unorm:       vk.FormatR8g8Unorm,
	metadata.FormatRGBA8Unorm:     vk.FormatR8g8b8a8Unorm,
	metadata.FormatRGBA8Srgb:      vk.FormatR8g8b8a8Srgb,
	metadata.FormatBGRA8Unorm:     vk.FormatB8g8r8a8Unorm,
	metadata.FormatR16Float:       vk.FormatR16Sfloat,
	metadata.FormatRG16Float:      vk.FormatR16g16Sfloat,
	metadata.FormatRGBA16Float:    vk.FormatR16g16b16a16Sfloat,
	metadata.FormatR32Float:       vk.FormatR32Sfloat,
	metadata.FormatRG32Float:      vk.FormatR32g32Sfloat,
	metadata.FormatRGB32Float:     vk.FormatR32g32b32Sfloat,
	metadata.FormatRGBA32Float:    vk.FormatR32g32b32a32Sfloat,
	metadata.FormatR32Uint:        vk.FormatR32Uint,
	metadata.FormatRGB10A2Unorm:   vk.FormatA2b10g10r10UnormPack32,
	metadata.FormatR11G11B10Float: vk.FormatB10g11r11UfloatPack32,
	metadata.FormatD16Unorm:       vk.FormatD16Unorm,
	metadata.FormatD24UnormS8Uint: vk.FormatD24UnormS8Uint,
	metadata.FormatD32Float:       vk.FormatD32Sfloat,
	metadata.FormatD32FloatS8Uint: vk.FormatD32SfloatS8Uint,
	metadata.FormatBC1:            vk.FormatBc1RgbaUnormBlock,
	metadata.FormatBC3:            vk.FormatBc3UnormBlock,
	metadata.FormatBC7:            vk.FormatBc7UnormBlock,
}

func vulkanFormat(f metadata.Format) (vk.Format, error) {
	if vf, ok := formats[f]; ok {
		return vf, nil
	}
	return vk.FormatUndefined, fmt.Errorf("vulkan: unsupported format %d", f)
}

func aspectMask(f metadata.Format) vk.ImageAspectFlags {
	if !f.IsDepth() {
		return vk.ImageAspectFlags(vk.ImageAspectColorBit)
	}
	mask := vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	if f.HasStencil() {
		mask |= vk.ImageAspectFlags(vk.ImageAspectStencilBit)
	}
	return mask
}

func bufferUsage(u metadata.BufferUsage) vk.BufferUsageFlags {
	flags := vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit)
	if u&metadata.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit)
	}
	if u&metadata.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit)
	}
	if u&metadata.BufferUsageConstant != 0 {
		flags |= vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)
	}
	if u&metadata.BufferUsageStorage != 0 {
		flags |= vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit)
	}
	if u&metadata.BufferUsageIndirect != 0 {
		flags |= vk.BufferUsageFlags(vk.BufferUsageIndirectBufferBit)
	}
	return flags
}

func imageUsage(desc metadata.TextureDescriptor) vk.ImageUsageFlags {
	flags := vk.ImageUsageFlags(vk.ImageUsageSampledBit | vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit)
	switch {
	case desc.Kind == metadata.ResourceKindDepthStencil || desc.Format.IsDepth():
		flags |= vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)
	case desc.Kind == metadata.ResourceKindRenderTarget:
		flags |= vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)
	}
	return flags
}

// mipLevels resolves zero to the full chain down to 1x1.
func mipLevels(desc metadata.TextureDescriptor) uint32 {
	if desc.MipLevels > 0 {
		return desc.MipLevels
	}
	largest := desc.Width
	if desc.Height > largest {
		largest = desc.Height
	}
	if desc.Kind == metadata.ResourceKindTexture3D && desc.Depth > largest {
		largest = desc.Depth
	}
	if largest == 0 {
		return 1
	}
	return uint32(bits.Len32(largest))
}

// imageLayout is the layout an image must be in for the given state.
func imageLayout(s metadata.ResourceState) vk.ImageLayout {
	switch s {
	case metadata.ResourceStateShaderResource:
		return vk.ImageLayoutShaderReadOnlyOptimal
	case metadata.ResourceStateUnorderedAccess:
		return vk.ImageLayoutGeneral
	case metadata.ResourceStateRenderTarget:
		return vk.ImageLayoutColorAttachmentOptimal
	case metadata.ResourceStateDepthWrite:
		return vk.ImageLayoutDepthStencilAttachmentOptimal
	case metadata.ResourceStateDepthRead:
		return vk.ImageLayoutDepthStencilReadOnlyOptimal
	case metadata.ResourceStateCopySource:
		return vk.ImageLayoutTransferSrcOptimal
	case metadata.ResourceStateCopyDest:
		return vk.ImageLayoutTransferDstOptimal
	case metadata.ResourceStatePresent:
		return vk.ImageLayoutPresentSrc
	}
	return vk.ImageLayoutGeneral
}

// accessMask is the memory access a resource in state s performs.
func accessMask(s metadata.ResourceState) vk.AccessFlags {
	var a vk.AccessFlagBits
	switch s {
	case metadata.ResourceStateVertexBuffer:
		a = vk.AccessVertexAttributeReadBit
	case metadata.ResourceStateIndexBuffer:
		a = vk.AccessIndexReadBit
	case metadata.ResourceStateConstantBuffer:
		a = vk.AccessUniformReadBit
	case metadata.ResourceStateShaderResource:
		a = vk.AccessShaderReadBit
	case metadata.ResourceStateUnorderedAccess:
		a = vk.AccessShaderReadBit | vk.AccessShaderWriteBit
	case metadata.ResourceStateRenderTarget:
		a = vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit
	case metadata.ResourceStateDepthWrite:
		a = vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit
	case metadata.ResourceStateDepthRead:
		a = vk.AccessDepthStencilAttachmentReadBit
	case metadata.ResourceStateCopySource:
		a = vk.AccessTransferReadBit
	case metadata.ResourceStateCopyDest:
		a = vk.AccessTransferWriteBit
	case metadata.ResourceStatePresent:
		a = vk.AccessMemoryReadBit
	default:
		a = vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit
	}
	return vk.AccessFlags(a)
}

func vulkanFilter(f metadata.Filter) vk.Filter {
	if f == metadata.FilterLinear {
		return vk.FilterLinear
	}
	return vk.FilterNearest
}

func vulkanAddressMode(m metadata.AddressMode) vk.SamplerAddressMode {
	switch m {
	case metadata.AddressModeMirrorRepeat:
		return vk.SamplerAddressModeMirroredRepeat
	case metadata.AddressModeClampToEdge:
		return vk.SamplerAddressModeClampToEdge
	case metadata.AddressModeClampToBorder:
		return vk.SamplerAddressModeClampToBorder
	}
	return vk.SamplerAddressModeRepeat
}

func createBuffer(vc *vulkanContext, desc metadata.BufferDescriptor, label string) (*vulkanBuffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("vulkan: zero-sized buffer %q", label)
	}
	dev := vc.Device.LogicalDevice
	info := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       bufferUsage(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}
	buf := &vulkanBuffer{Size: desc.Size, Label: label}
	if res := vk.CreateBuffer(dev, &info, vc.Allocator, &buf.Handle); res != vk.Success {
		return nil, resultError("vkCreateBuffer", res)
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev, buf.Handle, &reqs)
	reqs.Deref()
	flags := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if desc.HostVisible {
		flags = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	memory, err := vc.allocateMemory(reqs, flags)
	if err != nil {
		vk.DestroyBuffer(dev, buf.Handle, vc.Allocator)
		return nil, fmt.Errorf("buffer %q: %w", label, err)
	}
	buf.Memory = memory
	if res := vk.BindBufferMemory(dev, buf.Handle, memory, 0); res != vk.Success {
		buf.destroy(vc)
		return nil, resultError("vkBindBufferMemory", res)
	}
	return buf, nil
}

func (b *vulkanBuffer) destroy(vc *vulkanContext) {
	dev := vc.Device.LogicalDevice
	if b.Handle != nil {
		vk.DestroyBuffer(dev, b.Handle, vc.Allocator)
		b.Handle = nil
	}
	if b.Memory != nil {
		vk.FreeMemory(dev, b.Memory, vc.Allocator)
		b.Memory = nil
	}
}

func createImage(vc *vulkanContext, desc metadata.TextureDescriptor, label string) (*vulkanImage, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("vulkan: texture %q has no extent", label)
	}
	format, err := vulkanFormat(desc.Format)
	if err != nil {
		return nil, fmt.Errorf("texture %q: %w", label, err)
	}

	img := &vulkanImage{
		Format: desc.Format,
		Extent: vk.Extent3D{Width: desc.Width, Height: desc.Height, Depth: 1},
		Layers: desc.ArraySize,
		Mips:   mipLevels(desc),
		Label:  label,
	}
	if img.Layers == 0 {
		img.Layers = 1
	}
	imageType, viewType := vk.ImageType2d, vk.ImageViewType2d
	var flags vk.ImageCreateFlags
	switch desc.Kind {
	case metadata.ResourceKindTexture1D:
		imageType, viewType = vk.ImageType1d, vk.ImageViewType1d
		img.Extent.Height = 1
	case metadata.ResourceKindTexture3D:
		imageType, viewType = vk.ImageType3d, vk.ImageViewType3d
		img.Extent.Depth = desc.Depth
		if img.Extent.Depth == 0 {
			img.Extent.Depth = 1
		}
	case metadata.ResourceKindTextureCube:
		viewType = vk.ImageViewTypeCube
		flags = vk.ImageCreateFlags(vk.ImageCreateCubeCompatibleBit)
		if img.Layers < 6 {
			img.Layers = 6
		}
	}
	samples := vk.SampleCount1Bit
	if desc.SampleCount > 1 {
		samples = vk.SampleCountFlagBits(desc.SampleCount)
	}

	dev := vc.Device.LogicalDevice
	info := vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		Flags:         flags,
		ImageType:     imageType,
		Format:        format,
		Extent:        img.Extent,
		MipLevels:     img.Mips,
		ArrayLayers:   img.Layers,
		Samples:       samples,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         imageUsage(desc),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}
	if res := vk.CreateImage(dev, &info, vc.Allocator, &img.Handle); res != vk.Success {
		return nil, resultError("vkCreateImage", res)
	}

	var reqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(dev, img.Handle, &reqs)
	reqs.Deref()
	memory, err := vc.allocateMemory(reqs, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		img.destroy(vc)
		return nil, fmt.Errorf("texture %q: %w", label, err)
	}
	img.Memory = memory
	if res := vk.BindImageMemory(dev, img.Handle, memory, 0); res != vk.Success {
		img.destroy(vc)
		return nil, resultError("vkBindImageMemory", res)
	}

	viewInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    img.Handle,
		ViewType: viewType,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspectMask(desc.Format),
			LevelCount: img.Mips,
			LayerCount: img.Layers,
		},
	}
	if res := vk.CreateImageView(dev, &viewInfo, vc.Allocator, &img.View); res != vk.Success {
		img.destroy(vc)
		return nil, resultError("vkCreateImageView", res)
	}
	return img, nil
}

func (img *vulkanImage) subresources() vk.ImageSubresourceRange {
	return vk.ImageSubresourceRange{
		AspectMask: aspectMask(img.Format),
		LevelCount: img.Mips,
		LayerCount: img.Layers,
	}
}

func (img *vulkanImage) destroy(vc *vulkanContext) {
	dev := vc.Device.LogicalDevice
	if img.View != nil {
		vk.DestroyImageView(dev, img.View, vc.Allocator)
		img.View = nil
	}
	if img.Handle != nil {
		vk.DestroyImage(dev, img.Handle, vc.Allocator)
		img.Handle = nil
	}
	if img.Memory != nil {
		vk.FreeMemory(dev, img.Memory, vc.Allocator)
		img.Memory = nil
	}
}

func createSampler(vc *vulkanContext, desc metadata.SamplerDescriptor) (vk.Sampler, error) {
	info := vk.SamplerCreateInfo{
		SType:            vk.StructureTypeSamplerCreateInfo,
		MagFilter:        vulkanFilter(desc.MagFilter),
		MinFilter:        vulkanFilter(desc.MinFilter),
		MipmapMode:       vk.SamplerMipmapModeNearest,
		AddressModeU:     vulkanAddressMode(desc.AddressU),
		AddressModeV:     vulkanAddressMode(desc.AddressV),
		AddressModeW:     vulkanAddressMode(desc.AddressW),
		MaxLod:           1000,
		BorderColor:      vk.BorderColorFloatOpaqueBlack,
		CompareOp:        vk.CompareOpAlways,
		AnisotropyEnable: vk.False,
		MaxAnisotropy:    1,
	}
	if desc.MipFilter == metadata.FilterLinear {
		info.MipmapMode = vk.SamplerMipmapModeLinear
	}
	if desc.MaxAnisotropy > 1 && vc.Device.Features.SamplerAnisotropy == vk.True {
		info.AnisotropyEnable = vk.True
		info.MaxAnisotropy = desc.MaxAnisotropy
		if limit := vc.Device.Limits.MaxSamplerAnisotropy; info.MaxAnisotropy > limit {
			info.MaxAnisotropy = limit
		}
	}
	var sampler vk.Sampler
	if res := vk.CreateSampler(vc.Device.LogicalDevice, &info, vc.Allocator, &sampler); res != vk.Success {
		return nil, resultError("vkCreateSampler", res)
	}
	return sampler, nil
}
