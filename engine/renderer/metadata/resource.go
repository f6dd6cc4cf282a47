package metadata

import "github.com/spaghettifunk/framekit/engine/math"

// ResourceKind classifies what a registered native handle refers to.
type ResourceKind uint8

const (
	ResourceKindBuffer ResourceKind = iota
	ResourceKindTexture1D
	ResourceKindTexture2D
	ResourceKindTexture3D
	ResourceKindTextureCube
	ResourceKindRenderTarget
	ResourceKindDepthStencil
	ResourceKindSampler
)

var resourceKindNames = [...]string{
	ResourceKindBuffer:       "buffer",
	ResourceKindTexture1D:    "texture1d",
	ResourceKindTexture2D:    "texture2d",
	ResourceKindTexture3D:    "texture3d",
	ResourceKindTextureCube:  "texture_cube",
	ResourceKindRenderTarget: "render_target",
	ResourceKindDepthStencil: "depth_stencil",
	ResourceKindSampler:      "sampler",
}

func (k ResourceKind) String() string {
	if int(k) < len(resourceKindNames) {
		return resourceKindNames[k]
	}
	return "unknown"
}

// IsTexture reports whether the kind is backed by an image.
func (k ResourceKind) IsTexture() bool {
	return k >= ResourceKindTexture1D && k <= ResourceKindDepthStencil
}

/** @brief Bit flags describing how a buffer will be used. */
type BufferUsage uint32

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageConstant
	BufferUsageStorage
	BufferUsageCopySource
	BufferUsageCopyDest
	BufferUsageIndirect
)

/**
 * @brief Describes a buffer to be created by the backend.
 */
type BufferDescriptor struct {
	/** @brief The size of the buffer in bytes. */
	Size uint64
	/** @brief How the buffer is going to be used. */
	Usage BufferUsage
	/** @brief Element stride for structured buffers, 0 for raw buffers. */
	Stride uint32
	/** @brief Whether the CPU writes the buffer directly (upload heap). */
	HostVisible bool
}

/**
 * @brief Describes a texture to be created by the backend.
 */
type TextureDescriptor struct {
	/** @brief One of the texture resource kinds. */
	Kind   ResourceKind
	Format Format
	Width  uint32
	Height uint32
	/** @brief Depth of a 3D texture, 1 otherwise. */
	Depth uint32
	/** @brief Number of array slices (6 per cube). */
	ArraySize uint32
	/** @brief Mip level count, 0 means a full chain. */
	MipLevels   uint32
	SampleCount uint32
}

// Footprint estimates the memory a texture occupies. It only feeds accounting,
// never allocation sizing.
func (d TextureDescriptor) Footprint() uint64 {
	width := uint64(math.OrDefault(d.Width, 1))
	height := uint64(math.OrDefault(d.Height, 1))
	depth := uint64(math.OrDefault(d.Depth, 1))
	slices := uint64(math.OrDefault(d.ArraySize, 1))
	samples := uint64(math.OrDefault(d.SampleCount, 1))
	if d.Kind == ResourceKindTextureCube && slices < 6 {
		slices = 6
	}

	bytes := uint64(d.Format.BitsPerPixel()) * width * height * depth / 8
	if d.MipLevels != 1 {
		// A full mip chain adds a geometric series converging on 1/3.
		bytes = bytes * 4 / 3
	}
	return bytes * slices * samples
}

// Filter selects texel filtering for samplers.
type Filter uint8

const (
	FilterNearest Filter = iota
	FilterLinear
)

// AddressMode selects how out-of-range coordinates are resolved.
type AddressMode uint8

const (
	AddressModeRepeat AddressMode = iota
	AddressModeMirrorRepeat
	AddressModeClampToEdge
	AddressModeClampToBorder
)

/**
 * @brief Describes a sampler to be created by the backend.
 */
type SamplerDescriptor struct {
	MinFilter     Filter
	MagFilter     Filter
	MipFilter     Filter
	AddressU      AddressMode
	AddressV      AddressMode
	AddressW      AddressMode
	MaxAnisotropy float32
}
