package metadata

// Format is a texel format understood by every backend.
type Format uint16

const (
	FormatUnknown Format = iota
	FormatR8Unorm
	FormatRG8Unorm
	FormatRGBA8Unorm
	FormatRGBA8Srgb
	FormatBGRA8Unorm
	FormatR16Float
	FormatRG16Float
	FormatRGBA16Float
	FormatR32Float
	FormatRG32Float
	FormatRGB32Float
	FormatRGBA32Float
	FormatR32Uint
	FormatRGB10A2Unorm
	FormatR11G11B10Float
	FormatD16Unorm
	FormatD24UnormS8Uint
	FormatD32Float
	FormatD32FloatS8Uint
	FormatBC1
	FormatBC3
	FormatBC7
)

var formatBits = [...]uint32{
	FormatUnknown:        0,
	FormatR8Unorm:        8,
	FormatRG8Unorm:       16,
	FormatRGBA8Unorm:     32,
	FormatRGBA8Srgb:      32,
	FormatBGRA8Unorm:     32,
	FormatR16Float:       16,
	FormatRG16Float:      32,
	FormatRGBA16Float:    64,
	FormatR32Float:       32,
	FormatRG32Float:      64,
	FormatRGB32Float:     96,
	FormatRGBA32Float:    128,
	FormatR32Uint:        32,
	FormatRGB10A2Unorm:   32,
	FormatR11G11B10Float: 32,
	FormatD16Unorm:       16,
	FormatD24UnormS8Uint: 32,
	FormatD32Float:       32,
	FormatD32FloatS8Uint: 64,
	FormatBC1:            4,
	FormatBC3:            8,
	FormatBC7:            8,
}

// BitsPerPixel returns the storage cost of one texel. Block-compressed
// formats report their amortised per-texel cost.
func (f Format) BitsPerPixel() uint32 {
	if int(f) < len(formatBits) {
		return formatBits[f]
	}
	return 0
}

// IsDepth reports whether the format carries a depth aspect.
func (f Format) IsDepth() bool {
	return f >= FormatD16Unorm && f <= FormatD32FloatS8Uint
}

// HasStencil reports whether the format carries a stencil aspect.
func (f Format) HasStencil() bool {
	return f == FormatD24UnormS8Uint || f == FormatD32FloatS8Uint
}
