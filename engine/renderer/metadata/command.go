package metadata

// ResourceID is the application-chosen identifier of a registered resource or pipeline state.
type ResourceID uint32

// CommandBufferKind selects the queue a command buffer is submitted to.
type CommandBufferKind uint8

const (
	CommandBufferGraphics CommandBufferKind = iota
	CommandBufferCompute
	CommandBufferCopy

	CommandBufferKindCount = 3
)

func (k CommandBufferKind) String() string {
	switch k {
	case CommandBufferGraphics:
		return "graphics"
	case CommandBufferCompute:
		return "compute"
	case CommandBufferCopy:
		return "copy"
	}
	return "unknown"
}

// HeapKind selects one of the two shader-visible descriptor tables.
type HeapKind uint8

const (
	HeapKindResource HeapKind = iota
	HeapKindSampler
)

// IndexFormat is the element type of an index buffer.
type IndexFormat uint8

const (
	IndexFormatUint16 IndexFormat = iota
	IndexFormatUint32
)

// PrimitiveTopology selects how vertices are assembled.
type PrimitiveTopology uint8

const (
	TopologyUndefined PrimitiveTopology = iota
	TopologyPointList
	TopologyLineList
	TopologyLineStrip
	TopologyTriangleList
	TopologyTriangleStrip
)

type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

type Rect struct {
	X, Y          int32
	Width, Height uint32
}

// Opcode identifies a mapped operation accepted by the generic execute path.
type Opcode uint8

const (
	OpSetViewport Opcode = iota
	OpSetScissor
	OpSetBlendFactor
	OpSetStencilRef
	OpSetPipelineState
	OpSetVertexBuffer
	OpSetIndexBuffer
	OpSetPrimitiveTopology
	OpTransition
	OpClearRenderTarget
	OpClearDepthStencil
	OpCopyBuffer
	OpCopyTexture
	OpDraw
	OpDrawIndexed
	OpDispatch

	OpcodeCount
)

var opcodeNames = [...]string{
	OpSetViewport:          "set_viewport",
	OpSetScissor:           "set_scissor",
	OpSetBlendFactor:       "set_blend_factor",
	OpSetStencilRef:        "set_stencil_ref",
	OpSetPipelineState:     "set_pipeline_state",
	OpSetVertexBuffer:      "set_vertex_buffer",
	OpSetIndexBuffer:       "set_index_buffer",
	OpSetPrimitiveTopology: "set_primitive_topology",
	OpTransition:           "transition",
	OpClearRenderTarget:    "clear_render_target",
	OpClearDepthStencil:    "clear_depth_stencil",
	OpCopyBuffer:           "copy_buffer",
	OpCopyTexture:          "copy_texture",
	OpDraw:                 "draw",
	OpDrawIndexed:          "draw_indexed",
	OpDispatch:             "dispatch",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return "unknown"
}

// Command is one mapped operation. Each concrete command reports its opcode
// so the execution engine can route it through its handler table.
type Command interface {
	Opcode() Opcode
}

type SetViewport struct{ Viewport Viewport }

type SetScissor struct{ Rect Rect }

type SetBlendFactor struct{ Factor [4]float32 }

type SetStencilRef struct{ Ref uint32 }

type SetPipelineState struct{ Pipeline ResourceID }

type SetVertexBuffer struct {
	Slot   uint32
	Buffer ResourceID
	Stride uint32
}

type SetIndexBuffer struct {
	Buffer ResourceID
	Format IndexFormat
}

type SetPrimitiveTopology struct{ Topology PrimitiveTopology }

type Transition struct {
	Resource ResourceID
	Before   ResourceState
	After    ResourceState
}

type ClearRenderTarget struct {
	Target ResourceID
	Color  [4]float32
}

type ClearDepthStencil struct {
	Target  ResourceID
	Depth   float32
	Stencil uint8
}

type CopyBuffer struct {
	Dst, Src             ResourceID
	DstOffset, SrcOffset uint64
	Size                 uint64
}

type CopyTexture struct {
	Dst, Src ResourceID
}

type Draw struct {
	Pipeline      ResourceID
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

type DrawIndexed struct {
	Pipeline      ResourceID
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32
}

type Dispatch struct {
	Pipeline ResourceID
	X, Y, Z  uint32
}

func (SetViewport) Opcode() Opcode          { return OpSetViewport }
func (SetScissor) Opcode() Opcode           { return OpSetScissor }
func (SetBlendFactor) Opcode() Opcode       { return OpSetBlendFactor }
func (SetStencilRef) Opcode() Opcode        { return OpSetStencilRef }
func (SetPipelineState) Opcode() Opcode     { return OpSetPipelineState }
func (SetVertexBuffer) Opcode() Opcode      { return OpSetVertexBuffer }
func (SetIndexBuffer) Opcode() Opcode       { return OpSetIndexBuffer }
func (SetPrimitiveTopology) Opcode() Opcode { return OpSetPrimitiveTopology }
func (Transition) Opcode() Opcode           { return OpTransition }
func (ClearRenderTarget) Opcode() Opcode    { return OpClearRenderTarget }
func (ClearDepthStencil) Opcode() Opcode    { return OpClearDepthStencil }
func (CopyBuffer) Opcode() Opcode           { return OpCopyBuffer }
func (CopyTexture) Opcode() Opcode          { return OpCopyTexture }
func (Draw) Opcode() Opcode                 { return OpDraw }
func (DrawIndexed) Opcode() Opcode          { return OpDrawIndexed }
func (Dispatch) Opcode() Opcode             { return OpDispatch }
