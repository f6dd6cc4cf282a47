package metadata

// ResourceState is the usage a resource is in from the GPU's point of view.
type ResourceState uint16

const (
	ResourceStateCommon ResourceState = iota
	ResourceStateVertexBuffer
	ResourceStateIndexBuffer
	ResourceStateConstantBuffer
	ResourceStateShaderResource
	ResourceStateUnorderedAccess
	ResourceStateRenderTarget
	ResourceStateDepthWrite
	ResourceStateDepthRead
	ResourceStateCopySource
	ResourceStateCopyDest
	ResourceStatePresent
)

// Barrier declares a transition of one native resource between two states.
type Barrier struct {
	Resource ResourceHandle
	Kind     ResourceKind
	Before   ResourceState
	After    ResourceState
}

// ResourceHandle is an opaque native handle produced by a backend. Zero is the null handle.
type ResourceHandle uint64

// IsNull reports whether h is the null handle.
func (h ResourceHandle) IsNull() bool { return h == 0 }
