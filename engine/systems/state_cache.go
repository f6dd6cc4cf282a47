package systems

import "github.com/spaghettifunk/framekit/engine/renderer/metadata"

const DefaultMaxVertexBuffers = 16

type vertexBinding struct {
	buffer metadata.ResourceHandle
	stride uint32
	known  bool
}

// StateCache remembers what is bound on one command buffer this frame. Every
// Set method reports whether the new value differs from the cached one, in which
// case the caller must issue the bind. Invalidate returns every slot to unknown.
type StateCache struct {
	pipeline      PipelineStateHandle
	pipelineKnown bool

	layout        metadata.ResourceHandle
	layoutCompute bool
	layoutKnown   bool

	indexBuffer metadata.ResourceHandle
	indexFormat metadata.IndexFormat
	indexKnown  bool

	topology      metadata.PrimitiveTopology
	topologyKnown bool

	vertex []vertexBinding
}

func NewStateCache(maxVertexBuffers int) *StateCache {
	if maxVertexBuffers <= 0 {
		maxVertexBuffers = DefaultMaxVertexBuffers
	}
	return &StateCache{vertex: make([]vertexBinding, maxVertexBuffers)}
}

func (c *StateCache) Invalidate() {
	c.pipelineKnown = false
	c.layoutKnown = false
	c.indexKnown = false
	c.topologyKnown = false
	for i := range c.vertex {
		c.vertex[i].known = false
	}
}

func (c *StateCache) SetPipeline(h PipelineStateHandle) bool {
	if c.pipelineKnown && c.pipeline == h {
		return false
	}
	c.pipeline, c.pipelineKnown = h, true
	return true
}

func (c *StateCache) SetLayout(layout metadata.ResourceHandle, compute bool) bool {
	if c.layoutKnown && c.layout == layout && c.layoutCompute == compute {
		return false
	}
	c.layout, c.layoutCompute, c.layoutKnown = layout, compute, true
	return true
}

// SetVertexBuffer always reports a change for slots past the cached range.
func (c *StateCache) SetVertexBuffer(slot uint32, buffer metadata.ResourceHandle, stride uint32) bool {
	if int(slot) >= len(c.vertex) {
		return true
	}
	v := &c.vertex[slot]
	if v.known && v.buffer == buffer && v.stride == stride {
		return false
	}
	*v = vertexBinding{buffer: buffer, stride: stride, known: true}
	return true
}

func (c *StateCache) SetIndexBuffer(buffer metadata.ResourceHandle, format metadata.IndexFormat) bool {
	if c.indexKnown && c.indexBuffer == buffer && c.indexFormat == format {
		return false
	}
	c.indexBuffer, c.indexFormat, c.indexKnown = buffer, format, true
	return true
}

func (c *StateCache) SetTopology(t metadata.PrimitiveTopology) bool {
	if c.topologyKnown && c.topology == t {
		return false
	}
	c.topology, c.topologyKnown = t, true
	return true
}
