package systems

import (
	"testing"

	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

func TestStateCacheElidesRepeats(t *testing.T) {
	c := NewStateCache(2)
	p := PipelineStateHandle{Index: 1, Generation: 1}
	steps := []struct {
		name string
		set  func() bool
		want bool
	}{
		{"first pipeline", func() bool { return c.SetPipeline(p) }, true},
		{"same pipeline", func() bool { return c.SetPipeline(p) }, false},
		{"new generation", func() bool { return c.SetPipeline(PipelineStateHandle{Index: 1, Generation: 2}) }, true},
		{"layout", func() bool { return c.SetLayout(7, false) }, true},
		{"same layout", func() bool { return c.SetLayout(7, false) }, false},
		{"layout as compute", func() bool { return c.SetLayout(7, true) }, true},
		{"vertex", func() bool { return c.SetVertexBuffer(0, 3, 16) }, true},
		{"same vertex", func() bool { return c.SetVertexBuffer(0, 3, 16) }, false},
		{"vertex stride", func() bool { return c.SetVertexBuffer(0, 3, 32) }, true},
		{"vertex past cache", func() bool { return c.SetVertexBuffer(5, 3, 32) }, true},
		{"vertex past cache again", func() bool { return c.SetVertexBuffer(5, 3, 32) }, true},
		{"index", func() bool { return c.SetIndexBuffer(4, metadata.IndexFormatUint16) }, true},
		{"index format", func() bool { return c.SetIndexBuffer(4, metadata.IndexFormatUint32) }, true},
		{"same index", func() bool { return c.SetIndexBuffer(4, metadata.IndexFormatUint32) }, false},
		{"topology", func() bool { return c.SetTopology(metadata.TopologyTriangleList) }, true},
		{"same topology", func() bool { return c.SetTopology(metadata.TopologyTriangleList) }, false},
	}
	for _, s := range steps {
		if got := s.set(); got != s.want {
			t.Fatalf("%s: changed = %v, want %v", s.name, got, s.want)
		}
	}
}

func TestStateCacheInvalidate(t *testing.T) {
	c := NewStateCache(0)
	p := PipelineStateHandle{Index: 0, Generation: 1}
	c.SetPipeline(p)
	c.SetTopology(metadata.TopologyLineList)
	c.SetVertexBuffer(1, 9, 8)
	c.Invalidate()
	if !c.SetPipeline(p) || !c.SetTopology(metadata.TopologyLineList) || !c.SetVertexBuffer(1, 9, 8) {
		t.Fatal("invalidated cache elided a bind")
	}
}
