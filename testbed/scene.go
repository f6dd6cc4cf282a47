// Package testbed is a small scene that drives the provider the way an
// application would: loader jobs register resources on worker goroutines while
// the render loop records frames.
package testbed

import (
	"context"
	"encoding/binary"
	"fmt"
	gomath "math"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/framekit/engine"
	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/math"
	"github.com/spaghettifunk/framekit/engine/renderer/headless"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
	"github.com/spaghettifunk/framekit/engine/systems"
)

const (
	ColorTarget metadata.ResourceID = iota + 1
	DepthTarget
	Staging
	Particles
	LinearSampler
	OpaquePipeline
	ParticlePipeline

	// Meshes are registered from FirstMesh upwards, a vertex and index buffer each.
	FirstMesh metadata.ResourceID = 100
)

type SceneConfig struct {
	Width, Height uint32
	Meshes        int
}

type mesh struct {
	vertices, indices metadata.ResourceID
	indexCount        uint32
}

// TestScene owns the ids it registers and renders whatever has finished loading.
type TestScene struct {
	provider *engine.Provider
	config   SceneConfig

	// draws is false when the backend has no pipelines to bind, such as a real
	// device without application shaders.
	draws bool

	mu     sync.Mutex
	meshes []mesh
	loaded atomic.Int32
	failed atomic.Int32

	frame  uint64
	clear  [4]float32
	booted bool
}

func NewTestScene(p *engine.Provider, config SceneConfig) *TestScene {
	config.Width = math.OrDefault(config.Width, 1280)
	config.Height = math.OrDefault(config.Height, 720)
	_, synthetic := p.Backend().(*headless.Backend)
	return &TestScene{provider: p, config: config, draws: synthetic}
}

// Boot registers the frame targets and pipeline states. It runs on the render thread.
func (s *TestScene) Boot() error {
	core.LogInfo("booting testbed...")
	r := s.provider.Registry()
	target := metadata.TextureDescriptor{
		Kind:      metadata.ResourceKindRenderTarget,
		Format:    metadata.FormatRGBA8Unorm,
		Width:     s.config.Width,
		Height:    s.config.Height,
		MipLevels: 1,
	}
	if !r.RegisterTexture(ColorTarget, target, "color") {
		return fmt.Errorf("testbed: %w: color target", core.ErrResourceCreation)
	}
	target.Kind, target.Format = metadata.ResourceKindDepthStencil, metadata.FormatD24UnormS8Uint
	if !r.RegisterTexture(DepthTarget, target, "depth") {
		return fmt.Errorf("testbed: %w: depth target", core.ErrResourceCreation)
	}
	if s.draws {
		r.RegisterPipelineState(OpaquePipeline, systems.PipelineState{Pipeline: 1, Layout: 2})
		r.RegisterPipelineState(ParticlePipeline, systems.PipelineState{Pipeline: 3, Layout: 2, Compute: true})
	}
	s.booted = true
	return nil
}

// Initialize queues the loader jobs. Meshes become drawable as their jobs finish.
func (s *TestScene) Initialize() error {
	if !s.booted {
		return fmt.Errorf("testbed: Initialize before Boot")
	}
	jobs := s.provider.Jobs()
	err := jobs.Submit(systems.JobTask{
		Name: "shared",
		Run: func(ctx context.Context) error {
			r := s.provider.Registry()
			ok := r.RegisterBuffer(Staging, metadata.BufferDescriptor{Size: 64 << 10, Usage: metadata.BufferUsageCopySource, HostVisible: true}, "staging")
			ok = r.RegisterBuffer(Particles, metadata.BufferDescriptor{Size: 1 << 20, Usage: metadata.BufferUsageStorage, Stride: 32}, "particles") && ok
			ok = r.RegisterSampler(LinearSampler, metadata.SamplerDescriptor{MinFilter: metadata.FilterLinear, MagFilter: metadata.FilterLinear, MaxAnisotropy: 8}, "linear") && ok
			if !ok {
				return core.ErrResourceCreation
			}
			return nil
		},
		OnFailure: func(error) { s.failed.Add(1) },
	})
	if err != nil {
		return err
	}
	for i := 0; i < s.config.Meshes; i++ {
		m := mesh{
			vertices:   FirstMesh + metadata.ResourceID(2*i),
			indices:    FirstMesh + metadata.ResourceID(2*i+1),
			indexCount: uint32(36 * (i + 1)),
		}
		err := jobs.Submit(systems.JobTask{
			Name: fmt.Sprintf("mesh-%d", i),
			Run: func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				vertices, indices := synthesizeCubes(s.provider.Memory(), i+1)
				if vertices == nil || indices == nil {
					return fmt.Errorf("mesh %d: scratch arena closed", i)
				}
				r := s.provider.Registry()
				vb := metadata.BufferDescriptor{Size: uint64(len(vertices)), Usage: metadata.BufferUsageVertex | metadata.BufferUsageCopyDest, Stride: vertexStride}
				ib := metadata.BufferDescriptor{Size: uint64(len(indices)), Usage: metadata.BufferUsageIndex | metadata.BufferUsageCopyDest}
				if !r.RegisterBuffer(m.vertices, vb, "") {
					return fmt.Errorf("%w: vertex buffer %d", core.ErrResourceCreation, m.vertices)
				}
				if !r.RegisterBuffer(m.indices, ib, "") {
					r.Destroy(m.vertices)
					return fmt.Errorf("%w: index buffer %d", core.ErrResourceCreation, m.indices)
				}
				return nil
			},
			OnComplete: func() {
				s.mu.Lock()
				s.meshes = append(s.meshes, m)
				s.mu.Unlock()
				s.loaded.Add(1)
			},
			OnFailure: func(error) { s.failed.Add(1) },
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Loaded reports how many meshes are ready and how many loader jobs failed.
func (s *TestScene) Loaded() (loaded, failed int) {
	return int(s.loaded.Load()), int(s.failed.Load())
}

// Update advances the scene to frame.
func (s *TestScene) Update(frame uint64) {
	s.frame = frame
	shade := float32(frame%120) / 120
	s.clear = [4]float32{0.1, shade, math.Clamp(1-shade, 0.2, 1), 1}
}

// Render records one frame. The caller owns BeginFrame and EndFrame.
func (s *TestScene) Render(ctx context.Context) error {
	p := s.provider
	w, h := s.config.Width, s.config.Height
	cmds := []metadata.Command{
		metadata.SetViewport{Viewport: metadata.Viewport{Width: float32(w), Height: float32(h), MaxDepth: 1}},
		metadata.SetScissor{Rect: metadata.Rect{Width: w, Height: h}},
		metadata.Transition{Resource: ColorTarget, Before: metadata.ResourceStateShaderResource, After: metadata.ResourceStateRenderTarget},
		metadata.Transition{Resource: DepthTarget, Before: metadata.ResourceStateDepthRead, After: metadata.ResourceStateDepthWrite},
		metadata.ClearRenderTarget{Target: ColorTarget, Color: s.clear},
		metadata.ClearDepthStencil{Target: DepthTarget, Depth: 1},
	}
	if s.frame == 0 {
		// Targets start out in the common state.
		cmds[2] = metadata.Transition{Resource: ColorTarget, Before: metadata.ResourceStateCommon, After: metadata.ResourceStateRenderTarget}
		cmds[3] = metadata.Transition{Resource: DepthTarget, Before: metadata.ResourceStateCommon, After: metadata.ResourceStateDepthWrite}
	}
	for _, c := range cmds {
		if _, err := p.Execute(ctx, c); err != nil {
			return err
		}
	}

	if s.draws {
		s.mu.Lock()
		meshes := append([]mesh(nil), s.meshes...)
		s.mu.Unlock()
		for _, m := range meshes {
			p.Execute(ctx, metadata.SetPrimitiveTopology{Topology: metadata.TopologyTriangleList})
			p.Execute(ctx, metadata.SetVertexBuffer{Slot: 0, Buffer: m.vertices, Stride: 32})
			p.Execute(ctx, metadata.SetIndexBuffer{Buffer: m.indices, Format: metadata.IndexFormatUint32})
			if _, err := p.ExecuteDrawIndexed(ctx, OpaquePipeline, m.indexCount, 1, 0, 0, 0); err != nil {
				return err
			}
		}
		if _, err := p.ExecuteDispatch(ctx, ParticlePipeline, 64, 1, 1); err != nil {
			return err
		}
	}

	ends := []metadata.Command{
		metadata.Transition{Resource: ColorTarget, Before: metadata.ResourceStateRenderTarget, After: metadata.ResourceStateShaderResource},
		metadata.Transition{Resource: DepthTarget, Before: metadata.ResourceStateDepthWrite, After: metadata.ResourceStateDepthRead},
	}
	for _, c := range ends {
		if _, err := p.Execute(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Frame runs Update and Render between BeginFrame and EndFrame.
func (s *TestScene) Frame(ctx context.Context) error {
	p := s.provider
	if err := p.BeginFrame(ctx); err != nil {
		return err
	}
	s.Update(p.FrameIndex())
	if err := s.Render(ctx); err != nil {
		p.EndFrame(ctx)
		return err
	}
	return p.EndFrame(ctx)
}

// Shutdown waits for loaders and schedules every registered id for destruction.
func (s *TestScene) Shutdown() {
	core.LogInfo("shutting down testbed...")
	s.provider.Jobs().Wait()
	r := s.provider.Registry()
	r.DestroyPipelineState(OpaquePipeline)
	r.DestroyPipelineState(ParticlePipeline)
	for _, id := range []metadata.ResourceID{ColorTarget, DepthTarget, Staging, Particles, LinearSampler} {
		r.Destroy(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.meshes {
		r.Destroy(m.vertices)
		r.Destroy(m.indices)
	}
	s.meshes = nil
}

const (
	// position and normal as float32x3, uv as float32x2
	vertexStride = 32
	cubeVertices = 24
	cubeIndices  = 36
)

var (
	cubeCorners = [8][3]float32{
		{-1, -1, -1}, {1, -1, -1}, {1, 1, -1}, {-1, 1, -1},
		{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1},
	}
	cubeFaces = [6]struct {
		corners [4]int
		normal  [3]float32
	}{
		{[4]int{0, 1, 2, 3}, [3]float32{0, 0, -1}},
		{[4]int{5, 4, 7, 6}, [3]float32{0, 0, 1}},
		{[4]int{4, 0, 3, 7}, [3]float32{-1, 0, 0}},
		{[4]int{1, 5, 6, 2}, [3]float32{1, 0, 0}},
		{[4]int{3, 2, 6, 7}, [3]float32{0, 1, 0}},
		{[4]int{4, 5, 1, 0}, [3]float32{0, -1, 0}},
	}
	faceUVs = [4][2]float32{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
)

// synthesizeCubes lays out count cubes side by side in scratch memory taken from
// the provider arena. It returns nil slices once the arena is closed.
func synthesizeCubes(arena *systems.MemoryArenaManager, count int) (vertices, indices []byte) {
	vertices = arena.Allocate(count * cubeVertices * vertexStride)
	indices = arena.Allocate(count * cubeIndices * 4)
	if vertices == nil || indices == nil {
		return nil, nil
	}
	le := binary.LittleEndian
	v, x := 0, 0
	for c := 0; c < count; c++ {
		offset := float32(3 * c)
		base := uint32(c * cubeVertices)
		for f, face := range cubeFaces {
			for k, corner := range face.corners {
				p := cubeCorners[corner]
				attrs := [8]float32{p[0] + offset, p[1], p[2], face.normal[0], face.normal[1], face.normal[2], faceUVs[k][0], faceUVs[k][1]}
				for _, a := range attrs {
					le.PutUint32(vertices[v:], gomath.Float32bits(a))
					v += 4
				}
			}
			first := base + uint32(4*f)
			for _, k := range [6]uint32{0, 1, 2, 2, 3, 0} {
				le.PutUint32(indices[x:], first+k)
				x += 4
			}
		}
	}
	return vertices, indices
}
