package testbed

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/spaghettifunk/framekit/engine"
	"github.com/spaghettifunk/framekit/engine/config"
	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer/headless"
	"github.com/spaghettifunk/framekit/engine/systems"
)

func TestMain(m *testing.M) {
	core.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func newScene(t *testing.T, opts headless.Options, meshes int) (*TestScene, *engine.Provider, context.Context, *headless.Backend) {
	t.Helper()
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.Descriptors.ResourceCapacity = 64
	cfg.Descriptors.SamplerCapacity = 8
	b := headless.New(opts)
	p, ctx, err := engine.New(context.Background(), cfg, b)
	if err != nil {
		t.Fatal(err)
	}
	s := NewTestScene(p, SceneConfig{Width: 320, Height: 240, Meshes: meshes})
	if err := s.Boot(); err != nil {
		t.Fatal(err)
	}
	return s, p, ctx, b
}

func TestSceneRendersLoadedMeshes(t *testing.T) {
	s, p, ctx, b := newScene(t, headless.Options{Latency: 2}, 4)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := s.Frame(ctx); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if i == 2 {
			p.Jobs().Wait()
		}
	}
	if loaded, failed := s.Loaded(); loaded != 4 || failed != 0 {
		t.Fatalf("loaded %d failed %d", loaded, failed)
	}
	// meshes hold 1+2+3+4 cubes
	want := uint64(10 * (cubeVertices*vertexStride + cubeIndices*4))
	if got := p.Memory().Stats().ArenaBytes; got != want {
		t.Fatalf("arena bytes = %d, want %d", got, want)
	}
	c := b.Calls()
	if c.DrawsIndexed < 4 || c.Dispatches != 10 || c.Clears != 20 {
		t.Fatalf("calls = %+v", c)
	}
	if c.PipelineBinds >= c.DrawsIndexed+c.Dispatches {
		t.Fatalf("pipeline binds were not elided: %+v", c)
	}

	s.Shutdown()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("close after scene shutdown: %v", err)
	}
	if n := b.LiveResources(); n != 0 {
		t.Fatalf("%d resources survived shutdown", n)
	}
}

func TestSceneCountsFailedLoads(t *testing.T) {
	s, p, ctx, b := newScene(t, headless.Options{}, 2)
	b.InjectCreateFailures(1)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	p.Jobs().Wait()
	if _, failed := s.Loaded(); failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
	if err := s.Frame(ctx); err != nil {
		t.Fatal(err)
	}
	s.Shutdown()
	if err := p.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestInitializeBeforeBoot(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "error"
	p, ctx, err := engine.New(context.Background(), cfg, headless.New(headless.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close(ctx)
	if err := NewTestScene(p, SceneConfig{}).Initialize(); err == nil {
		t.Fatal("Initialize before Boot succeeded")
	}
}

func TestSynthesizeCubes(t *testing.T) {
	arena := systems.NewMemoryArenaManager(systems.MemoryArenaConfig{ChunkSize: 1024})
	defer arena.Close()

	vertices, indices := synthesizeCubes(arena, 2)
	if len(vertices) != 2*cubeVertices*vertexStride || len(indices) != 2*cubeIndices*4 {
		t.Fatalf("sizes = %d, %d", len(vertices), len(indices))
	}
	for i := 0; i < len(indices); i += 4 {
		if idx := binary.LittleEndian.Uint32(indices[i:]); idx >= 2*cubeVertices {
			t.Fatalf("index %d = %d is past the vertex data", i/4, idx)
		}
	}
	// second cube, last face, last index
	if got := binary.LittleEndian.Uint32(indices[len(indices)-4:]); got != cubeVertices+20 {
		t.Fatalf("last index = %d", got)
	}
	if s := arena.Stats(); s.ArenaBytes != uint64(len(vertices)+len(indices)) || s.Chunks < 2 {
		t.Fatalf("arena stats = %+v", s)
	}

	arena.Close()
	if v, i := synthesizeCubes(arena, 1); v != nil || i != nil {
		t.Fatal("closed arena handed out scratch memory")
	}
}
