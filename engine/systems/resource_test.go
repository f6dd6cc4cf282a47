package systems

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer/headless"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

type fakeFrames struct{ frame atomic.Uint64 }

func (f *fakeFrames) FrameIndex() uint64 { return f.frame.Load() }

type registryFixture struct {
	backend  *headless.Backend
	heaps    *DescriptorHeapManager
	memory   *MemoryArenaManager
	frames   *fakeFrames
	registry *ResourceRegistry
}

func newRegistryFixture(t *testing.T, resourceSlots uint32) *registryFixture {
	t.Helper()
	f := &registryFixture{
		backend: newHeadless(t, headless.Options{}),
		memory:  NewMemoryArenaManager(MemoryArenaConfig{}),
		frames:  &fakeFrames{},
	}
	heaps, err := NewDescriptorHeapManager(f.backend, DescriptorHeapConfig{ResourceCapacity: resourceSlots, SamplerCapacity: 8}, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.heaps = heaps
	f.registry = NewResourceRegistry(ResourceRegistryConfig{FramesInFlight: 3}, f.backend, heaps, f.memory, f.frames, nil)
	return f
}

func texture2D(w, h uint32) metadata.TextureDescriptor {
	return metadata.TextureDescriptor{
		Kind:        metadata.ResourceKindTexture2D,
		Format:      metadata.FormatRGBA8Unorm,
		Width:       w,
		Height:      h,
		Depth:       1,
		ArraySize:   1,
		MipLevels:   1,
		SampleCount: 1,
	}
}

func TestDeferredDestructionWaitsForFramesInFlight(t *testing.T) {
	f := newRegistryFixture(t, 16)
	if !f.registry.RegisterBuffer(1, metadata.BufferDescriptor{Size: 1024}, "vb") {
		t.Fatal("register failed")
	}
	handle := f.registry.GetResource(1)

	f.frames.frame.Store(5)
	if !f.registry.Destroy(1) {
		t.Fatal("destroy failed")
	}
	if f.registry.GetResource(1) != 0 {
		t.Fatal("destroyed id still resolves")
	}

	if n := f.registry.ProcessDestructions(7); n != 0 {
		t.Fatalf("released %d at frame 7", n)
	}
	if !f.backend.Alive(handle) {
		t.Fatal("handle destroyed before frame 8 completed")
	}
	if n := f.registry.ProcessDestructions(8); n != 1 {
		t.Fatalf("released %d at frame 8, want 1", n)
	}
	if f.backend.Alive(handle) {
		t.Fatal("handle still alive after frame 8")
	}
	if s := f.memory.Stats(); s.Outstanding != 0 {
		t.Fatalf("outstanding bytes = %d", s.Outstanding)
	}
}

func TestDestroyNeverReleasesEarly(t *testing.T) {
	f := newRegistryFixture(t, 64)
	rng := rand.New(rand.NewSource(7))
	removedAt := map[metadata.ResourceHandle]uint64{}
	live := map[metadata.ResourceID]bool{}

	for frame := uint64(0); frame < 200; frame++ {
		f.frames.frame.Store(frame)
		id := metadata.ResourceID(rng.Intn(20))
		if live[id] && rng.Intn(2) == 0 {
			h := f.registry.GetResource(id)
			f.registry.Destroy(id)
			removedAt[h] = frame
			delete(live, id)
		} else if !live[id] {
			f.registry.RegisterBuffer(id, metadata.BufferDescriptor{Size: 64}, "")
			live[id] = true
		}
		if frame >= 3 {
			completed := frame - 3
			before := len(f.backend.Destroyed())
			f.registry.ProcessDestructions(completed)
			for _, h := range f.backend.Destroyed()[before:] {
				if completed < removedAt[h]+3 {
					t.Fatalf("handle %d removed at %d destroyed at completed frame %d", h, removedAt[h], completed)
				}
			}
		}
	}
}

func TestRegisterOverExistingRetiresOldEntry(t *testing.T) {
	f := newRegistryFixture(t, 16)
	f.registry.RegisterTexture(4, texture2D(8, 8), "first")
	first := f.registry.GetResource(4)
	f.registry.RegisterTexture(4, texture2D(8, 8), "second")
	second := f.registry.GetResource(4)
	if first == second {
		t.Fatal("re-registration kept the old handle")
	}
	if !f.backend.Alive(first) {
		t.Fatal("old handle destroyed immediately")
	}
	if f.registry.PendingDestructions() != 1 {
		t.Fatalf("pending = %d", f.registry.PendingDestructions())
	}
	f.registry.ProcessDestructions(3)
	if f.backend.Alive(first) {
		t.Fatal("old handle not released")
	}
	if f.heaps.InUseResource() != 1 {
		t.Fatalf("descriptor slots in use = %d, want 1", f.heaps.InUseResource())
	}
}

func TestRegisterCreationFailureLeavesNoState(t *testing.T) {
	f := newRegistryFixture(t, 16)
	f.backend.InjectCreateFailures(1)
	if f.registry.RegisterTexture(9, texture2D(4, 4), "broken") {
		t.Fatal("registration succeeded")
	}
	if _, ok := f.registry.Lookup(9); ok {
		t.Fatal("failed registration left an entry")
	}
	if f.heaps.InUseResource() != 0 || f.memory.Stats().Outstanding != 0 {
		t.Fatal("failed registration left descriptor or memory accounting behind")
	}
}

func TestTextureWithoutDescriptorWhenHeapFull(t *testing.T) {
	f := newRegistryFixture(t, 1)
	f.registry.RegisterTexture(1, texture2D(4, 4), "a")
	if !f.registry.RegisterTexture(2, texture2D(4, 4), "b") {
		t.Fatal("registration should succeed without a slot")
	}
	if f.registry.GetDescriptorIndex(1) != 0 {
		t.Fatalf("first slot = %d", f.registry.GetDescriptorIndex(1))
	}
	if f.registry.GetDescriptorIndex(2) != NoDescriptor {
		t.Fatalf("second slot = %d, want NoDescriptor", f.registry.GetDescriptorIndex(2))
	}
	if f.registry.GetDescriptorIndex(99) != NoDescriptor {
		t.Fatal("unknown id has a slot")
	}
}

func TestTextureFootprint(t *testing.T) {
	f := newRegistryFixture(t, 16)
	desc := texture2D(256, 256)
	desc.MipLevels = 0
	f.registry.RegisterTexture(1, desc, "mips")
	e, _ := f.registry.Lookup(1)
	if want := uint64(256 * 256 * 4 * 4 / 3); e.Size != want {
		t.Fatalf("size = %d, want %d", e.Size, want)
	}
	if e.Label != "mips" || e.Kind != metadata.ResourceKindTexture2D {
		t.Fatalf("entry = %+v", e)
	}
}

func TestGeneratedLabel(t *testing.T) {
	f := newRegistryFixture(t, 16)
	f.registry.RegisterSampler(3, metadata.SamplerDescriptor{}, "")
	e, ok := f.registry.Lookup(3)
	if !ok || len(e.Label) < len("sampler-") || e.Label[:8] != "sampler-" {
		t.Fatalf("label = %q", e.Label)
	}
	if e.Descriptor == NoDescriptor {
		t.Fatal("sampler has no slot")
	}
}

func TestPipelineStateHandles(t *testing.T) {
	f := newRegistryFixture(t, 16)
	h1 := f.registry.RegisterPipelineState(1, PipelineState{Pipeline: 100, Layout: 200})
	got, state, ok := f.registry.GetPipelineState(1)
	if !ok || got != h1 || state.Pipeline != 100 {
		t.Fatalf("GetPipelineState = %v %+v %v", got, state, ok)
	}
	h2 := f.registry.RegisterPipelineState(1, PipelineState{Pipeline: 101, Layout: 200})
	if h1 == h2 {
		t.Fatal("re-registered pipeline kept its handle")
	}
	if !f.registry.DestroyPipelineState(1) {
		t.Fatal("destroy failed")
	}
	if _, _, ok := f.registry.GetPipelineState(1); ok {
		t.Fatal("destroyed pipeline resolves")
	}
}

func TestSnapshotReadsAfterRefresh(t *testing.T) {
	f := newRegistryFixture(t, 16)
	f.registry.RegisterBuffer(1, metadata.BufferDescriptor{Size: 16}, "a")
	f.registry.Refresh()
	if f.registry.GetResource(1).IsNull() {
		t.Fatal("snapshot read missed entry")
	}
	f.registry.RegisterBuffer(2, metadata.BufferDescriptor{Size: 16}, "b")
	if f.registry.GetResource(2).IsNull() {
		t.Fatal("stale snapshot hid a new entry")
	}
}

func TestConcurrentRegisterAndLookup(t *testing.T) {
	f := newRegistryFixture(t, 1024)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := metadata.ResourceID(w*1000 + i)
				if !f.registry.RegisterTexture(id, texture2D(4, 4), "") {
					t.Errorf("register %d failed", id)
				}
			}
		}(w)
	}
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				f.registry.Refresh()
				f.registry.GetResource(metadata.ResourceID(rand.Intn(4000)))
			}
		}
	}()
	wg.Wait()
	close(stop)
	readers.Wait()

	if s := f.registry.Stats(); s.Live != 400 {
		t.Fatalf("live = %d, want 400", s.Live)
	}
	if f.heaps.InUseResource() != 400 {
		t.Fatalf("slots = %d, want 400", f.heaps.InUseResource())
	}
}

func TestShutdownReportsLeaks(t *testing.T) {
	f := newRegistryFixture(t, 16)
	f.registry.RegisterBuffer(1, metadata.BufferDescriptor{Size: 128}, "kept")
	f.registry.RegisterBuffer(2, metadata.BufferDescriptor{Size: 64}, "dropped")
	f.registry.Destroy(2)

	err := f.registry.Shutdown()
	var leak *core.LeakError
	if !errors.As(err, &leak) || leak.Count != 1 || leak.Bytes != 128 {
		t.Fatalf("Shutdown err = %v", err)
	}
	if f.backend.LiveResources() != 0 {
		t.Fatalf("live native resources = %d", f.backend.LiveResources())
	}
	if f.registry.PendingDestructions() != 0 {
		t.Fatal("pending destructions survived shutdown")
	}
}

func TestDestroyedListenerMayReenterRegistry(t *testing.T) {
	f := newRegistryFixture(t, 16)
	events := core.NewEventBus()
	f.registry.events = events

	var seen []RegistryStats
	events.Register(core.EventResourceDestroyed, f, func(_ core.EventCode, _, _ interface{}, data core.EventContext) bool {
		seen = append(seen, f.registry.Stats())
		if data.Resource == 1 {
			f.registry.Destroy(2)
		}
		return false
	})
	for id := metadata.ResourceID(1); id <= 2; id++ {
		if !f.registry.RegisterBuffer(id, metadata.BufferDescriptor{Size: 256}, "") {
			t.Fatalf("register %d failed", id)
		}
	}
	f.frames.frame.Store(5)
	f.registry.Destroy(1)

	run := func(name string, fn func()) {
		t.Helper()
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not return while a listener used the registry", name)
		}
	}
	run("ProcessDestructions", func() { f.registry.ProcessDestructions(8) })
	if len(seen) != 1 || seen[0].PendingDestructions != 0 || seen[0].Live != 1 {
		t.Fatalf("stats seen by listener = %+v", seen)
	}

	run("Shutdown", func() { f.registry.Shutdown() })
	if len(seen) != 2 {
		t.Fatalf("listener ran %d times, want 2", len(seen))
	}
	if n := f.backend.LiveResources(); n != 0 {
		t.Fatalf("%d resources alive after shutdown", n)
	}
}
