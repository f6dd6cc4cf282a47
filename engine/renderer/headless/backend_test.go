package headless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spaghettifunk/framekit/engine/renderer"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

func newBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	b := New(opts)
	if err := b.Initialize(renderer.BackendConfig{AppName: t.Name(), FramesInFlight: 3}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return b
}

func TestRegisteredByName(t *testing.T) {
	b, err := renderer.Open(Name)
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != Name {
		t.Fatalf("Name = %q", b.Name())
	}
}

func TestInitializeFailureKeepsWarnings(t *testing.T) {
	cause := errors.New("no adapter")
	b := New(Options{FailInitialize: cause, InitWarnings: []string{"validation layers missing"}})
	if err := b.Initialize(renderer.BackendConfig{}); !errors.Is(err, cause) {
		t.Fatalf("Initialize err = %v", err)
	}
	if w := b.Warnings(); len(w) != 1 {
		t.Fatalf("Warnings = %v", w)
	}
}

func TestFenceLatency(t *testing.T) {
	b := newBackend(t, Options{Latency: 2})
	f, _ := b.CreateFence(0)
	tests := []struct {
		signal uint64
		want   uint64
	}{
		{1, 0},
		{2, 0},
		{3, 1},
		{4, 2},
	}
	for _, tt := range tests {
		if err := b.SignalFence(f, tt.signal); err != nil {
			t.Fatal(err)
		}
		if got := b.CompletedValue(f); got != tt.want {
			t.Fatalf("after signal %d completed = %d, want %d", tt.signal, got, tt.want)
		}
	}
	if err := b.WaitFence(context.Background(), f, 4); err != nil {
		t.Fatal(err)
	}
	if got := b.CompletedValue(f); got != 4 {
		t.Fatalf("after wait completed = %d, want 4", got)
	}
}

func TestManualFenceWaitHonorsContext(t *testing.T) {
	b := newBackend(t, Options{Manual: true})
	f, _ := b.CreateFence(0)
	_ = b.SignalFence(f, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.WaitFence(ctx, f, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitFence err = %v, want deadline", err)
	}

	done := make(chan error, 1)
	go func() { done <- b.WaitFence(context.Background(), f, 1) }()
	time.Sleep(5 * time.Millisecond)
	b.Complete(f, 1)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitFence did not observe completion")
	}
}

func TestResourceLifecycleAndInjection(t *testing.T) {
	b := newBackend(t, Options{})
	h, err := b.CreateBuffer(metadata.BufferDescriptor{Size: 64}, "vb")
	if err != nil || h.IsNull() {
		t.Fatalf("CreateBuffer = %d, %v", h, err)
	}
	b.InjectCreateFailures(1)
	if _, err := b.CreateBuffer(metadata.BufferDescriptor{Size: 64}, "x"); !errors.Is(err, ErrInjected) {
		t.Fatalf("injected err = %v", err)
	}
	if _, err := b.CreateBuffer(metadata.BufferDescriptor{Size: 64}, "y"); err != nil {
		t.Fatalf("injection outlived its count: %v", err)
	}
	b.DestroyResource(h)
	if b.Alive(h) {
		t.Fatal("destroyed handle still alive")
	}
	if d := b.Destroyed(); len(d) != 1 || d[0] != h {
		t.Fatalf("Destroyed = %v", d)
	}
}

func TestCommandBufferSubmitRequiresEnd(t *testing.T) {
	b := newBackend(t, Options{})
	cb, _ := b.AcquireCommandBuffer(metadata.CommandBufferGraphics, 0)
	_ = cb.Begin()
	cb.Draw(3, 1, 0, 0)
	if err := b.Submit([]renderer.CommandBuffer{cb}); err == nil {
		t.Fatal("submit of recording buffer succeeded")
	}
	_ = cb.End()
	if err := b.Submit([]renderer.CommandBuffer{cb}); err != nil {
		t.Fatal(err)
	}
	if c := b.Calls(); c.Draws != 1 || c.Submits != 2 {
		t.Fatalf("calls = %+v", c)
	}
	if got := b.CommandBufferFor(metadata.CommandBufferGraphics, 0).Ops(); len(got) != 1 || got[0] != "draw(3,1)" {
		t.Fatalf("ops = %v", got)
	}
}
