package systems

import (
	"errors"
	"testing"

	"github.com/spaghettifunk/framekit/engine/core"
	"github.com/spaghettifunk/framekit/engine/renderer/headless"
	"github.com/spaghettifunk/framekit/engine/renderer/metadata"
)

func TestDescriptorHeapExhaustsWithoutWrapping(t *testing.T) {
	const capacity = 1_000_000
	b := newHeadless(t, headless.Options{})
	events := core.NewEventBus()
	exhausted := 0
	events.Register(core.EventHeapExhausted, t, func(core.EventCode, interface{}, interface{}, core.EventContext) bool {
		exhausted++
		return true
	})
	m, err := NewDescriptorHeapManager(b, DescriptorHeapConfig{ResourceCapacity: capacity, SamplerCapacity: 16}, events)
	if err != nil {
		t.Fatal(err)
	}
	var last DescriptorIndex
	for i := 0; i < capacity; i++ {
		last = m.AllocateResource()
		if last == NoDescriptor {
			t.Fatalf("allocation %d failed early", i)
		}
	}
	if last != capacity-1 {
		t.Fatalf("last index = %d, want %d", last, capacity-1)
	}
	if got := m.AllocateResource(); got != NoDescriptor {
		t.Fatalf("allocation past capacity returned %d", got)
	}
	if exhausted != 1 {
		t.Fatalf("exhausted events = %d, want 1", exhausted)
	}
}

func TestDescriptorHeapReclaimsFreedSlots(t *testing.T) {
	b := newHeadless(t, headless.Options{})
	m, err := NewDescriptorHeapManager(b, DescriptorHeapConfig{ResourceCapacity: 8, SamplerCapacity: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	slots := make([]DescriptorIndex, 8)
	for cycle := 0; cycle < 50; cycle++ {
		for i := range slots {
			slots[i] = m.AllocateResource()
			if slots[i] == NoDescriptor || int(slots[i]) >= m.ResourceCapacity() {
				t.Fatalf("cycle %d: bad slot %d", cycle, slots[i])
			}
		}
		for _, s := range slots {
			if !m.FreeResource(s) {
				t.Fatalf("cycle %d: free of %d failed", cycle, s)
			}
		}
	}
	if m.InUseResource() != 0 {
		t.Fatalf("InUse = %d", m.InUseResource())
	}
	if m.FreeResource(3) {
		t.Fatal("double free accepted")
	}
}

func TestDescriptorHeapBindAndViews(t *testing.T) {
	b := newHeadless(t, headless.Options{})
	m, err := NewDescriptorHeapManager(b, DescriptorHeapConfig{ResourceCapacity: 4, SamplerCapacity: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	tex, _ := b.CreateTexture(metadata.TextureDescriptor{Kind: metadata.ResourceKindTexture2D, Format: metadata.FormatRGBA8Unorm, Width: 4, Height: 4, Depth: 1, ArraySize: 1, MipLevels: 1, SampleCount: 1}, "t")
	idx := m.AllocateResource()
	if err := m.WriteResourceView(idx, tex); err != nil {
		t.Fatal(err)
	}
	if got, ok := b.View(m.ResourceHeap(), uint32(idx)); !ok || got != tex {
		t.Fatalf("view = %d, %v", got, ok)
	}
	if err := m.WriteResourceView(NoDescriptor, tex); !errors.Is(err, core.ErrDescriptorHeapExhausted) {
		t.Fatalf("write to NoDescriptor err = %v", err)
	}

	cb, _ := b.AcquireCommandBuffer(metadata.CommandBufferGraphics, 0)
	_ = cb.Begin()
	m.Bind(cb)
	if b.Calls().HeapBinds != 1 {
		t.Fatalf("heap binds = %d", b.Calls().HeapBinds)
	}

	err = m.Close()
	if !errors.Is(err, core.ErrLeakDetected) {
		t.Fatalf("Close err = %v, want leak for the live slot", err)
	}
}
