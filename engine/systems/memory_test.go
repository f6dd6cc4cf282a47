package systems

import (
	"errors"
	"sync"
	"testing"

	"github.com/spaghettifunk/framekit/engine/core"
)

func TestArenaAllocateAlignsAndGrows(t *testing.T) {
	m := NewMemoryArenaManager(MemoryArenaConfig{ChunkSize: 64})
	a := m.Allocate(10)
	b := m.Allocate(10)
	if len(a) != 10 || len(b) != 10 {
		t.Fatalf("lengths %d %d", len(a), len(b))
	}
	a[9] = 1
	if b[0] != 0 {
		t.Fatal("allocations overlap")
	}
	big := m.Allocate(200)
	if len(big) != 200 {
		t.Fatalf("oversized allocation length %d", len(big))
	}
	s := m.Stats()
	if s.ArenaBytes != 220 || s.Chunks != 2 {
		t.Fatalf("stats = %+v", s)
	}
	if m.Allocate(0) != nil {
		t.Fatal("zero-sized allocation returned memory")
	}
}

func TestArenaTracksPeakConcurrently(t *testing.T) {
	m := NewMemoryArenaManager(MemoryArenaConfig{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.TrackAllocation(16)
				m.TrackDeallocation(16)
			}
		}()
	}
	wg.Wait()
	s := m.Stats()
	if s.Outstanding != 0 || s.LiveAllocations != 0 {
		t.Fatalf("stats = %+v", s)
	}
	if s.Peak < 16 || s.Peak > 8*16 {
		t.Fatalf("peak = %d", s.Peak)
	}
	if s.TotalAllocations != 8000 {
		t.Fatalf("total = %d", s.TotalAllocations)
	}
}

func TestArenaCloseReportsLeak(t *testing.T) {
	m := NewMemoryArenaManager(MemoryArenaConfig{})
	m.TrackAllocation(1024)
	m.TrackAllocation(512)
	m.TrackDeallocation(512)

	err := m.Close()
	var leak *core.LeakError
	if !errors.As(err, &leak) {
		t.Fatalf("Close err = %v, want LeakError", err)
	}
	if leak.Bytes != 1024 || leak.Count != 1 {
		t.Fatalf("leak = %+v", leak)
	}
	if !errors.Is(err, core.ErrLeakDetected) {
		t.Fatal("leak does not unwrap to ErrLeakDetected")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
	if m.Allocate(8) != nil {
		t.Fatal("closed arena handed out memory")
	}
}
