package containers

import (
	"sync"
	"testing"
)

func TestIndexPoolExhaustion(t *testing.T) {
	p := NewIndexPool(4)
	seen := map[int32]bool{}
	for i := 0; i < 4; i++ {
		idx := p.Acquire()
		if idx < 0 || seen[idx] {
			t.Fatalf("Acquire #%d returned %d", i, idx)
		}
		seen[idx] = true
	}
	if idx := p.Acquire(); idx != -1 {
		t.Fatalf("Acquire past capacity = %d, want -1", idx)
	}
	if idx := p.Acquire(); idx != -1 {
		t.Fatalf("second Acquire past capacity = %d, want -1", idx)
	}
}

func TestIndexPoolReusesReleasedSlots(t *testing.T) {
	p := NewIndexPool(8)
	for cycle := 0; cycle < 100; cycle++ {
		var got []int32
		for i := 0; i < 8; i++ {
			idx := p.Acquire()
			if idx < 0 {
				t.Fatalf("cycle %d: pool exhausted after %d acquisitions", cycle, i)
			}
			got = append(got, idx)
		}
		for _, idx := range got {
			if !p.Release(idx) {
				t.Fatalf("cycle %d: Release(%d) = false", cycle, idx)
			}
		}
	}
	if p.InUse() != 0 {
		t.Fatalf("InUse() = %d, want 0", p.InUse())
	}
}

func TestIndexPoolRejectsDoubleRelease(t *testing.T) {
	p := NewIndexPool(2)
	idx := p.Acquire()
	if !p.Release(idx) {
		t.Fatalf("first Release(%d) = false", idx)
	}
	if p.Release(idx) {
		t.Fatalf("second Release(%d) = true, want false", idx)
	}
	if p.Release(7) || p.Release(-1) {
		t.Fatal("Release accepted an out-of-range index")
	}
}

func TestIndexPoolConcurrentUniqueness(t *testing.T) {
	const capacity = 1024
	p := NewIndexPool(capacity)
	var (
		mu    sync.Mutex
		owned = make(map[int32]bool)
		wg    sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				idx := p.Acquire()
				if idx < 0 {
					continue
				}
				mu.Lock()
				if owned[idx] {
					mu.Unlock()
					t.Errorf("index %d handed out twice", idx)
					return
				}
				owned[idx] = true
				mu.Unlock()

				mu.Lock()
				delete(owned, idx)
				mu.Unlock()
				p.Release(idx)
			}
		}()
	}
	wg.Wait()
	if p.InUse() != 0 {
		t.Fatalf("InUse() = %d after all releases", p.InUse())
	}
}
