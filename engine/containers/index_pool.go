package containers

import "sync/atomic"

// IndexPool hands out integer slots in [0, capacity) without locks.
//
// Fresh slots come from a monotonic cursor that never moves past capacity.
// Released slots go onto a tagged Treiber stack and are handed out again
// before the cursor advances, so alloc/free cycles never leak capacity.
type IndexPool struct {
	capacity int32
	cursor   atomic.Int32
	// head packs a generation tag in the high 32 bits and top+1 in the low 32 bits.
	head  atomic.Uint64
	next  []atomic.Int32
	inUse []atomic.Bool
	live  atomic.Int32
}

func NewIndexPool(capacity int32) *IndexPool {
	if capacity < 0 {
		capacity = 0
	}
	return &IndexPool{
		capacity: capacity,
		next:     make([]atomic.Int32, capacity),
		inUse:    make([]atomic.Bool, capacity),
	}
}

// Acquire returns a free slot, or -1 when every slot is in use.
func (p *IndexPool) Acquire() int32 {
	idx := p.pop()
	if idx < 0 {
		for {
			c := p.cursor.Load()
			if c >= p.capacity {
				return -1
			}
			if p.cursor.CompareAndSwap(c, c+1) {
				idx = c
				break
			}
		}
	}
	p.inUse[idx].Store(true)
	p.live.Add(1)
	return idx
}

// Release returns idx to the pool. It reports false for out-of-range
// indices and for slots that are not currently in use.
func (p *IndexPool) Release(idx int32) bool {
	if idx < 0 || idx >= p.capacity {
		return false
	}
	if !p.inUse[idx].CompareAndSwap(true, false) {
		return false
	}
	p.live.Add(-1)
	p.push(idx)
	return true
}

// InUse returns the number of slots currently handed out.
func (p *IndexPool) InUse() int32 {
	return p.live.Load()
}

func (p *IndexPool) Capacity() int32 {
	return p.capacity
}

// Reset marks every slot free again. Callers must ensure no concurrent use.
func (p *IndexPool) Reset() {
	p.cursor.Store(0)
	p.head.Store(0)
	p.live.Store(0)
	for i := range p.inUse {
		p.inUse[i].Store(false)
	}
}

func (p *IndexPool) push(idx int32) {
	for {
		old := p.head.Load()
		p.next[idx].Store(int32(uint32(old)) - 1)
		tag := (old >> 32) + 1
		if p.head.CompareAndSwap(old, tag<<32|uint64(uint32(idx+1))) {
			return
		}
	}
}

func (p *IndexPool) pop() int32 {
	for {
		old := p.head.Load()
		top := int32(uint32(old)) - 1
		if top < 0 {
			return -1
		}
		nxt := p.next[top].Load()
		tag := (old >> 32) + 1
		if p.head.CompareAndSwap(old, tag<<32|uint64(uint32(nxt+1))) {
			return top
		}
	}
}
