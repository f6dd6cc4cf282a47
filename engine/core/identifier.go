package core

import (
	"fmt"
	"sync"
)

// Identifier is a slot index paired with the generation it was issued under.
// A released slot bumps its generation so stale identifiers never compare equal
// to the slot's next occupant.
type Identifier struct {
	Index      uint32
	Generation uint32
}

// IdentifierPool hands out generation-counted identifiers and reuses released slots.
type IdentifierPool struct {
	mu          sync.Mutex
	owners      []interface{}
	generations []uint32
	free        []uint32
}

func NewIdentifierPool(capacity int) *IdentifierPool {
	return &IdentifierPool{
		owners:      make([]interface{}, 0, capacity),
		generations: make([]uint32, 0, capacity),
	}
}

func (p *IdentifierPool) Acquire(owner interface{}) Identifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		// Existing free spot. Take it.
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		p.owners[idx] = owner
		return Identifier{Index: idx, Generation: p.generations[idx]}
	}
	p.owners = append(p.owners, owner)
	p.generations = append(p.generations, 1)
	return Identifier{Index: uint32(len(p.owners) - 1), Generation: 1}
}

func (p *IdentifierPool) Release(id Identifier) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id.Index) >= len(p.owners) {
		return fmt.Errorf("identifier release: index '%d' out of range (max=%d)", id.Index, len(p.owners))
	}
	if p.generations[id.Index] != id.Generation || p.owners[id.Index] == nil {
		return fmt.Errorf("identifier release: stale identifier %d/%d", id.Index, id.Generation)
	}
	p.owners[id.Index] = nil
	p.generations[id.Index]++
	p.free = append(p.free, id.Index)
	return nil
}

// Owner returns the owner of a live identifier.
func (p *IdentifierPool) Owner(id Identifier) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id.Index) >= len(p.owners) || p.generations[id.Index] != id.Generation {
		return nil, false
	}
	o := p.owners[id.Index]
	return o, o != nil
}

func (p *IdentifierPool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owners) - len(p.free)
}
