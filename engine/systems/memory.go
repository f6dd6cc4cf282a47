package systems

import (
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/framekit/engine/core"
	fmath "github.com/spaghettifunk/framekit/engine/math"
)

const (
	defaultArenaChunkSize = 256 * 1024
	arenaAlignment        = 16
)

type MemoryArenaConfig struct {
	ChunkSize int
}

// MemoryStats is a point-in-time view of the arena accounting.
type MemoryStats struct {
	// Outstanding is the number of tracked bytes not yet released.
	Outstanding uint64
	Peak        uint64
	// LiveAllocations counts tracked allocations not yet released.
	LiveAllocations  int64
	TotalAllocations int64
	ArenaBytes       uint64
	Chunks           int
}

// MemoryArenaManager owns one scratch arena and the byte accounting for
// everything registered through the provider. Accounting is lock-free so
// loader goroutines can track allocations while the render thread runs.
// Arena memory is only reclaimed by Close.
type MemoryArenaManager struct {
	chunkSize int

	mu      sync.Mutex
	chunks  [][]byte
	current []byte
	offset  int
	used    uint64

	outstanding atomic.Uint64
	peak        atomic.Uint64
	live        atomic.Int64
	total       atomic.Int64
	closed      atomic.Bool
}

func NewMemoryArenaManager(config MemoryArenaConfig) *MemoryArenaManager {
	m := &MemoryArenaManager{
		chunkSize: fmath.OrDefault(config.ChunkSize, defaultArenaChunkSize),
	}
	core.LogDebug("memory arena created with %d byte chunks", m.chunkSize)
	return m
}

// Allocate returns size zeroed bytes from the arena, 16-byte aligned within its chunk.
func (m *MemoryArenaManager) Allocate(size int) []byte {
	if size <= 0 || m.closed.Load() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	start := int(fmath.AlignUp(uint64(m.offset), arenaAlignment))
	if m.current == nil || start+size > len(m.current) {
		chunkSize := m.chunkSize
		if size > chunkSize {
			chunkSize = size
		}
		m.current = make([]byte, chunkSize)
		m.chunks = append(m.chunks, m.current)
		start = 0
	}
	buf := m.current[start : start+size : start+size]
	m.offset = start + size
	m.used += uint64(size)
	return buf
}

// TrackAllocation records size bytes as outstanding. Safe from any goroutine.
func (m *MemoryArenaManager) TrackAllocation(size uint64) {
	now := m.outstanding.Add(size)
	m.live.Add(1)
	m.total.Add(1)
	for {
		p := m.peak.Load()
		if now <= p || m.peak.CompareAndSwap(p, now) {
			return
		}
	}
}

// TrackDeallocation releases size bytes recorded by TrackAllocation.
func (m *MemoryArenaManager) TrackDeallocation(size uint64) {
	for {
		cur := m.outstanding.Load()
		next := cur - size
		if size > cur {
			core.LogWarn("memory: deallocation of %d bytes exceeds %d outstanding", size, cur)
			next = 0
		}
		if m.outstanding.CompareAndSwap(cur, next) {
			break
		}
	}
	m.live.Add(-1)
}

func (m *MemoryArenaManager) Stats() MemoryStats {
	m.mu.Lock()
	used, chunks := m.used, len(m.chunks)
	m.mu.Unlock()
	return MemoryStats{
		Outstanding:      m.outstanding.Load(),
		Peak:             m.peak.Load(),
		LiveAllocations:  m.live.Load(),
		TotalAllocations: m.total.Load(),
		ArenaBytes:       used,
		Chunks:           chunks,
	}
}

// Close reports outstanding tracked memory as a leak, then drops the whole arena.
// The returned error is informational; the arena is released either way.
func (m *MemoryArenaManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if out := m.outstanding.Load(); out > 0 {
		leak := &core.LeakError{Subsystem: "memory arena", Count: int(m.live.Load()), Bytes: out}
		core.LogWarnFields("memory leak detected at shutdown", "allocations", leak.Count, "bytes", leak.Bytes)
		err = leak
	}

	m.mu.Lock()
	m.chunks = nil
	m.current = nil
	m.offset = 0
	m.mu.Unlock()
	core.LogDebug("memory arena released (peak %d bytes)", m.peak.Load())
	return err
}
