// Package pool provides the fixed-block allocators behind message payload
// delivery. Two BytePool size classes share one Arena; a pool never touches
// the arena again after construction.
package pool

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrDoubleFree reports a block freed while already on the free list.
var ErrDoubleFree = errors.New("pool: double free")

// ErrForeignBlock reports a block handed to a pool that does not own it.
var ErrForeignBlock = errors.New("pool: block not owned by this pool")

// Block is a handle to one fixed-size buffer drawn from a BytePool. The
// holder owns Buf until exactly one Free call returns it.
type Block struct {
	Buf  []byte
	pool *BytePool
	idx  int32
}

// Pool returns the owning pool, used when a descriptor must be released
// without knowing its size class.
func (b *Block) Pool() *BytePool { return b.pool }

// BytePool is a fixed-block allocator. All capacity×eltSize bytes are
// carved from the upstream arena at construction; Alloc and Free only move
// indices on an intrusive LIFO free list.
type BytePool struct {
	mu      sync.Mutex
	region  []byte
	eltSize int
	cap     int

	// free list: head is the next free block index, next chains the rest.
	head  int32
	next  []int32
	inUse []bool

	allocated atomic.Int64
}

const freeListEnd = int32(-1)

// New carves eltSize×capacity bytes from arena and builds the free list.
func New(eltSize, capacity int, arena *Arena) (*BytePool, error) {
	if eltSize <= 0 {
		return nil, errors.New("pool: element size must be positive")
	}
	if capacity <= 0 {
		return nil, errors.New("pool: capacity must be positive")
	}
	region, err := arena.Take(eltSize * capacity)
	if err != nil {
		return nil, err
	}
	p := &BytePool{
		region:  region,
		eltSize: eltSize,
		cap:     capacity,
		head:    0,
		next:    make([]int32, capacity),
		inUse:   make([]bool, capacity),
	}
	for i := 0; i < capacity-1; i++ {
		p.next[i] = int32(i + 1)
	}
	p.next[capacity-1] = freeListEnd
	return p, nil
}

// Alloc returns a block of EltSize bytes, or nil if the pool is exhausted.
// Exhaustion is not an error to the caller.
func (p *BytePool) Alloc() *Block {
	p.mu.Lock()
	idx := p.head
	if idx == freeListEnd {
		p.mu.Unlock()
		return nil
	}
	p.head = p.next[idx]
	p.inUse[idx] = true
	p.mu.Unlock()

	p.allocated.Add(1)
	off := int(idx) * p.eltSize
	return &Block{
		Buf:  p.region[off : off+p.eltSize : off+p.eltSize],
		pool: p,
		idx:  idx,
	}
}

// Free returns a block to the pool. Free(nil) is a no-op. Freeing a block
// twice, or a block from another pool, is a programmer error and is
// reported without corrupting the free list.
func (p *BytePool) Free(b *Block) error {
	if b == nil {
		return nil
	}
	if b.pool != p {
		return ErrForeignBlock
	}
	p.mu.Lock()
	if !p.inUse[b.idx] {
		p.mu.Unlock()
		return ErrDoubleFree
	}
	p.inUse[b.idx] = false
	p.next[b.idx] = p.head
	p.head = b.idx
	p.mu.Unlock()

	p.allocated.Add(-1)
	return nil
}

// Size returns the current in-use count. Readable without the pool lock.
func (p *BytePool) Size() int { return int(p.allocated.Load()) }

// Free blocks remaining.
func (p *BytePool) Available() int { return p.cap - p.Size() }

// Capacity returns the configured capacity.
func (p *BytePool) Capacity() int { return p.cap }

// EltSize returns the fixed block size in bytes.
func (p *BytePool) EltSize() int { return p.eltSize }
