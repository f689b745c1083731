package arena

import (
	"fmt"
	"sync"
	"unsafe"
)

// Heap is the degraded allocator used where executable pages cannot be
// mapped. Every block is a separate heap allocation; nothing is pooled.
// Blocks are not executable, so only binders that do not emit machine code
// can use them.
type Heap struct {
	blockSize int

	mu   sync.Mutex
	live map[unsafe.Pointer][]uintptr
	made int
}

var _ Allocator = (*Heap)(nil)

// NewHeap returns a heap allocator for blocks of blockSize bytes.
func NewHeap(blockSize int) (*Heap, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("arena: invalid block size %d", blockSize)
	}
	return &Heap{
		blockSize: roundUp(blockSize, ptrSize),
		live:      make(map[unsafe.Pointer][]uintptr),
	}, nil
}

// Acquire allocates a fresh zeroed block.
func (h *Heap) Acquire() (Block, error) {
	words := make([]uintptr, h.blockSize/ptrSize)
	p := unsafe.Pointer(unsafe.SliceData(words))

	h.mu.Lock()
	h.live[p] = words
	h.made++
	h.mu.Unlock()

	return Block{ptr: p, size: h.blockSize}, nil
}

// Release drops the block so the garbage collector can reclaim it.
func (h *Heap) Release(b Block) {
	if b.ptr == nil {
		return
	}
	h.mu.Lock()
	delete(h.live, b.ptr)
	h.mu.Unlock()
}

func (h *Heap) BlockSize() int { return h.blockSize }

func (h *Heap) Executable() bool { return false }

func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Blocks: h.made,
		InUse:  len(h.live),
	}
}
