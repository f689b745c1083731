// Package arena hands out fixed-size blocks of executable memory used to
// host generated trampolines.
//
// Pages are requested from the OS with read, write and execute permission
// and sliced into equally sized blocks kept on a free list. Pages are never
// returned to the OS; released blocks are reused for the lifetime of the
// process.
package arena

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	// ErrNoMemory is returned when the OS refuses to map a new page.
	ErrNoMemory = errors.New("arena: cannot map executable memory")

	// ErrUnsupported is returned when executable mappings are requested on
	// a platform without a mapper.
	ErrUnsupported = errors.New("arena: executable mappings unsupported on this platform")
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// Block is a fixed-size unit of arena memory.
type Block struct {
	ptr  unsafe.Pointer
	size int
}

// Addr returns the start address of the block.
func (b Block) Addr() uintptr { return uintptr(b.ptr) }

// Pointer returns the start of the block.
func (b Block) Pointer() unsafe.Pointer { return b.ptr }

// Size returns the block size in bytes.
func (b Block) Size() int { return b.size }

// IsZero reports whether b is the empty block.
func (b Block) IsZero() bool { return b.ptr == nil }

// Bytes returns the block contents.
func (b Block) Bytes() []byte {
	if b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// Stats is a snapshot of allocator state.
type Stats struct {
	Pages  int // OS mappings made
	Blocks int // blocks carved so far
	Free   int // blocks on the free list
	InUse  int // blocks handed out and not yet released
	Mapped int // bytes mapped
}

// Allocator is implemented by the executable arena and the heap fallback.
type Allocator interface {
	Acquire() (Block, error)
	Release(Block)
	BlockSize() int
	// Executable reports whether blocks can hold machine code.
	Executable() bool
	Stats() Stats
}

// Mapper maps size bytes of readable, writable and executable memory.
type Mapper func(size int) ([]byte, error)

// Options configures an Arena.
type Options struct {
	// BlockSize is the trampoline record footprint. It is rounded up to
	// pointer alignment.
	BlockSize int

	// PageSize is the size of each OS request. Zero uses the system page
	// size. It is raised to hold at least one block.
	PageSize int

	// Mapper overrides the OS mapper. Nil uses the platform default.
	Mapper Mapper
}

// Arena is the pooled executable allocator.
type Arena struct {
	mu        sync.Mutex
	free      []unsafe.Pointer
	pages     [][]byte
	blockSize int
	mapSize   int
	perPage   int
	inUse     int
	mapper    Mapper
}

var _ Allocator = (*Arena)(nil)

// New creates an isolated arena. No memory is mapped until the first
// Acquire.
func New(opts Options) (*Arena, error) {
	if opts.BlockSize <= 0 {
		return nil, fmt.Errorf("arena: invalid block size %d", opts.BlockSize)
	}
	mapper := opts.Mapper
	if mapper == nil {
		mapper = defaultMapper
	}
	if mapper == nil {
		return nil, ErrUnsupported
	}

	blockSize := roundUp(opts.BlockSize, ptrSize)
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = systemPageSize()
	}
	mapSize := roundUp(blockSize, pageSize)

	return &Arena{
		blockSize: blockSize,
		mapSize:   mapSize,
		perPage:   mapSize / blockSize,
		mapper:    mapper,
	}, nil
}

// Acquire pops a zeroed block off the free list, mapping a new page when
// the list is empty.
func (a *Arena) Acquire() (Block, error) {
	a.mu.Lock()
	if len(a.free) == 0 {
		if err := a.grow(); err != nil {
			a.mu.Unlock()
			return Block{}, err
		}
	}
	n := len(a.free) - 1
	p := a.free[n]
	a.free[n] = nil
	a.free = a.free[:n]
	a.inUse++
	a.mu.Unlock()

	b := Block{ptr: p, size: a.blockSize}
	clear(b.Bytes())
	return b, nil
}

// grow maps one page and pushes all of its blocks. Called with a.mu held.
func (a *Arena) grow() error {
	mem, err := a.mapper(a.mapSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMemory, err)
	}
	if len(mem) < a.mapSize {
		return fmt.Errorf("%w: short mapping %d < %d", ErrNoMemory, len(mem), a.mapSize)
	}
	a.pages = append(a.pages, mem)
	base := unsafe.Pointer(unsafe.SliceData(mem))
	for off := 0; off+a.blockSize <= a.mapSize; off += a.blockSize {
		a.free = append(a.free, unsafe.Add(base, off))
	}
	return nil
}

// Release returns b to the free list. The caller guarantees that b came
// from this arena and is released once.
func (a *Arena) Release(b Block) {
	if b.ptr == nil {
		return
	}
	a.mu.Lock()
	a.free = append(a.free, b.ptr)
	a.inUse--
	a.mu.Unlock()
}

// BlockSize returns the aligned block size.
func (a *Arena) BlockSize() int { return a.blockSize }

// BlocksPerPage returns how many blocks each mapping yields.
func (a *Arena) BlocksPerPage() int { return a.perPage }

// Executable implements Allocator.
func (a *Arena) Executable() bool { return true }

// Stats implements Allocator.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Pages:  len(a.pages),
		Blocks: len(a.pages) * a.perPage,
		Free:   len(a.free),
		InUse:  a.inUse,
		Mapped: len(a.pages) * a.mapSize,
	}
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
