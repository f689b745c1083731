package arena

import "fmt"

// Mode selects the allocator implementation.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeExec Mode = "exec"
	ModeHeap Mode = "heap"
)

// ExecSupported reports whether the platform can map executable pages.
func ExecSupported() bool { return defaultMapper != nil }

// NewAllocator builds the allocator for mode. ModeAuto prefers the
// executable arena and falls back to the heap.
func NewAllocator(mode Mode, blockSize, pageSize int) (Allocator, error) {
	switch mode {
	case ModeExec:
		return New(Options{BlockSize: blockSize, PageSize: pageSize})
	case ModeHeap:
		return NewHeap(blockSize)
	case ModeAuto, "":
		if ExecSupported() {
			return New(Options{BlockSize: blockSize, PageSize: pageSize})
		}
		return NewHeap(blockSize)
	default:
		return nil, fmt.Errorf("arena: unknown mode %q", mode)
	}
}
