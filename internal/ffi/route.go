package ffi

import (
	"unsafe"

	"github.com/launix-de/NonLockingReadMap"
	"github.com/tinyrange/trampoline/internal/arena"
)

// Handler receives a native invocation: ret points at the return slot and
// args holds one pointer per argument value.
type Handler func(ret unsafe.Pointer, args []unsafe.Pointer)

// route ties a bound block to the handler invoked when it fires.
type route struct {
	addr    uintptr
	block   arena.Block
	desc    *Descriptor
	handler Handler
}

func (r route) GetKey() uintptr { return r.addr }

func (r route) ComputeSize() uint { return uint(unsafe.Sizeof(r)) }

// routes is shared by every binder because the native entry of a libffi
// closure is process-wide. Registration and teardown write; dispatch only
// reads and never blocks.
var routes = NonLockingReadMap.New[route, uintptr]()

func publish(b arena.Block, desc *Descriptor, h Handler) {
	routes.Set(&route{addr: b.Addr(), block: b, desc: desc, handler: h})
}

func withdraw(b arena.Block) {
	routes.Remove(b.Addr())
}

func lookup(addr uintptr) *route {
	return routes.Get(addr)
}

// Bound reports whether addr is the block address of a live binding.
func Bound(addr uintptr) bool {
	return lookup(addr) != nil
}

// BoundCount returns the number of live bindings in the process.
func BoundCount() int {
	return len(routes.GetAll())
}
