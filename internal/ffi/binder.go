package ffi

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/trampoline/internal/arena"
)

// Binder turns an arena block into a callable trampoline.
type Binder interface {
	Name() string

	// NeedsExecutable reports whether the binder writes machine code into
	// the block.
	NeedsExecutable() bool

	// Bind prepares the record in b and returns the native function
	// pointer. The handler is routed before Bind returns, so the pointer
	// is never observable in a partially initialised state.
	Bind(b arena.Block, desc *Descriptor, h Handler) (uintptr, error)

	// Unbind withdraws the route for b. The block may be reused afterwards.
	Unbind(b arena.Block)
}

// BinderKind names a binder implementation in configuration.
type BinderKind string

const (
	BinderAuto     BinderKind = "auto"
	BinderLibFFI   BinderKind = "libffi"
	BinderEmulated BinderKind = "emulated"
)

// NewBinder selects a binder for slots in the given byte order (nil for
// native). Auto uses libffi when it loads, the allocator hands out
// executable blocks and the order is native, otherwise the emulated binder.
func NewBinder(kind BinderKind, alloc arena.Allocator, libPaths []string, order binary.ByteOrder) (Binder, error) {
	switch kind {
	case BinderEmulated:
		return NewEmulated(), nil
	case BinderLibFFI:
		if !alloc.Executable() {
			return nil, fmt.Errorf("ffi: libffi binder needs an executable arena")
		}
		if !NativeOrder(order) {
			return nil, fmt.Errorf("ffi: libffi binder needs native byte order")
		}
		return OpenLibFFI(libPaths)
	case BinderAuto, "":
		if alloc.Executable() && NativeOrder(order) {
			lib, err := OpenLibFFI(libPaths)
			if err == nil {
				return lib, nil
			}
			slog.Debug("libffi unavailable, using emulated trampolines", "error", err)
		}
		return NewEmulated(), nil
	default:
		return nil, fmt.Errorf("ffi: unknown binder %q", kind)
	}
}

func checkCapacity(b arena.Block, desc *Descriptor) error {
	if n := maxArity(b.Size()); desc.Arity() > n {
		return fmt.Errorf("%w: block holds %d, signature has %d", ErrTooManyArgs, n, desc.Arity())
	}
	return nil
}

// NativeOrder reports whether o lays out slots the way the host CPU does.
// Nil means native.
func NativeOrder(o binary.ByteOrder) bool {
	if o == nil || o == binary.ByteOrder(binary.NativeEndian) {
		return true
	}
	var buf [2]byte
	o.PutUint16(buf[:], 1)
	return binary.NativeEndian.Uint16(buf[:]) == 1
}
