// Package ffi builds foreign-call interface descriptors and binds them to
// trampoline records placed in arena blocks.
//
// A trampoline record occupies one arena block:
//
//	+0    closure area   (ClosureSize bytes, trampoline code or header)
//	+64   cif area       (CIFSize bytes, prepared call interface)
//	+128  type table     (one pointer per argument)
//
// The function pointer handed to native code is derived from the block
// address, so the record and its callable entry are two views of the same
// allocation.
package ffi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/trampoline/internal/ffitype"
)

const (
	ClosureSize = 64
	CIFSize     = 64

	cifOffset   = ClosureSize
	tableOffset = ClosureSize + CIFSize

	// DefaultMaxArgs bounds the arity of a callback signature.
	DefaultMaxArgs = 32
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// RecordSize is the block size needed for signatures of up to maxArgs
// arguments.
func RecordSize(maxArgs int) int {
	return tableOffset + maxArgs*ptrSize
}

// maxArity returns how many arguments a block of size bytes can describe.
func maxArity(size int) int {
	return (size - tableOffset) / ptrSize
}

var (
	ErrTooManyArgs     = errors.New("ffi: too many arguments")
	ErrUnsupportedConv = errors.New("ffi: calling convention unsupported on this platform")
	ErrNotTrampoline   = errors.New("ffi: address is not a bound trampoline")
)

// CallConv selects the native calling convention of a trampoline.
type CallConv uint8

const (
	// DefaultConv is the platform's C calling convention.
	DefaultConv CallConv = iota
	// AltConv is the alternate convention where a platform defines more
	// than one (stdcall on 32-bit Windows, the Microsoft x64 ABI on
	// System V x86-64).
	AltConv
)

func (c CallConv) String() string {
	switch c {
	case DefaultConv:
		return "default"
	case AltConv:
		return "alt"
	default:
		return fmt.Sprintf("CallConv(%d)", uint8(c))
	}
}

// Descriptor is a prepared call interface: argument and return type
// metadata plus the calling convention. It is immutable once built.
type Descriptor struct {
	Conv    CallConv
	ArgTags []ffitype.Tag
	RetTag  ffitype.Tag
	Args    []ffitype.Type
	Ret     ffitype.Type

	// Order is the byte order of argument and return slots. It is the
	// native order except for emulated big or little endian callers.
	Order binary.ByteOrder
}

// NewDescriptor maps the tags through ffitype and checks the arity limit.
// A nil order selects native byte order.
func NewDescriptor(args []ffitype.Tag, ret ffitype.Tag, conv CallConv, maxArgs int, order binary.ByteOrder) (*Descriptor, error) {
	if maxArgs <= 0 {
		maxArgs = DefaultMaxArgs
	}
	if len(args) > maxArgs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyArgs, len(args), maxArgs)
	}
	if conv > AltConv {
		return nil, fmt.Errorf("ffi: unknown calling convention %d", conv)
	}
	if order == nil {
		order = binary.NativeEndian
	}

	d := &Descriptor{
		Conv:    conv,
		ArgTags: append([]ffitype.Tag(nil), args...),
		RetTag:  ret,
		Args:    make([]ffitype.Type, len(args)),
		Ret:     ffitype.ReturnType(ret),
		Order:   order,
	}
	for i, tag := range args {
		d.Args[i] = ffitype.ArgType(tag)
	}
	return d, nil
}

// Arity returns the number of arguments.
func (d *Descriptor) Arity() int { return len(d.Args) }

// Signature formats the descriptor as a method descriptor string.
func (d *Descriptor) Signature() string {
	return ffitype.FormatSignature(d.ArgTags, d.RetTag)
}

// ReturnSlotSize is the size of the buffer a caller must provide for the
// return value. Slots are never narrower than a register.
func (d *Descriptor) ReturnSlotSize() int {
	return max(d.Ret.Size, ffitype.RegisterSize)
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s/%s", d.Signature(), d.Conv)
}
