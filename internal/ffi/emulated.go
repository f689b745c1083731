package ffi

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/tinyrange/trampoline/internal/arena"
	"github.com/tinyrange/trampoline/internal/ffitype"
)

// Header layout written by the emulated binder into the closure area.
const (
	emuMagic = 0x504d5254 // "TRMP"

	hdrMagic = 0 // uint32
	hdrConv  = 4
	hdrOrder = 5
	hdrArity = 6
	hdrRet   = 7
)

const (
	orderLittle = 1
	orderBig    = 2
)

// Emulated binds trampolines without generating machine code. The block
// carries a tagged header describing the signature, and Call plays the
// role of a native caller: it lays out argument and return slots the way
// a C caller would and enters the routed handler. It works with both
// executable and heap blocks.
type Emulated struct{}

var _ Binder = (*Emulated)(nil)

func NewEmulated() *Emulated { return &Emulated{} }

func (*Emulated) Name() string { return "emulated" }

func (*Emulated) NeedsExecutable() bool { return false }

// Bind writes the header into b and routes h.
func (*Emulated) Bind(b arena.Block, desc *Descriptor, h Handler) (uintptr, error) {
	if err := checkCapacity(b, desc); err != nil {
		return 0, err
	}
	if desc.Arity() > 0xff {
		return 0, fmt.Errorf("%w: emulated header holds at most 255", ErrTooManyArgs)
	}
	mem := b.Bytes()

	mem[hdrConv] = byte(desc.Conv)
	mem[hdrOrder] = orderCode(desc.Order)
	mem[hdrArity] = byte(desc.Arity())
	mem[hdrRet] = byte(desc.RetTag)
	for i, tag := range desc.ArgTags {
		mem[tableOffset+i] = byte(tag)
	}
	publish(b, desc, h)
	// The magic goes last: a header without it is never callable.
	binary.LittleEndian.PutUint32(mem[hdrMagic:], emuMagic)

	return b.Addr(), nil
}

// Unbind withdraws the route and invalidates the header.
func (*Emulated) Unbind(b arena.Block) {
	withdraw(b)
	if mem := b.Bytes(); len(mem) >= 4 {
		binary.LittleEndian.PutUint32(mem[hdrMagic:], 0)
	}
}

// Call invokes the trampoline at fn with raw argument values and returns
// the contents of the return register. Arguments are truncated to their
// declared width, as a native caller would.
func (*Emulated) Call(fn uintptr, args ...ffitype.Raw) (ffitype.Raw, error) {
	r := lookup(fn)
	if r == nil {
		return 0, fmt.Errorf("%w: 0x%x", ErrNotTrampoline, fn)
	}
	mem := r.block.Bytes()
	if binary.LittleEndian.Uint32(mem[hdrMagic:]) != emuMagic {
		return 0, fmt.Errorf("%w: 0x%x has no emulated header", ErrNotTrampoline, fn)
	}

	arity := int(mem[hdrArity])
	if len(args) != arity {
		return 0, fmt.Errorf("ffi: trampoline 0x%x takes %d arguments, got %d", fn, arity, len(args))
	}
	order := byteOrder(mem[hdrOrder])
	retTag := ffitype.Tag(mem[hdrRet])

	slots := make([]uint64, arity)
	argv := make([]unsafe.Pointer, arity)
	for i := range arity {
		p := unsafe.Pointer(&slots[i])
		ffitype.Store(ffitype.ArgType(ffitype.Tag(mem[tableOffset+i])), p, order, args[i])
		argv[i] = p
	}

	var ret [2]uint64
	r.handler(unsafe.Pointer(&ret[0]), argv)

	return ffitype.Load(ffitype.ReturnType(retTag), unsafe.Pointer(&ret[0]), order), nil
}

func orderCode(o binary.ByteOrder) byte {
	if o == binary.ByteOrder(binary.BigEndian) {
		return orderBig
	}
	if o == binary.ByteOrder(binary.LittleEndian) {
		return orderLittle
	}
	return 0
}

func byteOrder(code byte) binary.ByteOrder {
	switch code {
	case orderBig:
		return binary.BigEndian
	case orderLittle:
		return binary.LittleEndian
	default:
		return binary.NativeEndian
	}
}
