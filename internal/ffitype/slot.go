package ffitype

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Raw is the bit pattern of a scalar value as exchanged with the host.
// Signed integers are held sign extended to 64 bits, float32 values occupy
// the low 32 bits.
type Raw uint64

func RawInt(v int64) Raw       { return Raw(uint64(v)) }
func RawUint(v uint64) Raw     { return Raw(v) }
func RawFloat32(v float32) Raw { return Raw(math.Float32bits(v)) }
func RawFloat64(v float64) Raw { return Raw(math.Float64bits(v)) }

func RawBool(v bool) Raw {
	if v {
		return 1
	}
	return 0
}

func (r Raw) Int() int64       { return int64(r) }
func (r Raw) Uint() uint64     { return uint64(r) }
func (r Raw) Uintptr() uintptr { return uintptr(r) }
func (r Raw) Float32() float32 { return math.Float32frombits(uint32(r)) }
func (r Raw) Float64() float64 { return math.Float64frombits(uint64(r)) }
func (r Raw) Bool() bool       { return r != 0 }

// Load reads a value of type t from the slot at p.
func Load(t Type, p unsafe.Pointer, order binary.ByteOrder) Raw {
	if t.Size == 0 || p == nil {
		return 0
	}
	b := unsafe.Slice((*byte)(p), t.Size)
	var u uint64
	switch t.Size {
	case 1:
		u = uint64(b[0])
	case 2:
		u = uint64(order.Uint16(b))
	case 4:
		u = uint64(order.Uint32(b))
	default:
		u = order.Uint64(b)
	}
	if t.Kind.Signed() {
		shift := uint(64 - 8*t.Size)
		return Raw(uint64(int64(u<<shift) >> shift))
	}
	return Raw(u)
}

// Store writes the low t.Size bytes of v into the slot at p.
func Store(t Type, p unsafe.Pointer, order binary.ByteOrder, v Raw) {
	if t.Size == 0 || p == nil {
		return
	}
	b := unsafe.Slice((*byte)(p), t.Size)
	switch t.Size {
	case 1:
		b[0] = byte(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	default:
		order.PutUint64(b, uint64(v))
	}
}

// Zero clears a slot of type t.
func Zero(t Type, p unsafe.Pointer) {
	if t.Size == 0 || p == nil {
		return
	}
	clear(unsafe.Slice((*byte)(p), t.Size))
}
