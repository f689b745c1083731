// Package ffitype maps compact foreign type tags onto the low-level type
// metadata used to describe a native call signature.
package ffitype

import (
	"fmt"
	"unsafe"
)

// Tag is a single-character foreign type tag.
type Tag byte

const (
	Boolean   Tag = 'Z'
	Byte      Tag = 'B'
	Char      Tag = 'C'
	Short     Tag = 'S'
	Int       Tag = 'I'
	Long      Tag = 'J'
	Float32   Tag = 'F'
	Float64   Tag = 'D'
	Void      Tag = 'V'
	Reference Tag = 'L'
)

// Tags lists every recognised tag.
var Tags = []Tag{Boolean, Byte, Char, Short, Int, Long, Float32, Float64, Void, Reference}

// Valid reports whether t is one of the recognised tags.
func (t Tag) Valid() bool {
	switch t {
	case Boolean, Byte, Char, Short, Int, Long, Float32, Float64, Void, Reference:
		return true
	}
	return false
}

func (t Tag) String() string {
	return string(rune(t))
}

// Integer reports whether t belongs to the integer family narrower than or
// equal to a native int (the tags promoted on return).
func (t Tag) Integer() bool {
	switch t {
	case Boolean, Byte, Char, Short, Int:
		return true
	}
	return false
}

// Kind is the native scalar class of a Type.
type Kind uint8

const (
	KindVoid Kind = iota
	KindSint8
	KindSint16
	KindSint32
	KindSint64
	KindFloat
	KindDouble
	KindPointer
)

func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindSint8:
		return "sint8"
	case KindSint16:
		return "sint16"
	case KindSint32:
		return "sint32"
	case KindSint64:
		return "sint64"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindPointer:
		return "pointer"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Signed reports whether values of this kind are sign extended on load.
func (k Kind) Signed() bool {
	switch k {
	case KindSint8, KindSint16, KindSint32, KindSint64:
		return true
	}
	return false
}

// Type describes a native scalar type.
type Type struct {
	Kind  Kind
	Size  int
	Align int
	Name  string
}

func (t Type) String() string {
	return t.Name
}

// RegisterSize is the width in bytes of a general purpose register.
const RegisterSize = int(unsafe.Sizeof(uintptr(0)))

var (
	TypeVoid    = Type{Kind: KindVoid, Name: "void"}
	TypeSint8   = Type{Kind: KindSint8, Size: 1, Align: 1, Name: "sint8"}
	TypeSint16  = Type{Kind: KindSint16, Size: 2, Align: 2, Name: "sint16"}
	TypeSint32  = Type{Kind: KindSint32, Size: 4, Align: 4, Name: "sint32"}
	TypeSint64  = Type{Kind: KindSint64, Size: 8, Align: 8, Name: "sint64"}
	TypeFloat   = Type{Kind: KindFloat, Size: 4, Align: 4, Name: "float"}
	TypeDouble  = Type{Kind: KindDouble, Size: 8, Align: 8, Name: "double"}
	TypePointer = Type{Kind: KindPointer, Size: RegisterSize, Align: RegisterSize, Name: "pointer"}

	// TypeSLong is a signed integer as wide as a register.
	TypeSLong = Type{Kind: registerKind(), Size: RegisterSize, Align: RegisterSize, Name: "slong"}
)

func registerKind() Kind {
	if RegisterSize == 8 {
		return KindSint64
	}
	return KindSint32
}

// ArgType returns the metadata for tag used as an argument. Unrecognised
// tags map to the pointer type.
func ArgType(tag Tag) Type {
	switch tag {
	case Boolean:
		return TypeSint32
	case Byte:
		return TypeSint8
	case Char:
		return TypeSint32
	case Short:
		return TypeSint16
	case Int:
		return TypeSint32
	case Long:
		return TypeSint64
	case Float32:
		return TypeFloat
	case Float64:
		return TypeDouble
	case Void:
		return TypeVoid
	default:
		return TypePointer
	}
}

// ReturnType returns the metadata for tag used as a return value. Integer
// tags narrower than a register are widened to a full register so that a
// caller reading the low bytes of the return register sees the right value
// regardless of register byte layout.
func ReturnType(tag Tag) Type {
	if tag.Integer() {
		return TypeSLong
	}
	return ArgType(tag)
}
