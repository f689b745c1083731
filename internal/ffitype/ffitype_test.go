package ffitype

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func TestArgTypeMapping(t *testing.T) {
	tests := []struct {
		tag  Tag
		want Type
	}{
		{Boolean, TypeSint32},
		{Byte, TypeSint8},
		{Char, TypeSint32},
		{Short, TypeSint16},
		{Int, TypeSint32},
		{Long, TypeSint64},
		{Float32, TypeFloat},
		{Float64, TypeDouble},
		{Void, TypeVoid},
		{Reference, TypePointer},
	}
	for _, tt := range tests {
		if got := ArgType(tt.tag); got != tt.want {
			t.Fatalf("ArgType(%s)=%s, want %s", tt.tag, got, tt.want)
		}
	}
}

func TestReturnTypePromotesNarrowIntegers(t *testing.T) {
	for _, tag := range []Tag{Boolean, Byte, Char, Short, Int} {
		got := ReturnType(tag)
		if got.Size != RegisterSize {
			t.Fatalf("ReturnType(%s).Size=%d, want register width %d", tag, got.Size, RegisterSize)
		}
		if !got.Kind.Signed() {
			t.Fatalf("ReturnType(%s) kind %s is not signed", tag, got.Kind)
		}
	}
	for _, tag := range []Tag{Long, Float32, Float64, Void, Reference} {
		if got, want := ReturnType(tag), ArgType(tag); got != want {
			t.Fatalf("ReturnType(%s)=%s, want unchanged %s", tag, got, want)
		}
	}
	if got := ReturnType(Void).Size; got != 0 {
		t.Fatalf("ReturnType(V).Size=%d, want 0", got)
	}
}

func TestMappingIsPure(t *testing.T) {
	for _, tag := range Tags {
		a1, a2 := ArgType(tag), ArgType(tag)
		r1, r2 := ReturnType(tag), ReturnType(tag)
		if a1 != a2 || r1 != r2 {
			t.Fatalf("mapping for %s not stable", tag)
		}
	}
}

func TestUnknownTagFallsBackToPointer(t *testing.T) {
	for _, tag := range []Tag{'X', '[', 0} {
		if tag.Valid() {
			t.Fatalf("%q reported valid", byte(tag))
		}
		if got := ArgType(tag); got != TypePointer {
			t.Fatalf("ArgType(%q)=%s, want pointer", byte(tag), got)
		}
		if got := ReturnType(tag); got != TypePointer {
			t.Fatalf("ReturnType(%q)=%s, want pointer", byte(tag), got)
		}
	}
}

func TestLoadStoreSignExtension(t *testing.T) {
	var slot [8]byte
	p := unsafe.Pointer(&slot[0])

	Store(TypeSint8, p, binary.LittleEndian, RawInt(-2))
	if got := Load(TypeSint8, p, binary.LittleEndian).Int(); got != -2 {
		t.Fatalf("sint8 round trip=%d, want -2", got)
	}

	Store(TypeSint16, p, binary.BigEndian, RawInt(-300))
	if got := Load(TypeSint16, p, binary.BigEndian).Int(); got != -300 {
		t.Fatalf("sint16 round trip=%d, want -300", got)
	}

	Store(TypeFloat, p, binary.LittleEndian, RawFloat32(1.5))
	if got := Load(TypeFloat, p, binary.LittleEndian).Float32(); got != 1.5 {
		t.Fatalf("float round trip=%v, want 1.5", got)
	}

	Store(TypeSLong, p, binary.LittleEndian, RawInt(-1))
	for i, b := range slot[:TypeSLong.Size] {
		if b != 0xff {
			t.Fatalf("slot[%d]=0x%x, want 0xff after storing -1", i, b)
		}
	}
}

func TestZero(t *testing.T) {
	slot := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	Zero(TypeDouble, unsafe.Pointer(&slot[0]))
	if slot != ([8]byte{}) {
		t.Fatalf("Zero left %v", slot)
	}
	Zero(TypeVoid, nil)
}

func TestParseSignature(t *testing.T) {
	args, ret, err := ParseSignature("(IJLjava/lang/String;D)Z")
	if err != nil {
		t.Fatalf("ParseSignature failed: %v", err)
	}
	want := []Tag{Int, Long, Reference, Float64}
	if len(args) != len(want) {
		t.Fatalf("args=%v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d]=%s, want %s", i, args[i], want[i])
		}
	}
	if ret != Boolean {
		t.Fatalf("ret=%s, want Z", ret)
	}

	if got := FormatSignature(args, ret); got != "(IJL;D)Z" {
		t.Fatalf("FormatSignature=%q", got)
	}

	for _, bad := range []string{"II)I", "(II", "(IX)I", "(V)I", "(I)", "(I)II", "(Lfoo)V"} {
		if _, _, err := ParseSignature(bad); err == nil {
			t.Fatalf("ParseSignature(%q) succeeded, want error", bad)
		}
	}
}
