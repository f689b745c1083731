package trampoline

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/tinyrange/trampoline/internal/ffi"
	"github.com/tinyrange/trampoline/internal/ffitype"
)

// Function is a callable view of a native function pointer. Pointers
// produced by this system map back to their registration; any other
// pointer is called as foreign code.
type Function struct {
	s    *System
	fn   uintptr
	args []ffitype.Tag
	ret  ffitype.Tag
	rec  *Record
}

// Resolve wraps fn with the signature sig.
func (s *System) Resolve(fn uintptr, sig string) (*Function, error) {
	if fn == 0 {
		return nil, fmt.Errorf("trampoline: resolve: %w: null pointer", ErrNotTrampoline)
	}
	args, ret, err := ffitype.ParseSignature(sig)
	if err != nil {
		return nil, fmt.Errorf("trampoline: resolve %s: %w: %w", sig, ErrSignature, err)
	}
	f := &Function{s: s, fn: fn, args: args, ret: ret}
	if rec, ok := s.mgr.Lookup(fn); ok {
		if rec.Descriptor().Signature() != ffitype.FormatSignature(args, ret) {
			return nil, fmt.Errorf("trampoline: resolve 0x%x: registered as %s, not %s",
				fn, rec.Descriptor().Signature(), sig)
		}
		f.rec = rec
	}
	return f, nil
}

func (f *Function) Pointer() uintptr { return f.fn }

// Record returns the registration behind the pointer, if it is one of ours.
func (f *Function) Record() (*Record, bool) { return f.rec, f.rec != nil }

// Target returns the Go object a registered pointer calls.
func (f *Function) Target() (any, bool) {
	if f.rec == nil {
		return nil, false
	}
	return f.rec.Target()
}

// Call invokes the pointer with raw argument values and returns the raw
// result. Registered pointers go through the binder's caller; foreign
// pointers are called natively and accept integer and pointer arguments
// only.
func (f *Function) Call(args ...ffitype.Raw) (ffitype.Raw, error) {
	if len(args) != len(f.args) {
		return 0, fmt.Errorf("trampoline: 0x%x takes %d arguments, got %d", f.fn, len(f.args), len(args))
	}
	if emu, ok := f.s.binder.(*ffi.Emulated); ok && ffi.Bound(f.fn) {
		return emu.Call(f.fn, args...)
	}

	native := make([]uintptr, len(args))
	for i, tag := range f.args {
		if tag == ffitype.Float32 || tag == ffitype.Float64 {
			return 0, fmt.Errorf("trampoline: native call of 0x%x: floating point argument %d unsupported", f.fn, i)
		}
		native[i] = args[i].Uintptr()
	}
	if f.ret == ffitype.Float32 || f.ret == ffitype.Float64 {
		return 0, fmt.Errorf("trampoline: native call of 0x%x: floating point return unsupported", f.fn)
	}
	r1, err := ffi.CallNative(f.fn, native...)
	if err != nil {
		return 0, err
	}
	slot := uint64(r1)
	return ffitype.Load(ffitype.ReturnType(f.ret), unsafe.Pointer(&slot), binary.NativeEndian), nil
}
