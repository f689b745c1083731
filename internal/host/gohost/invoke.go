package gohost

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/tinyrange/trampoline/internal/ffitype"
	"github.com/tinyrange/trampoline/internal/host"
)

var (
	errorType   = reflect.TypeFor[error]()
	stringType  = reflect.TypeFor[string]()
	uintptrType = reflect.TypeFor[uintptr]()
)

// Invoke calls m with obj as the receiver. Arguments are converted to the
// parameter types of the method. A panic or a non-nil trailing error
// result is returned as *host.UncaughtError.
func (h *Host) Invoke(obj any, m host.Method, args []host.Value) (ret host.Value, err error) {
	mm, ok := m.(*method)
	if !ok {
		return nil, fmt.Errorf("gohost: foreign method handle %T", m)
	}
	if obj == nil {
		return nil, fmt.Errorf("gohost: %s called without a receiver", mm.name)
	}
	recv := reflect.ValueOf(obj)
	if recv.Type() != mm.typ.In(0) {
		return nil, fmt.Errorf("gohost: %s called on %s", mm.name, recv.Type())
	}
	if n := mm.typ.NumIn() - 1; n != len(args) {
		return nil, fmt.Errorf("gohost: %s takes %d arguments, got %d", mm.name, n, len(args))
	}

	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, recv)
	for i, a := range args {
		v, err := convertArg(a, mm.typ.In(i+1))
		if err != nil {
			return nil, fmt.Errorf("gohost: %s argument %d: %w", mm.name, i, err)
		}
		in = append(in, v)
	}

	defer func() {
		if r := recover(); r != nil {
			ret = nil
			err = &host.UncaughtError{Method: mm.name, Value: r}
		}
	}()
	out := mm.fn.Call(in)

	if n := len(out); n > 0 && mm.typ.Out(n-1) == errorType {
		if e := out[n-1]; !e.IsNil() {
			return nil, &host.UncaughtError{Method: mm.name, Value: e.Interface()}
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		return nil, fmt.Errorf("gohost: %s returns %d values", mm.name, len(out))
	}
}

func convertArg(a host.Value, pt reflect.Type) (reflect.Value, error) {
	if a == nil {
		return reflect.Zero(pt), nil
	}
	v := reflect.ValueOf(a)
	if v.Type() == uintptrType && pt == stringType {
		return reflect.ValueOf(cString(v.Interface().(uintptr))), nil
	}
	if v.Type() == pt {
		return v, nil
	}
	if !v.Type().ConvertibleTo(pt) {
		return reflect.Value{}, fmt.Errorf("cannot use %s as %s", v.Type(), pt)
	}
	return v.Convert(pt), nil
}

// cString copies the NUL-terminated string at addr.
func cString(addr uintptr) string {
	if addr == 0 {
		return ""
	}
	// Reinterpret rather than convert: the address arrived as an integer
	// from native code.
	p := *(*unsafe.Pointer)(unsafe.Pointer(&addr))
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// NewValue maps a raw slot to the Go value for tag.
func (h *Host) NewValue(tag ffitype.Tag, raw ffitype.Raw) (host.Value, error) {
	switch tag {
	case ffitype.Boolean:
		return raw.Bool(), nil
	case ffitype.Byte:
		return int8(raw.Int()), nil
	case ffitype.Char:
		return rune(raw.Int()), nil
	case ffitype.Short:
		return int16(raw.Int()), nil
	case ffitype.Int:
		return int32(raw.Int()), nil
	case ffitype.Long:
		return raw.Int(), nil
	case ffitype.Float32:
		return raw.Float32(), nil
	case ffitype.Float64:
		return raw.Float64(), nil
	case ffitype.Void:
		return nil, nil
	default:
		return raw.Uintptr(), nil
	}
}

// ExtractValue converts a method result back to raw form for tag.
func (h *Host) ExtractValue(tag ffitype.Tag, v host.Value) (ffitype.Raw, error) {
	if tag == ffitype.Void {
		return 0, nil
	}
	if v == nil {
		if ffitype.ArgType(tag).Kind == ffitype.KindPointer {
			return 0, nil
		}
		return 0, fmt.Errorf("gohost: nil result for %s", tag)
	}

	rv := reflect.ValueOf(v)
	switch tag {
	case ffitype.Boolean:
		if rv.Kind() == reflect.Bool {
			return ffitype.RawBool(rv.Bool()), nil
		}
	case ffitype.Byte, ffitype.Char, ffitype.Short, ffitype.Int, ffitype.Long:
		switch {
		case rv.CanInt():
			return ffitype.RawInt(rv.Int()), nil
		case rv.CanUint():
			return ffitype.RawUint(rv.Uint()), nil
		case rv.Kind() == reflect.Bool:
			return ffitype.RawBool(rv.Bool()), nil
		}
	case ffitype.Float32:
		if rv.CanFloat() {
			return ffitype.RawFloat32(float32(rv.Float())), nil
		}
	case ffitype.Float64:
		if rv.CanFloat() {
			return ffitype.RawFloat64(rv.Float()), nil
		}
	default:
		switch rv.Kind() {
		case reflect.Uintptr:
			return ffitype.RawUint(rv.Uint()), nil
		case reflect.Pointer, reflect.UnsafePointer:
			return ffitype.RawUint(uint64(rv.Pointer())), nil
		}
	}
	return 0, fmt.Errorf("gohost: cannot return %T as %s", v, tag)
}
