// Package host describes the managed runtime that callbacks dispatch into.
//
// Trampolines never talk to a runtime directly. They go through a Host,
// which owns thread attachment, weak references, method lookup and the
// conversion between raw native slots and runtime values.
package host

import (
	"errors"
	"fmt"

	"github.com/tinyrange/trampoline/internal/ffitype"
)

var (
	// ErrNotLinked reports that the calling thread cannot reach the runtime.
	ErrNotLinked = errors.New("host: runtime context unavailable")
	// ErrCollected reports that a weak target no longer resolves.
	ErrCollected = errors.New("host: target collected")
	// ErrNoMethod reports that a target has no method of the given name.
	ErrNoMethod = errors.New("host: method not found")
)

// Target is a managed object handed to registration.
type Target any

// Method is an opaque handle to a method resolved on a target.
type Method any

// Value is a runtime value produced by NewValue or returned by Invoke.
type Value any

// WeakRef reaches a target without keeping it alive.
type WeakRef interface {
	// Resolve returns a strong, call-scoped reference to the target, or
	// false once the runtime has reclaimed it.
	Resolve() (any, bool)
	// Key identifies the referenced object. Two weak references to the
	// same live object have equal keys.
	Key() any
	// Release drops the reference. Resolve fails afterwards.
	Release()
}

// Host is the embedding API of a managed runtime. Every method may be
// called from any native thread.
type Host interface {
	// Link resolves the runtime context for the calling thread.
	Link() error

	ThreadAttached() bool
	// AttachCurrentThread binds the calling thread to the runtime. It is a
	// no-op for a thread that is already attached.
	AttachCurrentThread() error
	DetachCurrentThread() error

	NewWeakRef(t Target) (WeakRef, error)
	ResolveMethod(t Target, name string) (Method, error)

	// Invoke calls m on obj. An error raised by the managed code itself is
	// returned as an *UncaughtError.
	Invoke(obj any, m Method, args []Value) (Value, error)

	// NewValue builds the runtime value for a raw native slot of type tag.
	NewValue(tag ffitype.Tag, raw ffitype.Raw) (Value, error)
	// ExtractValue converts a runtime value back into raw native form.
	ExtractValue(tag ffitype.Tag, v Value) (ffitype.Raw, error)
}

// UncaughtError wraps an error raised inside a managed call. It never
// crosses the native boundary; dispatch records it and zero-fills.
type UncaughtError struct {
	Method string
	Value  any
}

func (e *UncaughtError) Error() string {
	return fmt.Sprintf("host: uncaught error in %s: %v", e.Method, e.Value)
}

func (e *UncaughtError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Binding is the scoped thread attachment of one dispatch. Release detaches
// only if Bind performed the attach, so nested dispatches on an attached
// thread leave the outer attachment in place.
type Binding struct {
	h        Host
	attached bool
}

// Bind attaches the calling thread to h if it is not attached yet.
func Bind(h Host) (Binding, error) {
	if h.ThreadAttached() {
		return Binding{h: h}, nil
	}
	if err := h.AttachCurrentThread(); err != nil {
		return Binding{}, fmt.Errorf("host: attach current thread: %w", err)
	}
	return Binding{h: h, attached: true}, nil
}

// Attached reports whether this binding performed the attach.
func (b Binding) Attached() bool { return b.attached }

// Release undoes the attach performed by Bind, if any.
func (b Binding) Release() error {
	if !b.attached {
		return nil
	}
	if err := b.h.DetachCurrentThread(); err != nil {
		return fmt.Errorf("host: detach current thread: %w", err)
	}
	return nil
}
