// Package gohost uses the Go runtime itself as the managed runtime behind
// trampolines. Go pointers are the managed objects, weak.Pointer provides
// weak references and methods are invoked through reflect.
package gohost

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/tinyrange/trampoline/internal/host"
	"github.com/tinyrange/trampoline/internal/host/osthread"
)

// DefaultMethod is resolved when registration names no method.
const DefaultMethod = "Callback"

// Stats counts thread attachments.
type Stats struct {
	Attached int
	Attaches int64
	Detaches int64
}

// Host implements host.Host for Go targets created with Object.
type Host struct {
	mu      sync.Mutex
	threads map[uint64]struct{}

	attaches atomic.Int64
	detaches atomic.Int64
}

var _ host.Host = (*Host)(nil)

func New() *Host {
	return &Host{threads: make(map[uint64]struct{})}
}

// Link always succeeds: the Go runtime is reachable from every thread that
// runs Go code.
func (h *Host) Link() error { return nil }

// ThreadAttached reports whether the calling goroutine's OS thread is
// attached. The goroutine stays on that thread while the id is checked.
func (h *Host) ThreadAttached() bool {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tid := osthread.ID()
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.threads[tid]
	return ok
}

// AttachCurrentThread wires the calling goroutine to its OS thread and
// marks the thread attached until DetachCurrentThread.
func (h *Host) AttachCurrentThread() error {
	runtime.LockOSThread()
	tid := osthread.ID()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.threads[tid]; ok {
		runtime.UnlockOSThread()
		return nil
	}
	h.threads[tid] = struct{}{}
	h.attaches.Add(1)
	return nil
}

func (h *Host) DetachCurrentThread() error {
	tid := osthread.ID()

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.threads[tid]; !ok {
		return fmt.Errorf("gohost: thread %d is not attached", tid)
	}
	delete(h.threads, tid)
	h.detaches.Add(1)
	runtime.UnlockOSThread()
	return nil
}

func (h *Host) Stats() Stats {
	h.mu.Lock()
	n := len(h.threads)
	h.mu.Unlock()
	return Stats{
		Attached: n,
		Attaches: h.attaches.Load(),
		Detaches: h.detaches.Load(),
	}
}

// object is implemented by the targets built with Object.
type object interface {
	weakRef() host.WeakRef
	typ() reflect.Type
}

type objectOf[T any] struct{ p *T }

// Object wraps p as a registration target. Registration only keeps a weak
// reference to p.
func Object[T any](p *T) host.Target {
	return objectOf[T]{p: p}
}

func (o objectOf[T]) weakRef() host.WeakRef {
	return &weakRef[T]{w: weak.Make(o.p)}
}

func (o objectOf[T]) typ() reflect.Type { return reflect.TypeFor[*T]() }

type weakRef[T any] struct {
	w        weak.Pointer[T]
	released atomic.Bool
}

func (r *weakRef[T]) Resolve() (any, bool) {
	if r.released.Load() {
		return nil, false
	}
	p := r.w.Value()
	if p == nil {
		return nil, false
	}
	return p, true
}

// Key is the weak pointer itself; weak pointers made from the same object
// compare equal.
func (r *weakRef[T]) Key() any { return r.w }

func (r *weakRef[T]) Release() { r.released.Store(true) }

func asObject(t host.Target) (object, error) {
	o, ok := t.(object)
	if !ok {
		return nil, fmt.Errorf("gohost: target %T was not created with gohost.Object", t)
	}
	return o, nil
}

func (h *Host) NewWeakRef(t host.Target) (host.WeakRef, error) {
	o, err := asObject(t)
	if err != nil {
		return nil, err
	}
	return o.weakRef(), nil
}

// method is a method expression: the receiver is supplied on every call so
// the handle never holds the target.
type method struct {
	name string
	fn   reflect.Value
	typ  reflect.Type
}

func (h *Host) ResolveMethod(t host.Target, name string) (host.Method, error) {
	o, err := asObject(t)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultMethod
	}
	m, ok := o.typ().MethodByName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", host.ErrNoMethod, o.typ(), name)
	}
	return &method{name: o.typ().String() + "." + name, fn: m.Func, typ: m.Type}, nil
}
