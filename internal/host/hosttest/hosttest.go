// Package hosttest provides a scripted host.Host for tests. Targets are
// plain structs holding named functions, garbage collection is simulated
// with Collect and failures are injected with FailLink and FailAttach.
package hosttest

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/trampoline/internal/ffitype"
	"github.com/tinyrange/trampoline/internal/host"
	"github.com/tinyrange/trampoline/internal/host/osthread"
)

// Scalar is the runtime value of this host: a raw slot and its tag.
type Scalar struct {
	Tag ffitype.Tag
	Raw ffitype.Raw
}

// Func is a scripted method body. Returning an error simulates an
// exception escaping the managed method.
type Func func(args []host.Value) (host.Value, error)

// Target is a scripted managed object.
type Target struct {
	Name    string
	Methods map[string]Func
}

// Counters records how often each host entry point ran.
type Counters struct {
	Links    int64
	Attaches int64
	Detaches int64
	WeakRefs int64
	Releases int64
	Resolves int64
	Invokes  int64
}

type Host struct {
	mu         sync.Mutex
	failLink   error
	failAttach error
	collected  map[*Target]bool
	threads    map[uint64]struct{}

	links, attaches, detaches atomic.Int64
	weakRefs, releases        atomic.Int64
	resolves, invokes         atomic.Int64
}

var _ host.Host = (*Host)(nil)

func New() *Host {
	return &Host{
		collected: make(map[*Target]bool),
		threads:   make(map[uint64]struct{}),
	}
}

// FailLink makes Link return err. A nil err clears the failure.
func (h *Host) FailLink(err error) {
	h.mu.Lock()
	h.failLink = err
	h.mu.Unlock()
}

// FailAttach makes AttachCurrentThread return err.
func (h *Host) FailAttach(err error) {
	h.mu.Lock()
	h.failAttach = err
	h.mu.Unlock()
}

// Collect simulates the runtime reclaiming t. Weak references to t stop
// resolving.
func (h *Host) Collect(t *Target) {
	h.mu.Lock()
	h.collected[t] = true
	h.mu.Unlock()
}

func (h *Host) isCollected(t *Target) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collected[t]
}

func (h *Host) Counters() Counters {
	return Counters{
		Links:    h.links.Load(),
		Attaches: h.attaches.Load(),
		Detaches: h.detaches.Load(),
		WeakRefs: h.weakRefs.Load(),
		Releases: h.releases.Load(),
		Resolves: h.resolves.Load(),
		Invokes:  h.invokes.Load(),
	}
}

func (h *Host) Link() error {
	h.links.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failLink != nil {
		return fmt.Errorf("%w: %w", host.ErrNotLinked, h.failLink)
	}
	return nil
}

func (h *Host) ThreadAttached() bool {
	tid := osthread.ID()
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.threads[tid]
	return ok
}

func (h *Host) AttachCurrentThread() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAttach != nil {
		return h.failAttach
	}
	runtime.LockOSThread()
	tid := osthread.ID()
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
		return fmt.Errorf("hosttest: thread %d not attached", tid)
	}
	delete(h.threads, tid)
	h.detaches.Add(1)
	runtime.UnlockOSThread()
	return nil
}

type weakRef struct {
	h        *Host
	t        *Target
	released atomic.Bool
}

func (r *weakRef) Resolve() (any, bool) {
	if r.released.Load() || r.h.isCollected(r.t) {
		return nil, false
	}
	return r.t, true
}

func (r *weakRef) Key() any { return r.t }

func (r *weakRef) Release() {
	if r.released.CompareAndSwap(false, true) {
		r.h.releases.Add(1)
	}
}

func asTarget(t any) (*Target, error) {
	tt, ok := t.(*Target)
	if !ok || tt == nil {
		return nil, fmt.Errorf("hosttest: unexpected target %T", t)
	}
	return tt, nil
}

func (h *Host) NewWeakRef(t host.Target) (host.WeakRef, error) {
	tt, err := asTarget(t)
	if err != nil {
		return nil, err
	}
	h.weakRefs.Add(1)
	return &weakRef{h: h, t: tt}, nil
}

type method struct {
	name string
	fn   Func
}

func (h *Host) ResolveMethod(t host.Target, name string) (host.Method, error) {
	h.resolves.Add(1)
	tt, err := asTarget(t)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "Callback"
	}
	fn, ok := tt.Methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", host.ErrNoMethod, tt.Name, name)
	}
	return method{name: tt.Name + "." + name, fn: fn}, nil
}

// Invoke runs the scripted body. Panics are not recovered.
func (h *Host) Invoke(obj any, m host.Method, args []host.Value) (host.Value, error) {
	h.invokes.Add(1)
	if _, err := asTarget(obj); err != nil {
		return nil, err
	}
	mm, ok := m.(method)
	if !ok {
		return nil, fmt.Errorf("hosttest: foreign method handle %T", m)
	}
	v, err := mm.fn(args)
	if err != nil {
		return nil, &host.UncaughtError{Method: mm.name, Value: err}
	}
	return v, nil
}

func (h *Host) NewValue(tag ffitype.Tag, raw ffitype.Raw) (host.Value, error) {
	return Scalar{Tag: tag, Raw: raw}, nil
}

// ExtractValue accepts a Scalar or a plain Go int64, float64 or bool.
func (h *Host) ExtractValue(tag ffitype.Tag, v host.Value) (ffitype.Raw, error) {
	switch v := v.(type) {
	case Scalar:
		return v.Raw, nil
	case int64:
		return ffitype.RawInt(v), nil
	case int:
		return ffitype.RawInt(int64(v)), nil
	case bool:
		return ffitype.RawBool(v), nil
	case float64:
		if tag == ffitype.Float32 {
			return ffitype.RawFloat32(float32(v)), nil
		}
		return ffitype.RawFloat64(v), nil
	case nil:
		if tag == ffitype.Void {
			return 0, nil
		}
	}
	return 0, fmt.Errorf("hosttest: cannot extract %T as %s", v, tag)
}
