package callback

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/trampoline/internal/diag"
	"github.com/tinyrange/trampoline/internal/ffitype"
	"github.com/tinyrange/trampoline/internal/host"
)

// dispatch is the handler bound to the trampoline. It runs on whatever
// thread called the native pointer, possibly concurrently with other
// dispatches of the same record and possibly nested inside one. All
// per-call state stays on this frame.
//
// Failures never leave this function as a panic or error: the return slot
// is zero-filled and the failure is journaled. An attach failure is the
// exception; it aborts before the return slot is touched.
func (r *Record) dispatch(ret unsafe.Pointer, args []unsafe.Pointer) {
	m := r.m
	rt := m.timeline.NewRecorder()

	binding, err := host.Bind(m.host)
	if err != nil {
		r.failures.Add(1)
		m.journal.Record(diag.AttachFailure, r.source(), "cannot attach native thread", "error", err)
		return
	}
	defer func() {
		if err := binding.Release(); err != nil {
			m.journal.Record(diag.DetachFailure, r.source(), "cannot detach native thread", "error", err)
		}
		rt.Record(phaseDetach)
	}()
	rt.Record(phaseAttach)

	defer func() {
		if p := recover(); p != nil {
			r.fail(ret, diag.UncaughtError, "panic during dispatch", fmt.Errorf("%v", p))
		}
	}()

	vals, err := r.marshalArgs(args)
	rt.Record(phaseMarshalArgs)
	if err != nil {
		r.fail(ret, diag.MarshalFailure, "cannot marshal arguments", err)
		return
	}

	obj, ok := r.Target()
	if !ok {
		r.fail(ret, diag.StaleTarget, "target collected before dispatch", nil)
		return
	}

	r.calls.Add(1)
	v, err := m.host.Invoke(obj, r.method, vals)
	rt.Record(phaseInvoke)
	if err != nil {
		kind := diag.MarshalFailure
		var uncaught *host.UncaughtError
		if errors.As(err, &uncaught) {
			kind = diag.UncaughtError
		}
		r.fail(ret, kind, "callback failed", err)
		return
	}

	if err := r.marshalReturn(ret, v); err != nil {
		r.fail(ret, diag.MarshalFailure, "cannot marshal return value", err)
		return
	}
	rt.Record(phaseMarshalReturn)
}

func (r *Record) marshalArgs(args []unsafe.Pointer) ([]host.Value, error) {
	if len(args) != r.desc.Arity() {
		return nil, fmt.Errorf("got %d argument slots for arity %d", len(args), r.desc.Arity())
	}
	vals := make([]host.Value, len(args))
	for i, p := range args {
		raw := ffitype.Load(r.desc.Args[i], p, r.desc.Order)
		v, err := r.m.host.NewValue(r.desc.ArgTags[i], raw)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, r.desc.ArgTags[i], err)
		}
		vals[i] = v
	}
	return vals, nil
}

func (r *Record) marshalReturn(ret unsafe.Pointer, v host.Value) error {
	if r.desc.Ret.Size == 0 {
		return nil
	}
	raw, err := r.m.host.ExtractValue(r.desc.RetTag, v)
	if err != nil {
		return fmt.Errorf("return (%s): %w", r.desc.RetTag, err)
	}
	ffitype.Store(r.desc.Ret, ret, r.desc.Order, raw)
	return nil
}

// fail zero-fills the return slot and journals kind.
func (r *Record) fail(ret unsafe.Pointer, kind diag.Kind, msg string, err error) {
	r.failures.Add(1)
	ffitype.Zero(r.desc.Ret, ret)
	if err != nil {
		r.m.journal.Record(kind, r.source(), msg, "signature", r.desc.String(), "error", err)
		return
	}
	r.m.journal.Record(kind, r.source(), msg, "signature", r.desc.String())
}
