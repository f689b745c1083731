package callback

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinyrange/trampoline/internal/diag"
	"github.com/tinyrange/trampoline/internal/ffi"
	"github.com/tinyrange/trampoline/internal/ffitype"
	"github.com/tinyrange/trampoline/internal/host"
)

// Teardown unbinds the trampoline, releases the weak target and returns
// the block to the arena. Calls after the first are no-ops. Tearing down
// a record while one of its dispatches is running on another thread is a
// caller error.
func (m *Manager) Teardown(r *Record) error {
	if r == nil {
		return &Error{Op: "teardown", Err: errors.New("nil record")}
	}
	if r.m != m {
		return &Error{Op: "teardown", Tag: r.source(), Err: errors.New("record belongs to another manager")}
	}
	r.tornDown.Do(func() { m.teardown(r) })
	return nil
}

func (m *Manager) teardown(r *Record) {
	rt := m.timeline.NewRecorder()

	r.dead.Store(true)

	// Forget the record before its block goes back to the arena: a
	// concurrent Register may be handed the same block, and with it the
	// same function pointer.
	m.mu.Lock()
	if m.records[r.fn] == r {
		delete(m.records, r.fn)
	}
	if r.cached && m.cache[r.key] == r {
		delete(m.cache, r.key)
	}
	m.mu.Unlock()

	m.binder.Unbind(r.block)
	r.target.Release()
	m.alloc.Release(r.block)

	rt.Record(phaseTeardown)
	m.journal.Record(diag.TornDown, r.source(), "torn down "+r.desc.String(),
		"calls", r.calls.Load(), "failures", r.failures.Load())
}

// Close tears down every live registration. Register fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	recs := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.Unlock()

	for _, r := range recs {
		if err := m.Teardown(r); err != nil {
			return err
		}
	}
	m.log.Debug("callback manager closed", "torn_down", len(recs))
	return nil
}

// cacheKey identifies a target method with a signature and convention.
type cacheKey struct {
	target any
	method string
	sig    string
	conv   ffi.CallConv
}

// FunctionPointer returns the trampoline for target, registering it on
// first use. Later calls with the same live target, method, signature and
// convention return the same pointer.
func (m *Manager) FunctionPointer(ctx context.Context, target host.Target, method, sig string, conv ffi.CallConv) (uintptr, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Op: "function pointer", Err: err}
	}
	args, ret, err := ffitype.ParseSignature(sig)
	if err != nil {
		return 0, &Error{Op: "function pointer", Tag: sig, Err: fmt.Errorf("%w: %w", ErrSignature, err)}
	}
	if err := m.host.Link(); err != nil {
		return 0, &Error{Op: "function pointer", Tag: sig, Err: fmt.Errorf("%w: %w", ErrLinkage, err)}
	}
	ref, err := m.host.NewWeakRef(target)
	if err != nil {
		return 0, &Error{Op: "function pointer", Tag: sig, Err: fmt.Errorf("%w: %w", ErrLinkage, err)}
	}
	key := cacheKey{target: ref.Key(), method: method, sig: ffitype.FormatSignature(args, ret), conv: conv}

	m.sweepCache()

	if fn, ok := m.cachedPointer(key); ok {
		ref.Release()
		return fn, nil
	}
	rec, err := m.register(target, method, args, ret, conv, ref)
	if err != nil {
		return 0, err
	}
	prev, stored := m.storeCached(key, rec)
	if !stored {
		// Another caller registered the same key first.
		m.reclaim(rec, "duplicate")
		return prev.fn, nil
	}
	if prev != nil {
		m.reclaim(prev, "collected")
	}
	return rec.fn, nil
}

func (m *Manager) reclaim(rec *Record, why string) {
	if err := m.Teardown(rec); err != nil {
		m.log.Warn("failed to tear down "+why+" registration", "record", rec.source(), "error", err)
	}
}

// sweepCache tears down cached registrations whose target was collected.
// Nothing but the cache can reach them again.
func (m *Manager) sweepCache() {
	var stale []*Record
	m.mu.Lock()
	for key, rec := range m.cache {
		if _, live := rec.Target(); !live {
			delete(m.cache, key)
			stale = append(stale, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range stale {
		m.reclaim(rec, "collected")
	}
	if len(stale) > 0 {
		m.log.Debug("reclaimed collected callbacks", "count", len(stale))
	}
}

func (m *Manager) cachedPointer(key cacheKey) (uintptr, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cache[key]
	if !ok {
		return 0, false
	}
	if _, live := rec.Target(); !live {
		return 0, false
	}
	return rec.fn, true
}

// storeCached caches rec under key unless a live record holds it, in
// which case that record is returned with false. A collected record that
// rec displaces is returned with true so the caller can tear it down.
func (m *Manager) storeCached(key cacheKey, rec *Record) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.cache[key]
	if ok {
		if _, live := prev.Target(); live {
			return prev, false
		}
	}
	rec.cached = true
	rec.key = key
	m.cache[key] = rec
	return prev, true
}
