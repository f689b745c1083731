package callback

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tinyrange/trampoline/internal/arena"
	"github.com/tinyrange/trampoline/internal/ffi"
	"github.com/tinyrange/trampoline/internal/host"
)

// Record is one registration. Its function pointer and its arena block are
// the same allocation; the record owns the block until teardown.
type Record struct {
	m      *Manager
	id     uuid.UUID
	desc   *ffi.Descriptor
	method host.Method
	target host.WeakRef
	block  arena.Block
	fn     uintptr

	cached   bool
	key      cacheKey
	tornDown sync.Once
	dead     atomic.Bool

	calls    atomic.Int64
	failures atomic.Int64
}

func newRecord(m *Manager, desc *ffi.Descriptor, method host.Method, target host.WeakRef, block arena.Block) *Record {
	return &Record{
		m:      m,
		id:     uuid.New(),
		desc:   desc,
		method: method,
		target: target,
		block:  block,
	}
}

func (r *Record) ID() uuid.UUID { return r.id }

// FunctionPointer is the native entry of the trampoline.
func (r *Record) FunctionPointer() uintptr { return r.fn }

func (r *Record) Descriptor() *ffi.Descriptor { return r.desc }

// Target resolves the weak target.
func (r *Record) Target() (any, bool) {
	if r.dead.Load() {
		return nil, false
	}
	return r.target.Resolve()
}

// Calls returns the number of dispatches that reached the runtime.
func (r *Record) Calls() int64 { return r.calls.Load() }

// Failures returns the number of dispatches that zero-filled or aborted.
func (r *Record) Failures() int64 { return r.failures.Load() }

// Alive reports whether the record has not been torn down.
func (r *Record) Alive() bool { return !r.dead.Load() }

// Teardown releases the registration. See Manager.Teardown.
func (r *Record) Teardown() error { return r.m.Teardown(r) }

func (r *Record) source() string { return r.id.String() }
