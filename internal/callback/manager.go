// Package callback turns managed targets into native function pointers.
//
// Register builds a call interface for the target's method, places a
// trampoline record in an arena block and binds the dispatch bridge to it.
// Native code calling the returned pointer lands in dispatch, which
// attaches the thread, marshals arguments, invokes the target through its
// weak reference and writes the return slot. Teardown returns the block.
package callback

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/trampoline/internal/arena"
	"github.com/tinyrange/trampoline/internal/diag"
	"github.com/tinyrange/trampoline/internal/ffi"
	"github.com/tinyrange/trampoline/internal/ffitype"
	"github.com/tinyrange/trampoline/internal/host"
	"github.com/tinyrange/trampoline/internal/timeslice"
)

var (
	phaseAttach        = timeslice.RegisterKind("dispatch::attach", timeslice.SliceFlagDispatch)
	phaseMarshalArgs   = timeslice.RegisterKind("dispatch::marshal_args", timeslice.SliceFlagDispatch)
	phaseInvoke        = timeslice.RegisterKind("dispatch::invoke", timeslice.SliceFlagDispatch)
	phaseMarshalReturn = timeslice.RegisterKind("dispatch::marshal_return", timeslice.SliceFlagDispatch)
	phaseDetach        = timeslice.RegisterKind("dispatch::detach", timeslice.SliceFlagDispatch)
	phaseRegister      = timeslice.RegisterKind("register", timeslice.SliceFlagLifecycle)
	phaseTeardown      = timeslice.RegisterKind("teardown", timeslice.SliceFlagLifecycle)
)

type Options struct {
	Host      host.Host
	Allocator arena.Allocator

	// Binder defaults to ffi.NewBinder(ffi.BinderAuto, Allocator, nil, Order).
	Binder ffi.Binder

	// MaxArgs bounds the arity of registered signatures. The allocator's
	// blocks must be at least ffi.RecordSize(MaxArgs) bytes.
	MaxArgs int

	// Order is the byte order of argument and return slots. Nil selects
	// native order.
	Order binary.ByteOrder

	Journal  *diag.Journal
	Timeline *timeslice.Timeline
	Logger   *slog.Logger
}

// Manager owns registrations for one host. It is safe for concurrent use.
type Manager struct {
	host     host.Host
	alloc    arena.Allocator
	binder   ffi.Binder
	maxArgs  int
	order    binary.ByteOrder
	journal  *diag.Journal
	timeline *timeslice.Timeline
	log      *slog.Logger

	mu      sync.Mutex
	records map[uintptr]*Record
	cache   map[cacheKey]*Record
	closed  bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Host == nil {
		return nil, fmt.Errorf("callback: no host")
	}
	if opts.Allocator == nil {
		return nil, fmt.Errorf("callback: no allocator")
	}
	if opts.MaxArgs <= 0 {
		opts.MaxArgs = ffi.DefaultMaxArgs
	}
	if need := ffi.RecordSize(opts.MaxArgs); opts.Allocator.BlockSize() < need {
		return nil, fmt.Errorf("callback: block size %d too small for %d arguments (need %d)",
			opts.Allocator.BlockSize(), opts.MaxArgs, need)
	}
	if opts.Binder == nil {
		b, err := ffi.NewBinder(ffi.BinderAuto, opts.Allocator, nil, opts.Order)
		if err != nil {
			return nil, err
		}
		opts.Binder = b
	}
	if opts.Binder.NeedsExecutable() && !opts.Allocator.Executable() {
		return nil, fmt.Errorf("callback: %s binder needs executable blocks", opts.Binder.Name())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Journal == nil {
		opts.Journal = diag.New(nil, opts.Logger)
	}

	return &Manager{
		host:     opts.Host,
		alloc:    opts.Allocator,
		binder:   opts.Binder,
		maxArgs:  opts.MaxArgs,
		order:    opts.Order,
		journal:  opts.Journal,
		timeline: opts.Timeline,
		log:      opts.Logger,
		records:  make(map[uintptr]*Record),
		cache:    make(map[cacheKey]*Record),
	}, nil
}

func (m *Manager) Host() host.Host           { return m.host }
func (m *Manager) Allocator() arena.Allocator { return m.alloc }
func (m *Manager) Binder() ffi.Binder         { return m.binder }
func (m *Manager) Journal() *diag.Journal     { return m.journal }

// Register creates a trampoline calling method on target. An empty method
// name selects the host's default. conv picks the native calling
// convention of the returned pointer.
func (m *Manager) Register(ctx context.Context, target host.Target, method string, args []ffitype.Tag, ret ffitype.Tag, conv ffi.CallConv) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "register", Err: err}
	}
	if err := m.host.Link(); err != nil {
		return nil, &Error{Op: "register", Err: fmt.Errorf("%w: %w", ErrLinkage, err)}
	}
	return m.register(target, method, args, ret, conv, nil)
}

// register runs after Link. A non-nil ref is adopted as the record's weak
// target.
func (m *Manager) register(target host.Target, method string, args []ffitype.Tag, ret ffitype.Tag, conv ffi.CallConv, ref host.WeakRef) (rec *Record, err error) {
	rt := m.timeline.NewRecorder()
	sig := ffitype.FormatSignature(args, ret)

	defer func() {
		if err != nil && ref != nil {
			ref.Release()
		}
	}()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, &Error{Op: "register", Tag: sig, Err: ErrClosed}
	}

	desc, err := ffi.NewDescriptor(args, ret, conv, m.maxArgs, m.order)
	if err != nil {
		return nil, &Error{Op: "register", Tag: sig, Err: fmt.Errorf("%w: %w", ErrSignature, err)}
	}
	mh, err := m.host.ResolveMethod(target, method)
	if err != nil {
		return nil, &Error{Op: "register", Tag: sig, Err: fmt.Errorf("%w: %w", ErrLinkage, err)}
	}
	if ref == nil {
		if ref, err = m.host.NewWeakRef(target); err != nil {
			return nil, &Error{Op: "register", Tag: sig, Err: fmt.Errorf("%w: %w", ErrLinkage, err)}
		}
	}

	block, err := m.alloc.Acquire()
	if err != nil {
		return nil, &Error{Op: "register", Tag: sig, Err: fmt.Errorf("%w: %w", ErrAllocation, err)}
	}

	rec = newRecord(m, desc, mh, ref, block)
	fn, err := m.binder.Bind(block, desc, rec.dispatch)
	if err != nil {
		m.alloc.Release(block)
		return nil, &Error{Op: "register", Tag: sig, Err: fmt.Errorf("%w: %w", ErrSignature, err)}
	}
	rec.fn = fn

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		rec.tornDown.Do(func() {
			rec.dead.Store(true)
			m.binder.Unbind(block)
			m.alloc.Release(block)
		})
		return nil, &Error{Op: "register", Tag: sig, Err: ErrClosed}
	}
	m.records[fn] = rec
	m.mu.Unlock()

	rt.Record(phaseRegister)
	m.journal.Record(diag.Registered, rec.source(), "registered "+desc.String(),
		"fn", fmt.Sprintf("0x%x", fn), "binder", m.binder.Name())
	return rec, nil
}

// Lookup maps a function pointer back to its registration.
func (m *Manager) Lookup(fn uintptr) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fn]
	return rec, ok
}

// Len returns the number of live registrations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
