// Package trampoline hands out native function pointers that call Go
// methods. A registered pointer can be given to C code expecting a plain
// function pointer; calling it attaches the thread, converts the arguments,
// invokes the method and converts the result back.
//
// Targets are held weakly. Once the Go object is collected the pointer
// stays valid but returns zero and records a stale_target event.
package trampoline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/tinyrange/trampoline/internal/arena"
	"github.com/tinyrange/trampoline/internal/callback"
	"github.com/tinyrange/trampoline/internal/config"
	"github.com/tinyrange/trampoline/internal/diag"
	"github.com/tinyrange/trampoline/internal/ffi"
	"github.com/tinyrange/trampoline/internal/ffitype"
	"github.com/tinyrange/trampoline/internal/host/gohost"
	"github.com/tinyrange/trampoline/internal/timeslice"
)

// Record is one live registration.
type Record = callback.Record

// Error is returned by registration with the failing operation and
// signature.
type Error = callback.Error

// Config holds the settings New reads. See Open for file and environment
// loading.
type Config = config.Config

// CallConv selects the native calling convention of a function pointer.
type CallConv = ffi.CallConv

const (
	DefaultConv = ffi.DefaultConv
	AltConv     = ffi.AltConv
)

// DefaultMethod is invoked when registration names no method.
const DefaultMethod = gohost.DefaultMethod

var (
	ErrLinkage       = callback.ErrLinkage
	ErrAllocation    = callback.ErrAllocation
	ErrSignature     = callback.ErrSignature
	ErrClosed        = callback.ErrClosed
	ErrNotTrampoline = ffi.ErrNotTrampoline
)

// System owns an arena, a binder and every registration made through it.
type System struct {
	cfg      Config
	log      *slog.Logger
	host     *gohost.Host
	alloc    arena.Allocator
	binder   ffi.Binder
	journal  *diag.Journal
	timeline *timeslice.Timeline
	timing   *os.File
	mgr      *callback.Manager

	closeOnce sync.Once
	closeErr  error
}

// Open loads configuration from path (empty for none) and the
// TRAMPOLINE_* environment, then calls New.
func Open(path string) (*System, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// New builds a system from cfg. Missing settings take their defaults.
func New(cfg Config) (_ *System, err error) {
	cfg = normalized(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := cfg.Level()
	order, _ := cfg.Order()

	s := &System{
		cfg:  cfg,
		log:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
		host: gohost.New(),
	}
	defer func() {
		if err != nil {
			s.closeOutputs()
		}
	}()

	if s.alloc, err = arena.NewAllocator(cfg.ArenaMode, ffi.RecordSize(cfg.MaxArgs), int(cfg.PageSize)); err != nil {
		return nil, fmt.Errorf("trampoline: allocator: %w", err)
	}
	if s.binder, err = ffi.NewBinder(cfg.Binder, s.alloc, cfg.LibFFIPaths, order); err != nil {
		return nil, fmt.Errorf("trampoline: binder: %w", err)
	}

	if cfg.DiagFile != "" {
		if s.journal, err = diag.OpenFile(cfg.DiagFile, s.log); err != nil {
			return nil, err
		}
	} else {
		s.journal = diag.New(nil, s.log)
	}
	if cfg.TimingFile != "" {
		if s.timing, err = os.Create(cfg.TimingFile); err != nil {
			return nil, fmt.Errorf("trampoline: timing file: %w", err)
		}
		if s.timeline, err = timeslice.Open(s.timing); err != nil {
			return nil, err
		}
	}

	s.mgr, err = callback.NewManager(callback.Options{
		Host:      s.host,
		Allocator: s.alloc,
		Binder:    s.binder,
		MaxArgs:   cfg.MaxArgs,
		Order:     order,
		Journal:   s.journal,
		Timeline:  s.timeline,
		Logger:    s.log,
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("trampoline system ready",
		"arena", cfg.ArenaMode, "executable", s.alloc.Executable(),
		"binder", s.binder.Name(), "block_size", s.alloc.BlockSize())
	return s, nil
}

// normalized fills zero fields the way a loaded config would have them.
func normalized(cfg Config) Config {
	def := config.Default()
	if cfg.ArenaMode == "" {
		cfg.ArenaMode = def.ArenaMode
	}
	if cfg.Binder == "" {
		cfg.Binder = def.Binder
	}
	if cfg.MaxArgs <= 0 {
		cfg.MaxArgs = def.MaxArgs
	}
	if cfg.ByteOrder == "" {
		cfg.ByteOrder = def.ByteOrder
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	return cfg
}

func (s *System) Config() Config { return s.cfg }

// BinderName reports which binder produces function pointers.
func (s *System) BinderName() string { return s.binder.Name() }

// Executable reports whether trampolines live in executable memory.
func (s *System) Executable() bool { return s.alloc.Executable() }

// Register creates a function pointer calling method on obj. sig is a
// method descriptor such as "(IJ)Z". An empty method selects
// DefaultMethod. Every call creates a new pointer; see FunctionPointer for
// the cached form.
func Register[T any](ctx context.Context, s *System, obj *T, method, sig string, conv CallConv) (*Record, error) {
	args, ret, err := ffitype.ParseSignature(sig)
	if err != nil {
		return nil, &Error{Op: "register", Tag: sig, Err: fmt.Errorf("%w: %w", ErrSignature, err)}
	}
	return s.mgr.Register(ctx, gohost.Object(obj), method, args, ret, conv)
}

// FunctionPointer returns the pointer for obj's method and signature,
// registering it on first use.
func FunctionPointer[T any](ctx context.Context, s *System, obj *T, method, sig string, conv CallConv) (uintptr, error) {
	return s.mgr.FunctionPointer(ctx, gohost.Object(obj), method, sig, conv)
}

// Teardown releases rec. The pointer must not be called afterwards.
func (s *System) Teardown(rec *Record) error { return s.mgr.Teardown(rec) }

// Lookup maps a function pointer back to its registration.
func (s *System) Lookup(fn uintptr) (*Record, bool) { return s.mgr.Lookup(fn) }

// Len returns the number of live registrations.
func (s *System) Len() int { return s.mgr.Len() }

// Stats is a snapshot of system state.
type Stats struct {
	Registrations int
	Arena         arena.Stats
	Host          gohost.Stats
	Events        map[string]int64
}

func (s *System) Stats() Stats {
	st := Stats{
		Registrations: s.mgr.Len(),
		Arena:         s.alloc.Stats(),
		Host:          s.host.Stats(),
		Events:        make(map[string]int64),
	}
	for _, k := range []diag.Kind{diag.StaleTarget, diag.UncaughtError, diag.AttachFailure,
		diag.DetachFailure, diag.MarshalFailure, diag.Registered, diag.TornDown} {
		st.Events[k.String()] = s.journal.Count(k)
	}
	return st
}

// Close tears down every registration and flushes the journal and timing
// files. Later calls return the first result.
func (s *System) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.mgr.Close(), s.closeOutputs())
	})
	return s.closeErr
}

func (s *System) closeOutputs() error {
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.timeline != nil {
		errs = append(errs, s.timeline.Close())
	}
	if s.timing != nil {
		errs = append(errs, s.timing.Close())
	}
	return errors.Join(errs...)
}
