//go:build (linux || darwin) && (amd64 || arm64)

package ffi

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/tinyrange/trampoline/internal/arena"
	"github.com/tinyrange/trampoline/internal/ffitype"
)

const ffiOK = 0

// LibFFI prepares real libffi closures inside arena blocks. The closure
// lives at the start of the block and its code location is the block
// itself, so the arena must hand out executable memory.
type LibFFI struct {
	lib   uintptr
	types map[ffitype.Kind]uintptr

	ffiPrepCif        func(cif uintptr, abi int32, nargs uint32, rtype uintptr, atypes uintptr) int32
	ffiPrepClosureLoc func(closure uintptr, cif uintptr, fun uintptr, userData uintptr, codeloc uintptr) int32
}

var _ Binder = (*LibFFI)(nil)

var (
	libOnce sync.Once
	libFFI  *LibFFI
	libErr  error

	// entryOnce guards the single purego callback shared by every closure.
	// purego keeps a fixed number of callback slots for the process, so one
	// entry routes by user data instead of one callback per trampoline.
	entryOnce sync.Once
	entryPC   uintptr
)

// OpenLibFFI loads libffi from the first path that opens. Later calls
// return the same binder.
func OpenLibFFI(paths []string) (*LibFFI, error) {
	libOnce.Do(func() {
		libFFI, libErr = loadLibFFI(paths)
	})
	return libFFI, libErr
}

func loadLibFFI(paths []string) (*LibFFI, error) {
	if len(paths) == 0 {
		paths = defaultLibPaths
	}

	var (
		lib  uintptr
		errs []error
	)
	for _, path := range paths {
		h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
		if err != nil {
			errs = append(errs, fmt.Errorf("purego dlopen %s: %w", path, err))
			continue
		}
		lib = h
		break
	}
	if lib == 0 {
		return nil, fmt.Errorf("ffi: load libffi: %w", errors.Join(errs...))
	}

	l := &LibFFI{lib: lib, types: make(map[ffitype.Kind]uintptr)}
	purego.RegisterLibFunc(&l.ffiPrepCif, lib, "ffi_prep_cif")
	purego.RegisterLibFunc(&l.ffiPrepClosureLoc, lib, "ffi_prep_closure_loc")

	for kind, sym := range map[ffitype.Kind]string{
		ffitype.KindVoid:    "ffi_type_void",
		ffitype.KindSint8:   "ffi_type_sint8",
		ffitype.KindSint16:  "ffi_type_sint16",
		ffitype.KindSint32:  "ffi_type_sint32",
		ffitype.KindSint64:  "ffi_type_sint64",
		ffitype.KindFloat:   "ffi_type_float",
		ffitype.KindDouble:  "ffi_type_double",
		ffitype.KindPointer: "ffi_type_pointer",
	} {
		addr, err := purego.Dlsym(lib, sym)
		if err != nil {
			return nil, fmt.Errorf("ffi: resolve %s: %w", sym, err)
		}
		l.types[kind] = addr
	}
	return l, nil
}

func (*LibFFI) Name() string { return "libffi" }

func (*LibFFI) NeedsExecutable() bool { return true }

// Bind prepares the cif and the closure inside b.
func (l *LibFFI) Bind(b arena.Block, desc *Descriptor, h Handler) (uintptr, error) {
	if err := checkCapacity(b, desc); err != nil {
		return 0, err
	}
	if !NativeOrder(desc.Order) {
		return 0, fmt.Errorf("ffi: libffi trampolines use native byte order")
	}
	abi, err := abiFor(desc.Conv)
	if err != nil {
		return 0, err
	}

	base := b.Pointer()
	cif := unsafe.Add(base, cifOffset)
	table := unsafe.Add(base, tableOffset)
	for i, t := range desc.Args {
		*(*uintptr)(unsafe.Add(table, i*ptrSize)) = l.types[t.Kind]
	}

	if st := l.ffiPrepCif(uintptr(cif), abi, uint32(desc.Arity()), l.types[desc.Ret.Kind], uintptr(table)); st != ffiOK {
		return 0, fmt.Errorf("ffi: ffi_prep_cif(%s) failed with status %d", desc, st)
	}

	publish(b, desc, h)
	if st := l.ffiPrepClosureLoc(b.Addr(), uintptr(cif), closureEntry(), b.Addr(), b.Addr()); st != ffiOK {
		withdraw(b)
		return 0, fmt.Errorf("ffi: ffi_prep_closure_loc(%s) failed with status %d", desc, st)
	}
	return b.Addr(), nil
}

// Unbind withdraws the route. The closure code stays in the block until
// the arena zeroes it on reuse.
func (l *LibFFI) Unbind(b arena.Block) {
	withdraw(b)
}

func closureEntry() uintptr {
	entryOnce.Do(func() {
		entryPC = purego.NewCallback(dispatchClosure)
	})
	return entryPC
}

// dispatchClosure is the libffi closure function:
// void fun(ffi_cif *cif, void *ret, void **args, void *user_data).
// user_data is the block address the route is keyed by.
func dispatchClosure(cif, ret, args, userData uintptr) {
	r := lookup(userData)
	if r == nil {
		return
	}
	n := r.desc.Arity()
	var argv []unsafe.Pointer
	if n > 0 {
		argv = unsafe.Slice((*unsafe.Pointer)(unsafe.Pointer(args)), n)
	}
	r.handler(unsafe.Pointer(ret), argv)
}
