package trampoline_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/tinyrange/trampoline"
	"github.com/tinyrange/trampoline/internal/arena"
	"github.com/tinyrange/trampoline/internal/diag"
	"github.com/tinyrange/trampoline/internal/ffi"
	"github.com/tinyrange/trampoline/internal/ffitype"
	"github.com/tinyrange/trampoline/internal/timeslice"
)

type adder struct {
	calls int
}

func (a *adder) Callback(x, y int32) int32 {
	a.calls++
	return x + y
}

func (a *adder) Negate(v int64) int64 { return -v }

func emulatedConfig() trampoline.Config {
	return trampoline.Config{
		ArenaMode: arena.ModeHeap,
		Binder:    ffi.BinderEmulated,
		LogLevel:  "error",
	}
}

func newSystem(t *testing.T, cfg trampoline.Config) *trampoline.System {
	t.Helper()
	s, err := trampoline.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndCall(t *testing.T) {
	s := newSystem(t, emulatedConfig())
	if s.BinderName() != "emulated" || s.Executable() {
		t.Fatalf("unexpected binder %s (executable=%v)", s.BinderName(), s.Executable())
	}

	a := &adder{}
	rec, err := trampoline.Register(context.Background(), s, a, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	f, err := s.Resolve(rec.FunctionPointer(), "(II)I")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got, ok := f.Record(); !ok || got != rec {
		t.Fatalf("Resolve did not map back to the registration")
	}
	if obj, ok := f.Target(); !ok || obj != a {
		t.Fatalf("Target=(%v, %v), want the adder", obj, ok)
	}

	r, err := f.Call(ffitype.RawInt(2), ffitype.RawInt(3))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if r.Int() != 5 || a.calls != 1 {
		t.Fatalf("Call=%d after %d calls, want 5 after 1", r.Int(), a.calls)
	}
	if _, err := f.Call(ffitype.RawInt(2)); err == nil {
		t.Fatalf("expected arity error")
	}

	st := s.Stats()
	if st.Registrations != 1 || st.Arena.InUse != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.Host.Attaches != 1 || st.Host.Detaches != 1 || st.Host.Attached != 0 {
		t.Fatalf("unbalanced thread attachment %+v", st.Host)
	}
}

func TestNamedMethod(t *testing.T) {
	s := newSystem(t, emulatedConfig())

	a := &adder{}
	rec, err := trampoline.Register(context.Background(), s, a, "Negate", "(J)J", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	f, err := s.Resolve(rec.FunctionPointer(), "(J)J")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	r, err := f.Call(ffitype.RawInt(41))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if r.Int() != -41 {
		t.Fatalf("Call=%d, want -41", r.Int())
	}
	runtime.KeepAlive(a)

	if _, err := trampoline.Register(context.Background(), s, &adder{}, "Missing", "()V", trampoline.DefaultConv); !errors.Is(err, trampoline.ErrLinkage) {
		t.Fatalf("expected linkage error, got %v", err)
	}
	if _, err := trampoline.Register(context.Background(), s, &adder{}, "", "(Q)I", trampoline.DefaultConv); !errors.Is(err, trampoline.ErrSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestFunctionPointerCache(t *testing.T) {
	s := newSystem(t, emulatedConfig())
	ctx := context.Background()
	a := &adder{}

	fn1, err := trampoline.FunctionPointer(ctx, s, a, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("FunctionPointer failed: %v", err)
	}
	fn2, err := trampoline.FunctionPointer(ctx, s, a, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("FunctionPointer failed: %v", err)
	}
	if fn1 != fn2 {
		t.Fatalf("cached pointer changed: 0x%x != 0x%x", fn1, fn2)
	}
	fn3, err := trampoline.FunctionPointer(ctx, s, &adder{}, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("FunctionPointer failed: %v", err)
	}
	if fn3 == fn1 {
		t.Fatalf("distinct targets share a pointer")
	}
	if s.Len() != 2 {
		t.Fatalf("Len=%d, want 2", s.Len())
	}
}

func TestResolve(t *testing.T) {
	s := newSystem(t, emulatedConfig())

	rec, err := trampoline.Register(context.Background(), s, &adder{}, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := s.Resolve(rec.FunctionPointer(), "(JJ)J"); err == nil {
		t.Fatalf("expected signature mismatch error")
	}
	if _, err := s.Resolve(0, "()V"); !errors.Is(err, trampoline.ErrNotTrampoline) {
		t.Fatalf("expected ErrNotTrampoline for null, got %v", err)
	}
	if _, err := s.Resolve(rec.FunctionPointer(), "(II"); !errors.Is(err, trampoline.ErrSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}

	f, err := s.Resolve(rec.FunctionPointer(), "(II)D")
	if err == nil {
		t.Fatalf("expected mismatch for a different return tag, got %v", f)
	}
}

// registerDropped registers a target that is unreachable once it returns.
func registerDropped(t *testing.T, s *trampoline.System) *trampoline.Record {
	t.Helper()
	rec, err := trampoline.Register(context.Background(), s, &adder{}, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return rec
}

func TestCollectedTargetReturnsZero(t *testing.T) {
	s := newSystem(t, emulatedConfig())
	rec := registerDropped(t, s)

	for i := 0; i < 10; i++ {
		runtime.GC()
		if _, ok := rec.Target(); !ok {
			break
		}
	}
	if _, ok := rec.Target(); ok {
		t.Skip("target not collected")
	}

	f, err := s.Resolve(rec.FunctionPointer(), "(II)I")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	r, err := f.Call(ffitype.RawInt(2), ffitype.RawInt(3))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if r != 0 {
		t.Fatalf("stale call returned %d, want 0", r)
	}
	if n := s.Stats().Events["stale_target"]; n != 1 {
		t.Fatalf("stale_target events=%d, want 1", n)
	}
}

func TestTeardown(t *testing.T) {
	s := newSystem(t, emulatedConfig())
	rec, err := trampoline.Register(context.Background(), s, &adder{}, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	fn := rec.FunctionPointer()

	if err := s.Teardown(rec); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if err := s.Teardown(rec); err != nil {
		t.Fatalf("second Teardown failed: %v", err)
	}
	if _, ok := s.Lookup(fn); ok {
		t.Fatalf("Lookup found a torn down record")
	}
	if st := s.Stats(); st.Arena.InUse != 0 || st.Registrations != 0 {
		t.Fatalf("unexpected stats after teardown %+v", st)
	}
}

func TestCloseStopsRegistration(t *testing.T) {
	s, err := trampoline.New(emulatedConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := trampoline.Register(context.Background(), s, &adder{}, "", "(II)I", trampoline.DefaultConv); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len=%d after Close", s.Len())
	}
	if _, err := trampoline.Register(context.Background(), s, &adder{}, "", "(II)I", trampoline.DefaultConv); !errors.Is(err, trampoline.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDiagnosticsFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := emulatedConfig()
	cfg.DiagFile = filepath.Join(dir, "diag.bin")
	cfg.TimingFile = filepath.Join(dir, "timing.bin")

	s, err := trampoline.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	a := &adder{}
	rec, err := trampoline.Register(context.Background(), s, a, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	f, err := s.Resolve(rec.FunctionPointer(), "(II)I")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := f.Call(ffitype.RawInt(1), ffitype.RawInt(1)); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if a.calls != 1 {
		t.Fatalf("target called %d times, want 1", a.calls)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := diag.ReadFile(cfg.DiagFile)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if r.Count(diag.Registered) != 1 || r.Count(diag.TornDown) != 1 {
		t.Fatalf("journal has %d registered, %d torn down", r.Count(diag.Registered), r.Count(diag.TornDown))
	}

	tf, err := os.Open(cfg.TimingFile)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer tf.Close()
	sums, err := timeslice.Summarize(tf)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	for _, kind := range []string{"register", "dispatch::invoke", "teardown"} {
		if sums[kind] == nil || sums[kind].Count != 1 {
			t.Fatalf("timing for %s = %+v, want one record", kind, sums[kind])
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := emulatedConfig()
	cfg.Binder = ffi.BinderLibFFI
	if _, err := trampoline.New(cfg); err == nil {
		t.Fatalf("expected error for libffi on the heap arena")
	}

	cfg = emulatedConfig()
	cfg.MaxArgs = 4
	s := newSystem(t, cfg)
	if _, err := trampoline.Register(context.Background(), s, &adder{}, "", "(IIIII)I", trampoline.DefaultConv); !errors.Is(err, trampoline.ErrSignature) {
		t.Fatalf("expected signature error past MaxArgs, got %v", err)
	}
}

func TestNonNativeByteOrderSelectsEmulatedBinder(t *testing.T) {
	order := "big"
	if ffi.NativeOrder(binary.BigEndian) {
		order = "little"
	}
	s := newSystem(t, trampoline.Config{ByteOrder: order, LogLevel: "error"})
	if s.BinderName() != "emulated" {
		t.Fatalf("binder for %s endian slots is %s, want emulated", order, s.BinderName())
	}

	a := &adder{}
	rec, err := trampoline.Register(context.Background(), s, a, "", "(II)I", trampoline.DefaultConv)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	f, err := s.Resolve(rec.FunctionPointer(), "(II)I")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	r, err := f.Call(ffitype.RawInt(2), ffitype.RawInt(3))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if r.Int() != 5 {
		t.Fatalf("Call=%d, want 5", r.Int())
	}
	runtime.KeepAlive(a)
}
