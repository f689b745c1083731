package hosttest

import (
	"errors"
	"testing"

	"github.com/tinyrange/trampoline/internal/ffitype"
	"github.com/tinyrange/trampoline/internal/host"
)

func TestCollectInvalidatesWeakRefs(t *testing.T) {
	h := New()
	target := Sum()
	ref, err := h.NewWeakRef(target)
	if err != nil {
		t.Fatalf("NewWeakRef failed: %v", err)
	}
	if obj, ok := ref.Resolve(); !ok || obj != target {
		t.Fatalf("Resolve before Collect=(%v, %v)", obj, ok)
	}
	h.Collect(target)
	if _, ok := ref.Resolve(); ok {
		t.Fatalf("Resolve succeeded after Collect")
	}
	ref.Release()
	ref.Release()
	if c := h.Counters(); c.WeakRefs != 1 || c.Releases != 1 {
		t.Fatalf("Counters=%+v, want one weak ref released once", c)
	}
}

func TestInvokeSum(t *testing.T) {
	h := New()
	target := Sum()
	m, err := h.ResolveMethod(target, "")
	if err != nil {
		t.Fatalf("ResolveMethod failed: %v", err)
	}
	a, _ := h.NewValue(ffitype.Int, ffitype.RawInt(40))
	b, _ := h.NewValue(ffitype.Int, ffitype.RawInt(2))
	v, err := h.Invoke(target, m, []host.Value{a, b})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	raw, err := h.ExtractValue(ffitype.Int, v)
	if err != nil {
		t.Fatalf("ExtractValue failed: %v", err)
	}
	if raw.Int() != 42 {
		t.Fatalf("sum=%d, want 42", raw.Int())
	}
}

func TestRaiseIsUncaught(t *testing.T) {
	h := New()
	boom := errors.New("boom")
	target := Raise(boom)
	m, err := h.ResolveMethod(target, "Callback")
	if err != nil {
		t.Fatalf("ResolveMethod failed: %v", err)
	}
	_, err = h.Invoke(target, m, nil)
	var uncaught *host.UncaughtError
	if !errors.As(err, &uncaught) || !errors.Is(err, boom) {
		t.Fatalf("expected uncaught boom, got %v", err)
	}
}

func TestFailureInjection(t *testing.T) {
	h := New()
	h.FailLink(errors.New("no env"))
	if err := h.Link(); !errors.Is(err, host.ErrNotLinked) {
		t.Fatalf("expected ErrNotLinked, got %v", err)
	}
	h.FailLink(nil)
	if err := h.Link(); err != nil {
		t.Fatalf("Link failed after clearing: %v", err)
	}

	attachErr := errors.New("attach refused")
	h.FailAttach(attachErr)
	if _, err := host.Bind(h); !errors.Is(err, attachErr) {
		t.Fatalf("expected attach failure, got %v", err)
	}
	if c := h.Counters(); c.Attaches != 0 {
		t.Fatalf("failed attach was counted: %+v", c)
	}
}

func TestMissingMethod(t *testing.T) {
	h := New()
	if _, err := h.ResolveMethod(Sum(), "Other"); !errors.Is(err, host.ErrNoMethod) {
		t.Fatalf("expected ErrNoMethod, got %v", err)
	}
}
