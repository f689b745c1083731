package host

import (
	"errors"
	"testing"

	"github.com/tinyrange/trampoline/internal/ffitype"
)

// flagHost tracks attachment with a single flag; enough for a goroutine
// that never leaves the test.
type flagHost struct {
	attached  bool
	attachErr error
	detachErr error
	attaches  int
	detaches  int
}

func (h *flagHost) Link() error          { return nil }
func (h *flagHost) ThreadAttached() bool { return h.attached }

func (h *flagHost) AttachCurrentThread() error {
	if h.attachErr != nil {
		return h.attachErr
	}
	h.attached = true
	h.attaches++
	return nil
}

func (h *flagHost) DetachCurrentThread() error {
	if h.detachErr != nil {
		return h.detachErr
	}
	h.attached = false
	h.detaches++
	return nil
}

func (h *flagHost) NewWeakRef(Target) (WeakRef, error)           { return nil, nil }
func (h *flagHost) ResolveMethod(Target, string) (Method, error) { return nil, nil }
func (h *flagHost) Invoke(any, Method, []Value) (Value, error)   { return nil, nil }

func (h *flagHost) NewValue(ffitype.Tag, ffitype.Raw) (Value, error)   { return nil, nil }
func (h *flagHost) ExtractValue(ffitype.Tag, Value) (ffitype.Raw, error) { return 0, nil }

func TestBindAttachesOnce(t *testing.T) {
	h := &flagHost{}
	b, err := Bind(h)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	nested, err := Bind(h)
	if err != nil {
		t.Fatalf("nested Bind failed: %v", err)
	}
	if !b.Attached() || nested.Attached() {
		t.Fatalf("Attached outer=%v nested=%v, want true false", b.Attached(), nested.Attached())
	}
	if err := nested.Release(); err != nil {
		t.Fatalf("nested Release failed: %v", err)
	}
	if !h.attached {
		t.Fatalf("nested Release detached the thread")
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if h.attaches != 1 || h.detaches != 1 || h.attached {
		t.Fatalf("attaches=%d detaches=%d attached=%v", h.attaches, h.detaches, h.attached)
	}
}

func TestBindAttachFailure(t *testing.T) {
	refused := errors.New("refused")
	h := &flagHost{attachErr: refused}
	b, err := Bind(h)
	if !errors.Is(err, refused) {
		t.Fatalf("expected attach error, got %v", err)
	}
	if b.Attached() {
		t.Fatalf("failed Bind reports an attach")
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release of a failed binding returned %v", err)
	}
}

func TestReleaseDetachFailure(t *testing.T) {
	stuck := errors.New("stuck")
	h := &flagHost{}
	b, err := Bind(h)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	h.detachErr = stuck
	if err := b.Release(); !errors.Is(err, stuck) {
		t.Fatalf("expected detach error, got %v", err)
	}
}

func TestUncaughtErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := error(&UncaughtError{Method: "T.Callback", Value: cause})
	if !errors.Is(err, cause) {
		t.Fatalf("UncaughtError does not unwrap to its cause")
	}
	if got := (&UncaughtError{Method: "T.Callback", Value: "text"}).Unwrap(); got != nil {
		t.Fatalf("Unwrap of a non-error value=%v, want nil", got)
	}
	if msg := err.Error(); msg != "host: uncaught error in T.Callback: cause" {
		t.Fatalf("Error()=%q", msg)
	}
}
