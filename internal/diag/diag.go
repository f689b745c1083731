// Package diag records dispatch diagnostics: stale targets, uncaught
// errors, attach failures and registration lifecycle events.
//
// Events go to slog and, when a journal writer is attached, to a binary
// journal. Each journal entry is
//
//	2 bytes  kind
//	2 bytes  source length
//	4 bytes  message length
//	8 bytes  timestamp (nanoseconds since epoch)
//	source bytes
//	message bytes
//
// Writers reserve their range with an atomic add on the journal offset, so
// concurrent dispatches never take a lock to record an event.
package diag

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	StaleTarget
	UncaughtError
	AttachFailure
	DetachFailure
	MarshalFailure
	Registered
	TornDown

	kindCount
)

var kindNames = [...]string{
	KindInvalid:    "invalid",
	StaleTarget:    "stale_target",
	UncaughtError:  "uncaught_error",
	AttachFailure:  "attach_failure",
	DetachFailure:  "detach_failure",
	MarshalFailure: "marshal_failure",
	Registered:     "registered",
	TornDown:       "torn_down",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// Failure reports whether k records something going wrong at dispatch.
func (k Kind) Failure() bool {
	switch k {
	case StaleTarget, UncaughtError, AttachFailure, DetachFailure, MarshalFailure:
		return true
	}
	return false
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindInvalid {
			return Kind(k), nil
		}
	}
	return KindInvalid, fmt.Errorf("diag: unknown event kind %q", s)
}

const headerSize = 16

// Writer is the journal backing store.
type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct{ w Writer }

// Journal records events. The zero value and a nil *Journal drop events.
type Journal struct {
	w      atomic.Pointer[writer]
	log    *slog.Logger
	offset atomic.Uint64
	counts [kindCount]atomic.Int64
	failed atomic.Int64
}

// New returns a journal writing to w. A nil w keeps only the slog output
// and the per-kind counters.
func New(w Writer, log *slog.Logger) *Journal {
	if log == nil {
		log = slog.Default()
	}
	j := &Journal{log: log}
	if w != nil {
		j.w.Store(&writer{w: w})
	}
	return j
}

// OpenFile truncates name and journals to it.
func OpenFile(name string, log *slog.Logger) (*Journal, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diag: open journal: %w", err)
	}
	return New(f, log), nil
}

// OpenMemory journals into memory. The returned buffer can be read back
// with its Reader method.
func OpenMemory(log *slog.Logger) (*Journal, *Memory) {
	mem := &Memory{}
	return New(mem, log), mem
}

// Record logs an event and appends it to the journal. attrs are slog
// key/value pairs; they are logged but not journaled.
func (j *Journal) Record(kind Kind, source, message string, attrs ...any) {
	if j == nil {
		return
	}
	if kind < kindCount {
		j.counts[kind].Add(1)
	}

	level := slog.LevelDebug
	if kind.Failure() {
		level = slog.LevelWarn
	}
	if j.log.Enabled(context.Background(), level) {
		j.log.Log(context.Background(), level, message, append([]any{"event", kind.String(), "source", source}, attrs...)...)
	}

	if w := j.w.Load(); w != nil {
		if err := j.write(w.w, kind, source, message); err != nil {
			if j.failed.Add(1) == 1 {
				j.log.Error("diag journal write failed; further failures are not logged", "error", err)
			}
		}
	}
}

func (j *Journal) write(w Writer, kind Kind, source, message string) error {
	if len(source) > 0xffff {
		source = source[:0xffff]
	}
	size := uint64(headerSize + len(source) + len(message))
	off := int64(j.offset.Add(size) - size)

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(message)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], source)
	copy(buf[headerSize+len(source):], message)

	_, err := w.WriteAt(buf, off)
	return err
}

// Count returns how many events of kind were recorded.
func (j *Journal) Count(kind Kind) int64 {
	if j == nil || kind >= kindCount {
		return 0
	}
	return j.counts[kind].Load()
}

// Close closes the journal writer. Events recorded afterwards are still
// logged.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	if w := j.w.Swap(nil); w != nil {
		return w.w.Close()
	}
	return nil
}
