// Package timeslice records how long each phase of registration and
// dispatch takes. Records are buffered on a channel and written by a
// background goroutine so the hot path never touches the writer.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	headerAlign = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type KindID uint64

const InvalidKind = KindID(0)

type SliceFlags uint32

const (
	// SliceFlagDispatch marks phases that run on the native caller's thread.
	SliceFlagDispatch SliceFlags = 1 << iota
	// SliceFlagLifecycle marks registration and teardown.
	SliceFlagLifecycle
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagDispatch != 0 {
		flags = append(flags, "dispatch")
	}
	if f&SliceFlagLifecycle != 0 {
		flags = append(flags, "lifecycle")
	}
	return strings.Join(flags, ",")
}

type KindInfo struct {
	Name  string
	Flags SliceFlags
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[KindID]KindInfo)
)

// RegisterKind adds a named phase. Call it from package variable
// initialisers.
func RegisterKind(name string, flags SliceFlags) KindID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := KindID(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       KindID
	Duration int64
}

var recordSize = binary.Size(record{})

// Timeline is an open recording. A nil *Timeline records nothing.
type Timeline struct {
	w       io.Writer
	records chan record
	done    chan error
	closed  atomic.Bool
	closeMu sync.RWMutex
	dropped atomic.Int64
}

// Open writes the header and kind table to w and starts the writer.
func Open(w io.Writer) (*Timeline, error) {
	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	// Records start on an aligned offset.
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	t := &Timeline{
		w:       w,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}
	go t.run()
	return t, nil
}

func padding(off int) int {
	if off%headerAlign == 0 {
		return 0
	}
	return headerAlign - off%headerAlign
}

func (t *Timeline) run() {
	var buf [4096]byte
	off := 0
	var werr error

	for rec := range t.records {
		if werr != nil {
			continue
		}
		if off+recordSize > len(buf) {
			if _, err := t.w.Write(buf[:off]); err != nil {
				werr = err
				continue
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}
	if werr == nil && off > 0 {
		_, werr = t.w.Write(buf[:off])
	}
	t.done <- werr
}

// Record queues one phase duration. When the queue is full the record is
// dropped rather than blocking the caller.
func (t *Timeline) Record(id KindID, d time.Duration) {
	if t == nil {
		return
	}
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed.Load() {
		return
	}
	select {
	case t.records <- record{ID: id, Duration: d.Nanoseconds()}:
	default:
		t.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full queue.
func (t *Timeline) Dropped() int64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Close flushes pending records and stops the writer. It does not close
// the underlying writer.
func (t *Timeline) Close() error {
	if t == nil {
		return nil
	}
	t.closeMu.Lock()
	if !t.closed.CompareAndSwap(false, true) {
		t.closeMu.Unlock()
		return fmt.Errorf("timeslice: already closed")
	}
	close(t.records)
	t.closeMu.Unlock()

	if err := <-t.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

// Recorder measures consecutive phases of one operation. It lives on the
// caller's stack and is not safe for concurrent use.
type Recorder struct {
	t    *Timeline
	last time.Time
}

func (t *Timeline) NewRecorder() Recorder {
	if t == nil {
		return Recorder{}
	}
	return Recorder{t: t, last: time.Now()}
}

// Record charges the time since the previous mark to id.
func (r *Recorder) Record(id KindID) {
	if r.t == nil {
		return
	}
	now := time.Now()
	r.t.Record(id, now.Sub(r.last))
	r.last = now
}

// ReadAllRecords calls fn for every record in r.
func ReadAllRecords(r io.Reader, fn func(kind string, flags SliceFlags, d time.Duration) error) error {
	br := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[KindID]KindInfo
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsLength))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + int(hdr.KindsLength)); pad > 0 {
		if _, err := br.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(br, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		info, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(info.Name, info.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Summary aggregates the records of one kind.
type Summary struct {
	Kind  string
	Flags SliceFlags
	Count int
	Total time.Duration
	Max   time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads r and aggregates records per kind.
func Summarize(r io.Reader) (map[string]*Summary, error) {
	out := make(map[string]*Summary)
	err := ReadAllRecords(r, func(kind string, flags SliceFlags, d time.Duration) error {
		s, ok := out[kind]
		if !ok {
			s = &Summary{Kind: kind, Flags: flags}
			out[kind] = s
		}
		s.Count++
		s.Total += d
		s.Max = max(s.Max, d)
		return nil
	})
	return out, err
}
