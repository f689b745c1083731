package diag

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-memory journal writer. Writes land at arbitrary offsets
// in any order; Bytes assembles them.
type Memory struct {
	writes sync.Map // int64 offset -> []byte
	size   atomic.Int64
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.writes.Store(off, append([]byte(nil), p...))
	end := off + int64(len(p))
	for {
		cur := m.size.Load()
		if cur >= end || m.size.CompareAndSwap(cur, end) {
			break
		}
	}
	return len(p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns the journal contents.
func (m *Memory) Bytes() []byte {
	data := make([]byte, m.size.Load())
	m.writes.Range(func(key, value any) bool {
		copy(data[key.(int64):], value.([]byte))
		return true
	})
	return data
}

// Reader parses the contents written so far.
func (m *Memory) Reader() (*Reader, error) {
	b := m.Bytes()
	return NewReader(bytesReaderAt(b), int64(len(b)))
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Entry is one journaled event.
type Entry struct {
	Time    time.Time
	Kind    Kind
	Source  string
	Message string
}

// SearchOptions filters entries. Zero fields match everything.
type SearchOptions struct {
	Start time.Time
	End   time.Time

	Kinds   []Kind
	Sources []string

	// Limit keeps only the first Limit matches.
	Limit int
}

func (o SearchOptions) match(e Entry) bool {
	if !o.Start.IsZero() && e.Time.Before(o.Start) {
		return false
	}
	if !o.End.IsZero() && e.Time.After(o.End) {
		return false
	}
	if len(o.Kinds) > 0 && !slices.Contains(o.Kinds, e.Kind) {
		return false
	}
	if len(o.Sources) > 0 && !slices.Contains(o.Sources, e.Source) {
		return false
	}
	return true
}

// Reader holds a parsed journal ordered by timestamp.
type Reader struct {
	entries []Entry
	sources []string
}

// NewReader parses size bytes of journal from r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	ret := &Reader{}
	seen := make(map[string]bool)

	var hdr [headerSize]byte
	for off := int64(0); off < size; {
		if _, err := r.ReadAt(hdr[:], off); err != nil {
			return nil, fmt.Errorf("diag: read header at %d: %w", off, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:2]))
		if kind == KindInvalid {
			return nil, fmt.Errorf("diag: invalid header at %d", off)
		}
		srcLen := int64(binary.LittleEndian.Uint16(hdr[2:4]))
		msgLen := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		ts := int64(binary.LittleEndian.Uint64(hdr[8:16]))

		if off+headerSize+srcLen+msgLen > size {
			return nil, fmt.Errorf("diag: truncated entry at %d", off)
		}
		body := make([]byte, srcLen+msgLen)
		if _, err := r.ReadAt(body, off+headerSize); err != nil && err != io.EOF {
			return nil, fmt.Errorf("diag: read entry at %d: %w", off, err)
		}

		e := Entry{
			Time:    time.Unix(0, ts),
			Kind:    kind,
			Source:  string(body[:srcLen]),
			Message: string(body[srcLen:]),
		}
		if !seen[e.Source] {
			seen[e.Source] = true
			ret.sources = append(ret.sources, e.Source)
		}
		ret.entries = append(ret.entries, e)
		off += headerSize + srcLen + msgLen
	}

	slices.SortStableFunc(ret.entries, func(a, b Entry) int {
		return a.Time.Compare(b.Time)
	})
	return ret, nil
}

// ReadFile parses the journal file at name.
func ReadFile(name string) (*Reader, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("diag: open journal: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("diag: stat journal: %w", err)
	}
	return NewReader(f, st.Size())
}

// Each calls fn for every entry in timestamp order.
func (r *Reader) Each(fn func(Entry) error) error {
	return r.Search(SearchOptions{}, fn)
}

// Search calls fn for every matching entry in timestamp order.
func (r *Reader) Search(opts SearchOptions, fn func(Entry) error) error {
	n := 0
	for _, e := range r.entries {
		if !opts.match(e) {
			continue
		}
		if opts.Limit > 0 && n >= opts.Limit {
			break
		}
		n++
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of entries of kind.
func (r *Reader) Count(kind Kind) int {
	n := 0
	for _, e := range r.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Len returns the number of entries.
func (r *Reader) Len() int { return len(r.entries) }

// Sources lists sources in the order they first appear in the file.
func (r *Reader) Sources() []string { return slices.Clone(r.sources) }

// TimeRange returns the first and last timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	if len(r.entries) == 0 {
		return time.Time{}, time.Time{}
	}
	return r.entries[0].Time, r.entries[len(r.entries)-1].Time
}
