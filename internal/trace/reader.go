package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Kinds []Kind
	CPUs  []uint16
	// Vector restricts to one vector when HasVector is set.
	Vector    uint8
	HasVector bool
	// Start and End bound the timestamp, inclusive. Zero means unbounded.
	Start int64
	End   int64
	// Limit keeps only the first Limit matches, or the last -Limit when
	// negative.
	Limit int
}

func (f Filter) match(e Event) bool {
	if len(f.Kinds) > 0 && !contains(f.Kinds, e.Kind) {
		return false
	}
	if len(f.CPUs) > 0 && !contains(f.CPUs, e.CPU) {
		return false
	}
	if f.HasVector && e.Vector != f.Vector {
		return false
	}
	if f.Start != 0 && e.Time < f.Start {
		return false
	}
	if f.End != 0 && e.Time > f.End {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Reader reads a trace written by Writer.
type Reader struct {
	events []Event
}

// NewReader decodes every record in r. Slots that were reserved but never
// written (a writer crashed mid-record) are skipped.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	var hdr [headerSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("trace: read header: %w", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != Magic {
		return nil, ErrBadHeader
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != Version {
		return nil, fmt.Errorf("%w: version %d", ErrBadHeader, v)
	}
	if rs := binary.LittleEndian.Uint32(hdr[8:12]); rs != RecordSize {
		return nil, fmt.Errorf("%w: record size %d", ErrBadHeader, rs)
	}

	n := (size - headerSize) / RecordSize
	ret := &Reader{events: make([]Event, 0, n)}
	buf := make([]byte, RecordSize)
	for i := int64(0); i < n; i++ {
		if _, err := r.ReadAt(buf, headerSize+i*RecordSize); err != nil && err != io.EOF {
			return nil, fmt.Errorf("trace: read record %d: %w", i, err)
		}
		e := decodeEvent(buf)
		if e.Kind == KindInvalid {
			continue
		}
		ret.events = append(ret.events, e)
	}
	sort.SliceStable(ret.events, func(i, j int) bool {
		return ret.events[i].Time < ret.events[j].Time
	})
	return ret, nil
}

// Open reads a trace file.
func Open(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("trace: open: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("trace: stat: %w", err)
	}
	return NewReader(f, fi.Size())
}

// Len returns the number of decoded events.
func (r *Reader) Len() int { return len(r.events) }

// Each calls fn for every event matching f in timestamp order.
func (r *Reader) Each(f Filter, fn func(Event) error) error {
	var matched []Event
	for _, e := range r.events {
		if f.match(e) {
			matched = append(matched, e)
		}
	}
	switch {
	case f.Limit > 0 && len(matched) > f.Limit:
		matched = matched[:f.Limit]
	case f.Limit < 0 && len(matched) > -f.Limit:
		matched = matched[len(matched)+f.Limit:]
	}
	for _, e := range matched {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of events matching f, ignoring Limit.
func (r *Reader) Count(f Filter) int {
	n := 0
	for _, e := range r.events {
		if f.match(e) {
			n++
		}
	}
	return n
}

// CountByKind tallies the events matching f per kind.
func (r *Reader) CountByKind(f Filter) map[Kind]int {
	out := make(map[Kind]int)
	for _, e := range r.events {
		if f.match(e) {
			out[e.Kind]++
		}
	}
	return out
}

// TimeRange returns the earliest and latest timestamps.
func (r *Reader) TimeRange() (int64, int64) {
	if len(r.events) == 0 {
		return 0, 0
	}
	return r.events[0].Time, r.events[len(r.events)-1].Time
}
