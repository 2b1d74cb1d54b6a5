// Package trace is a binary event log for interrupt and timer activity.
//
// A trace file is a 16 byte header followed by fixed-size records:
//   - 2 bytes kind
//   - 2 bytes cpu
//   - 1 byte vector
//   - 3 bytes padding
//   - 8 bytes value (kind specific)
//   - 8 bytes timestamp (monotonic nanoseconds)
//
// Writers reserve space by atomically advancing the file offset, so
// concurrent emitters never need a lock.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	Magic   uint32 = 0x4c545243 // "LTRC"
	Version uint32 = 1

	headerSize = 16
	RecordSize = 24
)

var ErrBadHeader = errors.New("trace: bad header")

// Kind identifies the event recorded.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindRaise
	KindInject
	KindDefer
	KindReject
	KindTimerArm
	KindTimerExpire
	KindTimerCoalesce
	KindTimerDeliver
	KindTimerOffload
	KindTimerFallback
	KindTimerCancel
	KindEOI
	KindHalt
	KindWake
	kindCount
)

var kindNames = [...]string{
	KindInvalid:       "invalid",
	KindRaise:         "raise",
	KindInject:        "inject",
	KindDefer:         "defer",
	KindReject:        "reject",
	KindTimerArm:      "timer-arm",
	KindTimerExpire:   "timer-expire",
	KindTimerCoalesce: "timer-coalesce",
	KindTimerDeliver:  "timer-deliver",
	KindTimerOffload:  "timer-offload",
	KindTimerFallback: "timer-fallback",
	KindTimerCancel:   "timer-cancel",
	KindEOI:           "eoi",
	KindHalt:          "halt",
	KindWake:          "wake",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint16(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindRaise; k < kindCount; k++ {
		if kindNames[k] == s {
			return k, nil
		}
	}
	return KindInvalid, fmt.Errorf("trace: unknown event kind %q", s)
}

// Kinds returns every valid kind in order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := KindRaise; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Event is one trace record.
type Event struct {
	Kind   Kind
	CPU    uint16
	Vector uint8
	Value  int64
	Time   int64
}

func (e Event) encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(e.Kind))
	binary.LittleEndian.PutUint16(buf[2:4], e.CPU)
	buf[4] = e.Vector
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Value))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(e.Time))
}

func decodeEvent(buf []byte) Event {
	return Event{
		Kind:   Kind(binary.LittleEndian.Uint16(buf[0:2])),
		CPU:    binary.LittleEndian.Uint16(buf[2:4]),
		Vector: buf[4],
		Value:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		Time:   int64(binary.LittleEndian.Uint64(buf[16:24])),
	}
}

// Sink receives events.
type Sink interface {
	Emit(e Event)
}

// Writer appends events to an io.WriterAt.
type Writer struct {
	w      io.WriterAt
	offset atomicbitops.Int64
	closed atomicbitops.Uint32

	errMu sync.Mutex
	err   error
}

// NewWriter writes the header to w and returns a Writer positioned after it.
func NewWriter(w io.WriterAt) (*Writer, error) {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], Version)
	binary.LittleEndian.PutUint32(hdr[8:12], RecordSize)
	if _, err := w.WriteAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}
	tw := &Writer{w: w}
	tw.offset.Store(headerSize)
	return tw, nil
}

// Create truncates filename and returns a Writer for it.
func Create(filename string) (*Writer, error) {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Emit implements Sink. Write failures are kept and reported by Err.
func (w *Writer) Emit(e Event) {
	if w.closed.Load() != 0 {
		return
	}
	var buf [RecordSize]byte
	e.encode(buf[:])
	off := w.offset.Add(RecordSize) - RecordSize
	if _, err := w.w.WriteAt(buf[:], off); err != nil {
		w.errMu.Lock()
		if w.err == nil {
			w.err = fmt.Errorf("trace: write record at %d: %w", off, err)
		}
		w.errMu.Unlock()
	}
}

// Len returns the number of records reserved so far.
func (w *Writer) Len() int {
	return int((w.offset.Load() - headerSize) / RecordSize)
}

// Err returns the first write error.
func (w *Writer) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Close stops accepting events and closes the underlying writer if it is an
// io.Closer. Emit calls racing with Close may be dropped.
func (w *Writer) Close() error {
	if !w.closed.CompareAndSwap(0, 1) {
		return fmt.Errorf("trace: already closed")
	}
	if c, ok := w.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return w.Err()
}

// Buffer is an in-memory io.WriterAt / io.ReaderAt.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// WriteAt implements io.WriterAt.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("trace: negative offset %d", off)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	end := int(off) + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	return copy(b.data[off:], p), nil
}

// ReadAt implements io.ReaderAt.
func (b *Buffer) ReadAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off < 0 || off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the number of bytes written.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

var (
	_ Sink        = (*Writer)(nil)
	_ io.WriterAt = (*Buffer)(nil)
	_ io.ReaderAt = (*Buffer)(nil)
)
