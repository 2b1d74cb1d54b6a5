// Package hosttimer provides the host timer primitives the LAPIC timer is
// built on: a monotonic clock and one-shot timers armed at an absolute
// deadline whose cancellation can be waited for.
package hosttimer

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNilCallback = errors.New("hosttimer: nil callback")
	ErrUnsupported = errors.New("hosttimer: not supported on this platform")
)

// Clock reads a monotonic time in nanoseconds. Deadlines passed to Service.Arm
// are in the same domain.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

// Now implements Clock.
func (f ClockFunc) Now() int64 { return f() }

// Handle is an armed one-shot timer.
type Handle interface {
	// Stop prevents the callback from running. It returns false when the
	// callback has already started or finished; Stop never waits.
	Stop() bool
	// Done is closed once the callback has returned or can no longer run.
	Done() <-chan struct{}
}

// Service arms one-shot timers at absolute deadlines.
type Service interface {
	Arm(deadline int64, cb func()) (Handle, error)
}

// Cancel stops h and waits until its callback is guaranteed not to be running.
// It must not be called while holding a lock the callback acquires.
func Cancel(h Handle) {
	if h == nil {
		return
	}
	h.Stop()
	<-h.Done()
}

// Finished reports whether h's callback has returned or can no longer run.
func Finished(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

type goService struct {
	clock Clock
}

// NewService returns a portable Service backed by time.AfterFunc. Deadlines
// are converted to relative delays against clock.
func NewService(clock Clock) Service {
	if clock == nil {
		clock = MonotonicClock()
	}
	return &goService{clock: clock}
}

// Arm implements Service.
func (s *goService) Arm(deadline int64, cb func()) (Handle, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	delay := time.Duration(deadline - s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	h := &goHandle{done: make(chan struct{})}
	h.t = time.AfterFunc(delay, func() {
		defer h.finish()
		cb()
	})
	return h, nil
}

type goHandle struct {
	t    *time.Timer
	once sync.Once
	done chan struct{}
}

func (h *goHandle) finish() {
	h.once.Do(func() { close(h.done) })
}

// Stop implements Handle.
func (h *goHandle) Stop() bool {
	if h.t.Stop() {
		h.finish()
		return true
	}
	return false
}

// Done implements Handle.
func (h *goHandle) Done() <-chan struct{} { return h.done }

var (
	_ Service = (*goService)(nil)
	_ Handle  = (*goHandle)(nil)
)
