package hosttimer

import (
	"sort"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	now atomicbitops.Int64
}

// NewManualClock returns a clock reading start.
func NewManualClock(start int64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

// Now implements Clock.
func (c *ManualClock) Now() int64 { return c.now.Load() }

// Set moves the clock to ns.
func (c *ManualClock) Set(ns int64) { c.now.Store(ns) }

// Advance moves the clock forward by d and returns the new reading.
func (c *ManualClock) Advance(d time.Duration) int64 {
	return c.now.Add(int64(d))
}

const (
	manualArmed uint32 = iota
	manualFiring
	manualFinished
)

// ManualTimer is a timer armed on a ManualService. Its callback only runs
// from Fire or ManualService.FireDue.
type ManualTimer struct {
	Deadline int64

	cb    func()
	state atomicbitops.Uint32
	done  chan struct{}
}

// Stop implements Handle.
func (t *ManualTimer) Stop() bool {
	if !t.state.CompareAndSwap(manualArmed, manualFinished) {
		return false
	}
	close(t.done)
	return true
}

// Done implements Handle.
func (t *ManualTimer) Done() <-chan struct{} { return t.done }

// Armed reports whether the timer can still fire.
func (t *ManualTimer) Armed() bool { return t.state.Load() == manualArmed }

// Fire runs the callback synchronously. It returns false if the timer was
// stopped or already fired.
func (t *ManualTimer) Fire() bool {
	if !t.state.CompareAndSwap(manualArmed, manualFiring) {
		return false
	}
	defer func() {
		t.state.Store(manualFinished)
		close(t.done)
	}()
	t.cb()
	return true
}

// ManualService records armed timers for tests and deterministic simulation.
type ManualService struct {
	// ArmErr, when set, is returned by every Arm call.
	ArmErr error

	mu     sync.Mutex
	timers []*ManualTimer
}

// Arm implements Service.
func (s *ManualService) Arm(deadline int64, cb func()) (Handle, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ArmErr != nil {
		return nil, s.ArmErr
	}
	t := &ManualTimer{Deadline: deadline, cb: cb, done: make(chan struct{})}
	s.timers = append(s.timers, t)
	return t, nil
}

// Timers returns every timer armed so far, in arming order.
func (s *ManualService) Timers() []*ManualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ManualTimer(nil), s.timers...)
}

// Armed returns the timers that can still fire.
func (s *ManualService) Armed() []*ManualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ManualTimer
	for _, t := range s.timers {
		if t.Armed() {
			out = append(out, t)
		}
	}
	return out
}

// Last returns the most recently armed timer, or nil.
func (s *ManualService) Last() *ManualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

// FireDue fires, in deadline order, every armed timer whose deadline is at
// or before now. Callbacks run on the calling goroutine without s locked.
func (s *ManualService) FireDue(now int64) int {
	due := s.Armed()
	sort.SliceStable(due, func(i, j int) bool { return due[i].Deadline < due[j].Deadline })
	fired := 0
	for _, t := range due {
		if t.Deadline > now {
			break
		}
		if t.Fire() {
			fired++
		}
	}
	return fired
}

var (
	_ Service = (*ManualService)(nil)
	_ Handle  = (*ManualTimer)(nil)
	_ Clock   = (*ManualClock)(nil)
)
