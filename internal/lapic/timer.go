package lapic

import (
	"fmt"

	"github.com/tinyrange/vlapic/internal/hosttimer"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// TimerState is the externally visible state of the timer engine.
type TimerState uint8

const (
	TimerDisarmed TimerState = iota
	TimerArmedSoftware
	TimerArmedHardware
	TimerExpiredPending
)

func (s TimerState) String() string {
	switch s {
	case TimerDisarmed:
		return "disarmed"
	case TimerArmedSoftware:
		return "armed-software"
	case TimerArmedHardware:
		return "armed-hardware"
	case TimerExpiredPending:
		return "expired-pending"
	default:
		return fmt.Sprintf("TimerState(%d)", uint8(s))
	}
}

// Timer is the LAPIC timer engine. Exactly one of a software host timer, a
// hardware deadline, or nothing backs an armed deadline.
//
// All fields except pending and rearming are guarded by the owning Lapic's
// mutex. pending is read locklessly by the run loop to decide whether to
// halt.
type Timer struct {
	host    hosttimer.Service
	hw      HardwareTimer
	offload bool
	tscHz   uint64

	// callback builds the host timer callback for an arming generation.
	callback func(gen uint64) func()

	mode        TimerMode
	armed       bool
	deadline    int64
	period      int64
	tscDeadline uint64

	expiredDeadline    int64
	expiredTSCDeadline uint64
	missed             uint64

	hwActive bool
	handle   hosttimer.Handle
	// orphans are stopped handles whose callbacks may still be running.
	orphans []hosttimer.Handle
	gen     uint64

	pending  atomicbitops.Uint32
	rearming atomicbitops.Uint32
}

// Pending reports whether an expiry is waiting to be consumed.
func (t *Timer) Pending() bool { return t.pending.Load() != 0 }

func (t *Timer) stateLocked() TimerState {
	switch {
	case t.pending.Load() != 0:
		return TimerExpiredPending
	case t.hwActive:
		return TimerArmedHardware
	case t.handle != nil:
		return TimerArmedSoftware
	default:
		return TimerDisarmed
	}
}

// armLocked programs a new deadline, replacing any previous one. The software
// timer always backs a fresh arming; offload happens later on VM entry.
func (t *Timer) armLocked(mode TimerMode, deadline, period int64, tsc uint64) error {
	t.stopLocked()
	t.pending.Store(0)
	t.mode = mode
	t.deadline = deadline
	t.period = period
	t.tscDeadline = tsc
	if tsc == 0 {
		t.tscDeadline = NanosToTSC(deadline, t.tscHz)
	}
	t.missed = 0
	t.armed = true
	return t.armSoftwareLocked()
}

func (t *Timer) armSoftwareLocked() error {
	t.gen++
	h, err := t.host.Arm(t.deadline, t.callback(t.gen))
	if err != nil {
		t.armed = false
		return fmt.Errorf("lapic: arm host timer: %w", err)
	}
	t.handle = h
	return nil
}

// stopLocked detaches whichever backing timer is active without waiting.
// Bumping the generation turns any callback already in flight into a no-op.
func (t *Timer) stopLocked() {
	t.gen++
	if t.handle != nil {
		if !t.handle.Stop() {
			t.orphan(t.handle)
		}
		t.handle = nil
	}
	if t.hwActive {
		t.hw.CancelDeadline()
		t.hwActive = false
	}
}

func (t *Timer) orphan(h hosttimer.Handle) {
	live := t.orphans[:0]
	for _, o := range t.orphans {
		if !hosttimer.Finished(o) {
			live = append(live, o)
		}
	}
	t.orphans = append(live, h)
}

func (t *Timer) unfinishedLocked() int {
	n := 0
	for _, o := range t.orphans {
		if !hosttimer.Finished(o) {
			n++
		}
	}
	return n
}

// restartLocked re-arms the software timer at the current deadline. It does
// nothing when nothing is armed or an expiry is pending. Callers hold the
// rearming window as well as the lock.
func (t *Timer) restartLocked() (bool, error) {
	if !t.armed || t.pending.Load() != 0 {
		return false, nil
	}
	t.stopLocked()
	return true, t.armSoftwareLocked()
}

// tryOffloadLocked hands the current deadline to the hardware timer. A
// refusal leaves the software timer in charge.
func (t *Timer) tryOffloadLocked() bool {
	if !t.offload || t.hw == nil || t.handle == nil || t.pending.Load() != 0 {
		return false
	}
	if !t.hw.TryAcceptDeadline(t.tscDeadline) {
		return false
	}
	t.gen++
	if !t.handle.Stop() {
		t.orphan(t.handle)
	}
	t.handle = nil
	t.hwActive = true
	return true
}

// switchToSoftwareLocked moves an offloaded deadline back to the host timer.
func (t *Timer) switchToSoftwareLocked() (bool, error) {
	if !t.hwActive {
		return false, nil
	}
	t.hw.CancelDeadline()
	t.hwActive = false
	return true, t.armSoftwareLocked()
}

// expireLocked records an expiry. It returns false when the expiry was
// coalesced into one already pending or nothing is armed.
func (t *Timer) expireLocked() bool {
	if !t.armed {
		return false
	}
	if !t.pending.CompareAndSwap(0, 1) {
		return false
	}
	t.expiredDeadline = t.deadline
	t.expiredTSCDeadline = t.tscDeadline
	// The deadline is spent; detach its backing so a late host callback
	// cannot report it a second time.
	t.gen++
	if t.handle != nil {
		if !t.handle.Stop() {
			t.orphan(t.handle)
		}
		t.handle = nil
	}
	t.hwActive = false
	return true
}

// consumeLocked turns a pending expiry into a delivered one. Periodic timers
// skip every period that elapsed in the meantime and re-arm once.
func (t *Timer) consumeLocked(now int64) (bool, error) {
	if t.pending.Load() == 0 {
		return false, nil
	}
	t.pending.Store(0)
	if t.period <= 0 {
		t.armed = false
		return true, nil
	}
	// n periods bring the deadline past now; all but one were missed.
	n := int64(1)
	if now >= t.deadline {
		n = (now-t.deadline)/t.period + 1
	}
	t.deadline += n * t.period
	t.missed += uint64(n - 1)
	t.tscDeadline = NanosToTSC(t.deadline, t.tscHz)
	return true, t.armSoftwareLocked()
}

// cancelLocked disarms the timer and returns the handles the caller must wait
// on once the lock is released.
func (t *Timer) cancelLocked() []hosttimer.Handle {
	var wait []hosttimer.Handle
	if t.handle != nil {
		wait = append(wait, t.handle)
	}
	t.stopLocked()
	wait = append(wait, t.orphans...)
	t.orphans = nil
	t.pending.Store(0)
	t.armed = false
	t.deadline = 0
	t.period = 0
	t.tscDeadline = 0
	return wait
}
