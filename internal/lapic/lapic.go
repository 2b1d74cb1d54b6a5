// Package lapic models the local interrupt controller of one virtual CPU:
// pending vectors, delivery arbitration against the guest masking state, and
// the LAPIC timer with optional hardware deadline offload.
package lapic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vlapic/internal/hosttimer"
	"github.com/tinyrange/vlapic/internal/trace"
	"gvisor.dev/gvisor/pkg/sync"
)

// Waker is notified when the vCPU must re-evaluate pending interrupts.
type Waker interface {
	Wake()
}

// WakerFunc adapts a function to Waker.
type WakerFunc func()

// Wake implements Waker.
func (f WakerFunc) Wake() { f() }

const isrCacheInvalid = ^uint32(0)

// Lapic is the virtual local APIC of one vCPU.
//
// Raise, TimerPending and HasDeliverable may be called from any goroutine
// without synchronization. Everything else is serialized by the per-vCPU
// lock.
type Lapic struct {
	base   uint64
	cpu    uint16
	log    *slog.Logger
	clock  hosttimer.Clock
	waker  Waker
	tracer trace.Sink
	policy RetirePolicy

	offloadSet bool
	minPeriod  int64

	// callbacks is closed on Destroy; host timer callbacks enter it so that
	// none run against a destroyed Lapic.
	callbacks sync.Gate

	mu          sync.Mutex
	irr         PendingVectorSet
	isr         PendingVectorSet
	highestISR  uint32
	timerVector Vector
	timer       Timer
	arbiter     *Arbiter
	destroyed   bool
}

// New returns a Lapic at base with its timer disarmed.
func New(base uint64, opts ...Option) (*Lapic, error) {
	l := &Lapic{
		base:        base,
		log:         slog.Default(),
		highestISR:  isrCacheInvalid,
		timerVector: VectorTimer,
		minPeriod:   DefaultMinTimerPeriod,
	}
	l.timer.tscHz = DefaultTSCFrequency
	for _, opt := range opts {
		opt(l)
	}

	if !l.timerVector.IsMaskable() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimerVector, l.timerVector)
	}
	if l.timer.tscHz == 0 {
		return nil, fmt.Errorf("lapic: zero TSC frequency")
	}
	if l.minPeriod <= 0 {
		return nil, fmt.Errorf("lapic: minimum timer period must be positive")
	}
	if l.clock == nil {
		l.clock = hosttimer.MonotonicClock()
	}
	if l.timer.host == nil {
		l.timer.host = hosttimer.NewService(l.clock)
	}
	if !l.offloadSet {
		l.timer.offload = l.timer.hw != nil
	}
	l.timer.callback = l.timerCallback
	l.log = l.log.With("cpu", l.cpu)
	l.arbiter = NewArbiter(l.policy, l.log)
	return l, nil
}

// Base returns the MMIO base address.
func (l *Lapic) Base() uint64 { return l.base }

// CPU returns the vCPU index.
func (l *Lapic) CPU() uint16 { return l.cpu }

// Clock returns the clock timer deadlines are measured against.
func (l *Lapic) Clock() hosttimer.Clock { return l.clock }

func (l *Lapic) emit(kind trace.Kind, v Vector, value int64) {
	if l.tracer == nil {
		return
	}
	l.tracer.Emit(trace.Event{
		Kind:   kind,
		CPU:    l.cpu,
		Vector: uint8(v),
		Value:  value,
		Time:   l.clock.Now(),
	})
}

func (l *Lapic) wake() {
	if l.waker != nil {
		l.waker.Wake()
	}
}

// Raise marks v pending and wakes the vCPU. It is safe from any goroutine.
func (l *Lapic) Raise(v Vector) {
	l.irr.Set(v)
	l.emit(trace.KindRaise, v, 0)
	l.wake()
}

// IsPending reports whether v is pending delivery.
func (l *Lapic) IsPending(v Vector) bool { return l.irr.Test(v) }

// PendingVectors returns the pending vectors in ascending order.
func (l *Lapic) PendingVectors() []Vector { return l.irr.Vectors() }

// Arbitrate delivers at most one pending vector to g. The guest masking state
// is read fresh on every call.
func (l *Lapic) Arbitrate(g GuestControl) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.consumeTimerLocked(); err != nil {
		return Outcome{}, err
	}
	return l.arbitrateLocked(ReadInterruptibility(g), g)
}

// ArbitrateMasked is Arbitrate with the masking state supplied by the caller.
func (l *Lapic) ArbitrateMasked(masking Interruptibility, inj Injector) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.consumeTimerLocked(); err != nil {
		return Outcome{}, err
	}
	return l.arbitrateLocked(masking, inj)
}

func (l *Lapic) arbitrateLocked(masking Interruptibility, inj Injector) (Outcome, error) {
	out, err := l.arbiter.Arbitrate(&l.irr, masking, inj)
	if err != nil {
		return out, err
	}
	switch out.Kind {
	case OutcomeInjected:
		if out.Vector.IsMaskable() {
			l.markInServiceLocked(out.Vector)
		}
		l.emit(trace.KindInject, out.Vector, 0)
	case OutcomeDeferred:
		l.emit(trace.KindDefer, out.Vector, int64(masking.Blocking))
	case OutcomeRejected:
		l.emit(trace.KindReject, out.Vector, 0)
	}
	return out, nil
}

// consumeTimerLocked raises the timer vector for a pending expiry. While a
// previous timer interrupt is still pending the expiry stays pending too.
func (l *Lapic) consumeTimerLocked() error {
	if !l.timer.Pending() {
		return nil
	}
	if l.irr.Test(l.timerVector) {
		return nil
	}
	missed := l.timer.missed
	fired, err := l.timer.consumeLocked(l.clock.Now())
	if fired {
		l.irr.Set(l.timerVector)
		l.emit(trace.KindTimerDeliver, l.timerVector, int64(l.timer.missed-missed))
	}
	if err != nil {
		l.log.Error("lapic: re-arm periodic timer", "error", err)
		return err
	}
	return nil
}

func (l *Lapic) markInServiceLocked(v Vector) {
	l.isr.Set(v)
	if l.highestISR != isrCacheInvalid && uint32(v) > l.highestISR {
		l.highestISR = uint32(v)
	}
}

// HighestInService returns the highest in-service vector.
func (l *Lapic) HighestInService() (Vector, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.highestInServiceLocked()
}

func (l *Lapic) highestInServiceLocked() (Vector, bool) {
	if l.highestISR != isrCacheInvalid {
		return Vector(l.highestISR), true
	}
	v, ok := l.isr.ScanHighest()
	if ok {
		l.highestISR = uint32(v)
	}
	return v, ok
}

// EOI retires the highest in-service vector.
func (l *Lapic) EOI() (Vector, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.highestInServiceLocked()
	if !ok {
		return 0, false
	}
	l.isr.Clear(v)
	l.highestISR = isrCacheInvalid
	l.emit(trace.KindEOI, v, 0)
	return v, true
}

// HasDeliverable reports whether Arbitrate would make progress under masking:
// a deliverable timer expiry, NMI or maskable vector, or an exception.
// The vCPU uses it to decide whether halting is allowed.
func (l *Lapic) HasDeliverable(masking Interruptibility) bool {
	if l.timer.Pending() && masking.CanInjectMaskable() {
		return true
	}
	if l.irr.Test(VectorNMI) && masking.CanInjectNMI() {
		return true
	}
	v, ok := l.irr.ScanLowest()
	if ok && v == VectorNMI {
		v, ok = l.irr.ScanLowestFrom(int(VectorNMI) + 1)
	}
	if !ok {
		return false
	}
	return !v.IsMaskable() || masking.CanInjectMaskable()
}

// WindowRequested reports whether an interrupt-window exit is outstanding.
func (l *Lapic) WindowRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.arbiter.WindowRequested()
}

// TimerVector returns the vector asserted by the timer.
func (l *Lapic) TimerVector() Vector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timerVector
}

// SetTimerVector changes the vector asserted by the timer.
func (l *Lapic) SetTimerVector(v Vector) error {
	if !v.IsMaskable() {
		return fmt.Errorf("%w: %v", ErrInvalidTimerVector, v)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timerVector = v
	return nil
}

// ArmTimer arms the timer at an absolute monotonic deadline. A positive
// period makes it periodic; periods below the minimum are raised to it. Any
// previous arming is replaced.
func (l *Lapic) ArmTimer(deadline, period int64) error {
	mode := TimerOneShot
	if period > 0 {
		mode = TimerPeriodic
	} else {
		period = 0
	}
	return l.arm(mode, deadline, period, 0)
}

// WriteTSCDeadline emulates a write to IA32_TSC_DEADLINE. Zero disarms.
func (l *Lapic) WriteTSCDeadline(tsc uint64) error {
	if tsc == 0 {
		l.CancelTimer()
		return nil
	}
	l.mu.Lock()
	hz := l.timer.tscHz
	l.mu.Unlock()
	return l.arm(TimerTSCDeadline, TSCToNanos(tsc, hz), 0, tsc)
}

// ProgramTimer applies an LVT timer write together with the initial count and
// divide configuration. A masked LVT or a zero count disarms, whatever vector
// the LVT carries; the vector is only validated when the write arms. In
// TSC-deadline mode only the vector is taken and arming happens through
// WriteTSCDeadline.
func (l *Lapic) ProgramTimer(lvt LVTTimer, initialCount, dcr uint32, busHz uint64) error {
	v := lvt.Vector()
	tsc := lvt.Mode() == TimerTSCDeadline
	if lvt.Masked() || (!tsc && initialCount == 0) {
		l.CancelTimer()
		if v.IsMaskable() {
			l.SetTimerVector(v)
		}
		return nil
	}
	if err := l.SetTimerVector(v); err != nil {
		l.CancelTimer()
		return err
	}
	if tsc {
		return nil
	}
	d := CountdownNanos(initialCount, dcr, busHz)
	if d <= 0 {
		return fmt.Errorf("lapic: invalid countdown (count %d, dcr %#x, bus %d Hz)", initialCount, dcr, busHz)
	}
	var period int64
	if lvt.Mode() == TimerPeriodic {
		period = d
	}
	return l.arm(lvt.Mode(), l.clock.Now()+d, period, 0)
}

func (l *Lapic) arm(mode TimerMode, deadline, period int64, tsc uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return ErrDestroyed
	}
	if period > 0 && period < l.minPeriod {
		l.log.Warn("lapic: periodic timer clamped", "period", period, "min", l.minPeriod)
		period = l.minPeriod
	}
	if err := l.timer.armLocked(mode, deadline, period, tsc); err != nil {
		return err
	}
	l.emit(trace.KindTimerArm, l.timerVector, deadline)
	return nil
}

// RestartTimer re-arms the software timer at the current deadline. It
// reports false when nothing was done: nothing armed, an expiry pending, or a
// concurrent restart in progress. The restart window is claimed before the
// per-vCPU lock, so a competing restart returns at once instead of queueing
// behind the lock.
func (l *Lapic) RestartTimer() (bool, error) {
	if !l.timer.rearming.CompareAndSwap(0, 1) {
		return false, nil
	}
	defer l.timer.rearming.Store(0)
	if l.timer.Pending() {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return false, ErrDestroyed
	}
	return l.timer.restartLocked()
}

// TryOffloadTimer moves an armed software deadline to the hardware timer. It
// is called with the vCPU about to enter the guest.
func (l *Lapic) TryOffloadTimer() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.timer.tryOffloadLocked() {
		return false
	}
	l.emit(trace.KindTimerOffload, l.timerVector, int64(l.timer.tscDeadline))
	return true
}

// SwitchToSoftwareTimer returns an offloaded deadline to the host timer. The
// hardware timer only counts in guest mode, so the vCPU calls this before
// blocking.
func (l *Lapic) SwitchToSoftwareTimer() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switched, err := l.timer.switchToSoftwareLocked()
	if switched {
		l.emit(trace.KindTimerFallback, l.timerVector, l.timer.deadline)
	}
	return err
}

// TimerExpired reports a timer expiry. fromAsync is true for the host timer
// callback, which wakes the vCPU; hardware expiries are observed on the vCPU
// itself and need no wake. Expiries while one is already pending coalesce.
func (l *Lapic) TimerExpired(fromAsync bool) {
	l.mu.Lock()
	expired := l.timer.expireLocked()
	vec := l.timerVector
	l.mu.Unlock()
	l.noteExpiry(vec, expired, fromAsync)
}

func (l *Lapic) noteExpiry(vec Vector, expired, fromAsync bool) {
	var src int64
	if fromAsync {
		src = 1
	}
	if !expired {
		l.emit(trace.KindTimerCoalesce, vec, src)
		return
	}
	l.emit(trace.KindTimerExpire, vec, src)
	if fromAsync {
		l.wake()
	}
}

// timerCallback returns the host timer callback for arming generation gen.
// Stale generations and callbacks after Destroy do nothing.
func (l *Lapic) timerCallback(gen uint64) func() {
	return func() {
		if !l.callbacks.Enter() {
			return
		}
		defer l.callbacks.Leave()

		l.mu.Lock()
		if l.timer.gen != gen {
			l.mu.Unlock()
			return
		}
		expired := l.timer.expireLocked()
		vec := l.timerVector
		l.mu.Unlock()
		l.noteExpiry(vec, expired, true)
	}
}

// CancelTimer disarms the timer. When it returns no host timer callback for
// this Lapic is running or will run. It must not be called with the per-vCPU
// lock held.
func (l *Lapic) CancelTimer() {
	l.mu.Lock()
	wait := l.timer.cancelLocked()
	vec := l.timerVector
	l.mu.Unlock()
	for _, h := range wait {
		<-h.Done()
	}
	l.emit(trace.KindTimerCancel, vec, int64(len(wait)))
}

// TimerPending reports whether a timer expiry awaits delivery.
func (l *Lapic) TimerPending() bool { return l.timer.Pending() }

// TimerState returns the timer engine state.
func (l *Lapic) TimerState() TimerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timer.stateLocked()
}

// TimerInfo describes the programmed timer.
type TimerInfo struct {
	State           TimerState
	Mode            TimerMode
	Deadline        int64
	Period          int64
	TSCDeadline     uint64
	ExpiredDeadline int64
	// MissedPeriods counts periodic expiries folded into a single interrupt.
	MissedPeriods uint64
}

// Timer returns a snapshot of the timer programming.
func (l *Lapic) Timer() TimerInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return TimerInfo{
		State:           l.timer.stateLocked(),
		Mode:            l.timer.mode,
		Deadline:        l.timer.deadline,
		Period:          l.timer.period,
		TSCDeadline:     l.timer.tscDeadline,
		ExpiredDeadline: l.timer.expiredDeadline,
		MissedPeriods:   l.timer.missed,
	}
}

// Destroy releases the Lapic. The timer must have been cancelled with
// CancelTimer; destroying an armed Lapic is a programming error and panics.
func (l *Lapic) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	if st := l.timer.stateLocked(); st != TimerDisarmed || l.timer.unfinishedLocked() > 0 {
		l.mu.Unlock()
		panic(fmt.Errorf("%w: state %v", ErrTimerArmed, st))
	}
	l.destroyed = true
	l.mu.Unlock()
	l.callbacks.Close()
}
