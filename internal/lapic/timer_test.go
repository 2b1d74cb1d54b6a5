package lapic

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/vlapic/internal/hosttimer"
)

func TestTimerOneShotSoftwareExpiry(t *testing.T) {
	tl := newTestLapic(t)
	g := newFakeGuest()
	deadline := tl.clock.Now() + 1000

	if err := tl.ArmTimer(deadline, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if st := tl.TimerState(); st != TimerArmedSoftware {
		t.Fatalf("expected armed-software, got %v", st)
	}
	if last := tl.host.Last(); last == nil || last.Deadline != deadline {
		t.Fatalf("expected host timer at %d, got %+v", deadline, last)
	}

	if n := tl.host.FireDue(tl.clock.Now()); n != 0 {
		t.Fatalf("expected nothing due yet, fired %d", n)
	}
	now := tl.clock.Advance(1000)
	if n := tl.host.FireDue(now); n != 1 {
		t.Fatalf("expected one expiry, fired %d", n)
	}
	if !tl.TimerPending() {
		t.Fatalf("expected timer pending after expiry")
	}
	if tl.wakeCount() != 1 {
		t.Fatalf("expected one wake, got %d", tl.wakeCount())
	}
	if info := tl.Timer(); info.ExpiredDeadline != deadline {
		t.Fatalf("expected expired deadline %d, got %d", deadline, info.ExpiredDeadline)
	}

	out, err := tl.Arbitrate(g)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Kind != OutcomeInjected || out.Vector != VectorTimer {
		t.Fatalf("expected Injected(timer), got %v", out)
	}
	if st := tl.TimerState(); st != TimerDisarmed {
		t.Fatalf("expected disarmed after one-shot delivery, got %v", st)
	}
}

func TestTimerRestartTwiceExpiresOnce(t *testing.T) {
	tl := newTestLapic(t)
	deadline := tl.clock.Now() + 500
	if err := tl.ArmTimer(deadline, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	for i := 0; i < 2; i++ {
		ok, err := tl.RestartTimer()
		if err != nil {
			t.Fatalf("restart: %v", err)
		}
		if !ok {
			t.Fatalf("expected restart %d to re-arm", i)
		}
	}
	if armed := tl.host.Armed(); len(armed) != 1 || armed[0].Deadline != deadline {
		t.Fatalf("expected exactly one armed host timer at %d, got %d", deadline, len(armed))
	}

	now := tl.clock.Advance(time.Second)
	if n := tl.host.FireDue(now); n != 1 {
		t.Fatalf("expected exactly one expiry, got %d", n)
	}
	if ok, _ := tl.RestartTimer(); ok {
		t.Fatalf("expected restart to be a no-op while an expiry is pending")
	}
	if tl.wakeCount() != 1 {
		t.Fatalf("expected one wake, got %d", tl.wakeCount())
	}
}

func TestTimerPeriodicCatchUpCoalesces(t *testing.T) {
	tl := newTestLapic(t)
	g := newFakeGuest()
	start := tl.clock.Now()
	const period = 1000

	if err := tl.ArmTimer(start+period, period); err != nil {
		t.Fatalf("arm: %v", err)
	}
	// The vCPU was not scheduled for three and a half periods.
	now := tl.clock.Advance(3*period + period/2)
	if n := tl.host.FireDue(now); n != 1 {
		t.Fatalf("expected one host expiry, got %d", n)
	}

	out, err := tl.Arbitrate(g)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Kind != OutcomeInjected || out.Vector != VectorTimer {
		t.Fatalf("expected Injected(timer), got %v", out)
	}
	out, err = tl.Arbitrate(g)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Kind != OutcomeIdle {
		t.Fatalf("expected one interrupt for all missed periods, got %v", out)
	}

	info := tl.Timer()
	if info.Deadline != start+4*period {
		t.Fatalf("expected next deadline %d, got %d", start+4*period, info.Deadline)
	}
	if info.MissedPeriods != 2 {
		t.Fatalf("expected 2 missed periods, got %d", info.MissedPeriods)
	}
	if info.State != TimerArmedSoftware {
		t.Fatalf("expected periodic timer re-armed, got %v", info.State)
	}
	if last := tl.host.Last(); last.Deadline != start+4*period || !last.Armed() {
		t.Fatalf("expected host timer at %d, got %d", start+4*period, last.Deadline)
	}
}

func TestTimerExpiryDeferredWhileVectorPending(t *testing.T) {
	tl := newTestLapic(t)
	g := newFakeGuest()
	g.setMasking(0, false)
	const period = 100

	if err := tl.ArmTimer(tl.clock.Now()+period, period); err != nil {
		t.Fatalf("arm: %v", err)
	}
	tl.host.FireDue(tl.clock.Advance(period))
	if out, _ := tl.Arbitrate(g); out.Kind != OutcomeDeferred || out.Vector != VectorTimer {
		t.Fatalf("expected Deferred(timer), got %v", out)
	}

	// The next period expires while the first interrupt is still pending.
	tl.host.FireDue(tl.clock.Advance(period))
	if !tl.TimerPending() {
		t.Fatalf("expected second expiry pending")
	}
	if out, _ := tl.Arbitrate(g); out.Kind != OutcomeDeferred {
		t.Fatalf("expected Deferred, got %v", out)
	}
	if !tl.TimerPending() {
		t.Fatalf("expected expiry to stay pending while the vector is undelivered")
	}

	// A duplicate report coalesces and does not wake.
	wakes := tl.wakeCount()
	tl.TimerExpired(true)
	if tl.wakeCount() != wakes {
		t.Fatalf("expected coalesced expiry not to wake")
	}

	g.setMasking(0, true)
	if out, _ := tl.Arbitrate(g); out.Kind != OutcomeInjected || out.Vector != VectorTimer {
		t.Fatalf("expected Injected(timer), got %v", out)
	}
	if out, _ := tl.Arbitrate(g); out.Kind != OutcomeInjected || out.Vector != VectorTimer {
		t.Fatalf("expected the held expiry to be delivered next, got %v", out)
	}
}

func TestTimerHardwareOffload(t *testing.T) {
	hw := &fakeHardwareTimer{accept: true}
	tl := newTestLapic(t, WithHardwareTimer(hw), WithTSCFrequency(2_000_000_000))
	g := newFakeGuest()
	deadline := tl.clock.Now() + 5000

	if err := tl.ArmTimer(deadline, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	sw := tl.host.Last()
	if !tl.TryOffloadTimer() {
		t.Fatalf("expected offload to be accepted")
	}
	if st := tl.TimerState(); st != TimerArmedHardware {
		t.Fatalf("expected armed-hardware, got %v", st)
	}
	if sw.Armed() {
		t.Fatalf("expected software timer stopped after offload")
	}
	if want := NanosToTSC(deadline, 2_000_000_000); hw.deadline != want {
		t.Fatalf("expected hardware deadline %d, got %d", want, hw.deadline)
	}
	if tl.TryOffloadTimer() {
		t.Fatalf("expected second offload to be a no-op")
	}

	// Hardware expiry is observed on the vCPU thread and does not wake.
	tl.TimerExpired(false)
	if tl.wakeCount() != 0 {
		t.Fatalf("expected no wake for hardware expiry, got %d", tl.wakeCount())
	}
	out, err := tl.Arbitrate(g)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Kind != OutcomeInjected || out.Vector != VectorTimer {
		t.Fatalf("expected Injected(timer), got %v", out)
	}
}

func TestTimerOffloadRefused(t *testing.T) {
	hw := &fakeHardwareTimer{accept: false}
	tl := newTestLapic(t, WithHardwareTimer(hw))
	if err := tl.ArmTimer(tl.clock.Now()+100, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if tl.TryOffloadTimer() {
		t.Fatalf("expected offload to be refused")
	}
	if st := tl.TimerState(); st != TimerArmedSoftware {
		t.Fatalf("expected software timer to stay in charge, got %v", st)
	}
	if n := tl.host.FireDue(tl.clock.Advance(100)); n != 1 {
		t.Fatalf("expected software expiry, got %d", n)
	}
}

func TestTimerOffloadDisabled(t *testing.T) {
	hw := &fakeHardwareTimer{accept: true}
	tl := newTestLapic(t, WithHardwareTimer(hw), WithOffload(false))
	if err := tl.ArmTimer(tl.clock.Now()+100, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if tl.TryOffloadTimer() || hw.accepts != 0 {
		t.Fatalf("expected offload to be skipped when disabled")
	}
}

func TestTimerSwitchToSoftware(t *testing.T) {
	hw := &fakeHardwareTimer{accept: true}
	tl := newTestLapic(t, WithHardwareTimer(hw))
	deadline := tl.clock.Now() + 100
	if err := tl.ArmTimer(deadline, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if !tl.TryOffloadTimer() {
		t.Fatalf("expected offload")
	}
	if err := tl.SwitchToSoftwareTimer(); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if hw.active || hw.cancels != 1 {
		t.Fatalf("expected hardware deadline cancelled once, got active=%v cancels=%d", hw.active, hw.cancels)
	}
	if st := tl.TimerState(); st != TimerArmedSoftware {
		t.Fatalf("expected armed-software, got %v", st)
	}
	if last := tl.host.Last(); !last.Armed() || last.Deadline != deadline {
		t.Fatalf("expected software timer re-armed at %d", deadline)
	}
}

func TestTimerRearmStopsPreviousHostTimer(t *testing.T) {
	tl := newTestLapic(t)
	if err := tl.ArmTimer(tl.clock.Now()+100, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	first := tl.host.Last()
	if err := tl.ArmTimer(tl.clock.Now()+200, 0); err != nil {
		t.Fatalf("re-arm: %v", err)
	}
	if first.Fire() {
		t.Fatalf("expected replaced host timer not to fire")
	}
	if tl.TimerPending() {
		t.Fatalf("expected no expiry from the replaced deadline")
	}
}

func TestTimerHostArmFailure(t *testing.T) {
	tl := newTestLapic(t)
	armErr := errors.New("no timers left")
	tl.host.ArmErr = armErr
	err := tl.ArmTimer(tl.clock.Now()+100, 0)
	if !errors.Is(err, armErr) {
		t.Fatalf("expected wrapped arm error, got %v", err)
	}
	if st := tl.TimerState(); st != TimerDisarmed {
		t.Fatalf("expected disarmed after failed arm, got %v", st)
	}
	tl.host.ArmErr = nil
}

func TestTimerTSCDeadline(t *testing.T) {
	tl := newTestLapic(t)
	tsc := uint64(tl.clock.Now() + 2000)
	if err := tl.WriteTSCDeadline(tsc); err != nil {
		t.Fatalf("write tsc deadline: %v", err)
	}
	info := tl.Timer()
	if info.Mode != TimerTSCDeadline || info.TSCDeadline != tsc || info.Deadline != int64(tsc) {
		t.Fatalf("unexpected timer programming %+v", info)
	}
	if err := tl.WriteTSCDeadline(0); err != nil {
		t.Fatalf("write zero: %v", err)
	}
	if st := tl.TimerState(); st != TimerDisarmed {
		t.Fatalf("expected zero deadline to disarm, got %v", st)
	}
}

func TestTimerProgram(t *testing.T) {
	tl := newTestLapic(t)
	now := tl.clock.Now()
	lvt := NewLVTTimer(0x30, TimerPeriodic, false)

	// 100 ticks at 100 MHz, divide by 1.
	if err := tl.ProgramTimer(lvt, 100, 0xb, 100_000_000); err != nil {
		t.Fatalf("program: %v", err)
	}
	info := tl.Timer()
	if info.Deadline != now+1000 || info.Period != 1000 || info.Mode != TimerPeriodic {
		t.Fatalf("unexpected timer programming %+v", info)
	}
	if tl.TimerVector() != 0x30 {
		t.Fatalf("expected timer vector 0x30, got %v", tl.TimerVector())
	}

	if err := tl.ProgramTimer(NewLVTTimer(0x30, TimerPeriodic, true), 100, 0xb, 100_000_000); err != nil {
		t.Fatalf("program masked: %v", err)
	}
	if st := tl.TimerState(); st != TimerDisarmed {
		t.Fatalf("expected masked LVT to disarm, got %v", st)
	}

	if err := tl.ProgramTimer(NewLVTTimer(0x10, TimerOneShot, false), 1, 0, 1); !errors.Is(err, ErrInvalidTimerVector) {
		t.Fatalf("expected ErrInvalidTimerVector, got %v", err)
	}
}

func TestTimerCancelRacesCallbacks(t *testing.T) {
	clock := hosttimer.MonotonicClock()
	l, err := New(DefaultBase, WithClock(clock), WithWaker(WakerFunc(func() {})))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 300; i++ {
		delay := time.Duration(rng.Intn(50)) * time.Microsecond
		period := int64(0)
		if i%3 == 0 {
			period = int64(20 * time.Microsecond)
		}
		if err := l.ArmTimer(clock.Now()+int64(delay), period); err != nil {
			t.Fatalf("arm: %v", err)
		}
		if i%2 == 0 {
			l.RestartTimer()
		}
		time.Sleep(time.Duration(rng.Intn(60)) * time.Microsecond)
		l.CancelTimer()
		if st := l.TimerState(); st != TimerDisarmed {
			t.Fatalf("iteration %d: expected disarmed after cancel, got %v", i, st)
		}
		if l.TimerPending() {
			t.Fatalf("iteration %d: expiry observed after cancel", i)
		}
	}
	l.Destroy()
}

func TestDestroyWhileArmedPanics(t *testing.T) {
	l, err := New(DefaultBase, WithClock(hosttimer.NewManualClock(0)), WithHostTimer(&hosttimer.ManualService{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := l.ArmTimer(100, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}

	func() {
		defer func() {
			r := recover()
			err, ok := r.(error)
			if !ok || !errors.Is(err, ErrTimerArmed) {
				t.Fatalf("expected panic with ErrTimerArmed, got %v", r)
			}
		}()
		l.Destroy()
	}()

	l.CancelTimer()
	l.Destroy()
	if err := l.ArmTimer(200, 0); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("expected ErrDestroyed, got %v", err)
	}
}

func TestTimerCallbackAfterDestroyIsIgnored(t *testing.T) {
	host := &hosttimer.ManualService{}
	l, err := New(DefaultBase, WithClock(hosttimer.NewManualClock(0)), WithHostTimer(host))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Destroy()
	cb := l.timerCallback(0)
	cb()
	if l.TimerPending() {
		t.Fatalf("expected callback after destroy to be ignored")
	}
}

func TestTimerRestartWindowExcludesConcurrentRestart(t *testing.T) {
	tl := newTestLapic(t)
	deadline := tl.clock.Now() + 500
	if err := tl.ArmTimer(deadline, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}
	armed := len(tl.host.Timers())

	// Another restart holds the window.
	tl.timer.rearming.Store(1)
	ok, err := tl.RestartTimer()
	if err != nil || ok {
		t.Fatalf("expected a contended restart to return false, got %v, %v", ok, err)
	}
	if n := len(tl.host.Timers()); n != armed {
		t.Fatalf("expected no host timer armed by a contended restart, got %d new", n-armed)
	}
	tl.timer.rearming.Store(0)

	if ok, err := tl.RestartTimer(); err != nil || !ok {
		t.Fatalf("expected restart to re-arm once the window is free, got %v, %v", ok, err)
	}
}

func TestTimerConcurrentRestartsLeaveOneHostTimer(t *testing.T) {
	tl := newTestLapic(t)
	deadline := tl.clock.Now() + 500
	if err := tl.ArmTimer(deadline, 0); err != nil {
		t.Fatalf("arm: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := tl.RestartTimer(); err != nil {
					t.Errorf("restart: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if armed := tl.host.Armed(); len(armed) != 1 || armed[0].Deadline != deadline {
		t.Fatalf("expected exactly one armed host timer at %d, got %d", deadline, len(armed))
	}
	if st := tl.TimerState(); st != TimerArmedSoftware {
		t.Fatalf("expected armed-software, got %v", st)
	}
}

func TestTimerPeriodicCatchUpAfterLongStall(t *testing.T) {
	tl := newTestLapic(t)
	g := newFakeGuest()
	start := tl.clock.Now()
	if err := tl.ArmTimer(start+1, 1); err != nil {
		t.Fatalf("arm: %v", err)
	}
	now := tl.clock.Advance(2 * time.Second)
	if n := tl.host.FireDue(now); n != 1 {
		t.Fatalf("expected one host expiry, got %d", n)
	}

	began := time.Now()
	out, err := tl.Arbitrate(g)
	took := time.Since(began)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Kind != OutcomeInjected || out.Vector != VectorTimer {
		t.Fatalf("expected Injected(timer), got %v", out)
	}
	if took > 500*time.Millisecond {
		t.Fatalf("arbitration took %v catching up missed periods", took)
	}
	info := tl.Timer()
	if info.Deadline != now+1 {
		t.Fatalf("expected next deadline %d, got %d", now+1, info.Deadline)
	}
	if want := uint64(2*time.Second) - 1; info.MissedPeriods != want {
		t.Fatalf("expected %d missed periods, got %d", want, info.MissedPeriods)
	}
}

func TestTimerPeriodClampedToMinimum(t *testing.T) {
	tl := newTestLapic(t, WithMinTimerPeriod(50_000))
	now := tl.clock.Now()

	if err := tl.ArmTimer(now+10, 1); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if info := tl.Timer(); info.Period != 50_000 || info.Deadline != now+10 {
		t.Fatalf("expected period clamped to 50000, got %+v", info)
	}

	// One tick at 1 GHz, divide by 1.
	if err := tl.ProgramTimer(NewLVTTimer(0x30, TimerPeriodic, false), 1, 0xb, 1_000_000_000); err != nil {
		t.Fatalf("program: %v", err)
	}
	if info := tl.Timer(); info.Period != 50_000 {
		t.Fatalf("expected programmed period clamped to 50000, got %d", info.Period)
	}

	if err := tl.ArmTimer(now+10, 0); err != nil {
		t.Fatalf("arm one-shot: %v", err)
	}
	if info := tl.Timer(); info.Period != 0 {
		t.Fatalf("expected one-shot to stay one-shot, got period %d", info.Period)
	}

	if _, err := New(DefaultBase, WithMinTimerPeriod(0)); err == nil {
		t.Fatalf("expected a zero minimum period to be rejected")
	}
}

func TestTimerProgramResetLVTDisarms(t *testing.T) {
	tl := newTestLapic(t)
	arm := func() {
		t.Helper()
		if err := tl.ArmTimer(tl.clock.Now()+1000, 1000); err != nil {
			t.Fatalf("arm: %v", err)
		}
	}

	// The architectural reset value: masked, vector 0.
	arm()
	if err := tl.ProgramTimer(LVTTimer(0x00010000), 0, 0, 100_000_000); err != nil {
		t.Fatalf("program reset value: %v", err)
	}
	if st := tl.TimerState(); st != TimerDisarmed {
		t.Fatalf("expected reset LVT to disarm, got %v", st)
	}
	if v := tl.TimerVector(); v != VectorTimer {
		t.Fatalf("expected timer vector kept at %v, got %v", VectorTimer, v)
	}

	arm()
	if err := tl.ProgramTimer(NewLVTTimer(0, TimerOneShot, false), 0, 0xb, 100_000_000); err != nil {
		t.Fatalf("program zero count: %v", err)
	}
	if st := tl.TimerState(); st != TimerDisarmed {
		t.Fatalf("expected zero count to disarm, got %v", st)
	}

	arm()
	err := tl.ProgramTimer(NewLVTTimer(0x10, TimerPeriodic, false), 100, 0xb, 100_000_000)
	if !errors.Is(err, ErrInvalidTimerVector) {
		t.Fatalf("expected ErrInvalidTimerVector, got %v", err)
	}
	if st := tl.TimerState(); st != TimerDisarmed {
		t.Fatalf("expected a rejected arming write to disarm, got %v", st)
	}
}
