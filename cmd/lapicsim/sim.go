package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tinyrange/vlapic/internal/config"
	"github.com/tinyrange/vlapic/internal/hosttimer"
	"github.com/tinyrange/vlapic/internal/lapic"
	"github.com/tinyrange/vlapic/internal/trace"
	"github.com/tinyrange/vlapic/internal/vcpu"
	"github.com/tinyrange/vlapic/internal/vmx"
)

// busFrequency is the APIC bus clock used to program countdown timers.
const busFrequency = 100_000_000

// divideBy1 is the divide configuration value for a divisor of 1.
const divideBy1 = 0xb

type device struct {
	name     string
	vector   lapic.Vector
	interval int64
	next     int64
	raised   uint64
}

type result struct {
	elapsed   time.Duration
	devices   []device
	handled   map[lapic.Vector]uint64
	vcpu      vcpu.Stats
	guest     vmx.Stats
	timer     lapic.TimerInfo
	snapshot  lapic.Snapshot
	traceLen  int
	virtual   bool
	timerMode lapic.TimerMode
}

type simulator struct {
	cfg    config.Config
	log    *slog.Logger
	tracer *trace.Writer

	virtual bool
	clock   hosttimer.Clock
	manual  *hosttimer.ManualClock
	host    hosttimer.Service
	mhost   *hosttimer.ManualService

	mode   lapic.TimerMode
	period int64

	guest *vmx.Guest
	cpu   *vcpu.VCPU

	mu      sync.Mutex
	devices []device
	handled map[lapic.Vector]uint64

	// progress receives elapsed simulated time.
	progress func(elapsed time.Duration)
}

func newSimulator(cfg config.Config, log *slog.Logger, tracer *trace.Writer) (*simulator, error) {
	s := &simulator{
		cfg:     cfg,
		log:     log,
		tracer:  tracer,
		handled: make(map[lapic.Vector]uint64),
	}

	switch cfg.Lapic.HostTimer {
	case config.HostTimerManual:
		s.virtual = true
		s.manual = hosttimer.NewManualClock(0)
		s.mhost = &hosttimer.ManualService{}
		s.clock, s.host = s.manual, s.mhost
	case config.HostTimerTimerfd:
		svc, err := hosttimer.NewTimerfdService()
		if err != nil {
			return nil, fmt.Errorf("timerfd host timer: %w", err)
		}
		s.clock, s.host = hosttimer.MonotonicClock(), svc
	default:
		s.clock = hosttimer.MonotonicClock()
		s.host = hosttimer.NewService(s.clock)
	}

	mode, err := cfg.Sim.Timer.TimerMode()
	if err != nil {
		return nil, err
	}
	s.mode = mode
	s.period = int64(cfg.Sim.Timer.Period.Duration())

	rng := rand.New(rand.NewSource(cfg.Sim.Seed))
	workload := &vmx.RandomWorkload{
		Rand:       rng,
		Slice:      cfg.Sim.Guest.Slice.Duration(),
		HaltChance: cfg.Sim.Guest.HaltChance,
		MaskChance: cfg.Sim.Guest.MaskChance,
	}
	if s.virtual {
		if workload.Slice <= 0 {
			return nil, fmt.Errorf("virtual time needs a positive guest slice")
		}
		workload.Sleep = s.advance
	}

	s.guest = vmx.New(vmx.Config{
		Clock:           s.clock,
		TSCFrequency:    cfg.Lapic.TSCFrequencyHz,
		PreemptionTimer: cfg.Lapic.HardwareOffload,
		Workload:        workload,
		OnInterrupt:     s.handle,
	})

	opts, err := cfg.Lapic.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, lapic.WithClock(s.clock), lapic.WithHostTimer(s.host))
	if tracer != nil {
		opts = append(opts, lapic.WithTracer(tracer))
	}
	cpu, err := vcpu.New(vcpu.Config{
		Base:         cfg.Lapic.Base,
		Logger:       log,
		Guest:        s.guest,
		LapicOptions: opts,
	})
	if err != nil {
		return nil, err
	}
	s.cpu = cpu

	now := s.clock.Now()
	for _, d := range cfg.Sim.Devices {
		iv := int64(d.Interval.Duration())
		s.devices = append(s.devices, device{
			name:     d.Name,
			vector:   lapic.Vector(d.Vector),
			interval: iv,
			next:     now + iv,
		})
	}
	return s, nil
}

// startTimer programs the guest timer the way a guest kernel would.
func (s *simulator) startTimer() error {
	apic := s.cpu.Lapic()
	if s.period <= 0 {
		return nil
	}
	switch s.mode {
	case lapic.TimerTSCDeadline:
		if err := apic.ProgramTimer(lapic.NewLVTTimer(apic.TimerVector(), lapic.TimerTSCDeadline, false), 0, 0, busFrequency); err != nil {
			return err
		}
		return s.writeNextTSCDeadline()
	default:
		count := lapic.NanosToTSC(s.period, busFrequency)
		if count == 0 || count > 0xffffffff {
			return fmt.Errorf("timer period %v out of range for the bus clock", time.Duration(s.period))
		}
		lvt := lapic.NewLVTTimer(apic.TimerVector(), s.mode, false)
		return apic.ProgramTimer(lvt, uint32(count), divideBy1, busFrequency)
	}
}

func (s *simulator) writeNextTSCDeadline() error {
	next := s.guest.Now() + lapic.NanosToTSC(s.period, s.cfg.Lapic.TSCFrequencyHz)
	return s.cpu.Lapic().WriteTSCDeadline(next)
}

// handle is the guest interrupt handler.
func (s *simulator) handle(v lapic.Vector) {
	s.mu.Lock()
	s.handled[v]++
	s.mu.Unlock()

	apic := s.cpu.Lapic()
	switch {
	case v == lapic.VectorNMI:
		s.guest.IRET()
	case v.IsMaskable():
		if v == apic.TimerVector() {
			s.rearmTimer()
		}
		apic.EOI()
	}
}

func (s *simulator) rearmTimer() {
	var err error
	switch s.mode {
	case lapic.TimerOneShot:
		err = s.startTimer()
	case lapic.TimerTSCDeadline:
		err = s.writeNextTSCDeadline()
	}
	if err != nil {
		s.log.Error("re-arm guest timer", "error", err)
	}
}

// raiseDue raises every device interrupt due at now.
func (s *simulator) raiseDue(now int64) {
	apic := s.cpu.Lapic()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.devices {
		d := &s.devices[i]
		for d.next <= now {
			apic.Raise(d.vector)
			d.raised++
			d.next += d.interval
		}
	}
}

// advance moves virtual time forward by d, firing host timers and devices.
func (s *simulator) advance(d time.Duration) {
	now := s.manual.Advance(d)
	s.mhost.FireDue(now)
	s.raiseDue(now)
	s.reportProgress(now)
	if now >= int64(s.cfg.Sim.Duration.Duration()) {
		s.cpu.Shutdown()
	}
}

func (s *simulator) reportProgress(now int64) {
	if s.progress != nil {
		s.progress(time.Duration(now))
	}
}

// nextEvent returns the earliest pending host timer or device deadline.
func (s *simulator) nextEvent() (int64, bool) {
	next, ok := int64(0), false
	for _, t := range s.mhost.Armed() {
		if !ok || t.Deadline < next {
			next, ok = t.Deadline, true
		}
	}
	s.mu.Lock()
	for _, d := range s.devices {
		if !ok || d.next < next {
			next, ok = d.next, true
		}
	}
	s.mu.Unlock()
	return next, ok
}

// idleDriver skips virtual time ahead while the vCPU is halted.
func (s *simulator) idleDriver(ctx context.Context) {
	end := int64(s.cfg.Sim.Duration.Duration())
	for ctx.Err() == nil {
		if s.cpu.State() != vcpu.StateHalted {
			time.Sleep(10 * time.Microsecond)
			continue
		}
		next, ok := s.nextEvent()
		if !ok || next > end {
			s.manual.Set(end)
			s.reportProgress(end)
			s.cpu.Shutdown()
			return
		}
		if now := s.manual.Now(); next > now {
			s.advance(time.Duration(next - now))
		} else {
			s.advance(0)
		}
		// Give the vCPU a chance to leave the halt before looking again.
		time.Sleep(10 * time.Microsecond)
	}
}

// realDevices raises device interrupts from wall-clock tickers.
func (s *simulator) realDevices(ctx context.Context, wg *sync.WaitGroup) {
	for i := range s.devices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.mu.Lock()
			d := s.devices[i]
			s.mu.Unlock()
			ticker := time.NewTicker(time.Duration(d.interval))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.cpu.Lapic().Raise(d.vector)
					s.mu.Lock()
					s.devices[i].raised++
					s.mu.Unlock()
				}
			}
		}(i)
	}
}

func (s *simulator) run(ctx context.Context) (result, error) {
	if err := s.startTimer(); err != nil {
		return result{}, fmt.Errorf("start guest timer: %w", err)
	}

	start := time.Now()
	var runErr error
	if s.virtual {
		ctx, cancel := context.WithCancel(ctx)
		idle := make(chan struct{})
		go func() {
			defer close(idle)
			s.idleDriver(ctx)
		}()
		runErr = s.cpu.Run(ctx)
		cancel()
		<-idle
	} else {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.Sim.Duration.Duration())
		var wg sync.WaitGroup
		s.realDevices(ctx, &wg)
		done := make(chan struct{})
		go func() {
			t := time.NewTicker(50 * time.Millisecond)
			defer t.Stop()
			for {
				select {
				case <-done:
					return
				case <-t.C:
					s.reportProgress(int64(time.Since(start)))
				}
			}
		}()
		runErr = s.cpu.Run(ctx)
		cancel()
		close(done)
		wg.Wait()
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return result{}, runErr
	}

	apic := s.cpu.Lapic()
	res := result{
		elapsed:   time.Since(start),
		vcpu:      s.cpu.Stats(),
		guest:     s.guest.Stats(),
		timer:     apic.Timer(),
		snapshot:  apic.Save(),
		virtual:   s.virtual,
		timerMode: s.mode,
	}
	if s.virtual {
		res.elapsed = time.Duration(s.manual.Now())
	}
	s.mu.Lock()
	res.devices = append(res.devices, s.devices...)
	res.handled = make(map[lapic.Vector]uint64, len(s.handled))
	for v, n := range s.handled {
		res.handled[v] = n
	}
	s.mu.Unlock()

	if err := s.cpu.Close(); err != nil {
		return res, fmt.Errorf("close vcpu: %w", err)
	}
	if s.tracer != nil {
		res.traceLen = s.tracer.Len()
	}
	return res, nil
}
