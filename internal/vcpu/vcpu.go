// Package vcpu runs one virtual CPU: it offloads the LAPIC timer before each
// entry, arbitrates pending interrupts, enters the guest and dispatches the
// exit. A halted vCPU sleeps until its LAPIC has something deliverable.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vlapic/internal/lapic"
	"github.com/tinyrange/vlapic/internal/vmx"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/waiter"
)

var ErrClosed = errors.New("vcpu: closed")

// State is the run state of a vCPU.
type State uint32

const (
	StateIdle State = iota
	StateRunning
	StateHalted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Config configures a VCPU.
type Config struct {
	ID     uint16
	Base   uint64
	Logger *slog.Logger
	Guest  *vmx.Guest
	// TimerPeriod, when positive, starts a periodic LAPIC timer.
	TimerPeriod int64
	// LapicOptions are passed through to lapic.New after the options the
	// vCPU sets itself.
	LapicOptions []lapic.Option
}

// Stats counts run loop activity.
type Stats struct {
	Entries        uint64
	Halts          uint64
	Wakes          uint64
	TimerExits     uint64
	WindowExits    uint64
	Injected       uint64
	Deferred       uint64
	Rejected       uint64
	Offloads       uint64
	ArbitrateFails uint64
}

// VCPU owns a Lapic and the guest it injects into.
type VCPU struct {
	id    uint16
	log   *slog.Logger
	guest *vmx.Guest
	apic  *lapic.Lapic

	state atomicbitops.Uint32
	queue waiter.Queue

	entries, halts, wakes      atomicbitops.Uint64
	timerExits, windowExits    atomicbitops.Uint64
	injected, deferred         atomicbitops.Uint64
	rejected, offloads, failed atomicbitops.Uint64
}

// New creates the vCPU and its Lapic.
func New(cfg Config) (*VCPU, error) {
	if cfg.Guest == nil {
		return nil, fmt.Errorf("vcpu %d: no guest", cfg.ID)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Base == 0 {
		cfg.Base = lapic.DefaultBase
	}
	v := &VCPU{
		id:    cfg.ID,
		log:   cfg.Logger.With("vcpu", cfg.ID),
		guest: cfg.Guest,
	}

	opts := []lapic.Option{
		lapic.WithLogger(cfg.Logger),
		lapic.WithCPU(cfg.ID),
		lapic.WithHardwareTimer(cfg.Guest),
		lapic.WithWaker(v),
	}
	apic, err := lapic.New(cfg.Base, append(opts, cfg.LapicOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}
	cu := cleanup.Make(func() {
		apic.CancelTimer()
		apic.Destroy()
	})
	defer cu.Clean()

	if cfg.TimerPeriod > 0 {
		now := apic.Clock().Now()
		if err := apic.ArmTimer(now+cfg.TimerPeriod, cfg.TimerPeriod); err != nil {
			return nil, fmt.Errorf("vcpu %d: start timer: %w", cfg.ID, err)
		}
	}

	v.apic = apic
	cu.Release()
	return v, nil
}

// ID returns the vCPU index.
func (v *VCPU) ID() uint16 { return v.id }

// Lapic returns the vCPU's local APIC.
func (v *VCPU) Lapic() *lapic.Lapic { return v.apic }

// State returns the current run state.
func (v *VCPU) State() State { return State(v.state.Load()) }

// Wake implements lapic.Waker.
func (v *VCPU) Wake() {
	if State(v.state.Load()) == StateHalted {
		v.wakes.Add(1)
	}
	v.queue.Notify(waiter.EventIn)
}

// Shutdown stops the guest. A halted vCPU wakes and Run returns nil.
func (v *VCPU) Shutdown() {
	v.guest.Shutdown()
	v.queue.Notify(waiter.EventIn)
}

// Run executes the guest until it shuts down, ctx is cancelled, or an
// unrecoverable error occurs. Only one goroutine may call Run.
func (v *VCPU) Run(ctx context.Context) error {
	if !v.state.CompareAndSwap(uint32(StateIdle), uint32(StateRunning)) {
		if State(v.state.Load()) == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("vcpu %d: already running", v.id)
	}
	defer v.state.CompareAndSwap(uint32(StateRunning), uint32(StateIdle))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if v.guest.IsShutdown() {
			v.log.Debug("guest shutdown")
			return nil
		}
		if v.apic.TryOffloadTimer() {
			v.offloads.Add(1)
		}
		out, err := v.apic.Arbitrate(v.guest)
		if errors.Is(err, vmx.ErrShutdown) {
			// The guest went away between the check above and injection.
			v.log.Debug("guest shutdown during injection")
			return nil
		}
		if err != nil {
			v.failed.Add(1)
			v.log.Error("arbitrate", "error", err)
			return fmt.Errorf("vcpu %d: %w", v.id, err)
		}
		v.count(out)

		v.entries.Add(1)
		reason := v.guest.Enter()
		switch reason {
		case vmx.ExitHalt:
			v.halts.Add(1)
			if err := v.halt(ctx); err != nil {
				return err
			}
		case vmx.ExitPreemptionTimer:
			v.timerExits.Add(1)
			v.apic.TimerExpired(false)
		case vmx.ExitInterruptWindow:
			v.windowExits.Add(1)
		case vmx.ExitExternalInterrupt:
		case vmx.ExitShutdown:
			v.log.Debug("guest shutdown")
			return nil
		default:
			return fmt.Errorf("vcpu %d: unhandled exit %v", v.id, reason)
		}
	}
}

func (v *VCPU) count(out lapic.Outcome) {
	switch out.Kind {
	case lapic.OutcomeInjected:
		v.injected.Add(1)
	case lapic.OutcomeDeferred:
		v.deferred.Add(1)
	case lapic.OutcomeRejected:
		v.rejected.Add(1)
	}
}

// halt blocks until the Lapic has a deliverable event or the guest has shut
// down. The hardware timer does not count outside guest mode, so an
// offloaded deadline is handed back to the host timer first.
func (v *VCPU) halt(ctx context.Context) error {
	e, ch := waiter.NewChannelEntry(waiter.EventIn)
	v.queue.EventRegister(&e)
	defer v.queue.EventUnregister(&e)

	if err := v.apic.SwitchToSoftwareTimer(); err != nil {
		return fmt.Errorf("vcpu %d: halt: %w", v.id, err)
	}

	v.state.Store(uint32(StateHalted))
	defer v.state.CompareAndSwap(uint32(StateHalted), uint32(StateRunning))

	for !v.guest.IsShutdown() && !v.apic.HasDeliverable(lapic.ReadInterruptibility(v.guest)) {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats returns the run loop counters.
func (v *VCPU) Stats() Stats {
	return Stats{
		Entries:        v.entries.Load(),
		Halts:          v.halts.Load(),
		Wakes:          v.wakes.Load(),
		TimerExits:     v.timerExits.Load(),
		WindowExits:    v.windowExits.Load(),
		Injected:       v.injected.Load(),
		Deferred:       v.deferred.Load(),
		Rejected:       v.rejected.Load(),
		Offloads:       v.offloads.Load(),
		ArbitrateFails: v.failed.Load(),
	}
}

// Close cancels the LAPIC timer, waiting for in-flight callbacks, and then
// destroys the LAPIC. Run must have returned.
func (v *VCPU) Close() error {
	for {
		s := State(v.state.Load())
		switch s {
		case StateClosed:
			return ErrClosed
		case StateRunning, StateHalted:
			return fmt.Errorf("vcpu %d: close while %v", v.id, s)
		}
		if v.state.CompareAndSwap(uint32(s), uint32(StateClosed)) {
			break
		}
	}
	v.apic.CancelTimer()
	v.apic.Destroy()
	return nil
}

var _ lapic.Waker = (*VCPU)(nil)
