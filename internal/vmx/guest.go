// Package vmx is a software model of the VMCS state the LAPIC core drives:
// guest interruptibility and RFLAGS.IF, the event-injection field,
// interrupt-window exiting, and the VMX preemption timer used as a hardware
// deadline. It stands in for a hardware backend in tests and simulation.
package vmx

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/vlapic/internal/hosttimer"
	"github.com/tinyrange/vlapic/internal/lapic"
)

var (
	ErrInjectionPending = errors.New("vmx: event injection field already valid")
	ErrShutdown         = errors.New("vmx: guest shut down")
)

// ExitReason is why Enter returned.
type ExitReason uint8

const (
	ExitExternalInterrupt ExitReason = iota
	ExitHalt
	ExitPreemptionTimer
	ExitInterruptWindow
	ExitShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitExternalInterrupt:
		return "external-interrupt"
	case ExitHalt:
		return "hlt"
	case ExitPreemptionTimer:
		return "preemption-timer"
	case ExitInterruptWindow:
		return "interrupt-window"
	case ExitShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("ExitReason(%d)", uint8(r))
	}
}

// Workload runs guest code for one entry and reports how it left.
type Workload interface {
	Step(g *Guest) ExitReason
}

// WorkloadFunc adapts a function to Workload.
type WorkloadFunc func(g *Guest) ExitReason

// Step implements Workload.
func (f WorkloadFunc) Step(g *Guest) ExitReason { return f(g) }

// Config configures a Guest.
type Config struct {
	Clock        hosttimer.Clock
	TSCFrequency uint64
	// PreemptionTimer enables hardware deadline offload.
	PreemptionTimer bool
	Workload        Workload
	// OnInterrupt is the guest interrupt handler. It runs on the vCPU
	// goroutine during Enter.
	OnInterrupt func(v lapic.Vector)
}

// Stats counts guest activity.
type Stats struct {
	Entries          uint64
	Injections       uint64
	WindowExits      uint64
	PreemptionExits  uint64
	DeadlinesOffered uint64
	DeadlinesTaken   uint64
}

// Guest is one simulated VMCS.
type Guest struct {
	clock   hosttimer.Clock
	tscHz   uint64
	preempt bool

	mu            sync.Mutex
	workload      Workload
	onInterrupt   func(v lapic.Vector)
	blocking      lapic.Blocking
	ifFlag        bool
	windowExiting bool
	injection     lapic.Vector
	injectionOK   bool
	deadline      uint64
	deadlineArmed bool
	shutdown      bool
	delivered     []lapic.Vector
	stats         Stats
}

// New returns a guest with interrupts enabled.
func New(cfg Config) *Guest {
	if cfg.Clock == nil {
		cfg.Clock = hosttimer.MonotonicClock()
	}
	if cfg.TSCFrequency == 0 {
		cfg.TSCFrequency = lapic.DefaultTSCFrequency
	}
	return &Guest{
		clock:       cfg.Clock,
		tscHz:       cfg.TSCFrequency,
		preempt:     cfg.PreemptionTimer,
		workload:    cfg.Workload,
		onInterrupt: cfg.OnInterrupt,
		ifFlag:      true,
	}
}

// ReadGuestInterruptibility implements lapic.GuestState.
func (g *Guest) ReadGuestInterruptibility() lapic.Blocking {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocking
}

// ReadGuestFlags implements lapic.GuestState.
func (g *Guest) ReadGuestFlags() lapic.GuestFlags {
	g.mu.Lock()
	defer g.mu.Unlock()
	return lapic.GuestFlags{InterruptEnable: g.ifFlag}
}

// InjectVector implements lapic.Injector.
func (g *Guest) InjectVector(v lapic.Vector) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return ErrShutdown
	}
	if g.injectionOK {
		return fmt.Errorf("%w: %v", ErrInjectionPending, g.injection)
	}
	g.injection = v
	g.injectionOK = true
	return nil
}

// RequestInterruptWindowExit implements lapic.Injector.
func (g *Guest) RequestInterruptWindowExit(enable bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windowExiting = enable
	return nil
}

// TryAcceptDeadline implements lapic.HardwareTimer.
func (g *Guest) TryAcceptDeadline(tsc uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats.DeadlinesOffered++
	if !g.preempt {
		return false
	}
	g.deadline = tsc
	g.deadlineArmed = true
	g.stats.DeadlinesTaken++
	return true
}

// CancelDeadline implements lapic.HardwareTimer.
func (g *Guest) CancelDeadline() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deadlineArmed = false
}

// SetInterruptEnable sets RFLAGS.IF, as STI and CLI do.
func (g *Guest) SetInterruptEnable(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ifFlag = on
}

// SetBlocking replaces the interruptibility state.
func (g *Guest) SetBlocking(b lapic.Blocking) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocking = b
}

// SetInstructionBlocking replaces the STI and MOV SS shadows with those in b,
// leaving NMI and SMI blocking alone.
func (g *Guest) SetInstructionBlocking(b lapic.Blocking) {
	const shadows = lapic.BlockingSTI | lapic.BlockingMovSS
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocking = g.blocking&^shadows | b&shadows
}

// Shutdown makes the next Enter return ExitShutdown.
func (g *Guest) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdown = true
}

// IsShutdown reports whether Shutdown was called.
func (g *Guest) IsShutdown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shutdown
}

// WindowExiting reports whether interrupt-window exiting is enabled.
func (g *Guest) WindowExiting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.windowExiting
}

// DeadlineArmed reports the programmed preemption timer deadline.
func (g *Guest) DeadlineArmed() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deadline, g.deadlineArmed
}

// Delivered returns every vector the guest received, in order.
func (g *Guest) Delivered() []lapic.Vector {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]lapic.Vector(nil), g.delivered...)
}

// Stats returns a copy of the counters.
func (g *Guest) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Now returns the guest TSC.
func (g *Guest) Now() uint64 {
	return lapic.NanosToTSC(g.clock.Now(), g.tscHz)
}

func (g *Guest) canTakeMaskableLocked() bool {
	return g.ifFlag && !g.blocking.Any(lapic.BlockingSTI|lapic.BlockingMovSS)
}

// preemptionDueLocked consumes an expired preemption timer.
func (g *Guest) preemptionDueLocked() bool {
	if !g.deadlineArmed || g.Now() < g.deadline {
		return false
	}
	g.deadlineArmed = false
	g.stats.PreemptionExits++
	return true
}

// Enter performs one VM entry: it delivers the injected event, runs the
// workload, and returns the exit reason. Exits are checked in hardware
// priority order: interrupt window, then preemption timer, then whatever the
// workload did.
func (g *Guest) Enter() ExitReason {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return ExitShutdown
	}
	g.stats.Entries++
	var (
		v       lapic.Vector
		deliver bool
	)
	if g.injectionOK {
		v, deliver = g.injection, true
		g.injectionOK = false
		g.delivered = append(g.delivered, v)
		g.stats.Injections++
		// Delivery through the IDT clears single-instruction blocking.
		g.blocking &^= lapic.BlockingSTI | lapic.BlockingMovSS
		if v == lapic.VectorNMI {
			g.blocking |= lapic.BlockingNMI
		}
	}
	handler := g.onInterrupt
	g.mu.Unlock()

	if deliver && handler != nil {
		handler(v)
	}

	g.mu.Lock()
	if g.windowExiting && g.canTakeMaskableLocked() {
		g.stats.WindowExits++
		g.mu.Unlock()
		return ExitInterruptWindow
	}
	if g.preemptionDueLocked() {
		g.mu.Unlock()
		return ExitPreemptionTimer
	}
	w := g.workload
	g.mu.Unlock()

	reason := ExitExternalInterrupt
	if w != nil {
		reason = w.Step(g)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return ExitShutdown
	}
	if reason != ExitHalt && g.preemptionDueLocked() {
		return ExitPreemptionTimer
	}
	return reason
}

// IRET models the return from an NMI handler.
func (g *Guest) IRET() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocking &^= lapic.BlockingNMI
}

var (
	_ lapic.GuestControl  = (*Guest)(nil)
	_ lapic.HardwareTimer = (*Guest)(nil)
)
