package lapic

import "strings"

// Blocking mirrors the guest interruptibility-state field of the VMCS.
type Blocking uint32

const (
	BlockingSTI   Blocking = 1 << 0
	BlockingMovSS Blocking = 1 << 1
	BlockingSMI   Blocking = 1 << 2
	BlockingNMI   Blocking = 1 << 3
)

// Any reports whether any bit of mask is set in b.
func (b Blocking) Any(mask Blocking) bool {
	return b&mask != 0
}

func (b Blocking) String() string {
	if b == 0 {
		return "none"
	}
	var parts []string
	if b&BlockingSTI != 0 {
		parts = append(parts, "sti")
	}
	if b&BlockingMovSS != 0 {
		parts = append(parts, "mov-ss")
	}
	if b&BlockingSMI != 0 {
		parts = append(parts, "smi")
	}
	if b&BlockingNMI != 0 {
		parts = append(parts, "nmi")
	}
	return strings.Join(parts, "|")
}

// GuestFlags is the subset of guest RFLAGS consulted during arbitration.
type GuestFlags struct {
	InterruptEnable bool
}

// Interruptibility is the masking state for one arbitration pass.
type Interruptibility struct {
	Blocking        Blocking
	InterruptEnable bool
}

// Open is the fully permissive masking state.
var Open = Interruptibility{InterruptEnable: true}

// CanInjectNMI reports whether an NMI may be delivered now.
func (s Interruptibility) CanInjectNMI() bool {
	return !s.Blocking.Any(BlockingNMI | BlockingMovSS)
}

// CanInjectMaskable reports whether a maskable interrupt may be delivered now.
func (s Interruptibility) CanInjectMaskable() bool {
	return s.InterruptEnable && !s.Blocking.Any(BlockingSTI|BlockingMovSS)
}

// CanInject reports whether v may be delivered under s.
func (s Interruptibility) CanInject(v Vector) bool {
	switch {
	case v == VectorNMI:
		return s.CanInjectNMI()
	case v.IsMaskable():
		return s.CanInjectMaskable()
	default:
		return true
	}
}

// GuestState reads the guest masking state. Implementations must return the
// live VMCS values; callers never cache them across arbitration passes.
type GuestState interface {
	ReadGuestInterruptibility() Blocking
	ReadGuestFlags() GuestFlags
}

// Injector performs event injection for the next VM entry.
type Injector interface {
	InjectVector(v Vector) error
	// RequestInterruptWindowExit asks for a VM exit as soon as the guest can
	// accept maskable interrupts again.
	RequestInterruptWindowExit(enable bool) error
}

// GuestControl is the VMCS collaborator used by Lapic.Arbitrate.
type GuestControl interface {
	GuestState
	Injector
}

// HardwareTimer is a virtualization-extension deadline timer.
type HardwareTimer interface {
	// TryAcceptDeadline returns false when the deadline cannot be offloaded,
	// in which case the software timer stays in charge.
	TryAcceptDeadline(tscDeadline uint64) bool
	CancelDeadline()
}

// ReadInterruptibility queries g for the current masking state.
func ReadInterruptibility(g GuestState) Interruptibility {
	return Interruptibility{
		Blocking:        g.ReadGuestInterruptibility(),
		InterruptEnable: g.ReadGuestFlags().InterruptEnable,
	}
}
