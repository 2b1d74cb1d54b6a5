package lapic

import (
	"fmt"
	"log/slog"
)

// OutcomeKind classifies the result of one arbitration pass.
type OutcomeKind uint8

const (
	// OutcomeIdle means nothing was pending.
	OutcomeIdle OutcomeKind = iota
	// OutcomeInjected means Vector was handed to the injector.
	OutcomeInjected
	// OutcomeDeferred means Vector is pending but blocked by guest masking.
	OutcomeDeferred
	// OutcomeRejected means Vector is illegal and was dropped.
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeIdle:
		return "idle"
	case OutcomeInjected:
		return "injected"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", uint8(k))
	}
}

// Outcome is the result of Arbiter.Arbitrate.
type Outcome struct {
	Kind   OutcomeKind
	Vector Vector
}

func (o Outcome) String() string {
	if o.Kind == OutcomeIdle {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s(%v)", o.Kind, o.Vector)
}

// RetirePolicy selects what happens to the other pending maskable vectors
// once a maskable vector is delivered.
type RetirePolicy uint8

const (
	// RetireHold leaves every other pending interrupt pending.
	RetireHold RetirePolicy = iota
	// RetireClass drops the pending vectors above the delivered one within
	// its 16-vector priority class.
	RetireClass
)

func (p RetirePolicy) String() string {
	switch p {
	case RetireHold:
		return "hold"
	case RetireClass:
		return "class"
	default:
		return fmt.Sprintf("RetirePolicy(%d)", uint8(p))
	}
}

// ParseRetirePolicy parses the names produced by RetirePolicy.String.
func ParseRetirePolicy(s string) (RetirePolicy, error) {
	switch s {
	case "", "hold":
		return RetireHold, nil
	case "class":
		return RetireClass, nil
	default:
		return RetireHold, fmt.Errorf("lapic: unknown retire policy %q", s)
	}
}

// Arbiter picks the vector to inject on a VM entry. It keeps track of
// whether an interrupt-window exit is outstanding so that a blocked guest is
// asked for one only once.
//
// An Arbiter is not safe for concurrent use; Lapic serializes it under its
// lock.
type Arbiter struct {
	policy RetirePolicy
	log    *slog.Logger

	windowRequested bool
}

// NewArbiter returns an arbiter using policy. A nil logger means slog.Default.
func NewArbiter(policy RetirePolicy, log *slog.Logger) *Arbiter {
	if log == nil {
		log = slog.Default()
	}
	return &Arbiter{policy: policy, log: log}
}

// WindowRequested reports whether an interrupt-window exit is outstanding.
func (a *Arbiter) WindowRequested() bool { return a.windowRequested }

// Reset forgets an outstanding window request, for a guest whose controls
// were replaced and no longer carry it.
func (a *Arbiter) Reset() { a.windowRequested = false }

// Arbitrate selects at most one vector from pending and injects it if the
// guest masking state allows. It never blocks.
//
// NMI is examined first. Otherwise the lowest pending vector wins; this is a
// simplification of the architectural highest-class-first rule.
func (a *Arbiter) Arbitrate(pending *PendingVectorSet, masking Interruptibility, inj Injector) (Outcome, error) {
	nmi := pending.Test(VectorNMI)
	if nmi && masking.CanInjectNMI() {
		return a.deliver(pending, VectorNMI, inj)
	}

	v, ok := pending.ScanLowest()
	if ok && v == VectorNMI {
		v, ok = pending.ScanLowestFrom(int(VectorNMI) + 1)
	}
	if !ok {
		if nmi {
			return a.hold(VectorNMI, inj)
		}
		return a.idle(inj)
	}

	if v.IsReserved() {
		pending.TestAndClear(v)
		a.log.Error("lapic: rejecting reserved vector", "vector", v)
		return Outcome{Kind: OutcomeRejected, Vector: v}, nil
	}

	if !masking.CanInject(v) {
		return a.hold(v, inj)
	}
	return a.deliver(pending, v, inj)
}

func (a *Arbiter) deliver(pending *PendingVectorSet, v Vector, inj Injector) (Outcome, error) {
	if !pending.TestAndClear(v) {
		return a.idle(inj)
	}
	if err := inj.InjectVector(v); err != nil {
		pending.Set(v)
		return Outcome{}, fmt.Errorf("lapic: inject vector %v: %w", v, err)
	}

	switch {
	case v == VectorNMI || v.IsException():
		// Lower priority exceptions are discarded; they are re-generated
		// when the handler returns to the faulting instruction.
		pending.ClearRange(0, int(VectorNMI))
		pending.ClearRange(int(VectorNMI)+1, int(VectorVirtualization)+1)
	case a.policy == RetireClass:
		pending.ClearRange(int(v)+1, int(v.Class()+1)*16)
	}

	if err := a.closeWindow(inj); err != nil {
		return Outcome{Kind: OutcomeInjected, Vector: v}, err
	}
	return Outcome{Kind: OutcomeInjected, Vector: v}, nil
}

func (a *Arbiter) hold(v Vector, inj Injector) (Outcome, error) {
	if !a.windowRequested {
		if err := inj.RequestInterruptWindowExit(true); err != nil {
			return Outcome{}, fmt.Errorf("lapic: request interrupt window: %w", err)
		}
		a.windowRequested = true
	}
	return Outcome{Kind: OutcomeDeferred, Vector: v}, nil
}

func (a *Arbiter) idle(inj Injector) (Outcome, error) {
	if err := a.closeWindow(inj); err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeIdle}, nil
}

func (a *Arbiter) closeWindow(inj Injector) error {
	if !a.windowRequested {
		return nil
	}
	if err := inj.RequestInterruptWindowExit(false); err != nil {
		return fmt.Errorf("lapic: clear interrupt window: %w", err)
	}
	a.windowRequested = false
	return nil
}
