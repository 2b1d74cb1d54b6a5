package lapic

import (
	"errors"
	"testing"
)

func TestArbiterIdle(t *testing.T) {
	var s PendingVectorSet
	g := newFakeGuest()
	a := NewArbiter(RetireHold, nil)
	for i := 0; i < 2; i++ {
		out, err := a.Arbitrate(&s, Open, g)
		if err != nil {
			t.Fatalf("arbitrate: %v", err)
		}
		if out.Kind != OutcomeIdle {
			t.Fatalf("expected idle, got %v", out)
		}
	}
	if len(g.injected) != 0 || len(g.windowCalls) != 0 {
		t.Fatalf("expected no side effects, got injected=%v window=%v", g.injected, g.windowCalls)
	}
}

func TestArbiterRejectsReservedVectors(t *testing.T) {
	for v := Vector(21); v <= 31; v++ {
		var s PendingVectorSet
		s.Set(v)
		g := newFakeGuest()
		out, err := NewArbiter(RetireHold, nil).Arbitrate(&s, Open, g)
		if err != nil {
			t.Fatalf("arbitrate %v: %v", v, err)
		}
		if out.Kind != OutcomeRejected || out.Vector != v {
			t.Fatalf("expected Rejected(%v), got %v", v, out)
		}
		if len(g.injected) != 0 {
			t.Fatalf("reserved vector %v was injected", v)
		}
		if s.Test(v) {
			t.Fatalf("reserved vector %v left pending", v)
		}
	}
}

func TestArbiterNMIFirst(t *testing.T) {
	var s PendingVectorSet
	s.Set(VectorDivideError)
	s.Set(VectorNMI)
	s.Set(0x30)
	g := newFakeGuest()
	a := NewArbiter(RetireHold, nil)

	out, err := a.Arbitrate(&s, Open, g)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Kind != OutcomeInjected || out.Vector != VectorNMI {
		t.Fatalf("expected Injected(NMI), got %v", out)
	}
	// Lower priority exceptions are discarded after an NMI.
	if s.Test(VectorDivideError) {
		t.Fatalf("expected #DE to be discarded")
	}
	if !s.Test(0x30) {
		t.Fatalf("expected 0x30 to stay pending")
	}
}

func TestArbiterDefersOnceWhileMasked(t *testing.T) {
	var s PendingVectorSet
	s.Set(0x40)
	g := newFakeGuest()
	a := NewArbiter(RetireHold, nil)
	masked := Interruptibility{InterruptEnable: false}

	for i := 0; i < 3; i++ {
		out, err := a.Arbitrate(&s, masked, g)
		if err != nil {
			t.Fatalf("arbitrate: %v", err)
		}
		if out.Kind != OutcomeDeferred || out.Vector != 0x40 {
			t.Fatalf("expected Deferred(0x40), got %v", out)
		}
	}
	if len(g.windowCalls) != 1 || !g.windowCalls[0] {
		t.Fatalf("expected one window request, got %v", g.windowCalls)
	}
	if !s.Test(0x40) {
		t.Fatalf("expected 0x40 to stay pending")
	}

	out, err := a.Arbitrate(&s, Open, g)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Kind != OutcomeInjected || out.Vector != 0x40 {
		t.Fatalf("expected Injected(0x40), got %v", out)
	}
	if g.windowEnabled || a.WindowRequested() {
		t.Fatalf("expected window exiting to be cleared after injection")
	}
	if !s.IsEmpty() {
		t.Fatalf("expected empty pending set, got %v", s.Vectors())
	}
}

func TestArbiterMaskingMatrix(t *testing.T) {
	tests := []struct {
		name    string
		masking Interruptibility
		vector  Vector
		want    OutcomeKind
	}{
		{"maskable open", Open, 0x40, OutcomeInjected},
		{"maskable if clear", Interruptibility{}, 0x40, OutcomeDeferred},
		{"maskable sti", Interruptibility{Blocking: BlockingSTI, InterruptEnable: true}, 0x40, OutcomeDeferred},
		{"maskable mov ss", Interruptibility{Blocking: BlockingMovSS, InterruptEnable: true}, 0x40, OutcomeDeferred},
		{"maskable nmi blocking", Interruptibility{Blocking: BlockingNMI, InterruptEnable: true}, 0x40, OutcomeInjected},
		{"nmi if clear", Interruptibility{}, VectorNMI, OutcomeInjected},
		{"nmi sti", Interruptibility{Blocking: BlockingSTI}, VectorNMI, OutcomeInjected},
		{"nmi blocked", Interruptibility{Blocking: BlockingNMI, InterruptEnable: true}, VectorNMI, OutcomeDeferred},
		{"nmi mov ss", Interruptibility{Blocking: BlockingMovSS, InterruptEnable: true}, VectorNMI, OutcomeDeferred},
		{"exception if clear", Interruptibility{}, VectorPageFault, OutcomeInjected},
		{"exception sti", Interruptibility{Blocking: BlockingSTI}, VectorGeneralProtection, OutcomeInjected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s PendingVectorSet
			s.Set(tt.vector)
			out, err := NewArbiter(RetireHold, nil).Arbitrate(&s, tt.masking, newFakeGuest())
			if err != nil {
				t.Fatalf("arbitrate: %v", err)
			}
			if out.Kind != tt.want || out.Vector != tt.vector {
				t.Fatalf("expected %v(%v), got %v", tt.want, tt.vector, out)
			}
		})
	}
}

func TestArbiterBlockedNMIFallsThroughToMaskable(t *testing.T) {
	var s PendingVectorSet
	s.Set(VectorNMI)
	s.Set(0x41)
	g := newFakeGuest()
	masking := Interruptibility{Blocking: BlockingNMI, InterruptEnable: true}

	out, err := NewArbiter(RetireHold, nil).Arbitrate(&s, masking, g)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Kind != OutcomeInjected || out.Vector != 0x41 {
		t.Fatalf("expected Injected(0x41), got %v", out)
	}
	if !s.Test(VectorNMI) {
		t.Fatalf("expected NMI to stay pending")
	}
}

func TestArbiterLowestVectorWins(t *testing.T) {
	var s PendingVectorSet
	s.Set(0x80)
	s.Set(0x31)
	g := newFakeGuest()
	out, err := NewArbiter(RetireHold, nil).Arbitrate(&s, Open, g)
	if err != nil {
		t.Fatalf("arbitrate: %v", err)
	}
	if out.Vector != 0x31 {
		t.Fatalf("expected 0x31 first, got %v", out)
	}
}

func TestArbiterRetirePolicies(t *testing.T) {
	tests := []struct {
		policy RetirePolicy
		want   []Vector
	}{
		{RetireHold, []Vector{0x43, 0x4f, 0x50}},
		{RetireClass, []Vector{0x50}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			var s PendingVectorSet
			for _, v := range []Vector{0x41, 0x43, 0x4f, 0x50} {
				s.Set(v)
			}
			out, err := NewArbiter(tt.policy, nil).Arbitrate(&s, Open, newFakeGuest())
			if err != nil {
				t.Fatalf("arbitrate: %v", err)
			}
			if out.Vector != 0x41 {
				t.Fatalf("expected 0x41, got %v", out)
			}
			got := s.Vectors()
			if len(got) != len(tt.want) {
				t.Fatalf("expected pending %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected pending %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestArbiterInjectFailureRestoresPending(t *testing.T) {
	var s PendingVectorSet
	s.Set(0x60)
	g := newFakeGuest()
	g.injectErr = errInject

	_, err := NewArbiter(RetireHold, nil).Arbitrate(&s, Open, g)
	if !errors.Is(err, errInject) {
		t.Fatalf("expected wrapped inject error, got %v", err)
	}
	if !s.Test(0x60) {
		t.Fatalf("expected 0x60 pending again after failed injection")
	}
}

func TestParseRetirePolicy(t *testing.T) {
	for _, p := range []RetirePolicy{RetireHold, RetireClass} {
		got, err := ParseRetirePolicy(p.String())
		if err != nil || got != p {
			t.Fatalf("ParseRetirePolicy(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParseRetirePolicy("drop-all"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
