package lapic

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/vlapic/internal/hosttimer"
)

// fakeGuest records injections and window requests.
type fakeGuest struct {
	mu sync.Mutex

	blocking  Blocking
	ifFlag    bool
	injectErr error

	injected      []Vector
	windowCalls   []bool
	windowEnabled bool
}

func newFakeGuest() *fakeGuest { return &fakeGuest{ifFlag: true} }

func (g *fakeGuest) ReadGuestInterruptibility() Blocking {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocking
}

func (g *fakeGuest) ReadGuestFlags() GuestFlags {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GuestFlags{InterruptEnable: g.ifFlag}
}

func (g *fakeGuest) InjectVector(v Vector) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.injectErr != nil {
		return g.injectErr
	}
	g.injected = append(g.injected, v)
	return nil
}

func (g *fakeGuest) RequestInterruptWindowExit(enable bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windowCalls = append(g.windowCalls, enable)
	g.windowEnabled = enable
	return nil
}

func (g *fakeGuest) setMasking(b Blocking, ifFlag bool) {
	g.mu.Lock()
	g.blocking = b
	g.ifFlag = ifFlag
	g.mu.Unlock()
}

func (g *fakeGuest) injections() []Vector {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Vector(nil), g.injected...)
}

// fakeHardwareTimer accepts deadlines while accept is set.
type fakeHardwareTimer struct {
	accept   bool
	deadline uint64
	active   bool
	accepts  int
	cancels  int
}

func (h *fakeHardwareTimer) TryAcceptDeadline(tsc uint64) bool {
	if !h.accept {
		return false
	}
	h.deadline = tsc
	h.active = true
	h.accepts++
	return true
}

func (h *fakeHardwareTimer) CancelDeadline() {
	h.active = false
	h.cancels++
}

var errInject = errors.New("inject failed")

type testLapic struct {
	*Lapic
	clock *hosttimer.ManualClock
	host  *hosttimer.ManualService
	wakes int
	mu    sync.Mutex
}

func (tl *testLapic) wakeCount() int {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.wakes
}

func newTestLapic(t *testing.T, opts ...Option) *testLapic {
	t.Helper()
	tl := &testLapic{
		clock: hosttimer.NewManualClock(1_000_000),
		host:  &hosttimer.ManualService{},
	}
	base := []Option{
		WithClock(tl.clock),
		WithHostTimer(tl.host),
		WithMinTimerPeriod(1),
		WithWaker(WakerFunc(func() {
			tl.mu.Lock()
			tl.wakes++
			tl.mu.Unlock()
		})),
	}
	l, err := New(DefaultBase, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new lapic: %v", err)
	}
	tl.Lapic = l
	t.Cleanup(func() {
		l.CancelTimer()
		l.Destroy()
	})
	return tl
}
