package lapic

import (
	"log/slog"

	"github.com/tinyrange/vlapic/internal/hosttimer"
	"github.com/tinyrange/vlapic/internal/trace"
)

// DefaultTSCFrequency is used when no TSC frequency is configured.
const DefaultTSCFrequency uint64 = 1_000_000_000

// DefaultMinTimerPeriod is the shortest periodic timer interval, in
// nanoseconds, unless WithMinTimerPeriod says otherwise.
const DefaultMinTimerPeriod int64 = 50_000

// Option configures a Lapic.
type Option func(*Lapic)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(l *Lapic) {
		if log != nil {
			l.log = log
		}
	}
}

// WithClock sets the monotonic clock deadlines are measured against.
func WithClock(c hosttimer.Clock) Option {
	return func(l *Lapic) { l.clock = c }
}

// WithHostTimer sets the service software timers are armed on.
func WithHostTimer(s hosttimer.Service) Option {
	return func(l *Lapic) { l.timer.host = s }
}

// WithHardwareTimer sets the hardware deadline timer used for offload.
func WithHardwareTimer(hw HardwareTimer) Option {
	return func(l *Lapic) { l.timer.hw = hw }
}

// WithOffload enables or disables hardware offload. It is enabled by default
// when a hardware timer is configured.
func WithOffload(enabled bool) Option {
	return func(l *Lapic) {
		l.timer.offload = enabled
		l.offloadSet = true
	}
}

// WithTSCFrequency sets the guest TSC frequency in Hz.
func WithTSCFrequency(hz uint64) Option {
	return func(l *Lapic) { l.timer.tscHz = hz }
}

// WithRetirePolicy sets the retirement policy of the arbiter.
func WithRetirePolicy(p RetirePolicy) Option {
	return func(l *Lapic) { l.policy = p }
}

// WithTimerVector sets the vector the timer asserts on expiry.
func WithTimerVector(v Vector) Option {
	return func(l *Lapic) { l.timerVector = v }
}

// WithWaker sets what is signalled when the vCPU must re-evaluate pending
// interrupts.
func WithWaker(w Waker) Option {
	return func(l *Lapic) { l.waker = w }
}

// WithTracer records interrupt and timer events to s.
func WithTracer(s trace.Sink) Option {
	return func(l *Lapic) { l.tracer = s }
}

// WithCPU sets the vCPU index used in trace records and log attributes.
func WithCPU(id uint16) Option {
	return func(l *Lapic) { l.cpu = id }
}

// WithMinTimerPeriod sets the shortest periodic interval in nanoseconds.
// Shorter programmed periods are raised to it.
func WithMinTimerPeriod(ns int64) Option {
	return func(l *Lapic) { l.minPeriod = ns }
}
