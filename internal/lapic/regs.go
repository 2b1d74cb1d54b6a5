package lapic

import (
	"fmt"
	"math"
	"math/bits"
)

// xAPIC register offsets from the MMIO base. Decoding guest accesses happens
// outside this package; the offsets document the layout the timer model
// follows.
const (
	RegID                 = 0x020
	RegVersion            = 0x030
	RegTaskPriority       = 0x080
	RegProcessorPriority  = 0x0a0
	RegEOI                = 0x0b0
	RegLogicalDestination = 0x0d0
	RegSpuriousVector     = 0x0f0
	RegInService          = 0x100
	RegTriggerMode        = 0x180
	RegInterruptRequest   = 0x200
	RegErrorStatus        = 0x280
	RegLVTCMCI            = 0x2f0
	RegICRLow             = 0x300
	RegICRHigh            = 0x310
	RegLVTTimer           = 0x320
	RegLVTThermal         = 0x330
	RegLVTPerf            = 0x340
	RegLVTLINT0           = 0x350
	RegLVTLINT1           = 0x360
	RegLVTError           = 0x370
	RegInitialCount       = 0x380
	RegCurrentCount       = 0x390
	RegDivideConfig       = 0x3e0
)

// MSRTSCDeadline is IA32_TSC_DEADLINE.
const MSRTSCDeadline = 0x6e0

// DefaultBase is the architectural reset value of IA32_APIC_BASE.
const DefaultBase uint64 = 0xfee00000

// TimerMode is the LVT timer mode field.
type TimerMode uint8

const (
	TimerOneShot     TimerMode = 0
	TimerPeriodic    TimerMode = 1
	TimerTSCDeadline TimerMode = 2
)

func (m TimerMode) String() string {
	switch m {
	case TimerOneShot:
		return "one-shot"
	case TimerPeriodic:
		return "periodic"
	case TimerTSCDeadline:
		return "tsc-deadline"
	default:
		return fmt.Sprintf("TimerMode(%d)", uint8(m))
	}
}

// LVTTimer is the value of the LVT timer register.
type LVTTimer uint32

const (
	lvtMasked    = 1 << 16
	lvtModeShift = 17
	lvtModeMask  = 0x3
)

// NewLVTTimer encodes an LVT timer register value.
func NewLVTTimer(v Vector, mode TimerMode, masked bool) LVTTimer {
	val := uint32(v) | uint32(mode&lvtModeMask)<<lvtModeShift
	if masked {
		val |= lvtMasked
	}
	return LVTTimer(val)
}

func (l LVTTimer) Vector() Vector  { return Vector(l & 0xff) }
func (l LVTTimer) Masked() bool    { return l&lvtMasked != 0 }
func (l LVTTimer) Mode() TimerMode { return TimerMode((uint32(l) >> lvtModeShift) & lvtModeMask) }

// DivisorFromConfig decodes the divide configuration register (bits 0, 1
// and 3) into the bus clock divisor.
func DivisorFromConfig(dcr uint32) uint32 {
	v := (dcr & 0x3) | (dcr&0x8)>>1
	if v == 0x7 {
		return 1
	}
	return 2 << v
}

const nanosPerSecond = 1_000_000_000

// NanosToTSC converts a monotonic nanosecond reading to TSC ticks at hz.
func NanosToTSC(ns int64, hz uint64) uint64 {
	if ns <= 0 || hz == 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(ns), hz)
	if hi >= nanosPerSecond {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, nanosPerSecond)
	return q
}

// TSCToNanos converts TSC ticks at hz to monotonic nanoseconds.
func TSCToNanos(tsc uint64, hz uint64) int64 {
	if hz == 0 {
		return 0
	}
	hi, lo := bits.Mul64(tsc, nanosPerSecond)
	if hi >= hz {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, hz)
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

// CountdownNanos returns the duration of an initial-count countdown at the
// given bus frequency and divide configuration.
func CountdownNanos(initialCount uint32, dcr uint32, busHz uint64) int64 {
	if initialCount == 0 || busHz == 0 {
		return 0
	}
	ticks := uint64(initialCount) * uint64(DivisorFromConfig(dcr))
	return TSCToNanos(ticks, busHz)
}
