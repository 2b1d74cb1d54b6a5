package lapic

import "fmt"

// Vector identifies an interrupt or exception entry in the guest IDT.
type Vector uint8

// Architectural exception vectors and the platform/local APIC layout.
const (
	VectorDivideError        Vector = 0x00
	VectorDebug              Vector = 0x01
	VectorNMI                Vector = 0x02
	VectorBreakpoint         Vector = 0x03
	VectorOverflow           Vector = 0x04
	VectorBoundRange         Vector = 0x05
	VectorInvalidOpcode      Vector = 0x06
	VectorDeviceNotAvailable Vector = 0x07
	VectorDoubleFault        Vector = 0x08
	VectorInvalidTSS         Vector = 0x0a
	VectorSegmentNotPresent  Vector = 0x0b
	VectorStackFault         Vector = 0x0c
	VectorGeneralProtection  Vector = 0x0d
	VectorPageFault          Vector = 0x0e
	VectorFPUError           Vector = 0x10
	VectorAlignmentCheck     Vector = 0x11
	VectorMachineCheck       Vector = 0x12
	VectorSIMDError          Vector = 0x13
	// VectorVirtualization is the last exception vector used by this model;
	// everything above it up to VectorMaxIntelDefined is reserved.
	VectorVirtualization  Vector = 0x14
	VectorMaxIntelDefined Vector = 0x1f

	VectorPlatformBase Vector = 0x20
	VectorPlatformMax  Vector = 0xef

	VectorSpurious      Vector = 0xf0
	VectorTimer         Vector = 0xf1
	VectorError         Vector = 0xf2
	VectorPMI           Vector = 0xf3
	VectorIPIGeneric    Vector = 0xf4
	VectorIPIReschedule Vector = 0xf5
	VectorIPIInterrupt  Vector = 0xf6
	VectorIPIHalt       Vector = 0xf7

	VectorMax Vector = 0xff
)

// NumVectors is the width of the vector space.
const NumVectors = 256

// IsReserved reports whether v lies strictly between the virtualization
// exception and the platform base. Such vectors are never injected.
func (v Vector) IsReserved() bool {
	return v > VectorVirtualization && v < VectorPlatformBase
}

// IsException reports whether v is an architectural exception other than NMI.
// Exceptions are not subject to RFLAGS.IF or STI blocking.
func (v Vector) IsException() bool {
	return v <= VectorVirtualization && v != VectorNMI
}

// IsMaskable reports whether delivery of v depends on RFLAGS.IF.
func (v Vector) IsMaskable() bool {
	return v >= VectorPlatformBase
}

// Class returns the 16-vector priority class of v.
func (v Vector) Class() uint8 {
	return uint8(v) >> 4
}

func (v Vector) String() string {
	switch v {
	case VectorNMI:
		return "nmi"
	case VectorSpurious:
		return "spurious"
	case VectorTimer:
		return "timer"
	case VectorError:
		return "error"
	}
	return fmt.Sprintf("0x%02x", uint8(v))
}
