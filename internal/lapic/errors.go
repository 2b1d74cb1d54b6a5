package lapic

import "errors"

var (
	// ErrTimerArmed is the panic value (wrapped) when a Lapic is destroyed
	// before its timer was cancelled.
	ErrTimerArmed = errors.New("lapic: timer still armed")
	// ErrDestroyed is returned by operations on a destroyed Lapic.
	ErrDestroyed          = errors.New("lapic: destroyed")
	ErrSnapshotVersion    = errors.New("lapic: incompatible snapshot version")
	ErrInvalidTimerVector = errors.New("lapic: timer vector is not maskable")
)
