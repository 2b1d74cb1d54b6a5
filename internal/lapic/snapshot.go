package lapic

import (
	"encoding/gob"
	"fmt"
	"io"

	"golang.org/x/mod/semver"
)

// SnapshotVersion is the format written by Save. Restore accepts any
// snapshot with the same major version.
const SnapshotVersion = "v1.1.0"

// Snapshot is the migratable state of a Lapic.
type Snapshot struct {
	Version     string
	Base        uint64
	Pending     [4]uint64
	InService   [4]uint64
	TimerVector uint8
	Timer       TimerSnapshot
}

// TimerSnapshot is the timer programming inside a Snapshot. Backing host
// or hardware timers are not part of it; Restore re-arms in software.
type TimerSnapshot struct {
	Mode            TimerMode
	Armed           bool
	Deadline        int64
	Period          int64
	TSCDeadline     uint64
	ExpiredPending  bool
	ExpiredDeadline int64
	// Added in v1.1.0.
	MissedPeriods uint64
}

// Save captures the current state.
func (l *Lapic) Save() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Version:     SnapshotVersion,
		Base:        l.base,
		Pending:     l.irr.Words(),
		InService:   l.isr.Words(),
		TimerVector: uint8(l.timerVector),
		Timer: TimerSnapshot{
			Mode:            l.timer.mode,
			Armed:           l.timer.armed,
			Deadline:        l.timer.deadline,
			Period:          l.timer.period,
			TSCDeadline:     l.timer.tscDeadline,
			ExpiredPending:  l.timer.Pending(),
			ExpiredDeadline: l.timer.expiredDeadline,
			MissedPeriods:   l.timer.missed,
		},
	}
}

// Restore replaces the current state with s. Any armed timer is cancelled
// first, so Restore must not be called with the per-vCPU lock held.
func (l *Lapic) Restore(s Snapshot) error {
	if !semver.IsValid(s.Version) || semver.Major(s.Version) != semver.Major(SnapshotVersion) {
		return fmt.Errorf("%w: %q (want %s)", ErrSnapshotVersion, s.Version, semver.Major(SnapshotVersion))
	}
	tv := Vector(s.TimerVector)
	if !tv.IsMaskable() {
		return fmt.Errorf("%w: %v", ErrInvalidTimerVector, tv)
	}

	l.CancelTimer()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return ErrDestroyed
	}
	l.base = s.Base
	l.irr.Load(s.Pending)
	l.isr.Load(s.InService)
	l.highestISR = isrCacheInvalid
	l.timerVector = tv
	l.arbiter.Reset()

	t := &l.timer
	t.expiredDeadline = s.Timer.ExpiredDeadline
	t.expiredTSCDeadline = NanosToTSC(s.Timer.ExpiredDeadline, t.tscHz)
	if !s.Timer.Armed {
		return nil
	}
	if s.Timer.ExpiredPending {
		t.mode = s.Timer.Mode
		t.deadline = s.Timer.Deadline
		t.period = s.Timer.Period
		t.tscDeadline = s.Timer.TSCDeadline
		t.missed = s.Timer.MissedPeriods
		t.armed = true
		t.pending.Store(1)
		return nil
	}
	if err := t.armLocked(s.Timer.Mode, s.Timer.Deadline, s.Timer.Period, s.Timer.TSCDeadline); err != nil {
		return fmt.Errorf("lapic: restore timer: %w", err)
	}
	t.missed = s.Timer.MissedPeriods
	return nil
}

// Encode writes s with encoding/gob.
func (s Snapshot) Encode(w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("lapic: encode snapshot: %w", err)
	}
	return nil
}

// DecodeSnapshot reads a snapshot written by Snapshot.Encode.
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	var s Snapshot
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("lapic: decode snapshot: %w", err)
	}
	return s, nil
}
