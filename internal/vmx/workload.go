package vmx

import (
	"math/rand"
	"time"

	"github.com/tinyrange/vlapic/internal/lapic"
)

// RandomWorkload is a synthetic guest that computes for a slice, sometimes
// runs with interrupts disabled, and sometimes halts.
type RandomWorkload struct {
	Rand *rand.Rand
	// Slice is how long one entry runs before a host interrupt.
	Slice time.Duration
	// HaltChance is the probability an entry ends in HLT.
	HaltChance float64
	// MaskChance is the probability an entry runs with IF clear. An STI
	// shadow follows re-enabling.
	MaskChance float64
	// Sleep passes time; nil means time.Sleep.
	Sleep func(time.Duration)

	masked bool
}

// Step implements Workload.
func (w *RandomWorkload) Step(g *Guest) ExitReason {
	if w.masked {
		g.SetInterruptEnable(true)
		g.SetInstructionBlocking(lapic.BlockingSTI)
		w.masked = false
	} else {
		g.SetInstructionBlocking(0)
		if w.Rand.Float64() < w.MaskChance {
			g.SetInterruptEnable(false)
			w.masked = true
		}
	}

	if w.Slice > 0 {
		sleep := w.Sleep
		if sleep == nil {
			sleep = time.Sleep
		}
		sleep(w.Slice)
	}

	if !w.masked && w.Rand.Float64() < w.HaltChance {
		g.SetInstructionBlocking(0)
		return ExitHalt
	}
	return ExitExternalInterrupt
}
