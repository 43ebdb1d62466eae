// Package corrector implements the sync corrector: the closed loop that
// smooths the raw playback-position/server-cursor error and programs the
// insert/drop cadence the callback core applies, with deadband, proportional
// correction, and gross-desync re-anchor tiers.
package corrector

import (
	"log/slog"
	"math"

	"github.com/rudyberends/sendspin-cli/internal/syncfilter"
)

const (
	deadbandUs         = 2_000
	reanchorThreshold  = 500_000
	reanchorCooldownUs = 5_000_000
	correctionTargetS  = 2.0
	maxCorrectionRate  = 0.04

	// logIntervalUs rate-limits the sync-error debug line so a steady
	// drift doesn't spam the log once per buffer.
	logIntervalUs = 2_000_000
)

// Cadence is the insert/drop programming the callback core snapshots once
// per buffer. At most one of the two fields is non-zero.
type Cadence struct {
	InsertEveryN uint32
	DropEveryN   uint32
}

// Corrector owns the sync filter and re-anchor cooldown bookkeeping. It is
// exclusively used by the producer context.
type Corrector struct {
	filter             *syncfilter.Filter
	lastReanchorHostUs int64
	haveReanchored     bool
	lastLogHostUs      int64
}

// New returns a Corrector with a fresh sync filter.
func New() *Corrector {
	return &Corrector{filter: syncfilter.New()}
}

// Reset clears the filter and re-anchor cooldown, used when the engine
// itself re-anchors for reasons other than a corrector-triggered one (e.g.
// a format change).
func (c *Corrector) Reset() {
	c.filter.Reset()
	c.haveReanchored = false
}

// Update runs one cycle of the correction loop given the current playback
// position (server timestamp emerging from the DAC) and server cursor
// (server timestamp of the next frame to be read), the stream's sample
// rate, and the current host monotonic time (for cooldown bookkeeping). It
// returns the cadence to program and whether a re-anchor should be
// triggered; when reanchor is true the cadence is always zero and the
// caller is responsible for driving the PlaybackState transition.
func (c *Corrector) Update(playbackPositionUs, serverCursorUs int64, rateHz uint32, nowHostUs int64) (Cadence, bool) {
	rawError := float64(playbackPositionUs - serverCursorUs)
	e := c.filter.Update(rawError)

	if nowHostUs-c.lastLogHostUs > logIntervalUs {
		c.lastLogHostUs = nowHostUs
		slog.Debug("corrector: sync error", "raw_error_us", rawError, "filtered_error_us", e, "synchronized", c.filter.IsSynchronized())
	}

	if math.Abs(e) <= deadbandUs {
		return Cadence{}, false
	}

	if math.Abs(e) > reanchorThreshold {
		cooldownElapsed := !c.haveReanchored || nowHostUs-c.lastReanchorHostUs > reanchorCooldownUs
		if cooldownElapsed {
			c.lastReanchorHostUs = nowHostUs
			c.haveReanchored = true
			c.filter.Reset()
			return Cadence{}, true
		}
	}

	framesError := math.Abs(e) * float64(rateHz) / 1_000_000
	desiredPerS := framesError / correctionTargetS
	maxPerS := float64(rateHz) * maxCorrectionRate
	correctionsPerS := math.Min(desiredPerS, maxPerS)
	if correctionsPerS <= 0 {
		return Cadence{}, false
	}
	interval := uint32(float64(rateHz) / correctionsPerS)
	if interval < 1 {
		interval = 1
	}

	if e > 0 {
		return Cadence{DropEveryN: interval}, false
	}
	return Cadence{InsertEveryN: interval}, false
}
