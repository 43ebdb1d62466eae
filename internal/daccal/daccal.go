// Package daccal implements the DAC calibrator: a bounded ring of recent
// (dac_time, host_time) pairs sampled once per audio callback, offering
// slope-clamped linear estimators in both directions. It is written
// exclusively by the audio callback and read by the producer without
// locking — the producer only ever reads the two most recent entries and
// tolerates a stale pair, so no synchronization is required beyond the
// atomics guarding the ring's write cursor.
package daccal

import "sync/atomic"

// ringSize bounds how many (dac, host) pairs are retained. Matches the
// ≈100-pair ring described for the calibrator.
const ringSize = 100

const (
	clampMin = 0.999
	clampMax = 1.001
)

// pair is one calibration sample.
type pair struct {
	dacUs  int64
	hostUs int64
}

// Calibrator maintains the DAC-time/host-time ring and the two-point slope
// estimator built from its most recent entries.
type Calibrator struct {
	ring  [ringSize]pair
	count atomic.Int64 // total pairs ever pushed; index = count % ringSize
}

// New returns an empty Calibrator.
func New() *Calibrator {
	return &Calibrator{}
}

// Push records a new (dacUs, hostUs) sample, evicting the oldest entry once
// the ring is full. Called once per audio callback from the callback
// context; never allocates.
func (c *Calibrator) Push(dacUs, hostUs int64) {
	n := c.count.Add(1) - 1
	c.ring[n%ringSize] = pair{dacUs: dacUs, hostUs: hostUs}
}

// latestTwo returns the two most recent pairs pushed, newest first. ok is
// false if fewer than one pair has ever been pushed.
func (c *Calibrator) latestTwo() (ref, prev pair, haveTwo, ok bool) {
	n := c.count.Load()
	if n == 0 {
		return pair{}, pair{}, false, false
	}
	ref = c.ring[(n-1)%ringSize]
	if n == 1 {
		return ref, pair{}, false, true
	}
	prev = c.ring[(n-2)%ringSize]
	return ref, prev, true, true
}

// slope returns the clamped dac-per-host derivative from the two most
// recent pairs, or 1.0 if fewer than two pairs are available.
func (c *Calibrator) slope(ref, prev pair, haveTwo bool) float64 {
	if !haveTwo || ref.hostUs == prev.hostUs {
		return 1.0
	}
	s := float64(ref.dacUs-prev.dacUs) / float64(ref.hostUs-prev.hostUs)
	if s < clampMin {
		return clampMin
	}
	if s > clampMax {
		return clampMax
	}
	return s
}

// Available reports whether at least one calibration sample has been
// pushed, i.e. whether DAC-gated estimates can be produced at all.
func (c *Calibrator) Available() bool {
	return c.count.Load() > 0
}

// HostToDac estimates the DAC time corresponding to host monotonic time
// hostQ, by extrapolating from the two most recent calibration pairs with a
// slope clamped to [0.999, 1.001]. The second return value is false if no
// calibration data exists yet.
func (c *Calibrator) HostToDac(hostQ int64) (int64, bool) {
	ref, prev, haveTwo, ok := c.latestTwo()
	if !ok {
		return 0, false
	}
	s := c.slope(ref, prev, haveTwo)
	return ref.dacUs + int64(float64(hostQ-ref.hostUs)*s), true
}

// DacToHost is the inverse of HostToDac: it estimates the host monotonic
// time at which dacQ will be (or was) converted by the DAC.
func (c *Calibrator) DacToHost(dacQ int64) (int64, bool) {
	ref, prev, haveTwo, ok := c.latestTwo()
	if !ok {
		return 0, false
	}
	s := c.slope(ref, prev, haveTwo)
	return ref.hostUs + int64(float64(dacQ-ref.dacUs)/s), true
}
