// Package clockmap implements the pure server/client time mapping consulted
// by both the scheduler and the sync corrector. It owns no state beyond the
// parameters supplied by the external time-sync estimator (offset, skew,
// static delay) and is safe to call from the audio callback: every method is
// non-blocking arithmetic over atomically-stored parameters.
package clockmap

import (
	"math"
	"sync/atomic"
)

// clampMin and clampMax bound the derivative of the mapping functions to
// within 0.1% of unity, matching the calibrator's own clamp (internal/daccal).
const (
	clampMin = 0.999
	clampMax = 1.001
)

// params is the atomically-swapped parameter set behind a Mapper. skew is
// stored pre-clamped so to_client/to_server never need to clamp per call.
type params struct {
	offsetUs      int64
	skew          float64
	staticDelayUs int64
}

// Mapper converts between the server's capture clock and the client's local
// monotonic clock. Updates arrive from a separate protocol exchange (the
// clock_update message) and are applied atomically; readers never block and
// never observe a torn update.
type Mapper struct {
	p atomic.Pointer[params]
}

// New returns a Mapper initialized to the identity mapping (no offset, unity
// skew, no static delay).
func New() *Mapper {
	m := &Mapper{}
	m.p.Store(&params{skew: 1.0})
	return m
}

// Update replaces the mapper's parameters. offsetUs and skew describe
// monotonic_us ≈ server_us*skew + offsetUs; skew is clamped to
// [0.999, 1.001] before being stored so a bad estimate from the time-sync
// exchange cannot make the mapper non-monotonic or wildly extrapolating.
func (m *Mapper) Update(offsetUs int64, skew float64, staticDelayMs int64) {
	if math.IsNaN(skew) || math.IsInf(skew, 0) {
		skew = 1.0
	}
	if skew < clampMin {
		skew = clampMin
	} else if skew > clampMax {
		skew = clampMax
	}
	m.p.Store(&params{
		offsetUs:      offsetUs,
		skew:          skew,
		staticDelayUs: staticDelayMs * 1000,
	})
}

// StaticDelayMs returns the currently configured static delay in milliseconds.
func (m *Mapper) StaticDelayMs() int64 {
	return m.p.Load().staticDelayUs / 1000
}

// ToClient maps a server timestamp (microseconds) to the corresponding
// client monotonic timestamp (microseconds), including the static delay.
func (m *Mapper) ToClient(serverUs int64) int64 {
	p := m.p.Load()
	return int64(float64(serverUs)*p.skew) + p.offsetUs + p.staticDelayUs
}

// ToServer maps a client monotonic timestamp (microseconds) to the
// corresponding server timestamp (microseconds). It is the algebraic inverse
// of ToClient for the same parameter snapshot: monotonic_us = server_us*skew
// + offset + delay, so server_us = (monotonic_us - offset - delay) / skew.
func (m *Mapper) ToServer(monotonicUs int64) int64 {
	p := m.p.Load()
	return int64((float64(monotonicUs) - float64(p.offsetUs) - float64(p.staticDelayUs)) / p.skew)
}
