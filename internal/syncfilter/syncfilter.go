// Package syncfilter implements the scalar Kalman-style smoother that the
// sync corrector feeds raw sync-error measurements through. No library in
// the reference corpus implements a scalar Kalman filter, so this is a
// small, self-contained implementation (see DESIGN.md).
package syncfilter

// measurementNoiseUs2 is the fixed measurement variance corresponding to
// roughly 5ms of per-buffer jitter, expressed as a variance in µs².
const measurementNoiseUs2 = 5_000.0 * 5_000.0

// processNoiseUs2 is a small per-step process variance (the "forget
// factor") that lets the filter track slow drift and react to step changes
// (re-anchors) faster than a long moving average would, while still
// rejecting per-buffer jitter.
const processNoiseUs2 = 200.0 * 200.0

// Filter is a one-dimensional Kalman filter over the signed sync error, in
// microseconds. It is owned by the producer context and updated once per
// successful submit while playing.
type Filter struct {
	estimate     float64
	variance     float64
	acquired     bool
	acquireCount int
}

// acquireThreshold is the number of updates after which the filter is
// considered to have converged enough to report IsSynchronized.
const acquireThreshold = 3

// New returns a Filter with maximal initial uncertainty, so the first
// measurement is trusted almost entirely.
func New() *Filter {
	return &Filter{variance: 1e12}
}

// Update feeds a new raw error measurement (microseconds) through the
// filter and returns the filtered estimate.
func (f *Filter) Update(rawErrorUs float64) float64 {
	// Predict: variance grows by the process noise; the estimate itself is
	// assumed constant between measurements (a random-walk model).
	predictedVariance := f.variance + processNoiseUs2

	// Correct.
	gain := predictedVariance / (predictedVariance + measurementNoiseUs2)
	f.estimate += gain * (rawErrorUs - f.estimate)
	f.variance = (1 - gain) * predictedVariance

	f.acquireCount++
	if f.acquireCount >= acquireThreshold {
		f.acquired = true
	}
	return f.estimate
}

// Estimate returns the current filtered error without consuming a new
// measurement.
func (f *Filter) Estimate() float64 {
	return f.estimate
}

// IsSynchronized reports whether the filter has ingested enough
// measurements to be trusted.
func (f *Filter) IsSynchronized() bool {
	return f.acquired
}

// Reset clears the filter back to its initial, maximally-uncertain state.
// Called on re-anchor so a stale estimate from before the jump does not
// bias the next correction cycle.
func (f *Filter) Reset() {
	f.estimate = 0
	f.variance = 1e12
	f.acquired = false
	f.acquireCount = 0
}
