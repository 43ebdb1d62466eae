package syncfilter_test

import (
	"math"
	"testing"

	"github.com/rudyberends/sendspin-cli/internal/syncfilter"
)

func TestConvergesToConstantInput(t *testing.T) {
	f := syncfilter.New()
	var last float64
	for i := 0; i < 200; i++ {
		last = f.Update(10_000) // constant 10ms error
	}
	if math.Abs(last-10_000) > 50 {
		t.Errorf("filter did not converge to constant input: got %.1f, want ~10000", last)
	}
	if !f.IsSynchronized() {
		t.Error("expected IsSynchronized true after many updates")
	}
}

func TestRejectsSingleOutlier(t *testing.T) {
	f := syncfilter.New()
	for i := 0; i < 50; i++ {
		f.Update(0)
	}
	before := f.Estimate()
	after := f.Update(50_000) // one wild spike
	if math.Abs(after-before) > math.Abs(50_000-before) {
		t.Error("filter should dampen a single outlier, not jump straight to it")
	}
}

func TestResetClearsState(t *testing.T) {
	f := syncfilter.New()
	for i := 0; i < 50; i++ {
		f.Update(20_000)
	}
	f.Reset()
	if f.IsSynchronized() {
		t.Error("expected IsSynchronized false immediately after Reset")
	}
	if f.Estimate() != 0 {
		t.Errorf("expected estimate 0 after Reset, got %v", f.Estimate())
	}
}

func TestFirstMeasurementIsTrustedHeavily(t *testing.T) {
	f := syncfilter.New()
	got := f.Update(100_000)
	if math.Abs(got-100_000) > 1_000 {
		t.Errorf("first update should track the measurement closely, got %.1f", got)
	}
}
