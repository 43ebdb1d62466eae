package corrector_test

import (
	"testing"

	"github.com/rudyberends/sendspin-cli/internal/corrector"
)

const rate = 44100

func TestDeadbandSuppressesCorrection(t *testing.T) {
	c := corrector.New()
	var cad corrector.Cadence
	var reanchor bool
	for i := 0; i < 10; i++ {
		cad, reanchor = c.Update(1_000, 0, rate, int64(i)*1000)
	}
	if reanchor {
		t.Fatal("small error should never trigger reanchor")
	}
	if cad.InsertEveryN != 0 || cad.DropEveryN != 0 {
		t.Errorf("expected zero cadence within deadband, got %+v", cad)
	}
}

func TestLateTriggersDropCadence(t *testing.T) {
	c := corrector.New()
	var cad corrector.Cadence
	for i := 0; i < 10; i++ {
		// playback position consistently ahead of cursor by 50ms: what we
		// are about to feed is late relative to the DAC.
		cad, _ = c.Update(50_000, 0, rate, int64(i)*1_000_000)
	}
	if cad.DropEveryN == 0 {
		t.Errorf("expected non-zero drop cadence for positive error, got %+v", cad)
	}
	if cad.InsertEveryN != 0 {
		t.Errorf("expected insert cadence to stay zero, got %+v", cad)
	}
}

func TestEarlyTriggersInsertCadence(t *testing.T) {
	c := corrector.New()
	var cad corrector.Cadence
	for i := 0; i < 10; i++ {
		cad, _ = c.Update(0, 50_000, rate, int64(i)*1_000_000)
	}
	if cad.InsertEveryN == 0 {
		t.Errorf("expected non-zero insert cadence for negative error, got %+v", cad)
	}
}

func TestCorrectionRateNeverExceedsCeiling(t *testing.T) {
	c := corrector.New()
	var cad corrector.Cadence
	for i := 0; i < 20; i++ {
		// Huge sustained error just under the reanchor threshold.
		cad, _ = c.Update(499_000, 0, rate, int64(i)*1_000_000)
	}
	if cad.DropEveryN == 0 {
		t.Fatal("expected a drop cadence")
	}
	correctionsPerSec := float64(rate) / float64(cad.DropEveryN)
	maxAllowed := float64(rate) * 0.04
	if correctionsPerSec > maxAllowed*1.01 {
		t.Errorf("correction rate %.1f/s exceeds ceiling %.1f/s", correctionsPerSec, maxAllowed)
	}
}

func TestGrossErrorTriggersReanchor(t *testing.T) {
	c := corrector.New()
	_, reanchor := c.Update(600_000, 0, rate, 0)
	if !reanchor {
		t.Fatal("expected reanchor for error exceeding 500ms threshold")
	}
}

func TestReanchorCooldown(t *testing.T) {
	c := corrector.New()
	_, first := c.Update(600_000, 0, rate, 0)
	if !first {
		t.Fatal("expected first gross error to reanchor")
	}
	// Well within the 5s cooldown.
	_, second := c.Update(600_000, 0, rate, 1_000_000)
	if second {
		t.Error("expected cooldown to suppress a second reanchor within 5s")
	}
	// Past the cooldown.
	_, third := c.Update(600_000, 0, rate, 6_000_001)
	if !third {
		t.Error("expected reanchor to be allowed again after cooldown elapses")
	}
}
