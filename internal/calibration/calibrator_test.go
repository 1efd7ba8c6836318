package calibration

import (
	"testing"

	"consensus-trading-bot/internal/models"
)

func seedBucket(c *Calibrator, raw float64, wins, losses int) {
	for i := 0; i < wins; i++ {
		c.Observe(raw, true)
	}
	for i := 0; i < losses; i++ {
		c.Observe(raw, false)
	}
}

// TestFallbackWhenThin verifies raw confidence passes through unchanged with
// the uncalibrated flag when a bucket has too few samples
func TestFallbackWhenThin(t *testing.T) {
	c := NewCalibrator(Config{BucketSize: 5, WindowSize: 100, MinSamples: 20})

	c.Observe(72, true)
	c.Observe(72, false)

	res := c.Calibrate(72)
	if !res.Uncalibrated {
		t.Error("Expected uncalibrated flag with 2 samples")
	}
	if res.Confidence != 72 {
		t.Errorf("Expected raw passthrough 72, got %.2f", res.Confidence)
	}
}

// TestCalibratedBucketUsesWinRate verifies a populated bucket maps to its
// observed win rate
func TestCalibratedBucketUsesWinRate(t *testing.T) {
	c := NewCalibrator(Config{BucketSize: 5, WindowSize: 100, MinSamples: 20})

	seedBucket(c, 82, 15, 10) // 60% win rate

	res := c.Calibrate(83)
	if res.Uncalibrated {
		t.Fatal("Bucket has 25 samples, should be calibrated")
	}
	if res.Confidence != 60 {
		t.Errorf("Expected 60, got %.2f", res.Confidence)
	}
}

// TestMonotonicity verifies calibrate(a) <= calibrate(b) for a <= b within
// one epoch, including when raw bucket win rates invert
func TestMonotonicity(t *testing.T) {
	c := NewCalibrator(Config{BucketSize: 5, WindowSize: 100, MinSamples: 10})

	// Deliberately inverted: the 70s bucket outperforms the 80s bucket
	seedBucket(c, 72, 8, 2)  // 80%
	seedBucket(c, 82, 5, 5)  // 50%
	seedBucket(c, 92, 9, 1)  // 90%

	prev := -1.0
	for raw := 50.0; raw <= 99; raw += 1 {
		got := c.Calibrate(raw).Confidence
		if got < prev {
			t.Fatalf("Monotonicity violated: calibrate(%.0f)=%.2f < calibrate(%.0f)=%.2f",
				raw, got, raw-1, prev)
		}
		prev = got
	}
}

// TestPoolAdjacentViolators verifies inverted adjacent buckets are pooled to
// a common rate rather than left out of order
func TestPoolAdjacentViolators(t *testing.T) {
	c := NewCalibrator(Config{BucketSize: 5, WindowSize: 100, MinSamples: 10})

	seedBucket(c, 72, 8, 2) // 80%
	seedBucket(c, 82, 6, 4) // 60%, violates ordering

	low := c.Calibrate(72)
	high := c.Calibrate(82)
	if low.Uncalibrated || high.Uncalibrated {
		t.Fatal("Both buckets have enough samples")
	}
	if low.Confidence > high.Confidence {
		t.Errorf("PAV should pool violators: %.2f > %.2f", low.Confidence, high.Confidence)
	}
	// Pooled mean of 14 wins over 20 outcomes
	if low.Confidence != 70 || high.Confidence != 70 {
		t.Errorf("Expected pooled rate 70 for both, got %.2f and %.2f",
			low.Confidence, high.Confidence)
	}
}

// TestThinBucketClampedBetweenNeighbors verifies the raw fallback is clamped
// so a thin bucket cannot break monotonicity between calibrated neighbors
func TestThinBucketClampedBetweenNeighbors(t *testing.T) {
	c := NewCalibrator(Config{BucketSize: 5, WindowSize: 100, MinSamples: 10})

	seedBucket(c, 62, 4, 6)  // 40%
	seedBucket(c, 92, 9, 1)  // 90%
	c.Observe(77, true)      // Thin bucket between them

	res := c.Calibrate(77)
	if !res.Uncalibrated {
		t.Fatal("Expected uncalibrated for thin bucket")
	}
	if res.Confidence < 40 || res.Confidence > 90 {
		t.Errorf("Thin bucket fallback %.2f escapes neighbor clamp [40, 90]", res.Confidence)
	}
}

// TestRollingWindowEviction verifies old outcomes age out of the window
func TestRollingWindowEviction(t *testing.T) {
	c := NewCalibrator(Config{BucketSize: 5, WindowSize: 10, MinSamples: 5})

	// 10 losses, then 10 wins: window keeps only the wins
	seedBucket(c, 72, 0, 10)
	seedBucket(c, 72, 10, 0)

	res := c.Calibrate(72)
	if res.Confidence != 100 {
		t.Errorf("Expected 100 after losses aged out, got %.2f", res.Confidence)
	}
	if c.SampleCount(72) != 10 {
		t.Errorf("Expected window of 10 samples, got %d", c.SampleCount(72))
	}
}

// TestSeedFromOutcomeRecords verifies bulk loading from the outcome store
func TestSeedFromOutcomeRecords(t *testing.T) {
	c := NewCalibrator(Config{BucketSize: 5, WindowSize: 100, MinSamples: 4})

	records := []models.OutcomeRecord{
		{RawConfidence: 81, Won: true},
		{RawConfidence: 82, Won: true},
		{RawConfidence: 83, Won: false},
		{RawConfidence: 84, Won: true},
	}
	c.Seed(records)

	res := c.Calibrate(82)
	if res.Uncalibrated {
		t.Fatal("Expected calibrated bucket after seeding")
	}
	if res.Confidence != 75 {
		t.Errorf("Expected 75, got %.2f", res.Confidence)
	}
}

// TestEpochAdvances verifies each observation advances the epoch
func TestEpochAdvances(t *testing.T) {
	c := NewCalibrator(Config{BucketSize: 5, WindowSize: 100, MinSamples: 5})

	before := c.Epoch()
	c.Observe(70, true)
	if c.Epoch() != before+1 {
		t.Errorf("Expected epoch %d, got %d", before+1, c.Epoch())
	}
}
