package fingerprint

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/asoundlab/soundprint/internal/errs"
	"github.com/asoundlab/soundprint/internal/peaks"
)

// gridPeaks builds n peaks spaced stepS apart in time, cycling through a
// few frequencies so anchor/target pairs vary.
func gridPeaks(n int, stepS float64) []peaks.Peak {
	freqs := []float64{220, 880, 1760, 3500}
	out := make([]peaks.Peak, n)
	for i := range out {
		out[i] = peaks.Peak{
			FreqIdx: i % len(freqs),
			TimeIdx: i,
			AmpDB:   -10,
			FreqHz:  freqs[i%len(freqs)],
			TimeS:   float64(i) * stepS,
		}
	}
	return out
}

func seededConfig(method HashMethod) Config {
	cfg := DefaultConfig()
	cfg.HashMethod = method
	cfg.Rand = rand.New(rand.NewSource(1))
	return cfg
}

func TestGenerateBitFlag(t *testing.T) {
	ps := gridPeaks(50, 0.02)

	v1, err := Generate(ps, seededConfig(V1))
	if err != nil {
		t.Fatalf("v1 generation failed: %v", err)
	}
	if len(v1) == 0 {
		t.Fatal("v1 produced no fingerprints")
	}
	for i, fp := range v1 {
		if IsV2(fp.Hash) {
			t.Errorf("v1 fingerprint %d has bit 31 set: %#x", i, fp.Hash)
		}
	}

	v2, err := Generate(ps, seededConfig(V2))
	if err != nil {
		t.Fatalf("v2 generation failed: %v", err)
	}
	if len(v2) == 0 {
		t.Fatal("v2 produced no fingerprints")
	}
	for i, fp := range v2 {
		if !IsV2(fp.Hash) {
			t.Errorf("v2 fingerprint %d has bit 31 clear: %#x", i, fp.Hash)
		}
	}
}

func TestGenerateBothIsAdditive(t *testing.T) {
	ps := gridPeaks(50, 0.02)

	v1, _ := Generate(ps, seededConfig(V1))
	v2, _ := Generate(ps, seededConfig(V2))
	both, _ := Generate(ps, seededConfig(Both))

	if len(both) != len(v1)+len(v2) {
		t.Errorf("both produced %d fingerprints, expected %d (v1) + %d (v2)", len(both), len(v1), len(v2))
	}
}

func TestGenerateAnchorTimes(t *testing.T) {
	ps := gridPeaks(40, 0.03)
	clipDuration := ps[len(ps)-1].TimeS

	fps, err := Generate(ps, seededConfig(Both))
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}

	for i, fp := range fps {
		if fp.TimeOffset < 0 || fp.TimeOffset > clipDuration {
			t.Errorf("Fingerprint %d anchor time %f outside [0, %f]", i, fp.TimeOffset, clipDuration)
		}
	}
}

func TestGenerateEmptyPeaks(t *testing.T) {
	fps, err := Generate(nil, seededConfig(Both))
	if err != nil {
		t.Fatalf("Expected no error for empty peaks, got %v", err)
	}
	if len(fps) != 0 {
		t.Errorf("Expected no fingerprints from empty peaks, got %d", len(fps))
	}
}

func TestGenerateSinglePeak(t *testing.T) {
	fps, err := Generate(gridPeaks(1, 0.02), seededConfig(Both))
	if err != nil {
		t.Fatalf("Expected no error for a single peak, got %v", err)
	}
	if len(fps) != 0 {
		t.Errorf("A single peak has no targets; expected no fingerprints, got %d", len(fps))
	}
}

func TestGenerateUnknownMethod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HashMethod = "v3"
	_, err := Generate(gridPeaks(10, 0.02), cfg)
	if !errors.Is(err, errs.ConfigError) {
		t.Errorf("Expected ConfigError for unknown hash method, got %v", err)
	}
}

func TestGenerateFanValueCap(t *testing.T) {
	// 100 peaks 1 ms apart: every anchor early in the clip sees far more
	// than FanValue candidates inside the 200 ms window.
	ps := gridPeaks(100, 0.001)
	cfg := seededConfig(V1)
	cfg.FanValue = 10

	fps, err := Generate(ps, cfg)
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}

	perAnchor := make(map[float64]int)
	for _, fp := range fps {
		perAnchor[fp.TimeOffset]++
	}
	for anchor, count := range perAnchor {
		if count > cfg.FanValue {
			t.Errorf("Anchor at %f emitted %d fingerprints, more than fan_value %d", anchor, count, cfg.FanValue)
		}
	}
	// The first anchor has plenty of candidates, so it reaches the cap.
	if perAnchor[0] != cfg.FanValue {
		t.Errorf("First anchor emitted %d fingerprints, expected the full fan_value %d", perAnchor[0], cfg.FanValue)
	}
}

func TestGenerateDeterministicWithSeed(t *testing.T) {
	ps := gridPeaks(100, 0.001)

	first, _ := Generate(ps, seededConfig(Both))
	second, _ := Generate(ps, seededConfig(Both))

	if len(first) != len(second) {
		t.Fatalf("Seeded runs differ in size: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("Seeded runs differ at fingerprint %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestTargetWindowIsStrict(t *testing.T) {
	// Targets exactly at the window edges are excluded on both sides.
	ps := []peaks.Peak{
		{TimeS: 0, FreqHz: 440},
		{TimeS: 0.0, FreqHz: 880},  // dt == min_time_delta, excluded
		{TimeS: 0.05, FreqHz: 880}, // inside
		{TimeS: 0.2, FreqHz: 880},  // dt == max_time_delta, excluded
	}
	cfg := seededConfig(V1)

	fps, err := Generate(ps, cfg)
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}

	// Each of the two zero-time anchors pairs only with the 0.05s target:
	// the co-located peak (dt = 0) and the 0.2s peak (dt = max) fall on
	// the excluded edges.
	var fromZero int
	for _, fp := range fps {
		if fp.TimeOffset == 0 {
			fromZero++
		}
	}
	if fromZero != 2 {
		t.Errorf("Expected 2 fingerprints anchored at t=0, got %d", fromZero)
	}
}

func TestFreqToBinBounds(t *testing.T) {
	if bin := freqToBin(20, 32); bin != 0 {
		t.Errorf("Expected bin 0 at 20 Hz, got %d", bin)
	}
	if bin := freqToBin(20000, 32); bin != 31 {
		t.Errorf("Expected bin 31 at 20 kHz, got %d", bin)
	}
	// Out-of-range inputs clamp instead of overflowing.
	if bin := freqToBin(5, 32); bin != 0 {
		t.Errorf("Expected clamped bin 0 below 20 Hz, got %d", bin)
	}
	if bin := freqToBin(30000, 32); bin != 31 {
		t.Errorf("Expected clamped bin 31 above 20 kHz, got %d", bin)
	}

	prev := -1
	for _, f := range []float64{20, 100, 500, 2000, 8000, 20000} {
		bin := freqToBin(f, 32)
		if bin < prev {
			t.Errorf("freqToBin not monotonic at %f Hz: %d after %d", f, bin, prev)
		}
		prev = bin
	}
}

func TestTimeDeltaBinRange(t *testing.T) {
	if bin := timeDeltaBin(0, 200); bin != 0 {
		t.Errorf("Expected bin 0 at dt=0, got %d", bin)
	}
	if bin := timeDeltaBin(500, 200); bin != 1023 {
		t.Errorf("Expected saturated bin 1023 past the window, got %d", bin)
	}
}
