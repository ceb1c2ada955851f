package spectrogram

import (
	"errors"
	"math"
	"testing"

	"github.com/asoundlab/soundprint/internal/errs"
)

// sine generates durationS seconds of a freqHz sine wave.
func sine(freqHz float64, durationS float64, sampleRate int) []float32 {
	n := int(durationS * float64(sampleRate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.8 * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestComputeSine(t *testing.T) {
	const sampleRate = 44100
	cfg := DefaultConfig()

	spec, err := Compute(sine(440, 1.0, sampleRate), sampleRate, cfg)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	wantBins := cfg.NFFT/2 + 1
	if spec.NumBins() != wantBins {
		t.Errorf("Expected %d frequency bins, got %d", wantBins, spec.NumBins())
	}

	// ceil((len + N) / H) frames, zero-padded tail included.
	wantFrames := (sampleRate + cfg.NFFT + cfg.Hop - 1) / cfg.Hop
	if spec.NumFrames() != wantFrames {
		t.Errorf("Expected %d frames, got %d", wantFrames, spec.NumFrames())
	}

	// Frequency axis is f * sample_rate / N.
	hzPerBin := float64(sampleRate) / float64(cfg.NFFT)
	for f := 0; f < spec.NumBins(); f += 100 {
		want := float64(f) * hzPerBin
		if math.Abs(spec.FreqsHz[f]-want) > 1e-9 {
			t.Errorf("FreqsHz[%d] = %f, expected %f", f, spec.FreqsHz[f], want)
		}
	}

	// Time axis is t * hop / sample_rate.
	for ti := 0; ti < spec.NumFrames(); ti += 20 {
		want := float64(ti*cfg.Hop) / float64(sampleRate)
		if math.Abs(spec.TimesS[ti]-want) > 1e-9 {
			t.Errorf("TimesS[%d] = %f, expected %f", ti, spec.TimesS[ti], want)
		}
	}

	// Amplitudes are relative to the per-clip maximum, so nothing exceeds 0 dB.
	maxDB := math.Inf(-1)
	maxBin := -1
	for f := 0; f < spec.NumBins(); f++ {
		for ti := 0; ti < spec.NumFrames(); ti++ {
			v := spec.At(f, ti)
			if v > 1e-9 {
				t.Fatalf("dB amplitude above 0 at (%d, %d): %f", f, ti, v)
			}
			if v > maxDB {
				maxDB = v
				maxBin = f
			}
		}
	}

	// The loudest cell sits at the 440 Hz bin.
	wantBin := int(math.Round(440 / hzPerBin))
	if maxBin < wantBin-1 || maxBin > wantBin+1 {
		t.Errorf("Loudest bin is %d (%.1f Hz), expected near %d (440 Hz)", maxBin, spec.FreqsHz[maxBin], wantBin)
	}
}

func TestComputeEmptyBuffer(t *testing.T) {
	_, err := Compute(nil, 44100, DefaultConfig())
	if !errors.Is(err, errs.EmptyInput) {
		t.Errorf("Expected EmptyInput for empty buffer, got %v", err)
	}
}

func TestComputeInvalidParams(t *testing.T) {
	samples := sine(440, 0.1, 44100)

	for _, cfg := range []Config{
		{NFFT: 0, Hop: 512},
		{NFFT: 2048, Hop: 0},
		{NFFT: -1, Hop: -1},
	} {
		_, err := Compute(samples, 44100, cfg)
		if !errors.Is(err, errs.ConfigError) {
			t.Errorf("Expected ConfigError for n_fft=%d hop=%d, got %v", cfg.NFFT, cfg.Hop, err)
		}
	}
}

func TestHammingWindow(t *testing.T) {
	w := Hamming(512)

	if len(w) != 512 {
		t.Fatalf("Expected window of length 512, got %d", len(w))
	}

	// Symmetric, with 0.08 at the edges and 1.0 in the middle.
	for i := 0; i < len(w)/2; i++ {
		if math.Abs(w[i]-w[len(w)-1-i]) > 1e-9 {
			t.Errorf("Window not symmetric at %d: %f vs %f", i, w[i], w[len(w)-1-i])
		}
	}
	if math.Abs(w[0]-0.08) > 1e-9 {
		t.Errorf("Expected 0.08 at window edge, got %f", w[0])
	}
	mid := w[len(w)/2]
	if mid < 0.99 || mid > 1.0 {
		t.Errorf("Expected ~1.0 at window center, got %f", mid)
	}
}

func TestHammingSingleSample(t *testing.T) {
	w := Hamming(1)
	if len(w) != 1 || w[0] != 1 {
		t.Errorf("Expected [1] for a one-sample window, got %v", w)
	}
}
