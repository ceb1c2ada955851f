// Package spectrogram computes a short-time Fourier transform magnitude
// spectrogram in decibels relative to the per-clip maximum. The FFT
// itself is delegated to github.com/mjibson/go-dsp/fft.
package spectrogram

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"

	"github.com/asoundlab/soundprint/internal/errs"
)

// Config holds the STFT parameters.
type Config struct {
	NFFT   int // window length N
	Hop    int // hop length H
	Window Windower
}

func DefaultConfig() Config {
	return Config{NFFT: 2048, Hop: 512, Window: Hamming}
}

// Windower builds a window function of length n.
type Windower func(n int) []float64

// Hamming is the default window function.
func Hamming(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := 0; i < n; i++ {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

// dbFloor avoids log10(0) = -inf.
const dbFloor = 1e-10

// Spectrogram holds the dB magnitude surface plus its frequency/time
// axes.
type Spectrogram struct {
	DB        [][]float64 // DB[f][t], f in [0, NFFT/2], t in [0, numFrames)
	FreqsHz   []float64
	TimesS    []float64
	SampleRate int
}

// Compute returns the dB spectrogram of a mono PCM buffer. TimesS places
// frame i at sample i*Hop; the same convention has to hold on ingest and
// query, which it does since both paths call through this one function.
func Compute(samples []float32, sampleRate int, cfg Config) (Spectrogram, error) {
	if cfg.NFFT <= 0 || cfg.Hop <= 0 {
		return Spectrogram{}, fmt.Errorf("n_fft=%d hop=%d: %w", cfg.NFFT, cfg.Hop, errs.ConfigError)
	}
	if len(samples) == 0 {
		return Spectrogram{}, fmt.Errorf("empty audio buffer: %w", errs.EmptyInput)
	}
	if cfg.Window == nil {
		cfg.Window = Hamming
	}

	window := cfg.Window(cfg.NFFT)
	nBins := cfg.NFFT/2 + 1

	// ceil((len + N) / H) frames: windows starting past the buffer are
	// still materialized, zero-padded, so the output shape is a function
	// of the input length alone.
	numFrames := (len(samples) + cfg.NFFT + cfg.Hop - 1) / cfg.Hop
	mag := make([][]float64, nBins)
	for f := range mag {
		mag[f] = make([]float64, 0, numFrames)
	}

	frame := make([]float64, cfg.NFFT)
	globalMax := dbFloor
	rawMags := make([][]float64, 0, numFrames)

	for start := 0; start < numFrames*cfg.Hop; start += cfg.Hop {
		for i := 0; i < cfg.NFFT; i++ {
			idx := start + i
			if idx < len(samples) {
				frame[i] = float64(samples[idx]) * window[i]
			} else {
				frame[i] = 0
			}
		}

		spectrum := fft.FFTReal(frame)
		frameMag := make([]float64, nBins)
		for b := 0; b < nBins; b++ {
			m := cmplx.Abs(spectrum[b])
			frameMag[b] = m
			if m > globalMax {
				globalMax = m
			}
		}
		rawMags = append(rawMags, frameMag)
	}

	times := make([]float64, len(rawMags))
	for t, frameMag := range rawMags {
		times[t] = float64(t*cfg.Hop) / float64(sampleRate)
		for f := 0; f < nBins; f++ {
			db := 20 * math.Log10(math.Max(frameMag[f], dbFloor)/globalMax)
			mag[f] = append(mag[f], db)
		}
	}

	freqs := make([]float64, nBins)
	for f := 0; f < nBins; f++ {
		freqs[f] = float64(f) * float64(sampleRate) / float64(cfg.NFFT)
	}

	return Spectrogram{DB: mag, FreqsHz: freqs, TimesS: times, SampleRate: sampleRate}, nil
}

// NumFrames returns the number of time frames in the spectrogram.
func (s Spectrogram) NumFrames() int {
	if len(s.DB) == 0 {
		return 0
	}
	return len(s.DB[0])
}

// NumBins returns the number of frequency bins.
func (s Spectrogram) NumBins() int { return len(s.DB) }

// At returns the dB amplitude at (freqIdx, timeIdx).
func (s Spectrogram) At(freqIdx, timeIdx int) float64 {
	return s.DB[freqIdx][timeIdx]
}
