// Package peaks extracts a bounded, spatially well-distributed
// constellation of spectral peaks from a spectrogram. Candidates are
// local maxima over a square neighborhood (no neighbor strictly greater;
// every cell of an equal-valued plateau is kept), then filtered in
// order: absolute dB threshold, frequency-band clip, log-frequency
// bucket decimation (so one loud band can't monopolise the
// constellation), per-frame cap, global cap.
package peaks

import (
	"math"
	"sort"

	"github.com/asoundlab/soundprint/internal/spectrogram"
)

// Config holds the peak-selection parameters.
type Config struct {
	NeighborhoodSize int // radius r, default 5
	ThresholdAbsDB   float64
	MinFreqHz        float64
	MaxFreqHz        float64
	FreqBins         int
	MaxPeaksPerFrame int
	MaxPeaksTotal    int
}

func DefaultConfig() Config {
	return Config{
		NeighborhoodSize: 5,
		ThresholdAbsDB:   -22,
		MinFreqHz:        20,
		MaxFreqHz:        5000,
		FreqBins:         16,
		MaxPeaksPerFrame: 7,
		MaxPeaksTotal:    5000,
	}
}

// Peak is a single constellation landmark: a spectrogram cell that has no
// strictly greater neighbor, exceeds the absolute threshold, and survived the
// frequency-band and decimation filters.
type Peak struct {
	FreqIdx int
	TimeIdx int
	AmpDB   float64
	FreqHz  float64
	TimeS   float64
}

// Extract runs the full selection pipeline: local-max mask, absolute
// threshold, frequency-band clip, log-frequency bucket decimation,
// per-frame cap, global cap. An empty result is not an error; downstream
// stages treat it as "no fingerprints".
func Extract(s spectrogram.Spectrogram, cfg Config) []Peak {
	candidates := localMaxima(s, cfg.NeighborhoodSize, cfg.ThresholdAbsDB)
	candidates = clipFrequencyBand(candidates, s.FreqsHz, cfg.MinFreqHz, cfg.MaxFreqHz)
	candidates = decimateByLogFreqBucket(candidates, cfg.MinFreqHz, cfg.MaxFreqHz, cfg.FreqBins, cfg.MaxPeaksTotal)
	candidates = capPerFrame(candidates, cfg.MaxPeaksPerFrame)

	sortByTimeThenFreq(candidates)

	if cfg.MaxPeaksTotal > 0 && len(candidates) > cfg.MaxPeaksTotal {
		candidates = candidates[:cfg.MaxPeaksTotal]
	}
	return candidates
}

// localMaxima finds cells that equal the maximum over a square
// neighborhood of the given radius and exceed the absolute dB threshold.
// Scans in raster order (freq outer, time inner) so output order is
// deterministic for identical input.
func localMaxima(s spectrogram.Spectrogram, radius int, thresholdDB float64) []Peak {
	nBins := s.NumBins()
	nFrames := s.NumFrames()
	if nBins == 0 || nFrames == 0 {
		return nil
	}

	out := make([]Peak, 0, nFrames*2)
	for f := 0; f < nBins; f++ {
		for t := 0; t < nFrames; t++ {
			v := s.At(f, t)
			if v <= thresholdDB {
				continue
			}
			if isLocalMax(s, f, t, radius, v) {
				out = append(out, Peak{
					FreqIdx: f,
					TimeIdx: t,
					AmpDB:   v,
					FreqHz:  s.FreqsHz[f],
					TimeS:   s.TimesS[t],
				})
			}
		}
	}
	return out
}

func isLocalMax(s spectrogram.Spectrogram, f, t, radius int, v float64) bool {
	nBins := s.NumBins()
	nFrames := s.NumFrames()
	for df := -radius; df <= radius; df++ {
		nf := f + df
		if nf < 0 || nf >= nBins {
			continue
		}
		for dt := -radius; dt <= radius; dt++ {
			if df == 0 && dt == 0 {
				continue
			}
			nt := t + dt
			if nt < 0 || nt >= nFrames {
				continue
			}
			if s.At(nf, nt) > v {
				return false
			}
		}
	}
	return true
}

// clipFrequencyBand keeps peaks with MIN_FREQ <= freq_hz < MAX_FREQ,
// equivalent to searchsorted on a sorted freqs_hz axis.
func clipFrequencyBand(in []Peak, freqsHz []float64, minFreq, maxFreq float64) []Peak {
	lo := searchSorted(freqsHz, minFreq)
	hi := searchSorted(freqsHz, maxFreq)
	out := in[:0:0]
	for _, p := range in {
		if p.FreqIdx >= lo && p.FreqIdx < hi {
			out = append(out, p)
		}
	}
	return out
}

func searchSorted(freqs []float64, target float64) int {
	return sort.Search(len(freqs), func(i int) bool { return freqs[i] >= target })
}

func searchSortedRight(freqs []float64, target float64) int {
	return sort.Search(len(freqs), func(i int) bool { return freqs[i] > target })
}

// decimateByLogFreqBucket splits peaks into FreqBins log-spaced buckets
// between max(MinFreqHz, 20) and MaxFreqHz, keeping the top
// max(5, MaxPeaksTotal/FreqBins) peaks by amplitude (descending) per
// bucket.
func decimateByLogFreqBucket(in []Peak, minFreq, maxFreq float64, freqBins, maxPeaksTotal int) []Peak {
	if freqBins <= 0 || len(in) == 0 {
		return in
	}
	lowBound := math.Max(minFreq, 20)
	logLo := math.Log(lowBound)
	logHi := math.Log(maxFreq)
	span := logHi - logLo
	if span <= 0 {
		return in
	}

	buckets := make([][]Peak, freqBins)
	for _, p := range in {
		freq := p.FreqHz
		if freq < lowBound {
			freq = lowBound
		}
		if freq > maxFreq {
			freq = maxFreq
		}
		bin := int((math.Log(freq) - logLo) / span * float64(freqBins))
		if bin < 0 {
			bin = 0
		}
		if bin >= freqBins {
			bin = freqBins - 1
		}
		buckets[bin] = append(buckets[bin], p)
	}

	maxPerBin := maxPeaksTotal / freqBins
	if maxPerBin < 5 {
		maxPerBin = 5
	}

	out := make([]Peak, 0, len(in))
	for _, bucket := range buckets {
		sortByAmplitudeDesc(bucket)
		if len(bucket) > maxPerBin {
			bucket = bucket[:maxPerBin]
		}
		out = append(out, bucket...)
	}
	return out
}

// capPerFrame keeps, within each time frame, only the top
// MaxPeaksPerFrame peaks by amplitude.
func capPerFrame(in []Peak, maxPerFrame int) []Peak {
	if maxPerFrame <= 0 || len(in) == 0 {
		return in
	}
	byFrame := make(map[int][]Peak)
	for _, p := range in {
		byFrame[p.TimeIdx] = append(byFrame[p.TimeIdx], p)
	}

	out := make([]Peak, 0, len(in))
	for _, frame := range byFrame {
		sortByAmplitudeDesc(frame)
		if len(frame) > maxPerFrame {
			frame = frame[:maxPerFrame]
		}
		out = append(out, frame...)
	}
	return out
}

// sortByAmplitudeDesc breaks ties by lower freq_idx then lower time_idx.
func sortByAmplitudeDesc(peaks []Peak) {
	sort.SliceStable(peaks, func(i, j int) bool {
		if peaks[i].AmpDB != peaks[j].AmpDB {
			return peaks[i].AmpDB > peaks[j].AmpDB
		}
		if peaks[i].FreqIdx != peaks[j].FreqIdx {
			return peaks[i].FreqIdx < peaks[j].FreqIdx
		}
		return peaks[i].TimeIdx < peaks[j].TimeIdx
	})
}

func sortByTimeThenFreq(peaks []Peak) {
	sort.SliceStable(peaks, func(i, j int) bool {
		if peaks[i].TimeIdx != peaks[j].TimeIdx {
			return peaks[i].TimeIdx < peaks[j].TimeIdx
		}
		return peaks[i].FreqIdx < peaks[j].FreqIdx
	})
}
