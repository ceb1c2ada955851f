// Package fingerprint turns a peak constellation into compact landmark-pair
// hashes. Each anchor peak is paired with up to fan_value later targets;
// every pair packs into a 32-bit hash under one of two layouts: v1 keys on
// the target's absolute frequency bin, v2 on the anchor-target frequency
// delta (robust to uniform pitch shifts). Bit 31 separates the two hash
// spaces so they can share one index.
package fingerprint

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/asoundlab/soundprint/internal/errs"
	"github.com/asoundlab/soundprint/internal/peaks"
)

// HashMethod selects which hash variant(s) the generator emits.
type HashMethod string

const (
	V1   HashMethod = "v1"
	V2   HashMethod = "v2"
	Both HashMethod = "both"
)

// Config holds the landmark-pair generation parameters.
type Config struct {
	FanValue       int
	MinTimeDeltaMs float64
	MaxTimeDeltaMs float64
	FreqBinCount   int
	HashMethod     HashMethod

	// Rand is the per-process PRNG used to pick far targets when an
	// anchor has more than FanValue candidates. Tests that need
	// determinism should set this explicitly.
	Rand *rand.Rand
}

func DefaultConfig() Config {
	return Config{
		FanValue:       40,
		MinTimeDeltaMs: 0,
		MaxTimeDeltaMs: 200,
		FreqBinCount:   32,
		HashMethod:     Both,
	}
}

// Fingerprint is a (hash, anchor_time) pair: one landmark pair of a song.
type Fingerprint struct {
	Hash       uint32
	TimeOffset float64 // anchor time, seconds from start of clip
}

const (
	minLogFreq = 20.0
	maxLogFreq = 20000.0
)

// Generate produces the fingerprint list for a peak constellation. peaks
// must already carry absolute clip times (the pipeline orchestrator shifts
// chunk-local times before calling this). An empty peaks slice yields an
// empty, non-error result.
func Generate(ps []peaks.Peak, cfg Config) ([]Fingerprint, error) {
	if cfg.HashMethod != V1 && cfg.HashMethod != V2 && cfg.HashMethod != Both {
		return nil, fmt.Errorf("unknown hash_method %q: %w", cfg.HashMethod, errs.ConfigError)
	}
	if len(ps) == 0 {
		return nil, nil
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	sorted := make([]peaks.Peak, len(ps))
	copy(sorted, ps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimeS < sorted[j].TimeS })

	freqBins := make([]int, len(sorted))
	for i, p := range sorted {
		freqBins[i] = freqToBin(p.FreqHz, cfg.FreqBinCount)
	}

	var out []Fingerprint
	minDelta := cfg.MinTimeDeltaMs / 1000.0
	maxDelta := cfg.MaxTimeDeltaMs / 1000.0

	for i, anchor := range sorted {
		targets := targetIndices(sorted, i, minDelta, maxDelta)
		targets = selectTargets(targets, sorted, anchor.TimeS, cfg.FanValue, cfg.Rand)

		for _, j := range targets {
			target := sorted[j]
			dtMs := (target.TimeS - anchor.TimeS) * 1000.0
			dtBin := timeDeltaBin(dtMs, cfg.MaxTimeDeltaMs)

			if cfg.HashMethod == V1 || cfg.HashMethod == Both {
				h1 := hashV1(freqBins[i], freqBins[j], dtBin)
				out = append(out, Fingerprint{Hash: h1, TimeOffset: anchor.TimeS})
			}
			if cfg.HashMethod == V2 || cfg.HashMethod == Both {
				dfHz := math.Abs(target.FreqHz - anchor.FreqHz)
				dfBin := freqDeltaBin(dfHz)
				h2 := hashV2(freqBins[i], dfBin, dtBin)
				out = append(out, Fingerprint{Hash: h2, TimeOffset: anchor.TimeS})
			}
		}
	}

	return out, nil
}

// freqToBin maps a frequency in Hz to a log-spaced bin in
// [0, freqBinCount-1] over the 20 Hz..20 kHz range.
func freqToBin(freqHz float64, freqBinCount int) int {
	clamped := math.Max(minLogFreq, math.Min(maxLogFreq, freqHz))
	ratio := (math.Log(clamped) - math.Log(minLogFreq)) / (math.Log(maxLogFreq) - math.Log(minLogFreq))
	bin := int(math.Round(ratio * float64(freqBinCount-1)))
	if bin < 0 {
		bin = 0
	}
	if bin > freqBinCount-1 {
		bin = freqBinCount - 1
	}
	return bin
}

// targetIndices finds all peaks at anchorTime + minDelta < t < anchorTime +
// maxDelta (strict on both sides). sorted must be
// ordered ascending by TimeS; we scan forward from i+1 and stop once past
// the window since time is monotonic.
func targetIndices(sorted []peaks.Peak, i int, minDelta, maxDelta float64) []int {
	anchorTime := sorted[i].TimeS
	lo := anchorTime + minDelta
	hi := anchorTime + maxDelta

	var out []int
	for j := i + 1; j < len(sorted); j++ {
		t := sorted[j].TimeS
		if t >= hi {
			break
		}
		if t > lo {
			out = append(out, j)
		}
	}
	return out
}

// selectTargets bounds an anchor's fan-out: when there are more than
// fanValue candidates, keep the fanValue/2 nearest by time delta, then
// fill the remainder with a uniform random sample (without replacement)
// of the rest. Near targets are robust, far ones discriminative.
func selectTargets(candidates []int, sorted []peaks.Peak, anchorTime float64, fanValue int, rng *rand.Rand) []int {
	if fanValue <= 0 || len(candidates) <= fanValue {
		return candidates
	}

	nearCount := fanValue / 2
	byDistance := make([]int, len(candidates))
	copy(byDistance, candidates)
	sort.Slice(byDistance, func(a, b int) bool {
		da := sorted[byDistance[a]].TimeS - anchorTime
		db := sorted[byDistance[b]].TimeS - anchorTime
		return da < db
	})

	near := byDistance[:nearCount]
	rest := append([]int(nil), byDistance[nearCount:]...)

	remainingSlots := fanValue - nearCount
	if remainingSlots > len(rest) {
		remainingSlots = len(rest)
	}
	rng.Shuffle(len(rest), func(a, b int) { rest[a], rest[b] = rest[b], rest[a] })
	far := rest[:remainingSlots]

	selected := make([]int, 0, nearCount+remainingSlots)
	selected = append(selected, near...)
	selected = append(selected, far...)
	return selected
}

// timeDeltaBin discretizes a millisecond time delta into [0, 1023].
func timeDeltaBin(dtMs, maxTimeDeltaMs float64) int {
	step := maxTimeDeltaMs / 1024.0
	bin := int(math.Floor(dtMs / step))
	if bin > 1023 {
		bin = 1023
	}
	if bin < 0 {
		bin = 0
	}
	return bin
}

// freqDeltaBin discretizes a frequency delta in Hz into [0, 1023] at 50 Hz
// per bin.
func freqDeltaBin(dfHz float64) int {
	bin := int(math.Floor(dfHz / 50.0))
	if bin > 1023 {
		bin = 1023
	}
	if bin < 0 {
		bin = 0
	}
	return bin
}

// hashV1 discriminates by absolute target frequency bin. Bit 31 is 0.
func hashV1(anchorBin, targetBin, dtBin int) uint32 {
	return (uint32(anchorBin)&0xFFF)<<22 | (uint32(targetBin)&0xFFF)<<10 | (uint32(dtBin) & 0x3FF)
}

// hashV2 discriminates by frequency delta, for robustness to uniform
// pitch shifts. Bit 31 is 1, disambiguating it from v1's hash space.
func hashV2(anchorBin, freqDeltaBin, dtBin int) uint32 {
	h := (uint32(anchorBin)&0xFFF)<<22 | (uint32(freqDeltaBin)&0xFFF)<<10 | (uint32(dtBin) & 0x3FF)
	return h | (1 << 31)
}

// IsV2 reports whether a hash was produced by the v2 method (bit 31 set).
func IsV2(hash uint32) bool { return hash&(1<<31) != 0 }
