// Package audio is the thin decode boundary the core fingerprinting
// pipeline sits behind. Full-format decoding (MP3/FLAC/OGG -> PCM) is an
// external collaborator; this package only covers WAV, since CLI and HTTP
// callers still need some way to turn a file on disk into the mono PCM
// buffer the core consumes.
package audio

import (
	"fmt"
	"os"

	wavfmt "github.com/go-audio/wav"

	"github.com/asoundlab/soundprint/internal/errs"
)

// Buffer is a mono PCM buffer at a fixed sample rate, normalized to
// [-1, 1]. This is the type every core component (spectrogram, peaks,
// fingerprints) consumes and produces downstream of.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

func (b Buffer) DurationSeconds() float64 {
	if b.SampleRate == 0 {
		return 0
	}
	return float64(len(b.Samples)) / float64(b.SampleRate)
}

// ReadWAV decodes a PCM WAV file into a mono Buffer. Stereo files are
// downmixed by averaging channels.
func ReadWAV(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("opening %s: %w: %v", path, errs.DecodeError, err)
	}
	defer f.Close()

	decoder := wavfmt.NewDecoder(f)
	if !decoder.IsValidFile() {
		return Buffer{}, fmt.Errorf("%s is not a valid WAV file: %w", path, errs.DecodeError)
	}

	pcm, err := decoder.FullPCMBuffer()
	if err != nil {
		return Buffer{}, fmt.Errorf("reading PCM buffer from %s: %w: %v", path, errs.DecodeError, err)
	}
	if pcm == nil || len(pcm.Data) == 0 {
		return Buffer{}, fmt.Errorf("%s decoded to an empty buffer: %w", path, errs.EmptyInput)
	}

	sampleRate := int(decoder.SampleRate)
	numChannels := int(decoder.NumChans)
	if numChannels == 0 {
		numChannels = 1
	}

	samples, err := downmixToMono(pcm.Data, numChannels, pcm.SourceBitDepth)
	if err != nil {
		return Buffer{}, fmt.Errorf("downmixing %s: %w: %v", path, errs.DecodeError, err)
	}

	return Buffer{Samples: samples, SampleRate: sampleRate}, nil
}

// downmixToMono averages interleaved channels and normalizes integer PCM
// samples (as decoded by go-audio/audio.IntBuffer) into [-1, 1] float32.
func downmixToMono(data []int, numChannels, bitDepth int) ([]float32, error) {
	if numChannels < 1 {
		return nil, fmt.Errorf("invalid channel count: %d", numChannels)
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(1.0 / float64(int64(1)<<(bitDepth-1)))

	frames := len(data) / numChannels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < numChannels; c++ {
			sum += float32(data[i*numChannels+c]) * scale
		}
		out[i] = sum / float32(numChannels)
	}
	return out, nil
}

// Trim returns the first durationSeconds of the buffer, or the whole
// buffer if it is shorter than that.
func (b Buffer) Trim(durationSeconds float64) Buffer {
	if durationSeconds <= 0 {
		return b
	}
	n := int(durationSeconds * float64(b.SampleRate))
	if n >= len(b.Samples) {
		return b
	}
	return Buffer{Samples: b.Samples[:n], SampleRate: b.SampleRate}
}

// Chunk returns the samples of the i-th chunkSeconds-long, non-overlapping
// window, and whether that window had any samples at all.
func (b Buffer) Chunk(i, chunkSeconds int) (Buffer, bool) {
	start := i * chunkSeconds * b.SampleRate
	end := (i + 1) * chunkSeconds * b.SampleRate
	if start >= len(b.Samples) {
		return Buffer{}, false
	}
	if end > len(b.Samples) {
		end = len(b.Samples)
	}
	return Buffer{Samples: b.Samples[start:end], SampleRate: b.SampleRate}, true
}

// NumChunks returns how many chunkSeconds-long windows are needed to cover
// the buffer, matching the original pipeline's int(duration/chunkSize)+1.
func (b Buffer) NumChunks(chunkSeconds int) int {
	if chunkSeconds <= 0 {
		return 1
	}
	return int(b.DurationSeconds()/float64(chunkSeconds)) + 1
}
