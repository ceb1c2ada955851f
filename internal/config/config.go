// Package config aggregates every tunable of the fingerprinting
// pipeline, with a functional-options layer so components can be tuned
// without a YAML/env layer.
package config

// Config collects every pipeline tunable. Core packages accept their own
// narrower config structs (Spectrogram, Peaks, Fingerprint...); Config is
// the top-level aggregate the pipeline orchestrator and CLI/HTTP layers
// build from.
type Config struct {
	// Audio
	SampleRate int
	Mono       bool

	// STFT
	NFFT int
	Hop  int

	// Peaks
	NeighborhoodSize int
	ThresholdAbsDB   float64
	MaxPeaksPerFrame int
	MaxPeaksTotal    int
	MinFreqHz        float64
	MaxFreqHz        float64
	FreqBins         int

	// Fingerprints
	FanValue       int
	MinTimeDeltaMs float64
	MaxTimeDeltaMs float64
	HashBits       int
	FreqBinCount   int
	HashMethod     HashMethod

	// Matching
	MatchThreshold   float64
	EarlyTermination float64
	MaxReturned      int

	// Shards
	MaxSongsPerDatabase int

	// Ingest
	ChunkSizeSeconds int
	MaxWorkers       int
}

type HashMethod string

const (
	HashV1   HashMethod = "v1"
	HashV2   HashMethod = "v2"
	HashBoth HashMethod = "both"
)

// Default returns the stock parameter set.
func Default() Config {
	return Config{
		SampleRate: 44100,
		Mono:       true,

		NFFT: 2048,
		Hop:  512,

		NeighborhoodSize: 5,
		ThresholdAbsDB:   -22,
		MaxPeaksPerFrame: 7,
		MaxPeaksTotal:    5000,
		MinFreqHz:        20,
		MaxFreqHz:        5000,
		FreqBins:         16,

		FanValue:       40,
		MinTimeDeltaMs: 0,
		MaxTimeDeltaMs: 200,
		HashBits:       32,
		FreqBinCount:   32,
		HashMethod:     HashBoth,

		MatchThreshold:   0.05,
		EarlyTermination: 0.90,
		MaxReturned:      10,

		MaxSongsPerDatabase: 25,

		ChunkSizeSeconds: 30,
		MaxWorkers:       4,
	}
}

// Option mutates a Config in place.
type Option func(*Config)

func WithSampleRate(rate int) Option { return func(c *Config) { c.SampleRate = rate } }
func WithHashMethod(m HashMethod) Option {
	return func(c *Config) { c.HashMethod = m }
}
func WithMatchThreshold(t float64) Option { return func(c *Config) { c.MatchThreshold = t } }

// WithEarlyTermination sets the confidence at which a query short-circuits
// to a single match; passing a value above 1 disables the short-circuit
// for callers that need the full ranked list.
func WithEarlyTermination(t float64) Option { return func(c *Config) { c.EarlyTermination = t } }
func WithMaxWorkers(n int) Option         { return func(c *Config) { c.MaxWorkers = n } }
func WithMaxSongsPerDatabase(n int) Option {
	return func(c *Config) { c.MaxSongsPerDatabase = n }
}
func WithChunkSizeSeconds(n int) Option { return func(c *Config) { c.ChunkSizeSeconds = n } }

// New builds a Config from the defaults plus the given options.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
