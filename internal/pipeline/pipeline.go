// Package pipeline wires the decode -> spectrogram -> peaks -> fingerprint
// -> store/matcher stages into three operations: ingest one file, ingest a
// directory, and query a clip. Directory ingest and query fan out over a
// bounded worker pool (job channel, fixed goroutine count, WaitGroup
// drain) that the CLI/HTTP callers wait on synchronously. Ingest workers
// never touch a shard; query workers use the Catalog's already-open
// handle of the shard they are given and do not open handles of their own.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/asoundlab/soundprint/internal/audio"
	"github.com/asoundlab/soundprint/internal/config"
	"github.com/asoundlab/soundprint/internal/errs"
	"github.com/asoundlab/soundprint/internal/fingerprint"
	"github.com/asoundlab/soundprint/internal/logger"
	"github.com/asoundlab/soundprint/internal/matcher"
	"github.com/asoundlab/soundprint/internal/peaks"
	"github.com/asoundlab/soundprint/internal/spectrogram"
	"github.com/asoundlab/soundprint/internal/store"
)

// Orchestrator ties a Catalog to the configured pipeline parameters and
// runs ingest/query operations against it.
type Orchestrator struct {
	Catalog *store.Catalog
	Config  config.Config
	Log     *logger.Logger
}

// New builds an Orchestrator. log may be nil, in which case the package
// singleton logger is used.
func New(catalog *store.Catalog, cfg config.Config, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Orchestrator{Catalog: catalog, Config: cfg, Log: log}
}

func toFingerprintMethod(m config.HashMethod) fingerprint.HashMethod {
	switch m {
	case config.HashV1:
		return fingerprint.V1
	case config.HashV2:
		return fingerprint.V2
	default:
		return fingerprint.Both
	}
}

// fingerprintBuffer runs the decode-adjacent core stages (spectrogram,
// peaks, fingerprint generation) over one PCM buffer, shifting all peak
// times by timeOffsetS so chunk-local fingerprints land at their absolute
// position in the source file.
func (o *Orchestrator) fingerprintBuffer(buf audio.Buffer, timeOffsetS float64) ([]fingerprint.Fingerprint, error) {
	specCfg := spectrogram.Config{NFFT: o.Config.NFFT, Hop: o.Config.Hop, Window: spectrogram.Hamming}
	spec, err := spectrogram.Compute(buf.Samples, buf.SampleRate, specCfg)
	if err != nil {
		return nil, err
	}

	peakCfg := peaks.Config{
		NeighborhoodSize: o.Config.NeighborhoodSize,
		ThresholdAbsDB:   o.Config.ThresholdAbsDB,
		MinFreqHz:        o.Config.MinFreqHz,
		MaxFreqHz:        o.Config.MaxFreqHz,
		FreqBins:         o.Config.FreqBins,
		MaxPeaksPerFrame: o.Config.MaxPeaksPerFrame,
		MaxPeaksTotal:    o.Config.MaxPeaksTotal,
	}
	pk := peaks.Extract(spec, peakCfg)
	if timeOffsetS != 0 {
		for i := range pk {
			pk[i].TimeS += timeOffsetS
		}
	}

	fpCfg := fingerprint.Config{
		FanValue:       o.Config.FanValue,
		MinTimeDeltaMs: o.Config.MinTimeDeltaMs,
		MaxTimeDeltaMs: o.Config.MaxTimeDeltaMs,
		FreqBinCount:   o.Config.FreqBinCount,
		HashMethod:     toFingerprintMethod(o.Config.HashMethod),
	}
	return fingerprint.Generate(pk, fpCfg)
}

// IngestResult reports the outcome of fingerprinting and storing one song.
type IngestResult struct {
	Path      string
	Title     string
	Artist    string
	SongID    uint
	ShardPath string
	NumHashes int
	Err       error
}

// IngestFile decodes, fingerprints in ChunkSizeSeconds-long windows, and
// stores one WAV file as a song. The file is chunked (rather than
// fingerprinted whole) so very long recordings don't force one
// unboundedly large spectrogram through memory at once; chunk-local peak
// times are shifted back to absolute position before hashing.
func (o *Orchestrator) IngestFile(path, title, artist string) (IngestResult, error) {
	fp := o.fingerprintFile(ingestJob{path: path, title: title, artist: artist})
	if fp.err != nil {
		return IngestResult{Path: path}, fp.err
	}

	shard, err := o.Catalog.ShardForInsert()
	if err != nil {
		return IngestResult{Path: path}, err
	}

	rows := make([]store.Fingerprint, len(fp.hashes))
	for i, h := range fp.hashes {
		rows[i] = store.Fingerprint{Hash: h.Hash, AnchorTimeMs: uint32(h.TimeOffset * 1000)}
	}

	songID, err := shard.AddSong(title, artist, path, fp.durationMs, rows)
	if err != nil {
		return IngestResult{Path: path}, err
	}

	o.Log.Infof("ingested %q by %q (%d hashes, shard %s)", title, artist, len(rows), shard.Path)
	return IngestResult{
		Path: path, Title: title, Artist: artist,
		SongID: songID, ShardPath: shard.Path, NumHashes: len(rows),
	}, nil
}

// ingestJob is one unit of work handed to the directory-ingest worker
// pool.
type ingestJob struct {
	path   string
	title  string
	artist string
}

// fingerprinted is a fully processed song waiting for its batch insert.
type fingerprinted struct {
	job        ingestJob
	hashes     []fingerprint.Fingerprint
	durationMs int
	err        error
}

// audioExtensions are the file types directory ingest enumerates. Only
// WAV is decodable here; the rest fail decode and are logged and skipped
// like any other per-file error, so a mixed directory still processes.
var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".flac": true, ".m4a": true, ".ogg": true,
}

// IngestDirectory fingerprints every audio file under dir (recursively)
// using a bounded worker pool, then inserts the successes in batches of
// MaxSongsPerDatabase, one freshly created shard per batch. Batching
// bounds memory to one batch of fingerprint buffers and skips per-insert
// shard selection entirely. progress, if non-nil, is invoked after each
// file completes (done count, total count) for CLI progress-bar wiring.
func (o *Orchestrator) IngestDirectory(dir string, progress func(done, total int)) ([]IngestResult, error) {
	var jobs []ingestJob
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !audioExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		title, artist := splitTitleArtist(stem)
		jobs = append(jobs, ingestJob{path: path, title: title, artist: artist})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory %s: %w: %v", dir, errs.StorageError, err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	workers := o.Config.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan ingestJob)
	resultCh := make(chan fingerprinted, workers)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				resultCh <- o.fingerprintFile(job)
			}
		}()
	}

	go func() {
		for _, j := range jobs {
			jobCh <- j
		}
		close(jobCh)
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	batchSize := o.Config.MaxSongsPerDatabase
	if batchSize <= 0 {
		batchSize = 25
	}

	results := make([]IngestResult, 0, len(jobs))
	var batch []fingerprinted
	done := 0
	batchIdx := 0

	flush := func() {
		if len(batch) == 0 {
			return
		}
		batchIdx++
		results = append(results, o.insertBatch(batch, batchIdx)...)
		batch = batch[:0]
	}

	for res := range resultCh {
		done++
		if progress != nil {
			progress(done, len(jobs))
		}
		if res.err != nil {
			o.Log.Warnf("ingest %s failed: %v", res.job.path, res.err)
			results = append(results, IngestResult{
				Path: res.job.path, Title: res.job.title, Artist: res.job.artist, Err: res.err,
			})
			continue
		}
		batch = append(batch, res)
		if len(batch) == batchSize {
			flush()
		}
	}
	flush()

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

// fingerprintFile runs the CPU-bound stages for one file without touching
// storage, so workers never contend on a shard handle.
func (o *Orchestrator) fingerprintFile(job ingestJob) fingerprinted {
	buf, err := audio.ReadWAV(job.path)
	if err != nil {
		return fingerprinted{job: job, err: err}
	}

	chunkSeconds := o.Config.ChunkSizeSeconds
	if chunkSeconds <= 0 {
		chunkSeconds = 30
	}

	var all []fingerprint.Fingerprint
	numChunks := buf.NumChunks(chunkSeconds)
	for i := 0; i < numChunks; i++ {
		chunk, ok := buf.Chunk(i, chunkSeconds)
		if !ok || len(chunk.Samples) == 0 {
			continue
		}
		fps, err := o.fingerprintBuffer(chunk, float64(i*chunkSeconds))
		if err != nil {
			return fingerprinted{job: job, err: fmt.Errorf("fingerprinting chunk %d of %s: %w", i, job.path, err)}
		}
		all = append(all, fps...)
	}

	return fingerprinted{job: job, hashes: all, durationMs: int(buf.DurationSeconds() * 1000)}
}

// insertBatch stores one batch of fingerprinted songs into a shard created
// for it. A failed insert marks that song's result and the rest proceed.
func (o *Orchestrator) insertBatch(batch []fingerprinted, batchIdx int) []IngestResult {
	out := make([]IngestResult, 0, len(batch))

	shard, err := o.Catalog.NewShard()
	if err != nil {
		o.Log.Warnf("creating shard for batch %d failed: %v", batchIdx, err)
		for _, item := range batch {
			out = append(out, IngestResult{
				Path: item.job.path, Title: item.job.title, Artist: item.job.artist, Err: err,
			})
		}
		return out
	}

	o.Log.Infof("creating shard %s for batch %d (%d songs)", shard.Path, batchIdx, len(batch))
	stored := 0
	for _, item := range batch {
		rows := make([]store.Fingerprint, len(item.hashes))
		for i, fp := range item.hashes {
			rows[i] = store.Fingerprint{Hash: fp.Hash, AnchorTimeMs: uint32(fp.TimeOffset * 1000)}
		}
		songID, err := shard.AddSong(item.job.title, item.job.artist, item.job.path, item.durationMs, rows)
		if err != nil {
			o.Log.Warnf("storing %s failed: %v", item.job.path, err)
			out = append(out, IngestResult{
				Path: item.job.path, Title: item.job.title, Artist: item.job.artist, Err: err,
			})
			continue
		}
		stored++
		out = append(out, IngestResult{
			Path: item.job.path, Title: item.job.title, Artist: item.job.artist,
			SongID: songID, ShardPath: shard.Path, NumHashes: len(item.hashes),
		})
	}
	o.Log.Infof("batch %d completed with %d songs in %s", batchIdx, stored, shard.Path)
	return out
}

// splitTitleArtist derives (title, artist) from a "Title - Artist" file
// stem, falling back to using the whole stem as the title when there's no
// separator.
func splitTitleArtist(stem string) (title, artist string) {
	if idx := strings.Index(stem, " - "); idx >= 0 {
		return strings.TrimSpace(stem[:idx]), strings.TrimSpace(stem[idx+3:])
	}
	return stem, "unknown"
}

// TitleFromPath derives a song title from a file path's stem, for CLI
// callers that didn't pass one explicitly.
func TitleFromPath(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	title, _ := splitTitleArtist(stem)
	return title
}

// Query fingerprints a clip (the first durationS seconds of path, or the
// whole file if durationS <= 0) and fans the resulting hashes out across
// every shard in the catalog, stopping early once a shard's best match
// clears the early-termination confidence.
func (o *Orchestrator) Query(path string, durationS float64) ([]matcher.Match, error) {
	buf, err := audio.ReadWAV(path)
	if err != nil {
		return nil, err
	}
	if durationS > 0 {
		buf = buf.Trim(durationS)
	}

	query, err := o.fingerprintBuffer(buf, 0)
	if err != nil {
		return nil, err
	}
	if len(query) == 0 {
		return nil, nil
	}

	matchCfg := matcher.Config{
		MatchThreshold:   o.Config.MatchThreshold,
		EarlyTermination: o.Config.EarlyTermination,
		MaxReturned:      o.Config.MaxReturned,
	}

	shards := o.Catalog.Shards()
	workers := o.Config.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(shards) {
		workers = len(shards)
	}
	if workers == 0 {
		return nil, nil
	}

	type shardResult struct {
		matches []matcher.Match
		err     error
	}

	shardCh := make(chan *store.Shard)
	resultCh := make(chan shardResult, len(shards))
	stop := make(chan struct{})
	var stopOnce sync.Once

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for shard := range shardCh {
				select {
				case <-stop:
					return
				default:
				}
				matches, err := matcher.MatchShard(shard, query, matchCfg)
				resultCh <- shardResult{matches: matches, err: err}
				if err == nil && matcher.ShouldStopEarly(matches, matchCfg.EarlyTermination) {
					stopOnce.Do(func() { close(stop) })
				}
			}
		}()
	}

	go func() {
		defer close(shardCh)
		for _, s := range shards {
			select {
			case shardCh <- s:
			case <-stop:
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var perShard [][]matcher.Match
	for res := range resultCh {
		if res.err != nil {
			o.Log.Warnf("shard query failed: %v", res.err)
			continue
		}
		perShard = append(perShard, res.matches)
	}

	merged := matcher.Merge(perShard, matchCfg.MaxReturned)
	if matcher.ShouldStopEarly(merged, matchCfg.EarlyTermination) {
		return merged[:1], nil
	}
	return merged, nil
}
