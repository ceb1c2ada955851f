package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/asoundlab/soundprint/internal/errs"
)

// Catalog is a set of bounded Shards discovered from a single naming
// pattern: baseDir/base_<index><ext> (e.g. songs_1.sqlite3, songs_2.sqlite3).
// Each shard holds at most maxSongsPerDB songs; Catalog is the layer that
// makes "many small databases" behave like one logical store.
type Catalog struct {
	dir           string
	base          string
	ext           string
	maxSongsPerDB int

	mu     sync.Mutex
	shards []*Shard // ordered by index
}

// OpenCatalog discovers every existing shard matching dir/base_*ext and
// opens it. If none exist, the catalog starts empty; the first AddSong
// call (via ShardForInsert) creates base_1<ext>.
func OpenCatalog(dir, base, ext string, maxSongsPerDB int) (*Catalog, error) {
	if maxSongsPerDB <= 0 {
		return nil, fmt.Errorf("max_songs_per_db must be positive, got %d: %w", maxSongsPerDB, errs.ConfigError)
	}

	c := &Catalog{dir: dir, base: base, ext: ext, maxSongsPerDB: maxSongsPerDB}

	pattern := filepath.Join(dir, base+"_*"+ext)
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w: %v", pattern, errs.StorageError, err)
	}

	type indexed struct {
		index int
		path  string
	}
	found := make([]indexed, 0, len(paths))
	for _, p := range paths {
		idx, ok := shardIndex(p, base, ext)
		if !ok {
			continue
		}
		found = append(found, indexed{index: idx, path: p})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	for _, f := range found {
		shard, err := OpenShard(f.path)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.shards = append(c.shards, shard)
	}

	return c, nil
}

// SplitBasePath derives a catalog's on-disk layout from one base path:
// "data/database/fingerprints.db" names the directory, the base name the
// shard files share, and their extension. A missing extension falls back
// to .db so bare base names still produce a valid glob.
func SplitBasePath(basePath string) (dir, base, ext string) {
	dir = filepath.Dir(basePath)
	name := filepath.Base(basePath)
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".db"
	}
	return dir, base, ext
}

// shardIndex extracts the <index> out of dir/base_<index>ext.
func shardIndex(path, base, ext string) (int, bool) {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, ext)
	prefix := base + "_"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	idxStr := strings.TrimPrefix(name, prefix)
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// Shards returns every open shard, in ascending index order. Callers must
// not mutate the returned slice.
func (c *Catalog) Shards() []*Shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Shard, len(c.shards))
	copy(out, c.shards)
	return out
}

// ShardForInsert returns the shard a new song should be written to: the
// existing shard with the fewest songs among those under the cap (lowest
// index on ties), or a freshly created next-index shard if every existing
// shard is at capacity (or none exist yet).
func (c *Catalog) ShardForInsert() (*Shard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Shard
	bestCount := 0
	for _, shard := range c.shards {
		count, err := shard.SongCount()
		if err != nil {
			return nil, err
		}
		if count >= c.maxSongsPerDB {
			continue
		}
		if best == nil || count < bestCount {
			best = shard
			bestCount = count
		}
	}
	if best != nil {
		return best, nil
	}
	return c.newShardLocked()
}

// NewShard creates and opens the next-index shard unconditionally, for
// batch ingest where each batch gets a shard of its own.
func (c *Catalog) NewShard() (*Shard, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newShardLocked()
}

func (c *Catalog) newShardLocked() (*Shard, error) {
	// Shard files are 1-indexed: the first is base_1<ext>, then
	// base_<existing_count+1><ext> as the catalog grows.
	nextIndex := len(c.shards) + 1
	path := filepath.Join(c.dir, fmt.Sprintf("%s_%d%s", c.base, nextIndex, c.ext))
	shard, err := OpenShard(path)
	if err != nil {
		return nil, err
	}
	c.shards = append(c.shards, shard)
	return shard, nil
}

// Stats aggregates per-shard statistics across the catalog, for the
// `stats` CLI verb. UniqueHashes is summed per shard; a hash present in
// two shards counts twice, since each shard's index is independent.
type Stats struct {
	Shards       int
	Songs        int
	Fingerprints int
	UniqueHashes int
	AvgFpPerSong float64
	SizeBytes    int64
	PerShard     []ShardStats
}

// Stats walks every shard and sums its counts.
func (c *Catalog) Stats() (Stats, error) {
	shards := c.Shards()
	out := Stats{Shards: len(shards), PerShard: make([]ShardStats, 0, len(shards))}

	for _, shard := range shards {
		ss, err := shard.Stats()
		if err != nil {
			return Stats{}, err
		}
		out.Songs += ss.Songs
		out.Fingerprints += ss.Fingerprints
		out.UniqueHashes += ss.UniqueHashes
		out.SizeBytes += ss.SizeBytes
		out.PerShard = append(out.PerShard, ss)
	}
	if out.Songs > 0 {
		out.AvgFpPerSong = float64(out.Fingerprints) / float64(out.Songs)
	}
	return out, nil
}

// Clear empties every shard (administrative op, not exposed by default in
// the CLI surface).
func (c *Catalog) Clear() error {
	for _, shard := range c.Shards() {
		if err := shard.Clear(); err != nil {
			return fmt.Errorf("clearing %s: %w", shard.Path, err)
		}
	}
	return nil
}

// Close closes every shard, collecting (not stopping on) the first error.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, shard := range c.shards {
		if err := shard.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
