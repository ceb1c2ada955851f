// Package store is the persistence layer: a Shard wraps one GORM/SQLite
// file holding a bounded number of songs and their fingerprints, and
// Catalog (catalog.go) discovers and selects among many shard files so a
// set of small databases behaves like one logical store.
package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/asoundlab/soundprint/internal/errs"
)

// Song is the canonical metadata row for one fingerprinted track. Titles
// are not unique: two distinct recordings may share a name, and each gets
// its own row.
type Song struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Title      string `gorm:"index"`
	Artist     string
	Path       string
	DurationMs int
	CreatedAt  time.Time
}

// Fingerprint is one landmark-pair hash, indexed for lookup by hash.
type Fingerprint struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Hash         uint32 `gorm:"index:idx_hash"`
	SongID       uint   `gorm:"index:idx_song"`
	AnchorTimeMs uint32
}

// Couple is a (song, anchor time) pair returned by a hash lookup.
type Couple struct {
	SongID       uint
	AnchorTimeMs uint32
}

// Shard wraps a single SQLite file's GORM handle.
type Shard struct {
	Path string
	db   *gorm.DB
}

// OpenShard opens (creating if absent) the SQLite file at path and
// migrates the Song/Fingerprint schema.
func OpenShard(path string) (*Shard, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating shard dir %s: %w: %v", dir, errs.StorageError, err)
		}
	}

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=on"), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening shard %s: %w: %v", path, errs.StorageError, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql.DB for shard %s: %w: %v", path, errs.StorageError, err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Song{}, &Fingerprint{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating shard %s: %w: %v", path, errs.StorageError, err)
	}

	return &Shard{Path: path, db: db}, nil
}

// Close releases the underlying SQLite connection.
func (s *Shard) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SongCount returns the number of songs registered in this shard, the
// quantity the catalog's shard-selection policy is bounded on.
func (s *Shard) SongCount() (int, error) {
	var count int64
	if err := s.db.Model(&Song{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("counting songs in %s: %w: %v", s.Path, errs.StorageError, err)
	}
	return int(count), nil
}

// AddSong registers a song and its fingerprints in one transaction. Every
// call creates a new song row with the next monotonic ID, duplicates
// included; on any error the transaction rolls back and the shard is
// unchanged.
func (s *Shard) AddSong(title, artist, path string, durationMs int, hashes []Fingerprint) (uint, error) {
	var songID uint

	err := s.db.Transaction(func(tx *gorm.DB) error {
		song := Song{Title: title, Artist: artist, Path: path, DurationMs: durationMs, CreatedAt: time.Now()}
		if err := tx.Create(&song).Error; err != nil {
			return fmt.Errorf("creating song: %w", err)
		}
		songID = song.ID

		rows := make([]Fingerprint, len(hashes))
		for i, h := range hashes {
			rows[i] = Fingerprint{Hash: h.Hash, SongID: songID, AnchorTimeMs: h.AnchorTimeMs}
		}
		for start := 0; start < len(rows); start += 500 {
			end := start + 500
			if end > len(rows) {
				end = len(rows)
			}
			if err := tx.CreateInBatches(rows[start:end], 500).Error; err != nil {
				return fmt.Errorf("inserting fingerprints: %w", err)
			}
		}
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("adding song %q/%q to %s: %w: %v", title, artist, s.Path, errs.StorageError, err)
	}
	return songID, nil
}

// LookupHashes returns, for each of the given hashes, the couples recorded
// against it in this shard. Hashes with no matches are omitted from the
// result map.
func (s *Shard) LookupHashes(hashes []uint32) (map[uint32][]Couple, error) {
	if len(hashes) == 0 {
		return map[uint32][]Couple{}, nil
	}

	var rows []Fingerprint
	if err := s.db.Where("hash IN ?", hashes).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("looking up %d hashes in %s: %w: %v", len(hashes), s.Path, errs.StorageError, err)
	}

	out := make(map[uint32][]Couple)
	for _, r := range rows {
		out[r.Hash] = append(out[r.Hash], Couple{SongID: r.SongID, AnchorTimeMs: r.AnchorTimeMs})
	}
	return out, nil
}

// QueryPair is one query-side fingerprint handed to the join primitive.
type QueryPair struct {
	Hash       uint32
	QueryTimeS float64
}

// DeltaGroup is one (song, rounded time delta) histogram bucket with its
// hit count. DeltaBin is the delta rounded to the nearest 0.1s, stored as
// tenths of a second.
type DeltaGroup struct {
	SongID   uint
	DeltaBin int64
	Count    int
}

// TopDeltaGroups is the shard-side join primitive: for a set of
// (hash, query_time) pairs it returns the top `limit` groups by count of
// (song_id, round10(stored_time - query_time)). The candidate rows come
// back from one indexed IN-list query; the grouping itself runs in memory
// since the candidate set is already in hand.
func (s *Shard) TopDeltaGroups(query []QueryPair, limit int) ([]DeltaGroup, error) {
	if len(query) == 0 {
		return nil, nil
	}

	hashSet := make(map[uint32]struct{}, len(query))
	hashes := make([]uint32, 0, len(query))
	for _, q := range query {
		if _, ok := hashSet[q.Hash]; ok {
			continue
		}
		hashSet[q.Hash] = struct{}{}
		hashes = append(hashes, q.Hash)
	}

	couples, err := s.LookupHashes(hashes)
	if err != nil {
		return nil, err
	}

	type key struct {
		songID uint
		bin    int64
	}
	counts := make(map[key]int)
	for _, q := range query {
		for _, c := range couples[q.Hash] {
			delta := float64(c.AnchorTimeMs)/1000.0 - q.QueryTimeS
			bin := int64(math.Round(delta * 10))
			counts[key{songID: c.SongID, bin: bin}]++
		}
	}

	groups := make([]DeltaGroup, 0, len(counts))
	for k, n := range counts {
		groups = append(groups, DeltaGroup{SongID: k.songID, DeltaBin: k.bin, Count: n})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		if groups[i].SongID != groups[j].SongID {
			return groups[i].SongID < groups[j].SongID
		}
		return groups[i].DeltaBin < groups[j].DeltaBin
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

// SongsByIDs resolves song metadata for a set of IDs in one IN-list query.
func (s *Shard) SongsByIDs(ids []uint) (map[uint]Song, error) {
	if len(ids) == 0 {
		return map[uint]Song{}, nil
	}
	var rows []Song
	if err := s.db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetching %d songs from %s: %w: %v", len(ids), s.Path, errs.StorageError, err)
	}
	out := make(map[uint]Song, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// ShardStats is one shard's contribution to a catalog Stats aggregate.
type ShardStats struct {
	Path         string
	Songs        int
	Fingerprints int
	UniqueHashes int
	AvgFpPerSong float64
	SizeBytes    int64
}

// Stats reports this shard's song/fingerprint/hash counts and on-disk size.
func (s *Shard) Stats() (ShardStats, error) {
	out := ShardStats{Path: s.Path}

	var songs int64
	if err := s.db.Model(&Song{}).Count(&songs).Error; err != nil {
		return ShardStats{}, fmt.Errorf("counting songs in %s: %w: %v", s.Path, errs.StorageError, err)
	}
	var fps int64
	if err := s.db.Model(&Fingerprint{}).Count(&fps).Error; err != nil {
		return ShardStats{}, fmt.Errorf("counting fingerprints in %s: %w: %v", s.Path, errs.StorageError, err)
	}
	var unique int64
	if err := s.db.Model(&Fingerprint{}).Distinct("hash").Count(&unique).Error; err != nil {
		return ShardStats{}, fmt.Errorf("counting unique hashes in %s: %w: %v", s.Path, errs.StorageError, err)
	}

	out.Songs = int(songs)
	out.Fingerprints = int(fps)
	out.UniqueHashes = int(unique)
	if songs > 0 {
		out.AvgFpPerSong = float64(fps) / float64(songs)
	}
	if info, err := os.Stat(s.Path); err == nil {
		out.SizeBytes = info.Size()
	}
	return out, nil
}

// SongByID fetches one song's metadata.
func (s *Shard) SongByID(id uint) (Song, error) {
	var song Song
	if err := s.db.First(&song, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Song{}, fmt.Errorf("song %d not found in %s: %w", id, s.Path, errs.NotFound)
		}
		return Song{}, fmt.Errorf("fetching song %d from %s: %w: %v", id, s.Path, errs.StorageError, err)
	}
	return song, nil
}

// Clear deletes every song and fingerprint in this shard, for the
// administrative "clear" operation. Song IDs restart from 1 afterwards.
func (s *Shard) Clear() error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&Fingerprint{}).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&Song{}).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	// The sequence table only exists once something was inserted; a
	// missing one is fine to ignore.
	s.db.Exec("DELETE FROM sqlite_sequence WHERE name IN ('songs', 'fingerprints')")
	return nil
}
