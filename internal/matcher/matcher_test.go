package matcher

import (
	"path/filepath"
	"testing"

	"github.com/asoundlab/soundprint/internal/fingerprint"
	"github.com/asoundlab/soundprint/internal/store"
)

func setupShard(t *testing.T) *store.Shard {
	t.Helper()
	shard, err := store.OpenShard(filepath.Join(t.TempDir(), "match_0.db"))
	if err != nil {
		t.Fatalf("Failed to open test shard: %v", err)
	}
	t.Cleanup(func() { shard.Close() })
	return shard
}

// storeSong inserts n fingerprints with sequential hashes anchored at
// startS, startS+0.1, ... and returns the song ID.
func storeSong(t *testing.T, shard *store.Shard, title string, startHash uint32, n int, startS float64) uint {
	t.Helper()
	rows := make([]store.Fingerprint, n)
	for i := range rows {
		rows[i] = store.Fingerprint{
			Hash:         startHash + uint32(i),
			AnchorTimeMs: uint32((startS + float64(i)*0.1) * 1000),
		}
	}
	id, err := shard.AddSong(title, "artist", "", 120000, rows)
	if err != nil {
		t.Fatalf("Failed to store %q: %v", title, err)
	}
	return id
}

// queryFor builds query fingerprints whose hashes match storeSong's but
// whose times start at zero, as if the clip began at the stored anchors'
// start.
func queryFor(startHash uint32, n int) []fingerprint.Fingerprint {
	out := make([]fingerprint.Fingerprint, n)
	for i := range out {
		out[i] = fingerprint.Fingerprint{
			Hash:       startHash + uint32(i),
			TimeOffset: float64(i) * 0.1,
		}
	}
	return out
}

func TestMatchShardSelfMatch(t *testing.T) {
	shard := setupShard(t)
	songID := storeSong(t, shard, "Exact", 1000, 20, 0)

	matches, err := MatchShard(shard, queryFor(1000, 20), DefaultConfig())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("Expected a self-match")
	}

	best := matches[0]
	if best.SongID != songID || best.SongTitle != "Exact" {
		t.Errorf("Expected song %d %q, got %d %q", songID, "Exact", best.SongID, best.SongTitle)
	}
	if best.Confidence != 1.0 {
		t.Errorf("Expected confidence 1.0 for a full overlap, got %f", best.Confidence)
	}
	if best.OffsetS != 0 {
		t.Errorf("Expected offset 0, got %f", best.OffsetS)
	}
	if best.MatchCount != 20 {
		t.Errorf("Expected 20 matched hashes, got %d", best.MatchCount)
	}
}

func TestMatchShardOffsetRecovery(t *testing.T) {
	shard := setupShard(t)
	songID := storeSong(t, shard, "Shifted", 2000, 20, 30.0)

	matches, err := MatchShard(shard, queryFor(2000, 20), DefaultConfig())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("Expected a match")
	}
	if matches[0].SongID != songID {
		t.Fatalf("Expected song %d, got %d", songID, matches[0].SongID)
	}
	if matches[0].OffsetS != 30.0 {
		t.Errorf("Expected offset 30.0, got %f", matches[0].OffsetS)
	}
}

func TestMatchShardThreshold(t *testing.T) {
	shard := setupShard(t)
	storeSong(t, shard, "Weak", 3000, 5, 0)

	// Only 5 of 100 query fingerprints hit: confidence 0.05 is below a
	// 0.5 threshold and above a 0.01 one.
	query := queryFor(3000, 5)
	for i := 5; i < 100; i++ {
		query = append(query, fingerprint.Fingerprint{Hash: uint32(900000 + i), TimeOffset: float64(i) * 0.1})
	}

	cfg := DefaultConfig()
	cfg.MatchThreshold = 0.5
	matches, err := MatchShard(shard, query, cfg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Expected no matches above a 0.5 threshold, got %d", len(matches))
	}

	cfg.MatchThreshold = 0.01
	matches, err = MatchShard(shard, query, cfg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Expected one weak match above a 0.01 threshold, got %d", len(matches))
	}
	if matches[0].Confidence != 0.05 {
		t.Errorf("Expected confidence 0.05, got %f", matches[0].Confidence)
	}
}

func TestMatchShardDistinctAlignments(t *testing.T) {
	shard := setupShard(t)

	// The same hash sequence occurs at 10s and 40s in one song.
	var rows []store.Fingerprint
	for i := 0; i < 10; i++ {
		rows = append(rows, store.Fingerprint{Hash: uint32(4000 + i), AnchorTimeMs: uint32(10000 + i*100)})
		rows = append(rows, store.Fingerprint{Hash: uint32(4000 + i), AnchorTimeMs: uint32(40000 + i*100)})
	}
	songID, err := shard.AddSong("Repeat", "artist", "", 60000, rows)
	if err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	matches, err := MatchShard(shard, queryFor(4000, 10), cfg)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Expected two alignments of the same song, got %d", len(matches))
	}
	for _, m := range matches {
		if m.SongID != songID {
			t.Errorf("Unexpected song %d", m.SongID)
		}
		if m.Confidence != 1.0 {
			t.Errorf("Expected confidence 1.0 per alignment, got %f", m.Confidence)
		}
	}
	if matches[0].OffsetS != 10.0 || matches[1].OffsetS != 40.0 {
		t.Errorf("Expected offsets 10.0 and 40.0, got %f and %f", matches[0].OffsetS, matches[1].OffsetS)
	}
}

func TestMatchShardEmptyQuery(t *testing.T) {
	shard := setupShard(t)
	storeSong(t, shard, "Lonely", 5000, 10, 0)

	matches, err := MatchShard(shard, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("Expected no error for an empty query, got %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Expected no matches for an empty query, got %d", len(matches))
	}
}

func TestMatchShardNoOverlap(t *testing.T) {
	shard := setupShard(t)
	storeSong(t, shard, "Unrelated", 6000, 10, 0)

	matches, err := MatchShard(shard, queryFor(700000, 10), DefaultConfig())
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("Expected no matches for disjoint hashes, got %d", len(matches))
	}
}

func TestMergeOrderAndCap(t *testing.T) {
	perShard := [][]Match{
		{{SongID: 3, Confidence: 0.4, OffsetS: 1}},
		{{SongID: 1, Confidence: 0.9, OffsetS: 0}, {SongID: 2, Confidence: 0.4, OffsetS: 5}},
		{{SongID: 2, Confidence: 0.4, OffsetS: 2}},
	}

	merged := Merge(perShard, 3)
	if len(merged) != 3 {
		t.Fatalf("Expected the cap of 3 matches, got %d", len(merged))
	}
	if merged[0].SongID != 1 {
		t.Errorf("Expected the 0.9-confidence match first, got song %d", merged[0].SongID)
	}
	// Ties on confidence break by song ID, then offset.
	if merged[1].SongID != 2 || merged[1].OffsetS != 2 {
		t.Errorf("Expected song 2 at offset 2 second, got song %d at %f", merged[1].SongID, merged[1].OffsetS)
	}
	if merged[2].SongID != 2 || merged[2].OffsetS != 5 {
		t.Errorf("Expected song 2 at offset 5 third, got song %d at %f", merged[2].SongID, merged[2].OffsetS)
	}
}

func TestShouldStopEarly(t *testing.T) {
	if ShouldStopEarly(nil, 0.9) {
		t.Error("Empty matches must not stop early")
	}
	if ShouldStopEarly([]Match{{Confidence: 0.5}}, 0.9) {
		t.Error("0.5 confidence must not clear a 0.9 bar")
	}
	if !ShouldStopEarly([]Match{{Confidence: 0.95}}, 0.9) {
		t.Error("0.95 confidence must clear a 0.9 bar")
	}
	if !ShouldStopEarly([]Match{{Confidence: 0.9}}, 0.9) {
		t.Error("The bar is inclusive")
	}
}
