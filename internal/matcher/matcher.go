// Package matcher scores query clips against stored fingerprints. The
// store's join primitive yields (song, time-delta bin, count) groups;
// each group's count over the query size is its confidence, and groups
// clearing the threshold become match candidates. If the query is a
// clean excerpt of a stored song, stored_time - query_time is constant
// across coincident hashes, so the histogram mode recovers both the
// song and the alignment offset. This package turns groups into ranked,
// title-resolved matches and merges them across shards.
package matcher

import (
	"sort"

	"github.com/asoundlab/soundprint/internal/fingerprint"
	"github.com/asoundlab/soundprint/internal/store"
)

// Match is one candidate alignment of the query against a catalog song.
// The same song can appear more than once with distinct offsets; each is
// a separately plausible alignment.
type Match struct {
	SongID     uint
	SongTitle  string
	SongArtist string
	Confidence float64
	OffsetS    float64 // stored_time - query_time at the histogram mode
	MatchCount int
}

// Config holds the match-scoring parameters.
type Config struct {
	MatchThreshold   float64
	EarlyTermination float64
	MaxReturned      int
}

func DefaultConfig() Config {
	return Config{MatchThreshold: 0.05, EarlyTermination: 0.90, MaxReturned: 10}
}

// joinLimit caps how many (song, delta-bin) groups the store returns.
const joinLimit = 100

// MatchShard joins the query fingerprints against one shard and returns
// every group whose confidence clears the threshold, best first. A query
// with no fingerprints returns an empty, non-error result.
func MatchShard(shard *store.Shard, query []fingerprint.Fingerprint, cfg Config) ([]Match, error) {
	if len(query) == 0 {
		return nil, nil
	}

	pairs := make([]store.QueryPair, len(query))
	for i, q := range query {
		pairs[i] = store.QueryPair{Hash: q.Hash, QueryTimeS: q.TimeOffset}
	}

	groups, err := shard.TopDeltaGroups(pairs, joinLimit)
	if err != nil {
		return nil, err
	}

	queryCount := float64(len(query))
	kept := groups[:0]
	ids := make([]uint, 0, len(groups))
	seen := make(map[uint]struct{})
	for _, g := range groups {
		if float64(g.Count)/queryCount < cfg.MatchThreshold {
			continue
		}
		kept = append(kept, g)
		if _, ok := seen[g.SongID]; !ok {
			seen[g.SongID] = struct{}{}
			ids = append(ids, g.SongID)
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}

	songs, err := shard.SongsByIDs(ids)
	if err != nil {
		return nil, err
	}

	out := make([]Match, 0, len(kept))
	for _, g := range kept {
		song, ok := songs[g.SongID]
		if !ok {
			continue
		}
		out = append(out, Match{
			SongID:     g.SongID,
			SongTitle:  song.Title,
			SongArtist: song.Artist,
			Confidence: float64(g.Count) / queryCount,
			OffsetS:    float64(g.DeltaBin) / 10.0,
			MatchCount: g.Count,
		})
	}

	sortMatches(out)
	return out, nil
}

// sortMatches orders by confidence desc, then song ID asc, then offset
// asc, so cross-shard merges are deterministic.
func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].SongID != matches[j].SongID {
			return matches[i].SongID < matches[j].SongID
		}
		return matches[i].OffsetS < matches[j].OffsetS
	})
}

// Merge combines per-shard match lists into one deterministically ordered,
// length-capped result.
func Merge(perShard [][]Match, maxReturned int) []Match {
	var all []Match
	for _, m := range perShard {
		all = append(all, m...)
	}
	sortMatches(all)
	if maxReturned > 0 && len(all) > maxReturned {
		all = all[:maxReturned]
	}
	return all
}

// ShouldStopEarly reports whether a shard's best match already clears the
// early-termination confidence, letting the pipeline orchestrator skip
// querying the remaining shards.
func ShouldStopEarly(matches []Match, earlyTermination float64) bool {
	if len(matches) == 0 {
		return false
	}
	return matches[0].Confidence >= earlyTermination
}
