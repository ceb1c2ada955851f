package main

// MatchDTO is the best alignment of the query against the catalog.
type MatchDTO struct {
	SongID     uint    `json:"song_id"`
	SongName   string  `json:"song_name"`
	Artist     string  `json:"artist,omitempty"`
	Confidence float64 `json:"confidence"`
	Offset     float64 `json:"offset"`
	MatchCount int     `json:"match_count"`
}

// IdentifyResponse is the response for POST /identify. Only the
// highest-confidence match is returned.
type IdentifyResponse struct {
	Matches MatchDTO `json:"matches"`
}

// StatsResponse is the response for GET /stats.
type StatsResponse struct {
	Shards       int     `json:"shards"`
	Songs        int     `json:"songs"`
	Fingerprints int     `json:"fingerprints"`
	UniqueHashes int     `json:"unique_hashes"`
	AvgFpPerSong float64 `json:"avg_fp_per_song"`
	SizeBytes    int64   `json:"size_bytes"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}
