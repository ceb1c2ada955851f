package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/asoundlab/soundprint/internal/logger"
	"github.com/asoundlab/soundprint/internal/pipeline"
)

// defaultQueryDuration is how many seconds of the uploaded clip are
// fingerprinted when the form omits the duration field.
const defaultQueryDuration = 10.0

// Server encapsulates the HTTP server and its dependencies.
type Server struct {
	orch   *pipeline.Orchestrator
	config *ServerConfig
	log    *logger.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Port           int
	DBPath         string
	TempDir        string
	AllowedOrigins []string
}

// NewServer creates a new server instance.
func NewServer(orch *pipeline.Orchestrator, config *ServerConfig) *Server {
	return &Server{
		orch:   orch,
		config: config,
		log:    logger.GetLogger(),
	}
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response.
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleStats handles GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.Catalog.Stats()
	if err != nil {
		s.log.Errorf("failed to read catalog stats: %v", err)
		s.respondError(w, http.StatusInternalServerError, "failed to retrieve stats")
		return
	}

	s.respondJSON(w, http.StatusOK, StatsResponse{
		Shards:       stats.Shards,
		Songs:        stats.Songs,
		Fingerprints: stats.Fingerprints,
		UniqueHashes: stats.UniqueHashes,
		AvgFpPerSong: stats.AvgFpPerSong,
		SizeBytes:    stats.SizeBytes,
	})
}

// handleIdentify handles POST /identify (multipart file upload). The form
// carries the audio under "file" and an optional "duration" in seconds.
func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Max 50MB upload.
	if err := r.ParseMultipartForm(50 << 20); err != nil {
		s.log.Errorf("failed to parse form: %v", err)
		s.respondError(w, http.StatusBadRequest, "failed to parse form data")
		return
	}

	duration := defaultQueryDuration
	if d := r.FormValue("duration"); d != "" {
		parsed, err := strconv.ParseFloat(d, 64)
		if err != nil || parsed <= 0 {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid duration %q", d))
			return
		}
		duration = parsed
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.log.Errorf("failed to get audio file: %v", err)
		s.respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	tempFile := filepath.Join(s.config.TempDir, fmt.Sprintf("query_%s%s", uuid.NewString(), filepath.Ext(header.Filename)))
	out, err := os.Create(tempFile)
	if err != nil {
		s.log.Errorf("failed to create temp file: %v", err)
		s.respondError(w, http.StatusInternalServerError, "failed to process upload")
		return
	}
	defer os.Remove(tempFile)

	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		s.log.Errorf("failed to save file: %v", err)
		s.respondError(w, http.StatusInternalServerError, "failed to save uploaded file")
		return
	}
	out.Close()

	s.log.Infof("identifying uploaded clip %s (%.1fs window)", header.Filename, duration)
	matches, err := s.orch.Query(tempFile, duration)
	if err != nil {
		s.log.Errorf("failed to identify clip: %v", err)
		s.respondError(w, http.StatusInternalServerError, fmt.Sprintf("failed to identify clip: %v", err))
		return
	}

	if len(matches) == 0 {
		s.log.Infof("no matches found for %s", header.Filename)
		s.respondError(w, http.StatusNotFound, "no matches found")
		return
	}

	best := matches[0]
	s.log.Infof("matched %q by %q (%.2f%% at %.2fs)", best.SongTitle, best.SongArtist, best.Confidence*100, best.OffsetS)
	s.respondJSON(w, http.StatusOK, IdentifyResponse{
		Matches: MatchDTO{
			SongID:     best.SongID,
			SongName:   best.SongTitle,
			Artist:     best.SongArtist,
			Confidence: best.Confidence,
			Offset:     best.OffsetS,
			MatchCount: best.MatchCount,
		},
	})
}
