package main

import (
	"flag"
	"os"
	"strings"

	"github.com/asoundlab/soundprint/internal/config"
	"github.com/asoundlab/soundprint/internal/logger"
	"github.com/asoundlab/soundprint/internal/pipeline"
	"github.com/asoundlab/soundprint/internal/store"
)

var (
	port           int
	dbPath         string
	tempDir        string
	workers        int
	threshold      float64
	allowedOrigins string
)

func init() {
	flag.IntVar(&port, "port", 8080, "HTTP server port")
	flag.StringVar(&dbPath, "db", getEnvOrDefault("SOUNDPRINT_DB_PATH", "data/database/fingerprints.db"), "Catalog base path")
	flag.StringVar(&tempDir, "temp", getEnvOrDefault("SOUNDPRINT_TEMP_DIR", os.TempDir()), "Temporary directory for uploads")
	flag.IntVar(&workers, "workers", 4, "Shard query worker count")
	flag.Float64Var(&threshold, "threshold", 0.001, "Minimum match confidence")
	flag.StringVar(&allowedOrigins, "origins", getEnvOrDefault("FRONTEND_URL", "*"), "Comma-separated list of allowed CORS origins (use * for all)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	flag.Parse()
	log := logger.GetLogger()

	var origins []string
	if allowedOrigins == "*" {
		origins = []string{"*"}
	} else {
		origins = strings.Split(allowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}

	// The HTTP surface defaults to a much looser threshold than the CLI:
	// the frontend shows the single best candidate and its score, so weak
	// matches are still worth returning for display.
	cfg := config.New(
		config.WithMatchThreshold(threshold),
		config.WithMaxWorkers(workers),
	)

	dir, base, ext := store.SplitBasePath(dbPath)
	catalog, err := store.OpenCatalog(dir, base, ext, cfg.MaxSongsPerDatabase)
	if err != nil {
		log.Fatalf("failed to open catalog at %s: %v", dbPath, err)
	}
	defer catalog.Close()

	server := NewServer(pipeline.New(catalog, cfg, log), &ServerConfig{
		Port:           port,
		DBPath:         dbPath,
		TempDir:        tempDir,
		AllowedOrigins: origins,
	})
	if err := server.Start(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
