// Command soundprint-cli is the administrative and query surface for the
// fingerprint catalog: fingerprint a single file or a whole directory into
// a shard set, identify a clip against it, and print aggregate stats.
// Dispatch is os.Args[1] as the verb with a flag.FlagSet per verb.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/asoundlab/soundprint/internal/config"
	"github.com/asoundlab/soundprint/internal/logger"
	"github.com/asoundlab/soundprint/internal/pipeline"
	"github.com/asoundlab/soundprint/internal/store"
)

func main() {
	printBanner()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "fingerprint":
		handleFingerprint()
	case "identify":
		handleIdentify()
	case "stats":
		handleStats()
	case "admin":
		handleAdmin()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printBanner() {
	fmt.Print(`
   ___                      _ ____       _       _
  / __|___ _  _ _ _  __| |_ _ _(_)_ _  | |_
  \__ \/ _ \ || | ' \/ _` + "`" + ` | '_| | ' \| _|
  |___/\___/\_,_|_||_\__,_|_| |_|_||_|\__|
          acoustic fingerprint matcher
`)
}

func printUsage() {
	fmt.Println("soundprint - audio fingerprinting and matching")
	fmt.Println("\nUsage:")
	fmt.Println("  soundprint-cli fingerprint <wav_file> [--name <title>] [--artist <artist>] [--db <base_path>] [--chunk-size <s>] [--hash-method v1|v2|both] [--log]")
	fmt.Println("  soundprint-cli fingerprint <dir> --dir [--db <base_path>] [--workers <n>] [--songs-per-db <n>] [--log]")
	fmt.Println("  soundprint-cli identify <wav_file> [--db <base_path>] [--duration <s>] [--threshold <f>] [--workers <n>] [--hash-method v1|v2|both] [--log]")
	fmt.Println("  soundprint-cli stats [--db <base_path>] [--log]")
}

const defaultDBPath = "data/database/fingerprints.db"

// verboseLogging drops the process logger to DEBUG when --log is passed.
func verboseLogging(enabled bool) *logger.Logger {
	log := logger.GetLogger()
	if enabled {
		log.SetLevel(logger.DEBUG)
	}
	return log
}

func openCatalog(dbPath string, maxSongsPerDB int) *store.Catalog {
	dir, base, ext := store.SplitBasePath(dbPath)
	catalog, err := store.OpenCatalog(dir, base, ext, maxSongsPerDB)
	if err != nil {
		fmt.Printf("failed to open catalog at %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	return catalog
}

func handleFingerprint() {
	fs := flag.NewFlagSet("fingerprint", flag.ExitOnError)
	name := fs.String("name", "", "song title (defaults to the file stem)")
	artist := fs.String("artist", "unknown", "artist name")
	dbPath := fs.String("db", defaultDBPath, "catalog base path")
	isDir := fs.Bool("dir", false, "treat the path as a directory of audio files")
	chunkSize := fs.Int("chunk-size", 30, "ingest chunk size in seconds")
	hashMethod := fs.String("hash-method", "both", "v1, v2, or both")
	workers := fs.Int("workers", 4, "ingest worker count (directory mode)")
	songsPerDB := fs.Int("songs-per-db", 25, "max songs per shard")
	verbose := fs.Bool("log", false, "enable debug logging")

	if len(os.Args) < 3 {
		fmt.Println("Usage: soundprint-cli fingerprint <path> [--dir] [--name <title>] [--db <base_path>]")
		os.Exit(1)
	}
	path := os.Args[2]
	fs.Parse(os.Args[3:])

	log := verboseLogging(*verbose)

	cfg := config.New(
		config.WithHashMethod(config.HashMethod(*hashMethod)),
		config.WithChunkSizeSeconds(*chunkSize),
		config.WithMaxSongsPerDatabase(*songsPerDB),
		config.WithMaxWorkers(*workers),
	)

	catalog := openCatalog(*dbPath, *songsPerDB)
	defer catalog.Close()

	orch := pipeline.New(catalog, cfg, log)

	if *isDir {
		fingerprintDirectory(orch, path)
		return
	}

	title := *name
	if title == "" {
		title = pipeline.TitleFromPath(path)
	}

	fmt.Printf("Fingerprinting %q...\n", path)
	result, err := orch.IngestFile(path, title, *artist)
	if err != nil {
		fmt.Printf("Failed to fingerprint %s: %v\n", path, err)
		os.Exit(1)
	}

	fmt.Printf("Stored %q by %q (song id %d, %d hashes, shard %s)\n",
		result.Title, result.Artist, result.SongID, result.NumHashes, result.ShardPath)
}

func fingerprintDirectory(orch *pipeline.Orchestrator, dir string) {
	var bar *progressbar.ProgressBar
	results, err := orch.IngestDirectory(dir, func(done, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), "fingerprinting")
		}
		bar.Set(done)
	})
	if err != nil {
		fmt.Printf("Failed to fingerprint directory %s: %v\n", dir, err)
		os.Exit(1)
	}

	succeeded, failed := 0, 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("  failed %s: %v\n", r.Path, r.Err)
			continue
		}
		succeeded++
	}
	fmt.Printf("\nFingerprinted %d file(s), %d failed\n", succeeded, failed)
}

func handleIdentify() {
	fs := flag.NewFlagSet("identify", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath, "catalog base path")
	duration := fs.Float64("duration", 10, "seconds of the clip to use (0 = whole file)")
	threshold := fs.Float64("threshold", 0.05, "minimum match confidence")
	workers := fs.Int("workers", 4, "shard query worker count")
	hashMethod := fs.String("hash-method", "both", "v1, v2, or both")
	verbose := fs.Bool("log", false, "enable debug logging")

	if len(os.Args) < 3 {
		fmt.Println("Usage: soundprint-cli identify <wav_file> [--db <base_path>] [--duration <s>] [--threshold <f>]")
		os.Exit(1)
	}
	wavPath := os.Args[2]
	fs.Parse(os.Args[3:])

	log := verboseLogging(*verbose)

	cfg := config.New(
		config.WithMatchThreshold(*threshold),
		config.WithMaxWorkers(*workers),
		config.WithHashMethod(config.HashMethod(*hashMethod)),
	)

	catalog := openCatalog(*dbPath, cfg.MaxSongsPerDatabase)
	defer catalog.Close()

	orch := pipeline.New(catalog, cfg, log)
	fmt.Printf("Identifying %q...\n", wavPath)
	matches, err := orch.Query(wavPath, *duration)
	if err != nil {
		fmt.Printf("Failed to identify %s: %v\n", wavPath, err)
		os.Exit(1)
	}

	if len(matches) == 0 {
		log.Infof("No matches found")
		fmt.Println("\nNo matches found")
		return
	}

	best := matches[0]
	fmt.Printf("\nBest match: %q by %s\n", best.SongTitle, best.SongArtist)
	fmt.Printf("  confidence: %.2f%%  offset: %.2fs  matches: %d\n", best.Confidence*100, best.OffsetS, best.MatchCount)

	if len(matches) > 1 {
		fmt.Println("\nOther candidates:")
		for _, m := range matches[1:] {
			fmt.Printf("  %q by %s (%.2f%% at %.2fs, %d matches)\n",
				m.SongTitle, m.SongArtist, m.Confidence*100, m.OffsetS, m.MatchCount)
		}
	}
}

func handleStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath, "catalog base path")
	verbose := fs.Bool("log", false, "enable debug logging")
	fs.Parse(os.Args[2:])

	verboseLogging(*verbose)

	catalog := openCatalog(*dbPath, 25)
	defer catalog.Close()

	stats, err := catalog.Stats()
	if err != nil {
		fmt.Printf("Failed to read stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("shards:          %d\n", stats.Shards)
	fmt.Printf("songs:           %s\n", humanize.Comma(int64(stats.Songs)))
	fmt.Printf("fingerprints:    %s\n", humanize.Comma(int64(stats.Fingerprints)))
	fmt.Printf("unique hashes:   %s\n", humanize.Comma(int64(stats.UniqueHashes)))
	fmt.Printf("avg fp per song: %.1f\n", stats.AvgFpPerSong)
	fmt.Printf("size:            %s\n", humanize.Bytes(uint64(stats.SizeBytes)))
	for _, s := range stats.PerShard {
		fmt.Printf("  %s: %d songs, %d fingerprints, %s\n",
			s.Path, s.Songs, s.Fingerprints, humanize.Bytes(uint64(s.SizeBytes)))
	}
}

// handleAdmin is intentionally undocumented in printUsage: `admin clear`
// wipes every shard and is meant for test fixtures, not everyday use.
func handleAdmin() {
	if len(os.Args) < 3 || os.Args[2] != "clear" {
		fmt.Println("Usage: soundprint-cli admin clear --db <base_path>")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("admin-clear", flag.ExitOnError)
	dbPath := fs.String("db", defaultDBPath, "catalog base path")
	fs.Parse(os.Args[3:])

	catalog := openCatalog(*dbPath, 25)
	defer catalog.Close()

	if err := catalog.Clear(); err != nil {
		fmt.Printf("Failed to clear catalog: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Catalog cleared")
}
