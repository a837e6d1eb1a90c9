// Command seed loads pre-recorded WAV clips into the fallback-audio cache
// so a capability-breaker fallback message plays from disk on the very
// first trip instead of needing a successful TTS call to populate itself.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/nexus-voice-core/internal/filler"
)

func main() {
	godotenv.Load()

	dir := flag.String("dir", "", "directory of .wav clips to seed, one per fallback message")
	dbPath := flag.String("db", envOr("FALLBACK_AUDIO_DB_PATH", "fallback_audio.db"), "fallback audio SQLite path")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: seed --dir ./samples/fallback_audio/")
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := filler.OpenFallbackDB(*dbPath)
	if err != nil {
		slog.Error("open fallback db", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	cache := (&filler.Cache{}).WithFallbackDB(db)

	files, err := filepath.Glob(filepath.Join(*dir, "*.wav"))
	if err != nil {
		slog.Error("glob wav files", "error", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no .wav files found in", *dir)
		os.Exit(1)
	}

	var seeded int
	for _, path := range files {
		key, pcm, err := decodeFallbackClip(path)
		if err != nil {
			slog.Error("decode clip", "file", path, "error", err)
			continue
		}
		if err := cache.StoreFallbackAudio(key, pcm); err != nil {
			slog.Error("store fallback audio", "file", path, "error", err)
			continue
		}
		seeded++
		slog.Info("seeded fallback clip", "file", path, "key", key, "bytes", len(pcm))
	}

	slog.Info("done", "seeded", seeded, "found", len(files))
}

// decodeFallbackClip reads a WAV file and returns the fallback message key
// (its filename with underscores turned back into spaces) alongside the
// raw PCM16 samples, resampled to nothing — stored exactly as encoded,
// matching what a TTS provider would have returned.
func decodeFallbackClip(path string) (string, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return "", nil, fmt.Errorf("decode wav: %w", err)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		clamped := int(math.Max(math.MinInt16, math.Min(math.MaxInt16, float64(sample))))
		pcm[i*2] = byte(clamped)
		pcm[i*2+1] = byte(clamped >> 8)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	key := strings.ReplaceAll(base, "_", " ")
	return key, pcm, nil
}

func envOr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
