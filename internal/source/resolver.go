// Package source validates submitted video references and extracts a
// decodable audio payload from the upstream host via the yt-dlp binary.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/recapd/recapd/internal/apperr"
	"github.com/recapd/recapd/internal/logger"
)

const audioFileName = "audio.wav"

// Config holds configuration for the resolver.
type Config struct {
	// Binary is the yt-dlp executable (resolved via PATH when bare).
	Binary string `yaml:"binary" mapstructure:"binary"`
	// TempDir is where per-job audio directories are created.
	// Empty means the system temp dir.
	TempDir string `yaml:"temp_dir" mapstructure:"temp_dir"`
	// GracePeriod is how long to wait after SIGTERM before SIGKILL when a
	// resolve is cancelled.
	GracePeriod time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
}

// ApplyDefaults applies default values to resolver configuration.
func (c *Config) ApplyDefaults() {
	if c.Binary == "" {
		c.Binary = "yt-dlp"
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 5 * time.Second
	}
}

// Audio is the ephemeral payload extracted for one job. It is owned by the
// pipeline for the duration of the job and must be released via Cleanup on
// every exit path.
type Audio struct {
	// Path is the extracted WAV file.
	Path string
	// Dir is the scoped temporary directory holding the payload.
	Dir string
	// CanonicalID is the normalized video ID.
	CanonicalID string
	// Title is the upstream video title, empty when metadata lookup failed.
	Title string
}

// Cleanup removes the payload directory. Safe to call more than once.
func (a *Audio) Cleanup() error {
	if a == nil || a.Dir == "" {
		return nil
	}
	return os.RemoveAll(a.Dir)
}

// Resolver turns a reference into an Audio payload.
type Resolver struct {
	cfg Config
	run RunFunc
	log *logger.Logger
}

// NewResolver creates a resolver. A nil run falls back to the real
// subprocess runner.
func NewResolver(cfg Config, run RunFunc, log *logger.Logger) *Resolver {
	cfg.ApplyDefaults()
	if run == nil {
		run = Run
	}
	return &Resolver{
		cfg: cfg,
		run: run,
		log: log.WithComponent("resolver"),
	}
}

// IsAvailable checks that the extraction binary can be executed.
func (r *Resolver) IsAvailable(ctx context.Context) bool {
	_, err := r.run(ctx, Command{Binary: r.cfg.Binary, Args: []string{"--version"}})
	return err == nil
}

// Resolve validates the reference, extracts its audio track into a scoped
// temporary directory, and returns the payload. Failures map to
// INVALID_REFERENCE (bad shape) or SOURCE_UNAVAILABLE (upstream rejected the
// video or extraction failed). The upstream's own retry policy is the only
// retry; the resolver never re-attempts.
func (r *Resolver) Resolve(ctx context.Context, reference string) (*Audio, error) {
	id, err := Normalize(reference)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(r.cfg.TempDir, "recapd-audio-")
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("create temp dir: %w", err))
	}

	audio := &Audio{
		Dir:         dir,
		Path:        filepath.Join(dir, audioFileName),
		CanonicalID: id,
		Title:       r.fetchTitle(ctx, id),
	}

	if err := r.download(ctx, id, audio.Path); err != nil {
		// The payload dir is released here on the failure path; the
		// orchestrator owns cleanup once Resolve returns successfully.
		_ = audio.Cleanup()
		return nil, err
	}

	r.log.Info("Audio extracted", map[string]interface{}{
		"canonical_id": id,
		"title":        audio.Title,
		"path":         audio.Path,
	})
	return audio, nil
}

// fetchTitle asks the upstream for the video title. Metadata failures do not
// fail the job; the original behavior is an empty title.
func (r *Resolver) fetchTitle(ctx context.Context, canonicalID string) string {
	res, err := r.run(ctx, Command{
		Binary:      r.cfg.Binary,
		Args:        []string{"--print", "title", "--no-warnings", "--skip-download", WatchURL(canonicalID)},
		GracePeriod: r.cfg.GracePeriod,
	})
	if err != nil {
		r.log.Warn("Could not fetch video title", map[string]interface{}{
			"canonical_id":   canonicalID,
			logger.FieldError: err.Error(),
		})
		return ""
	}
	return strings.TrimSpace(string(res.Stdout))
}

func (r *Resolver) download(ctx context.Context, canonicalID, outPath string) error {
	res, err := r.run(ctx, Command{
		Binary: r.cfg.Binary,
		Args: []string{
			"-f", "bestaudio/best",
			"-x", "--audio-format", "wav",
			"--no-warnings", "--no-playlist",
			"-o", outPath,
			WatchURL(canonicalID),
		},
		GracePeriod: r.cfg.GracePeriod,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := "audio extraction failed"
		if res != nil && len(res.Stderr) > 0 {
			detail = lastLine(string(res.Stderr))
		}
		return apperr.SourceUnavailable(detail, err)
	}

	if _, statErr := os.Stat(outPath); statErr != nil {
		return apperr.SourceUnavailable("extraction produced no audio file", statErr)
	}
	return nil
}

// lastLine extracts the final non-empty stderr line; yt-dlp puts the actual
// failure reason there.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return s
}
