package summarize

import (
	"context"
	"fmt"
	"strings"

	"github.com/recapd/recapd/internal/apperr"
	"github.com/recapd/recapd/internal/logger"
)

const summaryPrompt = `Please create a comprehensive summary of the following video transcript.
The summary should be medium to large in length, covering all main points, key insights, and important details discussed in the video.
Make it informative and well-structured with clear sections and bullet points where appropriate.
Include any important quotes, statistics, or examples mentioned.

Transcript:
%s

Summary:
`

// Streamer drives a summarization backend and relays each fragment to the
// caller as it arrives.
type Streamer struct {
	provider Provider
	log      *logger.Logger
}

// NewStreamer creates a Streamer over the given backend.
func NewStreamer(provider Provider, log *logger.Logger) *Streamer {
	return &Streamer{
		provider: provider,
		log:      log.WithComponent("summarize"),
	}
}

// Backend returns the configured backend name.
func (s *Streamer) Backend() string { return s.provider.Name() }

// IsAvailable reports whether the backend is reachable.
func (s *Streamer) IsAvailable(ctx context.Context) bool {
	return s.provider.IsAvailable(ctx)
}

// Summarize streams a summary of the transcript, calling emit for every
// fragment in arrival order, and returns the concatenation of all fragments.
// A failure before the first fragment and a failure mid-stream both fail the
// operation; a partial summary is never returned.
func (s *Streamer) Summarize(ctx context.Context, req Request, emit func(fragment string)) (string, error) {
	ch, err := s.provider.Stream(ctx, Request{
		Transcript: fmt.Sprintf(summaryPrompt, req.Transcript),
		VideoTitle: req.VideoTitle,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.SummarizationUnavailable(
			fmt.Sprintf("backend %s rejected the request", s.provider.Name()), err)
	}

	var full strings.Builder
	emitted := 0
	for chunk := range ch {
		if chunk.Err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.log.Error("summary stream broke", logger.Fields(
				logger.FieldBackend, s.provider.Name(),
				"fragments_emitted", emitted,
				logger.FieldError, chunk.Err.Error(),
			))
			return "", apperr.SummarizationUnavailable(
				fmt.Sprintf("backend %s failed mid-stream", s.provider.Name()), chunk.Err).
				WithDetail("fragments_emitted", emitted)
		}
		if chunk.Content != "" {
			full.WriteString(chunk.Content)
			emitted++
			if emit != nil {
				emit(chunk.Content)
			}
		}
		if chunk.Done {
			break
		}
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	s.log.Info("summary complete", logger.Fields(
		logger.FieldBackend, s.provider.Name(),
		"fragments", emitted,
		"length", full.Len(),
	))
	return full.String(), nil
}
