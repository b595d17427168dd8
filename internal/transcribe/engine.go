package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/recapd/recapd/internal/apperr"
	"github.com/recapd/recapd/internal/logger"
)

// When a backend completes without error but produces effectively nothing,
// the engine substitutes this text rather than judging quality; arbitration
// belongs to a downstream consumer.
const emptyTranscript = "No clear speech detected in the audio."

const minTranscriptLen = 3

// Engine walks an ordered list of backends. Each attempt gets its own
// timeout; any attempt failure (load error, bad format, inference error,
// timeout) advances to the next backend without retrying the current one.
type Engine struct {
	providers      []Provider
	attemptTimeout time.Duration
	log            *logger.Logger
}

// NewEngine creates an engine over the given backends, tried in order.
func NewEngine(providers []Provider, attemptTimeout time.Duration, log *logger.Logger) *Engine {
	return &Engine{
		providers:      providers,
		attemptTimeout: attemptTimeout,
		log:            log.WithComponent("transcribe"),
	}
}

// Backends returns the configured backend names in attempt order.
func (e *Engine) Backends() []string {
	names := make([]string, len(e.providers))
	for i, p := range e.providers {
		names[i] = p.Name()
	}
	return names
}

// IsAvailable reports whether at least one backend is reachable.
func (e *Engine) IsAvailable(ctx context.Context) bool {
	for _, p := range e.providers {
		if p.IsAvailable(ctx) {
			return true
		}
	}
	return false
}

// Transcribe attempts each backend in order and returns the first successful
// transcript. notify is invoked once per attempt before the backend runs so
// the caller can surface fallback behavior live. When every backend fails the
// per-backend reasons are carried in a TRANSCRIPTION_EXHAUSTED error.
// Cancellation of ctx aborts immediately instead of falling through the chain.
func (e *Engine) Transcribe(ctx context.Context, req Request, notify func(message string)) (string, error) {
	if len(e.providers) == 0 {
		return "", apperr.TranscriptionExhausted([]string{"no backends configured"})
	}

	reasons := make([]string, 0, len(e.providers))
	for i, p := range e.providers {
		if err := abortErr(ctx, reasons); err != nil {
			return "", err
		}
		if notify != nil {
			notify(fmt.Sprintf("Transcribing with backend %s (%d/%d)", p.Name(), i+1, len(e.providers)))
		}

		text, err := e.attempt(ctx, p, req)
		if err == nil {
			e.log.Info("Transcription succeeded", map[string]interface{}{
				logger.FieldBackend: p.Name(),
				"chars":             len(text),
			})
			return text, nil
		}
		reason := fmt.Sprintf("%s: %v", p.Name(), err)
		reasons = append(reasons, reason)
		if aerr := abortErr(ctx, reasons); aerr != nil {
			// The job was cancelled or the stage deadline passed; not a
			// backend-specific failure, so don't keep walking the chain.
			return "", aerr
		}
		e.log.Warn("Transcription backend failed, advancing", map[string]interface{}{
			logger.FieldBackend: p.Name(),
			logger.FieldError:   err.Error(),
			"attempt":           i + 1,
		})
	}

	return "", apperr.TranscriptionExhausted(reasons)
}

// abortErr maps an ended stage context to the right error. A stage deadline
// keeps the per-backend failure reasons collected so far; a cancellation
// propagates as-is so the caller can tell the two apart.
func abortErr(ctx context.Context, reasons []string) error {
	switch {
	case ctx.Err() == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperr.TranscriptionExhausted(append(reasons, "stage timed out"))
	default:
		return ctx.Err()
	}
}

// attempt runs one backend under its own timeout. A timeout counts as a
// backend failure and feeds the fallback loop.
func (e *Engine) attempt(ctx context.Context, p Provider, req Request) (string, error) {
	attemptCtx := ctx
	if e.attemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, e.attemptTimeout)
		defer cancel()
	}

	resp, err := p.Transcribe(attemptCtx, req)
	if err != nil {
		return "", err
	}

	// Partial or low-confidence output from a non-erroring backend is
	// accepted as final.
	text := strings.TrimSpace(resp.Text)
	if len(text) < minTranscriptLen {
		text = emptyTranscript
	}
	return text, nil
}
