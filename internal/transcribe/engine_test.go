package transcribe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/recapd/recapd/internal/apperr"
	"github.com/recapd/recapd/internal/logger"
)

type stubProvider struct {
	name      string
	text      string
	err       error
	available bool
	calls     int
	block     bool
}

func (s *stubProvider) Name() string                        { return s.name }
func (s *stubProvider) IsAvailable(ctx context.Context) bool { return s.available }

func (s *stubProvider) Transcribe(ctx context.Context, req Request) (*Response, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Text: s.text}, nil
}

func newTestEngine(timeout time.Duration, providers ...Provider) *Engine {
	return NewEngine(providers, timeout, logger.NewDefault("test"))
}

func TestTranscribeFirstBackendSucceeds(t *testing.T) {
	first := &stubProvider{name: "first", text: "hello world"}
	second := &stubProvider{name: "second", text: "should not run"}
	e := newTestEngine(0, first, second)

	got, err := e.Transcribe(context.Background(), Request{AudioPath: "a.wav"}, nil)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if got != "hello world" {
		t.Errorf("transcript = %q, want %q", got, "hello world")
	}
	if second.calls != 0 {
		t.Errorf("second backend ran %d times, want 0", second.calls)
	}
}

func TestTranscribeFallsBackOnFailure(t *testing.T) {
	first := &stubProvider{name: "first", err: errors.New("model load failed")}
	second := &stubProvider{name: "second", text: "from fallback"}
	e := newTestEngine(0, first, second)

	var notices []string
	got, err := e.Transcribe(context.Background(), Request{AudioPath: "a.wav"}, func(m string) {
		notices = append(notices, m)
	})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if got != "from fallback" {
		t.Errorf("transcript = %q, want %q", got, "from fallback")
	}
	if len(notices) != 2 {
		t.Fatalf("got %d notices, want 2: %v", len(notices), notices)
	}
	if !strings.Contains(notices[0], "first (1/2)") || !strings.Contains(notices[1], "second (2/2)") {
		t.Errorf("notices missing backend ordinals: %v", notices)
	}
}

func TestTranscribeNoRetrySameBackend(t *testing.T) {
	failing := &stubProvider{name: "only", err: errors.New("boom")}
	e := newTestEngine(0, failing)

	_, err := e.Transcribe(context.Background(), Request{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if failing.calls != 1 {
		t.Errorf("backend called %d times, want exactly 1", failing.calls)
	}
}

func TestTranscribeExhaustedCarriesReasons(t *testing.T) {
	first := &stubProvider{name: "first", err: errors.New("bad format")}
	second := &stubProvider{name: "second", err: errors.New("inference error")}
	e := newTestEngine(0, first, second)

	_, err := e.Transcribe(context.Background(), Request{}, nil)
	if !apperr.Is(err, apperr.CodeTranscriptionExhausted) {
		t.Fatalf("error = %v, want TRANSCRIPTION_EXHAUSTED", err)
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatal("expected *apperr.Error")
	}
	attempts, ok := ae.Details["attempts"].([]string)
	if !ok || len(attempts) != 2 {
		t.Fatalf("attempts detail = %v, want two entries", ae.Details["attempts"])
	}
	if !strings.Contains(attempts[0], "first") || !strings.Contains(attempts[0], "bad format") {
		t.Errorf("first reason %q missing backend or cause", attempts[0])
	}
	if !strings.Contains(attempts[1], "second") || !strings.Contains(attempts[1], "inference error") {
		t.Errorf("second reason %q missing backend or cause", attempts[1])
	}
}

func TestTranscribeStageTimeoutKeepsReasons(t *testing.T) {
	first := &stubProvider{name: "first", err: errors.New("bad format")}
	slow := &stubProvider{name: "slow", block: true}
	e := newTestEngine(0, first, slow)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := e.Transcribe(ctx, Request{}, nil)
	if !apperr.Is(err, apperr.CodeTranscriptionExhausted) {
		t.Fatalf("error = %v, want TRANSCRIPTION_EXHAUSTED", err)
	}

	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatal("expected *apperr.Error")
	}
	attempts, ok := ae.Details["attempts"].([]string)
	if !ok || len(attempts) != 3 {
		t.Fatalf("attempts detail = %v, want three entries", ae.Details["attempts"])
	}
	if !strings.Contains(attempts[0], "first") || !strings.Contains(attempts[0], "bad format") {
		t.Errorf("first reason %q lost on timeout", attempts[0])
	}
	if !strings.Contains(attempts[1], "slow") {
		t.Errorf("timed-out backend missing from reasons: %q", attempts[1])
	}
	if attempts[2] != "stage timed out" {
		t.Errorf("final reason = %q, want the stage-timeout marker", attempts[2])
	}
}

func TestTranscribeEmptyOutputSubstituted(t *testing.T) {
	e := newTestEngine(0, &stubProvider{name: "quiet", text: "  \n "})

	got, err := e.Transcribe(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if got != "No clear speech detected in the audio." {
		t.Errorf("transcript = %q, want the empty-speech placeholder", got)
	}
}

func TestTranscribeCancellationIsNotFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := &stubProvider{name: "slow", block: true}
	second := &stubProvider{name: "second", text: "should not run"}
	e := newTestEngine(0, blocking, second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Transcribe(ctx, Request{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if second.calls != 0 {
		t.Errorf("cancellation fell through to the next backend")
	}
}

func TestTranscribeAttemptTimeoutFeedsFallback(t *testing.T) {
	slow := &stubProvider{name: "slow", block: true}
	fast := &stubProvider{name: "fast", text: "rescued"}
	e := newTestEngine(20*time.Millisecond, slow, fast)

	got, err := e.Transcribe(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if got != "rescued" {
		t.Errorf("transcript = %q, want %q", got, "rescued")
	}
}

func TestTranscribeNoBackends(t *testing.T) {
	e := newTestEngine(0)

	_, err := e.Transcribe(context.Background(), Request{}, nil)
	if !apperr.Is(err, apperr.CodeTranscriptionExhausted) {
		t.Fatalf("error = %v, want TRANSCRIPTION_EXHAUSTED", err)
	}
}

func TestIsAvailableAnyBackend(t *testing.T) {
	e := newTestEngine(0,
		&stubProvider{name: "down"},
		&stubProvider{name: "up", available: true},
	)
	if !e.IsAvailable(context.Background()) {
		t.Error("IsAvailable = false with one reachable backend")
	}

	none := newTestEngine(0, &stubProvider{name: "down"})
	if none.IsAvailable(context.Background()) {
		t.Error("IsAvailable = true with no reachable backend")
	}
}
