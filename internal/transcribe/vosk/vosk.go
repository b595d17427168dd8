// Package vosk implements transcribe.Provider against a vosk-server
// websocket endpoint. It is the lightweight fallback recognizer: the whole
// payload is streamed in chunks, final results are accumulated, and an EOF
// marker flushes the last segment.
package vosk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/recapd/recapd/internal/transcribe"
)

const (
	// ProviderName is the registered name for the Vosk backend.
	ProviderName = "vosk"

	defaultURL        = "ws://localhost:2700"
	defaultSampleRate = 16000
	defaultTimeout    = 120 * time.Second

	// wavHeaderSize is the canonical RIFF/WAVE header length; vosk-server
	// expects raw PCM frames.
	wavHeaderSize = 44

	chunkSize = 32000
)

// Config holds configuration for the Vosk backend.
type Config struct {
	URL        string        `json:"url" yaml:"url" mapstructure:"url"`
	SampleRate int           `json:"sample_rate" yaml:"sample_rate" mapstructure:"sample_rate"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// Provider implements transcribe.Provider using a vosk-server websocket.
type Provider struct {
	cfg Config
}

// NewProvider creates a new Vosk transcription backend.
func NewProvider(cfg Config) *Provider {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Provider{cfg: cfg}
}

// Name returns the backend name.
func (p *Provider) Name() string { return ProviderName }

// IsAvailable checks if the vosk server accepts websocket connections.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.cfg.URL, nil)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Transcribe streams the audio file to the vosk server and returns the
// accumulated final segments as one transcript.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Response, error) {
	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	if len(audio) > wavHeaderSize && string(audio[:4]) == "RIFF" {
		audio = audio[wavHeaderSize:]
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(attemptCtx, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to vosk server: %w", err)
	}
	defer conn.Close()

	// The websocket read/write loops below don't take a context; force the
	// connection shut when the attempt deadline or a cancellation fires.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-attemptCtx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	cfgMsg := fmt.Sprintf(`{"config": {"sample_rate": %d}}`, p.cfg.SampleRate)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cfgMsg)); err != nil {
		return nil, fmt.Errorf("send vosk config: %w", err)
	}

	var full strings.Builder
	for off := 0; off < len(audio); off += chunkSize {
		end := off + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[off:end]); err != nil {
			return nil, wrapCtx(attemptCtx, fmt.Errorf("send audio to vosk: %w", err))
		}
		// One result message per chunk; partials are ignored, finals keep
		// arrival order.
		text, _, err := p.readResult(conn)
		if err != nil {
			return nil, wrapCtx(attemptCtx, err)
		}
		appendSegment(&full, text)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof": 1}`)); err != nil {
		return nil, wrapCtx(attemptCtx, fmt.Errorf("send eof to vosk: %w", err))
	}
	text, _, err := p.readResult(conn)
	if err != nil {
		return nil, wrapCtx(attemptCtx, err)
	}
	appendSegment(&full, text)

	return &transcribe.Response{Text: full.String()}, nil
}

// readResult reads one server message and extracts the final text, if any.
func (p *Provider) readResult(conn *websocket.Conn) (string, bool, error) {
	_, message, err := conn.ReadMessage()
	if err != nil {
		return "", false, fmt.Errorf("read vosk result: %w", err)
	}

	var result voskResult
	if err := json.Unmarshal(message, &result); err != nil {
		return "", false, fmt.Errorf("parse vosk result: %w", err)
	}
	if result.Text != "" {
		return result.Text, true, nil
	}
	return "", false, nil
}

// --- internal Vosk API types ---

type voskResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

func appendSegment(b *strings.Builder, text string) {
	if text == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString(" ")
	}
	b.WriteString(text)
}

// wrapCtx surfaces the context error when the connection was torn down by the
// deadline watchdog, so the engine can tell cancellation from backend failure.
func wrapCtx(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
