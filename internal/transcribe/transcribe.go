// Package transcribe defines the transcription backend contract and the
// engine that walks an ordered fallback chain of backends until one succeeds.
package transcribe

import "context"

// Request holds parameters for a transcription call.
type Request struct {
	// AudioPath is the path to the audio file to transcribe.
	AudioPath string `json:"audio_path"`
	// Language is the expected language of the audio (e.g. "en").
	Language string `json:"language,omitempty"`
}

// Response holds the result of a transcription call.
type Response struct {
	// Text is the full transcription text.
	Text string `json:"text"`
	// Language is the detected or specified language.
	Language string `json:"language,omitempty"`
	// Duration is the audio duration in seconds, when the backend reports it.
	Duration float64 `json:"duration,omitempty"`
}

// Provider is the interface that transcription backends must implement.
// The engine treats every backend as interchangeable through this contract.
type Provider interface {
	// Name returns the backend's registered name.
	Name() string
	// IsAvailable checks if the backend is reachable.
	IsAvailable(ctx context.Context) bool
	// Transcribe sends audio for transcription and returns the result.
	Transcribe(ctx context.Context, req Request) (*Response, error)
}
