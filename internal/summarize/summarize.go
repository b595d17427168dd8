// Package summarize turns a finished transcript into a streamed summary.
// There is a single configured backend and no fallback: if the backend fails
// before or during the stream the job fails.
package summarize

import "context"

// Request is a summarization request.
type Request struct {
	Transcript string
	VideoTitle string
}

// Chunk is a streamed summary fragment. Done marks the final chunk; Err is
// set when the stream broke before completing.
type Chunk struct {
	Content string
	Done    bool
	Err     error
}

// Provider is a streaming summarization backend.
type Provider interface {
	// Name returns the backend name for logging and error reporting.
	Name() string

	// IsAvailable reports whether the backend can accept requests.
	IsAvailable(ctx context.Context) bool

	// Stream starts a summary generation and returns a channel of fragments.
	// The channel is closed after the Done chunk or an Err chunk.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
