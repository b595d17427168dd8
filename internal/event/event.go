// Package event implements the per-job progress event stream: an append-only
// ordered buffer per job, replayable from sequence zero, with one live
// subscriber at a time pulling events through a blocking iterator.
package event

import "encoding/json"

// Type discriminates the event payload on the wire.
type Type string

const (
	// TypeStatus is a human-readable progress notice.
	TypeStatus Type = "status"
	// TypeTranscript carries the full transcript once transcription finishes.
	TypeTranscript Type = "transcript"
	// TypeSummaryChunk carries one incremental summary fragment.
	TypeSummaryChunk Type = "summary_chunk"
	// TypeComplete terminates a successful stream.
	TypeComplete Type = "complete"
	// TypeError terminates a failed stream.
	TypeError Type = "error"
)

// Terminal reports whether the type ends the stream.
func (t Type) Terminal() bool {
	return t == TypeComplete || t == TypeError
}

// Event is one immutable, ordered progress notification for a single job.
// Seq starts at 0 and increases by exactly one per event.
type Event struct {
	JobID      string `json:"job_id"`
	Seq        uint64 `json:"seq"`
	Type       Type   `json:"type"`
	Message    string `json:"message,omitempty"`
	Data       string `json:"data,omitempty"`
	VideoTitle string `json:"video_title,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

// Marshal serializes the event for the caller-facing push channel.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
