// Package job runs the processing pipeline: resolve the reference to audio,
// transcribe it, summarize the transcript, and persist the result. Each job
// progresses through a strict state machine and reports through an ordered
// per-job event stream.
package job

import (
	"time"

	"github.com/recapd/recapd/internal/apperr"
)

// State is a job lifecycle state.
type State string

const (
	// StatePending means the job is accepted but processing has not started.
	StatePending State = "pending"
	// StateResolving means the reference is being resolved and audio extracted.
	StateResolving State = "resolving"
	// StateTranscribing means a transcription backend is working on the audio.
	StateTranscribing State = "transcribing"
	// StateSummarizing means the summary stream is in progress.
	StateSummarizing State = "summarizing"
	// StateCompleted means the job finished and its result is persisted.
	StateCompleted State = "completed"
	// StateFailed means the job stopped without a persisted result.
	StateFailed State = "failed"
)

// Terminal reports whether the state ends the lifecycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions is the set of legal forward moves. Failed is reachable from any
// non-terminal state and is handled separately.
var transitions = map[State]State{
	StatePending:      StateResolving,
	StateResolving:    StateTranscribing,
	StateTranscribing: StateSummarizing,
	StateSummarizing:  StateCompleted,
}

// canTransition reports whether a move from one state to another is legal.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return transitions[from] == to
}

// Job is the in-memory representation of one processing job. All fields are
// owned by the Service; callers only ever see copies via Snapshot.
type Job struct {
	ID          string
	Owner       string
	Reference   string
	CanonicalID string
	Title       string
	State       State
	Err         *apperr.Error
	Transcript  string
	Summary     string
	CreatedAt   time.Time
	FinishedAt  time.Time

	cancel func()
}

// Snapshot is a read-only copy of a job's externally visible state.
type Snapshot struct {
	ID          string    `json:"id"`
	Owner       string    `json:"-"`
	Reference   string    `json:"reference"`
	CanonicalID string    `json:"canonical_id,omitempty"`
	Title       string    `json:"video_title,omitempty"`
	State       State     `json:"state"`
	Transcript  string    `json:"transcript,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`

	// Error is set only in the failed state.
	Error *apperr.Body `json:"error,omitempty"`
}

func (j *Job) snapshot() Snapshot {
	s := Snapshot{
		ID:          j.ID,
		Owner:       j.Owner,
		Reference:   j.Reference,
		CanonicalID: j.CanonicalID,
		Title:       j.Title,
		State:       j.State,
		Transcript:  j.Transcript,
		Summary:     j.Summary,
		CreatedAt:   j.CreatedAt,
		FinishedAt:  j.FinishedAt,
	}
	if j.Err != nil {
		body := j.Err.ToResponse().Error
		s.Error = &body
	}
	return s
}
