package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/recapd/recapd/internal/apperr"
	"github.com/recapd/recapd/internal/event"
	"github.com/recapd/recapd/internal/logger"
	"github.com/recapd/recapd/internal/observability"
	"github.com/recapd/recapd/internal/source"
	"github.com/recapd/recapd/internal/store"
	"github.com/recapd/recapd/internal/summarize"
	"github.com/recapd/recapd/internal/transcribe"
)

// Config holds pipeline timing configuration.
type Config struct {
	// ResolveTimeout bounds reference resolution and audio extraction.
	ResolveTimeout time.Duration `json:"resolve_timeout" yaml:"resolve_timeout" mapstructure:"resolve_timeout"`
	// TranscribeTimeout bounds the whole transcription stage across backends.
	TranscribeTimeout time.Duration `json:"transcribe_timeout" yaml:"transcribe_timeout" mapstructure:"transcribe_timeout"`
	// SummarizeTimeout bounds summary generation.
	SummarizeTimeout time.Duration `json:"summarize_timeout" yaml:"summarize_timeout" mapstructure:"summarize_timeout"`
	// Retention is how long terminal jobs and their event buffers stay
	// queryable in memory.
	Retention time.Duration `json:"retention" yaml:"retention" mapstructure:"retention"`
	// SweepInterval is how often the retention janitor runs.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.ResolveTimeout == 0 {
		c.ResolveTimeout = 5 * time.Minute
	}
	if c.TranscribeTimeout == 0 {
		c.TranscribeTimeout = 15 * time.Minute
	}
	if c.SummarizeTimeout == 0 {
		c.SummarizeTimeout = 10 * time.Minute
	}
	if c.Retention == 0 {
		c.Retention = 30 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
}

// Service orchestrates jobs from submission to terminal state. It is the only
// writer of job fields and event buffers; stages report back through
// callbacks.
type Service struct {
	cfg      Config
	resolver *source.Resolver
	engine   *transcribe.Engine
	streamer *summarize.Streamer
	store    store.Store
	hub      *event.Hub
	metrics  *observability.Metrics
	log      *logger.Logger

	mu       sync.Mutex
	jobs     map[string]*Job
	inflight map[string]string // (owner, canonical ID) -> job ID

	wg     sync.WaitGroup
	closed bool
	stop   chan struct{}
}

// NewService creates the orchestrator. metrics may be nil.
func NewService(
	cfg Config,
	resolver *source.Resolver,
	engine *transcribe.Engine,
	streamer *summarize.Streamer,
	st store.Store,
	hub *event.Hub,
	metrics *observability.Metrics,
	log *logger.Logger,
) *Service {
	cfg.ApplyDefaults()
	s := &Service{
		cfg:      cfg,
		resolver: resolver,
		engine:   engine,
		streamer: streamer,
		store:    st,
		hub:      hub,
		metrics:  metrics,
		log:      log.WithComponent("job"),
		jobs:     make(map[string]*Job),
		inflight: make(map[string]string),
		stop:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

func inflightKey(owner, canonicalID string) string {
	return owner + "\x00" + canonicalID
}

// Submit validates the reference and starts a job for it. If the owner
// already has a live job for the same video, that job is returned instead of
// starting a second one; the second return value reports the duplicate case.
func (s *Service) Submit(ctx context.Context, owner, reference string) (Snapshot, bool, error) {
	canonicalID, err := source.Normalize(reference)
	if err != nil {
		return Snapshot{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Snapshot{}, false, apperr.Internal(errors.New("service is shutting down"))
	}

	key := inflightKey(owner, canonicalID)
	if existingID, ok := s.inflight[key]; ok {
		if j, ok := s.jobs[existingID]; ok && !j.State.Terminal() {
			return j.snapshot(), true, nil
		}
		delete(s.inflight, key)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	j := &Job{
		ID:          s.store.NewJobID(),
		Owner:       owner,
		Reference:   reference,
		CanonicalID: canonicalID,
		State:       StatePending,
		CreatedAt:   time.Now().UTC(),
		cancel:      cancel,
	}
	s.jobs[j.ID] = j
	s.inflight[key] = j.ID

	buf := s.hub.Create(j.ID)
	s.append(buf, event.TypeStatus, func(e *event.Event) {
		e.Message = "Job accepted"
	})

	s.log.Info("job submitted", logger.Fields(
		logger.FieldJobID, j.ID,
		logger.FieldOwner, owner,
		"canonical_id", canonicalID,
	))

	s.wg.Add(1)
	go s.run(runCtx, j.ID, buf)

	return j.snapshot(), false, nil
}

// Get returns a snapshot of a live or retained job.
func (s *Service) Get(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Snapshot{}, apperr.NotFound("job", id)
	}
	return j.snapshot(), nil
}

// Events returns the event buffer for a job, or nil if none exists.
func (s *Service) Events(id string) *event.Buffer {
	return s.hub.Get(id)
}

// Cancel requests cancellation of a running job. Cancelling a terminal job is
// a no-op that reports the current state.
func (s *Service) Cancel(id, owner string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Snapshot{}, apperr.NotFound("job", id)
	}
	if j.Owner != owner {
		return Snapshot{}, apperr.NotFound("job", id)
	}
	if j.State.Terminal() {
		return j.snapshot(), nil
	}

	j.cancel()
	s.log.Info("job cancellation requested", logger.Fields(logger.FieldJobID, id))
	return j.snapshot(), nil
}

// Close stops accepting jobs, cancels everything in flight, and waits for the
// pipeline goroutines to drain.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	for _, j := range s.jobs {
		if !j.State.Terminal() {
			j.cancel()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// run drives one job through the pipeline stages.
func (s *Service) run(ctx context.Context, id string, buf *event.Buffer) {
	defer s.wg.Done()
	defer func() {
		// A panicking stage must not leave the job spinning forever.
		if r := recover(); r != nil {
			s.log.Error("pipeline panic", logger.Fields(
				logger.FieldJobID, id,
				logger.FieldError, fmt.Sprint(r),
			))
			s.fail(ctx, id, buf, apperr.Internal(fmt.Errorf("pipeline panic: %v", r)))
		}
	}()

	start := time.Now()
	s.metrics.RecordJobStart(ctx)

	ctx, span := observability.StartSpan(ctx, "pipeline.run")
	defer span.End()

	// Stage 1: resolve the reference and extract audio.
	audio, err := s.resolve(ctx, id, buf)
	if err != nil {
		s.finish(ctx, id, buf, start, err)
		return
	}
	defer s.releaseAudio(id, audio)

	// Stage 2: transcribe.
	transcript, err := s.transcribe(ctx, id, buf, audio)
	if err != nil {
		s.finish(ctx, id, buf, start, err)
		return
	}
	// The payload is scoped to transcription; release it the moment the job
	// leaves the stage. The deferred call backstops the paths above.
	s.releaseAudio(id, audio)

	// Stage 3: summarize.
	summary, err := s.summarizeStage(ctx, id, buf, audio.Title, transcript)
	if err != nil {
		s.finish(ctx, id, buf, start, err)
		return
	}

	// Stage 4: persist, exactly once, then complete.
	if err := s.persist(ctx, id, audio, transcript, summary); err != nil {
		s.finish(ctx, id, buf, start, err)
		return
	}

	s.complete(ctx, id, buf, audio.Title)
	s.metrics.RecordJobEnd(ctx, "completed", time.Since(start))
}

func (s *Service) resolve(ctx context.Context, id string, buf *event.Buffer) (*source.Audio, error) {
	if err := s.setState(id, StateResolving); err != nil {
		return nil, err
	}
	s.append(buf, event.TypeStatus, func(e *event.Event) {
		e.Message = "Downloading audio..."
	})

	stageCtx, span := observability.StartSpan(ctx, observability.SpanResolve)
	defer span.End()
	stageCtx, cancel := context.WithTimeout(stageCtx, s.cfg.ResolveTimeout)
	defer cancel()

	stageStart := time.Now()
	j, _ := s.Get(id)
	audio, err := s.resolver.Resolve(stageCtx, j.Reference)
	s.metrics.RecordStage(ctx, "resolve", stageStatus(err), time.Since(stageStart))
	if err != nil {
		observability.SetSpanError(stageCtx, err)
		return nil, s.mapStageErr(ctx, stageCtx, err, func() *apperr.Error {
			return apperr.SourceUnavailable("audio extraction timed out", stageCtx.Err())
		})
	}

	s.setTitle(id, audio.Title)
	s.append(buf, event.TypeStatus, func(e *event.Event) {
		e.Message = "Audio download complete"
		e.VideoTitle = audio.Title
	})
	return audio, nil
}

func (s *Service) transcribe(ctx context.Context, id string, buf *event.Buffer, audio *source.Audio) (string, error) {
	if err := s.setState(id, StateTranscribing); err != nil {
		return "", err
	}
	s.append(buf, event.TypeStatus, func(e *event.Event) {
		e.Message = "Transcribing audio..."
	})

	stageCtx, span := observability.StartSpan(ctx, observability.SpanTranscribe)
	defer span.End()
	stageCtx, cancel := context.WithTimeout(stageCtx, s.cfg.TranscribeTimeout)
	defer cancel()

	stageStart := time.Now()
	transcript, err := s.engine.Transcribe(stageCtx, transcribe.Request{AudioPath: audio.Path}, func(message string) {
		s.append(buf, event.TypeStatus, func(e *event.Event) {
			e.Message = message
		})
	})
	s.metrics.RecordStage(ctx, "transcribe", stageStatus(err), time.Since(stageStart))
	if err != nil {
		observability.SetSpanError(stageCtx, err)
		return "", s.mapStageErr(ctx, stageCtx, err, func() *apperr.Error {
			return apperr.TranscriptionExhausted([]string{"transcription stage timed out"})
		})
	}

	s.setTranscript(id, transcript)
	s.append(buf, event.TypeTranscript, func(e *event.Event) {
		e.Data = transcript
	})
	return transcript, nil
}

func (s *Service) summarizeStage(ctx context.Context, id string, buf *event.Buffer, title, transcript string) (string, error) {
	if err := s.setState(id, StateSummarizing); err != nil {
		return "", err
	}
	s.append(buf, event.TypeStatus, func(e *event.Event) {
		e.Message = "Generating summary..."
	})

	stageCtx, span := observability.StartSpan(ctx, observability.SpanSummarize)
	defer span.End()
	stageCtx, cancel := context.WithTimeout(stageCtx, s.cfg.SummarizeTimeout)
	defer cancel()

	stageStart := time.Now()
	summary, err := s.streamer.Summarize(stageCtx, summarize.Request{
		Transcript: transcript,
		VideoTitle: title,
	}, func(fragment string) {
		s.appendSummary(id, fragment)
		s.append(buf, event.TypeSummaryChunk, func(e *event.Event) {
			e.Data = fragment
		})
	})
	s.metrics.RecordStage(ctx, "summarize", stageStatus(err), time.Since(stageStart))
	if err != nil {
		observability.SetSpanError(stageCtx, err)
		return "", s.mapStageErr(ctx, stageCtx, err, func() *apperr.Error {
			return apperr.SummarizationUnavailable("summary generation timed out", stageCtx.Err())
		})
	}

	s.setSummary(id, summary)
	return summary, nil
}

func (s *Service) persist(ctx context.Context, id string, audio *source.Audio, transcript, summary string) error {
	stageCtx, span := observability.StartSpan(ctx, observability.SpanPersist)
	defer span.End()

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return apperr.Internal(fmt.Errorf("job %s vanished before persist", id))
	}
	rec := &store.Record{
		ID:          j.ID,
		Owner:       j.Owner,
		Reference:   j.Reference,
		CanonicalID: j.CanonicalID,
		Title:       audio.Title,
		Transcript:  transcript,
		Summary:     summary,
		Backend:     s.streamer.Backend(),
		CreatedAt:   j.CreatedAt,
		CompletedAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	if err := s.store.CommitResult(stageCtx, rec); err != nil {
		observability.SetSpanError(stageCtx, err)
		return err
	}
	return nil
}

func (s *Service) complete(ctx context.Context, id string, buf *event.Buffer, title string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		j.State = StateCompleted
		j.FinishedAt = time.Now().UTC()
		delete(s.inflight, inflightKey(j.Owner, j.CanonicalID))
	}
	s.mu.Unlock()

	s.append(buf, event.TypeComplete, func(e *event.Event) {
		e.Message = "Processing complete"
		e.VideoTitle = title
	})
	s.log.Info("job completed", logger.Fields(logger.FieldJobID, id))
}

// releaseAudio drops the payload directory. Safe to call twice; Cleanup is
// idempotent.
func (s *Service) releaseAudio(id string, audio *source.Audio) {
	if err := audio.Cleanup(); err != nil {
		s.log.Warn("audio cleanup failed", logger.Fields(
			logger.FieldJobID, id,
			logger.FieldError, err.Error(),
		))
	}
}

// finish routes a stage error into the failed terminal state.
func (s *Service) finish(ctx context.Context, id string, buf *event.Buffer, start time.Time, err error) {
	s.fail(ctx, id, buf, err)
	s.metrics.RecordJobEnd(ctx, "failed", time.Since(start))
}

// fail moves the job to Failed and emits the terminal error event.
func (s *Service) fail(ctx context.Context, id string, buf *event.Buffer, err error) {
	ae := apperr.From(err)

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok || j.State.Terminal() {
		s.mu.Unlock()
		return
	}
	j.State = StateFailed
	j.Err = ae
	j.FinishedAt = time.Now().UTC()
	delete(s.inflight, inflightKey(j.Owner, j.CanonicalID))
	s.mu.Unlock()

	s.append(buf, event.TypeError, func(e *event.Event) {
		e.Message = ae.Message
		e.ErrorCode = string(ae.Code)
		e.Retryable = ae.Retryable
	})
	s.metrics.RecordError(ctx, string(ae.Code), "job")
	s.log.Error("job failed", logger.Fields(
		logger.FieldJobID, id,
		"code", string(ae.Code),
		logger.FieldError, ae.Error(),
	))
}

// mapStageErr distinguishes deliberate cancellation from a stage deadline.
// The job context is only ever cancelled by Cancel or shutdown, so its Err
// wins over any concurrent stage failure.
func (s *Service) mapStageErr(jobCtx, stageCtx context.Context, err error, onTimeout func() *apperr.Error) error {
	if jobCtx.Err() != nil {
		return apperr.Cancelled()
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return onTimeout()
	}
	return err
}

// --- job field setters, all under the service lock ---

func (s *Service) setState(id string, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return apperr.NotFound("job", id)
	}
	if !canTransition(j.State, to) {
		return apperr.Internal(fmt.Errorf("illegal transition %s -> %s", j.State, to))
	}
	j.State = to
	return nil
}

func (s *Service) setTitle(id, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Title = title
	}
}

func (s *Service) setTranscript(id, transcript string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Transcript = transcript
	}
}

func (s *Service) setSummary(id, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Summary = summary
	}
}

// appendSummary grows the summary-so-far as fragments stream in. Fragments
// stay on the job even when the stage later fails or is cancelled; only a
// completed job presents the summary as final.
func (s *Service) appendSummary(id, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Summary += fragment
	}
}

// append writes an event, logging a programming error instead of crashing the
// pipeline if the buffer is already terminal.
func (s *Service) append(buf *event.Buffer, t event.Type, mutate func(*event.Event)) {
	if _, err := buf.Append(t, mutate); err != nil {
		s.log.Error("event append rejected", logger.Fields(
			logger.FieldJobID, buf.JobID(),
			"type", string(t),
			logger.FieldError, err.Error(),
		))
	}
}

func stageStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
