package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/recapd/recapd/internal/apperr"
	"github.com/recapd/recapd/internal/event"
	"github.com/recapd/recapd/internal/logger"
	"github.com/recapd/recapd/internal/source"
	"github.com/recapd/recapd/internal/store"
	"github.com/recapd/recapd/internal/summarize"
	"github.com/recapd/recapd/internal/transcribe"
)

// --- test doubles ---

type memStore struct {
	mu      sync.Mutex
	seq     int
	commits []*store.Record
	fail    error
}

func (m *memStore) NewJobID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return fmt.Sprintf("job-%d", m.seq)
}

func (m *memStore) CommitResult(ctx context.Context, rec *store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return apperr.PersistenceFailure(m.fail)
	}
	m.commits = append(m.commits, rec)
	return nil
}

func (m *memStore) ListCompleted(ctx context.Context, owner string) ([]store.Record, error) {
	return nil, nil
}

func (m *memStore) Get(ctx context.Context, id string) (*store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.commits {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, apperr.NotFound("job", id)
}

func (m *memStore) Stats(ctx context.Context) (*store.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &store.Stats{TotalVideos: int64(len(m.commits))}, nil
}

func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func (m *memStore) committed() []*store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Record, len(m.commits))
	copy(out, m.commits)
	return out
}

type fakeTranscriber struct {
	name string
	text string
	err  error
}

func (f *fakeTranscriber) Name() string                         { return f.name }
func (f *fakeTranscriber) IsAvailable(ctx context.Context) bool { return true }
func (f *fakeTranscriber) Transcribe(ctx context.Context, req transcribe.Request) (*transcribe.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &transcribe.Response{Text: f.text}, nil
}

// fakeSummarizer streams its fragments, then finishes, blocks until
// cancellation, or breaks mid-stream, depending on configuration. The emitted
// channel, when set, is closed once every fragment has been delivered.
type fakeSummarizer struct {
	fragments []string
	startErr  error
	midErr    error
	block     bool
	emitted   chan struct{}
}

func (f *fakeSummarizer) Name() string                         { return "fake" }
func (f *fakeSummarizer) IsAvailable(ctx context.Context) bool { return true }
func (f *fakeSummarizer) Stream(ctx context.Context, req summarize.Request) (<-chan summarize.Chunk, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	ch := make(chan summarize.Chunk)
	go func() {
		defer close(ch)
		for _, frag := range f.fragments {
			select {
			case ch <- summarize.Chunk{Content: frag}:
			case <-ctx.Done():
				ch <- summarize.Chunk{Err: ctx.Err()}
				return
			}
		}
		if f.emitted != nil {
			close(f.emitted)
		}
		if f.midErr != nil {
			ch <- summarize.Chunk{Err: f.midErr}
			return
		}
		if f.block {
			<-ctx.Done()
			ch <- summarize.Chunk{Err: ctx.Err()}
			return
		}
		ch <- summarize.Chunk{Done: true}
	}()
	return ch, nil
}

// fakeRun simulates yt-dlp for the resolver.
func fakeRun(t *testing.T, downloadErr error) source.RunFunc {
	t.Helper()
	return func(ctx context.Context, cmd source.Command) (*source.Result, error) {
		for _, a := range cmd.Args {
			if a == "--print" {
				return &source.Result{Stdout: []byte("Test Video\n")}, nil
			}
		}
		if downloadErr != nil {
			return &source.Result{Stderr: []byte("ERROR: unavailable")}, downloadErr
		}
		for i, a := range cmd.Args {
			if a == "-o" && i+1 < len(cmd.Args) {
				if err := os.WriteFile(cmd.Args[i+1], []byte("RIFF"), 0o600); err != nil {
					t.Fatalf("write fake audio: %v", err)
				}
			}
		}
		return &source.Result{}, nil
	}
}

type fixture struct {
	svc   *Service
	store *memStore
	hub   *event.Hub
	tmp   string
}

func newFixture(t *testing.T, opts ...func(*fixtureOpts)) *fixture {
	t.Helper()
	fo := &fixtureOpts{
		transcribers: []transcribe.Provider{&fakeTranscriber{name: "stub", text: "hello transcript"}},
		summarizer:   &fakeSummarizer{fragments: []string{"part one, ", "part two."}},
	}
	for _, opt := range opts {
		opt(fo)
	}

	log := logger.NewDefault("test")
	tmp := t.TempDir()
	resolver := source.NewResolver(source.Config{TempDir: tmp}, fakeRun(t, fo.downloadErr), log)
	engine := transcribe.NewEngine(fo.transcribers, 0, log)
	streamer := summarize.NewStreamer(fo.summarizer, log)
	ms := &memStore{fail: fo.commitErr}
	hub := event.NewHub(log)

	cfg := Config{
		ResolveTimeout:    5 * time.Second,
		TranscribeTimeout: 5 * time.Second,
		SummarizeTimeout:  5 * time.Second,
		Retention:         time.Hour,
		SweepInterval:     time.Hour,
	}
	svc := NewService(cfg, resolver, engine, streamer, ms, hub, nil, log)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, store: ms, hub: hub, tmp: tmp}
}

type fixtureOpts struct {
	transcribers []transcribe.Provider
	summarizer   summarize.Provider
	downloadErr  error
	commitErr    error
}

// drain subscribes to the job's event stream and collects everything through
// the terminal event.
func drain(t *testing.T, f *fixture, id string) []event.Event {
	t.Helper()
	buf := f.svc.Events(id)
	if buf == nil {
		t.Fatalf("no event buffer for %s", id)
	}
	s, err := buf.Subscribe()
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []event.Event
	for {
		ev, err := s.Next(ctx)
		if errors.Is(err, event.ErrStreamDone) {
			return events
		}
		if err != nil {
			t.Fatalf("next: %v (got %d events)", err, len(events))
		}
		events = append(events, ev)
	}
}

func waitTerminal(t *testing.T, f *fixture, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := f.svc.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return Snapshot{}
}

// --- tests ---

func TestPipelineSuccess(t *testing.T) {
	f := newFixture(t)

	snap, duplicate, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if duplicate {
		t.Error("fresh submission reported as duplicate")
	}
	if snap.State != StatePending {
		t.Errorf("initial state = %s, want pending", snap.State)
	}

	events := drain(t, f, snap.ID)
	final := waitTerminal(t, f, snap.ID)
	if final.State != StateCompleted {
		t.Fatalf("final state = %s, want completed (error: %+v)", final.State, final.Error)
	}

	// Sequence numbers are contiguous from zero.
	for i, ev := range events {
		if ev.Seq != uint64(i) {
			t.Errorf("event %d has seq %d", i, ev.Seq)
		}
	}

	// Exactly one terminal event, and it is last.
	var terminals int
	for _, ev := range events {
		if ev.Type.Terminal() {
			terminals++
		}
	}
	if terminals != 1 || !events[len(events)-1].Type.Terminal() {
		t.Errorf("terminal events = %d, last = %s", terminals, events[len(events)-1].Type)
	}
	if events[len(events)-1].Type != event.TypeComplete {
		t.Errorf("last event = %s, want complete", events[len(events)-1].Type)
	}

	// The transcript event carries the full transcript.
	var transcript string
	var chunks []string
	for _, ev := range events {
		switch ev.Type {
		case event.TypeTranscript:
			transcript = ev.Data
		case event.TypeSummaryChunk:
			chunks = append(chunks, ev.Data)
		}
	}
	if transcript != "hello transcript" {
		t.Errorf("transcript event data = %q", transcript)
	}

	// Streamed fragments concatenate to the persisted summary.
	commits := f.store.committed()
	if len(commits) != 1 {
		t.Fatalf("commits = %d, want exactly 1", len(commits))
	}
	rec := commits[0]
	if strings.Join(chunks, "") != rec.Summary {
		t.Errorf("streamed %q != persisted %q", strings.Join(chunks, ""), rec.Summary)
	}
	if rec.Summary != "part one, part two." {
		t.Errorf("summary = %q", rec.Summary)
	}
	if rec.Transcript != "hello transcript" {
		t.Errorf("persisted transcript = %q", rec.Transcript)
	}
	if rec.Title != "Test Video" {
		t.Errorf("persisted title = %q", rec.Title)
	}
	if rec.Owner != "alice" || rec.CanonicalID != "dQw4w9WgXcQ" {
		t.Errorf("unexpected record identity: %+v", rec)
	}

	// The audio payload directory is gone.
	waitCleanup(t, f.tmp)
}

// waitCleanup polls for the payload directory to empty; the release runs in a
// deferred call just after the terminal event.
func waitCleanup(t *testing.T, dir string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("audio payload not cleaned up: %v", entries)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDuplicateSubmission(t *testing.T) {
	blocker := &fakeSummarizer{block: true}
	f := newFixture(t, func(fo *fixtureOpts) { fo.summarizer = blocker })

	first, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Same owner, same video (different reference shape): same job.
	second, duplicate, err := f.svc.Submit(context.Background(), "alice", "https://youtu.be/dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if !duplicate || second.ID != first.ID {
		t.Errorf("duplicate = %v, id = %s, want redirect to %s", duplicate, second.ID, first.ID)
	}

	// Different owner: independent job.
	other, duplicate, err := f.svc.Submit(context.Background(), "bob", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("other owner submit: %v", err)
	}
	if duplicate || other.ID == first.ID {
		t.Error("owners must not share jobs")
	}

	// After the job finishes, resubmission starts fresh.
	if _, err := f.svc.Cancel(first.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitTerminal(t, f, first.ID)

	third, duplicate, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if duplicate || third.ID == first.ID {
		t.Error("terminal job still deduplicating")
	}
}

func TestSubmitInvalidReference(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Submit(context.Background(), "alice", "nonsense")
	if !apperr.Is(err, apperr.CodeInvalidReference) {
		t.Fatalf("error = %v, want INVALID_REFERENCE", err)
	}
}

func TestSourceFailureShortCircuits(t *testing.T) {
	f := newFixture(t, func(fo *fixtureOpts) { fo.downloadErr = errors.New("exit 1") })

	snap, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := drain(t, f, snap.ID)
	final := waitTerminal(t, f, snap.ID)
	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}

	last := events[len(events)-1]
	if last.Type != event.TypeError {
		t.Fatalf("last event = %s, want error", last.Type)
	}
	if last.ErrorCode != string(apperr.CodeSourceUnavailable) {
		t.Errorf("error code = %s, want SOURCE_UNAVAILABLE", last.ErrorCode)
	}
	if !last.Retryable {
		t.Error("source failures should be retryable")
	}

	// No transcription or summarization happened, nothing was persisted.
	for _, ev := range events {
		if ev.Type == event.TypeTranscript || ev.Type == event.TypeSummaryChunk {
			t.Errorf("stage ran after source failure: %s", ev.Type)
		}
	}
	if len(f.store.committed()) != 0 {
		t.Error("failed job was persisted")
	}
}

func TestTranscriptionFallbackVisible(t *testing.T) {
	f := newFixture(t, func(fo *fixtureOpts) {
		fo.transcribers = []transcribe.Provider{
			&fakeTranscriber{name: "primary", err: errors.New("model crash")},
			&fakeTranscriber{name: "backup", text: "rescued text"},
		}
	})

	snap, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := drain(t, f, snap.ID)
	final := waitTerminal(t, f, snap.ID)
	if final.State != StateCompleted {
		t.Fatalf("state = %s, want completed (error: %+v)", final.State, final.Error)
	}

	var sawPrimary, sawBackup bool
	for _, ev := range events {
		if ev.Type != event.TypeStatus {
			continue
		}
		if strings.Contains(ev.Message, "primary (1/2)") {
			sawPrimary = true
		}
		if strings.Contains(ev.Message, "backup (2/2)") {
			sawBackup = true
		}
	}
	if !sawPrimary || !sawBackup {
		t.Errorf("fallback not visible in status events (primary=%v backup=%v)", sawPrimary, sawBackup)
	}
}

func TestTranscriptionExhaustedFails(t *testing.T) {
	f := newFixture(t, func(fo *fixtureOpts) {
		fo.transcribers = []transcribe.Provider{
			&fakeTranscriber{name: "a", err: errors.New("fail a")},
			&fakeTranscriber{name: "b", err: errors.New("fail b")},
		}
	})

	snap, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := drain(t, f, snap.ID)
	last := events[len(events)-1]
	if last.Type != event.TypeError || last.ErrorCode != string(apperr.CodeTranscriptionExhausted) {
		t.Errorf("last event = %s/%s, want error/TRANSCRIPTION_EXHAUSTED", last.Type, last.ErrorCode)
	}
}

func TestCancelMidSummarize(t *testing.T) {
	summarizer := &fakeSummarizer{
		fragments: []string{"part one, ", "part two."},
		block:     true,
		emitted:   make(chan struct{}),
	}
	f := newFixture(t, func(fo *fixtureOpts) { fo.summarizer = summarizer })

	snap, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Cancel only once every fragment has streamed.
	select {
	case <-summarizer.emitted:
	case <-time.After(5 * time.Second):
		t.Fatal("summarizer never streamed its fragments")
	}

	if _, err := f.svc.Cancel(snap.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	events := drain(t, f, snap.ID)
	final := waitTerminal(t, f, snap.ID)
	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}

	last := events[len(events)-1]
	if last.ErrorCode != string(apperr.CodeCancelled) {
		t.Errorf("error code = %s, want CANCELLED", last.ErrorCode)
	}
	if last.Retryable {
		t.Error("cancellation must not be marked retryable")
	}
	if len(f.store.committed()) != 0 {
		t.Error("cancelled job was persisted")
	}

	// Fragments streamed before the cancellation stay on the job.
	if final.Summary != "part one, part two." {
		t.Errorf("summary after cancel = %q, want the streamed fragments retained", final.Summary)
	}

	// The audio payload is released on the cancellation path too.
	waitCleanup(t, f.tmp)
}

func TestSummaryStreamFailureRetainsFragments(t *testing.T) {
	f := newFixture(t, func(fo *fixtureOpts) {
		fo.summarizer = &fakeSummarizer{
			fragments: []string{"half a "},
			midErr:    errors.New("connection reset"),
		}
	})

	snap, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := drain(t, f, snap.ID)
	final := waitTerminal(t, f, snap.ID)
	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}
	last := events[len(events)-1]
	if last.ErrorCode != string(apperr.CodeSummarizationUnavailable) {
		t.Errorf("error code = %s, want SUMMARIZATION_UNAVAILABLE", last.ErrorCode)
	}

	// The partial summary is kept on the failed job, never persisted as a
	// completed result.
	if final.Summary != "half a " {
		t.Errorf("summary after stream failure = %q, want the emitted fragment retained", final.Summary)
	}
	if len(f.store.committed()) != 0 {
		t.Error("failed job was persisted")
	}
}

func TestAudioReleasedBeforeSummarize(t *testing.T) {
	summarizer := &fakeSummarizer{block: true, emitted: make(chan struct{})}
	f := newFixture(t, func(fo *fixtureOpts) { fo.summarizer = summarizer })

	snap, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The summarizer is now holding the job in the summarizing stage; the
	// payload must already be gone.
	select {
	case <-summarizer.emitted:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the summarizing stage")
	}
	waitCleanup(t, f.tmp)

	if _, err := f.svc.Cancel(snap.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitTerminal(t, f, snap.ID)
}

func TestCancelAuthorization(t *testing.T) {
	f := newFixture(t, func(fo *fixtureOpts) { fo.summarizer = &fakeSummarizer{block: true} })

	snap, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.svc.Cancel(snap.ID, "mallory"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("foreign cancel error = %v, want NOT_FOUND", err)
	}
	if _, err := f.svc.Cancel("missing", "alice"); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("unknown cancel error = %v, want NOT_FOUND", err)
	}

	if _, err := f.svc.Cancel(snap.ID, "alice"); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	waitTerminal(t, f, snap.ID)

	// Cancelling a terminal job is a no-op.
	final, err := f.svc.Cancel(snap.ID, "alice")
	if err != nil {
		t.Fatalf("terminal cancel: %v", err)
	}
	if final.State != StateFailed {
		t.Errorf("terminal cancel state = %s", final.State)
	}
}

func TestPersistenceFailure(t *testing.T) {
	f := newFixture(t, func(fo *fixtureOpts) { fo.commitErr = errors.New("disk full") })

	snap, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := drain(t, f, snap.ID)
	final := waitTerminal(t, f, snap.ID)
	if final.State != StateFailed {
		t.Fatalf("state = %s, want failed", final.State)
	}

	last := events[len(events)-1]
	if last.ErrorCode != string(apperr.CodePersistenceFailure) {
		t.Errorf("error code = %s, want PERSISTENCE_FAILURE", last.ErrorCode)
	}
	if !last.Retryable {
		t.Error("persistence failures should be retryable")
	}
}

func TestRetentionSweep(t *testing.T) {
	f := newFixture(t)

	snap, _, err := f.svc.Submit(context.Background(), "alice", "dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitTerminal(t, f, snap.ID)

	// Not yet expired.
	f.svc.sweep(time.Now().UTC())
	if _, err := f.svc.Get(snap.ID); err != nil {
		t.Fatalf("job evicted before retention: %v", err)
	}

	// Past the retention window: job and buffer both go.
	f.svc.sweep(time.Now().UTC().Add(2 * time.Hour))
	if _, err := f.svc.Get(snap.ID); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("expired job still queryable: %v", err)
	}
	if f.svc.Events(snap.ID) != nil {
		t.Error("expired event buffer still present")
	}
}

func TestStateTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{StatePending, StateResolving},
		{StateResolving, StateTranscribing},
		{StateTranscribing, StateSummarizing},
		{StateSummarizing, StateCompleted},
		{StatePending, StateFailed},
		{StateSummarizing, StateFailed},
	}
	for _, tr := range legal {
		if !canTransition(tr.from, tr.to) {
			t.Errorf("transition %s -> %s should be legal", tr.from, tr.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StatePending, StateTranscribing},
		{StateResolving, StateSummarizing},
		{StateCompleted, StateFailed},
		{StateFailed, StateResolving},
		{StateCompleted, StateResolving},
	}
	for _, tr := range illegal {
		if canTransition(tr.from, tr.to) {
			t.Errorf("transition %s -> %s should be illegal", tr.from, tr.to)
		}
	}
}
