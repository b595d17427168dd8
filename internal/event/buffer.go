package event

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrStreamDone is returned by Next after the terminal event has been delivered.
	ErrStreamDone = errors.New("event: stream done")
	// ErrSubscriberAttached is returned when a second live subscriber attaches.
	ErrSubscriberAttached = errors.New("event: a subscriber is already attached")
	// ErrTerminated is returned when appending to a terminated buffer.
	ErrTerminated = errors.New("event: buffer already terminated")
)

// Buffer is the append-only event log for one job. Appends are serialized by
// the producing job goroutine; reads snapshot under the same lock so a late
// subscriber can replay the full history in order.
type Buffer struct {
	mu       sync.Mutex
	jobID    string
	events   []Event
	terminal bool
	live     bool
	changed  chan struct{}
}

// NewBuffer creates an empty event buffer for a job.
func NewBuffer(jobID string) *Buffer {
	return &Buffer{
		jobID:   jobID,
		changed: make(chan struct{}),
	}
}

// JobID returns the job this buffer belongs to.
func (b *Buffer) JobID() string { return b.jobID }

// Append adds the next event, assigning its sequence number. Appending after
// a terminal event is a programming error and is rejected.
func (b *Buffer) Append(t Type, mutate func(*Event)) (Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.terminal {
		return Event{}, ErrTerminated
	}

	ev := Event{
		JobID: b.jobID,
		Seq:   uint64(len(b.events)),
		Type:  t,
	}
	if mutate != nil {
		mutate(&ev)
	}
	// Seq and identity are owned by the buffer, not the caller.
	ev.JobID = b.jobID
	ev.Seq = uint64(len(b.events))

	b.events = append(b.events, ev)
	if t.Terminal() {
		b.terminal = true
	}

	// Wake any blocked reader.
	close(b.changed)
	b.changed = make(chan struct{})

	return ev, nil
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Terminated reports whether a terminal event has been appended.
func (b *Buffer) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal
}

// Snapshot returns a copy of all buffered events.
func (b *Buffer) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Subscribe attaches the single live consumer, replaying from sequence zero.
// A second concurrent subscriber is rejected; call Stream.Close to release
// the slot (e.g. on client disconnect) so a resubscription can replay.
func (b *Buffer) Subscribe() (*Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.live {
		return nil, ErrSubscriberAttached
	}
	b.live = true
	return &Stream{buf: b}, nil
}

// Stream is a pull-based iterator over one job's events, starting at
// sequence zero and following live appends until the terminal event.
type Stream struct {
	buf    *Buffer
	cursor uint64
	closed bool
}

// Next blocks until the next event is available and returns it. It returns
// ErrStreamDone after the terminal event has been delivered, or the context
// error if ctx ends first.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	if s.closed {
		return Event{}, ErrStreamDone
	}
	for {
		s.buf.mu.Lock()
		if s.cursor < uint64(len(s.buf.events)) {
			ev := s.buf.events[s.cursor]
			s.cursor++
			s.buf.mu.Unlock()
			return ev, nil
		}
		if s.buf.terminal {
			s.buf.mu.Unlock()
			return Event{}, ErrStreamDone
		}
		changed := s.buf.changed
		s.buf.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-changed:
		}
	}
}

// Close releases the live-subscriber slot. The buffer and its history remain
// available for a later resubscription.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.buf.mu.Lock()
	s.buf.live = false
	s.buf.mu.Unlock()
}
