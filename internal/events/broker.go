// Package events implements the per-session event channel.
//
// A Broker assigns gap-free sequence numbers per session, appends every
// event to a durable EventLog and pushes it to the attached subscribers.
// Producers never block on consumers: each Subscription owns a bounded
// drop-oldest queue and learns about losses through an events_dropped
// marker.
package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/reviewflow/internal/persistence"
	"github.com/petrijr/reviewflow/pkg/api"
)

// DefaultBufferSize is the per-subscriber queue length used when no
// WithBufferSize option is given.
const DefaultBufferSize = 1000

// ErrStreamNotFound is returned by Subscribe for a session that has never
// emitted an event.
var ErrStreamNotFound = errors.New("event stream not found")

// Option configures a Broker.
type Option func(*Broker)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithLogger sets the logger used for drop notices.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// Broker fans session events out to subscribers.
type Broker struct {
	log        persistence.EventLog
	bufferSize int
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	sessionID string

	mu     sync.Mutex
	seq    int64
	loaded bool
	subs   map[*Subscription]struct{}
}

// NewBroker creates a Broker persisting to log. A nil log keeps events in
// memory only, so late subscribers see live events but no backlog.
func NewBroker(log persistence.EventLog, opts ...Option) *Broker {
	if log == nil {
		log = persistence.NoopEventLog{}
	}
	b := &Broker{
		log:        log,
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
		now:        time.Now,
		streams:    make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) stream(sessionID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[sessionID]
	if !ok {
		st = &stream{sessionID: sessionID, subs: make(map[*Subscription]struct{})}
		b.streams[sessionID] = st
	}
	return st
}

func (b *Broker) lookup(sessionID string) (*stream, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.streams[sessionID]
	return st, ok
}

// load restores the sequence counter from the log. Callers hold st.mu.
func (b *Broker) load(ctx context.Context, st *stream) error {
	if st.loaded {
		return nil
	}
	last, err := b.log.LastSequence(ctx, st.sessionID)
	if err != nil {
		return fmt.Errorf("load last sequence for %s: %w", st.sessionID, err)
	}
	st.seq = last
	st.loaded = true
	return nil
}

// Emit appends an event to the session stream and pushes it to every
// subscriber. The event is durable before any subscriber sees it.
func (b *Broker) Emit(ctx context.Context, sessionID string, typ api.EventType, data map[string]any) (api.Event, error) {
	if data == nil {
		data = map[string]any{}
	}
	st := b.stream(sessionID)

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := b.load(ctx, st); err != nil {
		return api.Event{}, err
	}
	ev := api.Event{
		SessionID: sessionID,
		Sequence:  st.seq + 1,
		Type:      typ,
		Timestamp: b.now().UTC(),
		Data:      data,
	}
	if err := b.log.AppendEvent(ctx, ev); err != nil {
		return api.Event{}, fmt.Errorf("append event %d for %s: %w", ev.Sequence, sessionID, err)
	}
	st.seq = ev.Sequence

	for sub := range st.subs {
		if sub.push(ev) {
			b.logger.DebugContext(ctx, "events_dropped",
				slog.String("session_id", sessionID),
				slog.Int64("sequence", ev.Sequence),
			)
		}
	}
	return ev, nil
}

// LastSequence returns the last sequence emitted for a session.
func (b *Broker) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	if st, ok := b.lookup(sessionID); ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		if err := b.load(ctx, st); err != nil {
			return 0, err
		}
		return st.seq, nil
	}
	return b.log.LastSequence(ctx, sessionID)
}

// Subscribe attaches a consumer to a session stream. Events with sequence
// greater than afterSeq are replayed from the log before live events.
func (b *Broker) Subscribe(ctx context.Context, sessionID string, afterSeq int64) (*Subscription, error) {
	st, ok := b.lookup(sessionID)
	if !ok {
		last, err := b.log.LastSequence(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if last == 0 {
			return nil, ErrStreamNotFound
		}
		tail, err := b.log.ListEvents(ctx, sessionID, last-1)
		if err != nil {
			return nil, fmt.Errorf("read tail of %s: %w", sessionID, err)
		}
		if len(tail) > 0 && tail[len(tail)-1].Type.Terminal() {
			return b.replay(ctx, sessionID, afterSeq, last)
		}
		st = b.stream(sessionID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := b.load(ctx, st); err != nil {
		return nil, err
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	var backlog []api.Event
	if afterSeq < st.seq {
		var err error
		backlog, err = b.log.ListEvents(ctx, sessionID, afterSeq)
		if err != nil {
			return nil, fmt.Errorf("replay %s after %d: %w", sessionID, afterSeq, err)
		}
	}

	sub := &Subscription{
		broker:  b,
		stream:  st,
		size:    b.bufferSize,
		backlog: backlog,
		notify:  make(chan struct{}, 1),
	}
	st.subs[sub] = struct{}{}
	return sub, nil
}

// replay serves a finished session from the log. The subscription is not
// attached to any stream and ends once the backlog is drained.
func (b *Broker) replay(ctx context.Context, sessionID string, afterSeq, last int64) (*Subscription, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	var backlog []api.Event
	if afterSeq < last {
		var err error
		backlog, err = b.log.ListEvents(ctx, sessionID, afterSeq)
		if err != nil {
			return nil, fmt.Errorf("replay %s after %d: %w", sessionID, afterSeq, err)
		}
	}
	return &Subscription{
		broker:  b,
		stream:  &stream{sessionID: sessionID, seq: last, loaded: true, subs: make(map[*Subscription]struct{})},
		size:    b.bufferSize,
		backlog: backlog,
		closed:  true,
		notify:  make(chan struct{}, 1),
	}, nil
}

// Release forgets the in-memory state of a session stream and closes its
// subscribers once they have drained their queues. Later subscribers are
// served from the log.
func (b *Broker) Release(sessionID string) {
	b.mu.Lock()
	st, ok := b.streams[sessionID]
	delete(b.streams, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	subs := make([]*Subscription, 0, len(st.subs))
	for sub := range st.subs {
		subs = append(subs, sub)
	}
	st.subs = make(map[*Subscription]struct{})
	st.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Broker) detach(st *stream, sub *Subscription) {
	st.mu.Lock()
	delete(st.subs, sub)
	st.mu.Unlock()
}

// Subscription is one consumer cursor on a session stream. It is not safe
// for concurrent use by multiple readers.
type Subscription struct {
	broker *Broker
	stream *stream
	size   int

	mu         sync.Mutex
	backlog    []api.Event
	queue      []api.Event
	dropped    int64
	dropFirst  int64
	dropLast   int64
	closed     bool
	finished   bool
	notify     chan struct{}
	lastServed int64
}

// push enqueues ev, dropping the oldest queued event when full. It reports
// whether an event was dropped.
func (s *Subscription) push(ev api.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	dropped := false
	if len(s.queue) >= s.size {
		old := s.queue[0]
		s.queue = s.queue[1:]
		if s.dropped == 0 {
			s.dropFirst = old.Sequence
		}
		s.dropped++
		s.dropLast = old.Sequence
		dropped = true
	}
	s.queue = append(s.queue, ev)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the next deliverable event, if any.
func (s *Subscription) next() (api.Event, bool) {
	if len(s.backlog) > 0 {
		ev := s.backlog[0]
		s.backlog = s.backlog[1:]
		return ev, true
	}
	if s.dropped > 0 {
		marker := api.Event{
			SessionID: s.stream.sessionID,
			Type:      api.EventsDropped,
			Timestamp: s.broker.now().UTC(),
			Data: map[string]any{
				"dropped":        s.dropped,
				"first_sequence": s.dropFirst,
				"last_sequence":  s.dropLast,
			},
		}
		s.dropped, s.dropFirst, s.dropLast = 0, 0, 0
		return marker, true
	}
	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		// Events already replayed from the backlog are skipped.
		if ev.Sequence <= s.lastServed {
			continue
		}
		return ev, true
	}
	return api.Event{}, false
}

// Next blocks until the next event is available. It returns io.EOF after
// the terminal event has been delivered or once the subscription is closed
// and drained.
func (s *Subscription) Next(ctx context.Context) (api.Event, error) {
	for {
		s.mu.Lock()
		if s.finished {
			s.mu.Unlock()
			return api.Event{}, io.EOF
		}
		if ev, ok := s.next(); ok {
			if ev.Sequence > 0 {
				s.lastServed = ev.Sequence
			}
			if ev.Type.Terminal() {
				s.finished = true
			}
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.finished = true
			s.mu.Unlock()
			return api.Event{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return api.Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscription. Pending Next calls return io.EOF once
// the queue is drained.
func (s *Subscription) Close() {
	s.broker.detach(s.stream, s)
	s.close()
}
