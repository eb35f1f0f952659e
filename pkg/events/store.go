// Package events records the event log of every pipeline execution and
// streams it to subscribers.
//
// Each execution has a single append point. [Store.Append] assigns a
// per-execution sequence number and fans the event out to every open
// subscription. A subscription first replays the buffered history and then
// follows live events, with no gap and no duplicate, because the replay
// snapshot and the registration happen under the execution's log lock.
// Every subscriber has its own unbounded queue drained by its own
// goroutine, so a slow reader never blocks the appender or other readers.
// The stream closes after the execution's terminal event.
//
// A [Persister] may be attached to mirror the log into durable storage.
// History of executions no longer in memory is hydrated from it on
// subscribe.
package events

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

// DefaultPersistTimeout bounds each persister call.
const DefaultPersistTimeout = 2 * time.Second

// Persister mirrors event logs into durable storage.
type Persister interface {
	AppendEvent(ctx context.Context, e Event) error
	LoadEvents(ctx context.Context, executionID string) ([]Event, error)
}

// Deleter is implemented by persisters that support history pruning.
type Deleter interface {
	DeleteEvents(ctx context.Context, executionID string) error
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithPersister mirrors every appended event into p.
func WithPersister(p Persister) StoreOption {
	return func(s *Store) {
		s.persister = p
	}
}

// WithPersistTimeout bounds each persister call.
func WithPersistTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the in-memory event store. It is safe for concurrent use.
type Store struct {
	mu             sync.Mutex
	logs           map[string]*executionLog
	persister      Persister
	persistTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

type executionLog struct {
	mu         sync.Mutex
	events     []Event
	subs       map[*subscriber]struct{}
	terminated bool
	updatedAt  time.Time
	// removed is set once the log is dropped from Store.logs.
	removed bool
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		logs:           make(map[string]*executionLog),
		persistTimeout: DefaultPersistTimeout,
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) log(executionID string) *executionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[executionID]
	if !ok {
		l = &executionLog{subs: make(map[*subscriber]struct{})}
		s.logs[executionID] = l
	}
	return l
}

func (s *Store) lookup(executionID string) (*executionLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[executionID]
	return l, ok
}

// Append records e and delivers it to every subscriber of its execution.
// Seq is always assigned by the store; Timestamp is set when zero. The
// stored event is returned.
//
// An empty ExecutionID is rejected with [sserr.CodeValidationRequired].
// A persister failure is returned wrapped, but the in-memory append and
// delivery stand.
func (s *Store) Append(ctx context.Context, e Event) (Event, error) {
	if e.ExecutionID == "" {
		return Event{}, sserr.New(sserr.CodeValidationRequired, "events: execution ID is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}

	l := s.log(e.ExecutionID)
	l.mu.Lock()
	for l.removed {
		l.mu.Unlock()
		l = s.log(e.ExecutionID)
		l.mu.Lock()
	}
	e.Seq = uint64(len(l.events)) + 1
	l.events = append(l.events, e)
	l.updatedAt = e.Timestamp
	for sub := range l.subs {
		sub.push(e)
	}
	if e.Type.IsTerminal() {
		l.terminated = true
		for sub := range l.subs {
			sub.finish()
			delete(l.subs, sub)
		}
	}
	l.mu.Unlock()

	if s.persister == nil {
		return e, nil
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	if err := s.persister.AppendEvent(pctx, e); err != nil {
		s.logger.WarnContext(ctx, "events: persist failed",
			"execution_id", e.ExecutionID,
			"seq", e.Seq,
			"type", e.Type.String(),
			"error", err,
		)
		return e, sserr.Wrap(err, sserr.CodeInternalStorage, "events: persist failed")
	}
	return e, nil
}

// Subscribe returns a stream of executionID's events: the buffered history
// followed by live events. The channel is closed after the terminal event
// is delivered, when ctx ends, or when the execution is pruned.
//
// Subscribing to an execution with no events yet waits for its first
// event. When the execution is not in memory and a persister is attached,
// its history is loaded first.
func (s *Store) Subscribe(ctx context.Context, executionID string) (<-chan Event, error) {
	if executionID == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "events: execution ID is required")
	}
	if err := s.hydrate(ctx, executionID); err != nil {
		return nil, err
	}

	l := s.log(executionID)
	sub := newSubscriber()
	l.mu.Lock()
	for l.removed {
		l.mu.Unlock()
		l = s.log(executionID)
		l.mu.Lock()
	}
	sub.queue = append(sub.queue, l.events...)
	if l.terminated {
		sub.done = true
	} else {
		l.subs[sub] = struct{}{}
	}
	l.mu.Unlock()

	out := make(chan Event)
	go sub.run(ctx, out, func() {
		l.mu.Lock()
		delete(l.subs, sub)
		idle := len(l.events) == 0 && len(l.subs) == 0
		l.mu.Unlock()
		if idle {
			s.dropIdle(executionID, l)
		}
	})
	return out, nil
}

// dropIdle removes a log that never received an event once its last
// subscriber leaves.
func (s *Store) dropIdle(executionID string, l *executionLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logs[executionID] != l {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) > 0 || len(l.subs) > 0 {
		return
	}
	l.removed = true
	delete(s.logs, executionID)
}

// hydrate loads persisted history for an execution not held in memory.
func (s *Store) hydrate(ctx context.Context, executionID string) error {
	if s.persister == nil {
		return nil
	}
	if _, ok := s.lookup(executionID); ok {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	history, err := s.persister.LoadEvents(pctx, executionID)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternalStorage, "events: load history failed")
	}
	if len(history) == 0 {
		return nil
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Seq < history[j].Seq })

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[executionID]; ok {
		return nil
	}
	last := history[len(history)-1]
	s.logs[executionID] = &executionLog{
		events:     history,
		subs:       make(map[*subscriber]struct{}),
		terminated: last.Type.IsTerminal(),
		updatedAt:  last.Timestamp,
	}
	return nil
}

// Events returns a snapshot of executionID's in-memory log.
func (s *Store) Events(executionID string) []Event {
	l, ok := s.lookup(executionID)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// History returns executionID's log, hydrating it from the persister when
// it is not in memory.
func (s *Store) History(ctx context.Context, executionID string) ([]Event, error) {
	if err := s.hydrate(ctx, executionID); err != nil {
		return nil, err
	}
	return s.Events(executionID), nil
}

// Len returns the number of executions held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

// Prune drops executionID's log from memory and from the persister when it
// implements [Deleter]. Open subscriptions are closed.
//
// A log that has events but no terminal event is still being appended to
// and is refused with [sserr.CodeConflict].
func (s *Store) Prune(ctx context.Context, executionID string) error {
	s.mu.Lock()
	l, ok := s.logs[executionID]
	if ok {
		l.mu.Lock()
		if len(l.events) > 0 && !l.terminated {
			l.mu.Unlock()
			s.mu.Unlock()
			return sserr.Newf(sserr.CodeConflict,
				"events: execution %s is still running", executionID)
		}
		l.removed = true
		for sub := range l.subs {
			sub.finish()
			delete(l.subs, sub)
		}
		l.mu.Unlock()
		delete(s.logs, executionID)
	}
	s.mu.Unlock()

	d, ok := s.persister.(Deleter)
	if !ok {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	defer cancel()
	if err := d.DeleteEvents(pctx, executionID); err != nil {
		return sserr.Wrap(err, sserr.CodeInternalStorage, "events: delete history failed")
	}
	return nil
}

// PruneBefore prunes every terminated execution whose last event is older
// than cutoff and returns how many were pruned. Executions still running
// are kept.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	var victims []string
	for id, l := range s.logs {
		l.mu.Lock()
		if l.terminated && l.updatedAt.Before(cutoff) {
			victims = append(victims, id)
		}
		l.mu.Unlock()
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range victims {
		if err := s.Prune(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(victims), firstErr
}

// subscriber is one subscription's unbounded queue.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	done   bool
	notify chan struct{}
}

func newSubscriber() *subscriber {
	return &subscriber{notify: make(chan struct{}, 1)}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.wake()
}

// finish marks that no further events will be queued.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next blocks for the next queued event. ok is false once the queue is
// drained and finished, or ctx ends.
func (s *subscriber) next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return e, true
		}
		done := s.done
		s.mu.Unlock()
		if done {
			return Event{}, false
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (s *subscriber) run(ctx context.Context, out chan<- Event, detach func()) {
	defer close(out)
	defer detach()
	for {
		e, ok := s.next(ctx)
		if !ok {
			return
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return
		}
	}
}
