package core

import (
	"context"
	"sync"
)

const streamBuffer = 32

// Stream is the response sequence of one submitted operation. The consumer
// must either drain it (Events or Wait) or call Cancel.
type Stream struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
}

func newStream(ctx context.Context, id string, buffer int) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	if buffer < 2 {
		buffer = 2
	}
	return &Stream{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, buffer),
	}
}

func (s *Stream) OperationID() string {
	return s.id
}

// Events yields progress ticks and exactly one terminal event, then closes.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Cancel asks the producer to stop. Work that cannot be interrupted runs to
// completion and its result is discarded.
func (s *Stream) Cancel() {
	s.cancel()
}

// Wait drains the stream, forwarding progress, and returns the outcome.
func (s *Stream) Wait(progress ProgressFunc) (Result, error) {
	defer s.cancel()

	for ev := range s.events {
		switch e := ev.(type) {
		case ProgressEvent:
			report(progress, e.Percent)
		case SuccessEvent:
			return e.Result, nil
		case ErrorEvent:
			return Result{}, e.Err
		}
	}
	if err := s.ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{}, ErrWorkerUnavailable
}

// emitProgress never blocks: ticks are dropped when the consumer lags, and
// one slot is always kept free for the terminal event.
func (s *Stream) emitProgress(percent int) {
	if len(s.events) < cap(s.events)-1 {
		s.events <- ProgressEvent{OperationID: s.id, Percent: percent}
	}
}

func (s *Stream) succeed(res Result) {
	s.events <- SuccessEvent{OperationID: s.id, Result: res}
	close(s.events)
}

func (s *Stream) fail(err error) {
	s.events <- ErrorEvent{OperationID: s.id, Err: err}
	close(s.events)
}

// inflight enforces unique operation ids among concurrent operations.
type inflight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: make(map[string]struct{})}
}

func (f *inflight) add(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[id]; ok {
		return ErrDuplicateOperation
	}
	f.ids[id] = struct{}{}
	return nil
}

func (f *inflight) remove(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}
