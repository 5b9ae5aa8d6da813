package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// inlineBuffer holds every distinct percentage plus the terminal event, so
// a synchronous run never drops a tick.
const inlineBuffer = 103

// InlineExecutor runs operations synchronously inside Submit. It is the
// fallback when no worker pool is available, and the fast path for small
// payloads.
type InlineExecutor struct {
	transform *Transform
	fetcher   Fetcher
	inflight  *inflight
}

func NewInlineExecutor(t *Transform, f Fetcher) *InlineExecutor {
	return &InlineExecutor{transform: t, fetcher: f, inflight: newInflight()}
}

func (e *InlineExecutor) Submit(ctx context.Context, req Request) (*Stream, error) {
	if err := e.inflight.add(req.OperationID); err != nil {
		return nil, err
	}
	defer e.inflight.remove(req.OperationID)

	s := newStream(ctx, req.OperationID, inlineBuffer)
	res, err := runOperation(s.ctx, e.transform, e.fetcher, req, Monotonic(s.emitProgress))
	if err != nil {
		s.fail(err)
	} else {
		s.succeed(res)
	}
	return s, nil
}

func (e *InlineExecutor) Close() error {
	return nil
}

type job struct {
	req    Request
	stream *Stream
}

// WorkerExecutor runs operations on a fixed pool of goroutines fed by a
// bounded queue. Closing it rejects queued and running operations with
// ErrWorkerUnavailable.
type WorkerExecutor struct {
	transform *Transform
	fetcher   Fetcher
	inflight  *inflight

	base       context.Context
	cancelBase context.CancelFunc

	mu     sync.RWMutex
	closed bool
	jobs   chan *job
	wg     sync.WaitGroup
}

func NewWorkerExecutor(t *Transform, f Fetcher, workers, queue int) *WorkerExecutor {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	base, cancel := context.WithCancel(context.Background())
	w := &WorkerExecutor{
		transform:  t,
		fetcher:    f,
		inflight:   newInflight(),
		base:       base,
		cancelBase: cancel,
		jobs:       make(chan *job, queue),
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

func (w *WorkerExecutor) Submit(ctx context.Context, req Request) (*Stream, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return nil, ErrWorkerUnavailable
	}
	if err := w.inflight.add(req.OperationID); err != nil {
		return nil, err
	}

	s := newStream(ctx, req.OperationID, streamBuffer)
	context.AfterFunc(w.base, s.cancel)

	select {
	case w.jobs <- &job{req: req, stream: s}:
		return s, nil
	case <-s.ctx.Done():
		w.inflight.remove(req.OperationID)
		s.cancel()
		return nil, s.ctx.Err()
	}
}

// Close stops the pool and waits for the workers to exit.
func (w *WorkerExecutor) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.cancelBase()
	close(w.jobs)
	w.mu.Unlock()

	w.wg.Wait()
	return nil
}

func (w *WorkerExecutor) loop() {
	defer w.wg.Done()
	for j := range w.jobs {
		w.process(j)
	}
}

func (w *WorkerExecutor) process(j *job) {
	id := j.req.OperationID

	if w.base.Err() != nil {
		w.inflight.remove(id)
		j.stream.fail(ErrWorkerUnavailable)
		return
	}

	res, err := w.run(j)
	if err != nil && w.base.Err() != nil {
		err = ErrWorkerUnavailable
	}

	w.inflight.remove(id)
	if err != nil {
		j.stream.fail(err)
		return
	}
	j.stream.succeed(res)
}

func (w *WorkerExecutor) run(j *job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("crypto worker crashed", "operation_id", j.req.OperationID, "kind", j.req.Kind.String(), "panic", r)
			err = fmt.Errorf("%w: %v", ErrWorkerUnavailable, r)
		}
	}()
	return runOperation(j.stream.ctx, w.transform, w.fetcher, j.req, Monotonic(j.stream.emitProgress))
}

// ExecutorConfig selects the execution strategy at construction time.
type ExecutorConfig struct {
	Transform *Transform
	Fetcher   Fetcher

	// Workers is the pool size. Zero selects inline-only execution.
	Workers   int
	QueueSize int

	// InlineThreshold routes smaller encrypt/decrypt payloads to the inline
	// executor even when a pool exists.
	InlineThreshold int
}

// NewExecutor returns an InlineExecutor when no workers are configured,
// otherwise a Dispatcher over a worker pool with inline fallback.
func NewExecutor(cfg ExecutorConfig) Executor {
	if cfg.Transform == nil {
		cfg.Transform = DefaultTransform()
	}
	inline := NewInlineExecutor(cfg.Transform, cfg.Fetcher)
	if cfg.Workers <= 0 {
		return inline
	}
	worker := NewWorkerExecutor(cfg.Transform, cfg.Fetcher, cfg.Workers, cfg.QueueSize)
	return NewDispatcher(worker, inline, cfg.InlineThreshold)
}

// Dispatcher sends large payloads to the worker pool and small ones inline.
// When the pool is unavailable, at submit time or mid-operation, the
// request is replayed on the inline executor.
//
// Operation ids are unique across both executors: an id stays taken from
// Submit until its stream's terminal event.
type Dispatcher struct {
	worker    Executor
	inline    Executor
	threshold int
	inflight  *inflight
}

func NewDispatcher(worker, inline Executor, threshold int) *Dispatcher {
	return &Dispatcher{worker: worker, inline: inline, threshold: threshold, inflight: newInflight()}
}

func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Stream, error) {
	if err := d.inflight.add(req.OperationID); err != nil {
		return nil, err
	}

	if req.Kind != OpDownloadAndDecrypt && req.size() < d.threshold {
		defer d.inflight.remove(req.OperationID)
		return d.inline.Submit(ctx, req)
	}

	s, err := d.worker.Submit(ctx, req)
	if errors.Is(err, ErrWorkerUnavailable) {
		slog.Warn("crypto worker unavailable, running inline", "operation_id", req.OperationID)
		defer d.inflight.remove(req.OperationID)
		return d.inline.Submit(ctx, req)
	}
	if err != nil {
		d.inflight.remove(req.OperationID)
		return nil, err
	}
	return d.withFallback(ctx, req, s), nil
}

func (d *Dispatcher) withFallback(ctx context.Context, req Request, src *Stream) *Stream {
	out := newStream(ctx, req.OperationID, streamBuffer)
	go func() {
		defer src.cancel()
		last := -1
		forward := func(s *Stream) (Event, bool) {
			for ev := range s.events {
				switch e := ev.(type) {
				case ProgressEvent:
					if e.Percent > last {
						last = e.Percent
						out.emitProgress(e.Percent)
					}
				default:
					return e, true
				}
			}
			return nil, false
		}

		terminal, ok := forward(src)
		if ok {
			if ev, isErr := terminal.(ErrorEvent); isErr && errors.Is(ev.Err, ErrWorkerUnavailable) && out.ctx.Err() == nil {
				slog.Warn("crypto worker failed mid-operation, replaying inline", "operation_id", req.OperationID)
				retry, err := d.inline.Submit(out.ctx, req)
				if err != nil {
					d.inflight.remove(req.OperationID)
					out.fail(err)
					return
				}
				terminal, _ = forward(retry)
			}
		}

		d.inflight.remove(req.OperationID)
		switch e := terminal.(type) {
		case SuccessEvent:
			out.succeed(e.Result)
		case ErrorEvent:
			out.fail(e.Err)
		default:
			err := out.ctx.Err()
			if err == nil {
				err = ErrWorkerUnavailable
			}
			out.fail(err)
		}
	}()

	context.AfterFunc(out.ctx, src.cancel)
	return out
}

func (d *Dispatcher) Close() error {
	return errors.Join(d.worker.Close(), d.inline.Close())
}
