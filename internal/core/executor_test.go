package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFetcher serves a fixed body. When block is set it waits for release
// or cancellation; when panics is positive it panics that many times first.
type fakeFetcher struct {
	body    []byte
	block   chan struct{}
	started chan struct{}
	panics  atomic.Int32
	calls   atomic.Int32
	once    sync.Once
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, progress ProgressFunc) ([]byte, error) {
	f.calls.Add(1)
	if f.panics.Add(-1) >= 0 {
		panic("fetcher exploded")
	}
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, p := range []int{25, 50, 75, 100} {
		report(progress, p)
	}
	return f.body, nil
}

func sealFor(t *testing.T, key *SymmetricKey, plain []byte) []byte {
	t.Helper()
	sealed, err := DefaultTransform().Seal(plain, key, nil)
	require.NoError(t, err)
	return sealed.Envelope
}

func collect(t *testing.T, s *Stream) ([]int, Event) {
	t.Helper()
	var ticks []int
	var terminal Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				require.NotNil(t, terminal, "stream closed without terminal event")
				return ticks, terminal
			}
			require.Nil(t, terminal, "event after terminal")
			require.Equal(t, s.OperationID(), ev.OpID())
			if p, isProgress := ev.(ProgressEvent); isProgress {
				ticks = append(ticks, p.Percent)
				continue
			}
			terminal = ev
		case <-timeout:
			t.Fatal("timed out waiting for stream")
		}
	}
}

func TestInlineExecutor_EncryptThenDecrypt(t *testing.T) {
	exec := NewInlineExecutor(DefaultTransform(), nil)
	key := newTestKey(t)

	s, err := exec.Submit(context.Background(), Request{OperationID: "enc", Kind: OpEncrypt, Key: key, Payload: []byte("hello inline")})
	require.NoError(t, err)
	ticks, terminal := collect(t, s)
	assertMonotonicToHundred(t, ticks)

	success, ok := terminal.(SuccessEvent)
	require.True(t, ok, "expected success, got %#v", terminal)
	assert.Equal(t, int64(len("hello inline")), success.Result.OriginalSize)

	s, err = exec.Submit(context.Background(), Request{OperationID: "dec", Kind: OpDecrypt, Key: key, Payload: success.Result.Data})
	require.NoError(t, err)
	res, err := s.Wait(nil)
	require.NoError(t, err)
	assert.Equal(t, "hello inline", string(res.Data))
}

func TestInlineExecutor_FailuresAreErrorEvents(t *testing.T) {
	exec := NewInlineExecutor(DefaultTransform(), nil)
	key := newTestKey(t)

	t.Run("bad envelope", func(t *testing.T) {
		s, err := exec.Submit(context.Background(), Request{OperationID: "bad", Kind: OpDecrypt, Key: key, Payload: []byte("short")})
		require.NoError(t, err)
		_, err = s.Wait(nil)
		assert.ErrorIs(t, err, ErrAuthenticationFailure)
	})

	t.Run("unknown kind", func(t *testing.T) {
		s, err := exec.Submit(context.Background(), Request{OperationID: "unknown", Kind: OpKind(42), Key: key})
		require.NoError(t, err)
		_, err = s.Wait(nil)
		assert.ErrorIs(t, err, ErrUnknownOperation)
	})

	t.Run("download without fetcher", func(t *testing.T) {
		s, err := exec.Submit(context.Background(), Request{OperationID: "dl", Kind: OpDownloadAndDecrypt, Key: key, URL: "http://example"})
		require.NoError(t, err)
		_, err = s.Wait(nil)
		assert.ErrorIs(t, err, ErrNoFetcher)
	})
}

func TestWorkerExecutor_DownloadAndDecrypt(t *testing.T) {
	key := newTestKey(t)
	fetcher := &fakeFetcher{body: sealFor(t, key, []byte("downloaded secret"))}

	exec := NewWorkerExecutor(DefaultTransform(), fetcher, 2, 4)
	t.Cleanup(func() { _ = exec.Close() })

	s, err := exec.Submit(context.Background(), Request{OperationID: "op-1", Kind: OpDownloadAndDecrypt, Key: key, URL: "http://files/x"})
	require.NoError(t, err)

	ticks, terminal := collect(t, s)
	assertMonotonicToHundred(t, ticks)
	assert.Contains(t, ticks, 50)

	success, ok := terminal.(SuccessEvent)
	require.True(t, ok, "expected success, got %#v", terminal)
	assert.Equal(t, "downloaded secret", string(success.Result.Data))
}

func TestWorkerExecutor_DuplicateOperationID(t *testing.T) {
	key := newTestKey(t)
	fetcher := &fakeFetcher{
		body:    sealFor(t, key, []byte("x")),
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	exec := NewWorkerExecutor(DefaultTransform(), fetcher, 1, 1)
	t.Cleanup(func() { _ = exec.Close() })

	req := Request{OperationID: "same", Kind: OpDownloadAndDecrypt, Key: key, URL: "u"}
	s, err := exec.Submit(context.Background(), req)
	require.NoError(t, err)
	<-fetcher.started

	_, err = exec.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	close(fetcher.block)
	_, err = s.Wait(nil)
	require.NoError(t, err)

	// The id is reusable once the first operation finished.
	fetcher.block = nil
	s, err = exec.Submit(context.Background(), req)
	require.NoError(t, err)
	_, err = s.Wait(nil)
	require.NoError(t, err)
}

func TestDispatcher_DuplicateOperationIDAcrossExecutors(t *testing.T) {
	key := newTestKey(t)
	fetcher := &fakeFetcher{
		body:    sealFor(t, key, []byte("x")),
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	exec := NewExecutor(ExecutorConfig{Fetcher: fetcher, Workers: 1, QueueSize: 1, InlineThreshold: 1024})
	t.Cleanup(func() { _ = exec.Close() })

	s, err := exec.Submit(context.Background(), Request{OperationID: "op-1", Kind: OpDownloadAndDecrypt, Key: key, URL: "u"})
	require.NoError(t, err)
	<-fetcher.started

	// Small enough to run inline, but the id is held by the pool.
	small := Request{OperationID: "op-1", Kind: OpEncrypt, Key: key, Payload: []byte("hello")}
	_, err = exec.Submit(context.Background(), small)
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	close(fetcher.block)
	_, err = s.Wait(nil)
	require.NoError(t, err)

	s, err = exec.Submit(context.Background(), small)
	require.NoError(t, err)
	_, err = s.Wait(nil)
	require.NoError(t, err)
}

func TestWorkerExecutor_Cancel(t *testing.T) {
	key := newTestKey(t)
	fetcher := &fakeFetcher{block: make(chan struct{}), started: make(chan struct{})}
	exec := NewWorkerExecutor(DefaultTransform(), fetcher, 1, 1)
	t.Cleanup(func() { _ = exec.Close() })

	s, err := exec.Submit(context.Background(), Request{OperationID: "c", Kind: OpDownloadAndDecrypt, Key: key, URL: "u"})
	require.NoError(t, err)
	<-fetcher.started

	s.Cancel()
	_, err = s.Wait(nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWorkerExecutor_CloseFailsRunningAndNewWork(t *testing.T) {
	key := newTestKey(t)
	fetcher := &fakeFetcher{block: make(chan struct{}), started: make(chan struct{})}
	exec := NewWorkerExecutor(DefaultTransform(), fetcher, 1, 1)

	s, err := exec.Submit(context.Background(), Request{OperationID: "running", Kind: OpDownloadAndDecrypt, Key: key, URL: "u"})
	require.NoError(t, err)
	<-fetcher.started

	require.NoError(t, exec.Close())

	_, err = s.Wait(nil)
	assert.ErrorIs(t, err, ErrWorkerUnavailable)

	_, err = exec.Submit(context.Background(), Request{OperationID: "late", Kind: OpEncrypt, Key: key, Payload: []byte("x")})
	assert.ErrorIs(t, err, ErrWorkerUnavailable)
}

func TestDispatcher_FallsBackWhenPoolIsClosed(t *testing.T) {
	key := newTestKey(t)
	worker := NewWorkerExecutor(DefaultTransform(), nil, 1, 1)
	require.NoError(t, worker.Close())

	d := NewDispatcher(worker, NewInlineExecutor(DefaultTransform(), nil), 0)

	s, err := d.Submit(context.Background(), Request{OperationID: "fb", Kind: OpEncrypt, Key: key, Payload: []byte("still works")})
	require.NoError(t, err)
	res, err := s.Wait(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len("still works")), res.OriginalSize)
}

func TestDispatcher_ReplaysInlineWhenWorkerCrashes(t *testing.T) {
	key := newTestKey(t)
	fetcher := &fakeFetcher{body: sealFor(t, key, []byte("survived a crash"))}
	fetcher.panics.Store(1)

	exec := NewExecutor(ExecutorConfig{Fetcher: fetcher, Workers: 1, QueueSize: 1})
	t.Cleanup(func() { _ = exec.Close() })

	s, err := exec.Submit(context.Background(), Request{OperationID: "crash", Kind: OpDownloadAndDecrypt, Key: key, URL: "u"})
	require.NoError(t, err)

	ticks, terminal := collect(t, s)
	success, ok := terminal.(SuccessEvent)
	require.True(t, ok, "expected success, got %#v", terminal)
	assert.Equal(t, "survived a crash", string(success.Result.Data))
	assert.Equal(t, int32(2), fetcher.calls.Load())
	if len(ticks) > 0 {
		assertMonotonicToHundred(t, ticks)
	}
}

func TestDispatcher_SmallPayloadsRunInline(t *testing.T) {
	key := newTestKey(t)
	worker := &countingExecutor{}
	d := NewDispatcher(worker, NewInlineExecutor(DefaultTransform(), nil), 1024)

	s, err := d.Submit(context.Background(), Request{OperationID: "small", Kind: OpEncrypt, Key: key, Payload: []byte("tiny")})
	require.NoError(t, err)
	_, err = s.Wait(nil)
	require.NoError(t, err)
	assert.Zero(t, worker.submits)
}

func TestDispatcher_ConcurrentOperationsKeepTheirIDs(t *testing.T) {
	key := newTestKey(t)
	exec := NewExecutor(ExecutorConfig{Workers: 3, QueueSize: 8})
	t.Cleanup(func() { _ = exec.Close() })

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			s, err := exec.Submit(context.Background(), Request{OperationID: id, Kind: OpEncrypt, Key: key, Payload: make([]byte, 4096)})
			if err != nil {
				errs <- err
				return
			}
			for ev := range s.Events() {
				if ev.OpID() != id {
					errs <- errors.New("event routed to wrong operation")
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

type countingExecutor struct {
	submits int
}

func (c *countingExecutor) Submit(ctx context.Context, req Request) (*Stream, error) {
	c.submits++
	return nil, ErrWorkerUnavailable
}

func (c *countingExecutor) Close() error { return nil }
