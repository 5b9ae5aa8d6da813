package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrWorkerUnavailable  = errors.New("crypto worker unavailable")
	ErrDuplicateOperation = errors.New("operation id already in flight")
	ErrUnknownOperation   = errors.New("unknown operation kind")
	ErrNoFetcher          = errors.New("no fetcher configured for download operations")
)

// OpKind selects the work an executor performs for a Request.
type OpKind int

const (
	OpEncrypt OpKind = iota + 1
	OpDecrypt
	OpDownloadAndDecrypt
)

func (k OpKind) String() string {
	switch k {
	case OpEncrypt:
		return "encrypt"
	case OpDecrypt:
		return "decrypt"
	case OpDownloadAndDecrypt:
		return "downloadAndDecrypt"
	default:
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
}

// Request is a unit of work for an Executor. Payload ownership passes to
// the executor on Submit; callers must not modify it afterwards.
type Request struct {
	OperationID string
	Kind        OpKind
	Key         *SymmetricKey

	// Payload is the plaintext for OpEncrypt and the envelope for OpDecrypt.
	Payload []byte

	// URL is fetched for OpDownloadAndDecrypt.
	URL string
}

func (r Request) size() int {
	return len(r.Payload)
}

// Result carries the output of a finished operation.
type Result struct {
	Data           []byte
	OriginalSize   int64
	CompressedSize int64
}

// Event is one message in an operation's response sequence: zero or more
// ProgressEvents followed by exactly one SuccessEvent or ErrorEvent.
type Event interface {
	OpID() string
	isEvent()
}

type ProgressEvent struct {
	OperationID string
	Percent     int
}

type SuccessEvent struct {
	OperationID string
	Result      Result
}

type ErrorEvent struct {
	OperationID string
	Err         error
}

func (e ProgressEvent) OpID() string { return e.OperationID }
func (e SuccessEvent) OpID() string  { return e.OperationID }
func (e ErrorEvent) OpID() string    { return e.OperationID }

func (ProgressEvent) isEvent() {}
func (SuccessEvent) isEvent()  {}
func (ErrorEvent) isEvent()    {}

// Fetcher downloads a ciphertext, reporting byte progress over 0-100.
type Fetcher interface {
	Fetch(ctx context.Context, url string, progress ProgressFunc) ([]byte, error)
}

// Executor runs crypto operations and streams their events.
type Executor interface {
	Submit(ctx context.Context, req Request) (*Stream, error)
	Close() error
}

// runOperation is the work shared by every executor.
func runOperation(ctx context.Context, t *Transform, f Fetcher, req Request, progress ProgressFunc) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	switch req.Kind {
	case OpEncrypt:
		sealed, err := t.Seal(req.Payload, req.Key, progress)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Data:           sealed.Envelope,
			OriginalSize:   sealed.OriginalSize,
			CompressedSize: sealed.CompressedSize,
		}, nil

	case OpDecrypt:
		plain, err := t.Open(req.Payload, req.Key, progress)
		if err != nil {
			return Result{}, err
		}
		return Result{Data: plain, OriginalSize: int64(len(plain)), CompressedSize: int64(len(req.Payload))}, nil

	case OpDownloadAndDecrypt:
		if f == nil {
			return Result{}, ErrNoFetcher
		}
		progress = Monotonic(progress)
		data, err := f.Fetch(ctx, req.URL, Span(progress, 0, 50))
		if err != nil {
			return Result{}, fmt.Errorf("download: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		plain, err := t.Open(data, req.Key, Span(progress, 50, 100))
		if err != nil {
			return Result{}, err
		}
		return Result{Data: plain, OriginalSize: int64(len(plain)), CompressedSize: int64(len(data))}, nil

	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownOperation, req.Kind)
	}
}
