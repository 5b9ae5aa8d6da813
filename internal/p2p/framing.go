package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"synkros/internal/core"
)

// ChunkSize is the payload size of each binary frame.
const ChunkSize = 16 * 1024

const (
	metadataType = "file-metadata"
	maxPrealloc  = 64 << 20
)

var (
	ErrUnexpectedChunk = errors.New("chunk received before file metadata")
	ErrBadMetadata     = errors.New("invalid file metadata")
)

// FileMetadata precedes every file on a channel. Size is the number of
// bytes that follow; OriginalSize is the plaintext size before
// compression and encryption.
type FileMetadata struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	OriginalSize int64  `json:"originalSize"`
}

// SendFile writes the metadata frame then data in ChunkSize frames.
// progress receives 0-100 over the chunks sent.
func SendFile(ctx context.Context, dc DataChannel, meta FileMetadata, data []byte, progress core.ProgressFunc) error {
	meta.Type = metadataType
	meta.Size = int64(len(data))
	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := dc.SendText(string(header)); err != nil {
		return fmt.Errorf("send metadata: %w", err)
	}

	for off := 0; off < len(data); off += ChunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(off+ChunkSize, len(data))
		if err := dc.Send(data[off:end]); err != nil {
			return fmt.Errorf("send chunk at %d: %w", off, err)
		}
		if progress != nil {
			progress(end * 100 / len(data))
		}
	}
	if f, ok := dc.(flusher); ok {
		if err := f.Flush(ctx); err != nil {
			return err
		}
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

// flusher is implemented by channels that queue sends.
type flusher interface {
	Flush(ctx context.Context) error
}

// ReceivedFile is a reassembled transfer.
type ReceivedFile struct {
	Name         string
	Size         int64
	OriginalSize int64
	Data         []byte
}

// Receiver reassembles files from one channel. It is not safe for
// concurrent use; pion delivers messages for a channel sequentially.
type Receiver struct {
	meta     *FileMetadata
	buf      bytes.Buffer
	progress func(received, total int64)
}

// NewReceiver returns a Receiver. progress may be nil.
func NewReceiver(progress func(received, total int64)) *Receiver {
	return &Receiver{progress: progress}
}

// Handle consumes one message. It returns a file once the bytes received
// reach the declared size, and nil while a transfer is still in flight.
func (r *Receiver) Handle(msg Message) (*ReceivedFile, error) {
	// Text frames are always headers. A header arriving mid-transfer means
	// the sender abandoned the previous file.
	if r.meta == nil || msg.IsString {
		meta, err := parseMetadata(msg)
		if err != nil {
			return nil, err
		}
		r.meta = meta
		r.buf.Reset()
		r.buf.Grow(int(min(meta.Size, maxPrealloc)))
		if meta.Size == 0 {
			return r.finish(), nil
		}
		return nil, nil
	}

	r.buf.Write(msg.Data)
	if r.progress != nil {
		r.progress(int64(r.buf.Len()), r.meta.Size)
	}
	if int64(r.buf.Len()) >= r.meta.Size {
		return r.finish(), nil
	}
	return nil, nil
}

// Pending reports whether a file is partially received.
func (r *Receiver) Pending() bool {
	return r.meta != nil
}

func (r *Receiver) finish() *ReceivedFile {
	data := bytes.Clone(r.buf.Bytes())
	if data == nil {
		data = []byte{}
	}
	f := &ReceivedFile{
		Name:         r.meta.Name,
		Size:         r.meta.Size,
		OriginalSize: r.meta.OriginalSize,
		Data:         data,
	}
	r.meta = nil
	r.buf.Reset()
	return f
}

func parseMetadata(msg Message) (*FileMetadata, error) {
	var meta FileMetadata
	if err := json.Unmarshal(msg.Data, &meta); err != nil {
		if !msg.IsString {
			return nil, ErrUnexpectedChunk
		}
		return nil, fmt.Errorf("%w: %v", ErrBadMetadata, err)
	}
	if meta.Type != metadataType {
		if !msg.IsString {
			return nil, ErrUnexpectedChunk
		}
		return nil, fmt.Errorf("%w: type %q", ErrBadMetadata, meta.Type)
	}
	if meta.Size < 0 {
		return nil, fmt.Errorf("%w: negative size", ErrBadMetadata)
	}
	return &meta, nil
}
