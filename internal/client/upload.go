package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"synkros/internal/core"
)

// UploadOutcome is a finished upload. ShareURL carries the key in its
// fragment; FileURL is what the server returned.
type UploadOutcome struct {
	UUID     string
	FileURL  string
	ShareURL string
	KeyHex   string
	QR       string
	Size     int64
}

// UploadPipeline runs Preparing -> Compressing -> Encrypting -> Uploading
// -> Succeeded. Any failure passes through Failed back to Idle.
type UploadPipeline struct {
	client *Client
	exec   core.Executor
	state  tracker
}

// NewUploadPipeline creates a pipeline. observe, when non-nil, is called
// on every state change.
func NewUploadPipeline(client *Client, exec core.Executor, observe func(State)) *UploadPipeline {
	return &UploadPipeline{client: client, exec: exec, state: tracker{observe: observe}}
}

func (p *UploadPipeline) State() State {
	return p.state.get()
}

// Run encrypts data under a fresh key and uploads the envelope. progress
// spans 0-30 for local work and 30-100 for the network upload.
func (p *UploadPipeline) Run(ctx context.Context, name string, data []byte, progress core.ProgressFunc) (*UploadOutcome, error) {
	progress = core.Monotonic(progress)
	p.state.set(StatePreparing)

	key, err := core.GenerateKey()
	if err != nil {
		return nil, p.state.fail(err)
	}
	defer key.Destroy()

	keyHex, err := key.ExportHex()
	if err != nil {
		return nil, p.state.fail(err)
	}

	p.state.set(StateCompressing)
	stream, err := p.exec.Submit(ctx, core.Request{
		OperationID: uuid.NewString(),
		Kind:        core.OpEncrypt,
		Key:         key,
		Payload:     data,
	})
	if err != nil {
		return nil, p.state.fail(err)
	}
	local := core.Span(progress, 0, 30)
	sealed, err := stream.Wait(func(pct int) {
		// Seal reports 30 once compression is done.
		if pct >= 30 {
			p.state.advance(StateCompressing, StateEncrypting)
		}
		local(pct)
	})
	if err != nil {
		return nil, p.state.fail(err)
	}
	p.state.advance(StateCompressing, StateEncrypting)

	p.state.set(StateUploading)
	resp, err := p.client.Upload(ctx, UploadRequest{
		Envelope:       sealed.Data,
		OriginalName:   name,
		OriginalSize:   sealed.OriginalSize,
		CompressedSize: sealed.CompressedSize,
	}, core.Span(progress, 30, 100))
	if err != nil {
		return nil, p.state.fail(fmt.Errorf("upload: %w", err))
	}
	progress(100)

	p.state.set(StateSucceeded)
	slog.Debug("upload complete",
		"uuid", resp.UUID,
		"original_size", sealed.OriginalSize,
		"compressed_size", sealed.CompressedSize,
		"envelope_size", len(sealed.Data),
	)

	return &UploadOutcome{
		UUID:     resp.UUID,
		FileURL:  resp.File,
		ShareURL: BuildShareURL(resp.File, keyHex),
		KeyHex:   keyHex,
		QR:       resp.QR,
		Size:     resp.Size,
	}, nil
}
