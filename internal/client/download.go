package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"synkros/internal/core"
)

// Downloaded is a decrypted file held in memory.
type Downloaded struct {
	UUID string
	Name string
	Data []byte
}

// DownloadPipeline runs Preparing -> Downloading -> Decrypting ->
// Decompressing -> Succeeded. The key is taken from the link fragment and
// never leaves the process.
type DownloadPipeline struct {
	http  *http.Client
	exec  core.Executor
	state tracker
}

// NewDownloadPipeline creates a pipeline. exec must have been built with a
// Fetcher for download operations.
func NewDownloadPipeline(httpClient *http.Client, exec core.Executor, observe func(State)) *DownloadPipeline {
	return &DownloadPipeline{http: httpClient, exec: exec, state: tracker{observe: observe}}
}

func (p *DownloadPipeline) State() State {
	return p.state.get()
}

// Run fetches and decrypts a share link. progress spans 0-50 for the
// download and 50-100 for decryption and decompression.
func (p *DownloadPipeline) Run(ctx context.Context, shareURL string, progress core.ProgressFunc) (*Downloaded, error) {
	progress = core.Monotonic(progress)
	p.state.set(StatePreparing)

	link, err := ParseShareURL(shareURL)
	if err != nil {
		return nil, p.state.fail(err)
	}
	key, err := core.ImportHex(link.KeyHex, false)
	if err != nil {
		return nil, p.state.fail(err)
	}
	defer key.Destroy()

	p.state.set(StateDownloading)
	info, err := NewClient(link.ServerURL(), p.http).Info(ctx, link.UUID)
	if err != nil {
		return nil, p.state.fail(fmt.Errorf("file info: %w", err))
	}

	stream, err := p.exec.Submit(ctx, core.Request{
		OperationID: uuid.NewString(),
		Kind:        core.OpDownloadAndDecrypt,
		Key:         key,
		URL:         link.DownloadURL(),
	})
	if err != nil {
		return nil, p.state.fail(err)
	}
	res, err := stream.Wait(func(pct int) {
		// Open reports decryption up to 70 and decompression after,
		// remapped onto 50-100.
		switch {
		case pct >= 85:
			p.state.advance(StateDownloading, StateDecrypting)
			p.state.advance(StateDecrypting, StateDecompressing)
		case pct >= 50:
			p.state.advance(StateDownloading, StateDecrypting)
		}
		progress(pct)
	})
	if err != nil {
		// A tag failure can arrive before any tick past 50.
		if errors.Is(err, core.ErrAuthenticationFailure) {
			p.state.advance(StateDownloading, StateDecrypting)
		}
		return nil, p.state.fail(err)
	}
	progress(100)
	p.state.set(StateSucceeded)

	slog.Debug("download complete", "uuid", link.UUID, "size", len(res.Data))
	return &Downloaded{UUID: link.UUID, Name: info.OriginalName, Data: res.Data}, nil
}
