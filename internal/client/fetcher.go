package client

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"synkros/internal/core"
)

// maxPrealloc caps the buffer reserved from an untrusted Content-Length.
const maxPrealloc = 64 << 20

// HTTPFetcher downloads ciphertext for the executors. Progress is byte
// accurate when the server sends Content-Length; otherwise the body is
// buffered and progress jumps to 100.
type HTTPFetcher struct {
	http *http.Client
}

func NewHTTPFetcher(httpClient *http.Client) *HTTPFetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPFetcher{http: httpClient}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, progress core.ProgressFunc) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	progress = core.Monotonic(progress)
	if resp.ContentLength <= 0 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		progress(100)
		return data, nil
	}

	buf := bytes.NewBuffer(make([]byte, 0, min(resp.ContentLength, maxPrealloc)))
	if _, err := io.Copy(buf, newProgressReader(resp.Body, resp.ContentLength, progress)); err != nil {
		return nil, err
	}
	if int64(buf.Len()) != resp.ContentLength {
		return nil, io.ErrUnexpectedEOF
	}
	progress(100)
	return buf.Bytes(), nil
}
