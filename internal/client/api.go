package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"synkros/internal/core"
)

const rayIDHeader = "X-Ray-ID"

// Client is a thin JSON/multipart client for the synkros HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for baseURL. A nil httpClient uses a default
// with a generous timeout for large transfers.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// UploadRequest is an envelope plus its cleartext metadata. The key is not
// part of it.
type UploadRequest struct {
	Envelope       []byte
	OriginalName   string
	OriginalSize   int64
	CompressedSize int64
	Sender         string
}

// UploadResponse mirrors the server's upload result.
type UploadResponse struct {
	UUID string `json:"uuid"`
	File string `json:"file"`
	QR   string `json:"qr"`
	Size int64  `json:"size"`
}

// FileInfo mirrors GET /files/:uuid.
type FileInfo struct {
	UUID           string    `json:"uuid"`
	Filename       string    `json:"filename"`
	OriginalName   string    `json:"originalName"`
	Size           int64     `json:"size"`
	OriginalSize   int64     `json:"originalSize"`
	CompressedSize int64     `json:"compressedSize"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	DownloadLink   string    `json:"downloadLink"`
}

// Upload posts the envelope as multipart form field myFile. progress sees
// the share of the body written to the connection.
func (c *Client) Upload(ctx context.Context, in UploadRequest, progress core.ProgressFunc) (*UploadResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := map[string]string{
		"originalName":   in.OriginalName,
		"originalSize":   strconv.FormatInt(in.OriginalSize, 10),
		"compressedSize": strconv.FormatInt(in.CompressedSize, 10),
	}
	if in.Sender != "" {
		fields["sender"] = in.Sender
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	part, err := w.CreateFormFile("myFile", "blob")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(in.Envelope); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	size := int64(body.Len())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files",
		newProgressReader(&body, size, progress))
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out UploadResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Info fetches file metadata.
func (c *Client) Info(ctx context.Context, id string) (*FileInfo, error) {
	var out FileInfo
	if err := c.DoJSON(ctx, http.MethodGet, "/files/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddRecipient records a recipient for a file.
func (c *Client) AddRecipient(ctx context.Context, id, sender, recipient string) error {
	in := map[string]string{"uuid": id, "sender": sender, "recipient": recipient}
	return c.DoJSON(ctx, http.MethodPost, "/api/files/sendmail", in, nil)
}

// DoJSON sends in as a JSON body (when non-nil) and decodes the response
// into out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, RayID: resp.Header.Get(rayIDHeader)}

	var body struct {
		Error string `json:"error"`
		RayID string `json:"rayId"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
		if body.RayID != "" {
			apiErr.RayID = body.RayID
		}
	} else {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// progressReader reports the share of total read so far.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	progress core.ProgressFunc
}

func newProgressReader(r io.Reader, total int64, progress core.ProgressFunc) io.Reader {
	if progress == nil || total <= 0 {
		return r
	}
	return &progressReader{r: r, total: total, progress: core.Monotonic(progress)}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	p.progress(int(p.read * 100 / p.total))
	return n, err
}
