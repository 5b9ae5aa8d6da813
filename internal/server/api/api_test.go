package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"synkros/internal/server/config"
	"synkros/internal/server/database"
	"synkros/internal/server/rooms"
	"synkros/internal/server/service"
	"synkros/internal/server/storage"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type stubPinger struct{ err error }

func (p stubPinger) HealthCheck(ctx context.Context) error { return p.err }

func testConfig() *config.Config {
	return &config.Config{
		BaseURL:        "https://share.example.com",
		MaxFileSize:    64 * 1024,
		Retention:      24 * time.Hour,
		RoomTTL:        5 * time.Minute,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
		AllowedOrigins: []string{"*"},
		STUNServers:    []string{"stun:stun.example.com:3478"},
	}
}

func newTestServer(t *testing.T, db Pinger) *echo.Echo {
	t.Helper()
	return buildTestServer(t, testConfig(), db, nil)
}

func buildTestServer(t *testing.T, cfg *config.Config, db Pinger, cleaner Cleaner) *echo.Echo {
	t.Helper()
	if cfg.StoragePath == "" {
		cfg.StoragePath = t.TempDir()
	}
	repo := database.NewMemoryRepository()
	svc := service.NewFileService(repo, storage.NewFileSystemStore(cfg.StoragePath), nil, cfg)
	registry := rooms.NewRegistry(rooms.NewMemoryStore(nil), rooms.Options{
		TTL:        cfg.RoomTTL,
		BcryptCost: bcrypt.MinCost,
	})
	if db == nil {
		db = repo
	}
	return SetupRouter(NewHandler(svc, registry, db, cleaner, cfg), cfg)
}

func do(t *testing.T, e *echo.Echo, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func uploadRequest(t *testing.T, field string, payload []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if payload != nil {
		part, err := w.CreateFormFile(field, "blob")
		require.NoError(t, err)
		_, err = part.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

type errorBody struct {
	Error string `json:"error"`
	RayID string `json:"rayId"`
}

func TestFileEndpoints(t *testing.T) {
	e := newTestServer(t, nil)
	ciphertext := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 1000)

	req := uploadRequest(t, "myFile", ciphertext, map[string]string{
		"originalName":   "quarterly report.pdf",
		"originalSize":   "9000",
		"compressedSize": "3988",
	})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Ray-ID"))

	up := decode[service.UploadResult](t, rec)
	assert.Equal(t, "https://share.example.com/files/"+up.UUID, up.File)
	assert.True(t, strings.HasPrefix(up.QR, "data:image/png;base64,"))
	assert.EqualValues(t, len(ciphertext), up.Size)

	t.Run("info", func(t *testing.T) {
		rec := do(t, e, http.MethodGet, "/files/"+up.UUID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		info := decode[service.FileInfo](t, rec)
		assert.Equal(t, "quarterly report.pdf", info.OriginalName)
		assert.EqualValues(t, 9000, info.OriginalSize)
		assert.Equal(t, "https://share.example.com/files/download/"+up.UUID, info.DownloadLink)
	})

	t.Run("download", func(t *testing.T) {
		rec := do(t, e, http.MethodGet, "/files/download/"+up.UUID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, ciphertext, rec.Body.Bytes())
		assert.Equal(t, "quarterly%20report.pdf", rec.Header().Get("X-Original-Filename"))
		assert.Equal(t, "4000", rec.Header().Get(echo.HeaderContentLength))
	})

	t.Run("unknown file", func(t *testing.T) {
		for _, path := range []string{"/files/download/not-a-uuid", "/files/00000000-0000-0000-0000-000000000000"} {
			rec := do(t, e, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code, path)
			body := decode[errorBody](t, rec)
			assert.Equal(t, rec.Header().Get("X-Ray-ID"), body.RayID)
		}
	})

	t.Run("recipients", func(t *testing.T) {
		send := map[string]string{"uuid": up.UUID, "sender": "a@example.com", "recipient": "b@example.com"}
		assert.Equal(t, http.StatusOK, do(t, e, http.MethodPost, "/api/files/sendmail", send).Code)
		assert.Equal(t, http.StatusUnprocessableEntity, do(t, e, http.MethodPost, "/api/files/sendmail", send).Code)

		send["recipient"] = "not an address"
		assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodPost, "/api/files/sendmail", send).Code)

		send["uuid"], send["recipient"] = "00000000-0000-0000-0000-000000000000", "c@example.com"
		assert.Equal(t, http.StatusNotFound, do(t, e, http.MethodPost, "/api/files/sendmail", send).Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := do(t, e, http.MethodGet, "/api/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		stats := decode[map[string]any](t, rec)
		assert.EqualValues(t, 1, stats["totalFiles"])
		assert.EqualValues(t, 4000, stats["totalBytes"])
		assert.Equal(t, "3.9 KB", stats["totalBytesHuman"])
	})
}

func TestUploadRejects(t *testing.T) {
	e := newTestServer(t, nil)

	tests := []struct {
		name    string
		field   string
		payload []byte
	}{
		{"missing file", "", nil},
		{"wrong field", "file", []byte("x")},
		{"empty file", "myFile", []byte{}},
		{"too large", "myFile", make([]byte, 64*1024+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, uploadRequest(t, tt.field, tt.payload, map[string]string{"originalName": "a.txt"}))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decode[errorBody](t, rec)
			assert.NotEmpty(t, body.Error)
			assert.NotEmpty(t, body.RayID)
		})
	}
}

func TestDirectRoomFlow(t *testing.T) {
	e := newTestServer(t, nil)

	rec := do(t, e, http.MethodPost, "/direct/rooms", map[string]any{"password": "abcd", "maxPeers": 2})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[struct {
		RoomCode string `json:"roomCode"`
		MaxPeers int    `json:"maxPeers"`
	}](t, rec)
	require.Len(t, created.RoomCode, 8)
	code := created.RoomCode
	base := "/direct/rooms/" + code

	assert.Equal(t, http.StatusForbidden, do(t, e, http.MethodGet, base+"?password=nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, e, http.MethodGet, "/direct/rooms/FFFFFFFF?password=abcd", nil).Code)

	rec = do(t, e, http.MethodGet, base+"?password=abcd", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rooms.Status{MaxPeers: 2}, decode[rooms.Status](t, rec))

	join := func() *rooms.Joined {
		rec := do(t, e, http.MethodPost, base+"/join", map[string]string{"password": "abcd"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		j := decode[rooms.Joined](t, rec)
		return &j
	}
	a := join()
	b := join()
	assert.Empty(t, a.Peers)
	assert.Equal(t, []string{a.PeerID}, b.Peers)

	assert.Equal(t, http.StatusForbidden, do(t, e, http.MethodPost, base+"/join", map[string]string{"password": "abcd"}).Code)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	rec = do(t, e, http.MethodPost, base+"/signal", map[string]any{
		"peerId": a.PeerID, "targetPeerId": b.PeerID, "type": "offer", "data": offer,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, e, http.MethodGet, base+"/poll?peerId="+b.PeerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inbox := decode[rooms.Inbox](t, rec)
	require.Len(t, inbox.Signals.Offers, 1)
	assert.Equal(t, a.PeerID, inbox.Signals.Offers[0].From)
	assert.JSONEq(t, string(offer), string(inbox.Signals.Offers[0].Data))
	assert.Equal(t, []string{a.PeerID}, inbox.Peers)

	rec = do(t, e, http.MethodGet, base+"/poll?peerId="+b.PeerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"offers":[],"answers":[],"ice":[]}`, string(mustField(t, rec, "signals")))

	t.Run("bad signals", func(t *testing.T) {
		cases := []struct {
			body map[string]any
			want int
		}{
			{map[string]any{"peerId": a.PeerID, "targetPeerId": b.PeerID, "type": "bogus", "data": offer}, http.StatusBadRequest},
			{map[string]any{"peerId": a.PeerID, "targetPeerId": b.PeerID, "type": "ice"}, http.StatusBadRequest},
			{map[string]any{"peerId": a.PeerID, "type": "ice", "data": offer}, http.StatusBadRequest},
			{map[string]any{"peerId": "stranger", "targetPeerId": b.PeerID, "type": "ice", "data": offer}, http.StatusForbidden},
			{map[string]any{"peerId": a.PeerID, "targetPeerId": "ghost", "type": "ice", "data": offer}, http.StatusNotFound},
		}
		for _, tc := range cases {
			assert.Equal(t, tc.want, do(t, e, http.MethodPost, base+"/signal", tc.body).Code, tc.body)
		}
		assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodGet, base+"/poll", nil).Code)
		assert.Equal(t, http.StatusForbidden, do(t, e, http.MethodGet, base+"/poll?peerId=stranger", nil).Code)
	})

	for _, p := range []string{a.PeerID, b.PeerID, b.PeerID} {
		assert.Equal(t, http.StatusOK, do(t, e, http.MethodPost, base+"/leave", map[string]string{"peerId": p}).Code)
	}
	assert.Equal(t, http.StatusNotFound, do(t, e, http.MethodGet, base+"?password=abcd", nil).Code)
}

func mustField(t *testing.T, rec *httptest.ResponseRecorder, field string) json.RawMessage {
	t.Helper()
	m := decode[map[string]json.RawMessage](t, rec)
	v, ok := m[field]
	require.True(t, ok, "missing %q in %s", field, rec.Body.String())
	return v
}

func TestCreateRoomValidation(t *testing.T) {
	e := newTestServer(t, nil)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"default max peers", map[string]any{}, http.StatusCreated},
		{"too many peers", map[string]any{"maxPeers": 11}, http.StatusBadRequest},
		{"weak password", map[string]any{"password": "abc", "maxPeers": 3}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(t, e, http.MethodPost, "/direct/rooms", tt.body).Code)
		})
	}

	rec := do(t, e, http.MethodGet, "/direct/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["stun:stun.example.com:3478"]`, string(mustField(t, rec, "stunServers")))
}

func TestHealthAndStatus(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec := do(t, newTestServer(t, nil), http.MethodGet, "/health", nil)
		assert.JSONEq(t, `{"status":"healthy","database":"connected"}`, rec.Body.String())
	})

	t.Run("degraded", func(t *testing.T) {
		rec := do(t, newTestServer(t, stubPinger{err: errors.New("connection refused")}), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"degraded"`)
	})

	t.Run("status", func(t *testing.T) {
		rec := do(t, newTestServer(t, nil), http.MethodGet, "/api/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"uptime"`)
	})
}

type stubCleaner struct {
	runs   int
	report storage.CleanupReport
}

func (c *stubCleaner) RunOnce(ctx context.Context) storage.CleanupReport {
	c.runs++
	return c.report
}

func adminRequest(e *echo.Echo, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAdminEndpoints(t *testing.T) {
	cfg := testConfig()
	cfg.AdminToken = "s3cret-admin"
	cfg.StoragePath = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfg.StoragePath, "1-abc.bin"), []byte("12345"), 0o644))

	cleaner := &stubCleaner{report: storage.CleanupReport{Expired: 2, Orphans: 1}}
	e := buildTestServer(t, cfg, nil, cleaner)

	t.Run("token required", func(t *testing.T) {
		for _, token := range []string{"", "wrong"} {
			assert.Equal(t, http.StatusUnauthorized, adminRequest(e, http.MethodGet, "/api/system", token).Code)
			assert.Equal(t, http.StatusUnauthorized, adminRequest(e, http.MethodPost, "/api/cleanup", token).Code)
		}
		assert.Zero(t, cleaner.runs)
	})

	t.Run("system", func(t *testing.T) {
		rec := adminRequest(e, http.MethodGet, "/api/system", "s3cret-admin")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body struct {
			System struct {
				CPUs      int    `json:"cpus"`
				GoVersion string `json:"goVersion"`
			} `json:"system"`
			Storage struct {
				Backend string        `json:"backend"`
				Usage   storage.Usage `json:"usage"`
				Uploads struct {
					Exists   bool `json:"exists"`
					Writable bool `json:"writable"`
				} `json:"uploadsDirectory"`
			} `json:"storage"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Positive(t, body.System.CPUs)
		assert.NotEmpty(t, body.System.GoVersion)
		assert.Equal(t, "fs", body.Storage.Backend)
		assert.True(t, body.Storage.Uploads.Exists)
		assert.True(t, body.Storage.Uploads.Writable)
		assert.Equal(t, storage.Usage{Objects: 1, Bytes: 5}, body.Storage.Usage)
	})

	t.Run("cleanup", func(t *testing.T) {
		rec := adminRequest(e, http.MethodPost, "/api/cleanup", "s3cret-admin")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"expired":2,"orphans":1,"skipped":0,"failed":0}`, rec.Body.String())
		assert.Equal(t, 1, cleaner.runs)
	})

	t.Run("no cleaner", func(t *testing.T) {
		cfg := testConfig()
		cfg.AdminToken = "s3cret-admin"
		rec := adminRequest(buildTestServer(t, cfg, nil, nil), http.MethodPost, "/api/cleanup", "s3cret-admin")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("disabled without a token", func(t *testing.T) {
		e := newTestServer(t, nil)
		assert.Equal(t, http.StatusNotFound, adminRequest(e, http.MethodGet, "/api/system", "").Code)
		assert.Equal(t, http.StatusNotFound, adminRequest(e, http.MethodPost, "/api/cleanup", "anything").Code)
	})
}

func TestUnknownRouteCarriesRayID(t *testing.T) {
	rec := do(t, newTestServer(t, nil), http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, rec.Header().Get("X-Ray-ID"), body.RayID)
	assert.NotEmpty(t, body.RayID)
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.1"))
	assert.False(t, rl.allow("10.0.0.1"))
	assert.True(t, rl.allow("10.0.0.2"), "limits are per ip")

	now = now.Add(time.Second)
	assert.True(t, rl.allow("10.0.0.1"))

	now = now.Add(11 * time.Minute)
	rl.cleanup()
	assert.Empty(t, rl.visitors)
}

func TestHumanizeBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, humanizeBytes(tt.in))
	}
}
