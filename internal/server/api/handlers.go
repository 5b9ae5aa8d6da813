package api

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"synkros/internal/server/config"
	"synkros/internal/server/rooms"
	"synkros/internal/server/service"

	"github.com/labstack/echo/v4"
)

// multipartOverhead is the allowance for form fields and boundaries on top
// of the largest accepted file.
const multipartOverhead = 1 << 20

// Pinger reports backing store connectivity.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Handler contains the HTTP handlers for the synkros API.
type Handler struct {
	svc     *service.FileService
	rooms   *rooms.Registry
	db      Pinger
	cleaner Cleaner
	cfg     *config.Config
	started time.Time
}

// NewHandler creates a new handler with the given service dependencies.
// A nil cleaner disables the on-demand cleanup endpoint.
func NewHandler(svc *service.FileService, registry *rooms.Registry, db Pinger, cleaner Cleaner, cfg *config.Config) *Handler {
	return &Handler{svc: svc, rooms: registry, db: db, cleaner: cleaner, cfg: cfg, started: time.Now()}
}

// HandleUpload handles POST /api/files.
// Accepts a multipart form with the ciphertext in "myFile" plus cleartext
// metadata fields. The body is opaque to the server.
func (h *Handler) HandleUpload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, h.cfg.MaxFileSize+multipartOverhead)

	fileHeader, err := c.FormFile("myFile")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return mapServiceError(c, service.ErrUploadTooLarge)
		}
		return mapServiceError(c, service.ErrMissingFile)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return mapServiceError(c, fmt.Errorf("%w: %v", service.ErrStorageFailure, err))
	}
	defer src.Close()

	originalName := c.FormValue("originalName")
	if originalName == "" {
		originalName = fileHeader.Filename
	}

	result, err := h.svc.Upload(req.Context(), service.UploadInput{
		OriginalName:   originalName,
		OriginalSize:   formInt(c, "originalSize"),
		CompressedSize: formInt(c, "compressedSize"),
		Sender:         c.FormValue("sender"),
		Size:           fileHeader.Size,
		Body:           src,
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, result)
}

func formInt(c echo.Context, field string) int64 {
	n, err := strconv.ParseInt(c.FormValue(field), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// HandleDownload handles GET /files/download/:uuid.
// Streams the raw ciphertext; the original name travels in
// X-Original-Filename, path-escaped.
func (h *Handler) HandleDownload(c echo.Context) error {
	dl, err := h.svc.Download(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return mapServiceError(c, err)
	}
	defer dl.Body.Close()

	header := c.Response().Header()
	header.Set("X-Original-Filename", url.PathEscape(dl.OriginalName))
	header.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{
		"filename": dl.OriginalName + ".enc",
	}))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(dl.Size, 10))

	return c.Stream(http.StatusOK, echo.MIMEOctetStream, dl.Body)
}

// HandleInfo handles GET /files/:uuid.
// Returns file metadata without serving the file.
func (h *Handler) HandleInfo(c echo.Context) error {
	info, err := h.svc.Info(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, info)
}

type sendmailRequest struct {
	UUID      string `json:"uuid"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

// HandleSendmail handles POST /api/files/sendmail.
// Records a recipient for a file and hands it to the notifier.
func (h *Handler) HandleSendmail(c echo.Context) error {
	var req sendmailRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(c, fmt.Errorf("%w: invalid body", errBadRequest))
	}

	if err := h.svc.AddRecipient(c.Request().Context(), req.UUID, req.Sender, req.Recipient); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStatus handles GET /api/status.
func (h *Handler) HandleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":     "ok",
		"uptime":     int64(time.Since(h.started).Seconds()),
		"serverTime": time.Now().UTC(),
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		logger(c).Error("failed to retrieve stats", "error", err)
		return errorJSON(c, http.StatusInternalServerError, "failed to retrieve stats")
	}

	return c.JSON(http.StatusOK, echo.Map{
		"totalFiles":      stats.TotalFiles,
		"totalBytes":      stats.TotalBytes,
		"totalBytesHuman": humanizeBytes(stats.TotalBytes),
	})
}

// humanizeBytes formats a byte count into a human-readable string.
func humanizeBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
