package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"synkros/internal/server/database"
	"synkros/internal/server/storage"

	"github.com/google/uuid"
)

// Download is an open stored ciphertext.
type Download struct {
	Body         io.ReadCloser
	Size         int64
	OriginalName string
}

// FileInfo is the public preview of a stored file.
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

// Stats holds aggregate figures for the stats endpoint.
type Stats struct {
	TotalFiles int64 `json:"totalFiles"`
	TotalBytes int64 `json:"totalBytes"`
}

// Download opens the ciphertext for a uuid. A record whose object is gone
// is reported as not found.
func (s *FileService) Download(ctx context.Context, id string) (*Download, error) {
	record, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	name, err := storage.ObjectName(record.Path)
	if err != nil {
		slog.Error("file record points outside uploads root", "uuid", id, "path", record.Path)
		return nil, ErrNotFound
	}

	body, size, err := s.store.Open(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	return &Download{Body: body, Size: size, OriginalName: record.OriginalName}, nil
}

// Info returns metadata about a file without serving it.
func (s *FileService) Info(ctx context.Context, id string) (*FileInfo, error) {
	record, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		UUID:           record.UUID,
		Filename:       record.Filename,
		OriginalName:   record.OriginalName,
		Size:           record.Size,
		OriginalSize:   record.OriginalSize,
		CompressedSize: record.CompressedSize,
		CreatedAt:      record.CreatedAt,
		ExpiresAt:      record.CreatedAt.Add(s.cfg.Retention),
		DownloadLink:   s.cfg.BaseURL + "/files/download/" + record.UUID,
	}, nil
}

// AddRecipient records a recipient once and hands the share notice to the
// notifier. Notification failures are logged; the recipient stays recorded.
func (s *FileService) AddRecipient(ctx context.Context, id, sender, recipient string) error {
	addr, err := mail.ParseAddress(strings.TrimSpace(recipient))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}

	sender = strings.TrimSpace(sender)
	if err := s.repo.AddRecipient(ctx, id, sender, addr.Address); err != nil {
		switch {
		case errors.Is(err, database.ErrFileNotFound):
			return ErrNotFound
		case errors.Is(err, database.ErrRecipientExists):
			return ErrRecipientExists
		}
		return err
	}

	n := Notification{UUID: id, Sender: sender, Recipient: addr.Address, Link: s.fileURL(id)}
	if err := s.notifier.Notify(ctx, n); err != nil {
		slog.Error("failed to notify recipient", "uuid", id, "error", err)
	}
	return nil
}

// GetStats returns aggregate server statistics.
func (s *FileService) GetStats(ctx context.Context) (*Stats, error) {
	st, err := s.repo.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{TotalFiles: st.TotalFiles, TotalBytes: st.TotalBytes}, nil
}

func (s *FileService) lookup(ctx context.Context, id string) (*database.FileRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	record, err := s.repo.GetByUUID(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	// Expired records stay hidden until the cleanup sweep deletes them.
	if s.cfg.Retention > 0 && s.now().After(record.CreatedAt.Add(s.cfg.Retention)) {
		return nil, ErrNotFound
	}
	return record, nil
}

// StorageUsage counts the objects the store currently holds.
func (s *FileService) StorageUsage(ctx context.Context) (storage.Usage, error) {
	return storage.MeasureUsage(ctx, s.store)
}
