package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"synkros/internal/server/config"
	"synkros/internal/server/database"
	"synkros/internal/server/storage"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// Sentinel errors for the service layer.
var (
	ErrNotFound         = errors.New("file not found")
	ErrMissingFile      = errors.New("no file uploaded")
	ErrUploadTooLarge   = errors.New("file exceeds maximum allowed size")
	ErrStorageFailure   = errors.New("storage failure")
	ErrRecipientExists  = errors.New("recipient already added")
	ErrInvalidRecipient = errors.New("invalid recipient address")
)

// Repository is the metadata store the service depends on.
type Repository interface {
	Create(ctx context.Context, f *database.FileRecord) error
	GetByUUID(ctx context.Context, uuid string) (*database.FileRecord, error)
	AddRecipient(ctx context.Context, uuid, sender, recipient string) error
	Delete(ctx context.Context, uuid string) error
	GetStats(ctx context.Context) (*database.Stats, error)
}

// UploadInput is one ciphertext upload plus its cleartext metadata.
type UploadInput struct {
	OriginalName   string
	OriginalSize   int64
	CompressedSize int64
	Sender         string
	Size           int64 // declared body size, negative when unknown
	Body           io.Reader
}

// UploadResult is returned after a successful upload. File carries no key;
// the client appends the fragment.
type UploadResult struct {
	UUID string `json:"uuid"`
	File string `json:"file"`
	QR   string `json:"qr"`
	Size int64  `json:"size"`
}

// FileService contains the business logic for stored ciphertexts.
type FileService struct {
	repo     Repository
	store    storage.Store
	notifier Notifier
	cfg      *config.Config
	now      func() time.Time
}

// NewFileService creates a new file service. A nil notifier logs only.
func NewFileService(repo Repository, store storage.Store, notifier Notifier, cfg *config.Config) *FileService {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &FileService{
		repo:     repo,
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Upload stores the ciphertext under a fresh storage name and records its
// metadata. The stored object is removed if the record cannot be created.
func (s *FileService) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	// 1. Check file size limit
	if in.Body == nil {
		return nil, ErrMissingFile
	}
	if in.Size > s.cfg.MaxFileSize {
		return nil, ErrUploadTooLarge
	}

	// 2. Derive names
	now := s.now().UTC()
	originalName := sanitizeFilename(in.OriginalName)
	name, err := storageName(originalName, now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate storage name: %w", err)
	}

	// 3. Store while hashing, never reading past the limit
	hasher := blake3.New()
	body := io.TeeReader(io.LimitReader(in.Body, s.cfg.MaxFileSize+1), hasher)

	size, err := s.store.Save(ctx, name, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if size > s.cfg.MaxFileSize {
		s.discard(ctx, name)
		return nil, ErrUploadTooLarge
	}
	if size == 0 {
		s.discard(ctx, name)
		return nil, ErrMissingFile
	}

	// 4. Create database record
	record := &database.FileRecord{
		UUID:           uuid.NewString(),
		Filename:       name,
		OriginalName:   originalName,
		Path:           storage.ObjectPath(name),
		Size:           size,
		OriginalSize:   in.OriginalSize,
		CompressedSize: in.CompressedSize,
		ContentHash:    hex.EncodeToString(hasher.Sum(nil)),
		Sender:         strings.TrimSpace(in.Sender),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		// Clean up stored file on DB failure
		s.discard(ctx, name)
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	link := s.fileURL(record.UUID)
	qr, err := QRDataURL(link)
	if err != nil {
		slog.Warn("failed to render qr code", "uuid", record.UUID, "error", err)
	}

	slog.Info("upload processed",
		"uuid", record.UUID,
		"filename", name,
		"size", size,
		"content_hash", record.ContentHash,
	)

	return &UploadResult{UUID: record.UUID, File: link, QR: qr, Size: size}, nil
}

func (s *FileService) discard(ctx context.Context, name string) {
	if err := s.store.Delete(ctx, name); err != nil {
		slog.Error("failed to remove stored file", "filename", name, "error", err)
	}
}

func (s *FileService) fileURL(id string) string {
	return s.cfg.BaseURL + "/files/" + id
}

// --- Helpers ---

// generateSecureToken produces a cryptographically secure, URL-safe random string.
func generateSecureToken(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failure: %w", err)
		}
		result[i] = charset[n.Int64()]
	}
	return string(result), nil
}

// storageName is "<unix-ms>-<random><ext>", keeping a short alphanumeric
// extension from the original name.
func storageName(originalName string, now time.Time) (string, error) {
	token, err := generateSecureToken(10)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), token, safeExt(originalName)), nil
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 16 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// sanitizeFilename strips directory components and control characters and
// limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")

	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)

	// Take only the base name
	name = filepath.Base(name)

	// Limit length
	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 32 {
			ext = ""
		}
		name = strings.ToValidUTF8(name[:255-len(ext)], "") + ext
	}

	if name == "" || name == "." || name == "/" || name == ".." {
		name = "upload.bin"
	}

	return name
}
