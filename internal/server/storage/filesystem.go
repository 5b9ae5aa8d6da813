package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// UploadsRoot prefixes every FileRecord path. Nothing outside it is ever
// deleted.
const UploadsRoot = "uploads"

var (
	ErrObjectNotFound = errors.New("stored object not found")
	ErrInvalidName    = errors.New("invalid storage name")
	ErrOutsideRoot    = errors.New("path is outside the uploads root")
)

// Object describes one stored ciphertext.
type Object struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store defines the interface for file storage backends. Names are flat
// server-assigned storage names without separators.
type Store interface {
	Save(ctx context.Context, name string, data io.Reader) (int64, error)
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Object, error)
	EnsureReady(ctx context.Context) error
}

// ObjectPath is the record path for a storage name.
func ObjectPath(name string) string {
	return path.Join(UploadsRoot, name)
}

// ObjectName recovers the storage name from a record path, refusing
// anything that does not live directly under UploadsRoot.
func ObjectName(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	prefix := UploadsRoot + "/"
	if !strings.HasPrefix(p, prefix) || path.Clean(p) != p {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	name := strings.TrimPrefix(p, prefix)
	if err := validateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// FileSystemStore stores uploaded files on the local filesystem.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureReady creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureReady(ctx context.Context) error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data from a reader to basePath/name.
// Returns the number of bytes written.
func (fs *FileSystemStore) Save(ctx context.Context, name string, data io.Reader) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	filePath := fs.filePath(name)

	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", filePath, err)
	}
	defer file.Close()

	n, err := io.Copy(file, data)
	if err != nil {
		// Clean up partial file on error
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to write file: %w", err)
	}

	return n, nil
}

// Open returns a reader for a stored file and its size.
func (fs *FileSystemStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if err := validateName(name); err != nil {
		return nil, 0, err
	}
	f, err := os.Open(fs.filePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
		}
		return nil, 0, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return f, info.Size(), nil
}

// Delete removes a stored file. Missing files are not an error.
func (fs *FileSystemStore) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	filePath := fs.filePath(name)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", filePath, err)
	}
	return nil
}

// List returns every regular file directly under basePath.
func (fs *FileSystemStore) List(ctx context.Context) ([]Object, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	var objects []Object
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		objects = append(objects, Object{Name: entry.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	return objects, nil
}

func (fs *FileSystemStore) filePath(name string) string {
	return filepath.Join(fs.basePath, name)
}
