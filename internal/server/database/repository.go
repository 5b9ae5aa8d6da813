package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	ErrFileNotFound    = errors.New("file not found")
	ErrRecipientExists = errors.New("recipient already added")
)

const fileColumns = `uuid, filename, original_name, path, size, original_size,
	compressed_size, content_hash, sender, recipients, created_at, updated_at`

// Repository provides CRUD operations for file records.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new file record.
func (r *Repository) Create(ctx context.Context, f *FileRecord) error {
	recipients := f.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		f.UUID,
		f.Filename,
		f.OriginalName,
		f.Path,
		f.Size,
		f.OriginalSize,
		f.CompressedSize,
		f.ContentHash,
		f.Sender,
		recipients,
		f.CreatedAt,
		f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}
	return nil
}

// GetByUUID retrieves a file record by its uuid.
func (r *Repository) GetByUUID(ctx context.Context, uuid string) (*FileRecord, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE uuid = $1`, uuid)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return f, nil
}

// AddRecipient appends a recipient unless it is already present. The
// sender is updated when non-empty.
func (r *Repository) AddRecipient(ctx context.Context, uuid, sender, recipient string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE files
		SET recipients = array_append(recipients, $2),
			sender = COALESCE(NULLIF($3, ''), sender),
			updated_at = NOW()
		WHERE uuid = $1 AND NOT ($2 = ANY(recipients))
	`, uuid, recipient, sender)
	if err != nil {
		return fmt.Errorf("failed to add recipient: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM files WHERE uuid = $1)", uuid,
	).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check file record: %w", err)
	}
	if !exists {
		return ErrFileNotFound
	}
	return ErrRecipientExists
}

// Delete removes a file record by uuid.
func (r *Repository) Delete(ctx context.Context, uuid string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM files WHERE uuid = $1", uuid)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFileNotFound
	}
	return nil
}

// ListCreatedBefore returns all records created before cutoff.
func (r *Repository) ListCreatedBefore(ctx context.Context, cutoff time.Time) ([]*FileRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+fileColumns+` FROM files WHERE created_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired files: %w", err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ReferencedFilenames returns the storage name of every record.
func (r *Repository) ReferencedFilenames(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT filename FROM files")
	if err != nil {
		return nil, fmt.Errorf("failed to query filenames: %w", err)
	}
	defer rows.Close()

	names := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan filename: %w", err)
		}
		names[name] = struct{}{}
	}
	return names, rows.Err()
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := r.db.Pool.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files",
	).Scan(&stats.TotalFiles, &stats.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

func scanFile(row pgx.Row) (*FileRecord, error) {
	f := &FileRecord{}
	err := row.Scan(
		&f.UUID,
		&f.Filename,
		&f.OriginalName,
		&f.Path,
		&f.Size,
		&f.OriginalSize,
		&f.CompressedSize,
		&f.ContentHash,
		&f.Sender,
		&f.Recipients,
		&f.CreatedAt,
		&f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}
