package database

import "time"

// FileRecord is the server-held metadata for one stored ciphertext. The
// server never holds the key that decrypts it.
type FileRecord struct {
	UUID           string
	Filename       string // server-assigned storage name
	OriginalName   string
	Path           string // relative to the uploads root, e.g. "uploads/<filename>"
	Size           int64  // ciphertext bytes on storage
	OriginalSize   int64
	CompressedSize int64
	ContentHash    string // blake3 of the ciphertext
	Sender         string
	Recipients     []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalFiles int64
	TotalBytes int64
}
