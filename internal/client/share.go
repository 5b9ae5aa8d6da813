package client

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"synkros/internal/core"
)

// ShareLink is a parsed share URL. FileURL never carries the fragment.
type ShareLink struct {
	FileURL string
	UUID    string
	KeyHex  string
}

// BuildShareURL appends the key as a URL fragment.
func BuildShareURL(fileURL, keyHex string) string {
	if i := strings.IndexByte(fileURL, '#'); i >= 0 {
		fileURL = fileURL[:i]
	}
	return fileURL + "#" + keyHex
}

// ParseShareURL splits https://host/files/<uuid>#<key>. A link without a
// key fails with ErrMissingDecryptionKey.
func ParseShareURL(raw string) (*ShareLink, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidShareURL, raw)
	}

	dir, id := path.Split(strings.TrimRight(u.Path, "/"))
	if !strings.HasSuffix(strings.TrimRight(dir, "/"), "/files") {
		return nil, fmt.Errorf("%w: not a file link", ErrInvalidShareURL)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: bad file id", ErrInvalidShareURL)
	}

	key := u.Fragment
	u.Fragment, u.RawFragment = "", ""
	link := &ShareLink{FileURL: u.String(), UUID: id, KeyHex: key}

	if key == "" {
		return link, ErrMissingDecryptionKey
	}
	if len(key) != core.KeyHexLength {
		return link, core.ErrInvalidKeyFormat
	}
	return link, nil
}

// DownloadURL is the ciphertext endpoint next to the file page.
func (l *ShareLink) DownloadURL() string {
	u, _ := url.Parse(l.FileURL)
	dir, _ := path.Split(strings.TrimRight(u.Path, "/"))
	u.Path = path.Join(dir, "download", l.UUID)
	return u.String()
}

// ServerURL is the link with its /files/<uuid> suffix removed.
func (l *ShareLink) ServerURL() string {
	u, _ := url.Parse(l.FileURL)
	dir, _ := path.Split(strings.TrimRight(u.Path, "/"))
	u.Path = strings.TrimSuffix(strings.TrimRight(dir, "/"), "/files")
	return u.String()
}
