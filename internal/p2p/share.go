package p2p

import (
	"fmt"
	"net/url"
	"strings"

	"synkros/internal/client"
	"synkros/internal/core"
)

// RoomLink is a parsed room URL.
type RoomLink struct {
	Server string
	Code   string
	KeyHex string
}

// BuildRoomURL renders server/direct#CODE:key. The key never leaves the
// fragment.
func BuildRoomURL(server, code, keyHex string) string {
	return strings.TrimRight(server, "/") + "/direct#" + strings.ToUpper(code) + ":" + keyHex
}

// ParseRoomURL splits a room URL. A URL without a key returns the link
// along with client.ErrMissingDecryptionKey.
func ParseRoomURL(raw string) (*RoomLink, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", client.ErrInvalidShareURL, raw)
	}
	prefix, ok := strings.CutSuffix(strings.TrimRight(u.Path, "/"), "/direct")
	if !ok {
		return nil, fmt.Errorf("%w: not a room link", client.ErrInvalidShareURL)
	}

	code, key, _ := strings.Cut(u.Fragment, ":")
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, fmt.Errorf("%w: missing room code", client.ErrInvalidShareURL)
	}

	link := &RoomLink{
		Server: (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: prefix}).String(),
		Code:   code,
		KeyHex: key,
	}
	if key == "" {
		return link, client.ErrMissingDecryptionKey
	}
	if len(key) != core.KeyHexLength {
		return nil, core.ErrInvalidKeyFormat
	}
	return link, nil
}
