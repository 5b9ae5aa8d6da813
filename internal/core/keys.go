package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
)

// KeySize is the length in bytes of an AES-256 key.
const KeySize = 32

// KeyHexLength is the length of a key in its exported hex form.
const KeyHexLength = KeySize * 2

var (
	ErrInvalidKeyFormat = errors.New("invalid key format")
	ErrKeyNotExportable = errors.New("key is not exportable")
	ErrKeyDestroyed     = errors.New("key has been destroyed")
)

// SymmetricKey is a 256-bit AES-GCM key kept in guarded, locked memory.
// The raw bytes never leave the key except through ExportHex, and only
// when the key was created as exportable.
type SymmetricKey struct {
	mu         sync.RWMutex
	buf        *memguard.LockedBuffer
	exportable bool
}

// GenerateKey creates a fresh exportable key from the system CSPRNG.
func GenerateKey() (*SymmetricKey, error) {
	buf := memguard.NewBufferRandom(KeySize)
	if buf.Size() != KeySize {
		return nil, fmt.Errorf("failed to allocate key buffer of %d bytes", KeySize)
	}
	buf.Freeze()
	return &SymmetricKey{buf: buf, exportable: true}, nil
}

// ImportHex parses a 64-character hex key. The decoded bytes are moved into
// guarded memory and wiped from the heap.
func ImportHex(s string, exportable bool) (*SymmetricKey, error) {
	if len(s) != KeyHexLength {
		return nil, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidKeyFormat, KeyHexLength, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not a hex string", ErrInvalidKeyFormat)
	}

	buf := memguard.NewBufferFromBytes(raw)
	buf.Freeze()
	return &SymmetricKey{buf: buf, exportable: exportable}, nil
}

// ExportHex returns the key as 64 lowercase hex characters.
func (k *SymmetricKey) ExportHex() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.buf.IsAlive() {
		return "", ErrKeyDestroyed
	}
	if !k.exportable {
		return "", ErrKeyNotExportable
	}
	return hex.EncodeToString(k.buf.Bytes()), nil
}

func (k *SymmetricKey) Exportable() bool {
	return k.exportable
}

// Destroy wipes the key material. Any later use fails with ErrKeyDestroyed.
func (k *SymmetricKey) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.buf.Destroy()
}

// use runs fn with the raw key bytes. fn must not retain the slice.
func (k *SymmetricKey) use(fn func(raw []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.buf.IsAlive() {
		return ErrKeyDestroyed
	}
	return fn(k.buf.Bytes())
}
