package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the GCM IV length prefixed to every envelope.
	NonceSize = 12

	// Below this many bytes progress jumps straight to 100; above it the
	// engine reports coarse steps around the single AEAD call.
	progressThreshold = 1 << 20
)

// ErrAuthenticationFailure is returned when an envelope fails the GCM tag
// check: it was tampered with, truncated, or sealed under another key.
var ErrAuthenticationFailure = errors.New("authentication failed")

// Envelope is the wire layout IV || AEAD(ciphertext || tag). Never mutated.
type Envelope []byte

func (e Envelope) Nonce() []byte {
	if len(e) < NonceSize {
		return nil
	}
	return e[:NonceSize]
}

func (e Envelope) Ciphertext() []byte {
	if len(e) < NonceSize {
		return nil
	}
	return e[NonceSize:]
}

// CipherEngine seals and opens envelopes with AES-256-GCM.
type CipherEngine struct {
	rand io.Reader
}

func NewCipherEngine() *CipherEngine {
	return &CipherEngine{rand: rand.Reader}
}

// Encrypt seals plaintext under key with a fresh random IV.
func (c *CipherEngine) Encrypt(plaintext []byte, key *SymmetricKey, progress ProgressFunc) (Envelope, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	large := len(plaintext) >= progressThreshold
	if large {
		report(progress, 10)
	}

	var out Envelope
	err := key.use(func(raw []byte) error {
		gcm, err := newGCM(raw)
		if err != nil {
			return err
		}
		out = make([]byte, NonceSize, NonceSize+len(plaintext)+gcm.Overhead())
		copy(out, nonce)
		out = gcm.Seal(out, nonce, plaintext, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if large {
		report(progress, 90)
	}
	report(progress, 100)
	return out, nil
}

// Decrypt opens an envelope. Any tag mismatch, truncation or wrong key
// yields ErrAuthenticationFailure and no plaintext.
func (c *CipherEngine) Decrypt(env Envelope, key *SymmetricKey, progress ProgressFunc) ([]byte, error) {
	large := len(env) >= progressThreshold
	if large {
		report(progress, 10)
	}

	var plaintext []byte
	err := key.use(func(raw []byte) error {
		gcm, err := newGCM(raw)
		if err != nil {
			return err
		}
		if len(env) < NonceSize+gcm.Overhead() {
			return ErrAuthenticationFailure
		}
		plaintext, err = gcm.Open(nil, env.Nonce(), env.Ciphertext(), nil)
		if err != nil {
			return ErrAuthenticationFailure
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if plaintext == nil {
		plaintext = []byte{}
	}
	if large {
		report(progress, 90)
	}
	report(progress, 100)
	return plaintext, nil
}

func newGCM(raw []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
