package core

import "fmt"

// Sealed is the result of compress-then-encrypt.
type Sealed struct {
	Envelope       Envelope
	OriginalSize   int64
	CompressedSize int64
}

// Transform chains a Codec and a CipherEngine: compress then encrypt on the
// way out, decrypt then decompress on the way in.
type Transform struct {
	codec  Codec
	cipher *CipherEngine
}

func NewTransform(codec Codec, cipher *CipherEngine) *Transform {
	return &Transform{codec: codec, cipher: cipher}
}

// DefaultTransform is gzip + AES-256-GCM.
func DefaultTransform() *Transform {
	return NewTransform(NewGzipCodec(), NewCipherEngine())
}

// Seal reports 5 after setup, 30 after compression and 100 when the
// envelope is assembled.
func (t *Transform) Seal(data []byte, key *SymmetricKey, progress ProgressFunc) (*Sealed, error) {
	progress = Monotonic(progress)
	progress(5)

	compressed, err := t.codec.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	progress(30)

	env, err := t.cipher.Encrypt(compressed, key, Span(progress, 30, 100))
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	return &Sealed{
		Envelope:       env,
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(compressed)),
	}, nil
}

// Open reports decryption over 0-70 and decompression up to 100.
func (t *Transform) Open(env Envelope, key *SymmetricKey, progress ProgressFunc) ([]byte, error) {
	progress = Monotonic(progress)

	compressed, err := t.cipher.Decrypt(env, key, Span(progress, 0, 70))
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	plain, err := t.codec.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	progress(100)
	return plain, nil
}
