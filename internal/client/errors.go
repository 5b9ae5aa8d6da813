// Package client talks to a synkros server: it encrypts files locally,
// uploads the ciphertext, and downloads and decrypts shared links. Keys
// travel only in URL fragments and are never sent to the server.
package client

import (
	"errors"
	"fmt"

	"synkros/internal/core"
)

var (
	ErrMissingDecryptionKey = errors.New("link has no decryption key")
	ErrInvalidShareURL      = errors.New("invalid share link")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
	RayID   string
}

func (e *APIError) Error() string {
	if e.RayID != "" {
		return fmt.Sprintf("server returned %d: %s (ray id %s)", e.Status, e.Message, e.RayID)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// TransferError reports which pipeline stage failed and the server's
// correlation id when one is known.
type TransferError struct {
	Stage string
	RayID string
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// UserMessage is safe to show to end users. Decryption failures get one
// fixed message whether the key was wrong or the data was damaged.
func (e *TransferError) UserMessage() string {
	var msg string
	switch {
	case errors.Is(e.Err, core.ErrAuthenticationFailure), errors.Is(e.Err, core.ErrCorruptStream):
		msg = "The file could not be decrypted. The link may be incomplete or the file damaged."
	case errors.Is(e.Err, ErrMissingDecryptionKey):
		msg = "This link is missing its decryption key."
	case errors.Is(e.Err, core.ErrInvalidKeyFormat), errors.Is(e.Err, ErrInvalidShareURL):
		msg = "This link is not valid."
	default:
		msg = fmt.Sprintf("The %s step failed.", e.Stage)
	}
	if e.RayID != "" {
		msg += " Reference: " + e.RayID
	}
	return msg
}

func newTransferError(stage State, err error) *TransferError {
	te := &TransferError{Stage: stage.String(), Err: err}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		te.RayID = apiErr.RayID
	}
	return te
}
