package p2p

import (
	"context"

	"github.com/google/uuid"

	"synkros/internal/core"
)

// Sealed is a file ready for the data channel.
type Sealed struct {
	Meta FileMetadata
	Data []byte
}

// SealFile compresses and encrypts data for sending to peers.
func SealFile(ctx context.Context, exec core.Executor, key *core.SymmetricKey, name string, data []byte, progress core.ProgressFunc) (*Sealed, error) {
	stream, err := exec.Submit(ctx, core.Request{
		OperationID: uuid.NewString(),
		Kind:        core.OpEncrypt,
		Key:         key,
		Payload:     data,
	})
	if err != nil {
		return nil, err
	}
	res, err := stream.Wait(progress)
	if err != nil {
		return nil, err
	}
	return &Sealed{
		Meta: FileMetadata{Name: name, Size: int64(len(res.Data)), OriginalSize: res.OriginalSize},
		Data: res.Data,
	}, nil
}

// OpenFile decrypts and decompresses a received file.
func OpenFile(ctx context.Context, exec core.Executor, key *core.SymmetricKey, f *ReceivedFile, progress core.ProgressFunc) ([]byte, error) {
	stream, err := exec.Submit(ctx, core.Request{
		OperationID: uuid.NewString(),
		Kind:        core.OpDecrypt,
		Key:         key,
		Payload:     f.Data,
	})
	if err != nil {
		return nil, err
	}
	res, err := stream.Wait(progress)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}
