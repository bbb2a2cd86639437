// Package filestore stores assessment attachment blobs, addressed by the
// composite fetch-file id "quiz/{quizID}/assertion/{questionID}/{fileID}".
package filestore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no blob exists for the id.
	ErrNotFound = errors.New("file not found")
)

// FileStore is the attachment blob surface.
type FileStore interface {
	// Put stores a blob under the composite id, overwriting any previous
	// content.
	Put(ctx context.Context, id string, data []byte) error

	// Get retrieves the blob, or ErrNotFound.
	Get(ctx context.Context, id string) ([]byte, error)

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases underlying resources.
	Close() error
}
