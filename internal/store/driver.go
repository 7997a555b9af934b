// Package store defines the content store: durable keyed storage of image
// payloads, their metadata and their optional embeddings.
package store

import (
	"context"

	"imagesearch/internal/models"
)

// Driver is implemented by every storage backend. Each call is one
// transaction: readers never observe an embedding without the processing
// flag cleared, or the flag cleared without the embedding.
type Driver interface {
	// Init opens the backend and creates the schema if absent. It is
	// idempotent and safe to call concurrently.
	Init(ctx context.Context) error

	// Save inserts a pending record (no embedding, IsProcessing set) and
	// returns its id.
	Save(ctx context.Context, payload []byte, name, mimeType string) (int64, error)

	// UpdateEmbedding sets the embedding and clears IsProcessing atomically.
	UpdateEmbedding(ctx context.Context, id int64, embedding []float32) error

	// Get returns a record's metadata without its payload.
	Get(ctx context.Context, id int64) (*models.Image, error)

	// GetPayload returns the stored bytes and their mime type.
	GetPayload(ctx context.Context, id int64) ([]byte, string, error)

	// GetAll returns every record's metadata, newest first.
	GetAll(ctx context.Context) ([]*models.Image, error)

	Delete(ctx context.Context, id int64) error

	DeleteAll(ctx context.Context) error

	// StorageUsage is the sum of all payload sizes in bytes.
	StorageUsage(ctx context.Context) (int64, error)

	Close() error
}
