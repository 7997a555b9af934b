package models

import "time"

// Image is the persisted record. The payload is fetched separately so listing
// never materializes image bytes.
type Image struct {
	ID           int64     `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	MimeType     string    `db:"mime_type" json:"mime_type"`
	Size         int64     `db:"size" json:"size"`
	Checksum     string    `db:"checksum" json:"checksum"`
	Embedding    []float32 `db:"embedding" json:"-"`
	IsProcessing bool      `db:"is_processing" json:"is_processing"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Status is the pipeline's view of a record.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
)

func (i *Image) Status() Status {
	if i.Ready() {
		return StatusReady
	}
	return StatusPending
}

// Ready reports whether the record carries a usable embedding.
func (i *Image) Ready() bool {
	return !i.IsProcessing && len(i.Embedding) > 0
}

// Pending reports whether the record still needs an embedding.
func (i *Image) Pending() bool {
	return i.IsProcessing || len(i.Embedding) == 0
}
