// Package inmemory is a content store that lives only as long as the process.
// It backs the "memory" store driver and the tests.
package inmemory

import (
	"context"
	"slices"
	"sync"
	"time"

	imgerr "imagesearch/internal/errors"
	"imagesearch/internal/models"
	"imagesearch/internal/store"
)

var _ store.Driver = (*Driver)(nil)

type entry struct {
	meta    models.Image
	payload []byte
}

type Driver struct {
	mu      sync.RWMutex
	images  map[int64]*entry
	lastID  int64
	life    store.Lifecycle
	nowFunc func() time.Time
}

func NewDriver() *Driver {
	return &Driver{
		images:  make(map[int64]*entry),
		nowFunc: time.Now,
	}
}

func (d *Driver) Init(context.Context) error {
	return d.life.Init(func() error { return nil })
}

func (d *Driver) Save(_ context.Context, payload []byte, name, mimeType string) (int64, error) {
	if err := d.life.Check("save"); err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastID++
	id := d.lastID
	d.images[id] = &entry{
		meta: models.Image{
			ID:           id,
			Name:         name,
			MimeType:     mimeType,
			Size:         int64(len(payload)),
			Checksum:     store.Checksum(payload),
			IsProcessing: true,
			CreatedAt:    d.nowFunc(),
		},
		payload: slices.Clone(payload),
	}
	return id, nil
}

func (d *Driver) UpdateEmbedding(_ context.Context, id int64, embedding []float32) error {
	if err := d.life.Check("update_embedding"); err != nil {
		return err
	}
	if err := store.ValidateEmbedding(id, embedding); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.images[id]
	if !ok {
		return imgerr.NotFound(id)
	}
	e.meta.Embedding = slices.Clone(embedding)
	e.meta.IsProcessing = false
	return nil
}

func (d *Driver) Get(_ context.Context, id int64) (*models.Image, error) {
	if err := d.life.Check("get"); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.images[id]
	if !ok {
		return nil, imgerr.NotFound(id)
	}
	return e.snapshot(), nil
}

func (d *Driver) GetPayload(_ context.Context, id int64) ([]byte, string, error) {
	if err := d.life.Check("get_payload"); err != nil {
		return nil, "", err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.images[id]
	if !ok {
		return nil, "", imgerr.NotFound(id)
	}
	return slices.Clone(e.payload), e.meta.MimeType, nil
}

func (d *Driver) GetAll(context.Context) ([]*models.Image, error) {
	if err := d.life.Check("get_all"); err != nil {
		return nil, err
	}

	d.mu.RLock()
	images := make([]*models.Image, 0, len(d.images))
	for _, e := range d.images {
		images = append(images, e.snapshot())
	}
	d.mu.RUnlock()

	slices.SortFunc(images, func(a, b *models.Image) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return images, nil
}

func (d *Driver) Delete(_ context.Context, id int64) error {
	if err := d.life.Check("delete"); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.images[id]; !ok {
		return imgerr.NotFound(id)
	}
	delete(d.images, id)
	return nil
}

func (d *Driver) DeleteAll(context.Context) error {
	if err := d.life.Check("delete_all"); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.images)
	return nil
}

func (d *Driver) StorageUsage(context.Context) (int64, error) {
	if err := d.life.Check("storage_usage"); err != nil {
		return 0, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var total int64
	for _, e := range d.images {
		total += e.meta.Size
	}
	return total, nil
}

func (d *Driver) Close() error {
	d.life.Reset()
	return nil
}

func (e *entry) snapshot() *models.Image {
	img := e.meta
	img.Embedding = slices.Clone(e.meta.Embedding)
	return &img
}
