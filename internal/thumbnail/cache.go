// Package thumbnail keeps JPEG previews of stored images on disk. Each record
// owns at most one preview file; superseded and orphaned files are removed.
package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	imgerr "imagesearch/internal/errors"
	"imagesearch/internal/events"
)

const (
	Size    = 512
	Quality = 80
)

// Source yields the stored payload for a record.
type Source interface {
	GetPayload(ctx context.Context, id int64) ([]byte, string, error)
}

type Cache struct {
	dir    string
	src    Source
	logger *slog.Logger

	mu    sync.Mutex
	files map[int64]string
	seq   uint64

	unsubscribe []func()
	closeOnce   sync.Once
}

// New creates dir if needed and releases previews when the bus reports that
// their record was deleted or the library was cleared.
func New(dir string, src Source, bus *events.Bus, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating thumbnail dir: %w", err)
	}

	c := &Cache{
		dir:    dir,
		src:    src,
		logger: logger,
		files:  make(map[int64]string),
	}

	if bus != nil {
		c.unsubscribe = append(c.unsubscribe,
			bus.Subscribe(events.TopicImageDeleted, func(ev events.Event) {
				if img, ok := ev.Payload.(events.ImageEvent); ok {
					if err := c.Release(img.ID); err != nil {
						c.logger.Warn("releasing thumbnail", "image_id", img.ID, "error", err)
					}
				}
			}),
			bus.Subscribe(events.TopicImagesCleared, func(events.Event) {
				if err := c.Purge(); err != nil {
					c.logger.Warn("purging thumbnails", "error", err)
				}
			}),
		)
	}
	return c, nil
}

// Path returns the preview for id, generating it on first use.
func (c *Cache) Path(ctx context.Context, id int64) (string, error) {
	c.mu.Lock()
	path, ok := c.files[id]
	c.mu.Unlock()

	if ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return c.Refresh(ctx, id)
}

// Refresh renders a new preview for id. The file it supersedes is removed
// before Refresh returns.
func (c *Cache) Refresh(ctx context.Context, id int64) (string, error) {
	payload, _, err := c.src.GetPayload(ctx, id)
	if err != nil {
		return "", err
	}

	src, err := imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(true))
	if err != nil {
		return "", imgerr.Wrap(err, imgerr.CodeRequestInvalid, "decode image", imgerr.FieldID(id))
	}
	thumb := imaging.Fill(src, Size, Size, imaging.Center, imaging.Lanczos)

	c.mu.Lock()
	c.seq++
	path := filepath.Join(c.dir, fmt.Sprintf("thumb_%d_%d.jpg", id, c.seq))
	c.mu.Unlock()

	if err := imaging.Save(thumb, path, imaging.JPEGQuality(Quality)); err != nil {
		return "", fmt.Errorf("save thumbnail: %w", err)
	}

	c.mu.Lock()
	old, had := c.files[id]
	c.files[id] = path
	c.mu.Unlock()

	if had && old != path {
		if err := removeFile(old); err != nil {
			c.logger.Warn("removing superseded thumbnail", "image_id", id, "path", old, "error", err)
		}
	}
	return path, nil
}

// Release deletes the preview for id, if any.
func (c *Cache) Release(id int64) error {
	c.mu.Lock()
	path, ok := c.files[id]
	delete(c.files, id)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return removeFile(path)
}

// Purge deletes every preview the cache owns.
func (c *Cache) Purge() error {
	c.mu.Lock()
	files := c.files
	c.files = make(map[int64]string)
	c.mu.Unlock()

	var errs []error
	for _, path := range files {
		if err := removeFile(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len is the number of previews currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// Close stops listening to the bus and purges.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		for _, unsub := range c.unsubscribe {
			unsub()
		}
		err = c.Purge()
	})
	return err
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
