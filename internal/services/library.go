package services

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"imagesearch/internal/embedding"
	imgerr "imagesearch/internal/errors"
	"imagesearch/internal/events"
	"imagesearch/internal/models"
	"imagesearch/internal/search"
	"imagesearch/internal/store"
)

type LibraryConfig struct {
	Store    store.Driver
	Provider embedding.Provider
	Pipeline *Pipeline
	Engine   *search.Engine
	Bus      *events.Bus
	Logger   *slog.Logger

	// Threshold is the minimum similarity for search results unless a query
	// overrides it.
	Threshold float64
}

// Library is the query surface over the image collection. It ties the store,
// the pipeline, the search engine and the bus together.
type Library struct {
	store     store.Driver
	provider  embedding.Provider
	pipeline  *Pipeline
	engine    *search.Engine
	bus       *events.Bus
	logger    *slog.Logger
	threshold float64
}

func NewLibrary(cfg LibraryConfig) *Library {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Engine == nil {
		cfg.Engine = search.NewEngine(cfg.Logger)
	}
	return &Library{
		store:     cfg.Store,
		provider:  cfg.Provider,
		pipeline:  cfg.Pipeline,
		engine:    cfg.Engine,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		threshold: cfg.Threshold,
	}
}

// Query selects what to search by. Exactly one of Text or Vector is used;
// Text wins when both are set.
type Query struct {
	Text   string
	Vector []float32
}

// Match is a search hit together with the record's metadata.
type Match struct {
	*models.Image
	Similarity float64 `json:"similarity"`
}

// Save stores data as a pending record, announces it and queues it for
// embedding. The returned record is still pending.
func (l *Library) Save(ctx context.Context, name, mimeType string, data []byte) (*models.Image, error) {
	if len(data) == 0 {
		return nil, imgerr.New(imgerr.CodeRequestInvalid, "image is empty")
	}

	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "untitled"
	}

	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = detectMime(name)
	}
	if !isAllowedMime(mimeType) {
		return nil, imgerr.New(imgerr.CodeRequestInvalid, "unsupported image format",
			imgerr.Field("mime_type", mimeType))
	}

	id, err := l.store.Save(ctx, data, name, mimeType)
	if err != nil {
		return nil, err
	}
	l.logger.Info("image saved", "image_id", id, "name", name, "size", len(data))

	l.bus.Publish(events.TopicImageUploaded, events.ImageEvent{ID: id})
	if l.pipeline != nil {
		l.pipeline.Queue(id)
	}

	return l.store.Get(ctx, id)
}

// List returns every record, newest first.
func (l *Library) List(ctx context.Context) ([]*models.Image, error) {
	return l.store.GetAll(ctx)
}

func (l *Library) Get(ctx context.Context, id int64) (*models.Image, error) {
	return l.store.Get(ctx, id)
}

// FetchPayload returns the stored bytes and their mime type.
func (l *Library) FetchPayload(ctx context.Context, id int64) ([]byte, string, error) {
	return l.store.GetPayload(ctx, id)
}

func (l *Library) DeleteOne(ctx context.Context, id int64) error {
	if err := l.store.Delete(ctx, id); err != nil {
		return err
	}
	l.logger.Info("image deleted", "image_id", id)
	l.bus.Publish(events.TopicImageDeleted, events.ImageEvent{ID: id})
	return nil
}

func (l *Library) DeleteAll(ctx context.Context) error {
	if err := l.store.DeleteAll(ctx); err != nil {
		return err
	}
	l.logger.Info("library cleared")
	l.bus.Publish(events.TopicImagesCleared, nil)
	return nil
}

// Search ranks ready records against q. A nil threshold uses the library's
// default.
func (l *Library) Search(ctx context.Context, q Query, threshold *float64) ([]Match, error) {
	vec, err := l.queryVector(ctx, q)
	if err != nil {
		return nil, err
	}

	minScore := l.threshold
	if threshold != nil {
		minScore = *threshold
	}

	records, err := l.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.Image, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	results := l.engine.Rank(vec, records, minScore)
	matches := make([]Match, 0, len(results))
	for _, res := range results {
		matches = append(matches, Match{Image: byID[res.ID], Similarity: res.Similarity})
	}

	l.logger.Debug("search complete", "candidates", len(records), "matches", len(matches), "threshold", minScore)
	return matches, nil
}

func (l *Library) queryVector(ctx context.Context, q Query) ([]float32, error) {
	text := strings.TrimSpace(q.Text)
	switch {
	case text != "":
		return l.provider.Embed(ctx, embedding.Text, []byte(text))
	case len(q.Vector) > 0:
		return q.Vector, nil
	default:
		return nil, imgerr.New(imgerr.CodeRequestInvalid, "search query is empty")
	}
}

// StorageUsage is the total size of all stored payloads in bytes.
func (l *Library) StorageUsage(ctx context.Context) (int64, error) {
	return l.store.StorageUsage(ctx)
}

// RecoverPending runs a recovery pass on the pipeline.
func (l *Library) RecoverPending(ctx context.Context) (RecoveryReport, error) {
	return l.pipeline.RecoverPending(ctx)
}

// Subscribe registers h for topic on the library's bus.
func (l *Library) Subscribe(topic events.Topic, h events.Handler) func() {
	return l.bus.Subscribe(topic, h)
}

func detectMime(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

func isAllowedMime(mime string) bool {
	allowed := map[string]bool{
		"image/jpeg": true,
		"image/png":  true,
		"image/webp": true,
		"image/gif":  true,
	}
	return allowed[mime]
}
