// Package search ranks stored images against a query vector.
package search

import (
	"log/slog"
	"slices"

	"imagesearch/internal/models"
	"imagesearch/internal/similarity"
)

// DefaultThreshold is roughly the score the CLIP model gives an unrelated
// image/text pair.
const DefaultThreshold = 0.235

type Result struct {
	ID         int64   `json:"id"`
	Similarity float64 `json:"similarity"`
}

type Engine struct {
	logger *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Rank scores every record that has an embedding against query, keeps those
// at or above threshold and orders them by descending similarity. Records
// whose embedding length differs from the query are skipped.
func (e *Engine) Rank(query []float32, records []*models.Image, threshold float64) []Result {
	results := make([]Result, 0, len(records))
	for _, rec := range records {
		if len(rec.Embedding) == 0 {
			continue
		}

		sim, err := similarity.Cosine(query, rec.Embedding)
		if err != nil {
			e.logger.Debug("skipping record", "image_id", rec.ID, "error", err)
			continue
		}
		if sim < threshold {
			continue
		}
		results = append(results, Result{ID: rec.ID, Similarity: sim})
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		switch {
		case a.Similarity > b.Similarity:
			return -1
		case a.Similarity < b.Similarity:
			return 1
		}
		return 0
	})
	return results
}
