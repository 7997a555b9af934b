// Package similarity implements the vector math used for ranking.
package similarity

import (
	"fmt"
	"math"

	"github.com/hupe1980/vecgo/distance"

	imgerr "imagesearch/internal/errors"
)

// Cosine returns dot(a,b) / (|a|*|b|). A zero-magnitude operand yields 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, imgerr.New(imgerr.CodeVectorLengthMismatch,
			fmt.Sprintf("vectors must be of same length: %d != %d", len(a), len(b)),
			imgerr.Field("left", len(a)),
			imgerr.Field("right", len(b)),
		)
	}
	if len(a) == 0 {
		return 0, nil
	}

	dot := float64(distance.Dot(a, b))
	magA := math.Sqrt(float64(distance.Dot(a, a)))
	magB := math.Sqrt(float64(distance.Dot(b, b)))
	if magA == 0 || magB == 0 {
		return 0, nil
	}

	sim := dot / (magA * magB)
	// float32 accumulation can overshoot the [-1, 1] range by an ulp.
	return math.Max(-1, math.Min(1, sim)), nil
}

// Normalize scales v to unit length in place. Zero vectors are left as is.
func Normalize(v []float32) {
	norm := math.Sqrt(float64(distance.Dot(v, v)))
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
