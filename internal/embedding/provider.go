// Package embedding defines the provider boundary: bytes of one item plus a
// modality in, a fixed-length vector or a provider error out.
package embedding

import (
	"context"
	"net/http"

	imgerr "imagesearch/internal/errors"
)

// Modality tells the provider how to interpret the bytes it is given.
type Modality string

const (
	Vision Modality = "vision"
	Text   Modality = "text"
)

func (m Modality) Valid() bool {
	return m == Vision || m == Text
}

// Provider turns bytes into vectors. Vision and text vectors share one
// dimensionality so they can be compared with each other.
type Provider interface {
	// Embed returns the vector for data. Every failure carries a provider
	// error code; exhausted polling is reported as a timeout.
	Embed(ctx context.Context, modality Modality, data []byte) ([]float32, error)

	// Close releases any resources held by the provider.
	Close() error
}

// MimeType returns the content type sent along with data for modality.
func MimeType(modality Modality, data []byte) string {
	if modality == Text {
		return "text/plain"
	}
	return http.DetectContentType(data)
}

// Fail wraps err as a provider failure.
func Fail(err error, msg string, fields ...imgerr.Attr) error {
	return imgerr.Wrap(err, imgerr.CodeProviderFailure, msg, fields...)
}

// Failf builds a provider failure without an underlying cause.
func Failf(format string, args ...any) error {
	return imgerr.Errorf(imgerr.CodeProviderFailure, format, args...)
}

// CheckModality rejects anything other than Vision or Text.
func CheckModality(m Modality) error {
	if !m.Valid() {
		return imgerr.New(imgerr.CodeRequestInvalid, "unsupported modality", imgerr.Field("modality", string(m)))
	}
	return nil
}
