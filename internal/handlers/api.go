// Package handlers exposes the image library over HTTP. JSON operations are
// registered on a huma API; uploads and binary responses are plain chi
// handlers.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	imgerr "imagesearch/internal/errors"
	"imagesearch/internal/models"
	"imagesearch/internal/services"
	"imagesearch/internal/thumbnail"
)

const defaultMaxUploadBytes = 50 * 1024 * 1024 // 50 MB for images

type Config struct {
	Library    *services.Library
	Thumbnails *thumbnail.Cache
	Logger     *slog.Logger

	MaxUploadBytes int64
}

type Handlers struct {
	library   *services.Library
	thumbs    *thumbnail.Cache
	logger    *slog.Logger
	maxUpload int64
}

func New(cfg Config) *Handlers {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &Handlers{
		library:   cfg.Library,
		thumbs:    cfg.Thumbnails,
		logger:    cfg.Logger,
		maxUpload: cfg.MaxUploadBytes,
	}
}

// Register mounts every route: huma operations on api, raw handlers on r.
func (h *Handlers) Register(r chi.Router, api huma.API) {
	r.Post("/api/images", h.Upload)
	r.Get("/api/images/{id}", h.Payload)
	r.Get("/api/images/{id}/thumbnail", h.Thumbnail)

	h.registerFeed(api)
	h.registerManage(api)
}

// ImageView is the JSON shape of a record.
type ImageView struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	MimeType     string        `json:"mime_type"`
	Size         int64         `json:"size"`
	Checksum     string        `json:"checksum"`
	Status       models.Status `json:"status" enum:"pending,ready"`
	IsProcessing bool          `json:"is_processing"`
	CreatedAt    time.Time     `json:"created_at"`
	URL          string        `json:"url"`
	ThumbnailURL string        `json:"thumbnail_url"`
}

func newImageView(img *models.Image) ImageView {
	return ImageView{
		ID:           img.ID,
		Name:         img.Name,
		MimeType:     img.MimeType,
		Size:         img.Size,
		Checksum:     img.Checksum,
		Status:       img.Status(),
		IsProcessing: img.IsProcessing,
		CreatedAt:    img.CreatedAt,
		URL:          fmt.Sprintf("/api/images/%d", img.ID),
		ThumbnailURL: fmt.Sprintf("/api/images/%d/thumbnail", img.ID),
	}
}

// apiError maps a coded error to a huma status error. Server-side failures
// are logged and answered with a generic message.
func (h *Handlers) apiError(op string, err error) error {
	status := imgerr.HTTPStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		h.logger.Error("request failed", "op", op, "code", string(imgerr.CodeOf(err)), "error", err)
		return huma.NewError(status, http.StatusText(status))
	}
	h.logger.Debug("request rejected", "op", op, "status", status, "error", err)
	return huma.NewError(status, err.Error())
}

// writeError answers a raw handler with the same problem document huma uses.
func (h *Handlers) writeError(w http.ResponseWriter, op string, err error) {
	status := imgerr.HTTPStatus(err)
	detail := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway && status != http.StatusGatewayTimeout {
		h.logger.Error("request failed", "op", op, "code", string(imgerr.CodeOf(err)), "error", err)
		detail = http.StatusText(status)
	}
	writeProblem(w, status, detail)
}

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&huma.ErrorModel{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, imgerr.New(imgerr.CodeRequestInvalid, fmt.Sprintf("invalid image id %q", raw))
	}
	return id, nil
}
