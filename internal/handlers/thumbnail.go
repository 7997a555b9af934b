package handlers

import (
	"bytes"
	"net/http"
)

// Payload serves the stored bytes with the checksum as ETag.
func (h *Handlers) Payload(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.writeError(w, "payload", err)
		return
	}

	img, err := h.library.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, "payload", err)
		return
	}
	data, mimeType, err := h.library.FetchPayload(r.Context(), id)
	if err != nil {
		h.writeError(w, "payload", err)
		return
	}

	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("ETag", `"`+img.Checksum+`"`)
	w.Header().Set("Cache-Control", "private, no-cache")
	http.ServeContent(w, r, img.Name, img.CreatedAt, bytes.NewReader(data))
}

// Thumbnail serves the 512x512 JPEG preview, rendering it on first request.
func (h *Handlers) Thumbnail(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		h.writeError(w, "thumbnail", err)
		return
	}

	path, err := h.thumbs.Path(r.Context(), id)
	if err != nil {
		h.writeError(w, "thumbnail", err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}
