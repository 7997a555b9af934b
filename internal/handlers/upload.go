package handlers

import (
	"errors"
	"io"
	"net/http"

	imgerr "imagesearch/internal/errors"
)

// Upload stores the multipart "image" field. The record comes back pending;
// its embedding is computed in the background.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "image exceeds the upload limit")
			return
		}
		writeProblem(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, fh, err := r.FormFile("image")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "missing image field: "+err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, "upload", imgerr.Wrap(err, imgerr.CodeRequestInvalid, "reading upload"))
		return
	}

	img, err := h.library.Save(r.Context(), fh.Filename, fh.Header.Get("Content-Type"), data)
	if err != nil {
		h.writeError(w, "upload", err)
		return
	}

	writeJSON(w, http.StatusCreated, newImageView(img))
}
