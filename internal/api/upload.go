package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/mediacat/internal/library"
	"github.com/starford/mediacat/internal/mediatag"
)

const maxUploadBytes = 512 << 20 // 512 MB

// UploadHandler accepts audio files over HTTP and imports them.
type UploadHandler struct {
	svc *library.Service
}

// NewUploadHandler creates an upload handler.
func NewUploadHandler(svc *library.Service) *UploadHandler {
	return &UploadHandler{svc: svc}
}

// safeName validates that the filename is a plain name with no separators
// or traversal.
func safeName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("filename is required")
	}
	cleaned := filepath.Clean(name)
	if cleaned != filepath.Base(cleaned) || strings.Contains(cleaned, "..") || cleaned == "." {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	return cleaned, nil
}

// Upload handles POST /api/upload (multipart/form-data, field "file",
// optional field "destination").
//
//	@Summary		Upload an audio file into the library
//	@Tags			files
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file		formData	file	true	"Audio file"
//	@Param			destination	formData	string	false	"Target folder"
//	@Success		201			{object}	UploadResponse
//	@Failure		400			{object}	errResponse
//	@Failure		415			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/upload [post]
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	name, err := safeName(header.Filename)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if !mediatag.Supported(filepath.Ext(name)) {
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody("unsupported audio format"))
		return
	}

	// Stage under the original name so the library copy keeps it.
	staging, err := os.MkdirTemp("", "mediacat-upload-*")
	if err != nil {
		writeError(w, "upload staging", err)
		return
	}
	defer os.RemoveAll(staging)

	staged := filepath.Join(staging, name)
	dst, err := os.Create(staged)
	if err != nil {
		writeError(w, "upload staging", err)
		return
	}
	written, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to write file"))
		return
	}

	refs, err := h.svc.Import(r.Context(), []string{staged}, r.FormValue("destination"))
	if err != nil {
		writeError(w, "upload", err)
		return
	}
	if len(refs) == 0 {
		writeJSON(w, http.StatusInternalServerError, errorBody("upload produced no file"))
		return
	}
	writeJSON(w, http.StatusCreated, UploadResponse{ID: string(refs[0]), Size: written})
}
