package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/mediacat/internal/library"
)

// Handler holds API route handlers.
type Handler struct {
	svc *library.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *library.Service) *Handler {
	return &Handler{svc: svc}
}

// entryID extracts the entry id from the URL wildcard. Ids are relative
// paths, so they may contain slashes, encoded or not.
func entryID(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

func requireID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := entryID(r)
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("id is required"))
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

// ListEntries handles GET /api/entries.
//
//	@Summary		List navigable entries in play order
//	@Tags			entries
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Success		200		{object}	EntryListResponse
//	@Security		BearerAuth
//	@Router			/entries [get]
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, total, err := h.svc.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, "list entries", err)
		return
	}
	writeJSON(w, http.StatusOK, EntryListResponse{Entries: items, Total: total})
}

// GetEntry handles GET /api/entries/item/*.
//
//	@Summary		Get one entry by id
//	@Tags			entries
//	@Produce		json
//	@Param			id	path		string	true	"Entry id"
//	@Success		200	{object}	Entry
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/item/{id} [get]
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	e, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, "get entry", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// First handles GET /api/entries/first.
//
//	@Summary		Head of the play order
//	@Tags			navigation
//	@Produce		json
//	@Success		200	{object}	LookupResponse
//	@Security		BearerAuth
//	@Router			/entries/first [get]
func (h *Handler) First(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.First(r.Context())
	if err != nil {
		writeError(w, "first entry", err)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse(l))
}

// At handles GET /api/entries/at/{index}.
//
//	@Summary		Entry at a zero-based position
//	@Tags			navigation
//	@Produce		json
//	@Param			index	path		int	true	"Position"
//	@Success		200		{object}	LookupResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/at/{index} [get]
func (h *Handler) At(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("index must be an integer"))
		return
	}
	l, err := h.svc.At(r.Context(), index)
	if err != nil {
		writeError(w, "entry at", err)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse(l))
}

// Next handles GET /api/entries/next/*.
//
//	@Summary		Successor of an entry, wrapping at the end
//	@Tags			navigation
//	@Produce		json
//	@Param			id	path		string	true	"Entry id"
//	@Success		200	{object}	LookupResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/next/{id} [get]
func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	l, err := h.svc.Next(r.Context(), id)
	if err != nil {
		writeError(w, "next entry", err)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse(l))
}

// Prev handles GET /api/entries/prev/*.
//
//	@Summary		Predecessor of an entry, wrapping at the start
//	@Tags			navigation
//	@Produce		json
//	@Param			id	path		string	true	"Entry id"
//	@Success		200	{object}	LookupResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/prev/{id} [get]
func (h *Handler) Prev(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	l, err := h.svc.Prev(r.Context(), id)
	if err != nil {
		writeError(w, "prev entry", err)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse(l))
}

// Like handles PUT /api/entries/like/*.
//
//	@Summary		Set or toggle the like flag
//	@Tags			entries
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Entry id"
//	@Param			body	body		LikeRequest	false	"Omit like to toggle"
//	@Success		200		{object}	Entry
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/like/{id} [put]
func (h *Handler) Like(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	var req LikeRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	e, err := h.svc.SetLike(r.Context(), id, req.Like)
	if err != nil {
		writeError(w, "like entry", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DeleteEntry handles DELETE /api/entries/item/*.
//
//	@Summary		Delete an entry and its file
//	@Tags			entries
//	@Param			id	path	string	true	"Entry id"
//	@Success		204	"Entry deleted"
//	@Failure		403	{object}	errResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/item/{id} [delete]
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, "delete entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteEntries handles POST /api/entries/delete.
//
//	@Summary		Delete several entries
//	@Tags			entries
//	@Accept			json
//	@Produce		json
//	@Param			body	body	DeleteRequest	true	"Ids to delete"
//	@Success		204		"All deleted"
//	@Success		207		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/delete [post]
func (h *Handler) DeleteEntries(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("ids are required"))
		return
	}
	if err := h.svc.Delete(r.Context(), req.IDs...); err != nil {
		writeError(w, "delete entries", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Download handles POST /api/entries/download/*.
//
//	@Summary		Materialize a file locally
//	@Tags			files
//	@Param			id			path	string	true	"Entry id"
//	@Param			prefetch	query	bool	false	"Also fetch the following files"
//	@Success		202			"Download started or complete"
//	@Failure		404			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/download/{id} [post]
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	prefetch, _ := strconv.ParseBool(r.URL.Query().Get("prefetch"))
	if err := h.svc.Download(r.Context(), id, prefetch); err != nil {
		writeError(w, "download", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Evict handles POST /api/entries/evict/*.
//
//	@Summary		Drop the local copy of a file
//	@Tags			files
//	@Param			id	path	string	true	"Entry id"
//	@Success		204	"Evicted"
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/evict/{id} [post]
func (h *Handler) Evict(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Evict(r.Context(), id); err != nil {
		writeError(w, "evict", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Content handles GET /api/entries/content/*. Range requests are served
// from the local copy.
//
//	@Summary		Stream the file behind an entry
//	@Tags			files
//	@Produce		octet-stream
//	@Param			id	path	string	true	"Entry id"
//	@Success		200	"File content"
//	@Failure		404	{object}	errResponse
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/entries/content/{id} [get]
func (h *Handler) Content(w http.ResponseWriter, r *http.Request) {
	id, ok := requireID(w, r)
	if !ok {
		return
	}
	e, rc, err := h.svc.Open(r.Context(), id)
	if err != nil {
		writeError(w, "open entry", err)
		return
	}
	defer rc.Close()
	http.ServeContent(w, r, e.ID, e.UpdatedAt, rc)
}

// Sort handles POST /api/sort.
//
//	@Summary		Reorder the catalog
//	@Tags			ordering
//	@Accept			json
//	@Param			body	body	SortRequest	true	"Mode and optional sticky target"
//	@Success		204		"Sorted"
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sort [post]
func (h *Handler) Sort(w http.ResponseWriter, r *http.Request) {
	var req SortRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.svc.Sort(r.Context(), req.Mode, req.Sticky); err != nil {
		writeError(w, "sort", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Import handles POST /api/import. The copy runs in the background; its
// outcome arrives on the event stream.
//
//	@Summary		Queue external files for import
//	@Tags			files
//	@Accept			json
//	@Produce		json
//	@Param			body	body		ImportRequest	true	"Paths to copy"
//	@Success		202		{object}	ImportAcceptedResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/import [post]
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := h.svc.RequestImport(req.Paths, req.Destination)
	if err != nil {
		writeError(w, "import", err)
		return
	}
	writeJSON(w, http.StatusAccepted, ImportAcceptedResponse{RequestID: id})
}

// Status handles GET /api/status.
//
//	@Summary		Library summary
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	Status
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
