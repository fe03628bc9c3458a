package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/brightloom/tilesched/internal/models"
	"github.com/brightloom/tilesched/internal/store"
)

// FileHandler serves the uploaded-file surface: upload and ownership-gated
// metadata lookup. The on-disk layout and per-job result directories are
// entirely owned by store.FileStore.
type FileHandler struct {
	files  *store.FileStore
	logger arbor.ILogger
}

func NewFileHandler(files *store.FileStore, logger arbor.ILogger) *FileHandler {
	return &FileHandler{files: files, logger: logger}
}

// UploadHandler handles POST /files/ (multipart, header X-User-ID).
func (h *FileHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "failed to parse multipart form", http.StatusBadRequest)
		return
	}

	src, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field is required", http.StatusBadRequest)
		return
	}
	defer src.Close()

	contentType := header.Header.Get("Content-Type")
	file, err := h.files.SaveUpload(userID, header.Filename, contentType, src)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to save uploaded file")
		http.Error(w, "failed to store uploaded file", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]models.FileInfo{"file": file.ToInfo()})
}

// GetHandler handles GET /files/{file_id}.
func (h *FileHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	fileID := pathTail(r.URL.Path, "/files/")
	file, ok := h.files.GetInfo(fileID)
	if !ok || file.UserID != userID {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, file.ToInfo())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// pathTail returns the path segment after prefix, stopping at the next "/"
// if one follows (so "/jobs/{id}/start" yields "{id}" when prefix is
// "/jobs/").
func pathTail(path, prefix string) string {
	if len(path) <= len(prefix) {
		return ""
	}
	rest := path[len(prefix):]
	for i, c := range rest {
		if c == '/' {
			return rest[:i]
		}
	}
	return rest
}
