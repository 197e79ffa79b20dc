package httpapi

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"modellibmgr/internal/storage"
)

type downloaderCreateRequest struct {
	URL          string       `json:"url"`
	Filename     string       `json:"filename"`
	Side         storage.Side `json:"side"`
	Relpath      string       `json:"relpath"`
	RecordSource bool         `json:"record_source"`
}

func (s *Server) handleDownloaderCreate(w http.ResponseWriter, r *http.Request) {
	var req downloaderCreateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	root := s.roots.Root(req.Side)
	if root == "" {
		writeError(w, http.StatusBadRequest, "unknown side: "+string(req.Side))
		return
	}
	destPath := filepath.Join(root, req.Relpath, req.Filename)

	job, err := s.dl.Enqueue(uuid.NewString(), req.URL, req.Filename, destPath, &root, req.RecordSource)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleDownloaderStart requeues a cancelled or failed job back to
// pending so the scheduler admits it again; a job that is already
// pending, running, or completed is returned unchanged.
func (s *Server) handleDownloaderStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.dl.Start(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDownloaderCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.dl.Cancel(id) {
		writeError(w, http.StatusNotFound, "job not running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloaderCancelAll(w http.ResponseWriter, r *http.Request) {
	s.dl.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloaderList(w http.ResponseWriter, r *http.Request) {
	var jobs []storage.DownloadJob
	if err := s.store.DB.Order("created_at DESC").Find(&jobs).Error; err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
