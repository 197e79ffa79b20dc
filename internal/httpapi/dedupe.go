package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"modellibmgr/internal/storage"
)

type dedupeScanRequest struct {
	Side    storage.Side `json:"side"`
	Mode    string       `json:"mode"`
	MinSize int64        `json:"min_size"`
}

func (s *Server) handleDedupeScan(w http.ResponseWriter, r *http.Request) {
	var req dedupeScanRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.q.EnqueueDedupeScan(req.Side, req.Mode, req.MinSize)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

type dedupeResultGroup struct {
	GroupID string                  `json:"group_id"`
	Hash    string                  `json:"hash"`
	Size    int64                   `json:"size"`
	Members []storage.DuplicateFile `json:"members"`
}

func (s *Server) handleDedupeResults(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")

	var groups []storage.DuplicateGroup
	if err := s.store.DB.Where("scan_id = ?", scanID).Find(&groups).Error; err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(groups) == 0 {
		writeError(w, http.StatusNotFound, "no duplicate groups for scan "+scanID)
		return
	}

	out := make([]dedupeResultGroup, 0, len(groups))
	for _, g := range groups {
		var members []storage.DuplicateFile
		if err := s.store.DB.Where("group_id = ?", g.GroupID).Find(&members).Error; err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, dedupeResultGroup{GroupID: g.GroupID, Hash: g.Hash, Size: g.Size, Members: members})
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": out})
}

type dedupeExecuteRequest struct {
	ScanID     string            `json:"scan_id"`
	Selections map[string]string `json:"selections"`
}

func (s *Server) handleDedupeExecute(w http.ResponseWriter, r *http.Request) {
	var req dedupeExecuteRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.dd.Execute(req.ScanID, req.Selections)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
