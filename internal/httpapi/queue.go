package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"modellibmgr/internal/differ"
	"modellibmgr/internal/queue"
	"modellibmgr/internal/storage"
)

type copyRequest struct {
	SrcSide    storage.Side `json:"src_side"`
	SrcRelpath string       `json:"src_relpath"`
	DstSide    storage.Side `json:"dst_side"`
	DstRelpath string       `json:"dst_relpath"`
	Size       int64        `json:"size"`
}

func (s *Server) handleQueueCopy(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.q.EnqueueCopy(req.SrcSide, req.SrcRelpath, req.DstSide, req.DstRelpath, req.Size)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

type moveRequest struct {
	Sides      []storage.Side `json:"sides"`
	SrcRelpath string         `json:"src_relpath"`
	DstRelpath string         `json:"dst_relpath"`
}

func (s *Server) handleQueueMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exists := func(side storage.Side, relpath string) (bool, error) {
		var count int64
		err := s.store.DB.Model(&storage.FileRecord{}).
			Where("side = ? AND relpath = ?", side, relpath).Count(&count).Error
		return count > 0, err
	}
	tasks, err := s.q.EnqueueMove(req.Sides, req.SrcRelpath, req.DstRelpath, exists)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"tasks": tasks})
}

type deleteRequest struct {
	Side    storage.Side `json:"side"`
	Relpath string       `json:"relpath"`
}

func (s *Server) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.q.EnqueueDelete(req.Side, req.Relpath, true, s.settings.AllowDelete(req.Side))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.q.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.q.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.q.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := s.q.Cancel(uint(id)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if err := s.q.Remove(uint(id)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mirrorPlanRequest struct {
	SrcSide   storage.Side `json:"src_side"`
	DstSide   storage.Side `json:"dst_side"`
	SrcFolder string       `json:"src_folder"`
	DstFolder string       `json:"dst_folder"`
}

func (s *Server) diffEntries() ([]differ.Entry, error) {
	localFiles, err := s.ix.Search(storage.SideLocal, "")
	if err != nil {
		return nil, err
	}
	lakeFiles, err := s.ix.Search(storage.SideLake, "")
	if err != nil {
		return nil, err
	}
	return differ.Diff(localFiles, lakeFiles), nil
}

func (s *Server) handleMirrorPlan(w http.ResponseWriter, r *http.Request) {
	var req mirrorPlanRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.diffEntries()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	plan := queue.PlanMirror(entries, req.SrcSide, req.SrcFolder, req.DstFolder)
	writeJSON(w, http.StatusOK, plan)
}

type mirrorExecuteRequest struct {
	mirrorPlanRequest
	AllowDelete bool `json:"allow_delete"`
}

func (s *Server) handleMirrorExecute(w http.ResponseWriter, r *http.Request) {
	var req mirrorExecuteRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.diffEntries()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	plan := queue.PlanMirror(entries, req.SrcSide, req.SrcFolder, req.DstFolder)
	if err := s.q.ExecuteMirror(plan, req.SrcSide, req.DstSide, req.AllowDelete); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
