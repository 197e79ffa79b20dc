package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"modellibmgr/internal/assets"
	"modellibmgr/internal/remote"
)

func (s *Server) handleRemoteStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active": s.broker.Active()})
}

func (s *Server) handleRemoteSessionEnable(w http.ResponseWriter, r *http.Request) {
	key, err := s.broker.EnableSession()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_key": key})
}

func (s *Server) handleRemoteSessionEnd(w http.ResponseWriter, r *http.Request) {
	s.broker.EndSession()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoteAgentRegister(w http.ResponseWriter, r *http.Request) {
	var info map[string]any
	if err := readJSON(r, &info); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.broker.RegisterAgent(info); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoteAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Heartbeat(); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoteTasksNext(w http.ResponseWriter, r *http.Request) {
	task, err := s.broker.NextTask(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRemoteTasksProgress(w http.ResponseWriter, r *http.Request) {
	var update remote.ProgressUpdate
	if err := readJSON(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.broker.Progress(update); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoteTasksList(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.broker.ListTasks()
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleRemoteTaskCancel cancels a queued or in-flight remote task. It is
// a UI-facing operation and sits outside the bearer-gated agent routes.
func (s *Server) handleRemoteTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.broker.CancelTask(id); err != nil {
		if errors.Is(err, remote.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type remoteEnqueueRequest struct {
	Type    remote.TaskType `json:"type"`
	Payload map[string]any  `json:"payload"`
	Items   []remote.Item   `json:"items"`
}

func (s *Server) handleRemoteTasksEnqueue(w http.ResponseWriter, r *http.Request) {
	var req remoteEnqueueRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		task *remote.RemoteTask
		err  error
	)
	if req.Type == remote.TaskTypeDownloadURLs {
		task, err = s.broker.EnqueueDownloadURLs(req.Items)
	} else {
		task, err = s.broker.EnqueueTask(req.Type, req.Payload)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleRemoteAssetsResolve(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	relpath := r.URL.Query().Get("relpath")
	list, err := s.resolver.Resolve(hash, relpath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, assetsResponse(hash, relpath, list))
}

func assetsResponse(hash, relpath string, list []assets.Asset) map[string]any {
	sources := make([]map[string]any, 0, len(list))
	for priority, a := range list {
		sources = append(sources, map[string]any{
			"url": a.URL, "type": string(a.Kind), "priority": priority,
		})
	}
	return map[string]any{"hash": hash, "relpath": relpath, "sources": sources}
}

func (s *Server) handleRemoteAssetsFile(w http.ResponseWriter, r *http.Request) {
	side, ok := parseSide(r.URL.Query().Get("side"))
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be local or lake")
		return
	}
	relpath := r.URL.Query().Get("relpath")
	s.streamer.ServeFile(w, r, side, relpath)
}
