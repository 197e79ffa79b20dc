package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"modellibmgr/internal/differ"
	"modellibmgr/internal/sources"
	"modellibmgr/internal/storage"
)

func parseSide(raw string) (storage.Side, bool) {
	switch storage.Side(raw) {
	case storage.SideLocal, storage.SideLake:
		return storage.Side(raw), true
	default:
		return "", false
	}
}

type refreshRequest struct {
	Side string `json:"side"` // "local", "lake", or "both"
}

type refreshResult struct {
	Side      storage.Side `json:"side"`
	FilesSeen int          `json:"files_seen"`
	Added     int          `json:"added"`
	Removed   int          `json:"removed"`
	Unchanged int          `json:"unchanged"`
}

func (s *Server) handleIndexRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var sides []storage.Side
	switch req.Side {
	case "local":
		sides = []storage.Side{storage.SideLocal}
	case "lake":
		sides = []storage.Side{storage.SideLake}
	case "both", "":
		sides = []storage.Side{storage.SideLocal, storage.SideLake}
	default:
		writeError(w, http.StatusBadRequest, "side must be local, lake or both")
		return
	}

	results := make([]refreshResult, 0, len(sides))
	for _, side := range sides {
		root := s.roots.Root(side)
		if root == "" {
			writeError(w, http.StatusBadRequest, "unknown side: "+string(side))
			return
		}
		res, err := s.ix.Scan(r.Context(), side, root)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		results = append(results, refreshResult{
			Side: side, FilesSeen: res.FilesSeen, Added: res.Added,
			Removed: res.Removed, Unchanged: res.Unchanged,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleIndexFiles(w http.ResponseWriter, r *http.Request) {
	side, ok := parseSide(r.URL.Query().Get("side"))
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be local or lake")
		return
	}
	query := r.URL.Query().Get("query")
	folder := r.URL.Query().Get("folder")

	files, err := s.ix.Search(side, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if folder != "" {
		prefix := strings.TrimSuffix(folder, "/") + "/"
		filtered := files[:0:0]
		for _, f := range files {
			if strings.HasPrefix(f.Relpath, prefix) {
				filtered = append(filtered, f)
			}
		}
		files = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleIndexFolders(w http.ResponseWriter, r *http.Request) {
	side, ok := parseSide(r.URL.Query().Get("side"))
	if !ok {
		writeError(w, http.StatusBadRequest, "side must be local or lake")
		return
	}
	folders, err := s.ix.Folders(side, r.URL.Query().Get("parent"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

func (s *Server) handleIndexDiff(w http.ResponseWriter, r *http.Request) {
	localFiles, err := s.ix.Search(storage.SideLocal, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lakeFiles, err := s.ix.Search(storage.SideLake, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entries := differ.Diff(localFiles, lakeFiles)
	if folder := r.URL.Query().Get("folder"); folder != "" {
		entries = differ.FilterByFolder(entries, folder)
	}
	if query := r.URL.Query().Get("query"); query != "" {
		entries = differ.FilterByQuery(entries, query)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.stats.Collect()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type verifyRequest struct {
	Relpath string `json:"relpath"`
	Folder  string `json:"folder"`
}

func (s *Server) handleIndexVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target := req.Relpath
	if target == "" {
		target = req.Folder
	}
	task, err := s.q.EnqueueVerify(target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleSourceGetByHash(w http.ResponseWriter, r *http.Request) {
	m, err := s.srcs.GetByHash(chi.URLParam(r, "hash"))
	s.respondMapping(w, m, err)
}

func (s *Server) handleSourceGetByRelpath(w http.ResponseWriter, r *http.Request) {
	m, err := s.srcs.GetByRelpath(chi.URLParam(r, "relpath"))
	s.respondMapping(w, m, err)
}

func (s *Server) respondMapping(w http.ResponseWriter, m *storage.SourceMapping, err error) {
	if err == sources.ErrNotFound {
		writeError(w, http.StatusNotFound, "source mapping not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type sourcePutRequest struct {
	URL          string `json:"url"`
	Notes        string `json:"notes"`
	FilenameHint string `json:"filename_hint"`
	Relpath      string `json:"relpath"`
}

func (s *Server) handleSourcePutByHash(w http.ResponseWriter, r *http.Request) {
	var req sourcePutRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := s.srcs.Put(chi.URLParam(r, "hash"), req.URL, req.Notes, req.FilenameHint, req.Relpath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSourcePutByRelpath(w http.ResponseWriter, r *http.Request) {
	var req sourcePutRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	relpath := chi.URLParam(r, "relpath")
	m, err := s.srcs.Put(sources.RelpathKey(relpath), req.URL, req.Notes, req.FilenameHint, relpath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleSourceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.srcs.Delete(chi.URLParam(r, "hash")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSourceDeleteByRelpath(w http.ResponseWriter, r *http.Request) {
	relpath := chi.URLParam(r, "relpath")
	if err := s.srcs.Delete(sources.RelpathKey(relpath)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
