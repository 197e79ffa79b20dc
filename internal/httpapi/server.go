// Package httpapi is the HTTP surface (spec.md §6): a chi.Mux wiring the
// Store/Indexer/Differ/Source Registry/Queue/Worker/Dedupe/Downloader/
// Remote Broker/Asset Resolver/Range Streamer components together,
// grounded on the teacher's ControlServer (internal/api/server.go)
// middleware-chain-and-handler-method shape.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"modellibmgr/internal/admission"
	"modellibmgr/internal/assets"
	"modellibmgr/internal/config"
	"modellibmgr/internal/dedupe"
	"modellibmgr/internal/downloader"
	"modellibmgr/internal/indexer"
	"modellibmgr/internal/queue"
	"modellibmgr/internal/remote"
	"modellibmgr/internal/security"
	"modellibmgr/internal/sources"
	"modellibmgr/internal/stats"
	"modellibmgr/internal/storage"
	"modellibmgr/internal/streamer"
	"modellibmgr/internal/worker"
	"modellibmgr/internal/bus"
)

// Server wires every component into one chi.Mux.
type Server struct {
	store    *storage.Store
	bus      *bus.Bus
	ix       *indexer.Indexer
	srcs     *sources.Registry
	q        *queue.Queue
	dd       *dedupe.Executor
	dl       *downloader.Manager
	broker   *remote.Broker
	resolver *assets.Resolver
	streamer *streamer.Streamer
	stats    *stats.Collector
	admit    *admission.Filter
	audit    *security.AuditLogger
	settings *config.SettingsManager
	roots    worker.StaticRoots
	log      *slog.Logger

	router *chi.Mux
}

// Deps groups every constructed component Server needs; it exists so
// New's signature stays readable as the component count grows.
type Deps struct {
	Store     *storage.Store
	Bus       *bus.Bus
	Indexer   *indexer.Indexer
	Sources   *sources.Registry
	Queue     *queue.Queue
	Dedupe    *dedupe.Executor
	Downloads *downloader.Manager
	Broker    *remote.Broker
	Resolver  *assets.Resolver
	Streamer  *streamer.Streamer
	Stats     *stats.Collector
	Admission *admission.Filter
	Audit     *security.AuditLogger
	Settings  *config.SettingsManager
	Roots     worker.StaticRoots
	Log       *slog.Logger
}

// New constructs a Server and wires its full route table.
func New(d Deps) *Server {
	s := &Server{
		store: d.Store, bus: d.Bus, ix: d.Indexer, srcs: d.Sources, q: d.Queue,
		dd: d.Dedupe, dl: d.Downloads, broker: d.Broker, resolver: d.Resolver,
		streamer: d.Streamer, stats: d.Stats, admit: d.Admission, audit: d.Audit,
		settings: d.Settings, roots: d.Roots, log: d.Log,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP lets Server itself be handed to http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.auditMiddleware)
	s.router.Use(s.admit.Middleware)

	s.router.Get("/ws", s.bus.ServeWS)

	s.router.Route("/api/index", func(r chi.Router) {
		r.Post("/refresh", s.handleIndexRefresh)
		r.Get("/files", s.handleIndexFiles)
		r.Get("/folders", s.handleIndexFolders)
		r.Get("/diff", s.handleIndexDiff)
		r.Get("/stats", s.handleIndexStats)
		r.Post("/verify", s.handleIndexVerify)
		r.Get("/sources/{hash}", s.handleSourceGetByHash)
		r.Put("/sources/{hash}", s.handleSourcePutByHash)
		r.Delete("/sources/{hash}", s.handleSourceDelete)
		r.Get("/sources/by-relpath/{relpath}", s.handleSourceGetByRelpath)
		r.Put("/sources/by-relpath/{relpath}", s.handleSourcePutByRelpath)
		r.Delete("/sources/by-relpath/{relpath}", s.handleSourceDeleteByRelpath)
	})

	s.router.Route("/api/queue", func(r chi.Router) {
		r.Post("/copy", s.handleQueueCopy)
		r.Post("/move", s.handleQueueMove)
		r.Post("/delete", s.handleQueueDelete)
		r.Get("/", s.handleQueueList)
		r.Post("/pause", s.handleQueuePause)
		r.Post("/resume", s.handleQueueResume)
		r.Post("/cancel/{id}", s.handleQueueCancel)
		r.Delete("/{id}", s.handleQueueRemove)
		r.Post("/mirror/plan", s.handleMirrorPlan)
		r.Post("/mirror/execute", s.handleMirrorExecute)
	})

	s.router.Route("/api/dedupe", func(r chi.Router) {
		r.Post("/scan", s.handleDedupeScan)
		r.Get("/results/{scan_id}", s.handleDedupeResults)
		r.Post("/execute", s.handleDedupeExecute)
	})

	s.router.Route("/api/downloader", func(r chi.Router) {
		r.Post("/jobs", s.handleDownloaderCreate)
		r.Post("/jobs/{id}/start", s.handleDownloaderStart)
		r.Post("/jobs/{id}/cancel", s.handleDownloaderCancel)
		r.Post("/cancel-all", s.handleDownloaderCancelAll)
		r.Get("/jobs", s.handleDownloaderList)
	})

	s.router.Route("/api/remote", func(r chi.Router) {
		r.Get("/status", s.handleRemoteStatus)
		r.Post("/session/enable", s.handleRemoteSessionEnable)
		r.Post("/session/end", s.handleRemoteSessionEnd)

		// UI-facing: driven by the local loopback UI, not the remote
		// agent, so no bearer is required.
		r.Get("/tasks", s.handleRemoteTasksList)
		r.Post("/tasks/enqueue", s.handleRemoteTasksEnqueue)
		r.Post("/tasks/{id}/cancel", s.handleRemoteTaskCancel)

		r.Group(func(r chi.Router) {
			r.Use(s.remoteAuthMiddleware)
			r.Post("/agent/register", s.handleRemoteAgentRegister)
			r.Post("/agent/heartbeat", s.handleRemoteAgentHeartbeat)
			r.Get("/tasks/next", s.handleRemoteTasksNext)
			r.Post("/tasks/progress", s.handleRemoteTasksProgress)
			r.Post("/assets/resolve", s.handleRemoteAssetsResolve)
			r.Get("/assets/file", s.handleRemoteAssetsFile)
		})
	})
}

// auditMiddleware logs every request's outcome via the recorded status
// code, mirroring the teacher's per-request audit call in
// securityMiddleware but decoupled from the auth decision itself.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.audit != nil {
			action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
			s.audit.Log(r.RemoteAddr, r.UserAgent(), action, rec.status, "")
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// remoteAuthMiddleware enforces bearer-token auth on the agent-facing
// Remote Broker endpoints, per spec.md §6 "Authentication".
func (s *Server) remoteAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if key == "" || !s.broker.ValidateKey(key) {
			writeError(w, http.StatusUnauthorized, "invalid or expired session key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
