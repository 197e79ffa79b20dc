// Command modelmgrd is the headless daemon: it loads configuration, wires
// every component, and serves the HTTP surface until interrupted. The
// construct-everything-then-wait-for-signals shape is grounded on the
// teacher's main.go and internal/core/lifecycle.go, generalized from a
// Wails GUI callback to an http.Server Shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"modellibmgr/internal/admission"
	"modellibmgr/internal/assets"
	"modellibmgr/internal/bus"
	"modellibmgr/internal/config"
	"modellibmgr/internal/dedupe"
	"modellibmgr/internal/downloader"
	"modellibmgr/internal/hasher"
	"modellibmgr/internal/httpapi"
	"modellibmgr/internal/indexer"
	"modellibmgr/internal/logger"
	"modellibmgr/internal/queue"
	"modellibmgr/internal/remote"
	"modellibmgr/internal/security"
	"modellibmgr/internal/sources"
	"modellibmgr/internal/stats"
	"modellibmgr/internal/storage"
	"modellibmgr/internal/streamer"
	"modellibmgr/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "modelmgrd.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modelmgrd: %v\n", err)
		return 1
	}

	appDataDir := cfg.AppDataDir
	if appDataDir == "" {
		dir, dirErr := os.UserConfigDir()
		if dirErr != nil {
			dir = "."
		}
		appDataDir = filepath.Join(dir, "modellibmgr")
	}

	log, busHandler, err := logger.New(appDataDir, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "modelmgrd: %v\n", err)
		return 1
	}

	dbPath := cfg.DatabaseFile
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(appDataDir, dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Error("modelmgrd: create database directory failed", "error", err)
		return 1
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		log.Error("modelmgrd: open store failed", "error", err)
		return 1
	}
	defer store.Close()

	b := bus.New(log)
	busHandler.SetSink(b)

	roots := worker.StaticRoots{
		storage.SideLocal: cfg.LocalModelsRoot,
		storage.SideLake:  cfg.LakeModelsRoot,
	}
	rootMap := map[storage.Side]string(roots)

	h := hasher.New(store, cfg.HashWorkers)
	ix := indexer.New(store, log, cfg.HashWorkers)
	srcs := sources.New(store)
	q := queue.New(store)
	dd := dedupe.New(store, roots)
	w := worker.New(store, q, h, srcs, b, roots, log)

	apiKeys := map[storage.Provider]string{
		storage.ProviderCivitai:     cfg.CivitaiAPIKey,
		storage.ProviderHuggingFace: cfg.HuggingFaceAPIKey,
	}
	dl := downloader.New(store, b, srcs, q, rootMap, log, downloader.Config{
		MaxConcurrent:   cfg.DownloaderMaxConcurrent,
		StallTimeout:    cfg.StallTimeout(),
		ConnectTimeout:  cfg.ConnectTimeout(),
		BandwidthPerSec: cfg.BandwidthLimitBytesPerSec,
		APIKeys:         apiKeys,
	})

	broker := remote.New(cfg.RemoteSessionTTL())
	resolver := assets.New(store, srcs, cfg.RemoteBaseURL)
	strm := streamer.New(roots)
	st := stats.New(store, rootMap)
	settings := config.NewSettingsManager(store, cfg)
	admit := admission.New(remoteHost(cfg.RemoteBaseURL))
	audit := security.NewAuditLogger(log, b)
	defer audit.Close()

	if err := q.ResetOrphans(); err != nil {
		log.Error("modelmgrd: reset orphaned queue tasks failed", "error", err)
	}
	if err := dl.ResetOrphans(); err != nil {
		log.Error("modelmgrd: reset orphaned download jobs failed", "error", err)
	}

	srv := httpapi.New(httpapi.Deps{
		Store: store, Bus: b, Indexer: ix, Sources: srcs, Queue: q, Dedupe: dd,
		Downloads: dl, Broker: broker, Resolver: resolver, Streamer: strm,
		Stats: st, Admission: admit, Audit: audit, Settings: settings, Roots: roots, Log: log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)
	go dl.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: srv,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("modelmgrd: listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info("modelmgrd: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("modelmgrd: http server failed", "error", err)
			cancel()
			return 1
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("modelmgrd: graceful shutdown failed", "error", err)
		return 1
	}

	log.Info("modelmgrd: stopped cleanly")
	return 0
}

// remoteHost extracts the bare host admission.Filter compares Host
// headers against from the configured remote base URL, leaving the
// filter inert (empty remote host never matches) when none is configured.
func remoteHost(remoteBaseURL string) string {
	if remoteBaseURL == "" {
		return ""
	}
	u, err := url.Parse(remoteBaseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
