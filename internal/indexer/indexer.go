// Package indexer implements the recursive filesystem scanner (component
// C4): it walks one side's root, captures (relpath, size, mtime_ns) for
// every regular file, and atomically replaces that side's file_index rows
// while preserving cached hashes whose (relpath, size, mtime_ns) triple is
// unchanged. The transactional replace-in-place shape is grounded on the
// teacher's db.go AutoMigrate/transaction idioms (internal/storage); the
// bounded concurrent-stat pattern uses golang.org/x/sync/errgroup the way
// tonimelisma-onedrive-go's walker does.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"modellibmgr/internal/pathsafe"
	"modellibmgr/internal/storage"
)

// ScanResult summarizes one Scan call.
type ScanResult struct {
	Side        storage.Side
	FilesSeen   int
	Added       int
	Removed     int
	Unchanged   int
	Skipped     int
	HashesKept  int
}

// Indexer walks a side's root and rebuilds its FileRecord set.
type Indexer struct {
	store      *storage.Store
	log        *slog.Logger
	statWorkers int
}

// New constructs an Indexer. statWorkers bounds the concurrency used to
// os.Stat discovered entries; it defaults to 4 when non-positive.
func New(store *storage.Store, log *slog.Logger, statWorkers int) *Indexer {
	if statWorkers < 1 {
		statWorkers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{store: store, log: log, statWorkers: statWorkers}
}

type discovered struct {
	relpath string
	size    int64
	mtimeNs int64
}

// Scan walks root recursively and replaces side's FileRecord set to match
// what is on disk, preserving hash/hash_computed_at for files whose
// (relpath, size, mtime_ns) triple did not change since the last scan.
func (ix *Indexer) Scan(ctx context.Context, side storage.Side, root string) (ScanResult, error) {
	result := ScanResult{Side: side}

	paths := make([]string, 0, 1024)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			ix.log.Warn("indexer: walk error, skipping", "path", path, "error", err)
			result.Skipped++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("indexer: walk %s: %w", root, err)
	}

	found := make([]discovered, 0, len(paths))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.statWorkers)

	for _, p := range paths {
		p := p
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			info, statErr := os.Stat(p)
			if statErr != nil {
				ix.log.Warn("indexer: stat failed, skipping", "path", p, "error", statErr)
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return nil
			}
			rel, relErr := filepath.Rel(root, p)
			if relErr != nil {
				ix.log.Warn("indexer: relpath failed, skipping", "path", p, "error", relErr)
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return nil
			}
			norm, normErr := pathsafe.Normalize(rel)
			if normErr != nil {
				ix.log.Warn("indexer: rejecting unsafe relpath", "path", p, "error", normErr)
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return nil
			}
			entry := discovered{relpath: norm, size: info.Size(), mtimeNs: info.ModTime().UnixNano()}
			mu.Lock()
			found = append(found, entry)
			result.FilesSeen++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("indexer: scan cancelled: %w", err)
	}

	if err := ix.replace(side, found, &result); err != nil {
		return result, err
	}
	return result, nil
}

// replace swaps in the freshly-discovered set for side inside one
// transaction, preserving hashes for unchanged (relpath, size, mtime_ns)
// triples. New rows are inserted, stale rows deleted, unchanged rows left
// untouched to preserve their hash.
func (ix *Indexer) replace(side storage.Side, found []discovered, result *ScanResult) error {
	return ix.store.DB.Transaction(func(tx *gorm.DB) error {
		var existing []storage.FileRecord
		if err := tx.Where("side = ?", side).Find(&existing).Error; err != nil {
			return fmt.Errorf("indexer: load existing: %w", err)
		}
		byRelpath := make(map[string]storage.FileRecord, len(existing))
		for _, rec := range existing {
			byRelpath[rec.Relpath] = rec
		}

		seen := make(map[string]bool, len(found))
		for _, d := range found {
			seen[d.relpath] = true
			prior, existed := byRelpath[d.relpath]
			if existed && prior.Size == d.size && prior.MtimeNs == d.mtimeNs {
				result.Unchanged++
				result.HashesKept++
				continue
			}
			if existed {
				if err := tx.Model(&storage.FileRecord{}).Where("id = ?", prior.ID).
					Updates(map[string]any{
						"size": d.size, "mtime_ns": d.mtimeNs,
						"hash": nil, "hash_computed_at": nil,
					}).Error; err != nil {
					return fmt.Errorf("indexer: update %s: %w", d.relpath, err)
				}
				continue
			}
			rec := storage.FileRecord{
				Side: side, Relpath: d.relpath, Size: d.size, MtimeNs: d.mtimeNs,
				IndexedAt: time.Now(),
			}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("indexer: insert %s: %w", d.relpath, err)
			}
			result.Added++
		}

		for relpath, prior := range byRelpath {
			if seen[relpath] {
				continue
			}
			if err := tx.Delete(&storage.FileRecord{}, "id = ?", prior.ID).Error; err != nil {
				return fmt.Errorf("indexer: delete stale %s: %w", relpath, err)
			}
			result.Removed++
		}
		return nil
	})
}

// Folders lists the immediate subfolders of parent for side, derived by
// splitting indexed relpaths on "/".
func (ix *Indexer) Folders(side storage.Side, parent string) ([]string, error) {
	var relpaths []string
	q := ix.store.DB.Model(&storage.FileRecord{}).Where("side = ?", side)
	if parent != "" {
		q = q.Where("relpath LIKE ?", parent+"/%")
	}
	if err := q.Pluck("relpath", &relpaths).Error; err != nil {
		return nil, fmt.Errorf("indexer: folders query: %w", err)
	}

	seen := map[string]bool{}
	var out []string
	for _, rp := range relpaths {
		rest := strings.TrimPrefix(rp, parent)
		rest = strings.TrimPrefix(rest, "/")
		idx := strings.Index(rest, "/")
		if idx < 0 {
			continue
		}
		child := rest[:idx]
		if child == "" || seen[child] {
			continue
		}
		seen[child] = true
		out = append(out, child)
	}
	return out, nil
}

// Search performs a case-insensitive substring match over side's relpaths.
func (ix *Indexer) Search(side storage.Side, query string) ([]storage.FileRecord, error) {
	var recs []storage.FileRecord
	err := ix.store.DB.Where("side = ? AND LOWER(relpath) LIKE ?", side, "%"+strings.ToLower(query)+"%").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("indexer: search: %w", err)
	}
	return recs, nil
}
