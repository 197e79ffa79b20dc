// Package differ implements the pure set-compare between Local and Lake
// (component C5): for every relpath present on at least one side it
// classifies a status from the two FileRecord views. It is deliberately
// free of store access so the classification rule is unit-testable in
// isolation, grounded on the teacher's preference for small pure
// functions over its core integrity checks (internal/core/verifier.go).
package differ

import (
	"sort"
	"strings"

	"modellibmgr/internal/hasher"
	"modellibmgr/internal/storage"
)

// Status is a DiffEntry's classification.
type Status string

const (
	StatusOnlyLocal    Status = "only_local"
	StatusOnlyLake     Status = "only_lake"
	StatusSame         Status = "same"
	StatusConflict     Status = "conflict"
	StatusProbableSame Status = "probable_same"
)

// Entry is one relpath's comparison outcome across both sides.
type Entry struct {
	Relpath string
	Local   *storage.FileRecord
	Lake    *storage.FileRecord
	Status  Status
}

// Diff compares two sets of FileRecords (one per side, same Side value
// ignored — callers pass the already-filtered per-side slices) and emits
// one Entry per distinct relpath, per spec.md's status table.
func Diff(localFiles, lakeFiles []storage.FileRecord) []Entry {
	localByPath := make(map[string]*storage.FileRecord, len(localFiles))
	for i := range localFiles {
		localByPath[localFiles[i].Relpath] = &localFiles[i]
	}
	lakeByPath := make(map[string]*storage.FileRecord, len(lakeFiles))
	for i := range lakeFiles {
		lakeByPath[lakeFiles[i].Relpath] = &lakeFiles[i]
	}

	paths := make(map[string]bool, len(localByPath)+len(lakeByPath))
	for p := range localByPath {
		paths[p] = true
	}
	for p := range lakeByPath {
		paths[p] = true
	}

	entries := make([]Entry, 0, len(paths))
	for p := range paths {
		l := localByPath[p]
		k := lakeByPath[p]
		entries = append(entries, Entry{Relpath: p, Local: l, Lake: k, Status: classify(l, k)})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Relpath < entries[j].Relpath })
	return entries
}

func classify(local, lake *storage.FileRecord) Status {
	if local == nil {
		return StatusOnlyLake
	}
	if lake == nil {
		return StatusOnlyLocal
	}

	if local.Hash != "" && lake.Hash != "" {
		if local.Hash == lake.Hash {
			return StatusSame
		}
		return StatusConflict
	}

	if local.Size == lake.Size {
		return StatusProbableSame
	}
	return StatusConflict
}

// FilterByFolder keeps only entries whose relpath lies directly under or
// below folder (empty folder matches everything).
func FilterByFolder(entries []Entry, folder string) []Entry {
	if folder == "" {
		return entries
	}
	prefix := strings.TrimSuffix(folder, "/") + "/"
	out := entries[:0:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Relpath, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// FilterByQuery keeps entries whose relpath contains query, case-insensitive.
func FilterByQuery(entries []Entry, query string) []Entry {
	if query == "" {
		return entries
	}
	q := strings.ToLower(query)
	out := entries[:0:0]
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Relpath), q) {
			out = append(out, e)
		}
	}
	return out
}

// IsFastHash reports whether a FileRecord's hash is a partial fast: digest,
// re-exported here so httpapi handlers presenting DiffEntry hashes don't
// need to import hasher directly just for this predicate.
func IsFastHash(hash string) bool { return hasher.IsFast(hash) }
