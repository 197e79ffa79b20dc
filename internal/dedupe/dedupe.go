// Package dedupe implements dedupe group execution (component C9): given
// a scan_id and a kept-relpath selection per group, it deletes every
// other member from disk and the index, bypassing the side's delete
// policy entirely — the only queue-driven action that does. Grounded on
// the teacher's direct, no-framework GORM delete calls throughout
// internal/storage.
package dedupe

import (
	"fmt"
	"os"
	"path/filepath"

	"modellibmgr/internal/storage"
	"modellibmgr/internal/worker"
)

// Result summarizes one Execute call.
type Result struct {
	Deleted    int
	FreedBytes int64
	Errors     []string
}

// Executor deletes non-kept duplicate members.
type Executor struct {
	store *storage.Store
	roots worker.Roots
}

// New constructs an Executor over store, resolving side roots via roots.
func New(store *storage.Store, roots worker.Roots) *Executor {
	return &Executor{store: store, roots: roots}
}

// Execute deletes every file in any group of scanID whose relpath is not
// the selection's kept relpath for that group.
func (e *Executor) Execute(scanID string, selections map[string]string) (Result, error) {
	var result Result

	var scan storage.DedupeScan
	if err := e.store.DB.Where("scan_id = ?", scanID).First(&scan).Error; err != nil {
		return result, fmt.Errorf("dedupe: load scan: %w", err)
	}

	var groups []storage.DuplicateGroup
	if err := e.store.DB.Where("scan_id = ?", scanID).Find(&groups).Error; err != nil {
		return result, fmt.Errorf("dedupe: load groups: %w", err)
	}

	for _, group := range groups {
		kept, hasSelection := selections[group.GroupID]

		var members []storage.DuplicateFile
		if err := e.store.DB.Where("group_id = ?", group.GroupID).Find(&members).Error; err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if !hasSelection {
			for _, m := range members {
				if m.Keep {
					kept = m.Relpath
					hasSelection = true
					break
				}
			}
		}
		if !hasSelection {
			continue
		}

		for _, m := range members {
			if m.Relpath == kept {
				continue
			}
			path := filepath.Join(e.roots.Root(scan.Side), filepath.FromSlash(m.Relpath))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", m.Relpath, err))
				continue
			}
			result.Deleted++
			result.FreedBytes += group.Size

			if err := e.store.DB.Delete(&storage.FileRecord{}, "side = ? AND relpath = ?", scan.Side, m.Relpath).Error; err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: index cleanup: %v", m.Relpath, err))
			}
			if err := e.store.DB.Delete(&storage.DuplicateFile{}, "id = ?", m.ID).Error; err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: group cleanup: %v", m.Relpath, err))
			}
		}
	}

	return result, nil
}
