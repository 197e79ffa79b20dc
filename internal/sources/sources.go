// Package sources implements the Source Registry (component C6): a
// key/URL mapping keyed by either a content hash or the synthetic key
// "relpath:<path>" for files not yet hashed, with the migration rule that
// moves a relpath-keyed mapping onto its file's hash once one is computed.
// The CRUD shape is grounded on the teacher's GORM repository style in
// internal/storage (simple Where/First/Save/Delete over one table, no
// separate repository interface layer).
package sources

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"modellibmgr/internal/storage"
)

const relpathKeyPrefix = "relpath:"

// ErrNotFound is returned when no SourceMapping matches a lookup key.
var ErrNotFound = errors.New("sources: mapping not found")

// Registry owns the source_urls table.
type Registry struct {
	store *storage.Store
}

// New constructs a Registry over store.
func New(store *storage.Store) *Registry {
	return &Registry{store: store}
}

// RelpathKey builds the synthetic key used for files not yet hashed.
func RelpathKey(relpath string) string { return relpathKeyPrefix + relpath }

// IsRelpathKey reports whether key is a relpath-keyed (not content-hash)
// mapping key.
func IsRelpathKey(key string) bool { return strings.HasPrefix(key, relpathKeyPrefix) }

// GetByHash looks up a mapping keyed by a content hash.
func (r *Registry) GetByHash(hash string) (*storage.SourceMapping, error) {
	return r.get(hash)
}

// GetByRelpath looks up a mapping keyed by relpath, if any.
func (r *Registry) GetByRelpath(relpath string) (*storage.SourceMapping, error) {
	return r.get(RelpathKey(relpath))
}

func (r *Registry) get(key string) (*storage.SourceMapping, error) {
	var row storage.SourceMapping
	err := r.store.DB.Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Put creates or replaces the mapping for key.
func (r *Registry) Put(key, url, notes, filenameHint, relpath string) (*storage.SourceMapping, error) {
	row := storage.SourceMapping{
		Key: key, URL: url, Notes: notes, FilenameHint: filenameHint,
		Relpath: relpath, AddedAt: time.Now(),
	}
	if existing, err := r.get(key); err == nil {
		row.ID = existing.ID
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := r.store.DB.Save(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Delete removes the mapping for key. Deleting a non-existent key is not
// an error.
func (r *Registry) Delete(key string) error {
	return r.store.DB.Delete(&storage.SourceMapping{}, "key = ?", key).Error
}

// MigrateRelpathToHash moves a relpath-keyed mapping onto the hash key,
// called when the Worker's hash_file task computes a hash for that relpath.
// When a mapping already exists at the hash key, the relpath-keyed mapping
// replaces it (last-write-wins). A missing relpath-keyed mapping is a no-op.
func (r *Registry) MigrateRelpathToHash(relpath, hash string) error {
	return r.store.DB.Transaction(func(tx *gorm.DB) error {
		var rp storage.SourceMapping
		err := tx.Where("key = ?", RelpathKey(relpath)).First(&rp).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.Delete(&storage.SourceMapping{}, "key = ?", hash).Error; err != nil {
			return err
		}
		if err := tx.Delete(&storage.SourceMapping{}, "id = ?", rp.ID).Error; err != nil {
			return err
		}

		rp.ID = 0
		rp.Key = hash
		return tx.Create(&rp).Error
	})
}
