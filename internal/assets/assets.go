// Package assets implements the Asset Resolver (component C12): given a
// hash and/or relpath, produce the ordered candidate source list an
// external agent can fetch from, and for named bundles of relpaths,
// split fetch sources between public URLs and local streams to reduce
// egress. Pure lookup logic grounded on the teacher's direct GORM query
// style (internal/storage) rather than any download-routing concept the
// teacher itself has.
package assets

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"gorm.io/gorm"

	"modellibmgr/internal/sources"
	"modellibmgr/internal/storage"
)

// Kind classifies an Asset's origin.
type Kind string

const (
	KindWeb   Kind = "web"
	KindLocal Kind = "local"
	KindLake  Kind = "lake"
)

// Asset is one fetchable candidate source for a file.
type Asset struct {
	Kind Kind
	URL  string
	Size int64
}

// BundleMember identifies one (side, relpath) entry of a Bundle.
type BundleMember struct {
	Side    storage.Side
	Relpath string
}

// Resolver produces candidate asset lists from the Source Registry and
// the file index.
type Resolver struct {
	store         *storage.Store
	srcs          *sources.Registry
	remoteBaseURL string
}

// New constructs a Resolver. remoteBaseURL is prefixed onto local/lake
// stream URLs exactly as spec.md §4.11 names them.
func New(store *storage.Store, srcs *sources.Registry, remoteBaseURL string) *Resolver {
	return &Resolver{store: store, srcs: srcs, remoteBaseURL: remoteBaseURL}
}

// Resolve returns, in priority order: a hash-keyed SourceMapping, a
// relpath-keyed SourceMapping, a Local stream (if Local has the file),
// and a Lake stream (if Lake has it). Any subset may be empty.
func (r *Resolver) Resolve(hash, relpath string) ([]Asset, error) {
	var out []Asset

	if hash != "" {
		if m, err := r.srcs.GetByHash(hash); err == nil {
			out = append(out, Asset{Kind: KindWeb, URL: m.URL})
		} else if !errors.Is(err, sources.ErrNotFound) {
			return nil, fmt.Errorf("assets: lookup by hash: %w", err)
		}
	}

	if relpath != "" {
		if m, err := r.srcs.GetByRelpath(relpath); err == nil {
			out = append(out, Asset{Kind: KindWeb, URL: m.URL})
		} else if !errors.Is(err, sources.ErrNotFound) {
			return nil, fmt.Errorf("assets: lookup by relpath: %w", err)
		}

		for _, side := range []struct {
			s storage.Side
			k Kind
		}{{storage.SideLocal, KindLocal}, {storage.SideLake, KindLake}} {
			rec, ok, err := r.lookupFile(side.s, relpath)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, Asset{Kind: side.k, URL: r.streamURL(side.s, relpath), Size: rec.Size})
			}
		}
	}

	return out, nil
}

func (r *Resolver) lookupFile(side storage.Side, relpath string) (storage.FileRecord, bool, error) {
	var rec storage.FileRecord
	err := r.store.DB.Where("side = ? AND relpath = ?", side, relpath).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.FileRecord{}, false, nil
	}
	if err != nil {
		return storage.FileRecord{}, false, fmt.Errorf("assets: lookup file record: %w", err)
	}
	return rec, true, nil
}

func (r *Resolver) streamURL(side storage.Side, relpath string) string {
	return fmt.Sprintf("%s/api/remote/assets/file?side=%s&relpath=%s", r.remoteBaseURL, side, url.QueryEscape(relpath))
}

// CreateBundle persists a named collection of (side, relpath) members.
func (r *Resolver) CreateBundle(name string, members []BundleMember) (*storage.Bundle, error) {
	bundle := storage.Bundle{Name: name, CreatedAt: time.Now()}
	err := r.store.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&bundle).Error; err != nil {
			return err
		}
		for _, m := range members {
			row := storage.BundleAsset{BundleID: bundle.ID, Side: m.Side, Relpath: m.Relpath}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assets: create bundle: %w", err)
	}
	return &bundle, nil
}

type bundleItem struct {
	size   int64
	web    *Asset
	stream *Asset
}

// ResolveBundle unions every member's assets and, for members that have
// both a public URL and a local/lake stream, splits the set roughly in
// half by ascending size: the smaller half keeps only its stream
// candidate, the larger half keeps only its web candidate.
func (r *Resolver) ResolveBundle(name string) ([]Asset, error) {
	var bundle storage.Bundle
	if err := r.store.DB.Where("name = ?", name).First(&bundle).Error; err != nil {
		return nil, fmt.Errorf("assets: load bundle: %w", err)
	}
	var members []storage.BundleAsset
	if err := r.store.DB.Where("bundle_id = ?", bundle.ID).Find(&members).Error; err != nil {
		return nil, fmt.Errorf("assets: load bundle members: %w", err)
	}

	items := make([]*bundleItem, 0, len(members))
	for _, mem := range members {
		rec, ok, err := r.lookupFile(mem.Side, mem.Relpath)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		it := &bundleItem{size: rec.Size}
		if rec.Hash != "" {
			if m, err := r.srcs.GetByHash(rec.Hash); err == nil {
				it.web = &Asset{Kind: KindWeb, URL: m.URL, Size: rec.Size}
			}
		}
		if it.web == nil {
			if m, err := r.srcs.GetByRelpath(mem.Relpath); err == nil {
				it.web = &Asset{Kind: KindWeb, URL: m.URL, Size: rec.Size}
			}
		}
		kind := KindLocal
		if mem.Side == storage.SideLake {
			kind = KindLake
		}
		it.stream = &Asset{Kind: kind, URL: r.streamURL(mem.Side, mem.Relpath), Size: rec.Size}
		items = append(items, it)
	}

	splitEligible := make([]*bundleItem, 0, len(items))
	for _, it := range items {
		if it.web != nil && it.stream != nil {
			splitEligible = append(splitEligible, it)
		}
	}
	sort.Slice(splitEligible, func(i, j int) bool { return splitEligible[i].size < splitEligible[j].size })
	half := len(splitEligible) / 2
	for i, it := range splitEligible {
		if i < half {
			it.web = nil
		} else {
			it.stream = nil
		}
	}

	out := make([]Asset, 0, len(items)*2)
	for _, it := range items {
		if it.web != nil {
			out = append(out, *it.web)
		}
		if it.stream != nil {
			out = append(out, *it.stream)
		}
	}
	return out, nil
}
