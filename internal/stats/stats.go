// Package stats computes per-side index summaries and disk usage for the
// GET /api/index/stats surface, grounded on the teacher's
// internal/analytics.StatsManager (SQL aggregate queries over the store,
// plus gopsutil disk usage for the managed root).
package stats

import (
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"modellibmgr/internal/storage"
)

// SideStats summarizes one side's indexed file set.
type SideStats struct {
	Side         storage.Side `json:"side"`
	FileCount    int64        `json:"file_count"`
	TotalBytes   int64        `json:"total_bytes"`
	TotalHuman   string       `json:"total_human"`
	HashedCount  int64        `json:"hashed_count"`
}

// DiskUsage reports free/used/total space for the filesystem backing a
// managed root.
type DiskUsage struct {
	UsedBytes   uint64  `json:"used_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedHuman   string  `json:"used_human"`
	FreeHuman   string  `json:"free_human"`
	TotalHuman  string  `json:"total_human"`
	Percent     float64 `json:"percent"`
}

// Summary is the full GET /api/index/stats response body.
type Summary struct {
	Local     SideStats  `json:"local"`
	Lake      SideStats  `json:"lake"`
	LocalDisk *DiskUsage `json:"local_disk,omitempty"`
	LakeDisk  *DiskUsage `json:"lake_disk,omitempty"`
}

// Collector computes Summary over the embedded store.
type Collector struct {
	store *storage.Store
	roots map[storage.Side]string
}

// New constructs a Collector. roots maps a side to its filesystem root,
// used for the disk usage half of a summary.
func New(store *storage.Store, roots map[storage.Side]string) *Collector {
	return &Collector{store: store, roots: roots}
}

func (c *Collector) sideStats(side storage.Side) (SideStats, error) {
	s := SideStats{Side: side}
	if err := c.store.DB.Model(&storage.FileRecord{}).
		Where("side = ?", side).Count(&s.FileCount).Error; err != nil {
		return s, err
	}
	var totalBytes *int64
	if err := c.store.DB.Model(&storage.FileRecord{}).
		Where("side = ?", side).Select("COALESCE(SUM(size), 0)").Scan(&totalBytes).Error; err != nil {
		return s, err
	}
	if totalBytes != nil {
		s.TotalBytes = *totalBytes
	}
	s.TotalHuman = humanize.Bytes(uint64(s.TotalBytes))
	if err := c.store.DB.Model(&storage.FileRecord{}).
		Where("side = ? AND hash != ''", side).Count(&s.HashedCount).Error; err != nil {
		return s, err
	}
	return s, nil
}

func diskUsage(root string) *DiskUsage {
	if root == "" {
		return nil
	}
	u, err := disk.Usage(root)
	if err != nil {
		return nil
	}
	return &DiskUsage{
		UsedBytes: u.Used, FreeBytes: u.Free, TotalBytes: u.Total, Percent: u.UsedPercent,
		UsedHuman: humanize.Bytes(u.Used), FreeHuman: humanize.Bytes(u.Free), TotalHuman: humanize.Bytes(u.Total),
	}
}

// Collect computes the full two-sided Summary.
func (c *Collector) Collect() (Summary, error) {
	var sum Summary
	local, err := c.sideStats(storage.SideLocal)
	if err != nil {
		return sum, err
	}
	lake, err := c.sideStats(storage.SideLake)
	if err != nil {
		return sum, err
	}
	sum.Local = local
	sum.Lake = lake
	sum.LocalDisk = diskUsage(c.roots[storage.SideLocal])
	sum.LakeDisk = diskUsage(c.roots[storage.SideLake])
	return sum, nil
}
