// Package storage is the embedded relational store (component C1): an
// idempotent schema, a forward-compatible migration probe, and WAL-mode
// durability over a single SQLite file, grounded on the teacher's
// gorm.io/gorm + github.com/glebarez/sqlite pairing (internal/storage in
// kmkrofficial-project-tachyon).
package storage

import "time"

// Side identifies one of the two managed filesystem roots.
type Side string

const (
	SideLocal Side = "local"
	SideLake  Side = "lake"
)

// FileRecord is the indexed identity of a file under one side.
// See spec.md §3.
type FileRecord struct {
	ID             uint   `gorm:"primaryKey"`
	Side           Side   `gorm:"uniqueIndex:idx_file_side_relpath;not null"`
	Relpath        string `gorm:"uniqueIndex:idx_file_side_relpath;not null"`
	Size           int64  `gorm:"not null"`
	MtimeNs        int64  `gorm:"not null"`
	Hash           string
	HashComputedAt *time.Time
	IndexedAt      time.Time `gorm:"not null"`
}

func (FileRecord) TableName() string { return "file_index" }

// TaskType enumerates QueueTask.type.
type TaskType string

const (
	TaskCopy        TaskType = "copy"
	TaskMove        TaskType = "move"
	TaskDelete      TaskType = "delete"
	TaskVerify      TaskType = "verify"
	TaskDedupeScan  TaskType = "dedupe_scan"
	TaskHashFile    TaskType = "hash_file"
)

// TaskStatus enumerates QueueTask.status. DownloadJob.status uses the same
// values: a job waiting to run is `pending`; there is no separate `queued`
// value.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// QueueTask is a unit of filesystem/verification work executed by the
// Worker. See spec.md §3 / §4.6 / §4.7.
type QueueTask struct {
	ID              uint       `gorm:"primaryKey"`
	Type            TaskType   `gorm:"not null;index"`
	Status          TaskStatus `gorm:"not null;index"`
	SrcSide         *Side
	SrcRelpath      *string
	DstSide         *Side
	DstRelpath      *string
	SizeBytes       *int64
	BytesTransferred int64 `gorm:"not null;default:0"`
	ErrorMessage    *string
	RetryCount      int `gorm:"not null;default:0"`
	VerifyFolder    *string
	DedupeSide      *Side
	DedupeMode      *string
	DedupeMinSize   *int64
	CreatedAt       time.Time `gorm:"not null;index"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func (QueueTask) TableName() string { return "queue" }

// DedupeScan is a versioned snapshot of hash-collision clusters on one
// side, addressed by ScanID.
type DedupeScan struct {
	ID        uint      `gorm:"primaryKey"`
	ScanID    string    `gorm:"uniqueIndex;not null"`
	Side      Side      `gorm:"not null"`
	Mode      string    `gorm:"not null"`
	MinSize   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (DedupeScan) TableName() string { return "dedupe_scans" }

// DuplicateGroup owns N>=2 files sharing one content hash on one side.
type DuplicateGroup struct {
	ID      uint   `gorm:"primaryKey"`
	ScanID  string `gorm:"not null;index"`
	GroupID string `gorm:"uniqueIndex;not null"`
	Hash    string `gorm:"not null"`
	Size    int64  `gorm:"not null"`
}

func (DuplicateGroup) TableName() string { return "dedupe_groups" }

// DuplicateFile is a member of a DuplicateGroup.
type DuplicateFile struct {
	ID      uint   `gorm:"primaryKey"`
	GroupID string `gorm:"not null;index"`
	Relpath string `gorm:"not null"`
	Keep    bool   `gorm:"not null;default:false"`
}

func (DuplicateFile) TableName() string { return "dedupe_files" }

// SourceMapping is an external download URL for a file, keyed by either a
// content hash or the synthetic key "relpath:<path>". See spec.md §3.
type SourceMapping struct {
	ID           uint      `gorm:"primaryKey"`
	Key          string    `gorm:"uniqueIndex;not null"`
	URL          string    `gorm:"not null"`
	AddedAt      time.Time `gorm:"not null"`
	Notes        string
	FilenameHint string
	Relpath      string
}

func (SourceMapping) TableName() string { return "source_urls" }

// Provider enumerates the host families the Downloader recognizes for
// bearer-header selection.
type Provider string

const (
	ProviderCivitai     Provider = "civitai"
	ProviderHuggingFace Provider = "huggingface"
	ProviderGeneric     Provider = "generic"
)

// DownloadJob is a resumable HTTP download. See spec.md §3 / §4.9.
type DownloadJob struct {
	ID              uint       `gorm:"primaryKey"`
	JobID           string     `gorm:"uniqueIndex;not null"`
	URL             string     `gorm:"not null"`
	Filename        string     `gorm:"not null"`
	Provider        Provider   `gorm:"not null"`
	Status          TaskStatus `gorm:"not null;index"`
	BytesDownloaded int64      `gorm:"not null;default:0"`
	TotalBytes      *int64
	Attempts        int    `gorm:"not null;default:0"`
	DestPath        string `gorm:"not null"`
	TempPath        string `gorm:"not null"`
	TargetRoot      *string
	RecordSource    bool `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"not null"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorMessage    *string
}

func (DownloadJob) TableName() string { return "download_jobs" }

// AppSetting is a generic mutable key/value runtime setting, backing
// config.SettingsManager exactly as the teacher's storage.AppSetting does.
type AppSetting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

func (AppSetting) TableName() string { return "app_settings" }

// Bundle is a named collection of relpaths resolved together by the
// Asset Resolver's bundle-splitting logic (spec.md §4.11).
type Bundle struct {
	ID        uint      `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Bundle) TableName() string { return "bundles" }

// BundleAsset is one (side, relpath) member of a Bundle.
type BundleAsset struct {
	ID       uint   `gorm:"primaryKey"`
	BundleID uint   `gorm:"not null;index"`
	Side     Side   `gorm:"not null"`
	Relpath  string `gorm:"not null"`
}

func (BundleAsset) TableName() string { return "bundle_assets" }
