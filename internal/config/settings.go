package config

import (
	"strconv"

	"modellibmgr/internal/storage"
)

// Keys for AppSettings in the embedded store — mutable runtime toggles,
// as opposed to the fixed startup topology in Config. Grounded on the
// teacher's ConfigManager key-string convention (internal/config).
const (
	KeyLocalAllowDelete = "local_allow_delete"
	KeyLakeAllowDelete  = "lake_allow_delete"
	KeyHashWorkers      = "hash_workers"
	KeyXAILookupConc    = "xai_lookup_concurrency"
	KeyBandwidthLimit   = "bandwidth_limit_bytes_per_sec"
)

// SettingsManager reads and writes the embedded store's runtime-toggle
// settings, falling back to a Config-supplied default whenever a key has
// never been set.
type SettingsManager struct {
	store    *storage.Store
	defaults *Config
}

// NewSettingsManager constructs a SettingsManager whose getters fall
// back to defaults until a value is explicitly set over the store.
func NewSettingsManager(store *storage.Store, defaults *Config) *SettingsManager {
	return &SettingsManager{store: store, defaults: defaults}
}

func (m *SettingsManager) getBool(key string, fallback bool) bool {
	val, err := m.store.GetString(key)
	if err != nil || val == "" {
		return fallback
	}
	return val == "true"
}

func (m *SettingsManager) setBool(key string, value bool) error {
	val := "false"
	if value {
		val = "true"
	}
	return m.store.SetString(key, val)
}

func (m *SettingsManager) getInt(key string, fallback int) int {
	val, err := m.store.GetString(key)
	if err != nil || val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func (m *SettingsManager) setInt(key string, value int) error {
	return m.store.SetString(key, strconv.Itoa(value))
}

// LocalAllowDelete reports whether delete tasks against Local are
// currently permitted outside of dedupe execution.
func (m *SettingsManager) LocalAllowDelete() bool {
	return m.getBool(KeyLocalAllowDelete, m.defaults.LocalAllowDelete)
}

func (m *SettingsManager) SetLocalAllowDelete(allow bool) error {
	return m.setBool(KeyLocalAllowDelete, allow)
}

// LakeAllowDelete reports whether delete tasks against Lake are
// currently permitted outside of dedupe execution.
func (m *SettingsManager) LakeAllowDelete() bool {
	return m.getBool(KeyLakeAllowDelete, m.defaults.LakeAllowDelete)
}

func (m *SettingsManager) SetLakeAllowDelete(allow bool) error {
	return m.setBool(KeyLakeAllowDelete, allow)
}

// AllowDelete reports the delete policy for side, for callers that hold
// a storage.Side rather than a hardcoded local/lake choice.
func (m *SettingsManager) AllowDelete(side storage.Side) bool {
	if side == storage.SideLocal {
		return m.LocalAllowDelete()
	}
	return m.LakeAllowDelete()
}

// HashWorkers returns the configured hashing worker pool size.
func (m *SettingsManager) HashWorkers() int {
	return m.getInt(KeyHashWorkers, m.defaults.HashWorkers)
}

func (m *SettingsManager) SetHashWorkers(n int) error {
	return m.setInt(KeyHashWorkers, n)
}

// XAILookupConcurrency returns the AI-lookup worker's concurrency bound.
func (m *SettingsManager) XAILookupConcurrency() int {
	return m.getInt(KeyXAILookupConc, m.defaults.XAILookupConcurrency)
}

func (m *SettingsManager) SetXAILookupConcurrency(n int) error {
	return m.setInt(KeyXAILookupConc, n)
}

// BandwidthLimitBytesPerSec returns the Downloader's global bandwidth
// ceiling, or 0 for unlimited.
func (m *SettingsManager) BandwidthLimitBytesPerSec() int64 {
	val, err := m.store.GetString(KeyBandwidthLimit)
	if err != nil || val == "" {
		return m.defaults.BandwidthLimitBytesPerSec
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return m.defaults.BandwidthLimitBytesPerSec
	}
	return n
}

func (m *SettingsManager) SetBandwidthLimitBytesPerSec(limit int64) error {
	return m.store.SetString(KeyBandwidthLimit, strconv.FormatInt(limit, 10))
}

// FactoryReset clears every runtime toggle back to its Config default.
func (m *SettingsManager) FactoryReset() error {
	for _, key := range []string{
		KeyLocalAllowDelete, KeyLakeAllowDelete, KeyHashWorkers,
		KeyXAILookupConc, KeyBandwidthLimit,
	} {
		if err := m.store.SetString(key, ""); err != nil {
			return err
		}
	}
	return nil
}
