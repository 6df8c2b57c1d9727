// Package config implements reading, writing and hot-reload of the sync
// core's own configuration (spec §6, "Persisted state" / "GUI interface"
// `gui_settings_changed`): the root folder path, selective-sync exclusion
// list, collaboration state, license type, coordinator/signal-server
// endpoints and tunables. Kept on disk as JSON rather than the teacher's
// XML, but following the same versioned-struct-plus-migration shape as the
// teacher's own config.go/wrapper.go pair.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("config")

// CurrentVersion is bumped whenever a migration is added below.
const CurrentVersion = 1

// LicenseType gates which strategies and collaboration features are
// available (spec §4.5 table, "licence_type").
type LicenseType string

const (
	LicenseFree LicenseType = "free"
	LicensePaid LicenseType = "paid"
)

// Configuration is the on-disk, JSON-serialized shape of the core's
// settings.
type Configuration struct {
	Version int `json:"version"`

	RootPath string `json:"root_path"`

	ExcludedDirs        []string `json:"excluded_dirs"`
	CollaboratedFolders []string `json:"collaborated_folders"`

	License         LicenseType `json:"license"`
	DownloadBackups bool        `json:"download_backups"`

	CoordinatorURL  string `json:"coordinator_url"`
	SignalServerURL string `json:"signal_server_url"`

	WorkerPoolMultiplier int `json:"worker_pool_multiplier"`

	RetryDownloadTimeoutS int `json:"retry_download_timeout_s"`
	PatchWaitTimeoutS     int `json:"patch_wait_timeout_s"`
	MinDiffSize           int64 `json:"min_diff_size"`

	UploadBytesPerSec int `json:"upload_bytes_per_sec"`
	UploadBurstBytes  int `json:"upload_burst_bytes"`

	OriginalVersion int `json:"-"`
}

// Default returns a Configuration with the constants spec.md names as
// defaults (RETRY_DOWNLOAD_TIMEOUT, PATCH_WAIT_TIMEOUT, MIN_DIFF_SIZE, the
// cpu_count*2 worker pool multiplier).
func Default(rootPath string) Configuration {
	return Configuration{
		Version:               CurrentVersion,
		RootPath:              rootPath,
		License:               LicenseFree,
		DownloadBackups:       true,
		WorkerPoolMultiplier:  2,
		RetryDownloadTimeoutS: 60,
		PatchWaitTimeoutS:     30,
		MinDiffSize:           64 * 1024,
		UploadBytesPerSec:     10 * 1024 * 1024,
		UploadBurstBytes:      1024 * 1024,
	}
}

// Load reads and migrates the configuration at path. If the file does not
// exist, a default configuration rooted at rootPath is returned without
// touching disk; callers are expected to Save it once the user confirms
// initial setup.
func Load(path, rootPath string) (Configuration, error) {
	bs, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(rootPath), nil
	}
	if err != nil {
		return Configuration{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Configuration
	if err := json.Unmarshal(bs, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.OriginalVersion = cfg.Version
	migrate(&cfg)
	return cfg, nil
}

// migrate upgrades cfg in place from cfg.Version to CurrentVersion. There
// is only one version so far; this is the hook future on-disk format
// changes attach to, mirroring the teacher's config.go convert* chain.
func migrate(cfg *Configuration) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version < CurrentVersion {
		log.Infof("migrating config from version %d to %d", cfg.Version, CurrentVersion)
		cfg.Version = CurrentVersion
	}
}

// Save atomically writes cfg to path as indented JSON.
func Save(path string, cfg Configuration) error {
	cfg.Version = CurrentVersion
	bs, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	if err := os.WriteFile(tmp, bs, 0o666); err != nil {
		return fmt.Errorf("config: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}
