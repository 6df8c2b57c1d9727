package config

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"), "/sync")
	require.NoError(t, err)
	require.Equal(t, "/sync", cfg.RootPath)
	require.Equal(t, LicenseFree, cfg.License)
	require.Equal(t, CurrentVersion, cfg.Version)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Default("/sync")
	cfg.ExcludedDirs = []string{"big", "tmp"}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path, "/unused")
	require.NoError(t, err)
	require.Equal(t, cfg.ExcludedDirs, loaded.ExcludedDirs)
	require.Equal(t, "/sync", loaded.RootPath)
}

func TestMigrateBumpsZeroVersion(t *testing.T) {
	cfg := Configuration{RootPath: "/sync"}
	migrate(&cfg)
	require.Equal(t, CurrentVersion, cfg.Version)
}

func TestWrapperReplaceNotifiesHandlersAndRollsBackOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	w := Wrap(path, Default("/sync"), nil)

	var seen []string
	w.Subscribe(HandlerFunc(func(cfg Configuration) error {
		seen = append(seen, cfg.RootPath)
		return nil
	}))

	next := w.Raw()
	next.RootPath = "/new"
	require.NoError(t, w.Replace(next))
	require.Equal(t, []string{"/new"}, seen)
	require.Equal(t, "/new", w.Raw().RootPath)

	w.Subscribe(HandlerFunc(func(Configuration) error {
		return errors.New("handler refused")
	}))
	bad := w.Raw()
	bad.RootPath = "/rejected"
	require.Error(t, w.Replace(bad))
	require.Equal(t, "/new", w.Raw().RootPath)
}

func TestSetExcludedDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	w := Wrap(path, Default("/sync"), nil)
	require.NoError(t, w.SetExcludedDirs([]string{"a/b", "c"}))
	require.Equal(t, []string{"a/b", "c"}, w.Raw().ExcludedDirs)
}
