package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// rootedFS implements the strategies.FileSystem collaborator against a
// real directory tree: every path the core hands over is relative to
// the sync root.
type rootedFS struct {
	root string
}

func newRootedFS(root string) (*rootedFS, error) {
	if err := os.MkdirAll(root, 0o777); err != nil {
		return nil, fmt.Errorf("create sync root %s: %w", root, err)
	}
	return &rootedFS{root: root}, nil
}

func (f *rootedFS) abs(path string) string {
	return filepath.Join(f.root, filepath.FromSlash(path))
}

func (f *rootedFS) CreateEmptyFile(path, hash string) error {
	abs := f.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o777); err != nil {
		return err
	}
	fd, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	return fd.Close()
}

func (f *rootedFS) CreateFolder(path string) error {
	return os.MkdirAll(f.abs(path), 0o777)
}

func (f *rootedFS) CreateFileFromCopy(path, copyPath string) error {
	abs := f.abs(path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o777); err != nil {
		return err
	}
	// Write to a temp name in the same directory and rename, so a crash
	// mid-copy never leaves a torn file at the target path.
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".syncd-tmp-*")
	if err != nil {
		return err
	}
	src, err := os.Open(copyPath)
	if err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return err
	}
	_, err = io.Copy(tmp, src)
	src.Close() //nolint:errcheck
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return err
	}
	return os.Rename(tmp.Name(), abs)
}

// ApplyPatch is served by the external binary-delta tool; this transport
// build reports a clean failure so the core falls back to a whole-file
// download (spec §7, patch apply failure).
func (f *rootedFS) ApplyPatch(path, patchPath string) (bool, error) {
	return false, nil
}

func (f *rootedFS) Delete(path string, isDirectory bool) error {
	abs := f.abs(path)
	if isDirectory {
		return os.RemoveAll(abs)
	}
	err := os.Remove(abs)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *rootedFS) Move(oldPath, newPath string) error {
	abs := f.abs(newPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o777); err != nil {
		return err
	}
	return os.Rename(f.abs(oldPath), abs)
}

func (f *rootedFS) Exists(path string) bool {
	_, err := os.Stat(f.abs(path))
	return err == nil
}

func (f *rootedFS) CopyFile(path, newPath string) error {
	return f.CreateFileFromCopy(newPath, f.abs(path))
}
