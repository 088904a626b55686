// Package dirtree implements file operations relative to a data root with
// a global filename-uniqueness invariant: no two regular files anywhere
// under the root may share a basename.
package dirtree

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrAlreadyExists is returned by CreateFile when the basename already
// exists anywhere under the tree.
var ErrAlreadyExists = errors.New("dirtree: file already exists")

// ErrNotFound is returned by RemoveFile/FindFile-dependent operations when
// the named file isn't present anywhere under the tree.
var ErrNotFound = errors.New("dirtree: file not found")

// Tree is a value type wrapping an afero.Fs rooted at Root.
type Tree struct {
	Fs   afero.Fs
	Root string
}

// New wraps fs at root, creating root (and any missing parents) if absent.
func New(fs afero.Fs, root string) (Tree, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return Tree{}, err
	}

	return Tree{Fs: fs, Root: root}, nil
}

func (t Tree) abs(rel string) string {
	return filepath.Join(t.Root, rel)
}

// CreateDir creates a single directory relative to the tree root.
func (t Tree) CreateDir(rel string) error {
	return t.Fs.Mkdir(t.abs(rel), 0o755)
}

// CreateDirAll creates a directory and any missing parents relative to the
// tree root.
func (t Tree) CreateDirAll(rel string) error {
	return t.Fs.MkdirAll(t.abs(rel), 0o755)
}

// Exists reports whether rel exists relative to the tree root.
func (t Tree) Exists(rel string) bool {
	_, err := t.Fs.Stat(t.abs(rel))
	return err == nil
}

// FindFile performs a depth-first search under the tree root for a regular
// file with the given basename. Returns the path relative to the Fs root
// (i.e. suitable to hand straight back to t.Fs), or "", false if absent.
func (t Tree) FindFile(name string) (string, bool, error) {
	var found string

	err := afero.Walk(t.Fs, t.Root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if found != "" {
			return filepath.SkipDir
		}

		if !info.IsDir() && info.Name() == name {
			found = path

			return filepath.SkipDir
		}

		return nil
	})
	if err != nil && err != filepath.SkipDir {
		return "", false, err
	}

	if found == "" {
		return "", false, nil
	}

	return found, true, nil
}

// CreateFile rejects the create if name already exists anywhere under the
// tree (ALREADY_EXISTS), otherwise ensures dir exists under the tree root
// and creates an empty regular file dir/name. The prior find is an
// optimization/early-reject: the exclusive open below is the final
// authority, so a concurrent CreateFile racing this one still fails
// correctly even if the scan above missed it.
func (t Tree) CreateFile(dir, name string) error {
	if _, ok, err := t.FindFile(name); err != nil {
		return err
	} else if ok {
		return ErrAlreadyExists
	}

	dirPath := t.abs(dir)
	if _, err := t.Fs.Stat(dirPath); err != nil {
		if err := t.Fs.MkdirAll(dirPath, 0o755); err != nil {
			return err
		}
	}

	filePath := filepath.Join(dirPath, name)

	f, err := t.Fs.OpenFile(filePath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyExists
		}

		return err
	}

	return f.Close()
}

// OpenNew opens dir/name for an exclusive-create, read-write, no-truncate
// upload (CREATE semantics: the new file is empty, so the Mapped-File
// Writer's writes land at its end). Returns ErrAlreadyExists if the create-exclusive
// race loses.
func (t Tree) OpenNew(dir, name string) (afero.File, error) {
	dirPath := t.abs(dir)
	if _, err := t.Fs.Stat(dirPath); err != nil {
		if err := t.Fs.MkdirAll(dirPath, 0o755); err != nil {
			return nil, err
		}
	}

	f, err := t.Fs.OpenFile(filepath.Join(dirPath, name), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyExists
		}

		return nil, err
	}

	return f, nil
}

// OpenTruncate opens dir/name for UPDATE semantics: the file must already
// exist, and its contents are discarded. Returns ErrNotFound if absent.
func (t Tree) OpenTruncate(dir, name string) (afero.File, error) {
	path := filepath.Join(t.abs(dir), name)

	f, err := t.Fs.OpenFile(path, os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	return f, nil
}

// OpenRead opens the absolute-under-root path returned by FindFile for
// reading.
func (t Tree) OpenRead(path string) (afero.File, error) {
	return t.Fs.Open(path)
}

// ListFiles performs a depth-first enumeration of all regular files under
// the tree root. Order is unspecified but deterministic within a single
// filesystem snapshot (afero.Walk visits directories in lexical order).
func (t Tree) ListFiles() ([]string, error) {
	var files []string

	err := afero.Walk(t.Fs, t.Root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if !info.IsDir() {
			files = append(files, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// RemoveFile searches the tree for name and unlinks it. Returns ErrNotFound
// if absent anywhere under the root.
func (t Tree) RemoveFile(name string) error {
	path, ok, err := t.FindFile(name)
	if err != nil {
		return err
	}

	if !ok {
		return ErrNotFound
	}

	return t.Fs.Remove(path)
}

// RemoveAt unlinks the file at rel (relative to the tree root) directly,
// without a tree-wide search. Used by DELETE, which is scoped only to the
// requesting peer's own subdirectory by design (see package xferserver).
func (t Tree) RemoveAt(rel string) error {
	path := t.abs(rel)
	if _, err := t.Fs.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}

		return err
	}

	return t.Fs.Remove(path)
}
