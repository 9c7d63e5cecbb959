package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

var (
	ErrStorage = errors.New("storage failure")
	// ErrNoRealPath is returned by RealPath for stores that are not backed by the OS filesystem.
	ErrNoRealPath = errors.New("store has no real path")
)

// Store is the file store for uploads and results. All paths are slash
// separated and relative to the store root.
type Store struct {
	fs   afero.Fs
	root string
}

// NewOSStore returns a store rooted at dir on the local filesystem, creating dir if needed.
func NewOSStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &Store{
		fs:   afero.NewBasePathFs(afero.NewOsFs(), abs),
		root: abs,
	}, nil
}

// NewStore wraps an arbitrary afero filesystem. RealPath is unavailable.
func NewStore(fsys afero.Fs) *Store {
	return &Store{fs: fsys}
}

// Root is the absolute OS directory of the store, or "" when not OS backed.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) Fs() afero.Fs {
	return s.fs
}

// Clean normalizes a store path: slash separated, no leading slash, no "..".
func Clean(p string) string {
	p = filepath.ToSlash(p)
	p = filepath.ToSlash(filepath.Clean("/" + p))
	return strings.TrimPrefix(p, "/")
}

// RealPath maps a store path to the OS path, for tools that need a real file.
func (s *Store) RealPath(p string) (string, error) {
	if s.root == "" {
		return "", ErrNoRealPath
	}
	return filepath.Join(s.root, filepath.FromSlash(Clean(p))), nil
}

func (s *Store) MkdirAll(dir string) error {
	if err := s.fs.MkdirAll(Clean(dir), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %w", ErrStorage, dir, err)
	}
	return nil
}

// WriteFile writes data to p, creating parent directories.
func (s *Store) WriteFile(p string, data []byte) error {
	p = Clean(p)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if err = s.fs.MkdirAll(filepath.Dir(p), 0o755); err == nil {
			err = afero.WriteFile(s.fs, p, data, 0o644)
		}
		// A sweep may remove a freshly created parent before the file lands in it.
		if !errors.Is(err, fs.ErrNotExist) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrStorage, p, err)
	}
	return nil
}

func (s *Store) Open(p string) (afero.File, error) {
	return s.fs.Open(Clean(p))
}

func (s *Store) Stat(p string) (fs.FileInfo, error) {
	return s.fs.Stat(Clean(p))
}

func (s *Store) Exists(p string) bool {
	ok, err := afero.Exists(s.fs, Clean(p))
	return err == nil && ok
}

// Remove deletes a single file.
func (s *Store) Remove(p string) error {
	if err := s.fs.Remove(Clean(p)); err != nil {
		return fmt.Errorf("%w: remove %s: %w", ErrStorage, p, err)
	}
	return nil
}

// ListFiles returns every regular file below dir. A missing dir is empty.
func (s *Store) ListFiles(dir string) ([]string, error) {
	dir = Clean(dir)
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		return nil, nil
	}

	var files []string
	err := afero.Walk(s.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, Clean(p))
		}
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("%w: walk %s: %w", ErrStorage, dir, err)
	}
	return files, nil
}

// RemoveEmptyDirs removes the empty directories below dir, deepest first, so a
// directory emptied by the removal of its children goes too. dir itself stays,
// and so does every directory for which keep returns true. keep may be nil.
func (s *Store) RemoveEmptyDirs(dir string, keep func(dir string) bool) (int, error) {
	dir = Clean(dir)
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		return 0, nil
	}

	var dirs []string
	err := afero.Walk(s.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && Clean(p) != dir {
			dirs = append(dirs, Clean(p))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: walk %s: %w", ErrStorage, dir, err)
	}

	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], "/") > strings.Count(dirs[j], "/")
	})

	removed := 0
	for _, d := range dirs {
		empty, err := afero.IsEmpty(s.fs, d)
		if err != nil || !empty {
			continue
		}
		if keep != nil && keep(d) {
			continue
		}
		if err := s.fs.Remove(d); err == nil {
			removed++
		}
	}
	return removed, nil
}

// DirSize sums the sizes of the regular files below dir.
func (s *Store) DirSize(dir string) (int64, error) {
	dir = Clean(dir)
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		return 0, nil
	}

	var total int64
	err := afero.Walk(s.fs, dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("%w: walk %s: %w", ErrStorage, dir, err)
	}
	return total, nil
}
