package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNested is returned by CopyTree when dst lies inside src
var ErrNested = errors.New("destination is inside source")

// ReadError marks a failure on the reading side of a copy
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

func readErr(p string, err error) error {
	return &ReadError{Path: p, Err: err}
}

// SkipFunc decides whether a relative path (slash separated) is left out of
// a walk or copy. Skipped directories are not descended into.
type SkipFunc func(rel string, isDir bool) bool

type walkItem struct {
	abs string
	rel string
}

// Walk returns the slash-separated relative paths of all regular files under
// root, sorted. The traversal is iterative. Symlinks to files are reported,
// symlinks to directories are not followed.
func Walk(root string, skip SkipFunc) ([]string, error) {
	var files []string

	stack := []walkItem{{abs: root}}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(item.abs)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			rel := entry.Name()
			if item.rel != "" {
				rel = path.Join(item.rel, entry.Name())
			}
			abs := filepath.Join(item.abs, entry.Name())

			isDir, isFile, err := classify(abs, entry)
			if err != nil {
				return nil, err
			}
			if !isDir && !isFile {
				continue
			}
			if skip != nil && skip(rel, isDir) {
				continue
			}
			if isDir {
				stack = append(stack, walkItem{abs: abs, rel: rel})
				continue
			}
			files = append(files, rel)
		}
	}

	sort.Strings(files)
	return files, nil
}

// classify resolves file symlinks and reports whether the entry is a real
// directory or something with regular file content.
func classify(abs string, entry fs.DirEntry) (isDir, isFile bool, err error) {
	mode := entry.Type()
	switch {
	case mode.IsDir():
		return true, false, nil
	case mode.IsRegular():
		return false, true, nil
	case mode&fs.ModeSymlink != 0:
		info, err := os.Stat(abs)
		if err != nil {
			// dangling link
			return false, false, nil
		}
		return false, info.Mode().IsRegular(), nil
	}
	return false, false, nil
}

// CopyTree deep-copies the files under src into dst, preserving relative
// structure and file modes. dst is created if needed and must not lie inside
// src. Failures reading src are returned as *ReadError.
func CopyTree(src, dst string, skip SkipFunc) error {
	info, err := os.Stat(src)
	if err != nil {
		return readErr(src, err)
	}
	if !info.IsDir() {
		return readErr(src, fmt.Errorf("not a directory"))
	}

	nested, err := Contains(src, dst)
	if err != nil {
		return err
	}
	if nested {
		return fmt.Errorf("%w: %s in %s", ErrNested, dst, src)
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	stack := []walkItem{{abs: src}}
	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(item.abs)
		if err != nil {
			return readErr(item.abs, err)
		}
		for _, entry := range entries {
			rel := entry.Name()
			if item.rel != "" {
				rel = path.Join(item.rel, entry.Name())
			}
			abs := filepath.Join(item.abs, entry.Name())

			isDir, isFile, err := classify(abs, entry)
			if err != nil {
				return readErr(abs, err)
			}
			if !isDir && !isFile {
				continue
			}
			if skip != nil && skip(rel, isDir) {
				continue
			}

			target := filepath.Join(dst, filepath.FromSlash(rel))
			if isDir {
				if err := os.MkdirAll(target, 0755); err != nil {
					return err
				}
				stack = append(stack, walkItem{abs: abs, rel: rel})
				continue
			}
			if err := CopyFile(abs, target); err != nil {
				return fmt.Errorf("copy %s: %w", rel, err)
			}
		}
	}
	return nil
}

// CopyFile copies a file from src to dst with atomic write. Failures reading
// src are returned as *ReadError.
func CopyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return readErr(src, err)
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return readErr(src, err)
	}

	return WriteAtomic(dst, &taggingReader{r: srcFile, path: src}, srcInfo.Mode().Perm())
}

// taggingReader wraps read failures so callers can tell them from write
// failures after io.Copy.
type taggingReader struct {
	r    io.Reader
	path string
}

func (t *taggingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		err = readErr(t.path, err)
	}
	return n, err
}

// Contains reports whether p is parent itself or lies below it. Symlinks in
// the existing part of either path are resolved.
func Contains(parent, p string) (bool, error) {
	cp, err := canonical(parent)
	if err != nil {
		return false, err
	}
	cq, err := canonical(p)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(cp, cq)
	if err != nil {
		return false, nil
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))), nil
}

// canonical returns an absolute, cleaned path with symlinks resolved in its
// longest existing prefix.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	var rest []string
	cur := abs
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(append([]string{resolved}, rest...)...), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// WriteAtomic streams r into dst through a temp file in the destination
// directory and renames it into place.
func WriteAtomic(dst string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".packdeploy-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, r); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}

// IsDir reports whether path exists and is a directory
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
