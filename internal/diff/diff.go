package diff

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/packdeploy/internal/apperr"
	"github.com/schaermu/packdeploy/internal/fsutil"
	"github.com/schaermu/packdeploy/internal/pathmatch"
)

const (
	// sniffSize is the prefix inspected for NUL bytes
	sniffSize = 1024
	// MaxSummaryLines caps the -/+ lines of a text summary
	MaxSummaryLines = 200
	truncatedMarker = "... (truncated)"

	defaultWorkers = 4
)

var binaryExtensions = mapset.NewSet(
	".jar", ".zip", ".gz", ".tgz", ".zst", ".7z", ".rar", ".class",
	".png", ".jpg", ".jpeg", ".gif", ".bmp", ".ico", ".webp",
	".ogg", ".mp3", ".wav", ".nbt", ".mca", ".mcr", ".dat", ".dat_old",
	".so", ".dll", ".dylib", ".exe", ".bin", ".ttf", ".otf", ".woff", ".woff2",
)

type options struct {
	scope   mapset.Set[string]
	workers int
}

// Option configures Compute
type Option func(*options)

// WithScope restricts both trees to the given top-level directories. Files
// directly in the tree root are out of scope when a scope is set.
func WithScope(topDirs []string) Option {
	return func(o *options) {
		o.scope = mapset.NewSet(topDirs...)
	}
}

// WithWorkers bounds how many files are hashed in parallel
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// Compute compares oldTree against newTree. Paths matched by skip are left
// out on both sides, so they never show up as added, modified or removed.
// Unchanged files produce no record.
func Compute(oldTree, newTree string, skip *pathmatch.Matcher, opts ...Option) (*Report, error) {
	o := options{workers: defaultWorkers}
	for _, opt := range opts {
		opt(&o)
	}

	oldPaths, err := listTree(oldTree, skip, o.scope)
	if err != nil {
		return nil, err
	}
	newPaths, err := listTree(newTree, skip, o.scope)
	if err != nil {
		return nil, err
	}

	oldEntries, err := describeAll(oldTree, oldPaths, o.workers)
	if err != nil {
		return nil, err
	}
	newEntries, err := describeAll(newTree, newPaths, o.workers)
	if err != nil {
		return nil, err
	}

	report := &Report{Changes: make([]FileChange, 0)}

	for rel, n := range newEntries {
		old, exists := oldEntries[rel]
		if !exists {
			size := n.Size
			report.Changes = append(report.Changes, FileChange{
				Path:        rel,
				Type:        Added,
				Binary:      n.Binary,
				ChecksumNew: n.Hash,
				SizeNew:     &size,
			})
			continue
		}
		if old.Size == n.Size && old.Hash == n.Hash {
			continue
		}

		change := FileChange{
			Path:        rel,
			Type:        Modified,
			Binary:      old.Binary || n.Binary,
			ChecksumOld: old.Hash,
			ChecksumNew: n.Hash,
		}
		oldSize, newSize := old.Size, n.Size
		change.SizeOld, change.SizeNew = &oldSize, &newSize
		if !change.Binary {
			summary, err := summarize(
				filepath.Join(oldTree, filepath.FromSlash(rel)),
				filepath.Join(newTree, filepath.FromSlash(rel)),
			)
			if err != nil {
				return nil, err
			}
			change.DiffSummary = &summary
		}
		report.Changes = append(report.Changes, change)
	}

	for rel, old := range oldEntries {
		if _, exists := newEntries[rel]; exists {
			continue
		}
		size := old.Size
		report.Changes = append(report.Changes, FileChange{
			Path:        rel,
			Type:        Removed,
			Binary:      old.Binary,
			ChecksumOld: old.Hash,
			SizeOld:     &size,
		})
	}

	sort.Slice(report.Changes, func(i, j int) bool {
		return report.Changes[i].Path < report.Changes[j].Path
	})
	for _, c := range report.Changes {
		switch c.Type {
		case Added:
			report.Summary.Added++
		case Modified:
			report.Summary.Modified++
		case Removed:
			report.Summary.Removed++
		}
	}
	return report, nil
}

// listTree returns the in-scope, non-skipped files of root. Only files are
// tested against skip patterns so that the result partitions exactly.
func listTree(root string, skip *pathmatch.Matcher, scope mapset.Set[string]) ([]string, error) {
	files, err := fsutil.Walk(root, func(rel string, isDir bool) bool {
		if scope != nil && !strings.Contains(rel, "/") {
			return !isDir || !scope.Contains(rel)
		}
		return !isDir && skip.Match(rel)
	})
	if err != nil {
		return nil, apperr.IO("walk tree", root, err)
	}
	return files, nil
}

func describeAll(root string, paths []string, workers int) (map[string]FileEntry, error) {
	entries := make([]FileEntry, len(paths))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, rel := range paths {
		g.Go(func() error {
			entry, err := Describe(root, rel)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]FileEntry, len(entries))
	for _, e := range entries {
		out[e.Path] = e
	}
	return out, nil
}

// Describe hashes and classifies a single file in one pass
func Describe(root, rel string) (FileEntry, error) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	f, err := os.Open(abs)
	if err != nil {
		return FileEntry{}, apperr.IO("open file", abs, err)
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	head := make([]byte, sniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return FileEntry{}, apperr.IO("read file", abs, err)
	}
	head = head[:n]
	h.Write(head)

	rest, err := io.Copy(h, f)
	if err != nil {
		return FileEntry{}, apperr.IO("hash file", abs, err)
	}

	return FileEntry{
		Path:   rel,
		Size:   int64(n) + rest,
		Binary: IsBinary(rel, head),
		Hash:   hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// IsBinary reports whether a file is treated as an opaque blob, either by
// extension or because its first bytes contain a NUL.
func IsBinary(rel string, head []byte) bool {
	if binaryExtensions.Contains(strings.ToLower(path.Ext(rel))) {
		return true
	}
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	return bytes.IndexByte(head, 0) >= 0
}

func summarize(oldPath, newPath string) (string, error) {
	oldData, err := os.ReadFile(oldPath)
	if err != nil {
		return "", apperr.IO("read file", oldPath, err)
	}
	newData, err := os.ReadFile(newPath)
	if err != nil {
		return "", apperr.IO("read file", newPath, err)
	}
	return Summarize(string(oldData), string(newData)), nil
}

// Summarize pairs lines by position and emits "-old"/"+new" for every pair
// that differs. Output stops after MaxSummaryLines lines and ends with a
// truncation marker when more would follow.
func Summarize(oldText, newText string) string {
	oldLines := splitLines(oldText)
	newLines := splitLines(newText)

	var out []string
	truncated := false
	emit := func(line string) bool {
		if len(out) >= MaxSummaryLines {
			truncated = true
			return false
		}
		out = append(out, line)
		return true
	}

	for i := 0; i < max(len(oldLines), len(newLines)); i++ {
		var o, n string
		hasOld, hasNew := i < len(oldLines), i < len(newLines)
		if hasOld {
			o = oldLines[i]
		}
		if hasNew {
			n = newLines[i]
		}
		if hasOld && hasNew && o == n {
			continue
		}
		if hasOld && !emit("-"+o) {
			break
		}
		if hasNew && !emit("+"+n) {
			break
		}
	}

	if truncated {
		out = append(out, truncatedMarker)
	}
	return strings.Join(out, "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
