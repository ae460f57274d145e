package remote

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/packdeploy/internal/apperr"
	"github.com/schaermu/packdeploy/internal/fsutil"
	"github.com/schaermu/packdeploy/internal/pathmatch"
)

// DefaultIncludeTopDirs is used when a target does not list its own
var DefaultIncludeTopDirs = []string{"config", "defaultconfigs", "kubejs", "mods", "scripts"}

// IncludeSet returns the allow-list of top-level directories, falling back
// to DefaultIncludeTopDirs when dirs is empty.
func IncludeSet(dirs []string) mapset.Set[string] {
	if len(dirs) == 0 {
		dirs = DefaultIncludeTopDirs
	}
	set := mapset.NewSet[string]()
	for _, d := range dirs {
		d = strings.Trim(d, "/")
		if d != "" {
			set.Add(d)
		}
	}
	return set
}

// Stats summarises a sync call
type Stats struct {
	Files   int      `json:"files"`
	Bytes   int64    `json:"bytes"`
	Deleted []string `json:"deleted,omitempty"`
}

// Syncer moves trees between a local directory and a remote Client
type Syncer struct {
	client  Client
	logger  *slog.Logger
	workers int
}

// NewSyncer creates a syncer running at most workers transfers at once
func NewSyncer(client Client, logger *slog.Logger, workers int) *Syncer {
	if workers < 1 {
		workers = 1
	}
	return &Syncer{client: client, logger: logger, workers: workers}
}

// Download fetches the included top-level directories of remoteRoot into
// localRoot. Paths matched by skip are neither fetched nor descended into.
// localRoot is created even when nothing is fetched.
func (s *Syncer) Download(ctx context.Context, remoteRoot, localRoot string, includeTopDirs []string, skip *pathmatch.Matcher) (*Stats, error) {
	include := IncludeSet(includeTopDirs)

	if err := os.MkdirAll(localRoot, 0755); err != nil {
		return nil, apperr.IO("create snapshot directory", localRoot, err)
	}

	files, err := s.listRemote(ctx, remoteRoot, include, skip)
	if err != nil {
		return nil, err
	}

	s.logger.Info("downloading remote snapshot",
		"remote_root", remoteRoot,
		"local_root", localRoot,
		"files", len(files))

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := s.fetch(path.Join(remoteRoot, rel), filepath.Join(localRoot, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			total.Add(n)
			s.logger.Debug("downloaded", "path", rel, "size", humanize.Bytes(uint64(n)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &Stats{Files: len(files), Bytes: total.Load()}
	s.logger.Info("download complete", "files", stats.Files, "size", humanize.Bytes(uint64(stats.Bytes)))
	return stats, nil
}

// listRemote walks the remote tree iteratively and returns file paths
// relative to root, sorted.
func (s *Syncer) listRemote(ctx context.Context, root string, include mapset.Set[string], skip *pathmatch.Matcher) ([]string, error) {
	var files []string

	stack := []string{""}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := s.client.ReadDir(path.Join(root, dir))
		if err != nil {
			return nil, apperr.Transfer("list directory", path.Join(root, dir), err)
		}
		for _, e := range entries {
			rel := path.Join(dir, e.Name())
			if dir == "" && (!e.IsDir() || !include.Contains(e.Name())) {
				continue
			}
			if skip.Match(rel) {
				continue
			}

			isDir, isFile, err := s.classify(path.Join(root, rel), e)
			if err != nil {
				return nil, err
			}
			switch {
			case isDir:
				stack = append(stack, rel)
			case isFile:
				files = append(files, rel)
			}
		}
	}

	sort.Strings(files)
	return files, nil
}

// classify follows file symlinks. Symlinked directories are not followed.
func (s *Syncer) classify(remotePath string, info os.FileInfo) (isDir, isFile bool, err error) {
	mode := info.Mode()
	switch {
	case mode.IsDir():
		return true, false, nil
	case mode.IsRegular():
		return false, true, nil
	case mode&fs.ModeSymlink != 0:
		target, err := s.client.Stat(remotePath)
		if err != nil {
			s.logger.Warn("ignoring unreadable remote symlink", "path", remotePath, "error", err)
			return false, false, nil
		}
		return false, target.Mode().IsRegular(), nil
	}
	return false, false, nil
}

// countingReader remembers read failures so they can be told apart from
// local write failures.
type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, err
}

func (s *Syncer) fetch(remotePath, localPath string) (int64, error) {
	rc, err := s.client.Open(remotePath)
	if err != nil {
		return 0, apperr.Transfer("open remote file", remotePath, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	cr := &countingReader{r: rc}
	if err := fsutil.WriteAtomic(localPath, cr, 0644); err != nil {
		if cr.err != nil {
			return 0, apperr.Transfer("read remote file", remotePath, cr.err)
		}
		return 0, apperr.IO("write local file", localPath, err)
	}
	return cr.n, nil
}

// Upload mirrors the included top-level directories of localRoot onto
// remoteRoot, creating remote directories as needed. Paths matched by skip
// are never written. Remote files absent locally are left alone; see
// PruneOrphans.
func (s *Syncer) Upload(ctx context.Context, localRoot, remoteRoot string, includeTopDirs []string, skip *pathmatch.Matcher) (*Stats, error) {
	include := IncludeSet(includeTopDirs)

	files, err := fsutil.Walk(localRoot, scopedSkip(include, skip))
	if err != nil {
		return nil, apperr.IO("walk local tree", localRoot, err)
	}

	dirs := mapset.NewThreadUnsafeSet[string]()
	for _, rel := range files {
		dirs.Add(path.Dir(rel))
	}
	sortedDirs := dirs.ToSlice()
	sort.Strings(sortedDirs)
	for _, dir := range sortedDirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remoteDir := path.Join(remoteRoot, dir)
		if err := s.client.MkdirAll(remoteDir); err != nil {
			return nil, apperr.Transfer("create remote directory", remoteDir, err)
		}
	}

	s.logger.Info("uploading prepared tree",
		"local_root", localRoot,
		"remote_root", remoteRoot,
		"files", len(files))

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := s.push(filepath.Join(localRoot, filepath.FromSlash(rel)), path.Join(remoteRoot, rel))
			if err != nil {
				return err
			}
			total.Add(n)
			s.logger.Debug("uploaded", "path", rel, "size", humanize.Bytes(uint64(n)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &Stats{Files: len(files), Bytes: total.Load()}
	s.logger.Info("upload complete", "files", stats.Files, "size", humanize.Bytes(uint64(stats.Bytes)))
	return stats, nil
}

func (s *Syncer) push(localPath, remotePath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, apperr.IO("open local file", localPath, err)
	}
	defer func() {
		_ = f.Close()
	}()

	w, err := s.client.Create(remotePath)
	if err != nil {
		return 0, apperr.Transfer("create remote file", remotePath, err)
	}

	n, err := io.Copy(w, f)
	if err != nil {
		_ = w.Close()
		return 0, apperr.Transfer("write remote file", remotePath, err)
	}
	if err := w.Close(); err != nil {
		return 0, apperr.Transfer("close remote file", remotePath, err)
	}
	return n, nil
}

// scopedSkip limits a local walk to included top-level directories and
// drops paths matched by skip.
func scopedSkip(include mapset.Set[string], skip *pathmatch.Matcher) fsutil.SkipFunc {
	return func(rel string, isDir bool) bool {
		if !strings.Contains(rel, "/") {
			return !isDir || !include.Contains(rel)
		}
		return skip.Match(rel)
	}
}

// PruneOrphans deletes remote files and directories below the included
// top-level directories that have no local counterpart. Directories are
// removed in one call. Top-level remote entries outside the allow-list are
// never inspected, and paths matched by skip are never deleted.
func (s *Syncer) PruneOrphans(ctx context.Context, localRoot, remoteRoot string, includeTopDirs []string, skip *pathmatch.Matcher) (*Stats, error) {
	include := IncludeSet(includeTopDirs)
	stats := &Stats{}

	top, err := s.client.ReadDir(remoteRoot)
	if err != nil {
		return nil, apperr.Transfer("list directory", remoteRoot, err)
	}

	var stack []string
	for _, e := range top {
		if !e.IsDir() || !include.Contains(e.Name()) {
			continue
		}
		if skip.Match(e.Name()) {
			continue
		}
		if fsutil.IsDir(filepath.Join(localRoot, e.Name())) {
			stack = append(stack, e.Name())
			continue
		}

		// the whole top-level directory is an orphan
		protected, err := s.holdsSkipped(ctx, remoteRoot, e.Name(), skip)
		if err != nil {
			return nil, err
		}
		if protected {
			stack = append(stack, e.Name())
			continue
		}
		remotePath := path.Join(remoteRoot, e.Name())
		if err := s.client.RemoveAll(remotePath); err != nil {
			return nil, apperr.Transfer("delete remote path", remotePath, err)
		}
		s.logger.Info("pruned orphan", "path", e.Name(), "dir", true)
		stats.Deleted = append(stats.Deleted, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stack)))

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := s.client.ReadDir(path.Join(remoteRoot, dir))
		if err != nil {
			return nil, apperr.Transfer("list directory", path.Join(remoteRoot, dir), err)
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Name() > entries[j].Name()
		})

		for _, e := range entries {
			rel := path.Join(dir, e.Name())
			if skip.Match(rel) {
				continue
			}

			local, err := os.Lstat(filepath.Join(localRoot, filepath.FromSlash(rel)))
			switch {
			case err == nil && local.IsDir() == e.IsDir():
				if e.IsDir() {
					stack = append(stack, rel)
				}
				continue
			case err != nil && !errors.Is(err, os.ErrNotExist):
				return nil, apperr.IO("stat local file", rel, err)
			}

			remotePath := path.Join(remoteRoot, rel)
			if e.IsDir() {
				protected, perr := s.holdsSkipped(ctx, remoteRoot, rel, skip)
				if perr != nil {
					return nil, perr
				}
				if protected {
					// delete around the skipped entries instead of wiping the directory
					stack = append(stack, rel)
					continue
				}
				err = s.client.RemoveAll(remotePath)
			} else {
				err = s.client.Remove(remotePath)
			}
			if err != nil {
				return nil, apperr.Transfer("delete remote path", remotePath, err)
			}
			s.logger.Info("pruned orphan", "path", rel, "dir", e.IsDir())
			stats.Deleted = append(stats.Deleted, rel)
		}
	}

	sort.Strings(stats.Deleted)
	return stats, nil
}

// holdsSkipped reports whether any entry below the remote directory rel is
// matched by skip.
func (s *Syncer) holdsSkipped(ctx context.Context, remoteRoot, rel string, skip *pathmatch.Matcher) (bool, error) {
	if skip.Empty() {
		return false, nil
	}
	stack := []string{rel}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := s.client.ReadDir(path.Join(remoteRoot, dir))
		if err != nil {
			return false, apperr.Transfer("list directory", path.Join(remoteRoot, dir), err)
		}
		for _, e := range entries {
			child := path.Join(dir, e.Name())
			if skip.Match(child) {
				return true, nil
			}
			if e.IsDir() {
				stack = append(stack, child)
			}
		}
	}
	return false, nil
}
