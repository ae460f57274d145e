package stage

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/schaermu/packdeploy/internal/apperr"
	"github.com/schaermu/packdeploy/internal/fsutil"
)

// Format is a recognized source layout
type Format string

const (
	FormatDirectory Format = "directory"
	FormatZip       Format = "zip"
	FormatTar       Format = "tar"
	FormatTarGzip   Format = "tar.gz"
	FormatTarZstd   Format = "tar.zst"
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	tarMagic  = []byte("ustar")
)

const tarMagicOffset = 257

// Importer stages archives and directories into isolated working trees
type Importer struct {
	workDir string
	exclude *gitignore.GitIgnore
	logger  *slog.Logger
}

// NewImporter creates an importer that allocates staged trees under workDir.
// Entries matching the gitignore-style exclude lines are not staged.
func NewImporter(workDir string, exclude []string, logger *slog.Logger) *Importer {
	imp := &Importer{workDir: workDir, logger: logger}
	if len(exclude) > 0 {
		imp.exclude = gitignore.CompileIgnoreLines(exclude...)
	}
	return imp
}

// Stage extracts or copies source into a fresh directory and returns its path.
// The caller owns the returned directory.
func (i *Importer) Stage(source string) (string, error) {
	format, err := Detect(source)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(i.workDir, "staged-"+uuid.NewString())
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", apperr.IO("create staging directory", dest, err)
	}

	i.logger.Info("staging source", "source", source, "format", format, "dest", dest)

	if format == FormatDirectory {
		if err := fsutil.CopyTree(source, dest, i.skip); err != nil {
			i.cleanup(dest)
			var readErr *fsutil.ReadError
			if errors.As(err, &readErr) || errors.Is(err, fsutil.ErrNested) {
				return "", apperr.Source("copy directory", source, err)
			}
			return "", apperr.IO("copy directory", source, err)
		}
		return dest, nil
	}

	if err := i.extract(source, format, dest); err != nil {
		i.cleanup(dest)
		return "", apperr.Source("extract archive", source, err)
	}
	return dest, nil
}

// Detect classifies source as a directory or one of the supported archive
// formats by inspecting its leading bytes.
func Detect(source string) (Format, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", apperr.Source("stat source", source, err)
	}
	if info.IsDir() {
		if _, err := os.ReadDir(source); err != nil {
			return "", apperr.Source("read directory", source, err)
		}
		return FormatDirectory, nil
	}
	if !info.Mode().IsRegular() {
		return "", apperr.Sourcef("detect format", source, "not a regular file or directory")
	}

	f, err := os.Open(source)
	if err != nil {
		return "", apperr.Source("open archive", source, err)
	}
	defer func() {
		_ = f.Close()
	}()

	header := make([]byte, tarMagicOffset+len(tarMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", apperr.Source("read archive header", source, err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, zipMagic):
		return FormatZip, nil
	case bytes.HasPrefix(header, gzipMagic):
		return FormatTarGzip, nil
	case bytes.HasPrefix(header, zstdMagic):
		return FormatTarZstd, nil
	case len(header) >= tarMagicOffset+len(tarMagic) && bytes.Equal(header[tarMagicOffset:], tarMagic):
		return FormatTar, nil
	}
	return "", apperr.Sourcef("detect format", source, "unsupported archive format")
}

func (i *Importer) extract(source string, format Format, dest string) error {
	if format == FormatZip {
		return i.extractZip(source, dest)
	}

	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	var r io.Reader = bufio.NewReader(f)
	switch format {
	case FormatTarGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		defer func() {
			_ = gz.Close()
		}()
		r = gz
	case FormatTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return i.extractTar(r, dest)
}

// extractZip extracts a .zip file to the target directory
func (i *Importer) extractZip(zipPath, dst string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("zip open %q: %w", zipPath, err)
	}
	defer func() {
		_ = r.Close()
	}()

	for _, f := range r.File {
		rel, err := entryPath(f.Name)
		if err != nil {
			return err
		}
		if rel == "" || i.skip(rel, f.FileInfo().IsDir()) {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			i.logger.Debug("skipping non-regular zip entry", "entry", f.Name)
			continue
		}

		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("zip open file %q: %w", f.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	if err := fsutil.WriteAtomic(target, rc, filePerm(f.Mode())); err != nil {
		return fmt.Errorf("zip extract file %q: %w", f.Name, err)
	}
	return nil
}

func (i *Importer) extractTar(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar read: %w", err)
		}

		rel, err := entryPath(hdr.Name)
		if err != nil {
			return err
		}
		isDir := hdr.Typeflag == tar.TypeDir
		if rel == "" || i.skip(rel, isDir) {
			continue
		}
		target := filepath.Join(dst, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := fsutil.WriteAtomic(target, tr, filePerm(hdr.FileInfo().Mode())); err != nil {
				return fmt.Errorf("tar extract file %q: %w", hdr.Name, err)
			}
		default:
			i.logger.Debug("skipping non-regular tar entry", "entry", hdr.Name, "type", string(hdr.Typeflag))
		}
	}
}

// entryPath cleans an archive entry name into a slash-separated relative path.
// Names that would land outside the destination are rejected.
func entryPath(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive entry %q escapes the destination", name)
	}
	return clean, nil
}

func filePerm(mode os.FileMode) os.FileMode {
	perm := mode.Perm()
	if perm == 0 {
		return 0644
	}
	return perm | 0600
}

func (i *Importer) skip(rel string, isDir bool) bool {
	if i.exclude == nil {
		return false
	}
	if isDir {
		return i.exclude.MatchesPath(rel + "/")
	}
	return i.exclude.MatchesPath(rel)
}

func (i *Importer) cleanup(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		i.logger.Warn("failed to cleanup partially staged directory", "path", dir, "error", err)
	}
}
