package remote

import (
	"io"
	"os"
	"path/filepath"
)

// Client is the file-transfer capability the syncer needs from a remote
// session. Paths are slash separated and absolute on the remote side.
type Client interface {
	ReadDir(p string) ([]os.FileInfo, error)
	Stat(p string) (os.FileInfo, error)
	Open(p string) (io.ReadCloser, error)
	// Create truncates or creates a file. The parent directory must exist.
	Create(p string) (io.WriteCloser, error)
	MkdirAll(p string) error
	Remove(p string) error
	// RemoveAll deletes a path and everything below it
	RemoveAll(p string) error
	Close() error
}

// LocalClient implements Client on a mounted directory. Remote paths are
// resolved below root; an empty root uses them as local paths unchanged.
type LocalClient struct {
	root string
}

// NewLocalClient creates a client that serves files under root
func NewLocalClient(root string) *LocalClient {
	return &LocalClient{root: root}
}

func (c *LocalClient) resolve(p string) string {
	return filepath.Join(c.root, filepath.FromSlash(p))
}

// ReadDir lists a directory without following symlinks
func (c *LocalClient) ReadDir(p string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(c.resolve(p))
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Stat follows symlinks
func (c *LocalClient) Stat(p string) (os.FileInfo, error) {
	return os.Stat(c.resolve(p))
}

func (c *LocalClient) Open(p string) (io.ReadCloser, error) {
	return os.Open(c.resolve(p))
}

func (c *LocalClient) Create(p string) (io.WriteCloser, error) {
	return os.OpenFile(c.resolve(p), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
}

func (c *LocalClient) MkdirAll(p string) error {
	return os.MkdirAll(c.resolve(p), 0755)
}

func (c *LocalClient) Remove(p string) error {
	return os.Remove(c.resolve(p))
}

func (c *LocalClient) RemoveAll(p string) error {
	return os.RemoveAll(c.resolve(p))
}

// Close is a no-op
func (c *LocalClient) Close() error {
	return nil
}
