package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/schaermu/packdeploy/internal/apperr"
)

// DefaultPort is the SSH port used when Credentials.Port is zero
const DefaultPort = 22

// Credentials describe how to open an SFTP session
type Credentials struct {
	Host string
	Port int
	User string

	// Exactly one of Password or PrivateKey is used. PrivateKey wins when both are set.
	Password   string
	PrivateKey []byte
	Passphrase []byte

	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	// Timeout bounds the TCP connect and the SSH handshake. Zero means no timeout.
	Timeout time.Duration
}

// Addr returns host:port
func (c Credentials) Addr() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// ReadSecret reads a password or passphrase file, trimming surrounding whitespace
func ReadSecret(file string) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (c Credentials) clientConfig() (*ssh.ClientConfig, error) {
	if c.User == "" {
		return nil, errors.New("user is required")
	}

	var auth ssh.AuthMethod
	switch {
	case len(c.PrivateKey) > 0:
		var (
			signer ssh.Signer
			err    error
		)
		if len(c.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, c.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(c.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	case c.Password != "":
		auth = ssh.Password(c.Password)
	default:
		return nil, errors.New("no authentication method configured")
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case c.KnownHostsFile != "":
		cb, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	case c.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("known_hosts file required unless host key checking is disabled")
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         c.Timeout,
	}, nil
}

// SFTPClient implements Client over an SSH connection
type SFTPClient struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

// Dial opens an SFTP session. Every failure is a ConnectionError and nothing
// is retried.
func Dial(ctx context.Context, creds Credentials) (*SFTPClient, error) {
	addr := creds.Addr()

	cfg, err := creds.clientConfig()
	if err != nil {
		return nil, apperr.Connection("configure ssh", addr, err)
	}

	dialer := net.Dialer{Timeout: creds.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.Connection("dial", addr, err)
	}

	if creds.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(creds.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, apperr.Connection("ssh handshake", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	sshClient := ssh.NewClient(sshConn, chans, reqs)
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, apperr.Connection("start sftp subsystem", addr, err)
	}

	return &SFTPClient{ssh: sshClient, sftp: sftpClient}, nil
}

func (c *SFTPClient) ReadDir(p string) ([]os.FileInfo, error) {
	return c.sftp.ReadDir(p)
}

func (c *SFTPClient) Stat(p string) (os.FileInfo, error) {
	return c.sftp.Stat(p)
}

func (c *SFTPClient) Open(p string) (io.ReadCloser, error) {
	return c.sftp.Open(p)
}

func (c *SFTPClient) Create(p string) (io.WriteCloser, error) {
	return c.sftp.Create(p)
}

func (c *SFTPClient) MkdirAll(p string) error {
	return c.sftp.MkdirAll(p)
}

func (c *SFTPClient) Remove(p string) error {
	return c.sftp.Remove(p)
}

// RemoveAll deletes p recursively. Directories are listed iteratively and
// removed deepest first.
func (c *SFTPClient) RemoveAll(p string) error {
	info, err := c.sftp.Lstat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return c.sftp.Remove(p)
	}

	var dirs []string
	stack := []string{p}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		dirs = append(dirs, dir)

		entries, err := c.sftp.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			child := path.Join(dir, e.Name())
			if e.IsDir() {
				stack = append(stack, child)
				continue
			}
			if err := c.sftp.Remove(child); err != nil {
				return err
			}
		}
	}

	// parents were appended before their children
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := c.sftp.RemoveDirectory(dirs[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the SFTP session and the underlying SSH connection
func (c *SFTPClient) Close() error {
	sftpErr := c.sftp.Close()
	sshErr := c.ssh.Close()
	return errors.Join(sftpErr, sshErr)
}
