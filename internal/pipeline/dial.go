package pipeline

import (
	"context"
	"os"

	"github.com/schaermu/packdeploy/internal/apperr"
	"github.com/schaermu/packdeploy/internal/config"
	"github.com/schaermu/packdeploy/internal/remote"
)

// Dialer opens a session to the target
type Dialer func(ctx context.Context) (remote.Client, error)

// DialerFor builds the Dialer matching the configured target protocol.
// Secret files are read on every dial.
func DialerFor(cfg *config.Config) Dialer {
	if cfg.Target.Protocol == config.ProtocolLocal {
		return func(_ context.Context) (remote.Client, error) {
			return remote.NewLocalClient(""), nil
		}
	}

	return func(ctx context.Context) (remote.Client, error) {
		creds, err := Credentials(cfg)
		if err != nil {
			return nil, err
		}
		client, err := remote.Dial(ctx, creds)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// Credentials loads the SFTP credentials referenced by the target config
func Credentials(cfg *config.Config) (remote.Credentials, error) {
	t := cfg.Target
	creds := remote.Credentials{
		Host:                  t.Host,
		Port:                  t.Port,
		User:                  t.User,
		KnownHostsFile:        t.KnownHostsFile,
		InsecureIgnoreHostKey: t.InsecureIgnoreHostKey,
		Timeout:               cfg.TimeoutDuration(),
	}

	if t.PasswordFile != "" {
		password, err := remote.ReadSecret(t.PasswordFile)
		if err != nil {
			return creds, apperr.Connection("load password", creds.Addr(), err)
		}
		creds.Password = password
	}

	if t.KeyFile != "" {
		key, err := os.ReadFile(t.KeyFile)
		if err != nil {
			return creds, apperr.Connection("load private key", creds.Addr(), err)
		}
		creds.PrivateKey = key
	}

	if t.KeyPassphraseFile != "" {
		passphrase, err := remote.ReadSecret(t.KeyPassphraseFile)
		if err != nil {
			return creds, apperr.Connection("load key passphrase", creds.Addr(), err)
		}
		creds.Passphrase = []byte(passphrase)
	}

	return creds, nil
}
