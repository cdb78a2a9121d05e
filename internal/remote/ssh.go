package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
	"github.com/patchplane/patchplane/pkg/secrets"
)

// rawCaptureLimit bounds in-memory capture per stream before the configured
// output cap is applied.
const rawCaptureLimit = 1 << 20

// SSHDialerConfig configures the SSH backend.
type SSHDialerConfig struct {
	DefaultUser    string
	DefaultPort    int
	ConnectTimeout time.Duration
	KnownHostsFile string
}

// SSHDialer opens SSHv2 sessions, resolving credentials through the injected
// secret provider at dial time.
type SSHDialer struct {
	cfg     SSHDialerConfig
	secrets secrets.Provider
	logger  *logger.Logger
}

// NewSSHDialer creates an SSH dialer.
func NewSSHDialer(cfg SSHDialerConfig, provider secrets.Provider, log *logger.Logger) *SSHDialer {
	if cfg.DefaultPort == 0 {
		cfg.DefaultPort = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &SSHDialer{cfg: cfg, secrets: provider, logger: log.WithComponent("ssh-dialer")}
}

// Dial opens an authenticated session to the asset.
func (d *SSHDialer) Dial(ctx context.Context, asset *models.Asset) (Session, error) {
	cred, err := d.secrets.ResolveCredential(ctx, asset)
	if err != nil {
		return nil, NewError(KindAuthFailed, "resolve credential", asset.ID.String(), redact(err))
	}

	auth, err := authMethods(cred)
	if err != nil {
		return nil, NewError(KindAuthFailed, "build auth", asset.ID.String(), redact(err))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(d.cfg.KnownHostsFile)
		if err != nil {
			return nil, NewError(KindInternal, "load known hosts", asset.ID.String(), err)
		}
		hostKeyCallback = cb
	}

	user := asset.SSHUser
	if user == "" {
		user = d.cfg.DefaultUser
	}
	port := asset.SSHPort
	if port == 0 {
		port = d.cfg.DefaultPort
	}

	clientConfig := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.ConnectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", asset.Address, port)
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		kind := KindConnectionLost
		if strings.Contains(err.Error(), "unable to authenticate") {
			kind = KindAuthFailed
		}
		return nil, NewError(kind, "dial", asset.ID.String(), redact(err))
	}

	d.logger.Debug("session opened", "asset_id", asset.ID, "address", asset.Address)

	return &sshSession{client: client, assetID: asset.ID.String()}, nil
}

// authMethods builds SSH auth from a resolved credential.
func authMethods(cred *secrets.Credential) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if len(cred.PrivateKey) > 0 {
		var signer ssh.Signer
		var err error
		if cred.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey, []byte(cred.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cred.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("credential holds no usable auth material")
	}

	return methods, nil
}

// redact strips anything that could echo secret material out of an error.
func redact(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, needle := range []string{"password", "passphrase", "private key", "PRIVATE KEY"} {
		if strings.Contains(strings.ToLower(msg), strings.ToLower(needle)) {
			return fmt.Errorf("credential error (detail redacted)")
		}
	}
	return err
}

// sshSession wraps one SSH client connection.
type sshSession struct {
	client  *ssh.Client
	assetID string
}

// Run executes one command. The per-command timeout is the only abort signal
// honored while the command is in flight; the remote command is never killed
// mid-execution, the session just stops waiting for it.
func (s *sshSession) Run(ctx context.Context, cmd string, opts ExecOptions) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(KindTimeout, "run", s.assetID, err)
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return nil, NewError(KindConnectionLost, "new session", s.assetID, err)
	}
	defer sess.Close()

	var stdout, stderr limitedBuffer
	stdout.limit = rawCaptureLimit
	stderr.limit = rawCaptureLimit
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if len(opts.Stdin) > 0 {
		sess.Stdin = bytes.NewReader(opts.Stdin)
	}

	if opts.Sudo {
		cmd = "sudo -n " + cmd
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	start := time.Now()
	if err := sess.Start(cmd); err != nil {
		return nil, NewError(KindConnectionLost, "start command", s.assetID, err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		res := &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitStatus()
				return res, nil
			}
			return res, NewError(KindConnectionLost, "wait", s.assetID, err)
		}
		return res, nil

	case <-time.After(timeout):
		res := &Result{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
			TimedOut: true,
		}
		return res, NewError(KindTimeout, "run", s.assetID, fmt.Errorf("command exceeded %s", timeout))
	}
}

// WriteFile writes content via SFTP: temp file, sync, rename, chmod.
func (s *sshSession) WriteFile(ctx context.Context, path string, content []byte, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return NewError(KindTimeout, "write file", s.assetID, err)
	}

	sftpClient, err := sftp.NewClient(s.client)
	if err != nil {
		return NewError(KindConnectionLost, "sftp client", s.assetID, err)
	}
	defer sftpClient.Close()

	tmp := path + ".tmp"

	f, err := sftpClient.Create(tmp)
	if err != nil {
		return NewError(KindConnectionLost, "create temp file", s.assetID, err)
	}

	if _, err := f.Write(content); err != nil {
		f.Close()
		_ = sftpClient.Remove(tmp)
		return NewError(KindConnectionLost, "write temp file", s.assetID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = sftpClient.Remove(tmp)
		return NewError(KindConnectionLost, "sync temp file", s.assetID, err)
	}
	if err := f.Close(); err != nil {
		_ = sftpClient.Remove(tmp)
		return NewError(KindConnectionLost, "close temp file", s.assetID, err)
	}

	if err := sftpClient.Chmod(tmp, mode); err != nil {
		_ = sftpClient.Remove(tmp)
		return NewError(KindConnectionLost, "chmod", s.assetID, err)
	}

	if err := sftpClient.PosixRename(tmp, path); err != nil {
		_ = sftpClient.Remove(tmp)
		return NewError(KindConnectionLost, "rename", s.assetID, err)
	}

	return nil
}

// Close tears the connection down.
func (s *sshSession) Close() error {
	return s.client.Close()
}

// limitedBuffer captures up to limit bytes and silently drops the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	// Report full write so the remote stream is drained, not stalled.
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
