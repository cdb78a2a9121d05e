package remote

import (
	"context"
	"io/fs"
	"time"

	"github.com/patchplane/patchplane/pkg/logger"
	"github.com/patchplane/patchplane/pkg/models"
)

// pingTimeout bounds the liveness echo.
const pingTimeout = 10 * time.Second

// Executor runs one command or one file write against a held session and
// applies the configured output caps.
type Executor struct {
	maxOutputBytes int
	defaultTimeout time.Duration
	logger         *logger.Logger
}

// NewExecutor creates an executor.
func NewExecutor(maxOutputBytes int, defaultTimeout time.Duration, log *logger.Logger) *Executor {
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}
	if defaultTimeout == 0 {
		defaultTimeout = 5 * time.Minute
	}
	return &Executor{
		maxOutputBytes: maxOutputBytes,
		defaultTimeout: defaultTimeout,
		logger:         log.WithComponent("remote-executor"),
	}
}

// ExecuteCommand runs one command on the session. Remote non-zero exit is
// data on the Result; only infrastructure failures come back as errors.
func (e *Executor) ExecuteCommand(ctx context.Context, session Session, cmd string, opts ExecOptions) (*Result, error) {
	if opts.Timeout == 0 {
		opts.Timeout = e.defaultTimeout
	}

	res, err := session.Run(ctx, cmd, opts)
	if res != nil {
		res.Stdout = CapOutput([]byte(res.Stdout), e.maxOutputBytes)
		res.Stderr = CapOutput([]byte(res.Stderr), e.maxOutputBytes)
	}
	return res, err
}

// WriteFile writes content to the session's host atomically.
func (e *Executor) WriteFile(ctx context.Context, session Session, path string, content []byte, mode fs.FileMode) error {
	return session.WriteFile(ctx, path, content, mode)
}

// Ping reports basic liveness via a cheap echo.
func (e *Executor) Ping(ctx context.Context, session Session) bool {
	res, err := session.Run(ctx, "echo pong", ExecOptions{Timeout: pingTimeout})
	return err == nil && res.OK()
}

// =============================================================================
// Host Runner
// =============================================================================

// Runner is the per-asset command surface consumed by the strategies, the
// prober, and the rollback executor. RunCommand and PushFile take an
// exclusive host lease; ProbeCommand and Ping share.
type Runner interface {
	RunCommand(ctx context.Context, asset *models.Asset, cmd string, opts ExecOptions) (*Result, error)
	ProbeCommand(ctx context.Context, asset *models.Asset, cmd string, opts ExecOptions) (*Result, error)
	PushFile(ctx context.Context, asset *models.Asset, path string, content []byte, mode fs.FileMode) error
	Ping(ctx context.Context, asset *models.Asset) bool
}

// HostRunner implements Runner over the Pool and Executor.
type HostRunner struct {
	pool *Pool
	exec *Executor
}

// NewHostRunner creates the pool-backed runner.
func NewHostRunner(pool *Pool, exec *Executor) *HostRunner {
	return &HostRunner{pool: pool, exec: exec}
}

// RunCommand executes a mutating command under an exclusive host lease.
func (r *HostRunner) RunCommand(ctx context.Context, asset *models.Asset, cmd string, opts ExecOptions) (*Result, error) {
	lease, err := r.pool.Acquire(ctx, asset, true)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	return r.exec.ExecuteCommand(ctx, lease, cmd, opts)
}

// ProbeCommand executes a read-only command under a shared host lease.
func (r *HostRunner) ProbeCommand(ctx context.Context, asset *models.Asset, cmd string, opts ExecOptions) (*Result, error) {
	lease, err := r.pool.Acquire(ctx, asset, false)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	return r.exec.ExecuteCommand(ctx, lease, cmd, opts)
}

// PushFile writes a file under an exclusive host lease.
func (r *HostRunner) PushFile(ctx context.Context, asset *models.Asset, path string, content []byte, mode fs.FileMode) error {
	lease, err := r.pool.Acquire(ctx, asset, true)
	if err != nil {
		return err
	}
	defer lease.Release()

	return r.exec.WriteFile(ctx, lease, path, content, mode)
}

// Ping checks liveness under a shared host lease.
func (r *HostRunner) Ping(ctx context.Context, asset *models.Asset) bool {
	lease, err := r.pool.Acquire(ctx, asset, false)
	if err != nil {
		return false
	}
	defer lease.Release()

	return r.exec.Ping(ctx, lease)
}
