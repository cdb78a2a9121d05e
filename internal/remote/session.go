// Package remote implements the remote execution layer: per-host sessions,
// the connection pool, and the command executor.
package remote

import (
	"context"
	"io/fs"
	"time"

	"github.com/patchplane/patchplane/pkg/models"
)

// ExecOptions control one remote command invocation.
type ExecOptions struct {
	Sudo    bool
	Timeout time.Duration
	Stdin   []byte
}

// Session is one authenticated channel to a host. Implementations must be
// safe for sequential reuse; concurrency control lives in the Pool.
type Session interface {
	// Run executes one command and returns its structured result. A remote
	// non-zero exit is reported on the Result, not as an error.
	Run(ctx context.Context, cmd string, opts ExecOptions) (*Result, error)

	// WriteFile writes content atomically (temp file, sync, rename) and
	// chmods the destination to mode.
	WriteFile(ctx context.Context, path string, content []byte, mode fs.FileMode) error

	// Close tears the session down.
	Close() error
}

// Dialer opens an authenticated session to an asset. Credential resolution
// happens inside the dialer; callers never see secret material.
type Dialer interface {
	Dial(ctx context.Context, asset *models.Asset) (Session, error)
}
