package remote

import (
	"context"
	"io/fs"
	"sync"
	"time"

	"github.com/patchplane/patchplane/pkg/models"
)

// =============================================================================
// Scripted fakes for tests and development mode
// =============================================================================

// RunnerCall records one invocation against the fake runner.
type RunnerCall struct {
	AssetID string
	Op      string // "run", "probe", "push", "ping"
	Command string
	Path    string
	Sudo    bool
}

// FakeRunner is a scripted in-memory Runner. Behavior is driven by optional
// hooks; unset hooks succeed with exit code 0.
type FakeRunner struct {
	mu    sync.Mutex
	calls []RunnerCall

	// CommandFunc handles RunCommand when set.
	CommandFunc func(asset *models.Asset, cmd string, opts ExecOptions) (*Result, error)
	// ProbeFunc handles ProbeCommand when set; falls back to CommandFunc.
	ProbeFunc func(asset *models.Asset, cmd string, opts ExecOptions) (*Result, error)
	// PushFunc handles PushFile when set.
	PushFunc func(asset *models.Asset, path string, content []byte, mode fs.FileMode) error
	// PingFunc handles Ping when set.
	PingFunc func(asset *models.Asset) bool
}

// NewFakeRunner creates a fake runner where every operation succeeds.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

func (f *FakeRunner) record(call RunnerCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

// Calls returns a snapshot of all recorded invocations.
func (f *FakeRunner) Calls() []RunnerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RunnerCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CommandsFor returns the commands run (exclusive) against one asset, in order.
func (f *FakeRunner) CommandsFor(assetID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.AssetID == assetID && c.Op == "run" {
			out = append(out, c.Command)
		}
	}
	return out
}

// RunCommand implements Runner.
func (f *FakeRunner) RunCommand(ctx context.Context, asset *models.Asset, cmd string, opts ExecOptions) (*Result, error) {
	f.record(RunnerCall{AssetID: asset.ID.String(), Op: "run", Command: cmd, Sudo: opts.Sudo})
	if f.CommandFunc != nil {
		return f.CommandFunc(asset, cmd, opts)
	}
	return &Result{ExitCode: 0, Duration: time.Millisecond}, nil
}

// ProbeCommand implements Runner.
func (f *FakeRunner) ProbeCommand(ctx context.Context, asset *models.Asset, cmd string, opts ExecOptions) (*Result, error) {
	f.record(RunnerCall{AssetID: asset.ID.String(), Op: "probe", Command: cmd})
	if f.ProbeFunc != nil {
		return f.ProbeFunc(asset, cmd, opts)
	}
	if f.CommandFunc != nil {
		return f.CommandFunc(asset, cmd, opts)
	}
	return &Result{ExitCode: 0, Duration: time.Millisecond}, nil
}

// PushFile implements Runner.
func (f *FakeRunner) PushFile(ctx context.Context, asset *models.Asset, path string, content []byte, mode fs.FileMode) error {
	f.record(RunnerCall{AssetID: asset.ID.String(), Op: "push", Path: path})
	if f.PushFunc != nil {
		return f.PushFunc(asset, path, content, mode)
	}
	return nil
}

// Ping implements Runner.
func (f *FakeRunner) Ping(ctx context.Context, asset *models.Asset) bool {
	f.record(RunnerCall{AssetID: asset.ID.String(), Op: "ping"})
	if f.PingFunc != nil {
		return f.PingFunc(asset)
	}
	return true
}

// =============================================================================
// Fake dialer and session for pool tests
// =============================================================================

// FakeSession is an in-memory Session with optional per-call latency, used to
// exercise the pool's locking.
type FakeSession struct {
	AssetID string
	Latency time.Duration

	mu       sync.Mutex
	closed   bool
	commands []string
}

// Run pretends to execute the command.
func (s *FakeSession) Run(ctx context.Context, cmd string, opts ExecOptions) (*Result, error) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	if s.Latency > 0 {
		time.Sleep(s.Latency)
	}
	return &Result{ExitCode: 0, Duration: s.Latency}, nil
}

// WriteFile pretends to write the file.
func (s *FakeSession) WriteFile(ctx context.Context, path string, content []byte, mode fs.FileMode) error {
	if s.Latency > 0 {
		time.Sleep(s.Latency)
	}
	return nil
}

// Close marks the session closed.
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Commands returns the commands run on this session.
func (s *FakeSession) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// FakeDialer hands out FakeSessions and counts dials per asset.
type FakeDialer struct {
	Latency time.Duration
	// DialErr, when set, is returned for every dial.
	DialErr error

	mu       sync.Mutex
	sessions map[string]*FakeSession
	dials    map[string]int
}

// NewFakeDialer creates a fake dialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		sessions: make(map[string]*FakeSession),
		dials:    make(map[string]int),
	}
}

// Dial returns a fake session for the asset.
func (d *FakeDialer) Dial(ctx context.Context, asset *models.Asset) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.DialErr != nil {
		return nil, d.DialErr
	}

	id := asset.ID.String()
	d.dials[id]++
	s := &FakeSession{AssetID: id, Latency: d.Latency}
	d.sessions[id] = s
	return s, nil
}

// DialCount returns how many times the asset was dialed.
func (d *FakeDialer) DialCount(assetID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[assetID]
}

// SessionFor returns the most recent session dialed for the asset.
func (d *FakeDialer) SessionFor(assetID string) *FakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[assetID]
}
