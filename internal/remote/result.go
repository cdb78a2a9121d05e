package remote

import (
	"time"
)

// TruncationMarker is appended to captured output that exceeded the byte cap.
const TruncationMarker = "\n...[truncated]"

// DefaultMaxOutputBytes caps each captured stream when no limit is configured.
const DefaultMaxOutputBytes = 64 * 1024

// Result is the structured outcome of one remote command.
type Result struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timedOut"`
}

// OK reports remote success: clean exit and no timeout.
func (r *Result) OK() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// CapOutput bounds captured output to max bytes, marking truncation.
func CapOutput(out []byte, max int) string {
	if max <= 0 {
		max = DefaultMaxOutputBytes
	}
	if len(out) <= max {
		return string(out)
	}
	return string(out[:max]) + TruncationMarker
}
