package executor

import (
	"context"
	"errors"

	"cellengine/model"
)

// ChannelState represents the current state of the execution channel
type ChannelState string

const (
	StateUninitialized ChannelState = "uninitialized"
	StateBootstrapping ChannelState = "bootstrapping"
	StateReady         ChannelState = "ready"
	StateRunning       ChannelState = "running"
	StateFailed        ChannelState = "failed"
)

var (
	// ErrChannelFailed is returned by Submit after the runtime failed to
	// bootstrap. The failure is permanent for the channel's lifetime.
	ErrChannelFailed = errors.New("execution runtime not available")

	// ErrChannelClosed is returned by Submit after Close.
	ErrChannelClosed = errors.New("execution channel closed")

	// ErrQueueFull is returned by Submit when the pending-run queue is at
	// capacity. The command is rejected explicitly, never dropped.
	ErrQueueFull = errors.New("run queue full")
)

// Provider is a sandboxed execution runtime behind the channel. Bootstrap
// runs once and may emit status events describing progress. Run executes
// one script, emitting stdout/stderr/display events through emit, and
// returns the exit code. Providers never emit ready or result envelopes;
// the channel owns those.
type Provider interface {
	Name() string
	Bootstrap(ctx context.Context, emit func(model.Envelope)) error
	Run(ctx context.Context, code string, emit func(model.Envelope)) (int, error)
	Close() error
}

// Job represents one queued code execution request
type Job struct {
	Language string
	Code     string
}
