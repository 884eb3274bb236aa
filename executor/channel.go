package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cellengine/model"
)

// Channel runs submitted code in an isolated execution runtime and streams
// events back without blocking the caller. At most one run is in flight at
// a time; commands submitted before the runtime is ready, or while another
// run is active, queue FIFO and are never silently dropped.
type Channel struct {
	provider Provider
	logger   *logrus.Logger

	events chan model.Envelope
	jobs   chan Job

	mu    sync.Mutex
	state ChannelState

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewChannel creates a channel over the given provider and starts the
// bootstrap in the background. Events (status, ready, run output, results)
// arrive on Events.
func NewChannel(provider Provider, maxQueued int, logger *logrus.Logger) *Channel {
	if maxQueued <= 0 {
		maxQueued = 8
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Channel{
		provider: provider,
		logger:   logger,
		events:   make(chan model.Envelope, 256),
		jobs:     make(chan Job, maxQueued),
		state:    StateUninitialized,
		done:     make(chan struct{}),
	}

	c.wg.Add(1)
	go c.loop()

	return c
}

// Events returns the outbound event stream. The channel is closed once the
// loop exits (after Close, or once a failed bootstrap has drained the queue).
func (c *Channel) Events() <-chan model.Envelope {
	return c.events
}

// State reports the channel's current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(state ChannelState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Submit enqueues one run command. It returns an error only when the
// command cannot be accepted at all: the runtime failed to bootstrap, the
// channel was closed, or the queue is full. Accepted commands are
// guaranteed exactly one terminal result event.
func (c *Channel) Submit(language, code string) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state == StateFailed {
		return ErrChannelFailed
	}

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.jobs <- Job{Language: language, Code: code}:
		return nil
	default:
		return fmt.Errorf("%w, max capacity: %d", ErrQueueFull, cap(c.jobs))
	}
}

// Close tears the channel down. In-flight state is lost; a new channel must
// re-run the full bootstrap before further commands are accepted.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// loop owns all state transitions: bootstrap once, then serve queued jobs
// strictly one at a time.
func (c *Channel) loop() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.provider.Close()

	c.setState(StateBootstrapping)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	start := time.Now()
	if err := c.provider.Bootstrap(ctx, c.emit); err != nil {
		c.logger.WithFields(logrus.Fields{
			"provider": c.provider.Name(),
			"error":    err,
		}).Error("Bootstrap failed")
		c.setState(StateFailed)
		c.emit(model.NewEnvelope(model.TypeStderr,
			fmt.Sprintf("execution runtime failed to start: %v", err)))
		c.drainQueue()
		return
	}
	c.logger.WithFields(logrus.Fields{
		"provider": c.provider.Name(),
		"duration": time.Since(start),
	}).Info("Runtime ready")

	c.setState(StateReady)
	c.emit(model.NewEnvelope(model.TypeReady, nil))

	for {
		select {
		case job := <-c.jobs:
			c.runJob(ctx, job)
		case <-c.done:
			return
		}
	}
}

// runJob executes a single queued command and emits its terminal result.
func (c *Channel) runJob(ctx context.Context, job Job) {
	c.setState(StateRunning)
	defer func() {
		c.emit(model.NewEnvelope(model.TypeStatus, "ready"))
		c.setState(StateReady)
	}()

	config, ok := GetLanguageConfig(job.Language)
	if !ok {
		c.emit(model.NewEnvelope(model.TypeStderr,
			fmt.Sprintf("Unsupported language: %s", job.Language)))
		c.emit(model.NewEnvelope(model.TypeResult, model.ResultData{ExitCode: model.ExitRejected}))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	start := time.Now()
	exitCode, err := c.provider.Run(runCtx, job.Code, c.emitRunEvent)
	duration := time.Since(start)

	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"provider": c.provider.Name(),
			"duration": duration,
			"error":    err,
		}).Error("Execution failed")
		c.emit(model.NewEnvelope(model.TypeStderr, err.Error()))
		c.emit(model.NewEnvelope(model.TypeResult, model.ResultData{ExitCode: model.ExitRaised}))
		return
	}

	c.logger.WithFields(logrus.Fields{
		"provider": c.provider.Name(),
		"duration": duration,
		"exitCode": exitCode,
	}).Debug("Execution completed")
	c.emit(model.NewEnvelope(model.TypeResult, model.ResultData{ExitCode: exitCode}))
}

// drainQueue rejects every queued command after a fatal bootstrap failure.
// Each gets an explicit rejection so no user-initiated run vanishes.
func (c *Channel) drainQueue() {
	// Late submits race the failed-state check and must still be answered,
	// so keep draining until Close.
	for {
		select {
		case <-c.jobs:
			c.emit(model.NewEnvelope(model.TypeStderr, "execution runtime not available"))
			c.emit(model.NewEnvelope(model.TypeResult, model.ResultData{ExitCode: model.ExitRejected}))
		case <-c.done:
			return
		}
	}
}

// emit delivers one envelope to the consumer, giving up only on Close.
func (c *Channel) emit(envelope model.Envelope) {
	select {
	case c.events <- envelope:
	case <-c.done:
	}
}

// emitRunEvent forwards provider output, filtering envelope types the
// channel reserves for itself so the one-result-per-run invariant holds.
func (c *Channel) emitRunEvent(envelope model.Envelope) {
	switch envelope.Type {
	case model.TypeResult, model.TypeReady:
		c.logger.WithFields(logrus.Fields{
			"provider": c.provider.Name(),
			"type":     envelope.Type,
		}).Warn("Provider emitted reserved event type, dropping")
		return
	}
	c.emit(envelope)
}
