// ABOUTME: Agent lifecycle controller: dial, install one loop, run it, stop it, close the transport once.
// ABOUTME: Lifecycle transitions are reported through explicit OnSetup/OnCycleStart/OnStop hooks.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-a2a/internal/clock"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/loop"
	"github.com/2389/coven-a2a/internal/transport"
)

// Config describes one agent.
type Config struct {
	loop.Config

	// Address is the agent's own address, used in logs.
	Address envelope.Address
	// DialTimeout bounds the dial in Setup. Zero leaves it to the caller's ctx.
	DialTimeout time.Duration
}

type options struct {
	logger       *slog.Logger
	clock        clock.Clock
	observer     loop.Observer
	reactor      loop.Reactor
	onSetup      func(ctx context.Context, h *Handle) error
	onCycleStart func(cycle int)
	onStop       func(err error)
}

// Option configures Setup.
type Option func(*options)

// WithLogger sets the logger for the agent and its loop.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the loop's clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithObserver registers a loop observer, such as a journal.
func WithObserver(obs loop.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithReactor replaces the loop's default reaction policy.
func WithReactor(r loop.Reactor) Option {
	return func(o *options) { o.reactor = r }
}

// OnSetup registers a hook run after dialing and before the first cycle.
func OnSetup(fn func(ctx context.Context, h *Handle) error) Option {
	return func(o *options) { o.onSetup = fn }
}

// OnCycleStart registers a hook run at the start of every cycle.
func OnCycleStart(fn func(cycle int)) Option {
	return func(o *options) { o.onCycleStart = fn }
}

// OnStop registers a hook run once after the loop has stopped and the
// transport is closed.
func OnStop(fn func(err error)) Option {
	return func(o *options) { o.onStop = fn }
}

// Handle controls one running agent.
type Handle struct {
	name      string
	loop      *loop.Loop
	transport transport.Transport
	logger    *slog.Logger
	onStop    func(err error)

	cancel context.CancelFunc
	done   chan struct{}
	err    error // written before done is closed

	closeOnce sync.Once
}

// Setup dials the transport, runs the OnSetup hook and starts the loop.
// The loop keeps running after ctx is done; use Stop to end it.
func Setup(ctx context.Context, cfg Config, dialer transport.Dialer, opts ...Option) (*Handle, error) {
	o := options{
		logger: slog.Default(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if dialer == nil {
		return nil, &SetupError{Agent: cfg.Name, Reason: ReasonInvalidConfig, Err: errors.New("no dialer")}
	}
	if cfg.Peer == "" {
		return nil, &SetupError{Agent: cfg.Name, Reason: ReasonInvalidConfig, Err: errors.New("peer address is required")}
	}

	logger := o.logger.With("component", "agent", "agent", cfg.Name)

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	tr, err := dialer.Dial(dialCtx)
	if err != nil {
		return nil, &SetupError{Agent: cfg.Name, Reason: ReasonDialFailed, Err: err}
	}

	loopOpts := []loop.Option{
		loop.WithClock(o.clock),
		loop.WithLogger(o.logger),
	}
	if o.observer != nil {
		loopOpts = append(loopOpts, loop.WithObserver(o.observer))
	}
	if o.reactor != nil {
		loopOpts = append(loopOpts, loop.WithReactor(o.reactor))
	}
	if o.onCycleStart != nil {
		loopOpts = append(loopOpts, loop.WithCycleHook(o.onCycleStart))
	}

	l, err := loop.New(cfg.Config, tr, loopOpts...)
	if err != nil {
		closeQuietly(tr, logger)
		return nil, &SetupError{Agent: cfg.Name, Reason: ReasonInvalidConfig, Err: err}
	}

	h := &Handle{
		name:      cfg.Name,
		loop:      l,
		transport: tr,
		logger:    logger,
		onStop:    o.onStop,
		done:      make(chan struct{}),
	}

	if o.onSetup != nil {
		if err := o.onSetup(ctx, h); err != nil {
			closeQuietly(tr, logger)
			return nil, &SetupError{Agent: cfg.Name, Reason: ReasonHookFailed, Err: err}
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel
	go h.run(runCtx)

	logger.Info("agent started", "address", cfg.Address, "peer", cfg.Peer)
	return h, nil
}

func closeQuietly(tr transport.Transport, logger *slog.Logger) {
	if err := tr.Close(); err != nil {
		logger.Warn("closing transport", "error", err)
	}
}

func (h *Handle) run(ctx context.Context) {
	err := h.loop.Run(ctx)
	h.closeTransport()

	if err != nil {
		h.logger.Error("agent stopped on fatal error", "error", err)
	} else {
		h.logger.Info("agent stopped", "cycles", h.loop.State().Cycles)
	}

	h.err = err
	if h.onStop != nil {
		h.onStop(err)
	}
	close(h.done)
}

func (h *Handle) closeTransport() {
	h.closeOnce.Do(func() { closeQuietly(h.transport, h.logger) })
}

// Name returns the agent's name.
func (h *Handle) Name() string { return h.name }

// Stop asks the loop to stop and waits until it has finished its current
// cycle and the transport is closed. Calling Stop again is harmless.
func (h *Handle) Stop(ctx context.Context) error {
	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return &StopError{Agent: h.name, TimeoutExceeded: true, Err: ctx.Err()}
	}
}

// IsRunning reports whether the loop has not yet stopped.
func (h *Handle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the loop has stopped and the transport is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the fatal error that stopped the loop. It is nil while the
// loop runs and after a requested stop.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// State returns a snapshot of the loop state.
func (h *Handle) State() loop.State { return h.loop.State() }
