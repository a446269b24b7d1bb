// ABOUTME: The cyclic communication loop: receive with timeout, react, heartbeat, idle.
// ABOUTME: Owns LoopState and reports every envelope to an optional Observer.

package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-a2a/internal/await"
	"github.com/2389/coven-a2a/internal/clock"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/transport"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultReceiveTimeout = 10 * time.Second
	DefaultCyclePeriod    = 5 * time.Second
	DefaultSendTimeout    = 10 * time.Second
)

// errStopRequested ends Run without an error.
var errStopRequested = errors.New("stop requested")

// Config describes one agent's loop.
type Config struct {
	// Name is used in log lines and in the default reaction text.
	Name string
	// Peer receives the heartbeat greeting every cycle.
	Peer envelope.Address
	// Greeting is the heartbeat message text.
	Greeting string

	ReceiveTimeout time.Duration
	CyclePeriod    time.Duration
	SendTimeout    time.Duration

	// ReactTo limits reactions to inbound envelopes of these kinds.
	// Empty means react to every inbound envelope.
	ReactTo []envelope.Kind
}

// Status is the loop's position in its state machine.
type Status int

const (
	StatusCreated Status = iota
	StatusCycling
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusCycling:
		return "cycling"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// State is a snapshot of the loop's state.
type State struct {
	Status         Status
	Running        bool
	LastReceived   *envelope.Envelope
	CyclePeriod    time.Duration
	ReceiveTimeout time.Duration
	Cycles         int
}

// Reactor builds the response to an inbound envelope. Returning nil skips
// the reaction.
type Reactor func(in *envelope.Envelope, at time.Time) *envelope.Envelope

// Acknowledge returns the default Reactor: a response to the sender whose
// text references the original content.
func Acknowledge(name string) Reactor {
	return func(in *envelope.Envelope, at time.Time) *envelope.Envelope {
		msg := fmt.Sprintf("%s processed: %s", name, in.Text())
		return envelope.NewResponse(in.From, in.ID, msg, at)
	}
}

// Observer is told about every envelope the loop handles.
type Observer interface {
	EnvelopeReceived(env *envelope.Envelope)
	EnvelopeSent(env *envelope.Envelope)
	SendFailed(env *envelope.Envelope, err error)
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used for timestamps and the idle wait.
func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithReactor replaces the default Acknowledge reactor.
func WithReactor(r Reactor) Option {
	return func(l *Loop) { l.reactor = r }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observer = o }
}

// WithCycleHook registers a function called at the start of every cycle
// with the 1-based cycle number.
func WithCycleHook(fn func(cycle int)) Option {
	return func(l *Loop) { l.onCycleStart = fn }
}

// Loop is one agent's cyclic communication loop. Run may be called once.
type Loop struct {
	cfg          Config
	transport    transport.Transport
	clock        clock.Clock
	logger       *slog.Logger
	reactor      Reactor
	observer     Observer
	onCycleStart func(cycle int)

	running atomic.Bool
	started atomic.Bool

	mu    sync.Mutex
	state State
}

// New creates a Loop over tr. It returns an error if cfg is unusable.
func New(cfg Config, tr transport.Transport, opts ...Option) (*Loop, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Peer == "" {
		return nil, errors.New("peer address is required")
	}
	if cfg.ReceiveTimeout < 0 || cfg.CyclePeriod < 0 || cfg.SendTimeout < 0 {
		return nil, errors.New("durations must not be negative")
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.CyclePeriod == 0 {
		cfg.CyclePeriod = DefaultCyclePeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Greeting == "" {
		cfg.Greeting = fmt.Sprintf("Hello from %s!", cfg.Name)
	}

	l := &Loop{
		cfg:       cfg,
		transport: tr,
		clock:     clock.Real(),
		logger:    slog.Default(),
		reactor:   Acknowledge(cfg.Name),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("component", "loop", "agent", cfg.Name)
	l.state = State{
		Status:         StatusCreated,
		CyclePeriod:    cfg.CyclePeriod,
		ReceiveTimeout: cfg.ReceiveTimeout,
	}
	return l, nil
}

// Config returns the loop's effective configuration.
func (l *Loop) Config() Config { return l.cfg }

// Running reports whether Run is currently cycling.
func (l *Loop) Running() bool { return l.running.Load() }

// State returns a snapshot of the loop state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state
	s.Running = l.running.Load()
	return s
}

// Run cycles until ctx is cancelled (returning nil) or a fatal transport
// error occurs (returning it).
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("loop already started")
	}

	l.setStatus(StatusCycling)
	l.running.Store(true)
	defer func() {
		l.running.Store(false)
		l.setStatus(StatusStopped)
	}()

	l.logger.Info("loop started",
		"peer", l.cfg.Peer,
		"receive_timeout", l.cfg.ReceiveTimeout,
		"cycle_period", l.cfg.CyclePeriod,
	)

	for cycle := 1; ; cycle++ {
		if ctx.Err() != nil {
			l.logger.Info("loop stopped", "cycles", cycle-1)
			return nil
		}

		if l.onCycleStart != nil {
			l.onCycleStart(cycle)
		}

		err := l.runCycle(ctx, cycle)
		if errors.Is(err, errStopRequested) {
			l.logger.Info("loop stopped", "cycles", cycle)
			return nil
		}
		if err != nil {
			l.logger.Error("loop stopped on fatal error", "cycle", cycle, "error", err)
			return err
		}
	}
}

// runCycle performs one receive / react / heartbeat / idle pass.
func (l *Loop) runCycle(ctx context.Context, cycle int) error {
	l.logger.Debug("cycle start", "cycle", cycle)

	in, err := l.transport.Receive(ctx, l.cfg.ReceiveTimeout)
	if err != nil {
		if ctx.Err() != nil && !transport.IsFatal(err) {
			return errStopRequested
		}
		return fmt.Errorf("receiving: %w", err)
	}
	if in == nil && ctx.Err() != nil {
		return errStopRequested
	}

	if in != nil {
		if err := l.react(ctx, in); err != nil {
			return err
		}
	}

	greeting := envelope.NewGreeting(l.cfg.Peer, l.cfg.Greeting, l.clock.Now())
	if err := l.send(ctx, greeting); err != nil {
		if transport.IsFatal(err) {
			return fmt.Errorf("sending greeting: %w", err)
		}
		l.sendFailed(greeting, &HeartbeatSendError{To: greeting.To, Err: err})
	}

	l.mu.Lock()
	l.state.Cycles = cycle
	l.mu.Unlock()

	if err := await.Sleep(ctx, l.clock, l.cfg.CyclePeriod); err != nil {
		return errStopRequested
	}
	return nil
}

// react records an inbound envelope and sends the reaction, if any.
// Only a fatal transport error is returned.
func (l *Loop) react(ctx context.Context, in *envelope.Envelope) error {
	l.mu.Lock()
	l.state.LastReceived = in
	l.mu.Unlock()

	l.logger.Info("received envelope",
		"from", in.From,
		"kind", in.Kind(),
		"text", truncate(in.Text(), 80),
	)
	if l.observer != nil {
		l.observer.EnvelopeReceived(in)
	}

	if len(l.cfg.ReactTo) > 0 && !slices.Contains(l.cfg.ReactTo, in.Kind()) {
		return nil
	}

	resp := l.reactor(in, l.clock.Now())
	if resp == nil {
		return nil
	}
	if resp.To == "" {
		l.sendFailed(resp, &ReactionSendError{To: resp.To, Err: ErrNoSender})
		return nil
	}

	if err := l.send(ctx, resp); err != nil {
		if transport.IsFatal(err) {
			return fmt.Errorf("sending response: %w", err)
		}
		l.sendFailed(resp, &ReactionSendError{To: resp.To, Err: err})
	}
	return nil
}

// send delivers env on a context that outlives a stop request but is
// bounded by SendTimeout.
func (l *Loop) send(ctx context.Context, env *envelope.Envelope) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.SendTimeout)
	defer cancel()

	if err := l.transport.Send(sendCtx, env); err != nil {
		return err
	}

	l.logger.Debug("sent envelope", "to", env.To, "kind", env.Kind(), "id", env.ID)
	if l.observer != nil {
		l.observer.EnvelopeSent(env)
	}
	return nil
}

func (l *Loop) sendFailed(env *envelope.Envelope, err error) {
	l.logger.Warn("send failed", "to", env.To, "kind", env.Kind(), "error", err)
	if l.observer != nil {
		l.observer.SendFailed(env, err)
	}
}

func (l *Loop) setStatus(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.Status = s
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
