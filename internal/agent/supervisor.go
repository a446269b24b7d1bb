// ABOUTME: Supervisor runs many agents under one errgroup and stops them together.
// ABOUTME: NotifyShutdown turns SIGINT/SIGTERM into context cancellation.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-a2a/internal/loop"
	"github.com/2389/coven-a2a/internal/transport"
)

// DefaultShutdownTimeout bounds how long Supervisor.Run waits for each
// agent to stop.
const DefaultShutdownTimeout = 15 * time.Second

type member struct {
	cfg    Config
	dialer transport.Dialer
	opts   []Option
}

// Supervisor owns a set of agents for the lifetime of one Run.
type Supervisor struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration

	mu      sync.Mutex
	members []member
	handles map[string]*Handle
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor(logger *slog.Logger, shutdownTimeout time.Duration) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Supervisor{
		logger:          logger.With("component", "supervisor"),
		shutdownTimeout: shutdownTimeout,
		handles:         make(map[string]*Handle),
	}
}

// Add registers an agent to be started by Run. Names must be unique.
func (s *Supervisor) Add(cfg Config, dialer transport.Dialer, opts ...Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.cfg.Name == cfg.Name {
			return fmt.Errorf("adding agent %s: %w", cfg.Name, ErrDuplicateAgent)
		}
	}
	s.members = append(s.members, member{cfg: cfg, dialer: dialer, opts: opts})
	return nil
}

// Len returns the number of registered agents.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// States returns a snapshot of every started agent's loop state by name.
func (s *Supervisor) States() map[string]loop.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]loop.State, len(s.handles))
	for name, h := range s.handles {
		out[name] = h.State()
	}
	return out
}

// Run starts every agent and blocks until ctx is cancelled or one agent
// fails. All agents are stopped before Run returns. The result joins every
// agent's setup, fatal or stop error; it is nil after a clean cancel.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	members := append([]member(nil), s.members...)
	s.mu.Unlock()

	if len(members) == 0 {
		return errors.New("no agents configured")
	}

	var (
		errMu sync.Mutex
		errs  []error
	)
	record := func(err error) error {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
		return err
	}

	s.logger.Info("starting agents", "count", len(members))

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		g.Go(func() error {
			h, err := Setup(gctx, m.cfg, m.dialer, m.opts...)
			if err != nil {
				return record(err)
			}

			s.mu.Lock()
			s.handles[m.cfg.Name] = h
			s.mu.Unlock()

			select {
			case <-h.Done():
				if err := h.Err(); err != nil {
					return record(fmt.Errorf("agent %s: %w", m.cfg.Name, err))
				}
				return nil
			case <-gctx.Done():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := h.Stop(stopCtx); err != nil {
				return record(err)
			}
			// The loop may have failed on its own while we were stopping it.
			if err := h.Err(); err != nil {
				return record(fmt.Errorf("agent %s: %w", m.cfg.Name, err))
			}
			return nil
		})
	}

	_ = g.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	if len(errs) > 0 {
		s.logger.Error("agents stopped with errors", "errors", len(errs))
		return errors.Join(errs...)
	}
	s.logger.Info("all agents stopped")
	return nil
}

// NotifyShutdown returns a context cancelled on SIGINT or SIGTERM.
func NotifyShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
