// ABOUTME: Loop reactor that answers inbound envelopes with a completion from a Service.
// ABOUTME: Falls back to the plain acknowledgement when the backend fails or times out.

package completion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-a2a/internal/await"
	"github.com/2389/coven-a2a/internal/clock"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/loop"
)

// ReactorConfig configures Reactor.
type ReactorConfig struct {
	// Name is the agent name used in the fallback acknowledgement.
	Name string
	// Instructions are passed with every request.
	Instructions string
	Policy       await.Policy
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Reactor returns a loop.Reactor whose responses carry the completion of
// the inbound text. The wait is bounded by cfg.Policy.
func Reactor(svc Service, cfg ReactorConfig) loop.Reactor {
	fallback := loop.Acknowledge(cfg.Name)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "completion", "agent", cfg.Name)

	return func(in *envelope.Envelope, at time.Time) *envelope.Envelope {
		prompt := fmt.Sprintf("Message from %s: %s", in.From, in.Text())

		start := clk.Now()
		res, err := Await(context.Background(), svc, Request{Prompt: prompt, Instructions: cfg.Instructions}, cfg.Policy, clk)
		if err != nil {
			logger.Warn("completion failed, acknowledging instead", "in_reply_to", in.ID, "error", err)
			return fallback(in, at)
		}

		logger.Debug("completion ready", "in_reply_to", in.ID, "job_id", res.Job.ID, "elapsed", clk.Now().Sub(start))
		return envelope.NewResponse(in.From, in.ID, res.Output, clk.Now())
	}
}
