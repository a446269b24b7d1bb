// ABOUTME: Anthropic Messages backend: Submit performs the call, Poll hands back the stored outcome.
// ABOUTME: Adapts a synchronous API to the submit-then-poll Service contract.

package completion

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/2389/coven-a2a/internal/clock"
)

// DefaultMaxTokens caps a Messages response when MessagesConfig leaves it unset.
const DefaultMaxTokens = 1024

// MessagesConfig configures MessagesService.
type MessagesConfig struct {
	Model     string
	MaxTokens int64
	// System is sent with every request unless the Request overrides it.
	System string
}

// MessagesService answers requests with the Anthropic Messages API. The
// call happens in Submit; each outcome is returned by exactly one Poll.
type MessagesService struct {
	client *anthropic.Client
	cfg    MessagesConfig
	clock  clock.Clock

	mu      sync.Mutex
	results map[string]Result
}

var _ Service = (*MessagesService)(nil)

// NewMessagesService creates a service. Without an explicit
// option.WithAPIKey the client reads ANTHROPIC_API_KEY.
func NewMessagesService(cfg MessagesConfig, opts ...option.RequestOption) (*MessagesService, error) {
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	client := anthropic.NewClient(opts...)
	return &MessagesService{
		client:  &client,
		cfg:     cfg,
		clock:   clock.Real(),
		results: make(map[string]Result),
	}, nil
}

// Submit sends the prompt and records the answer, or the API's refusal, for Poll.
// Transport-level errors are returned directly.
func (s *MessagesService) Submit(ctx context.Context, req Request) (Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Job{}, ErrEmptyPrompt
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.cfg.Model),
		MaxTokens: s.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	system := s.cfg.System
	if req.Instructions != "" {
		system = req.Instructions
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	job := Job{ID: uuid.NewString(), SubmittedAt: s.clock.Now()}
	res := Result{Job: job}

	msg, err := s.client.Messages.New(ctx, params)
	var apiErr *anthropic.Error
	switch {
	case errors.As(err, &apiErr):
		res.Status = StatusFailed
		res.Reason = apiErr.Error()
	case err != nil:
		return Job{}, err
	default:
		res.Status, res.Output, res.Reason = textOf(msg)
	}

	s.mu.Lock()
	s.results[job.ID] = res
	s.mu.Unlock()
	return job, nil
}

func textOf(msg *anthropic.Message) (Status, string, string) {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return StatusFailed, "", "response has no text"
	}
	return StatusCompleted, strings.Join(parts, "\n"), ""
}

// Poll returns the outcome recorded by Submit and forgets it.
func (s *MessagesService) Poll(_ context.Context, job Job) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.results[job.ID]
	if !ok {
		return Result{}, ErrUnknownJob
	}
	delete(s.results, job.ID)
	return res, nil
}
