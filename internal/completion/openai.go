// ABOUTME: OpenAI Assistants backend: a request becomes a thread run, polled until it finishes.
// ABOUTME: The output is the newest assistant message written by that run.

package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// AssistantService runs requests against one OpenAI assistant.
type AssistantService struct {
	client      *openai.Client
	assistantID string
}

var _ Service = (*AssistantService)(nil)

// NewAssistantService creates a service for assistantID. Without an
// explicit option.WithAPIKey the client reads OPENAI_API_KEY.
func NewAssistantService(assistantID string, opts ...option.RequestOption) (*AssistantService, error) {
	if assistantID == "" {
		return nil, errors.New("assistant id is required")
	}
	client := openai.NewClient(opts...)
	return &AssistantService{client: &client, assistantID: assistantID}, nil
}

// Submit starts a run on a new thread holding the prompt as a user message.
func (s *AssistantService) Submit(ctx context.Context, req Request) (Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Job{}, ErrEmptyPrompt
	}

	params := openai.BetaThreadNewAndRunParams{
		AssistantID: s.assistantID,
		Thread: openai.BetaThreadNewAndRunParamsThread{
			Messages: []openai.BetaThreadNewAndRunParamsThreadMessage{{
				Role: "user",
				Content: openai.BetaThreadNewAndRunParamsThreadMessageContentUnion{
					OfString: openai.String(req.Prompt),
				},
			}},
		},
	}
	if req.Instructions != "" {
		params.Instructions = openai.String(req.Instructions)
	}

	run, err := s.client.Beta.Threads.NewAndRun(ctx, params)
	if err != nil {
		return Job{}, fmt.Errorf("creating run: %w", err)
	}

	return Job{
		ID:          run.ID,
		Thread:      run.ThreadID,
		SubmittedAt: time.Unix(run.CreatedAt, 0),
	}, nil
}

// Poll maps the run status onto Status and fetches the output once the
// run has completed.
func (s *AssistantService) Poll(ctx context.Context, job Job) (Result, error) {
	if job.ID == "" || job.Thread == "" {
		return Result{}, ErrUnknownJob
	}

	run, err := s.client.Beta.Threads.Runs.Get(ctx, job.Thread, job.ID)
	if err != nil {
		return Result{}, fmt.Errorf("retrieving run: %w", err)
	}

	res := Result{Job: job}
	switch run.Status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		res.Status = StatusPending
		return res, nil

	case openai.RunStatusCompleted:
		out, err := s.output(ctx, job)
		if err != nil {
			return Result{}, err
		}
		res.Status = StatusCompleted
		res.Output = out
		return res, nil

	case openai.RunStatusRequiresAction:
		res.Status = StatusFailed
		res.Reason = "run requires tool outputs, which are not supported"
		return res, nil

	default:
		res.Status = StatusFailed
		res.Reason = string(run.Status)
		if run.LastError.Message != "" {
			res.Reason = fmt.Sprintf("%s: %s", run.Status, run.LastError.Message)
		}
		return res, nil
	}
}

// output returns the text of the newest assistant message of the run.
func (s *AssistantService) output(ctx context.Context, job Job) (string, error) {
	page, err := s.client.Beta.Threads.Messages.List(ctx, job.Thread, openai.BetaThreadMessageListParams{
		RunID: openai.String(job.ID),
		Order: openai.BetaThreadMessageListParamsOrderDesc,
		Limit: openai.Int(10),
	})
	if err != nil {
		return "", fmt.Errorf("listing messages: %w", err)
	}

	for _, msg := range page.Data {
		if msg.Role != openai.MessageRoleAssistant {
			continue
		}
		var parts []string
		for _, c := range msg.Content {
			if c.Type == "text" && c.Text.Value != "" {
				parts = append(parts, c.Text.Value)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}
	return "", errors.New("run completed without an assistant message")
}
