// ABOUTME: Submit-then-poll completion collaborator: Service interface, job statuses and Await.
// ABOUTME: Await polls with an explicit backoff policy until the job reaches a terminal status.

// Package completion describes a hosted text-completion backend that works
// as submit-then-poll: a request becomes a Job, and the Job is polled until
// it is completed or failed. Await drives that cycle with a bounded backoff
// policy instead of a fixed sleep.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-a2a/internal/await"
	"github.com/2389/coven-a2a/internal/clock"
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status change is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrEmptyPrompt is returned by Submit when the request has no prompt.
var ErrEmptyPrompt = errors.New("prompt is empty")

// ErrUnknownJob is returned by Poll for a job the service does not know.
var ErrUnknownJob = errors.New("unknown job")

// Request is one completion request.
type Request struct {
	Prompt string
	// Instructions optionally override the backend's system instructions.
	Instructions string
}

// Job identifies a submitted request.
type Job struct {
	ID string
	// Thread groups jobs on backends that have conversations.
	Thread      string
	SubmittedAt time.Time
}

// Result is the outcome of one Poll.
type Result struct {
	Job    Job
	Status Status
	Output string
	// Reason explains a failed status.
	Reason string
}

// Service is a submit-then-poll completion backend.
type Service interface {
	Submit(ctx context.Context, req Request) (Job, error)
	Poll(ctx context.Context, job Job) (Result, error)
}

// JobFailedError reports a job that reached StatusFailed.
type JobFailedError struct {
	JobID  string
	Reason string
}

func (e *JobFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("completion job %s failed", e.JobID)
	}
	return fmt.Sprintf("completion job %s failed: %s", e.JobID, e.Reason)
}

// Await submits req and polls until the job is terminal or the policy
// budget runs out (await.ErrExhausted). A failed job is a *JobFailedError.
func Await(ctx context.Context, svc Service, req Request, p await.Policy, clk clock.Clock) (Result, error) {
	if clk == nil {
		clk = clock.Real()
	}

	job, err := svc.Submit(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("submitting completion: %w", err)
	}

	res, err := await.Poll(ctx, clk, p, func(ctx context.Context) (Result, bool, error) {
		r, err := svc.Poll(ctx, job)
		if err != nil {
			return Result{}, false, fmt.Errorf("polling job %s: %w", job.ID, err)
		}
		return r, r.Status.Terminal(), nil
	})
	if err != nil {
		return Result{}, err
	}

	if res.Status == StatusFailed {
		return res, &JobFailedError{JobID: job.ID, Reason: res.Reason}
	}
	return res, nil
}
