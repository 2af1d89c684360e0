package tryon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tryon-backend/internal/failure"
	"tryon-backend/internal/provider"
	"tryon-backend/internal/shared/telemetry"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBudget       = 180 * time.Second
)

// JobState is the local lifecycle of a submitted job.
type JobState string

const (
	StateSubmitted  JobState = "submitted"
	StateQueued     JobState = "queued"
	StateProcessing JobState = "processing"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateTimedOut   JobState = "timed_out"
)

// Terminal reports whether the state accepts no further observations.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Transition applies one observed provider state to the current state.
// Terminal states absorb every observation and a job never moves back from
// processing to queued.
func Transition(current JobState, observed provider.State) JobState {
	if current.Terminal() {
		return current
	}
	switch observed {
	case provider.StateCompleted:
		return StateCompleted
	case provider.StateFailed:
		return StateFailed
	case provider.StateProcessing:
		return StateProcessing
	case provider.StateQueued:
		if current == StateProcessing {
			return StateProcessing
		}
		return StateQueued
	default:
		return current
	}
}

// Job is the in-memory record of one provider job, owned by a single call.
type Job struct {
	ID            string
	State         JobState
	Outputs       []string
	FailureReason string
	Polls         int
	SubmittedAt   time.Time
}

// Clock abstracts time so the poll loop can be driven deterministically.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in that case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poller drives a submitted job to a terminal state within a time budget.
type Poller struct {
	Client   provider.Client
	Clock    Clock
	Interval time.Duration
	Budget   time.Duration
}

// Wait polls jobID until it completes, fails, or the budget measured from
// submittedAt runs out. No status call is issued once the budget is spent.
func (p *Poller) Wait(ctx context.Context, jobID string, submittedAt time.Time) (Job, error) {
	clock := p.Clock
	if clock == nil {
		clock = RealClock()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	budget := p.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	deadline := submittedAt.Add(budget)

	job := Job{ID: jobID, State: StateSubmitted, SubmittedAt: submittedAt}
	for {
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return p.timedOut(job, budget)
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		if err := clock.Sleep(ctx, wait); err != nil {
			return job, failure.Wrap(failure.KindTimeout, "request canceled while waiting for provider", err)
		}
		remaining = deadline.Sub(clock.Now())
		if remaining <= 0 {
			return p.timedOut(job, budget)
		}

		status, err := p.status(ctx, jobID, remaining)
		job.Polls++
		if err != nil {
			if errors.Is(err, errBudgetSpent) {
				return p.timedOut(job, budget)
			}
			return job, failure.Classify(err)
		}

		prev := job.State
		job.State = Transition(prev, status.State)
		if prev != job.State {
			telemetry.Info("tryon.status", map[string]any{
				"job_id":            jobID,
				"status_transition": string(prev) + "->" + string(job.State),
				"polls":             job.Polls,
			})
		}

		switch job.State {
		case StateCompleted:
			job.Outputs = status.Outputs
			return job, nil
		case StateFailed:
			job.FailureReason = status.FailureReason()
			return job, failure.New(failure.KindProviderFailed, job.FailureReason)
		}
	}
}

var errBudgetSpent = errors.New("poll budget spent")

// status bounds a single call by what is left of the budget.
func (p *Poller) status(ctx context.Context, jobID string, remaining time.Duration) (provider.JobStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()
	status, err := p.Client.Status(callCtx, jobID)
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
		return status, fmt.Errorf("status %s: %w", jobID, errBudgetSpent)
	}
	return status, err
}

func (p *Poller) timedOut(job Job, budget time.Duration) (Job, error) {
	prev := job.State
	job.State = StateTimedOut
	telemetry.Warn("tryon.status", map[string]any{
		"job_id":            job.ID,
		"status_transition": string(prev) + "->" + string(job.State),
		"polls":             job.Polls,
	})
	return job, failure.New(failure.KindTimeout, "provider did not finish within "+budget.String())
}
