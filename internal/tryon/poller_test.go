package tryon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tryon-backend/internal/failure"
	"tryon-backend/internal/provider"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from     JobState
		observed provider.State
		want     JobState
	}{
		{StateSubmitted, provider.StateQueued, StateQueued},
		{StateSubmitted, provider.StateProcessing, StateProcessing},
		{StateSubmitted, provider.StateCompleted, StateCompleted},
		{StateQueued, provider.StateProcessing, StateProcessing},
		{StateQueued, provider.StateFailed, StateFailed},
		{StateProcessing, provider.StateQueued, StateProcessing},
		{StateProcessing, provider.StateCompleted, StateCompleted},
		{StateCompleted, provider.StateFailed, StateCompleted},
		{StateFailed, provider.StateCompleted, StateFailed},
		{StateTimedOut, provider.StateCompleted, StateTimedOut},
		{StateQueued, provider.State("weird"), StateQueued},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"+"+string(tt.observed), func(t *testing.T) {
			assert.Equal(t, tt.want, Transition(tt.from, tt.observed))
		})
	}
}

func newTestPoller(prov *fakeProvider, clock *fakeClock, interval, budget time.Duration) *Poller {
	return &Poller{Client: prov, Clock: clock, Interval: interval, Budget: budget}
}

func TestWaitCompletes(t *testing.T) {
	clock := newFakeClock()
	prov := &fakeProvider{clock: clock, statuses: []provider.JobStatus{
		{State: provider.StateQueued},
		{State: provider.StateProcessing},
		{State: provider.StateCompleted, Outputs: []string{"https://cdn.example.com/a.png"}},
	}}
	start := clock.Now()

	job, err := newTestPoller(prov, clock, 2*time.Second, time.Minute).Wait(context.Background(), "job-1", start)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.Equal(t, 3, job.Polls)
	assert.Equal(t, []string{"https://cdn.example.com/a.png"}, job.Outputs)
	assert.Equal(t, 6*time.Second, clock.Now().Sub(start))
}

func TestWaitProviderFailure(t *testing.T) {
	clock := newFakeClock()
	prov := &fakeProvider{clock: clock, statuses: []provider.JobStatus{
		{State: provider.StateProcessing},
		{State: provider.StateFailed, FailureName: "PoseError", FailureMessage: "no person"},
	}}

	job, err := newTestPoller(prov, clock, time.Second, time.Minute).Wait(context.Background(), "job-1", clock.Now())
	fe := failure.Classify(err)
	require.NotNil(t, fe)
	assert.Equal(t, failure.KindProviderFailed, fe.Kind)
	assert.Equal(t, "PoseError: no person", fe.Message)
	assert.Equal(t, StateFailed, job.State)
}

func TestWaitTimeoutIsBounded(t *testing.T) {
	budgets := []struct {
		interval, budget, latency time.Duration
	}{
		{2 * time.Second, 180 * time.Second, 0},
		{3 * time.Second, 10 * time.Second, 0},
		{2 * time.Second, 7 * time.Second, 700 * time.Millisecond},
		{5 * time.Second, 4 * time.Second, 0},
	}
	for _, b := range budgets {
		clock := newFakeClock()
		prov := &fakeProvider{clock: clock, latency: b.latency}
		start := clock.Now()
		deadline := start.Add(b.budget)

		job, err := newTestPoller(prov, clock, b.interval, b.budget).Wait(context.Background(), "job-1", start)
		assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
		assert.Equal(t, StateTimedOut, job.State)

		elapsed := clock.Now().Sub(start)
		assert.LessOrEqual(t, elapsed, b.budget+b.interval)
		for _, at := range prov.statusCalls {
			assert.True(t, at.Before(deadline), "status call at %v after deadline %v", at, deadline)
		}
		assert.Equal(t, job.Polls, prov.statusCount())
	}
}

func TestWaitBudgetCountsFromSubmission(t *testing.T) {
	clock := newFakeClock()
	prov := &fakeProvider{clock: clock}
	submittedAt := clock.Now()
	clock.Advance(10 * time.Second)

	job, err := newTestPoller(prov, clock, 2*time.Second, 10*time.Second).Wait(context.Background(), "job-1", submittedAt)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	assert.Equal(t, 0, job.Polls)
	assert.Equal(t, 0, prov.statusCount())
}

func TestWaitStatusErrorFailsImmediately(t *testing.T) {
	clock := newFakeClock()
	prov := &fakeProvider{clock: clock, statusErr: failure.New(failure.KindRateLimited, "slow down")}

	job, err := newTestPoller(prov, clock, time.Second, time.Minute).Wait(context.Background(), "job-1", clock.Now())
	assert.Equal(t, failure.KindRateLimited, failure.KindOf(err))
	assert.Equal(t, 1, job.Polls)
}

func TestWaitHonoursCancellation(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	prov := &fakeProvider{clock: clock, statusHook: func(n int) {
		if n == 2 {
			cancel()
		}
	}}

	job, err := newTestPoller(prov, clock, time.Second, time.Minute).Wait(ctx, "job-1", clock.Now())
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	assert.Equal(t, 2, job.Polls)
}

// hangingStatus never answers until its context is done.
type hangingStatus struct{ calls int }

func (h *hangingStatus) Submit(context.Context, provider.JobSpec) (string, error) {
	return "job-1", nil
}

func (h *hangingStatus) Status(ctx context.Context, jobID string) (provider.JobStatus, error) {
	h.calls++
	<-ctx.Done()
	return provider.JobStatus{}, failure.Wrap(failure.KindProviderUnavailable, "status call aborted", ctx.Err())
}

func TestWaitBoundsHungStatusCall(t *testing.T) {
	interval, budget := 50*time.Millisecond, 200*time.Millisecond
	stub := &hangingStatus{}
	p := &Poller{Client: stub, Clock: RealClock(), Interval: interval, Budget: budget}

	start := time.Now()
	job, err := p.Wait(context.Background(), "job-1", start)
	elapsed := time.Since(start)

	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
	assert.Equal(t, StateTimedOut, job.State)
	assert.Equal(t, 1, stub.calls)
	assert.Less(t, elapsed, budget+interval+100*time.Millisecond)
}

func TestWaitBoundsHungProviderServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	client, err := provider.NewHTTPClient(provider.Options{BaseURL: srv.URL, APIKey: "test-key", Timeout: time.Second})
	require.NoError(t, err)

	interval, budget := 50*time.Millisecond, 300*time.Millisecond
	p := &Poller{Client: client, Clock: RealClock(), Interval: interval, Budget: budget}

	start := time.Now()
	_, err = p.Wait(context.Background(), "job-1", start)
	elapsed := time.Since(start)

	assert.Equal(t, failure.KindTimeout, failure.KindOf(err), "error: %v", err)
	assert.Less(t, elapsed, budget+interval+200*time.Millisecond)
}
