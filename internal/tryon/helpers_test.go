package tryon

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"tryon-backend/internal/imageprep"
	"tryon-backend/internal/ledger"
	"tryon-backend/internal/provider"
	localstore "tryon-backend/internal/shared/storage/object/local"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
}

// fakeProvider replays scripted statuses; the last one repeats forever.
type fakeProvider struct {
	mu        sync.Mutex
	clock     *fakeClock
	latency   time.Duration
	submitID  string
	submitErr error
	statuses  []provider.JobStatus
	statusErr error
	// statusHook runs before each status call with its 1-based index.
	statusHook func(n int)

	submits     int
	statusCalls []time.Time
	lastSpec    provider.JobSpec
}

func (p *fakeProvider) Submit(ctx context.Context, spec provider.JobSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	p.lastSpec = spec
	if p.submitErr != nil {
		return "", p.submitErr
	}
	if p.submitID == "" {
		return "job-1", nil
	}
	return p.submitID, nil
}

func (p *fakeProvider) Status(ctx context.Context, jobID string) (provider.JobStatus, error) {
	p.mu.Lock()
	n := len(p.statusCalls) + 1
	if p.clock != nil {
		p.statusCalls = append(p.statusCalls, p.clock.Now())
	} else {
		p.statusCalls = append(p.statusCalls, time.Time{})
	}
	hook := p.statusHook
	p.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if p.clock != nil && p.latency > 0 {
		p.clock.Advance(p.latency)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return provider.JobStatus{}, p.statusErr
	}
	if len(p.statuses) == 0 {
		return provider.JobStatus{ID: jobID, State: provider.StateProcessing}, nil
	}
	idx := n - 1
	if idx >= len(p.statuses) {
		idx = len(p.statuses) - 1
	}
	st := p.statuses[idx]
	st.ID = jobID
	return st, nil
}

func (p *fakeProvider) statusCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.statusCalls)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, G: 10, B: 10, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	svc      *Service
	provider *fakeProvider
	clock    *fakeClock
	store    *ledger.MemoryStore
	gate     *ledger.Gate
	assetDir string
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	clock := newFakeClock()
	prov := &fakeProvider{
		clock: clock,
		statuses: []provider.JobStatus{
			{State: provider.StateQueued},
			{State: provider.StateProcessing},
			{State: provider.StateCompleted, Outputs: []string{"https://cdn.example.com/out.png"}},
		},
	}
	store := ledger.NewMemoryStore(0)
	store.Set("user-1", balance)
	gate := ledger.NewGate(store, ledger.DefaultPricing())
	gate.ReleaseBackoff = time.Millisecond
	dir := t.TempDir()

	svc := &Service{
		Prep:     imageprep.New(imageprep.Options{}),
		Ledger:   gate,
		Provider: prov,
		Poller: &Poller{
			Client:   prov,
			Clock:    clock,
			Interval: 2 * time.Second,
			Budget:   180 * time.Second,
		},
		Fetcher: &Fetcher{Store: localstore.New(dir)},
		Clock:   clock,
	}
	return &fixture{svc: svc, provider: prov, clock: clock, store: store, gate: gate, assetDir: dir}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := f.store.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func validRequest(t *testing.T) Request {
	t.Helper()
	img := pngBytes(t, 64, 96)
	return Request{
		Principal: "user-1",
		Subject:   Upload{Data: img, ContentType: "image/png"},
		Garment:   Upload{Data: img, ContentType: "image/png"},
		Category:  "tops",
		Tier:      ledger.TierStandard,
	}
}
