package tryon

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"tryon-backend/internal/failure"
	"tryon-backend/internal/imageprep"
	"tryon-backend/internal/ledger"
	"tryon-backend/internal/provider"
	"tryon-backend/internal/shared/metrics"
	"tryon-backend/internal/shared/telemetry"
)

const maxSamples = 4

var (
	garmentPhotoTypes = []string{"auto", "model", "flat-lay"}
	categories        = []string{"auto", "tops", "bottoms", "one-pieces"}
	modes             = []string{"performance", "balanced", "quality"}
)

// Upload is a raw image as received from the caller.
type Upload struct {
	Data        []byte
	ContentType string
}

// Request is a single try-on request.
type Request struct {
	Principal        string
	Subject          Upload
	Garment          Upload
	GarmentPhotoType string
	Category         string
	Mode             string
	SegmentationFree bool
	Seed             int64
	NumSamples       int
	Tier             ledger.Tier
}

// Outcome is the successful result of a try-on.
type Outcome struct {
	JobID    string        `json:"jobId"`
	Tier     ledger.Tier   `json:"tier"`
	Cost     int64         `json:"cost"`
	Balance  int64         `json:"balance"`
	Images   []Asset       `json:"images"`
	Polls    int           `json:"-"`
	Duration time.Duration `json:"-"`
}

// Normalize fills option defaults and validates ranges and enums.
func (r *Request) Normalize() error {
	if strings.TrimSpace(r.Principal) == "" {
		return failure.New(failure.KindUnauthorized, "missing identity")
	}
	if len(r.Subject.Data) == 0 {
		return failure.Validation("subject image is required")
	}
	if len(r.Garment.Data) == 0 {
		return failure.Validation("garment image is required")
	}
	var err error
	if r.GarmentPhotoType, err = oneOf("garment_photo_type", r.GarmentPhotoType, garmentPhotoTypes); err != nil {
		return err
	}
	if r.Category, err = oneOf("category", r.Category, categories); err != nil {
		return err
	}
	if r.Mode == "" {
		r.Mode = "balanced"
	}
	if r.Mode, err = oneOf("mode", r.Mode, modes); err != nil {
		return err
	}
	if r.NumSamples == 0 {
		r.NumSamples = 1
	}
	if r.NumSamples < 1 || r.NumSamples > maxSamples {
		return failure.Validation(fmt.Sprintf("num_samples must be between 1 and %d", maxSamples))
	}
	if r.Seed < 0 || r.Seed > math.MaxUint32 {
		return failure.Validation("seed must be between 0 and 4294967295")
	}
	if r.Tier == "" {
		r.Tier = ledger.TierStandard
	}
	if _, err := ledger.ParseTier(string(r.Tier)); err != nil {
		return failure.Validation("tier must be standard or high")
	}
	return nil
}

// oneOf lowercases raw and checks it against allowed; empty picks allowed[0].
func oneOf(field, raw string, allowed []string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return allowed[0], nil
	}
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}
	return "", failure.Validation(fmt.Sprintf("%s must be one of %s", field, strings.Join(allowed, ", ")))
}

// Service orchestrates preprocessing, metering and the provider round trip.
type Service struct {
	Prep     *imageprep.Preprocessor
	Ledger   *ledger.Gate
	Provider provider.Client
	Poller   *Poller
	Fetcher  *Fetcher
	Clock    Clock
	// ReturnBase64 asks the provider for inline outputs instead of hosted URLs.
	ReturnBase64 bool
}

// Run executes one try-on. On failure the error is always a *failure.Error
// and any reserved tokens have been returned to the principal.
func (s *Service) Run(ctx context.Context, req Request) (Outcome, error) {
	clock := s.clock()
	started := clock.Now()

	out, err := s.run(ctx, &req, clock)
	out.Duration = clock.Now().Sub(started)
	metrics.ObserveTryOnDuration(out.Duration)

	fields := map[string]any{
		"user_id":     req.Principal,
		"job_id":      out.JobID,
		"tier":        string(req.Tier),
		"polls":       out.Polls,
		"duration_ms": out.Duration.Milliseconds(),
	}
	if err != nil {
		fe := failure.Classify(err)
		metrics.IncTryOn(string(fe.Kind))
		fields["kind"] = string(fe.Kind)
		fields["error"] = fe.Error()
		if fe.ProviderStatus != 0 {
			fields["provider_status"] = fe.ProviderStatus
		}
		telemetry.Info("tryon.failed", fields)
		return out, fe
	}
	metrics.IncTryOn("success")
	fields["images"] = len(out.Images)
	telemetry.Info("tryon.completed", fields)
	return out, nil
}

func (s *Service) run(ctx context.Context, req *Request, clock Clock) (out Outcome, err error) {
	if err := req.Normalize(); err != nil {
		return out, err
	}
	subject, err := s.Prep.Prepare(req.Subject.Data, req.Subject.ContentType, imageprep.RoleSubject)
	if err != nil {
		return out, err
	}
	garment, err := s.Prep.Prepare(req.Garment.Data, req.Garment.ContentType, imageprep.RoleGarment)
	if err != nil {
		return out, err
	}

	res, err := s.Ledger.Reserve(ctx, req.Principal, req.Tier)
	if err != nil {
		return out, err
	}
	defer res.ReleaseUnlessCommitted(ctx)
	out.Tier = res.Tier
	out.Cost = res.Amount

	submittedAt := clock.Now()
	jobID, err := s.Provider.Submit(ctx, provider.JobSpec{
		ModelImage:       subject.DataURI(),
		GarmentImage:     garment.DataURI(),
		Category:         req.Category,
		Mode:             req.Mode,
		GarmentPhotoType: req.GarmentPhotoType,
		SegmentationFree: req.SegmentationFree,
		Seed:             uint32(req.Seed),
		NumSamples:       req.NumSamples,
		ReturnBase64:     s.ReturnBase64,
	})
	if err != nil {
		return out, failure.Classify(err)
	}
	out.JobID = jobID
	telemetry.Info("tryon.status", map[string]any{
		"job_id":            jobID,
		"user_id":           req.Principal,
		"reservation_id":    res.ID,
		"status_transition": "->" + string(StateSubmitted),
	})

	job, err := s.Poller.Wait(ctx, jobID, submittedAt)
	out.Polls = job.Polls
	metrics.ObservePolls(job.Polls)
	if err != nil {
		return out, err
	}

	images, err := s.Fetcher.Fetch(ctx, req.Principal, job)
	if err != nil {
		return out, err
	}
	if !res.Commit() {
		return out, failure.New(failure.KindInternal, "reservation settled before commit")
	}
	out.Images = images
	out.Balance = res.BalanceAfter
	return out, nil
}

func (s *Service) clock() Clock {
	if s.Clock != nil {
		return s.Clock
	}
	return RealClock()
}
