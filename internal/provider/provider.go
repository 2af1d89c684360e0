package provider

import (
	"context"
	"strings"
)

// State is the normalized provider job state.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobSpec is the provider-facing description of one try-on job.
type JobSpec struct {
	// ModelImage and GarmentImage are data URIs or public URLs.
	ModelImage       string
	GarmentImage     string
	Category         string
	Mode             string
	GarmentPhotoType string
	SegmentationFree bool
	Seed             uint32
	NumSamples       int
	ReturnBase64     bool
}

// JobStatus is a point-in-time view of a submitted job.
type JobStatus struct {
	ID      string
	State   State
	Outputs []string
	// FailureName and FailureMessage are set when State is failed.
	FailureName    string
	FailureMessage string
}

// FailureReason renders the provider's failure description.
func (s JobStatus) FailureReason() string {
	switch {
	case s.FailureName != "" && s.FailureMessage != "":
		return s.FailureName + ": " + s.FailureMessage
	case s.FailureMessage != "":
		return s.FailureMessage
	case s.FailureName != "":
		return s.FailureName
	default:
		return "provider reported failure"
	}
}

// Client submits jobs and queries their status. Implementations return
// *failure.Error values so callers never see raw upstream payloads.
type Client interface {
	Submit(ctx context.Context, spec JobSpec) (string, error)
	Status(ctx context.Context, jobID string) (JobStatus, error)
}

// normalizeState maps upstream status strings onto State.
func normalizeState(raw string) (State, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "starting", "in_queue", "queued", "pending":
		return StateQueued, true
	case "processing", "running":
		return StateProcessing, true
	case "completed", "succeeded":
		return StateCompleted, true
	case "failed", "canceled", "cancelled":
		return StateFailed, true
	default:
		return "", false
	}
}
