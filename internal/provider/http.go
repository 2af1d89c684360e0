package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"tryon-backend/internal/failure"
	"tryon-backend/internal/shared/metrics"
	"tryon-backend/internal/shared/telemetry"
)

const (
	DefaultBaseURL   = "https://api.fashn.ai/v1"
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 8 << 20
	breakerName      = "tryon-provider"
)

// Options configures the HTTP client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	// BreakerFailures is the consecutive transport failures that open the circuit.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// HTTPClient talks to the inference provider's REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
}

// NewHTTPClient constructs a provider client.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("PROVIDER_API_KEY is required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid provider base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	openFor := opts.BreakerTimeout
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// only transport-level trouble counts against the provider
		IsSuccessful: func(err error) bool {
			return failure.KindOf(err) != failure.KindProviderUnavailable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			telemetry.Warn("provider.breaker", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	return &HTTPClient{
		baseURL:    base,
		apiKey:     opts.APIKey,
		httpClient: hc,
		breaker:    gobreaker.NewCircuitBreaker[*http.Response](settings),
	}, nil
}

type runRequest struct {
	ModelImage       string `json:"model_image"`
	GarmentImage     string `json:"garment_image"`
	Category         string `json:"category,omitempty"`
	Mode             string `json:"mode,omitempty"`
	GarmentPhotoType string `json:"garment_photo_type,omitempty"`
	SegmentationFree bool   `json:"segmentation_free"`
	Seed             uint32 `json:"seed"`
	NumSamples       int    `json:"num_samples"`
	ReturnBase64     bool   `json:"return_base64,omitempty"`
}

type runResponse struct {
	ID    string          `json:"id"`
	Error json.RawMessage `json:"error,omitempty"`
}

type statusResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output []string        `json:"output"`
	Error  json.RawMessage `json:"error,omitempty"`
}

type errorEnvelope struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Submit creates a job and returns its provider id.
func (c *HTTPClient) Submit(ctx context.Context, spec JobSpec) (string, error) {
	numSamples := spec.NumSamples
	if numSamples <= 0 {
		numSamples = 1
	}
	payload, err := json.Marshal(runRequest{
		ModelImage:       spec.ModelImage,
		GarmentImage:     spec.GarmentImage,
		Category:         spec.Category,
		Mode:             spec.Mode,
		GarmentPhotoType: spec.GarmentPhotoType,
		SegmentationFree: spec.SegmentationFree,
		Seed:             spec.Seed,
		NumSamples:       numSamples,
		ReturnBase64:     spec.ReturnBase64,
	})
	if err != nil {
		return "", failure.Wrap(failure.KindInternal, "encode provider request", err)
	}

	body, err := c.do(ctx, "submit", http.MethodPost, c.baseURL+"/run", payload)
	if err != nil {
		return "", err
	}

	var parsed runResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.IncProviderCall("submit", "protocol_error")
		return "", failure.Wrap(failure.KindProviderUnavailable, "provider returned malformed submit response", err)
	}
	if name, msg := decodeErrorField(parsed.Error); name != "" || msg != "" {
		metrics.IncProviderCall("submit", "rejected")
		return "", failure.New(failure.KindProviderFailed, joinReason(name, msg))
	}
	if strings.TrimSpace(parsed.ID) == "" {
		metrics.IncProviderCall("submit", "protocol_error")
		return "", failure.New(failure.KindProviderUnavailable, "provider response missing job id")
	}
	metrics.IncProviderCall("submit", "ok")
	return parsed.ID, nil
}

// Status returns the current state of jobID.
func (c *HTTPClient) Status(ctx context.Context, jobID string) (JobStatus, error) {
	if strings.TrimSpace(jobID) == "" {
		return JobStatus{}, failure.New(failure.KindInternal, "job id is required")
	}
	body, err := c.do(ctx, "status", http.MethodGet, c.baseURL+"/status/"+url.PathEscape(jobID), nil)
	if err != nil {
		return JobStatus{}, err
	}

	var parsed statusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		metrics.IncProviderCall("status", "protocol_error")
		return JobStatus{}, failure.Wrap(failure.KindProviderUnavailable, "provider returned malformed status response", err)
	}
	state, ok := normalizeState(parsed.Status)
	if !ok {
		metrics.IncProviderCall("status", "protocol_error")
		return JobStatus{}, failure.New(failure.KindProviderUnavailable, fmt.Sprintf("provider returned unknown status %q", parsed.Status))
	}
	status := JobStatus{
		ID:      parsed.ID,
		State:   state,
		Outputs: parsed.Output,
	}
	if status.ID == "" {
		status.ID = jobID
	}
	if state == StateFailed {
		status.FailureName, status.FailureMessage = decodeErrorField(parsed.Error)
	}
	metrics.IncProviderCall("status", "ok")
	return status, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, endpoint string, payload []byte) ([]byte, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return nil, failure.Wrap(failure.KindInternal, "build provider request", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, transportError(ctx, err)
		}
		if resp.StatusCode >= 500 {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.IncProviderCall(op, "circuit_open")
			return nil, failure.Wrap(failure.KindProviderUnavailable, "provider temporarily unavailable", err)
		}
		metrics.IncProviderCall(op, string(failure.KindOf(err)))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		fe := statusError(resp)
		metrics.IncProviderCall(op, string(fe.Kind))
		return nil, fe
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.IncProviderCall(op, "read_error")
		return nil, transportError(ctx, err)
	}
	return body, nil
}

func transportError(ctx context.Context, err error) *failure.Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return failure.Wrap(failure.KindTimeout, "provider call canceled", ctxErr)
	}
	return failure.Wrap(failure.KindProviderUnavailable, "provider unreachable", err)
}

// statusError converts a non-2xx provider response into a typed failure.
func statusError(resp *http.Response) *failure.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	name, msg := decodeEnvelope(raw)
	reason := joinReason(name, msg)
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	var fe *failure.Error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		fe = failure.New(failure.KindUnauthorized, "provider rejected credentials")
	case resp.StatusCode == http.StatusTooManyRequests:
		fe = failure.New(failure.KindRateLimited, "provider rate limit reached")
		fe.RetryAfterSeconds = parseRetryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		fe = failure.New(failure.KindProviderUnavailable, "provider error: "+reason)
	default:
		fe = failure.New(failure.KindProviderFailed, "provider rejected request: "+reason)
	}
	return fe.WithProviderStatus(resp.StatusCode)
}

func decodeEnvelope(raw []byte) (string, string) {
	var env struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", ""
	}
	name, msg := decodeErrorField(env.Error)
	if msg == "" {
		msg = env.Message
	}
	if msg == "" {
		msg = env.Detail
	}
	return name, msg
}

// decodeErrorField accepts either a string or a {name, message} object.
func decodeErrorField(raw json.RawMessage) (string, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return "", strings.TrimSpace(s)
	}
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil {
		return strings.TrimSpace(env.Name), strings.TrimSpace(env.Message)
	}
	return "", ""
}

func joinReason(name, msg string) string {
	switch {
	case name != "" && msg != "":
		return name + ": " + msg
	case msg != "":
		return msg
	default:
		return name
	}
}

func parseRetryAfter(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return secs
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return int(d.Round(time.Second) / time.Second)
		}
	}
	return 0
}

var _ Client = (*HTTPClient)(nil)
