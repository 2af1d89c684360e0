package tryon

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tryon-backend/internal/failure"
	"tryon-backend/internal/shared/storage/object"
)

const (
	defaultMaxAssetBytes = 25 << 20
	assetRoutePrefix     = "/api/v1/assets/"
)

// Asset is one retrievable result image.
type Asset struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
	StorageKey  string `json:"-"`
}

// Fetcher turns provider outputs into URLs the caller can load.
type Fetcher struct {
	Store object.ObjectStore
	// PublicBaseURL prefixes re-exposed asset paths; empty yields relative URLs.
	PublicBaseURL string
	// Mirror downloads URL outputs into Store instead of passing them through.
	Mirror     bool
	HTTPClient *http.Client
	MaxBytes   int64
}

// Fetch resolves every output of a completed job. Any unusable output fails the whole fetch.
func (f *Fetcher) Fetch(ctx context.Context, principal string, job Job) ([]Asset, error) {
	if len(job.Outputs) == 0 {
		return nil, failure.New(failure.KindResultUnavailable, "provider completed without outputs")
	}
	assets := make([]Asset, 0, len(job.Outputs))
	for i, out := range job.Outputs {
		out = strings.TrimSpace(out)
		var (
			asset Asset
			err   error
		)
		switch {
		case out == "":
			err = failure.New(failure.KindResultUnavailable, "provider returned an empty output")
		case isRemoteURL(out):
			if f.Mirror {
				asset, err = f.mirror(ctx, principal, job.ID, i, out)
			} else {
				asset = Asset{URL: out}
			}
		default:
			asset, err = f.storeInline(ctx, principal, job.ID, i, out)
		}
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (f *Fetcher) storeInline(ctx context.Context, principal, jobID string, idx int, out string) (Asset, error) {
	data, contentType, err := decodeInline(out)
	if err != nil {
		return Asset{}, failure.Wrap(failure.KindResultUnavailable, "provider output could not be decoded", err)
	}
	return f.save(ctx, principal, jobID, idx, contentType, data)
}

func (f *Fetcher) mirror(ctx context.Context, principal, jobID string, idx int, rawURL string) (Asset, error) {
	client := f.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Asset{}, failure.Wrap(failure.KindResultUnavailable, "invalid output url", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Asset{}, failure.Wrap(failure.KindResultUnavailable, "download provider output", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Asset{}, failure.New(failure.KindResultUnavailable, fmt.Sprintf("download provider output: status %d", resp.StatusCode)).
			WithProviderStatus(resp.StatusCode)
	}
	limit := f.maxBytes()
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Asset{}, failure.Wrap(failure.KindResultUnavailable, "read provider output", err)
	}
	if int64(len(data)) > limit {
		return Asset{}, failure.New(failure.KindResultUnavailable, "provider output too large")
	}
	if len(data) == 0 {
		return Asset{}, failure.New(failure.KindResultUnavailable, "provider output is empty")
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return Asset{}, failure.New(failure.KindResultUnavailable, "provider output is "+contentType+", not an image")
	}
	return f.save(ctx, principal, jobID, idx, contentType, data)
}

func (f *Fetcher) save(ctx context.Context, principal, jobID string, idx int, contentType string, data []byte) (Asset, error) {
	if f.Store == nil {
		return Asset{}, failure.New(failure.KindResultUnavailable, "no asset store configured")
	}
	name := fmt.Sprintf("tryon_%s_%d%s", safeJobID(jobID), idx, extensionFor(contentType))
	obj, err := f.Store.Put(ctx, principal, name, contentType, bytes.NewReader(data))
	if err != nil {
		return Asset{}, failure.Wrap(failure.KindResultUnavailable, "store provider output", err)
	}
	return Asset{
		URL:         strings.TrimRight(f.PublicBaseURL, "/") + assetRoutePrefix + obj.Key,
		ContentType: obj.ContentType,
		SizeBytes:   obj.SizeBytes,
		StorageKey:  obj.Key,
	}, nil
}

func (f *Fetcher) maxBytes() int64 {
	if f.MaxBytes > 0 {
		return f.MaxBytes
	}
	return defaultMaxAssetBytes
}

func isRemoteURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}

// decodeInline accepts a data URI or a bare base64 payload.
func decodeInline(out string) ([]byte, string, error) {
	payload := out
	contentType := ""
	if strings.HasPrefix(out, "data:") {
		meta, body, ok := strings.Cut(strings.TrimPrefix(out, "data:"), ",")
		if !ok {
			return nil, "", fmt.Errorf("malformed data uri")
		}
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("data uri is not base64 encoded")
		}
		contentType = strings.TrimSuffix(meta, ";base64")
		payload = body
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty payload")
	}
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("payload is %s, not an image", contentType)
	}
	return data, contentType, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

func safeJobID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "job"
	}
	return b.String()
}
