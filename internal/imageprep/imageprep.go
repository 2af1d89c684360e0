package imageprep

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"net/http"
	"strings"

	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register webp decoder with image.Decode

	"tryon-backend/internal/failure"
)

const (
	DefaultMaxBytes     = 10 << 20
	DefaultMaxDimension = 2000
	DefaultQuality      = 0.95
	DefaultMaxPixels    = 50_000_000
)

// Role tags which side of the try-on an image belongs to.
type Role string

const (
	RoleSubject Role = "subject"
	RoleGarment Role = "garment"
)

// Image is a validated, size-bounded image ready for the provider.
type Image struct {
	Role        Role
	ContentType string
	Data        []byte
	Width       int
	Height      int
	Resized     bool
}

// DataURI returns the base64 data URI transport form.
func (i Image) DataURI() string {
	return "data:" + i.ContentType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Options controls preprocessing limits.
type Options struct {
	MaxBytes     int
	MaxDimension int
	// MaxPixels caps width*height as declared by the header, before any pixel data is decoded.
	MaxPixels int64
	// Quality is a 0..1 factor applied to lossy re-encodes.
	Quality float64
}

// Preprocessor validates and downscales images.
type Preprocessor struct {
	opts Options
}

// New constructs a Preprocessor, filling zero options with defaults.
func New(opts Options) *Preprocessor {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	if opts.Quality <= 0 || opts.Quality > 1 {
		opts.Quality = DefaultQuality
	}
	return &Preprocessor{opts: opts}
}

var supportedFormats = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
}

// Prepare validates data and returns a bounded copy. The caller's buffer is never modified.
func (p *Preprocessor) Prepare(data []byte, declaredType string, role Role) (Image, error) {
	declared := strings.ToLower(strings.TrimSpace(declaredType))
	if !strings.HasPrefix(declared, "image/") {
		return Image{}, failure.Validation(fmt.Sprintf("%s image must have an image/* content type", role))
	}
	if len(data) == 0 {
		return Image{}, failure.Validation(fmt.Sprintf("%s image is empty", role))
	}
	if len(data) > p.opts.MaxBytes {
		return Image{}, failure.Validation(fmt.Sprintf("%s image exceeds %d bytes", role, p.opts.MaxBytes))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, failure.Validation(fmt.Sprintf("%s image could not be decoded", role))
	}
	contentType, ok := supportedFormats[format]
	if !ok {
		return Image{}, failure.Validation(fmt.Sprintf("%s image format %q is not supported", role, format))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > p.opts.MaxPixels {
		return Image{}, failure.Validation(fmt.Sprintf("%s image is %dx%d, above the %d pixel limit", role, cfg.Width, cfg.Height, p.opts.MaxPixels))
	}

	if cfg.Width <= p.opts.MaxDimension && cfg.Height <= p.opts.MaxDimension {
		return Image{
			Role:        role,
			ContentType: contentType,
			Data:        append([]byte(nil), data...),
			Width:       cfg.Width,
			Height:      cfg.Height,
		}, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, failure.Validation(fmt.Sprintf("%s image could not be decoded", role))
	}
	w, h := fitWithin(cfg.Width, cfg.Height, p.opts.MaxDimension)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	out, err := p.encode(dst, format)
	if err != nil {
		return Image{}, failure.Wrap(failure.KindInternal, "re-encode image", err)
	}
	return Image{
		Role:        role,
		ContentType: contentType,
		Data:        out,
		Width:       w,
		Height:      h,
		Resized:     true,
	}, nil
}

func (p *Preprocessor) encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg":
		q := int(math.Round(p.opts.Quality * 100))
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, err
		}
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	case "webp":
		opts, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(p.opts.Quality*100))
		if err != nil {
			return nil, err
		}
		if err := webp.Encode(&buf, img, opts); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format %s", format)
	}
	return buf.Bytes(), nil
}

// fitWithin scales (w, h) so the longer edge equals limit, keeping aspect ratio.
func fitWithin(w, h, limit int) (int, int) {
	if w >= h {
		nh := int(math.Round(float64(h) * float64(limit) / float64(w)))
		if nh < 1 {
			nh = 1
		}
		return limit, nh
	}
	nw := int(math.Round(float64(w) * float64(limit) / float64(h)))
	if nw < 1 {
		nw = 1
	}
	return nw, limit
}

// SniffContentType returns the sniffed MIME type of data.
func SniffContentType(data []byte) string {
	return http.DetectContentType(data)
}
