package tryon

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"tryon-backend/internal/failure"
	"tryon-backend/internal/imageprep"
	"tryon-backend/internal/ledger"
	"tryon-backend/internal/shared/server/middleware"
	"tryon-backend/internal/shared/server/respond"
	"tryon-backend/internal/shared/storage/object"
)

const multipartOverhead = 1 << 20

// Handler exposes the try-on HTTP endpoints.
type Handler struct {
	Svc      *Service
	Ledger   *ledger.Gate
	Store    object.ObjectStore
	MaxBytes int
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service, gate *ledger.Gate, store object.ObjectStore, maxBytes int) *Handler {
	if maxBytes <= 0 {
		maxBytes = imageprep.DefaultMaxBytes
	}
	return &Handler{Svc: svc, Ledger: gate, Store: store, MaxBytes: maxBytes}
}

// RegisterRoutes attaches try-on routes. Extra handlers run before the try-on endpoint only.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, tryOnMiddleware ...gin.HandlerFunc) {
	rg.POST("/try-on", append(tryOnMiddleware, h.tryOn)...)
	rg.GET("/tokens", h.getTokens)
	rg.GET("/assets/*key", h.getAsset)
}

// RegisterDevRoutes attaches dev-only ledger routes.
func (h *Handler) RegisterDevRoutes(rg *gin.RouterGroup) {
	rg.POST("/tokens/grant", h.grantTokens)
}

func (h *Handler) tryOn(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	if userID == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(2*h.MaxBytes+multipartOverhead))
	req, err := h.parseRequest(c)
	if err != nil {
		writeFailure(c, err)
		return
	}
	req.Principal = userID

	out, err := h.Svc.Run(c.Request.Context(), req)
	if err != nil {
		writeFailure(c, err)
		return
	}
	if out.JobID != "" {
		c.Set("jobId", out.JobID)
	}
	respond.OK(c, out)
}

func (h *Handler) parseRequest(c *gin.Context) (Request, error) {
	if err := c.Request.ParseMultipartForm(int64(2*h.MaxBytes + multipartOverhead)); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Request{}, failure.Validation("request body too large")
		}
		return Request{}, failure.Validation("expected multipart/form-data body")
	}

	subject, err := h.readUpload(c, "subject_image")
	if err != nil {
		return Request{}, err
	}
	garment, err := h.readUpload(c, "garment_image")
	if err != nil {
		return Request{}, err
	}

	req := Request{
		Subject:          subject,
		Garment:          garment,
		GarmentPhotoType: c.PostForm("garment_photo_type"),
		Category:         c.PostForm("category"),
		Mode:             c.PostForm("mode"),
		Tier:             ledger.Tier(strings.ToLower(strings.TrimSpace(c.PostForm("tier")))),
	}
	if raw := strings.TrimSpace(c.PostForm("segmentation_free")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Request{}, failure.Validation("segmentation_free must be a boolean")
		}
		req.SegmentationFree = v
	}
	if raw := strings.TrimSpace(c.PostForm("seed")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Request{}, failure.Validation("seed must be an integer")
		}
		req.Seed = v
	}
	if raw := strings.TrimSpace(c.PostForm("num_samples")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return Request{}, failure.Validation("num_samples must be an integer")
		}
		req.NumSamples = v
	}
	return req, nil
}

func (h *Handler) readUpload(c *gin.Context, field string) (Upload, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return Upload{}, failure.Validation(field + " is required")
	}
	data, err := readPart(fh, h.MaxBytes)
	if err != nil {
		return Upload{}, failure.Validation(field + " could not be read")
	}
	contentType := fh.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = imageprep.SniffContentType(data)
	}
	return Upload{Data: data, ContentType: contentType}, nil
}

// readPart reads at most limit+1 bytes so oversized parts can still be rejected by size.
func readPart(fh *multipart.FileHeader, limit int) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, int64(limit)+1))
}

func (h *Handler) getTokens(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	bal, err := h.Ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		writeFailure(c, err)
		return
	}
	prices := make(map[string]int64, len(h.Ledger.Pricing))
	for tier, cost := range h.Ledger.Pricing {
		prices[string(tier)] = cost
	}
	respond.OK(c, gin.H{
		"balance": bal,
		"prices":  prices,
	})
}

type grantRequest struct {
	Amount int64 `json:"amount"`
}

func (h *Handler) grantTokens(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	var body grantRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respond.Error(c, http.StatusBadRequest, string(failure.KindValidation), "invalid JSON body", nil)
		return
	}
	bal, err := h.Ledger.Grant(c.Request.Context(), userID, body.Amount)
	if err != nil {
		writeFailure(c, err)
		return
	}
	respond.OK(c, gin.H{"balance": bal})
}

func (h *Handler) getAsset(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	key := strings.TrimPrefix(c.Param("key"), "/")
	owner := object.OwnerPrefix(userID)
	if userID == "" || !strings.HasPrefix(key, owner) || strings.Contains(key, "..") {
		respond.Error(c, http.StatusNotFound, "not_found", "asset not found", nil)
		return
	}
	if h.Store == nil {
		respond.Error(c, http.StatusNotFound, "not_found", "asset not found", nil)
		return
	}
	rc, err := h.Store.Open(c.Request.Context(), key)
	if err != nil {
		respond.Error(c, http.StatusNotFound, "not_found", "asset not found", nil)
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "private, max-age=86400")
	c.DataFromReader(http.StatusOK, -1, contentTypeForKey(key), rc, nil)
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func writeFailure(c *gin.Context, err error) {
	fe := failure.Classify(err)
	if fe.Kind == failure.KindRateLimited {
		retry := fe.RetryAfterSeconds
		if retry <= 0 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
	}
	var details interface{}
	if len(fe.Details) > 0 {
		details = fe.Details
	}
	respond.Fail(c, fe.Status(), string(fe.Kind), fe.Message, fe.Retriable(), details)
}
