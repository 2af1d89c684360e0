package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tryon-backend/internal/shared/config"
	"tryon-backend/internal/shared/metrics"
	"tryon-backend/internal/shared/server/middleware"
	"tryon-backend/internal/shared/server/respond"
	"tryon-backend/internal/tryon"
)

const (
	rateGroupDefault = "DEFAULT"
	rateGroupTryOn   = "TRYON"
)

// RouterDeps carries the handlers mounted by NewRouter.
type RouterDeps struct {
	Config       config.Config
	TryOnHandler *tryon.Handler
	RateLimiter  *middleware.RateLimiter
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	if cfg.Env != "dev" && cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(cfg.CORSAllowOrigin),
		metrics.Middleware(),
		middleware.Auth(cfg.Env),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, gin.H{"ok": true})
	})
	registerMeRoutes(api)

	if deps.TryOnHandler != nil {
		limit := middleware.RateLimit(middleware.RateLimitConfig{
			DefaultGroup: rateGroupDefault,
			Limiter:      deps.RateLimiter,
			GroupFor: func(c *gin.Context) string {
				if c.Request.Method == http.MethodPost && c.FullPath() == "/api/v1/try-on" {
					return rateGroupTryOn
				}
				return rateGroupDefault
			},
			Rules: map[string]middleware.RateLimitRule{
				rateGroupDefault: {Rate: 5, Burst: 20},
				rateGroupTryOn:   {Rate: 0.2, Burst: 3},
			},
		})
		deps.TryOnHandler.RegisterRoutes(api, limit)
		if cfg.Env == "dev" {
			deps.TryOnHandler.RegisterDevRoutes(api.Group("/dev"))
		}
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
