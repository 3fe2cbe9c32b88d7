package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notification-hub/internal/handler"
	"github.com/jwalitptl/notification-hub/internal/middleware"
	"github.com/jwalitptl/notification-hub/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Router struct {
	engine    *gin.Engine
	auth      *middleware.AuthMiddleware
	h         *handler.Handler
	protected []Handler
	limiter   *middleware.RateLimiter
	metrics   *metrics.Metrics
}

type RouterConfig struct {
	Mode        string
	RateLimiter middleware.RateLimiterConfig
	CORSConfig  middleware.CORSConfig
	SizeLimit   middleware.SizeLimitConfig
	Validation  middleware.ValidationConfig
	Security    middleware.SecurityConfig
}

// NewRouter builds the engine and its global middleware. Handlers in protected
// are mounted under /api/v1 behind authentication.
func NewRouter(
	auth *middleware.AuthMiddleware,
	h *handler.Handler,
	m *metrics.Metrics,
	config RouterConfig,
	protected ...Handler,
) *Router {
	if config.Mode == "" {
		config.Mode = gin.ReleaseMode
	}
	gin.SetMode(config.Mode)
	if config.Validation.CustomValidators == nil {
		config.Validation = middleware.DefaultValidationConfig()
	}
	if config.SizeLimit.MaxBodySize <= 0 {
		config.SizeLimit = middleware.DefaultSizeLimitConfig()
	}
	if config.RateLimiter.Rate <= 0 {
		config.RateLimiter.Rate, config.RateLimiter.Burst = 50, 100
	}
	if config.CORSConfig.AllowOrigins == nil {
		config.CORSConfig = middleware.DefaultCORSConfig()
	}
	if config.Security == (middleware.SecurityConfig{}) {
		config.Security = middleware.DefaultSecurityConfig()
	}

	engine := gin.New()

	r := &Router{
		engine:    engine,
		auth:      auth,
		h:         h,
		protected: protected,
		limiter:   middleware.NewRateLimiter(config.RateLimiter),
		metrics:   m,
	}

	engine.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logger(),
		r.metricsMiddleware(),
		middleware.SecurityHeaders(config.Security),
		middleware.CORS(config.CORSConfig),
		middleware.SizeLimit(config.SizeLimit),
		middleware.Validation(config.Validation),
	)

	return r
}

func (r *Router) Setup() {
	r.engine.GET("/metrics", r.h.MetricsHandler)

	api := r.engine.Group("/api/v1")
	r.h.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(
		r.auth.Authenticate(),
		r.limiter.RateLimit(),
	)
	for _, h := range r.protected {
		h.RegisterRoutes(protected)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		r.metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		r.metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
