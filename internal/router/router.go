package router

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notification-engine/internal/middleware"
	"github.com/jwalitptl/notification-engine/pkg/logger"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// MetricsHandler serves /metrics and records per-route HTTP metrics.
type MetricsHandler interface {
	Middleware() gin.HandlerFunc
	Handler() gin.HandlerFunc
}

type Router struct {
	engine         *gin.Engine
	auth           *middleware.AuthMiddleware
	notificationH  Handler
	healthH        Handler
	metricsH       MetricsHandler
	rateLimiter    *middleware.RateLimiter
	maxRequestBody int64
}

type RouterConfig struct {
	RateLimit      rate.Limit
	RateBurst      int
	MaxRequestBody int64
	Mode           string
}

// NewRouter wires the engine. A nil auth middleware leaves the API open and
// records carry no issuer.
func NewRouter(
	auth *middleware.AuthMiddleware,
	notificationH Handler,
	healthH Handler,
	metricsH MetricsHandler,
	log *logger.Logger,
	config RouterConfig,
) *Router {
	if config.Mode == "" {
		config.Mode = gin.ReleaseMode
	}
	gin.SetMode(config.Mode)

	engine := gin.New()

	r := &Router{
		engine:         engine,
		auth:           auth,
		notificationH:  notificationH,
		healthH:        healthH,
		metricsH:       metricsH,
		maxRequestBody: config.MaxRequestBody,
	}
	if config.RateLimit > 0 {
		r.rateLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
	}
	if r.maxRequestBody <= 0 {
		r.maxRequestBody = middleware.DefaultSizeLimitConfig().MaxBodySize
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
	)
	if metricsH != nil {
		engine.Use(metricsH.Middleware())
	}

	r.setup()
	return r
}

func (r *Router) setup() {
	if r.metricsH != nil {
		r.engine.GET("/metrics", r.metricsH.Handler())
	}

	api := r.engine.Group("/api/v1")

	// Add version header
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})

	if r.healthH != nil {
		r.healthH.RegisterRoutes(api)
	}

	protected := api.Group("")
	if r.auth != nil {
		protected.Use(r.auth.Authenticate())
	}
	if r.rateLimiter != nil {
		protected.Use(r.rateLimiter.RateLimit())
	}
	protected.Use(middleware.SizeLimit(middleware.SizeLimitConfig{MaxBodySize: r.maxRequestBody}))

	r.notificationH.RegisterRoutes(protected)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
