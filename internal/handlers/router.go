package handlers

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/imrishuroy/go-checkout-lock/internal/cart"
	"github.com/imrishuroy/go-checkout-lock/internal/idempotency"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/metrics"
	"github.com/imrishuroy/go-checkout-lock/internal/pipeline"
	"github.com/imrishuroy/go-checkout-lock/internal/throttle"
	"github.com/imrishuroy/go-checkout-lock/internal/validation"
)

// HandlerConfig groups dependencies for the checkout and cart handlers.
type HandlerConfig struct {
	Manager    *lock.Manager
	Guard      *idempotency.Guard
	Gate       *throttle.Gate
	Reporter   *lock.Reporter
	Carts      *cart.Service
	Dispatcher pipeline.Dispatcher
	Metrics    *metrics.Metrics
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer

	InternalAPIKey string
	JWTSecret      string
}

type handler struct {
	cfg HandlerConfig
	v   *validatorv10.Validate
}

// NewRouter builds the gin engine with every route and middleware.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-KEY", HeaderSession, HeaderIdempotencyKey},
		ExposeHeaders: []string{"Content-Length", "Retry-After", "Location"},
		MaxAge:        12 * time.Hour,
	}))
	r.Use(requestMetrics(cfg.Metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.HandlerFor(cfg.Gatherer)))
	} else {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	h := &handler{cfg: cfg, v: validation.New()}
	api := r.Group("/", identity(cfg.JWTSecret), internalKey(cfg.InternalAPIKey))
	h.registerCheckoutRoutes(api)
	h.registerCartRoutes(api)
	return r
}
