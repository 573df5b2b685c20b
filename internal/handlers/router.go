package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/vacantcourt/backend/internal/middleware"
	"go.uber.org/zap"
)

type RouterDeps struct {
	JWTSecret     string
	Health        *HealthHandler
	Facilities    *FacilityHandler
	Subscriptions *SubscriptionHandler
	Ownership     *OwnershipHandler
	// RateLimiter backs the limit on mutations; nil disables it.
	RateLimiter *redis.Client
	Logger      *zap.Logger
}

const (
	mutationLimit  = 30
	mutationWindow = time.Minute
)

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger(d.Logger))

	r.GET("/health", d.Health.HealthCheck)

	api := r.Group("/api/v1")
	api.GET("/courts", d.Facilities.List)
	api.GET("/courts/:id", d.Facilities.Get)

	limit := middleware.RateLimit(d.RateLimiter, mutationLimit, mutationWindow, d.Logger)
	authed := api.Group("/courts/:id", middleware.AuthMiddleware(d.JWTSecret))
	authed.GET("/notifications", d.Subscriptions.Status)
	authed.POST("/notifications", limit, d.Subscriptions.Subscribe)
	authed.DELETE("/notifications", limit, d.Subscriptions.Cancel)
	authed.POST("/transfer", limit, d.Ownership.Transfer)

	return r
}
