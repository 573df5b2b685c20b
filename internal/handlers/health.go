package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type QueueStatus interface {
	IsConnected() bool
}

type BreakerStatus interface {
	State() gobreaker.State
}

type HealthHandler struct {
	store    Pinger
	queue    QueueStatus
	breakers map[string]BreakerStatus
}

// NewHealthHandler reports on the store, the queue (nil when the amqp transport
// is off) and every outbound client guarded by a circuit breaker.
func NewHealthHandler(store Pinger, queue QueueStatus, breakers map[string]BreakerStatus) *HealthHandler {
	return &HealthHandler{
		store:    store,
		queue:    queue,
		breakers: breakers,
	}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)

	if err := h.store.Ping(ctx); err == nil {
		checks["store"] = "healthy"
	} else {
		checks["store"] = "unhealthy"
	}

	if h.queue != nil {
		if h.queue.IsConnected() {
			checks["rabbitmq"] = "healthy"
		} else {
			checks["rabbitmq"] = "unhealthy"
		}
	}

	// an open breaker means the dependency is failing, but we still serve
	for name, b := range h.breakers {
		if b == nil {
			continue
		}
		if b.State() == gobreaker.StateClosed {
			checks[name] = "healthy"
		} else {
			checks[name] = "degraded"
		}
	}

	overallStatus := "healthy"
	for _, status := range checks {
		if status == "unhealthy" {
			overallStatus = "unhealthy"
			break
		} else if status == "degraded" {
			overallStatus = "degraded"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
		"version":   "1.0.0",
	})
}
