package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vacantcourt/backend/internal/availability"
	"github.com/vacantcourt/backend/internal/middleware"
	"github.com/vacantcourt/backend/internal/models"
	"github.com/vacantcourt/backend/internal/store"
	"go.uber.org/zap"
)

type SubscriptionStore interface {
	store.NotificationStore
	GetFacility(ctx context.Context, id string) (*models.Facility, error)
}

// SubscriptionHandler lets a signed-in user ask to be emailed when a court
// frees up, and take that back.
type SubscriptionHandler struct {
	store     SubscriptionStore
	predicate availability.Predicate
	logger    *zap.Logger
}

func NewSubscriptionHandler(store SubscriptionStore, predicate availability.Predicate, logger *zap.Logger) *SubscriptionHandler {
	if predicate == nil {
		predicate = availability.AvailableAndConfigured
	}
	return &SubscriptionHandler{store: store, predicate: predicate, logger: logger.Named("subscriptions")}
}

func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	ctx := c.Request.Context()
	courtID := c.Param("id")
	userID := middleware.GetUserID(c)
	email := middleware.GetEmail(c)
	if email == "" {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   "token carries no email address",
			Message: "Cannot subscribe without an email",
		})
		return
	}

	facility, err := h.store.GetFacility(ctx, courtID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, models.APIResponse{
			Success: false,
			Error:   "court not found",
			Message: "Court not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to load facility", zap.String("court_id", courtID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to load court",
			Message: "Internal Server Error",
		})
		return
	}
	if len(availability.Courts(facility, h.predicate)) > 0 {
		c.JSON(http.StatusConflict, models.APIResponse{
			Success: false,
			Error:   "a court is available right now",
			Message: "Court already available",
		})
		return
	}

	if _, err := h.store.FindNotificationRequest(ctx, userID, courtID); err == nil {
		h.alreadySubscribed(c)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("failed to look up subscription", zap.String("court_id", courtID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to check existing subscription",
			Message: "Internal Server Error",
		})
		return
	}

	created, err := h.store.CreateNotificationRequest(ctx, models.NotificationRequest{
		CourtID:   courtID,
		CourtName: facility.Name,
		UserID:    userID,
		UserEmail: email,
	})
	if errors.Is(err, store.ErrDuplicateRequest) {
		h.alreadySubscribed(c)
		return
	}
	if err != nil {
		h.logger.Error("failed to create subscription", zap.String("court_id", courtID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to save subscription",
			Message: "Internal Server Error",
		})
		return
	}

	c.JSON(http.StatusCreated, models.APIResponse{
		Success: true,
		Message: "You will be emailed when a court frees up",
		Data: models.SubscriptionResponse{
			RequestID:   created.ID,
			CourtID:     courtID,
			Subscribed:  true,
			RequestedAt: created.RequestedAt,
		},
	})
}

func (h *SubscriptionHandler) alreadySubscribed(c *gin.Context) {
	c.JSON(http.StatusConflict, models.APIResponse{
		Success: false,
		Error:   "already subscribed to this court",
		Message: "Duplicate subscription",
	})
}

// Cancel removes the caller's pending request, if any.
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	ctx := c.Request.Context()
	courtID := c.Param("id")

	existing, err := h.store.FindNotificationRequest(ctx, middleware.GetUserID(c), courtID)
	if err == nil {
		err = h.store.DeleteNotificationRequest(ctx, existing.ID)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("failed to cancel subscription", zap.String("court_id", courtID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to cancel subscription",
			Message: "Internal Server Error",
		})
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Subscription cancelled",
		Data:    models.SubscriptionResponse{CourtID: courtID, Subscribed: false},
	})
}

func (h *SubscriptionHandler) Status(c *gin.Context) {
	courtID := c.Param("id")

	existing, err := h.store.FindNotificationRequest(c.Request.Context(), middleware.GetUserID(c), courtID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusOK, models.APIResponse{
			Success: true,
			Message: "Not subscribed",
			Data:    models.SubscriptionResponse{CourtID: courtID, Subscribed: false},
		})
	case err != nil:
		h.logger.Error("failed to look up subscription", zap.String("court_id", courtID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to look up subscription",
			Message: "Internal Server Error",
		})
	default:
		c.JSON(http.StatusOK, models.APIResponse{
			Success: true,
			Message: "Subscribed",
			Data: models.SubscriptionResponse{
				RequestID:   existing.ID,
				CourtID:     courtID,
				Subscribed:  true,
				RequestedAt: existing.RequestedAt,
			},
		})
	}
}
