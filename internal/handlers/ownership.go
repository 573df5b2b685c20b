package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vacantcourt/backend/internal/middleware"
	"github.com/vacantcourt/backend/internal/models"
	"github.com/vacantcourt/backend/internal/services"
	"github.com/vacantcourt/backend/internal/store"
	"go.uber.org/zap"
)

type UserDirectory interface {
	LookupByEmail(ctx context.Context, email string) (*services.User, error)
}

type OwnershipStore interface {
	GetFacility(ctx context.Context, id string) (*models.Facility, error)
	UpdateFacilityOwner(ctx context.Context, id, ownerID string) error
}

type OwnershipHandler struct {
	users  UserDirectory
	store  OwnershipStore
	logger *zap.Logger
}

func NewOwnershipHandler(users UserDirectory, store OwnershipStore, logger *zap.Logger) *OwnershipHandler {
	return &OwnershipHandler{users: users, store: store, logger: logger.Named("ownership")}
}

// Transfer hands a facility to another registered user. Only the current owner
// may do this, and never to themselves.
func (h *OwnershipHandler) Transfer(c *gin.Context) {
	ctx := c.Request.Context()
	callerID := middleware.GetUserID(c)

	var req models.TransferOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid Request Body",
		})
		return
	}
	courtID := strings.TrimSpace(c.Param("id"))
	if courtID == "" {
		courtID = strings.TrimSpace(req.CourtID)
	}
	if courtID == "" {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   "courtId is required",
			Message: "Invalid Request Body",
		})
		return
	}
	log := h.logger.With(zap.String("court_id", courtID), zap.String("caller_id", callerID))

	newOwner, err := h.users.LookupByEmail(ctx, req.NewOwnerEmail)
	if errors.Is(err, services.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, models.APIResponse{
			Success: false,
			Error:   "no user is registered with that email",
			Message: "User not found",
		})
		return
	}
	if err != nil {
		log.Error("user lookup failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, models.APIResponse{
			Success: false,
			Error:   "user directory unavailable",
			Message: "Could not resolve new owner",
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
		log.Error("failed to load facility", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to load court",
			Message: "Internal Server Error",
		})
		return
	}

	if facility.OwnerID != callerID {
		c.JSON(http.StatusForbidden, models.APIResponse{
			Success: false,
			Error:   "only the current owner can transfer this court",
			Message: "Forbidden",
		})
		return
	}
	if newOwner.ID == callerID {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   "you already own this court",
			Message: "Cannot transfer to yourself",
		})
		return
	}

	if err := h.store.UpdateFacilityOwner(ctx, courtID, newOwner.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.APIResponse{
				Success: false,
				Error:   "court not found",
				Message: "Court not found",
			})
			return
		}
		log.Error("failed to update facility owner", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to transfer ownership",
			Message: "Internal Server Error",
		})
		return
	}

	log.Info("ownership transferred", zap.String("new_owner_id", newOwner.ID))
	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Ownership transferred successfully",
		Data: models.TransferOwnershipResponse{
			CourtID:    courtID,
			NewOwnerID: newOwner.ID,
		},
	})
}
