package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/vacantcourt/backend/internal/availability"
	"github.com/vacantcourt/backend/internal/models"
	"github.com/vacantcourt/backend/internal/store"
	"go.uber.org/zap"
)

const earthRadiusKm = 6371.0

type FacilityReader interface {
	GetFacility(ctx context.Context, id string) (*models.Facility, error)
	ListFacilities(ctx context.Context) ([]models.Facility, error)
}

type FacilityHandler struct {
	store     FacilityReader
	predicate availability.Predicate
	logger    *zap.Logger
}

func NewFacilityHandler(store FacilityReader, predicate availability.Predicate, logger *zap.Logger) *FacilityHandler {
	if predicate == nil {
		predicate = availability.AvailableAndConfigured
	}
	return &FacilityHandler{store: store, predicate: predicate, logger: logger.Named("facilities")}
}

func (h *FacilityHandler) summarize(f models.Facility) models.FacilitySummary {
	return models.FacilitySummary{
		Facility:            f,
		IsComplexConfigured: f.IsComplexConfigured(),
		AvailableCount:      len(availability.Courts(&f, h.predicate)),
	}
}

// List returns the facilities whose sub-courts are all configured. With lat and
// lng query parameters the closest come first.
func (h *FacilityHandler) List(c *gin.Context) {
	lat, lng, hasOrigin, err := parseOrigin(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.APIResponse{
			Success: false,
			Error:   err.Error(),
			Message: "Invalid coordinates",
		})
		return
	}

	facilities, err := h.store.ListFacilities(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list facilities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to list courts",
			Message: "Internal Server Error",
		})
		return
	}

	out := make([]models.FacilitySummary, 0, len(facilities))
	for _, f := range facilities {
		if !f.IsComplexConfigured() {
			continue
		}
		s := h.summarize(f)
		if hasOrigin {
			d := haversineKm(lat, lng, f.Latitude, f.Longitude)
			s.DistanceKm = &d
		}
		out = append(out, s)
	}
	if hasOrigin {
		sort.SliceStable(out, func(i, j int) bool { return *out[i].DistanceKm < *out[j].DistanceKm })
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Courts retrieved",
		Data:    out,
	})
}

func (h *FacilityHandler) Get(c *gin.Context) {
	f, err := h.store.GetFacility(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, models.APIResponse{
			Success: false,
			Error:   "court not found",
			Message: "Court not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("failed to load facility", zap.String("court_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.APIResponse{
			Success: false,
			Error:   "failed to load court",
			Message: "Internal Server Error",
		})
		return
	}

	c.JSON(http.StatusOK, models.APIResponse{
		Success: true,
		Message: "Court retrieved",
		Data:    h.summarize(*f),
	})
}

func parseOrigin(c *gin.Context) (lat, lng float64, ok bool, err error) {
	latStr, lngStr := c.Query("lat"), c.Query("lng")
	if latStr == "" && lngStr == "" {
		return 0, 0, false, nil
	}
	if lat, err = strconv.ParseFloat(latStr, 64); err != nil || lat < -90 || lat > 90 {
		return 0, 0, false, errors.New("lat must be a number between -90 and 90")
	}
	if lng, err = strconv.ParseFloat(lngStr, 64); err != nil || lng < -180 || lng > 180 {
		return 0, 0, false, errors.New("lng must be a number between -180 and 180")
	}
	return lat, lng, true, nil
}

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
