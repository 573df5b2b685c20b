package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sub-court statuses reported by the court sensors.
const (
	StatusAvailable   = "available"
	StatusInUse       = "in-use"
	StatusMaintenance = "maintenance"
)

var ErrInvalidRequest = errors.New("invalid notification request")

func IsValidStatus(status string) bool {
	switch status {
	case StatusAvailable, StatusInUse, StatusMaintenance:
		return true
	}
	return false
}

type SubCourt struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Surface           string     `json:"surface,omitempty"`
	Status            string     `json:"status"`
	IsConfigured      bool       `json:"isConfigured"`
	LastUpdatedStatus *time.Time `json:"lastUpdatedStatus,omitempty"`
}

type Facility struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        string     `json:"type,omitempty"`
	Location    string     `json:"location,omitempty"`
	Address     string     `json:"address,omitempty"`
	Latitude    float64    `json:"latitude,omitempty"`
	Longitude   float64    `json:"longitude,omitempty"`
	Description string     `json:"description,omitempty"`
	Amenities   []string   `json:"amenities,omitempty"`
	Images      []string   `json:"images,omitempty"`
	OwnerID     string     `json:"ownerId"`
	Courts      []SubCourt `json:"courts"`
}

// IsComplexConfigured reports whether every sub-court is configured. A facility
// without sub-courts is not listable.
func (f *Facility) IsComplexConfigured() bool {
	if len(f.Courts) == 0 {
		return false
	}
	for _, c := range f.Courts {
		if !c.IsConfigured {
			return false
		}
	}
	return true
}

// NotificationRequest is a user's wish to be emailed once the facility has a
// free sub-court.
type NotificationRequest struct {
	ID          string    `json:"id"`
	CourtID     string    `json:"courtId"`
	CourtName   string    `json:"courtName"`
	UserID      string    `json:"userId"`
	UserEmail   string    `json:"userEmail"`
	RequestedAt time.Time `json:"requestedAt"`
}

func (r *NotificationRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.CourtID) == "" {
		missing = append(missing, "courtId")
	}
	if strings.TrimSpace(r.UserEmail) == "" {
		missing = append(missing, "userEmail")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// EmailParams are the template parameters of the court-available email.
type EmailParams struct {
	RequestID       string `json:"-"`
	ToEmail         string `json:"to_email"`
	CourtName       string `json:"court_name"`
	AvailableCourts string `json:"available_courts"`
	CourtLink       string `json:"court_link"`
}

// EmailMessage is what goes over the email queue when the amqp transport is used.
type EmailMessage struct {
	ID            string      `json:"id"`
	RequestID     string      `json:"request_id"`
	Params        EmailParams `json:"params"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message"`
}

type TransferOwnershipRequest struct {
	CourtID       string `json:"courtId"`
	NewOwnerEmail string `json:"newOwnerEmail" binding:"required,email"`
}

type TransferOwnershipResponse struct {
	CourtID    string `json:"courtId"`
	NewOwnerID string `json:"newOwnerId"`
}

type SubscriptionResponse struct {
	RequestID   string    `json:"requestId,omitempty"`
	CourtID     string    `json:"courtId"`
	Subscribed  bool      `json:"subscribed"`
	RequestedAt time.Time `json:"requestedAt,omitempty"`
}

type FacilitySummary struct {
	Facility
	IsComplexConfigured bool     `json:"isComplexConfigured"`
	AvailableCount      int      `json:"availableCount"`
	DistanceKm          *float64 `json:"distanceKm,omitempty"`
}
