// Package store holds the facility and notification-request documents.
//
// Two drivers implement the same interfaces: RedisStore keeps every record as
// a JSON document under its own key, SQLiteStore keeps them in a local
// database file. Deleting a record that is already gone is never an error,
// since the sweeper and users cancelling subscriptions race on the same rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/vacantcourt/backend/internal/models"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicateRequest = errors.New("notification request already exists for this user and court")
)

type NotificationStore interface {
	ListNotificationRequests(ctx context.Context) ([]models.NotificationRequest, error)
	CreateNotificationRequest(ctx context.Context, req models.NotificationRequest) (*models.NotificationRequest, error)
	FindNotificationRequest(ctx context.Context, userID, courtID string) (*models.NotificationRequest, error)
	DeleteNotificationRequest(ctx context.Context, id string) error
}

type FacilityStore interface {
	GetFacility(ctx context.Context, id string) (*models.Facility, error)
	ListFacilities(ctx context.Context) ([]models.Facility, error)
	SaveFacility(ctx context.Context, f *models.Facility) error
	UpdateFacilityOwner(ctx context.Context, id, ownerID string) error
	UpdateSubCourtStatus(ctx context.Context, facilityID, subCourtID, status string, at time.Time) error
}

// Store is what the binaries open at startup and hand to their components.
type Store interface {
	NotificationStore
	FacilityStore
	Ping(ctx context.Context) error
	Close() error
}

func applySubCourtStatus(f *models.Facility, subCourtID, status string, at time.Time) error {
	for i := range f.Courts {
		if f.Courts[i].ID == subCourtID {
			ts := at.UTC()
			f.Courts[i].Status = status
			f.Courts[i].LastUpdatedStatus = &ts
			return nil
		}
	}
	return ErrNotFound
}
