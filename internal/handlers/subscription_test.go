package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vacantcourt/backend/internal/models"
	"github.com/vacantcourt/backend/internal/store"
)

func subscriptionData(t *testing.T, resp models.APIResponse) models.SubscriptionResponse {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var out models.SubscriptionResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestSubscribe_CreatesRequest(t *testing.T) {
	env := setupTestEnv(t)
	env.seedFacility(t, busyFacility("F1", "owner-1"))

	w := env.do(http.MethodPost, "/api/v1/courts/F1/notifications", bearer(t, "u1", "A@X.com"), nil)

	assert.Equal(t, http.StatusCreated, w.Code)
	data := subscriptionData(t, decodeResponse(t, w))
	assert.True(t, data.Subscribed)
	assert.NotEmpty(t, data.RequestID)

	req, err := env.store.FindNotificationRequest(context.Background(), "u1", "F1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", req.UserEmail)
	assert.Equal(t, "Riverside Tennis", req.CourtName)
}

func TestSubscribe_Duplicate(t *testing.T) {
	env := setupTestEnv(t)
	env.seedFacility(t, busyFacility("F1", "owner-1"))
	auth := bearer(t, "u1", "a@x.com")

	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/v1/courts/F1/notifications", auth, nil).Code)
	w := env.do(http.MethodPost, "/api/v1/courts/F1/notifications", auth, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	list, err := env.store.ListNotificationRequests(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubscribe_CourtAlreadyAvailable(t *testing.T) {
	env := setupTestEnv(t)
	f := busyFacility("F1", "owner-1")
	f.Courts[0].Status = models.StatusAvailable
	env.seedFacility(t, f)

	w := env.do(http.MethodPost, "/api/v1/courts/F1/notifications", bearer(t, "u1", "a@x.com"), nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	_, err := env.store.FindNotificationRequest(context.Background(), "u1", "F1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscribe_MissingCourt(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/courts/nope/notifications", bearer(t, "u1", "a@x.com"), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubscribe_TokenWithoutEmail(t *testing.T) {
	env := setupTestEnv(t)
	env.seedFacility(t, busyFacility("F1", "owner-1"))

	w := env.do(http.MethodPost, "/api/v1/courts/F1/notifications", bearer(t, "u1", ""), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscribe_RequiresAuth(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(http.MethodPost, "/api/v1/courts/F1/notifications", "", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubscriptionStatusAndCancel(t *testing.T) {
	env := setupTestEnv(t)
	env.seedFacility(t, busyFacility("F1", "owner-1"))
	auth := bearer(t, "u1", "a@x.com")

	w := env.do(http.MethodGet, "/api/v1/courts/F1/notifications", auth, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, subscriptionData(t, decodeResponse(t, w)).Subscribed)

	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/v1/courts/F1/notifications", auth, nil).Code)

	w = env.do(http.MethodGet, "/api/v1/courts/F1/notifications", auth, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, subscriptionData(t, decodeResponse(t, w)).Subscribed)

	for i := 0; i < 2; i++ {
		w = env.do(http.MethodDelete, "/api/v1/courts/F1/notifications", auth, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	w = env.do(http.MethodGet, "/api/v1/courts/F1/notifications", auth, nil)
	assert.False(t, subscriptionData(t, decodeResponse(t, w)).Subscribed)

	// cancelling frees the slot for a new subscription
	assert.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/api/v1/courts/F1/notifications", auth, nil).Code)
}
