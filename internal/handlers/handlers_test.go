package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vacantcourt/backend/internal/models"
	"github.com/vacantcourt/backend/internal/services"
	"github.com/vacantcourt/backend/internal/store"
	"go.uber.org/zap"
)

const testSecret = "handler-test-secret"

// Mock user directory
type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) LookupByEmail(ctx context.Context, email string) (*services.User, error) {
	args := m.Called(ctx, email)
	user, _ := args.Get(0).(*services.User)
	return user, args.Error(1)
}

type fixedBreaker gobreaker.State

func (b fixedBreaker) State() gobreaker.State { return gobreaker.State(b) }

type testEnv struct {
	router *gin.Engine
	store  *store.RedisStore
	mr     *miniredis.Miniredis
	users  *MockUserDirectory
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStore(client, zap.NewNop())
	t.Cleanup(func() { st.Close() })

	users := new(MockUserDirectory)
	logger := zap.NewNop()
	router := NewRouter(RouterDeps{
		JWTSecret: testSecret,
		Health: NewHealthHandler(st, nil, map[string]BreakerStatus{
			"email_service": fixedBreaker(gobreaker.StateClosed),
		}),
		Facilities:    NewFacilityHandler(st, nil, logger),
		Subscriptions: NewSubscriptionHandler(st, nil, logger),
		Ownership:     NewOwnershipHandler(users, st, logger),
		RateLimiter:   client,
		Logger:        logger,
	})
	return &testEnv{router: router, store: st, mr: mr, users: users}
}

func bearer(t *testing.T, userID, email string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"email":   email,
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (e *testEnv) do(method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) seedFacility(t *testing.T, f *models.Facility) {
	t.Helper()
	require.NoError(t, e.store.SaveFacility(context.Background(), f))
}

func busyFacility(id, owner string) *models.Facility {
	return &models.Facility{
		ID:      id,
		Name:    "Riverside Tennis",
		OwnerID: owner,
		Courts: []models.SubCourt{
			{ID: "s1", Name: "Court A", Status: models.StatusInUse, IsConfigured: true},
		},
	}
}
