package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLookupByEmail_Found(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users", r.URL.Path)
		assert.Equal(t, "bob@example.com", r.URL.Query().Get("email"))
		json.NewEncoder(w).Encode(User{ID: "u-42", Email: "bob@example.com"})
	}))
	defer server.Close()

	client := NewUserServiceClient(server.URL+"/", false, zap.NewNop())
	user, err := client.LookupByEmail(context.Background(), "  Bob@Example.com ")

	require.NoError(t, err)
	assert.Equal(t, "u-42", user.ID)
}

func TestLookupByEmail_NotFoundDoesNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewUserServiceClient(server.URL, false, zap.NewNop())
	for i := 0; i < 5; i++ {
		_, err := client.LookupByEmail(context.Background(), "nobody@example.com")
		assert.ErrorIs(t, err, ErrUserNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, client.State())
}

func TestLookupByEmail_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewUserServiceClient(server.URL, false, zap.NewNop())
	_, err := client.LookupByEmail(context.Background(), "bob@example.com")

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUserNotFound)
	assert.Contains(t, err.Error(), "502")
}

func TestLookupByEmail_MockMode(t *testing.T) {
	client := NewUserServiceClient("", true, zap.NewNop())
	user, err := client.LookupByEmail(context.Background(), "Bob@Example.com")

	require.NoError(t, err)
	assert.Equal(t, "mock-bob@example.com", user.ID)
	assert.Equal(t, "bob@example.com", user.Email)
}
