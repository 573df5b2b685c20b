package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vacantcourt/backend/pkg/circuitbreaker"
	"go.uber.org/zap"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// UserServiceClient resolves accounts against the auth provider's user API.
type UserServiceClient struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	mockMode   bool
	logger     *zap.Logger
}

func NewUserServiceClient(baseURL string, mockMode bool, logger *zap.Logger) *UserServiceClient {
	logger = logger.Named("user-service")
	return &UserServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cb:       circuitbreaker.NewCircuitBreaker("user-service", logger),
		mockMode: mockMode,
		logger:   logger,
	}
}

func (u *UserServiceClient) LookupByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if u.mockMode {
		u.logger.Info("mock mode enabled: simulating user lookup", zap.String("email", email))
		return &User{ID: "mock-" + email, Email: email}, nil
	}

	// a 404 is an answer, not a failure, so it must not count against the breaker
	result, err := u.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/users?email=%s", u.baseURL, url.QueryEscape(email)), nil)
		if err != nil {
			return nil, err
		}

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var user User
			if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
				return nil, fmt.Errorf("decode user: %w", err)
			}
			return &user, nil
		case http.StatusNotFound:
			return (*User)(nil), nil
		default:
			return nil, fmt.Errorf("user service returned status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}

	user, _ := result.(*User)
	if user == nil || user.ID == "" {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (u *UserServiceClient) State() gobreaker.State {
	return u.cb.State()
}
