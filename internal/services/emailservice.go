package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/models"
	"github.com/vacantcourt/backend/pkg/circuitbreaker"
	"go.uber.org/zap"
)

// EmailServiceClient sends templated transactional emails through the
// provider's REST endpoint.
type EmailServiceClient struct {
	apiURL     string
	serviceID  string
	templateID string
	publicKey  string
	privateKey string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	mockMode   bool
	logger     *zap.Logger
}

type emailSendRequest struct {
	ServiceID      string             `json:"service_id"`
	TemplateID     string             `json:"template_id"`
	UserID         string             `json:"user_id"`
	AccessToken    string             `json:"accessToken,omitempty"`
	TemplateParams models.EmailParams `json:"template_params"`
}

// ProviderError is a non-2xx answer from the email provider.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("email provider returned status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether resending the same email cannot succeed. Client
// errors are permanent except for timeouts and rate limiting.
func (e *ProviderError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err carries a permanent provider rejection.
func IsPermanent(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Permanent()
}

func NewEmailClient(cfg config.EmailConfig, logger *zap.Logger) *EmailServiceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger = logger.Named("email-service")
	return &EmailServiceClient{
		apiURL:     cfg.APIURL,
		serviceID:  cfg.ServiceID,
		templateID: cfg.TemplateID,
		publicKey:  cfg.PublicKey,
		privateKey: cfg.PrivateKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb:       circuitbreaker.NewCircuitBreaker("email-service", logger),
		mockMode: cfg.Mock,
		logger:   logger,
	}
}

func (e *EmailServiceClient) Send(ctx context.Context, params models.EmailParams) error {
	if e.mockMode {
		e.logger.Info("mock mode enabled: simulating email send",
			zap.String("to", params.ToEmail),
			zap.String("court_name", params.CourtName),
			zap.String("court_link", params.CourtLink),
		)
		return nil
	}

	body, err := json.Marshal(emailSendRequest{
		ServiceID:      e.serviceID,
		TemplateID:     e.templateID,
		UserID:         e.publicKey,
		AccessToken:    e.privateKey,
		TemplateParams: params,
	})
	if err != nil {
		return fmt.Errorf("encode email request: %w", err)
	}

	_, err = e.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	})
	if err != nil {
		return fmt.Errorf("send email to %s: %w", params.ToEmail, err)
	}
	return nil
}

func (e *EmailServiceClient) State() gobreaker.State {
	return e.cb.State()
}
