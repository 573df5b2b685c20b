// Package statusbridge applies the occupancy readings that court sensors
// publish over MQTT to the stored facilities.
package statusbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/models"
	"go.uber.org/zap"
)

var ErrBadTopic = errors.New("unexpected status topic")

type StatusWriter interface {
	UpdateSubCourtStatus(ctx context.Context, facilityID, subCourtID, status string, at time.Time) error
}

type statusPayload struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type Bridge struct {
	store  StatusWriter
	cfg    config.MQTTConfig
	logger *zap.Logger
	client mqtt.Client
}

func New(store StatusWriter, cfg config.MQTTConfig, logger *zap.Logger) *Bridge {
	return &Bridge{store: store, cfg: cfg, logger: logger.Named("statusbridge")}
}

// parseTopic expects vacantcourt/facilities/{facilityId}/courts/{subCourtId}/status.
func parseTopic(topic string) (facilityID, subCourtID string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 6 || parts[1] != "facilities" || parts[3] != "courts" || parts[5] != "status" {
		return "", "", fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}
	if parts[2] == "" || parts[4] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrBadTopic, topic)
	}
	return parts[2], parts[4], nil
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Now().UTC()
}

// HandleMessage applies one status reading. Readings for unknown statuses or
// topics are rejected without touching the store.
func (b *Bridge) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	facilityID, subCourtID, err := parseTopic(topic)
	if err != nil {
		return err
	}

	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode status payload: %w", err)
	}
	status := strings.ToLower(strings.TrimSpace(p.Status))
	if !models.IsValidStatus(status) {
		return fmt.Errorf("unknown sub-court status %q", p.Status)
	}

	if err := b.store.UpdateSubCourtStatus(ctx, facilityID, subCourtID, status, parseTimestamp(p.Timestamp)); err != nil {
		return fmt.Errorf("update %s/%s: %w", facilityID, subCourtID, err)
	}
	b.logger.Debug("sub-court status updated",
		zap.String("facility_id", facilityID),
		zap.String("sub_court_id", subCourtID),
		zap.String("status", status),
	)
	return nil
}

// Run connects to the broker and applies readings until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username).SetPassword(b.cfg.Password)
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		msgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := b.HandleMessage(msgCtx, msg.Topic(), msg.Payload()); err != nil {
			b.logger.Warn("dropping status reading", zap.String("topic", msg.Topic()), zap.Error(err))
		}
	}
	// subscriptions do not survive a reconnect with a clean session
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(b.cfg.Topic, b.cfg.QoS, handler)
		if token.Wait() && token.Error() != nil {
			b.logger.Error("subscribe failed", zap.String("topic", b.cfg.Topic), zap.Error(token.Error()))
			return
		}
		b.logger.Info("subscribed to court status topic", zap.String("topic", b.cfg.Topic))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	b.client = mqtt.NewClient(opts)
	if err := b.awaitConnect(b.client.Connect(), 30*time.Second); err != nil {
		return err
	}

	<-ctx.Done()
	b.client.Disconnect(250)
	return nil
}

// awaitConnect waits for the first connection. The client retries in the
// background, so a broker that is slow to answer is not fatal.
func (b *Bridge) awaitConnect(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		b.logger.Warn("still connecting to mqtt broker, retrying in background",
			zap.String("broker", b.cfg.BrokerURL),
			zap.Duration("waited", timeout),
		)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", b.cfg.BrokerURL, err)
	}
	b.logger.Info("connected to mqtt broker", zap.String("broker", b.cfg.BrokerURL))
	return nil
}
