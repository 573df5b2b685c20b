package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/models"
	"go.uber.org/zap"
)

type RabbitMqClient struct {
	Conn      *amqp.Connection
	Channel   *amqp.Channel
	Config    config.RabbitMQConfig
	publisher publisher
	logger    *zap.Logger
}

func NewRabbitMqService(cfg config.RabbitMQConfig, logger *zap.Logger) (*RabbitMqClient, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	client := &RabbitMqClient{
		Conn:    conn,
		Channel: channel,
		Config:  cfg,
		logger:  logger.Named("rabbitmq"),
	}
	if err := client.SetUpExchangeAndQueue(); err != nil {
		client.CloseConnection()
		return nil, err
	}
	return client, nil
}

func (r *RabbitMqClient) CloseConnection() {
	if r.Channel != nil {
		_ = r.Channel.Close()
	}
	if r.Conn != nil {
		_ = r.Conn.Close()
	}
}

func (r *RabbitMqClient) IsConnected() bool {
	return r.Conn != nil && !r.Conn.IsClosed()
}

// SetUpExchangeAndQueue puts the channel in confirm mode, declares the direct
// exchange and binds the email, retry and failed queues to it under their own
// names. Messages expire from the retry queue back onto the email queue.
func (r *RabbitMqClient) SetUpExchangeAndQueue() error {
	if err := r.Channel.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	returns := r.Channel.NotifyReturn(make(chan amqp.Return))
	r.publisher = &channelPublisher{
		ch:       r.Channel,
		exchange: r.Config.Exchange,
		returns:  newReturnTracker(returns, r.logger),
	}

	if err := r.Channel.ExchangeDeclare(
		r.Config.Exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", r.Config.Exchange, err)
	}
	queues := map[string]amqp.Table{
		r.Config.EmailQueue:  nil,
		r.Config.FailedQueue: nil,
	}
	if r.Config.RetryQueue != "" {
		queues[r.Config.RetryQueue] = retryQueueArgs(r.Config)
	}
	for queueName, args := range queues {
		if queueName == "" {
			continue
		}
		if _, err := r.Channel.QueueDeclare(
			queueName,
			true,
			false,
			false,
			false,
			args,
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", queueName, err)
		}
		err := r.Channel.QueueBind(
			queueName,
			queueName,
			r.Config.Exchange,
			false,
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queueName, err)
		}
	}
	return nil
}

func retryQueueArgs(cfg config.RabbitMQConfig) amqp.Table {
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = 30 * time.Second
	}
	return amqp.Table{
		"x-dead-letter-exchange":    cfg.Exchange,
		"x-dead-letter-routing-key": cfg.EmailQueue,
		"x-message-ttl":             delay.Milliseconds(),
	}
}

func (r *RabbitMqClient) publishJSON(ctx context.Context, routingKey, messageID string, body []byte) error {
	return r.publisher.PublishConfirmed(ctx, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    messageID,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// Send hands the email to the queue. From the sweeper's point of view the email
// is sent once the broker confirmed it; the mailer delivers it.
func (r *RabbitMqClient) Send(ctx context.Context, params models.EmailParams) error {
	message := models.EmailMessage{
		ID:            uuid.New().String(),
		RequestID:     params.RequestID,
		Params:        params,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
	by, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := r.publishJSON(ctx, r.Config.EmailQueue, message.ID, by); err != nil {
		return fmt.Errorf("queue email for request %s: %w", params.RequestID, err)
	}
	return nil
}

// ConsumeEmails relays every message on the email queue to handle until ctx is
// cancelled or the channel closes.
func (r *RabbitMqClient) ConsumeEmails(ctx context.Context, prefetch int, handle EmailHandler) error {
	if prefetch <= 0 {
		prefetch = 8
	}
	if err := r.Channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := r.Channel.ConsumeWithContext(ctx, r.Config.EmailQueue, "vacantcourt-mailer", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", r.Config.EmailQueue, err)
	}

	p := &deliveryProcessor{
		handle:      handle,
		publisher:   r.publisher,
		retryQueue:  r.Config.RetryQueue,
		failedQueue: r.Config.FailedQueue,
		maxAttempts: r.Config.MaxAttempts,
		logger:      r.logger,
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			p.process(ctx, d)
		}
	}
}
