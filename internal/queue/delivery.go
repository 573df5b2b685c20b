package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/vacantcourt/backend/internal/models"
	"go.uber.org/zap"
)

// ErrPermanent marks a handler failure that retrying cannot fix. Such messages
// go straight to the failed queue.
var ErrPermanent = errors.New("permanent delivery failure")

const (
	attemptsHeader      = "x-attempts"
	lastErrorHeader     = "x-last-error"
	failureReasonHeader = "x-failure-reason"

	defaultMaxAttempts = 10
)

type EmailHandler func(ctx context.Context, msg models.EmailMessage) error

type deliveryProcessor struct {
	handle      EmailHandler
	publisher   publisher
	retryQueue  string
	failedQueue string
	maxAttempts int
	logger      *zap.Logger
}

// process acks a delivery once it was handled, scheduled for another attempt
// on the retry queue, or parked on the failed queue. When neither queue takes
// it the delivery is requeued.
func (p *deliveryProcessor) process(ctx context.Context, d amqp.Delivery) {
	var msg models.EmailMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		p.logger.Warn("undecodable email message", zap.Error(err))
		p.park(ctx, d, "decode: "+err.Error())
		return
	}

	err := p.handle(ctx, msg)
	if err == nil {
		if err := d.Ack(false); err != nil {
			p.logger.Warn("ack failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
		return
	}

	attempts := attemptsOf(d.Headers) + 1
	log := p.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("request_id", msg.RequestID),
		zap.String("to", msg.Params.ToEmail),
		zap.Int("attempt", attempts),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, ErrPermanent):
		log.Error("email delivery failed permanently")
		p.park(ctx, d, err.Error())
	case attempts >= p.limit():
		log.Error("email delivery failed, giving up")
		p.park(ctx, d, fmt.Sprintf("gave up after %d attempts: %s", attempts, err))
	default:
		log.Warn("email delivery failed, scheduling retry")
		p.retry(ctx, d, attempts, err)
	}
}

func (p *deliveryProcessor) limit() int {
	if p.maxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return p.maxAttempts
}

func (p *deliveryProcessor) retry(ctx context.Context, d amqp.Delivery, attempts int, cause error) {
	if p.retryQueue == "" {
		_ = d.Nack(false, true)
		return
	}
	headers := copyHeaders(d.Headers)
	headers[attemptsHeader] = int32(attempts)
	headers[lastErrorHeader] = cause.Error()
	if err := p.publisher.PublishConfirmed(ctx, p.retryQueue, republish(d, headers)); err != nil {
		p.logger.Error("could not move message to retry queue, requeueing", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (p *deliveryProcessor) park(ctx context.Context, d amqp.Delivery, reason string) {
	headers := copyHeaders(d.Headers)
	headers[failureReasonHeader] = reason
	if err := p.publisher.PublishConfirmed(ctx, p.failedQueue, republish(d, headers)); err != nil {
		p.logger.Error("could not move message to failed queue, requeueing", zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func republish(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	contentType := d.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	return amqp.Publishing{
		ContentType:   contentType,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Headers:       headers,
		Body:          d.Body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     d.Timestamp,
	}
}

// copyHeaders drops the broker's x-death history; the attempt counter is ours.
func copyHeaders(h amqp.Table) amqp.Table {
	out := make(amqp.Table, len(h)+2)
	for k, v := range h {
		if k == "x-death" {
			continue
		}
		out[k] = v
	}
	return out
}

// attemptsOf reads the attempt counter; the broker may hand integers back with
// a different width than they were published with.
func attemptsOf(h amqp.Table) int {
	switch v := h[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	}
	return 0
}
