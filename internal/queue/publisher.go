package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	ErrNacked     = errors.New("broker rejected message")
	ErrUnroutable = errors.New("broker returned message as unroutable")
)

const defaultPublishTimeout = 10 * time.Second

// publisher publishes a message and returns only once the broker has taken
// responsibility for it.
type publisher interface {
	PublishConfirmed(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// channelPublisher publishes mandatory messages on a channel in confirm mode.
type channelPublisher struct {
	ch       *amqp.Channel
	exchange string
	returns  *returnTracker
	timeout  time.Duration
}

func (p *channelPublisher) PublishConfirmed(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if msg.MessageId == "" {
		msg.MessageId = uuid.New().String()
	}
	timeout := p.timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, true, false, msg)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	if dc == nil {
		return errors.New("failed to publish message: channel is not in confirm mode")
	}
	acked, err := dc.WaitContext(ctx)
	return p.settle(ctx, msg.MessageId, routingKey, acked, err)
}

// settle turns the broker's confirmation into an error. An ack is not enough on
// its own: a mandatory message that matched no queue is returned and then acked.
func (p *channelPublisher) settle(ctx context.Context, messageID, routingKey string, acked bool, waitErr error) error {
	if waitErr != nil {
		return fmt.Errorf("wait for publish confirmation: %w", waitErr)
	}
	if !acked {
		return fmt.Errorf("%w: routing key %s", ErrNacked, routingKey)
	}
	reason, returned, err := p.returns.returnedReason(ctx, messageID)
	if err != nil {
		return fmt.Errorf("check returned messages: %w", err)
	}
	if returned {
		return fmt.Errorf("%w: routing key %s: %s", ErrUnroutable, routingKey, reason)
	}
	return nil
}

// returnTracker records messages the broker handed back via basic.return.
// The broker sends the return before the ack for the same message, and the
// client passes both to us in order, so a lookup made after the ack sees it.
type returnTracker struct {
	mu       sync.Mutex
	returned map[string]string
	barrier  chan chan struct{}
	stopped  chan struct{}
	logger   *zap.Logger
}

func newReturnTracker(returns <-chan amqp.Return, logger *zap.Logger) *returnTracker {
	t := &returnTracker{
		returned: make(map[string]string),
		barrier:  make(chan chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger,
	}
	go t.loop(returns)
	return t
}

func (t *returnTracker) loop(returns <-chan amqp.Return) {
	defer close(t.stopped)
	for {
		select {
		case r, ok := <-returns:
			if !ok {
				return
			}
			t.logger.Warn("message returned by broker",
				zap.String("message_id", r.MessageId),
				zap.String("routing_key", r.RoutingKey),
				zap.Uint16("reply_code", r.ReplyCode),
				zap.String("reply_text", r.ReplyText),
			)
			t.mu.Lock()
			t.returned[r.MessageId] = fmt.Sprintf("%d %s", r.ReplyCode, r.ReplyText)
			t.mu.Unlock()
		case done := <-t.barrier:
			close(done)
		}
	}
}

// returnedReason reports whether messageID was returned, forgetting it once
// reported. It first waits for the loop to drain any return already received.
func (t *returnTracker) returnedReason(ctx context.Context, messageID string) (string, bool, error) {
	done := make(chan struct{})
	select {
	case t.barrier <- done:
		select {
		case <-done:
		case <-t.stopped:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	case <-t.stopped:
	case <-ctx.Done():
		return "", false, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	reason, ok := t.returned[messageID]
	delete(t.returned, messageID)
	return reason, ok, nil
}
