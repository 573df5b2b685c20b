package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/models"
	"go.uber.org/zap"
)

func newTestClient(pub publisher) *RabbitMqClient {
	return &RabbitMqClient{
		Config: config.RabbitMQConfig{
			Exchange:    "notifications.direct",
			EmailQueue:  "email.queue",
			FailedQueue: "failed.queue",
			RetryQueue:  "email.retry",
			RetryDelay:  45 * time.Second,
		},
		publisher: pub,
		logger:    zap.NewNop(),
	}
}

func TestSend_PublishesEmailMessageToEmailQueue(t *testing.T) {
	pub := &fakePublisher{}
	client := newTestClient(pub)

	err := client.Send(context.Background(), models.EmailParams{
		RequestID:       "r1",
		ToEmail:         "a@x.com",
		CourtName:       "Riverside",
		AvailableCourts: "Court A",
	})
	require.NoError(t, err)

	require.Len(t, pub.sent, 1)
	sent := pub.sent[0]
	assert.Equal(t, "email.queue", sent.routingKey)
	assert.Equal(t, "application/json", sent.msg.ContentType)
	assert.Equal(t, amqp.Persistent, sent.msg.DeliveryMode)

	var msg models.EmailMessage
	require.NoError(t, json.Unmarshal(sent.msg.Body, &msg))
	assert.Equal(t, "r1", msg.RequestID)
	assert.Equal(t, "a@x.com", msg.Params.ToEmail)
	assert.Equal(t, "Riverside", msg.Params.CourtName)
	assert.Equal(t, "Court A", msg.Params.AvailableCourts)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, msg.ID, sent.msg.MessageId)
}

func TestSend_SurfacesPublishFailure(t *testing.T) {
	for _, cause := range []error{ErrNacked, ErrUnroutable, errors.New("channel closed")} {
		pub := &fakePublisher{err: cause}
		client := newTestClient(pub)

		err := client.Send(context.Background(), models.EmailParams{RequestID: "r1", ToEmail: "a@x.com"})
		require.Error(t, err)
		assert.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "r1")
	}
}

func TestRetryQueueArgs_DeadLetterBackToEmailQueue(t *testing.T) {
	args := retryQueueArgs(newTestClient(nil).Config)

	assert.Equal(t, "notifications.direct", args["x-dead-letter-exchange"])
	assert.Equal(t, "email.queue", args["x-dead-letter-routing-key"])
	assert.Equal(t, int64(45000), args["x-message-ttl"])
}

func newTestPublisher(t *testing.T) (*channelPublisher, chan amqp.Return) {
	t.Helper()
	returns := make(chan amqp.Return)
	t.Cleanup(func() { close(returns) })
	return &channelPublisher{returns: newReturnTracker(returns, zap.NewNop())}, returns
}

func TestSettle(t *testing.T) {
	ctx := context.Background()

	t.Run("acked", func(t *testing.T) {
		p, _ := newTestPublisher(t)
		assert.NoError(t, p.settle(ctx, "m1", "email.queue", true, nil))
	})

	t.Run("nacked", func(t *testing.T) {
		p, _ := newTestPublisher(t)
		err := p.settle(ctx, "m1", "email.queue", false, nil)
		assert.ErrorIs(t, err, ErrNacked)
	})

	t.Run("wait failed", func(t *testing.T) {
		p, _ := newTestPublisher(t)
		err := p.settle(ctx, "m1", "email.queue", false, context.DeadlineExceeded)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("returned then acked", func(t *testing.T) {
		p, returns := newTestPublisher(t)
		returns <- amqp.Return{MessageId: "m1", RoutingKey: "email.queue", ReplyCode: 312, ReplyText: "NO_ROUTE"}

		err := p.settle(ctx, "m1", "email.queue", true, nil)
		assert.ErrorIs(t, err, ErrUnroutable)
		assert.Contains(t, err.Error(), "NO_ROUTE")

		// reported once
		assert.NoError(t, p.settle(ctx, "m1", "email.queue", true, nil))
	})

	t.Run("other message returned", func(t *testing.T) {
		p, returns := newTestPublisher(t)
		returns <- amqp.Return{MessageId: "m2", ReplyCode: 312, ReplyText: "NO_ROUTE"}

		assert.NoError(t, p.settle(ctx, "m1", "email.queue", true, nil))
	})
}

func TestReturnTracker_AnswersAfterChannelCloses(t *testing.T) {
	returns := make(chan amqp.Return)
	tracker := newReturnTracker(returns, zap.NewNop())
	returns <- amqp.Return{MessageId: "m1", ReplyCode: 312, ReplyText: "NO_ROUTE"}
	close(returns)
	<-tracker.stopped

	reason, returned, err := tracker.returnedReason(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, returned)
	assert.Equal(t, "312 NO_ROUTE", reason)
}

func TestReturnTracker_HonoursContext(t *testing.T) {
	tracker := &returnTracker{
		returned: map[string]string{},
		barrier:  make(chan chan struct{}),
		stopped:  make(chan struct{}),
		logger:   zap.NewNop(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := tracker.returnedReason(ctx, "m1")
	assert.ErrorIs(t, err, context.Canceled)
}
