package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vacantcourt/backend/internal/models"
	"go.uber.org/zap"
)

type fakeAcknowledger struct {
	acked    int
	nacked   int
	requeued bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked++
	f.requeued = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type published struct {
	routingKey string
	msg        amqp.Publishing
}

type fakePublisher struct {
	err    error
	failOn string
	sent   []published
}

func (f *fakePublisher) PublishConfirmed(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if f.err != nil && (f.failOn == "" || f.failOn == routingKey) {
		return f.err
	}
	f.sent = append(f.sent, published{routingKey: routingKey, msg: msg})
	return nil
}

func (f *fakePublisher) to(routingKey string) []published {
	var out []published
	for _, p := range f.sent {
		if p.routingKey == routingKey {
			out = append(out, p)
		}
	}
	return out
}

func newDelivery(t *testing.T, ack amqp.Acknowledger, msg any) amqp.Delivery {
	t.Helper()
	var body []byte
	switch v := msg.(type) {
	case []byte:
		body = v
	default:
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}
}

func newProcessor(handle EmailHandler, pub *fakePublisher) *deliveryProcessor {
	return &deliveryProcessor{
		handle:      handle,
		publisher:   pub,
		retryQueue:  "email.retry",
		failedQueue: "failed.queue",
		maxAttempts: 3,
		logger:      zap.NewNop(),
	}
}

func failWith(err error) EmailHandler {
	return func(ctx context.Context, msg models.EmailMessage) error { return err }
}

func TestProcess_HandledMessageIsAcked(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{}
	var got models.EmailMessage
	p := newProcessor(func(ctx context.Context, msg models.EmailMessage) error {
		got = msg
		return nil
	}, pub)

	p.process(context.Background(), newDelivery(t, ack, models.EmailMessage{
		ID:        "m1",
		RequestID: "r1",
		Params:    models.EmailParams{ToEmail: "a@x.com", CourtName: "Riverside"},
	}))

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 0, ack.nacked)
	assert.Empty(t, pub.sent)
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, "a@x.com", got.Params.ToEmail)
}

func TestProcess_TransientFailureIsRetried(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{}
	p := newProcessor(failWith(errors.New("email provider returned status 503")), pub)

	d := newDelivery(t, ack, models.EmailMessage{ID: "m1"})
	d.MessageId = "m1"
	p.process(context.Background(), d)

	assert.Equal(t, 1, ack.acked)
	assert.Empty(t, pub.to("failed.queue"))
	retried := pub.to("email.retry")
	require.Len(t, retried, 1)
	assert.Equal(t, int32(1), retried[0].msg.Headers[attemptsHeader])
	assert.Contains(t, retried[0].msg.Headers[lastErrorHeader], "status 503")
	assert.Equal(t, "m1", retried[0].msg.MessageId)
	assert.Equal(t, d.Body, retried[0].msg.Body)
	assert.Equal(t, amqp.Persistent, retried[0].msg.DeliveryMode)
}

func TestProcess_AttemptCounterAdvances(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{}
	p := newProcessor(failWith(errors.New("circuit breaker is open")), pub)

	d := newDelivery(t, ack, models.EmailMessage{ID: "m1"})
	// the broker decodes integers as int64 after a round trip
	d.Headers = amqp.Table{attemptsHeader: int64(1), "x-death": []interface{}{}}
	p.process(context.Background(), d)

	retried := pub.to("email.retry")
	require.Len(t, retried, 1)
	assert.Equal(t, int32(2), retried[0].msg.Headers[attemptsHeader])
	assert.NotContains(t, retried[0].msg.Headers, "x-death")
}

func TestProcess_GivesUpAfterMaxAttempts(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{}
	p := newProcessor(failWith(errors.New("timeout")), pub)

	d := newDelivery(t, ack, models.EmailMessage{ID: "m1"})
	d.Headers = amqp.Table{attemptsHeader: int32(2)}
	p.process(context.Background(), d)

	assert.Equal(t, 1, ack.acked)
	assert.Empty(t, pub.to("email.retry"))
	failed := pub.to("failed.queue")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].msg.Headers[failureReasonHeader], "gave up after 3 attempts")
}

func TestProcess_PermanentFailureIsParked(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{}
	p := newProcessor(failWith(fmt.Errorf("%w: email provider returned status 400", ErrPermanent)), pub)

	p.process(context.Background(), newDelivery(t, ack, models.EmailMessage{ID: "m1"}))

	assert.Equal(t, 1, ack.acked)
	assert.Empty(t, pub.to("email.retry"))
	failed := pub.to("failed.queue")
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].msg.Headers[failureReasonHeader], "status 400")
}

func TestProcess_UndecodableMessageIsParked(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{}
	called := false
	p := newProcessor(func(ctx context.Context, msg models.EmailMessage) error {
		called = true
		return nil
	}, pub)

	p.process(context.Background(), newDelivery(t, ack, []byte("{garbage")))

	assert.False(t, called)
	assert.Equal(t, 1, ack.acked)
	failed := pub.to("failed.queue")
	require.Len(t, failed, 1)
	assert.Equal(t, []byte("{garbage"), failed[0].msg.Body)
}

func TestProcess_RequeuedWhenParkingFails(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{err: errors.New("channel closed"), failOn: "failed.queue"}
	p := newProcessor(failWith(fmt.Errorf("%w: bad address", ErrPermanent)), pub)

	p.process(context.Background(), newDelivery(t, ack, models.EmailMessage{ID: "m1"}))

	assert.Equal(t, 0, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeued)
}

func TestProcess_RequeuedWhenRetryPublishFails(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{err: ErrNacked, failOn: "email.retry"}
	p := newProcessor(failWith(errors.New("status 502")), pub)

	p.process(context.Background(), newDelivery(t, ack, models.EmailMessage{ID: "m1"}))

	assert.Equal(t, 0, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeued)
	assert.Empty(t, pub.to("failed.queue"))
}

func TestProcess_RequeuedWithoutRetryQueue(t *testing.T) {
	ack := &fakeAcknowledger{}
	pub := &fakePublisher{}
	p := newProcessor(failWith(errors.New("status 500")), pub)
	p.retryQueue = ""

	p.process(context.Background(), newDelivery(t, ack, models.EmailMessage{ID: "m1"}))

	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeued)
	assert.Empty(t, pub.sent)
}
