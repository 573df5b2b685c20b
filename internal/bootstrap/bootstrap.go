// Package bootstrap builds the long-lived clients the binaries share. Every
// client is constructed once at startup and handed to its users.
package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/queue"
	"github.com/vacantcourt/backend/internal/services"
	"github.com/vacantcourt/backend/internal/store"
	"github.com/vacantcourt/backend/internal/sweeper"
	"github.com/vacantcourt/backend/pkg/redis"
	"go.uber.org/zap"
)

// OpenStore opens the configured document store. The redis client is returned
// as well when the redis driver is used, nil otherwise.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, *goredis.Client, error) {
	switch cfg.Store.Driver {
	case config.StoreRedis:
		client, err := redis.InitRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return store.NewRedisStore(client, logger), client, nil
	case config.StoreSQLite:
		st, err := store.OpenSQLite(ctx, cfg.SQLite.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened sqlite store", zap.String("path", cfg.SQLite.Path))
		return st, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// Dispatcher is how the sweeper's emails leave the process.
type Dispatcher struct {
	sweeper.Dispatcher
	// Queue is set for the amqp transport.
	Queue *queue.RabbitMqClient
	// Email is set for the http transport.
	Email *services.EmailServiceClient
}

func (d *Dispatcher) Close() {
	if d.Queue != nil {
		d.Queue.CloseConnection()
	}
}

func NewDispatcher(cfg *config.Config, logger *zap.Logger) (*Dispatcher, error) {
	switch cfg.Email.Transport {
	case config.TransportHTTP:
		email := services.NewEmailClient(cfg.Email, logger)
		return &Dispatcher{Dispatcher: email, Email: email}, nil
	case config.TransportAMQP:
		q, err := queue.NewRabbitMqService(cfg.RabbitMQ, logger)
		if err != nil {
			return nil, err
		}
		return &Dispatcher{Dispatcher: q, Queue: q}, nil
	}
	return nil, fmt.Errorf("unknown email transport %q", cfg.Email.Transport)
}

// SentLedger returns the redis-backed ledger when dedupe is enabled. It reuses
// the store's client when there is one and dials its own otherwise; the
// returned func closes what was dialed here.
func SentLedger(ctx context.Context, cfg *config.Config, storeClient *goredis.Client, logger *zap.Logger) (sweeper.SentLedger, func(), error) {
	if !cfg.Job.Dedupe {
		return nil, func() {}, nil
	}
	if storeClient != nil {
		return sweeper.NewRedisLedger(storeClient, cfg.Job.SentMarkerTTL), func() {}, nil
	}
	client, err := redis.InitRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("sent ledger: %w", err)
	}
	return sweeper.NewRedisLedger(client, cfg.Job.SentMarkerTTL), func() { client.Close() }, nil
}
