package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/models"
	"github.com/vacantcourt/backend/internal/queue"
	"github.com/vacantcourt/backend/internal/services"
	"github.com/vacantcourt/backend/pkg/logger"
	"go.uber.org/zap"
)

// The mailer drains the email queue filled by the sweeper's amqp transport and
// relays each message to the email provider.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer zl.Sync()

	if err := cfg.ValidateForMailer(); err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clientRabbit, err := queue.NewRabbitMqService(cfg.RabbitMQ, zl)
	if err != nil {
		zl.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer clientRabbit.CloseConnection()

	email := services.NewEmailClient(cfg.Email, zl)
	handle := func(ctx context.Context, msg models.EmailMessage) error {
		params := msg.Params
		params.RequestID = msg.RequestID
		err := email.Send(ctx, params)
		if services.IsPermanent(err) {
			return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
		}
		return err
	}

	zl.Info("mailer consuming", zap.String("queue", cfg.RabbitMQ.EmailQueue))
	if err := clientRabbit.ConsumeEmails(ctx, cfg.RabbitMQ.Prefetch, handle); err != nil {
		zl.Fatal("consumer stopped", zap.Error(err))
	}
	zl.Info("mailer stopped")
}
