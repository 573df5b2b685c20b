package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vacantcourt/backend/internal/bootstrap"
	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/statusbridge"
	"github.com/vacantcourt/backend/pkg/logger"
	"go.uber.org/zap"
)

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

	if err := cfg.ValidateForStatusBridge(); err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, _, err := bootstrap.OpenStore(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if err := statusbridge.New(st, cfg.MQTT, zl).Run(ctx); err != nil {
		zl.Fatal("status bridge stopped", zap.Error(err))
	}
}
