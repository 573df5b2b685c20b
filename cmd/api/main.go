package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vacantcourt/backend/internal/availability"
	"github.com/vacantcourt/backend/internal/bootstrap"
	"github.com/vacantcourt/backend/internal/config"
	"github.com/vacantcourt/backend/internal/handlers"
	"github.com/vacantcourt/backend/internal/services"
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

	if err := cfg.ValidateForAPI(); err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}
	predicate, err := availability.ByName(cfg.Job.Predicate)
	if err != nil {
		zl.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, redisClient, err := bootstrap.OpenStore(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	userService := services.NewUserServiceClient(cfg.Services.UserServiceURL, cfg.MockServices, zl)

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.RouterDeps{
		JWTSecret: cfg.Auth.JWTSecret,
		Health: handlers.NewHealthHandler(st, nil, map[string]handlers.BreakerStatus{
			"user_service": userService,
		}),
		Facilities:    handlers.NewFacilityHandler(st, predicate, zl),
		Subscriptions: handlers.NewSubscriptionHandler(st, predicate, zl),
		Ownership:     handlers.NewOwnershipHandler(userService, st, zl),
		RateLimiter:   redisClient,
		Logger:        zl,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}
	go func() {
		zl.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("graceful shutdown failed", zap.Error(err))
	}
}
