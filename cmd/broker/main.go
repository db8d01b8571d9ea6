package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scriptbroker/scriptbroker/internal/broker"
	"github.com/scriptbroker/scriptbroker/internal/broker/server"
	"github.com/scriptbroker/scriptbroker/internal/config"
	"github.com/scriptbroker/scriptbroker/internal/logging"
	"github.com/scriptbroker/scriptbroker/internal/monitoring"
	"github.com/scriptbroker/scriptbroker/internal/protocol"
)

func main() {
	port := flag.String("port", "", "Listen port (overrides PORT)")
	flag.Parse()

	cfg := config.LoadBrokerOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Auth.Token == "" {
		logger.Fatal("RUNNER_AUTH_TOKEN must be set")
	}

	metrics := monitoring.New(prometheus.DefaultRegisterer)
	b := broker.New(broker.Config{
		Token: cfg.Auth.Token,
		MaxConcurrency: map[protocol.Language]int{
			protocol.LanguageJS:     cfg.Concurrency.JS,
			protocol.LanguagePython: cfg.Concurrency.Python,
		},
		DefaultTimeout: cfg.Tasks.DefaultTimeout,
		MaxTimeout:     cfg.Tasks.MaxTimeout,
	}, logger, metrics)

	srv := server.New(cfg, b, logger)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.UpdateUptime()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(cfg.Server.Host + ":" + cfg.Server.Port); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	case err := <-errChan:
		logger.Fatal("server error", zap.Error(err))
	}
}
