package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/scriptbroker/scriptbroker/internal/config"
	"github.com/scriptbroker/scriptbroker/internal/logging"
	"github.com/scriptbroker/scriptbroker/internal/protocol"
	"github.com/scriptbroker/scriptbroker/internal/runner"
	"github.com/scriptbroker/scriptbroker/internal/runner/engine"
	"github.com/scriptbroker/scriptbroker/internal/runner/engine/jsengine"
	"github.com/scriptbroker/scriptbroker/internal/runner/engine/pyengine"
)

func main() {
	brokerURL := flag.String("broker", "", "Broker WebSocket URL (overrides BROKER_URL)")
	language := flag.String("language", "", "Runner language (overrides RUNNER_LANGUAGE)")
	flag.Parse()

	cfg, err := config.LoadRunner()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *brokerURL != "" {
		cfg.BrokerURL = *brokerURL
	}
	if *language != "" {
		cfg.Language = *language
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

	// The manifest is the install surface; the allow-list is the enable
	// surface. When a manifest is present, warn about enabled-but-not-
	// installed names early rather than at first import.
	if cfg.ManifestPath != "" {
		manifest, err := config.LoadManifest(cfg.ManifestPath)
		if err != nil {
			logger.Fatal("failed to load package manifest", zap.Error(err))
		}
		for _, name := range cfg.AllowedModules {
			if name != "*" && !manifest.HasImport(name) {
				logger.Warn("allow-listed module is not in the package manifest",
					zap.String("module", name))
			}
		}
	}

	var eng engine.Engine
	switch protocol.Language(cfg.Language) {
	case protocol.LanguageJS:
		eng = jsengine.New(jsengine.Config{
			AllowedModules:  cfg.AllowedModules,
			AllowedBuiltins: cfg.AllowedBuiltins,
			Log:             logger,
		})
	case protocol.LanguagePython:
		eng = pyengine.New(pyengine.Config{
			PythonBin:       cfg.PythonBin,
			AllowedModules:  cfg.AllowedModules,
			AllowedBuiltins: cfg.AllowedBuiltins,
			Log:             logger,
		})
	default:
		logger.Fatal("unknown language", zap.String("language", cfg.Language))
	}
	defer eng.Close()

	r := runner.New(runner.Config{
		BrokerURL:      cfg.BrokerURL,
		Token:          cfg.Auth.Token,
		MaxConcurrency: cfg.MaxConcurrency,
		TaskTimeout:    cfg.TaskTimeout,
	}, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("runner starting",
		zap.String("language", cfg.Language),
		zap.String("broker", cfg.BrokerURL))
	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("runner stopped", zap.Error(err))
	}
	logger.Info("runner shut down")
}
