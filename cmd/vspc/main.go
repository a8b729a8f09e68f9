package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeitwork/vspc/internal/shared/logging"
	"github.com/zeitwork/vspc/internal/vspcconfig"
	"github.com/zeitwork/vspc/internal/vspcservice"
)

func main() {
	yamlPath := flag.String("config", "", "optional YAML config file overlaid under environment variables")
	flag.Parse()

	cfg, err := vspcconfig.Load(*yamlPath)
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	logger := logging.NewLogger("vspc", cfg.LogLevel, cfg.Environment)

	service, err := vspcservice.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build vspc service", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("starting vspc",
		"host", cfg.Host,
		"port", cfg.Port,
		"enable_clients", cfg.EnableClients,
		"environment", cfg.Environment,
	)

	if err := service.Run(ctx); err != nil {
		logger.Error("vspc service failed", "error", err)
		os.Exit(1)
	}
}
