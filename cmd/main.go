package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oarkflow/ip"
	"go.uber.org/zap"

	flowguard "github.com/oarkflow/flowguard"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	flag.Parse()

	cfg, err := flowguard.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := flowguard.NewLogger(cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ip.Init()

	// Persistence is a startup requirement: no ledger, no engine.
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), 15*time.Second)
	ledger, err := flowguard.NewPostgresLedger(connectCtx, cfg.DatabaseDSN())
	cancelConnect()
	if err != nil {
		logger.Fatal("persistence unavailable", zap.Error(err))
	}
	defer ledger.Close()

	engine, err := flowguard.NewEngine(cfg, ledger, logger)
	if err != nil {
		logger.Fatal("engine construction failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		logger.Fatal("engine start failed", zap.Error(err))
	}

	app := engine.API().App()
	go func() {
		logger.Info("api listening", zap.String("port", cfg.Server.Port))
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("api shutdown incomplete", zap.Error(err))
	}
	engine.Stop()
}
