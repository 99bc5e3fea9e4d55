// Package main provides the anonymous pairing chat server. It wires the
// pairing engine, the protocol handler, and the WebSocket transport, and
// runs them under the lifecycle manager.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/anonchat/internal/chat"
	"github.com/cory-johannsen/anonchat/internal/config"
	"github.com/cory-johannsen/anonchat/internal/engine"
	"github.com/cory-johannsen/anonchat/internal/observability"
	"github.com/cory-johannsen/anonchat/internal/server"
	"github.com/cory-johannsen/anonchat/internal/ws"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat server",
		zap.String("addr", cfg.Server.Addr()),
		zap.Int("queue_capacity", cfg.Engine.QueueCapacity),
	)

	eng := engine.New(engine.Options{
		QueueCapacity:     cfg.Engine.QueueCapacity,
		RateLimitTokens:   cfg.Engine.RateLimitTokens,
		RateLimitInterval: cfg.Engine.RateLimitInterval,
	}, logger)
	handler := chat.NewHandler(eng, logger, cfg.Engine.JoinTimeout)
	wsServer := ws.NewServer(cfg.Server, handler, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: func() error {
			return wsServer.ListenAndServe()
		},
		StopFn: func() {
			wsServer.Stop()
		},
	})

	logger.Info("server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}
