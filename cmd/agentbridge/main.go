package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kdlbs/agentbridge/internal/bridge/orchestrator"
	"github.com/kdlbs/agentbridge/internal/bridge/pool"
	"github.com/kdlbs/agentbridge/internal/bridge/sessions"
	"github.com/kdlbs/agentbridge/internal/bridge/tracing"
	"github.com/kdlbs/agentbridge/internal/common/config"
	"github.com/kdlbs/agentbridge/internal/common/logger"
)

func main() {
	configPath := flag.String("config", "", "config file directory")
	workdir := flag.String("workdir", "", "default session working directory")
	logLevel := flag.String("log-level", "", "override log level")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *workdir != "" {
		cfg.Agent.DefaultWorkdir = *workdir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// 2. Initialize logger. Stdout carries the ACP stream, so logs must
	// never go there.
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	if logCfg.OutputPath == "" || logCfg.OutputPath == "stdout" {
		logCfg.OutputPath = "stderr"
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentbridge...", zap.String("version", orchestrator.Version))

	// 3. Open the session index
	index, err := sessions.Open(cfg.Sessions.IndexDir, log)
	if err != nil {
		log.Fatal("Failed to open session index", zap.Error(err))
	}
	defer index.Close()

	// 4. Warm the auxiliary worker pool in the background; titles degrade
	// gracefully until it is ready.
	workers := pool.NewAgent(cfg.Pool, cfg.Agent, log)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := workers.Warmup(ctx); err != nil {
			log.Warn("Worker pool warmup failed", zap.Error(err))
		}
	}()

	// 5. Wire the orchestrator to the ACP stdio connection
	orch := orchestrator.New(cfg, index, workers, log)
	conn := acp.NewAgentSideConnection(orch, os.Stdout, os.Stdin)
	orch.SetConn(conn)

	// 6. Serve until the client hangs up or we get a signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-conn.Done():
		log.Info("ACP connection closed")
	case sig := <-quit:
		log.Info("Received signal", zap.String("signal", sig.String()))
	}

	// 7. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orch.Close(shutdownCtx)
	workers.Shutdown(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentbridge stopped")
}
