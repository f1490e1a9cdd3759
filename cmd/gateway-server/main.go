package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/api"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/broker"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/config"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/engine"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/store"
	"github.com/KenyBoi/algotrendy-v2.6-sub008/internal/util"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "config/gateway.yaml"
	if p := os.Getenv("GATEWAY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if cfg.Trading.PaperMode {
		logger.Warn("paper mode: all brokers run on the simulator")
	}
	registry := broker.NewRegistry()
	for name, settings := range cfg.BrokerSettings() {
		b, err := broker.New(name, settings, logger)
		if err != nil {
			log.Fatalf("configuring broker %s: %v", name, err)
		}
		registry.Register(name, b)
	}

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer st.Close()

	var archive store.Archiver
	if cfg.Storage.ArchiveDir != "" {
		archive = store.NewParquetArchive(cfg.Storage.ArchiveDir)
	}

	risk := engine.NewRiskManager(engine.RiskConfig{
		MaxPositionPct:   cfg.Trading.MaxPositionPct,
		MaxOpenPositions: cfg.Trading.MaxOpenPositions,
		MaxLeverage:      cfg.Trading.MaxLeverage,
	})
	eng := engine.NewEngine(registry, st, st, archive, risk, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Bring up broker sessions; a venue that refuses to connect at startup
	// stays registered and can be connected later over the API.
	for _, name := range registry.Names() {
		b, _ := registry.Get(name)
		dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := b.Connect(dialCtx); err != nil {
			logger.Warn("broker connect failed at startup", "broker", name, "error", err)
		}
		dialCancel()
	}

	go eng.Run(ctx, cfg.Trading.ReconcileInterval())

	httpAddr := listenAddr(cfg.Server.Host, cfg.Server.Port)
	grpcAddr := ""
	if cfg.Server.GRPCPort > 0 {
		grpcAddr = listenAddr(cfg.Server.Host, cfg.Server.GRPCPort)
	}

	srv := api.NewServer(registry, eng, httpAddr, grpcAddr, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}

	// Close venue sessions before exit.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	for _, name := range registry.Names() {
		b, _ := registry.Get(name)
		if err := b.Disconnect(shutdownCtx); err != nil {
			logger.Warn("broker disconnect failed", "broker", name, "error", err)
		}
	}
}

func listenAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
