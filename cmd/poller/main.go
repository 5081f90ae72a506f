package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/arenaplay/wallet-ledger/internal/audit"
	"github.com/arenaplay/wallet-ledger/internal/config"
	"github.com/arenaplay/wallet-ledger/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
)

func main() {
	_ = godotenv.Load()
	path := os.Getenv("WALLET_CONFIG")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.AuditTopic,
		Balancer: &kafka.LeastBytes{},
	}
	defer kw.Close()

	relay := audit.NewRelay(audit.NewStore(gdb), kw, log)

	ticker := time.NewTicker(cfg.Ledger.RelayInterval)
	defer ticker.Stop()

	log.Info("audit-relay started")
	for range ticker.C {
		ctx := context.Background()
		n, err := relay.RelayOnce(ctx, cfg.Ledger.RelayBatch)
		if err != nil {
			log.Errorf("relay: %v", err)
			continue
		}
		if n > 0 {
			log.Infof("relayed %d audit entries", n)
		}
	}
}
