package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/arenaplay/wallet-ledger/internal/audit"
	"github.com/arenaplay/wallet-ledger/internal/config"
	"github.com/arenaplay/wallet-ledger/internal/kyc"
	"github.com/arenaplay/wallet-ledger/internal/logger"
	"github.com/arenaplay/wallet-ledger/internal/model"
	"github.com/arenaplay/wallet-ledger/internal/notify"
	"github.com/arenaplay/wallet-ledger/internal/repo"
	"github.com/arenaplay/wallet-ledger/internal/service"
	httptransport "github.com/arenaplay/wallet-ledger/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func configPath() string {
	if p := os.Getenv("WALLET_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	// 1. load config
	_ = godotenv.Load()
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Wallet{},
		&model.Transaction{},
		&model.WithdrawalRequest{},
		&model.AuditEntry{},
		&model.KYCRecord{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer for wallet events; async so commits never wait on the broker
	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.EventsTopic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warnw("deliver wallet events", "count", len(msgs), "err", err)
			}
		},
	}
	defer kw.Close()

	// 6. repo & services
	repository := repo.NewRepository(gdb, rdb, cfg.Ledger.CacheTTL, log)
	publisher := notify.Fanout{
		notify.NewRedisPublisher(rdb, cfg.Ledger.EventsChannel),
		notify.NewKafkaPublisher(kw),
	}
	ledger := service.NewLedger(repository, log,
		service.WithPublisher(publisher),
		service.WithPageSizes(cfg.Ledger.DefaultPageSize, cfg.Ledger.MaxPageSize),
		service.WithPublishTimeout(cfg.Ledger.PublishTimeout),
	)
	withdrawals := service.NewWithdrawalService(ledger, repository, kyc.NewStore(gdb), audit.NewStore(gdb), log)

	// 7. gin router
	router := httptransport.NewRouter(ledger, withdrawals, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("wallet-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
