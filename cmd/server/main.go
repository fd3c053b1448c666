package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rentescrow/internal/config"
	"rentescrow/internal/contacts"
	contactspg "rentescrow/internal/contacts/postgres"
	"rentescrow/internal/deposits"
	depositspg "rentescrow/internal/deposits/postgres"
	"rentescrow/internal/dlq"
	"rentescrow/internal/escrow"
	"rentescrow/internal/events"
	"rentescrow/internal/server"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := newLogger(cfg.Service.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := server.Deps{Logger: logger}

	var (
		depositStore deposits.Store = deposits.NewMemoryStore()
		contactStore contacts.Store = contacts.NewMemoryStore()
	)
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		ds, err := depositspg.New(pool)
		if err != nil {
			return err
		}
		if err := ds.EnsureSchema(ctx); err != nil {
			return err
		}
		cs, err := contactspg.New(pool)
		if err != nil {
			return err
		}
		if err := cs.EnsureSchema(ctx); err != nil {
			return err
		}
		depositStore, contactStore = ds, cs
		deps.DB = ds
	} else {
		logger.Warn("DATABASE_URL not set, deposits are kept in memory")
	}

	if len(cfg.Redis.Addrs) > 0 {
		cache := contacts.NewRedisCache(cfg.Redis.Addrs, cfg.Redis.Password)
		defer func() { _ = cache.Close() }()
		contactStore = contacts.NewCachedStore(contactStore, cache, cfg.Redis.TTL, logger.Named("contacts"))
		deps.Cache = cache
	}
	wallets := contacts.NewService(contactStore)

	publisher, err := events.New(events.Config{
		Driver:       cfg.Events.Driver,
		Brokers:      cfg.Events.Brokers,
		Topic:        cfg.Events.Topic,
		BatchTimeout: cfg.Events.BatchTimeout,
		TLS:          cfg.Events.TLS,
	})
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	dlqCfg := dlq.Config{
		Driver: cfg.DLQ.Driver,
		Path:   cfg.DLQ.Path,
		Bucket: cfg.DLQ.Bucket,
		Prefix: cfg.DLQ.Prefix,
	}
	if strings.EqualFold(cfg.DLQ.Driver, dlq.DriverS3) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return err
		}
		dlqCfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	deadLetter, err := dlq.New(dlqCfg)
	if err != nil {
		return err
	}

	var chain escrow.ChainClient
	if cfg.Chain.Fake {
		logger.Warn("using fake chain, every transaction hash confirms")
		fake := escrow.NewFakeChain()
		fake.AutoConfirm = true
		chain, deps.RPC = fake, fake
	} else {
		eth, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
			RPCURL:  cfg.Chain.RPCURL,
			ChainID: cfg.Chain.ChainID,
		})
		if err != nil {
			return err
		}
		defer eth.Close()
		logger.Info("connected to chain", zap.String("chain_id", eth.ChainID().String()))
		chain, deps.RPC = eth, eth
	}

	recCfg := escrow.RecorderConfig{
		EscrowAddress:    common.HexToAddress(cfg.Chain.EscrowAddress),
		RequireSignature: cfg.Escrow.RequireSignature,
		ReceiptTimeout:   cfg.Chain.ReceiptTimeout,
		PublishTimeout:   cfg.Events.PublishTimeout,
	}
	if cfg.Chain.TokenAddress != "" {
		recCfg.Token = &escrow.TokenCheck{
			Address:  common.HexToAddress(cfg.Chain.TokenAddress),
			Decimals: int32(cfg.Chain.TokenDecimals),
		}
	}
	recorder, err := escrow.NewRecorder(recCfg, chain, depositStore,
		escrow.WithContacts(wallets),
		escrow.WithEvents(publisher),
		escrow.WithDeadLetter(deadLetter),
		escrow.WithLogger(logger.Named("escrow")),
	)
	if err != nil {
		return err
	}

	deps.Recorder = recorder
	deps.Deposits = depositStore
	deps.Wallets = wallets
	deps.DeadLetter = deadLetter
	apiServer := server.NewServer(cfg, deps)

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}
