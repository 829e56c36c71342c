package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"reward_wallet/internal/config"
	"reward_wallet/internal/database"
	"reward_wallet/internal/handler"
	"reward_wallet/internal/ledger"
	"reward_wallet/internal/logger"
	"reward_wallet/internal/notify"
	"reward_wallet/internal/ratelimit"
	"reward_wallet/internal/reconcile"
	"reward_wallet/internal/report"
	"reward_wallet/internal/reward"
	"reward_wallet/internal/scheduler"
	"reward_wallet/internal/users"
	"reward_wallet/internal/wallet"
	"reward_wallet/internal/withdrawal"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	if envErr != nil {
		log.WithError(envErr).Debug("no .env file loaded")
	}

	db, err := database.Open(cfg.DBConnStr, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	if err := database.Migrate(db, &users.User{}, &wallet.Wallet{}, &ledger.Entry{}, &withdrawal.Withdrawal{}); err != nil {
		log.WithError(err).Fatal("failed to migrate database")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer rdb.Close()
	}

	hub := notify.NewHub()
	publishers, closers := buildPublishers(cfg, rdb, log)
	events := notify.NewAsync(append(notify.Multi{hub}, publishers...), log, 0)

	walletRepo := wallet.NewWalletRepositoryImpl(db)
	ledgerRepo := ledger.NewRepository(db)
	userService := users.NewService(db, walletRepo, log)

	policies, err := reward.PoliciesFromConfig(cfg.Rewards)
	if err != nil {
		log.WithError(err).Fatal("invalid reward configuration")
	}
	rewards := reward.NewService(db, userService, walletRepo, ledgerRepo, policies, events, log)
	withdrawals := withdrawal.NewService(db, userService, walletRepo, ledgerRepo, withdrawal.NewRepository(db), cfg.Withdrawal, events, log)
	reports := report.NewBuilder(ledgerRepo)

	throttles, memory := buildThrottles(cfg.Throttle, rdb)

	sched, err := scheduler.New(log, 10*time.Minute)
	if err != nil {
		log.WithError(err).Fatal("failed to create scheduler")
	}
	reconciler := reconcile.New(walletRepo, ledgerRepo, cfg.Reconcile.BatchSize, log)
	if err := sched.Every("reconcile", cfg.Reconcile.Interval, func(ctx context.Context) error {
		_, err := reconciler.Run(ctx)
		return err
	}); err != nil {
		log.WithError(err).Fatal("failed to schedule reconciliation")
	}
	if len(memory) > 0 {
		if err := sched.Every("throttle-sweep", time.Minute, func(context.Context) error {
			for _, w := range memory {
				w.Sweep()
			}
			return nil
		}); err != nil {
			log.WithError(err).Fatal("failed to schedule throttle sweep")
		}
	}
	if cfg.Report.Bucket != "" {
		uploader, err := report.NewR2Uploader(context.Background(), cfg.Report)
		if err != nil {
			log.WithError(err).Fatal("failed to configure report storage")
		}
		if err := sched.Daily("daily-report", 0, 5, report.NewDailyJob(reports, uploader, log).Run); err != nil {
			log.WithError(err).Fatal("failed to schedule daily report")
		}
	}
	sched.Start()

	h := handler.New(handler.Services{
		Users:       userService,
		Wallets:     wallet.NewService(walletRepo),
		Ledger:      ledgerRepo,
		Rewards:     rewards,
		Withdrawals: withdrawals,
		Reports:     reports,
		Hub:         hub,
	}, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(throttles),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server shutdown failed")
	}
	if err := sched.Shutdown(); err != nil {
		log.WithError(err).Error("scheduler shutdown failed")
	}
	events.Close()
	for _, c := range closers {
		if err := c(); err != nil {
			log.WithError(err).Warn("failed to close publisher")
		}
	}
	log.Info("server stopped")
}

// buildPublishers returns the outbound event sinks that are configured.
// A broker that cannot be reached at startup is skipped.
func buildPublishers(cfg *config.Config, rdb *redis.Client, log logrus.FieldLogger) (notify.Multi, []func() error) {
	var (
		out     notify.Multi
		closers []func() error
	)
	if rdb != nil {
		out = append(out, notify.NewRedisPublisher(rdb, ""))
	}
	if cfg.RabbitMQ.URL != "" {
		p, err := notify.NewAMQPPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, log)
		if err != nil {
			log.WithError(err).Warn("rabbitmq unavailable, events will not be published there")
		} else {
			out = append(out, p)
			closers = append(closers, p.Close)
		}
	}
	if len(cfg.Kafka.Brokers) > 0 {
		p := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, log))
		out = append(out, p)
		closers = append(closers, p.Close)
	}
	return out, closers
}

// buildThrottles backs the request windows with redis when available so
// replicas share counters, and with process memory otherwise.
func buildThrottles(cfg config.ThrottleConfig, rdb *redis.Client) (handler.Throttles, []*ratelimit.MemoryWindow) {
	if rdb != nil {
		return handler.Throttles{
			API:  ratelimit.NewRedisWindow(rdb, ratelimit.ClassAPI, cfg.API.Limit, cfg.API.Window),
			Game: ratelimit.NewRedisWindow(rdb, ratelimit.ClassGame, cfg.Game.Limit, cfg.Game.Window),
			Auth: ratelimit.NewRedisWindow(rdb, ratelimit.ClassAuth, cfg.Auth.Limit, cfg.Auth.Window),
		}, nil
	}
	api := ratelimit.NewMemoryWindow(cfg.API.Limit, cfg.API.Window)
	game := ratelimit.NewMemoryWindow(cfg.Game.Limit, cfg.Game.Window)
	auth := ratelimit.NewMemoryWindow(cfg.Auth.Limit, cfg.Auth.Window)
	return handler.Throttles{API: api, Game: game, Auth: auth}, []*ratelimit.MemoryWindow{api, game, auth}
}
