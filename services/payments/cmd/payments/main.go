package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Panda-1024/premium-bot/libs/health"
	"github.com/Panda-1024/premium-bot/libs/httpmiddleware"
	"github.com/Panda-1024/premium-bot/libs/kafka"
	"github.com/Panda-1024/premium-bot/libs/lock"
	"github.com/Panda-1024/premium-bot/libs/logging"
	"github.com/Panda-1024/premium-bot/libs/metrics"
	"github.com/Panda-1024/premium-bot/libs/trace"
	"github.com/Panda-1024/premium-bot/services/payments/internal/amount"
	"github.com/Panda-1024/premium-bot/services/payments/internal/cache"
	"github.com/Panda-1024/premium-bot/services/payments/internal/chain"
	"github.com/Panda-1024/premium-bot/services/payments/internal/config"
	"github.com/Panda-1024/premium-bot/services/payments/internal/fulfillment"
	"github.com/Panda-1024/premium-bot/services/payments/internal/gift"
	"github.com/Panda-1024/premium-bot/services/payments/internal/handlers"
	"github.com/Panda-1024/premium-bot/services/payments/internal/monitor"
	"github.com/Panda-1024/premium-bot/services/payments/internal/notify"
	"github.com/Panda-1024/premium-bot/services/payments/internal/orders"
	"github.com/Panda-1024/premium-bot/services/payments/internal/rate"
	"github.com/Panda-1024/premium-bot/services/payments/internal/service"
	"github.com/Panda-1024/premium-bot/services/payments/internal/storage"
	"github.com/Panda-1024/premium-bot/services/payments/internal/sweeper"
	"github.com/Panda-1024/premium-bot/services/payments/internal/wallet"
)

const grpcServiceName = "premium.payments"

// paymentStore is satisfied by both the postgres and the in-memory store.
type paymentStore interface {
	service.OrderStore
	orders.MatchStore
	orders.Store
	fulfillment.Store
	monitor.Store
	sweeper.Store
	cache.TierStore
	notify.AdminDirectory
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.App.LogLevel, cfg.App.LogFormat, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	serviceMetrics := service.NewMetrics(registry)
	orderMetrics := orders.NewMetrics(registry)
	fulfillmentMetrics := fulfillment.NewMetrics(registry)
	monitorMetrics := monitor.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("storage init failed", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var (
		limiter rate.Limiter = rate.NewMemory(cfg.Orders.RateLimit, cfg.Orders.RateWindow)
		locker  *lock.RedisLocker
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Error("redis connection failed", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		limiter = rate.NewRedisLimiter(rdb, cfg.Orders.RateLimit, cfg.Orders.RateWindow, "")
		locker = lock.NewRedisLocker(rdb, "")
	}

	var (
		events   kafka.Publisher
		notifier notify.Notifier = notify.NewLogSink(logger)
	)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, logger, kafkaMetrics)
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		publisher := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		defer publisher.Close()
		events = publisher
		notifier = notify.NewKafkaSink(publisher, cfg.Kafka.Topics.Notifications, logger)
	} else {
		logger.Warn("kafka disabled, order events are not published")
	}
	notifier = notify.NewAdminFanout(notifier, store, logger)

	lifecycle := orders.NewLifecycle(store, events, notifier, logger, orderMetrics).
		WithTopicPrefix(cfg.Kafka.Topics.OrderEventsPrefix)

	tiers := cache.NewTierCache()
	if err := tiers.Load(ctx, store); err != nil {
		logger.Error("tier cache load failed", "error", err)
		os.Exit(1)
	}
	serviceMetrics.SetCacheSize(tiers.Size())
	tiers.StartAutoRefresh(ctx, store, cfg.Orders.TierRefreshInterval, serviceMetrics, logger)

	var fulfiller orders.Fulfiller
	if cfg.TON.Mnemonic != "" {
		dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
		tonWallet, err := wallet.Dial(dialCtx, wallet.Config{ConfigURL: cfg.TON.ConfigURL, Mnemonic: cfg.TON.Mnemonic}, logger)
		dialCancel()
		if err != nil {
			logger.Error("ton wallet init failed", "error", err)
			os.Exit(1)
		}
		fragment := gift.NewFragment(gift.FragmentConfig{
			BaseURL: cfg.Fragment.BaseURL,
			Hash:    cfg.Fragment.Hash,
			Cookie:  cfg.Fragment.Cookie,
			Account: gift.Account{
				Address:         firstNonEmpty(cfg.Fragment.WalletAddress, tonWallet.Address()),
				WalletStateInit: cfg.Fragment.WalletStateInit,
				PublicKey:       cfg.Fragment.PublicKey,
			},
			Timeout: cfg.Fragment.Timeout,
		}, logger)
		fulfiller = fulfillment.NewOrchestrator(fragment, tonWallet, lifecycle, store, logger, fulfillmentMetrics).
			WithReserve(cfg.TON.Reserve)
		logger.Info("fulfillment enabled", "wallet", tonWallet.Address())
	} else {
		logger.Warn("ton mnemonic not set, paid orders wait for manual completion")
	}

	matcher := orders.NewMatcher(store, lifecycle, fulfiller, notifier, logger, orderMetrics)
	ledger := chain.NewTronGrid(chain.TronGridConfig{
		BaseURL:  cfg.Tron.BaseURL,
		APIKey:   cfg.Tron.APIKey,
		Contract: cfg.Tron.Contract,
		Timeout:  cfg.Tron.Timeout,
	}, logger)
	mon := monitor.New(monitor.Config{
		Interval:         cfg.Monitor.Interval,
		ConfirmationLag:  cfg.Monitor.ConfirmationLag,
		MaxBlocksPerTick: cfg.Monitor.MaxBlocksPerTick,
		LockTTL:          cfg.Monitor.LockTTL,
	}, ledger, store, matcher, logger, monitorMetrics).WithAlerts(notifier)
	if locker != nil {
		mon = mon.WithLocker(locker)
	}

	sweep := sweeper.New(store, lifecycle, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize, logger, registry)

	orderSvc := service.NewOrderService(store, tiers, amount.NewAllocator(cfg.Orders.MaxAllocationAttempts), lifecycle, limiter, logger, serviceMetrics, service.Config{
		DefaultTimeout: cfg.Orders.DefaultTimeout,
		StaleAfter:     cfg.Orders.StaleAfter,
	})

	handler := handlers.New(orderSvc, logger)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	grpcAddr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
	listener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Error("grpc listen failed", "addr", grpcAddr, "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer()
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	ready.AttachGRPC(healthServer, grpcServiceName)

	ready.SetReady(true)

	go func() {
		logger.Info("payments http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("payments grpc health starting", "addr", grpcAddr)
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("grpc server error", "error", err)
		}
	}()

	if cfg.Monitor.Enabled {
		go mon.Run(ctx)
	} else {
		logger.Warn("ledger monitor disabled")
	}
	go sweep.Run(ctx)

	waitForShutdown(httpServer, grpcServer, ready, cancel, logger)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (paymentStore, func(), error) {
	if cfg.StorageDriver == config.StorageMemory {
		logger.Warn("using in-memory storage, state is lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	pool, err := connectDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store := storage.New(pool)
	migrateCtx, migrateCancel := context.WithTimeout(ctx, 30*time.Second)
	defer migrateCancel()
	if err := store.Migrate(migrateCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store, pool.Close, nil
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func waitForShutdown(httpServer *http.Server, grpcServer *grpc.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	grpcServer.GracefulStop()
	logger.Info("shutdown complete")
}
