package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fulfillment/config"
	"fulfillment/internal/cart"
	"fulfillment/internal/checkout"
	"fulfillment/internal/clickhouse"
	"fulfillment/internal/commission"
	"fulfillment/internal/handler"
	"fulfillment/internal/inventory"
	"fulfillment/internal/invoice"
	"fulfillment/internal/kafka"
	"fulfillment/internal/memory"
	"fulfillment/internal/notify"
	"fulfillment/internal/orders"
	"fulfillment/internal/payment"
	"fulfillment/internal/postgres"
	"fulfillment/internal/queue"
	"fulfillment/internal/rabbitmq"
	"fulfillment/internal/redis"
	"fulfillment/internal/repository"
	"fulfillment/internal/workers"
	"fulfillment/pkg/logger"
)

type stores struct {
	inventory   repository.InventoryRepository
	orders      repository.OrderRepository
	payments    repository.PaymentRepository
	commissions repository.CommissionRepository
	steps       repository.StepRepository
	addresses   repository.AddressRepository
	invoices    repository.InvoiceRepository
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zlog, err := logger.Init(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting fulfillment service",
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Store.QueueDriver),
		zap.String("notify", cfg.Store.NotifyDriver),
		zap.String("http_port", cfg.HTTP.Port))

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				zlog.Warn("Failed to close resource", zap.Error(err))
			}
		}
	}()
	checks := map[string]handler.HealthCheck{}

	// Storage
	var st stores
	switch cfg.Store.Driver {
	case config.DriverMemory:
		mem := memory.NewStore()
		st = stores{mem, mem, mem, mem, mem, mem, mem}
		zlog.Warn("Using in-memory store; state is lost on restart")
	default:
		pgClient, err := postgres.NewClient(postgres.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			Username: cfg.Postgres.Username,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
		}, zlog)
		if err != nil {
			zlog.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		closers = append(closers, pgClient.Close)
		if cfg.Postgres.Migrate {
			if err := pgClient.Migrate(); err != nil {
				zlog.Fatal("Failed to migrate Postgres", zap.Error(err))
			}
		}
		checks["postgres"] = func(ctx context.Context) error {
			sqlDB, err := pgClient.DB().DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
		st = stores{
			inventory:   postgres.NewInventoryRepository(pgClient),
			orders:      postgres.NewOrderRepository(pgClient),
			payments:    postgres.NewPaymentRepository(pgClient),
			commissions: postgres.NewCommissionRepository(pgClient),
			steps:       postgres.NewStepRepository(pgClient),
			addresses:   postgres.NewAddressRepository(pgClient),
			invoices:    postgres.NewInvoiceRepository(pgClient),
		}
		zlog.Info("Connected to Postgres", zap.String("host", cfg.Postgres.Host))
	}

	// Job queue
	var q queue.Queue
	switch cfg.Store.QueueDriver {
	case config.DriverMemory:
		q = queue.NewMemoryQueue(1024).WithLogger(zlog)
	default:
		rq, err := rabbitmq.NewQueue(cfg.RabbitMQ, zlog)
		if err != nil {
			zlog.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		q = rq
		zlog.Info("Connected to RabbitMQ", zap.String("queue", cfg.RabbitMQ.OrderQueue))
	}
	closers = append(closers, q.Close)

	// Notifications
	var dispatcher notify.Dispatcher
	switch cfg.Store.NotifyDriver {
	case config.DriverLog:
		dispatcher = notify.NewLogDispatcher(zlog)
	default:
		notifier := kafka.NewNotifier(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic, cfg.Kafka.WriteTimeout, zlog)
		closers = append(closers, notifier.Close)
		dispatcher = notifier
	}

	// Redis backs the job lock and the baskets
	var redisClient *goredis.Client
	if cfg.Store.LockDriver == config.DriverRedis || cfg.Store.BasketDriver == config.DriverRedis {
		redisClient, err = redis.NewClient(cfg.Redis, zlog)
		if err != nil {
			zlog.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		closers = append(closers, redisClient.Close)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	var locker workers.Locker = workers.NewLocalLocker()
	if cfg.Store.LockDriver == config.DriverRedis {
		locker = redis.NewLocker(redisClient)
	}
	var baskets cart.BasketStore = cart.NewMemoryBasket()
	if cfg.Store.BasketDriver == config.DriverRedis {
		baskets = redis.NewBasketStore(redisClient, cfg.Redis.BasketTTL)
	}

	// Payments
	gateways := hostedGateways(cfg.Payments, zlog)
	if cfg.Payments.CashOnDelivery {
		gateways = append(gateways, payment.CashOnDelivery{})
	}
	registry := payment.NewRegistry(gateways...)
	zlog.Info("Payment methods enabled", zap.Strings("methods", registry.Methods()))

	ledger := inventory.NewLedger(st.inventory, zlog)
	payments := payment.NewService(registry, st.payments, zlog)
	settlement := commission.NewSettlement(st.commissions, cfg.Commission.PayoutThreshold, zlog)
	invoices := invoice.NewGenerator(st.invoices, zlog)
	lifecycle := orders.NewService(st.orders, ledger, payments, settlement, dispatcher, zlog)

	if cfg.ClickHouse.Enabled {
		chClient, err := clickhouse.NewClient(cfg.ClickHouse, zlog)
		if err != nil {
			zlog.Fatal("Failed to connect to ClickHouse", zap.Error(err))
		}
		closers = append(closers, chClient.Close)
		if err := chClient.EnsureSchema(context.Background()); err != nil {
			zlog.Fatal("Failed to prepare ClickHouse schema", zap.Error(err))
		}
		lifecycle.WithFacts(chClient)
		checks["clickhouse"] = func(ctx context.Context) error { return chClient.Conn().Ping(ctx) }
	}

	orchestrator := checkout.NewOrchestrator(
		cart.NewAggregator(ledger, zlog),
		ledger,
		st.orders,
		st.addresses,
		payments,
		checkout.DefaultRateTable(),
		q,
		checkout.Config{
			Currency:          cfg.Checkout.Currency,
			TaxRate:           cfg.Checkout.TaxRate,
			ReservationTTL:    cfg.Checkout.ReservationTTL,
			FreeShippingAbove: cfg.Checkout.FreeShippingAbove,
			CashOnDeliveryMax: cfg.Checkout.CashOnDeliveryMax,
		},
		zlog,
	)

	orderWorker := workers.NewOrderWorker(workers.OrderWorkerDeps{
		Orders:      st.orders,
		Steps:       st.steps,
		Ledger:      ledger,
		Payments:    payments,
		Lifecycle:   lifecycle,
		Invoices:    invoices,
		Commissions: settlement,
		Dispatcher:  dispatcher,
	}, cfg.Checkout.ReservationTTL, zlog)
	pool := workers.NewPool(q, orderWorker, locker, notify.NewAlerter(dispatcher, zlog), workers.PoolConfig{
		Concurrency:    cfg.Worker.Concurrency,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		RetryBackoff:   cfg.Worker.RetryBackoff,
		PendingRecheck: cfg.Worker.PendingRecheck,
		LockTTL:        cfg.Worker.LockTTL,
		JobTimeout:     cfg.Worker.JobTimeout,
	}, zlog)
	sweeper := workers.NewSweeper(ledger, q, cfg.Worker.SweepInterval, cfg.Worker.SweepBatch, zlog)

	h := handler.NewHandler(baskets, orchestrator, payments, lifecycle, settlement, q, zlog)
	for name, check := range checks {
		h.WithHealthCheck(name, check)
	}
	server := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           handler.NewRouter(h, zlog),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil {
			zlog.Error("Worker pool stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		zlog.Info("Starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zlog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("HTTP server shutdown failed", zap.Error(err))
	}

	wg.Wait()
	zlog.Info("Fulfillment service stopped")
}

func hostedGateways(cfg config.PaymentsConfig, logger *zap.Logger) []payment.Gateway {
	hosted := func(p config.ProviderConfig) payment.HostedConfig {
		return payment.HostedConfig{
			BaseURL:       p.BaseURL,
			APIKey:        p.APIKey,
			WebhookSecret: p.WebhookSecret,
			Timeout:       cfg.Timeout,
			MaxFailures:   cfg.MaxFailures,
			ResetTimeout:  cfg.ResetTimeout,
		}
	}

	var out []payment.Gateway
	if cfg.Card.BaseURL != "" {
		out = append(out, payment.NewCardGateway(hosted(cfg.Card), logger))
	}
	if cfg.Wallet.BaseURL != "" {
		out = append(out, payment.NewWalletGateway(hosted(cfg.Wallet), logger))
	}
	if cfg.SplitIn4.BaseURL != "" {
		out = append(out, payment.NewSplitIn4Gateway(hosted(cfg.SplitIn4), logger))
	}
	if cfg.PayIn3.BaseURL != "" {
		out = append(out, payment.NewPayIn3Gateway(hosted(cfg.PayIn3), logger))
	}
	return out
}
