package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/store/memstore"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  util.ServiceName,
		Usage: "inventory reservation and order commit service",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API, the reclaimer and the payment consumer",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "apply pending database migrations",
				Action: migrateDB,
			},
			{
				Name:   "seed",
				Usage:  "insert demo products",
				Action: seed,
			},
			{
				Name:  "reconcile",
				Usage: "replay the stock ledger against every counter",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "fix", Usage: "rewrite drifted counters from the ledger"},
				},
				Action: reconcile,
			},
		},
		DefaultCommand: "serve",
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatalf("%s: %v", util.ServiceName, err)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, util.GetLogger(), nil
}

func openPostgres(cfg *config.Config) (*store.Store, error) {
	db, err := store.NewStore(cfg.Database.URL, cfg.Database.LockTimeout)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func openRepository(cfg *config.Config, logger *zap.Logger) (store.Repository, error) {
	if cfg.Database.Driver == config.DriverMemory {
		mem := memstore.New()
		for _, p := range demoProducts() {
			mem.AddProduct(p)
		}
		logger.Warn("Using in-memory store, data is lost on exit")
		return mem, nil
	}

	db, err := openPostgres(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}
	logger.Info("Database connected")
	return db, nil
}

func serve(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer util.SyncLogger()

	logger.Info("Starting checkout service", zap.String("env", cfg.Server.Env))

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	repo, err := openRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	dependencies := map[string]api.Pinger{"database": repo}

	var (
		redisClient *redisclient.Client
		cache       service.CommitCache
	)
	if cfg.Redis.Enabled {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
		cache = redisClient
		dependencies["redis"] = redisClient
		logger.Info("Redis connected")
	}

	var events service.EventPublisher
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer producer.Close()
		events = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))
	}

	ledger := service.NewLedger(repo)
	reservations := service.NewReservationManager(repo, ledger, events, service.ReservationConfig{
		DefaultTTL:             cfg.Business.ReservationDefaultTTL,
		MaxTTL:                 cfg.Business.ReservationMaxTTL,
		RecordReleaseMovements: cfg.Business.RecordReleaseMovements,
	})
	commits := service.NewCommitEngine(repo, ledger, events, cache)
	reclaimer := service.NewReclaimer(repo, ledger, events, cfg.Business.ReclaimBatchSize, cfg.Business.RecordReleaseMovements)

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(reservations, commits, ledger, dependencies)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(c.Context)

	g.Go(func() error {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	reclaimWorker := worker.NewReclaimWorker(reclaimer, redisClient, cfg.Business.ReclaimInterval)
	g.Go(func() error {
		return reclaimWorker.Start(ctx)
	})

	if cfg.Kafka.Enabled {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, cfg.Kafka.ConsumerGroup)
		checkoutWorker := worker.NewCheckoutWorker(consumer, commits)
		g.Go(func() error {
			defer checkoutWorker.Stop()
			return checkoutWorker.Start(ctx)
		})
	}

	err = g.Wait()
	logger.Info("Server exited")
	return err
}

func migrateDB(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer util.SyncLogger()

	db, err := openPostgres(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}
	logger.Info("Migrations applied")
	return nil
}

func seed(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer util.SyncLogger()

	db, err := openPostgres(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, p := range demoProducts() {
		p := p
		if err := db.CreateProduct(c.Context, &p); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				logger.Info("Product already present", zap.String("sku", p.SKU))
				continue
			}
			return err
		}
		logger.Info("Product created", zap.Int64("id", p.ID), zap.String("sku", p.SKU))
	}
	return nil
}

func reconcile(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer util.SyncLogger()

	db, err := openPostgres(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := service.NewLedger(db).ReconcileAll(c.Context, c.Bool("fix"))
	if err != nil {
		return err
	}

	drifted := 0
	enc := json.NewEncoder(os.Stdout)
	for _, r := range results {
		if !r.Consistent() {
			drifted++
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}

	logger.Info("Reconciliation finished",
		zap.Int("products", len(results)),
		zap.Int("drifted", drifted),
		zap.Bool("fix", c.Bool("fix")))
	if drifted > 0 && !c.Bool("fix") {
		return cli.Exit(fmt.Sprintf("%d products drifted from the ledger", drifted), 2)
	}
	return nil
}

func demoProducts() []models.Product {
	return []models.Product{
		{SKU: "TSHIRT-BLK-M", Name: "Black T-Shirt (M)", Price: 1999, AvailableQuantity: 25},
		{SKU: "MUG-CLASSIC", Name: "Classic Mug", Price: 1250, AvailableQuantity: 10},
		{SKU: "POSTER-LTD", Name: "Limited Poster", Price: 4500, AvailableQuantity: 2},
	}
}
