package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flashsale/internal/admission"
	"flashsale/internal/archive"
	"flashsale/internal/catalog"
	"flashsale/internal/config"
	"flashsale/internal/inventory"
	"flashsale/internal/logging"
	"flashsale/internal/middleware"
	"flashsale/internal/orderstatus"
	"flashsale/internal/queue"
	"flashsale/internal/router"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("load config")
	}
	log := logging.Init(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.AppConfig, log zerolog.Logger) error {
	// 1. 连接 SQLite，商品种子 + 订单归档
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return err
	}
	cat, err := catalog.Seed(ctx, db, cfg.Products)
	if err != nil {
		return err
	}
	archiveStore := archive.New(db)
	if err := archiveStore.Migrate(); err != nil {
		return err
	}

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return err
	}

	engine := inventory.NewEngine(rdb, inventory.EventConfig{
		Stream: cfg.OrderEventStream,
		MaxLen: cfg.OrderEventMaxLen,
	}, logging.Component(log, "inventory"))
	// 仅在 key 不存在时写入，重启不会重置进行中的活动库存
	for _, p := range cat.List() {
		wrote, err := engine.Preload(ctx, p.ID, p.InitialQuantity, false)
		if err != nil {
			return err
		}
		log.Info().Uint("product_id", p.ID).Bool("written", wrote).Int64("initial", p.InitialQuantity).
			Msg("stock preload")
	}

	ctrl := admission.NewController(rdb, admission.Config{
		MaxTokens:       cfg.RateLimitTokens,
		RefillRate:      cfg.TokenRefillRate,
		GlobalRateLimit: cfg.GlobalRateLimit,
		BucketTTL:       cfg.BucketIdleTTL,
		GlobalTTL:       cfg.GlobalCounterTTL,
	}, logging.Component(log, "admission"))

	processor := queue.NewProcessor(rdb, cat, queue.ProcessorConfig{
		QueueKey:     cfg.OrderQueueKey,
		EventStream:  cfg.OrderEventStream,
		EventMaxLen:  cfg.OrderEventMaxLen,
		PopTimeout:   cfg.QueuePopTimeout,
		ErrorBackoff: cfg.QueueErrorBackoff,
		MaxAttempts:  cfg.QueueMaxAttempts,
	}, logging.Component(log, "queue"))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logging.Component(log, "http")))
	router.Setup(r, router.Deps{
		Catalog:    cat,
		Admission:  ctrl,
		Engine:     engine,
		Submitter:  queue.NewSubmitter(rdb, cfg.OrderQueueKey),
		Orders:     orderstatus.New(rdb, archiveStore),
		AdminToken: cfg.PreloadAdminToken,
		Log:        logging.Component(log, "router"),
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		processor.Run(gctx)
		return nil
	})

	// 3. Kafka：事件流转发 + 归档消费（可选）
	if cfg.KafkaEnabled {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		relay := queue.NewRelay(rdb, producer, cfg.OrderEventStream, cfg.OrderEventGroup,
			cfg.OrderEventConsumer, logging.Component(log, "relay"))
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID,
			archiveStore, logging.Component(log, "archiver"))
		defer consumer.Close()

		g.Go(func() error {
			relay.Run(gctx)
			return nil
		})
		g.Go(func() error {
			consumer.Run(gctx)
			return nil
		})
	}

	return g.Wait()
}
