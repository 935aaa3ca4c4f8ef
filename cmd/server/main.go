package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/reqlens/reqlens/internal/analyzer"
	"github.com/reqlens/reqlens/internal/collector"
	"github.com/reqlens/reqlens/internal/config"
	"github.com/reqlens/reqlens/internal/handler"
	"github.com/reqlens/reqlens/internal/middleware"
	"github.com/reqlens/reqlens/internal/pkg/logger"
	"github.com/reqlens/reqlens/internal/profiler"
	"github.com/reqlens/reqlens/internal/storage"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Initialize Persistence (Redis > Memory)
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("⚠️ Redis unreachable, falling back to memory", "error", err)
			redisClient = nil
		}
		cancel()
	}

	var store storage.Storage
	if cfg.Redis.Storage && redisClient != nil {
		store = storage.NewRedisStorage(redisClient, cfg.Redis.ListKey, cfg.Profiler.Capacity)
	} else {
		store = storage.NewMemoryStorage(cfg.Profiler.Capacity)
	}

	// 3. Profiler Core
	svc := profiler.NewService(profiler.Options{
		Enabled:        cfg.Profiler.Enabled,
		CollectQueries: cfg.Profiler.CollectQueries,
		CollectLogs:    cfg.Profiler.CollectLogs,
		CollectMongo:   cfg.Profiler.CollectMongo,
		CollectMySQL:   cfg.Profiler.CollectMySQL,
		CollectCache:   cfg.Profiler.CollectCache,
	}, store)

	// Logger last so the capture handler sees the final service. Every line
	// logged with a request context lands on that request's profile.
	if cfg.Profiler.Enabled && cfg.Profiler.CollectLogs {
		logger.Init(cfg.Log.Level, collector.NewLogCapture(svc))
	} else {
		logger.Init(cfg.Log.Level)
	}

	// 4. Collectors
	var pg *collector.Postgres
	if cfg.Profiler.CollectQueries {
		pg = collector.NewPostgres(svc, analyzer.New(cfg.Explain), cfg.Explain)
	}
	var my *collector.MySQL
	if cfg.Profiler.CollectMySQL {
		my = collector.NewMySQL(svc)
	}

	demo := &demoHandlers{svc: svc}

	if pg != nil && cfg.Database.PostgresDSN != "" {
		db, err := pg.Open(cfg.Database.PostgresDSN)
		if err != nil {
			logger.Warn("⚠️ Postgres unavailable, demo routes degrade", "error", err)
		} else {
			logger.Info("✅ Connected to PostgreSQL (instrumented)")
			demo.pg = db
		}
	}
	if my != nil && cfg.Database.MySQLDSN != "" {
		db, err := my.Open(cfg.Database.MySQLDSN)
		if err != nil {
			logger.Warn("⚠️ MySQL unavailable, demo routes degrade", "error", err)
		} else {
			logger.Info("✅ Connected to MySQL (instrumented)")
			demo.mysql = db
		}
	}

	var mongoClient *mongo.Client
	if cfg.Profiler.CollectMongo && cfg.Mongo.URI != "" {
		connectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		mongoClient, err = mongo.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		cancel()
		if err != nil {
			logger.Warn("⚠️ Mongo unavailable, demo routes degrade", "error", err)
		} else {
			logger.Info("✅ Connected to MongoDB (instrumented)")
			wrapper := collector.NewMongo(svc, cfg.Mongo.Database, mongoHost(cfg.Mongo.URI))
			demo.users = wrapper.Collection(mongoClient.Database(cfg.Mongo.Database).Collection("users"))
		}
	}

	if cfg.Profiler.CollectCache {
		if redisClient != nil {
			demo.cache = collector.NewCache(svc, collector.NewRedisStore(redisClient))
		} else {
			demo.cache = collector.NewCache(svc, collector.NewMemoryStore())
		}
	}

	// 5. Setup Router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Ingress())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.Profiler(svc))

	// Health Check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "service": "reqlens"})
	})

	// Metrics Endpoint
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	demo.register(r)

	live := handler.NewLiveHub()
	svc.OnFinalize(live.Publish)
	handler.NewProfilerHandler(svc, live).Register(r)

	// 6. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 reqlens started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if mongoClient != nil {
		_ = mongoClient.Disconnect(ctx)
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	logger.Info("Server exiting")
}
