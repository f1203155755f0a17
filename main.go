package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/accessibility-check/internal/auth"
	"github.com/example/accessibility-check/internal/config"
	"github.com/example/accessibility-check/internal/grpcserver"
	"github.com/example/accessibility-check/internal/handlers"
	"github.com/example/accessibility-check/internal/imageprocessor"
	"github.com/example/accessibility-check/internal/logging"
	"github.com/example/accessibility-check/internal/model"
	"github.com/example/accessibility-check/internal/repository"
	"github.com/example/accessibility-check/internal/usecase"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo usecase.ClassificationRepository
	if cfg.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		gormRepo := repository.NewClassificationRepository(db, logger)
		if err := gormRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = gormRepo
	} else {
		logger.Info("DATABASE_DSN not set, classification history disabled")
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisCache := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisCache.Close()
		cache = redisCache
	}

	var grpcSrv *grpcserver.Server
	if cfg.GRPCAddr != "" {
		grpcSrv = grpcserver.New(logger)
	}

	provider := model.NewProvider(
		model.NewLocator(cfg.ModelPath, cfg.ModelDir),
		model.NewLoader(cfg.OnnxRuntimeLib, logger),
		logger,
		model.Options{
			OnLoad: func(path string) {
				logger.Info("loading model", zap.String("path", path))
			},
			OnStateChange: func(state model.State) {
				if grpcSrv != nil {
					grpcSrv.OnModelState(state)
				}
			},
		},
	)
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}()

	if cfg.PreloadModel {
		if _, err := provider.Handle(ctx); err != nil {
			logger.Error("model preload failed", zap.Error(err))
		}
	}

	uc := usecase.NewClassificationUseCase(provider, imageprocessor.NewNormalizer(logger), repo, cache, logger)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	opts := handlers.Options{MaxUploadBytes: cfg.MaxUploadBytes, Logger: logger}
	if verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience); verifier != nil {
		opts.Protected = verifier.Required()
		opts.Identify = verifier.Optional()
	} else {
		logger.Warn("JWT_SECRET not set, result and metrics routes are unauthenticated")
	}
	handlers.RegisterRoutes(r, uc, opts)

	var stoppers []func(context.Context)
	if grpcSrv != nil {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC server stopped", zap.Error(err))
			}
		}()
		stoppers = append(stoppers, grpcSrv.Stop)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("accessibility classifier listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServerWithOptions(server, cfg.ShutdownTimeout, logger, nil, nil, stoppers...); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *usecase.RedisCache {
	cache := usecase.NewRedisCache(redis.NewClient(&redis.Options{Addr: addr}), "accessibility:")
	if err := cache.Ping(ctx); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return cache
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	httpLogger := logger.Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		httpLogger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// serveHTTPServerWithOptions serves until a signal arrives, then shuts the
// server down while the stoppers run alongside it under the same deadline.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal, stoppers ...func(context.Context)) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var wg sync.WaitGroup
		for _, stop := range stoppers {
			wg.Add(1)
			go func(stop func(context.Context)) {
				defer wg.Done()
				stop(ctx)
			}(stop)
		}
		err := server.Shutdown(ctx)
		wg.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
