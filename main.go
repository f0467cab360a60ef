// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/akhenakh/tiledraster/raster"
	"github.com/akhenakh/tiledraster/store/cogstore"
	"github.com/akhenakh/tiledraster/store/sqlitestore"
)

const appName = "tiledraster"

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpRestServer    *http.Server
	grpcMetrics       = grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram(
		grpcprom.WithHistogramBuckets([]float64{0.01, 0.1, 0.3, 0.6, 1, 3, 6, 9}),
	))
)

// Config holds all configuration for the application, loaded from environment variables.
type Config struct {
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort          int           `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort        int           `env:"HEALTH_PORT" envDefault:"6666"`
	HTTPMetricsPort   int           `env:"METRICS_PORT" envDefault:"8888"`
	StoreKind         string        `env:"STORE_KIND" envDefault:"sqlite"`
	SQLitePath        string        `env:"SQLITE_PATH" envDefault:"rasters.db"`
	SQLiteMaxSessions int           `env:"SQLITE_MAX_SESSIONS" envDefault:"8"`
	CogSource         string        `env:"COG_SOURCE"`
	CogRasterID       string        `env:"COG_RASTER_ID" envDefault:"dem"`
	CogPrefetch       int           `env:"COG_PREFETCH" envDefault:"4"`
	CacheMaxSize      int64         `env:"CACHE_MAX_SIZE" envDefault:"1024"`
	CacheItemsToPrune uint32        `env:"CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	InfoCacheTTL      time.Duration `env:"INFO_CACHE_TTL" envDefault:"5m"`
	MaxSurfaceTiles   int           `env:"MAX_SURFACE_TILES" envDefault:"256"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// rasterBackend is a store that also describes its rasters.
type rasterBackend interface {
	raster.Catalog
	raster.Store
	Close() error
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	backend, err := setupBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize raster store, shutting down", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	reader := raster.NewTiledReader(backend, backend,
		raster.WithLogger(logger),
		raster.WithMetrics(raster.NewMetrics(prometheus.DefaultRegisterer)),
		raster.WithInfoCache(cfg.CacheMaxSize, cfg.CacheItemsToPrune, cfg.InfoCacheTTL),
	)
	defer reader.Stop()

	healthServer := health.NewServer()

	// gRPC Health Server
	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	// HTTP Metrics Server (Prometheus)
	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	// HTTP REST Server
	g.Go(func() error {
		return startHTTPRestServer(logger, cfg, healthServer, reader)
	})

	// Wait for termination signal or an error from one of the services
	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	// Graceful Shutdown
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpRestServer != nil {
		if err := httpRestServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP REST server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	// Wait for all services in the errgroup to finish
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC Health server failed to listen: %w", err)
	}

	lopts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}
	grpcHealthServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(InterceptorLogger(logger), lopts...),
			grpcMetrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	reflection.Register(grpcHealthServer) // Enable reflection for tools like grpcurl
	grpcMetrics.InitializeMetrics(grpcHealthServer)

	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPMetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	prometheus.MustRegister(grpcMetrics)

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startHTTPRestServer(logger *slog.Logger, cfg Config, healthServer *health.Server, reader *raster.TiledReader) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	s := &restServer{
		reader:          reader,
		logger:          logger,
		maxSurfaceTiles: cfg.MaxSurfaceTiles,
	}

	httpRestServer = &http.Server{
		Addr:         addr,
		Handler:      newRouter(s, cfg.RequestTimeout),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	healthServer.SetServingStatus(appName, healthpb.HealthCheckResponse_SERVING)
	logger.Info("HTTP REST server listening", "address", addr)

	if err := httpRestServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP REST server failed: %w", err)
	}
	return nil
}

// setupBackend opens the store selected by STORE_KIND.
func setupBackend(ctx context.Context, cfg Config, logger *slog.Logger) (rasterBackend, error) {
	switch strings.ToLower(cfg.StoreKind) {
	case "sqlite":
		logger.Info("opening sqlite raster store", "path", cfg.SQLitePath, "max_sessions", cfg.SQLiteMaxSessions)
		s, err := sqlitestore.Open(cfg.SQLitePath,
			sqlitestore.WithLogger(logger),
			sqlitestore.WithReadOnly(),
			sqlitestore.WithMaxSessions(cfg.SQLiteMaxSessions),
		)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "cog":
		if cfg.CogSource == "" {
			return nil, errors.New("COG_SOURCE is required for the cog store")
		}
		logger.Info("initializing GeoTIFF reader", "source", cfg.CogSource, "raster", cfg.CogRasterID)
		src, err := cogstore.OpenSource(ctx, cfg.CogSource)
		if err != nil {
			return nil, err
		}
		logger.Info("configuring tile cache", "max_size", cfg.CacheMaxSize, "items_to_prune", cfg.CacheItemsToPrune)
		c, err := cogstore.Open(src, cfg.CogRasterID,
			cogstore.WithLogger(logger),
			cogstore.WithTileCache(cfg.CacheMaxSize, cfg.CacheItemsToPrune, 10*time.Minute),
			cogstore.WithPrefetch(cfg.CogPrefetch),
		)
		if err != nil {
			src.Close()
			return nil, err
		}
		return &cogBackend{COG: c, src: src}, nil
	default:
		return nil, fmt.Errorf("unknown STORE_KIND %q, want sqlite or cog", cfg.StoreKind)
	}
}

// cogBackend closes the GeoTIFF source along with the store.
type cogBackend struct {
	*cogstore.COG
	src cogstore.Source
}

func (b *cogBackend) Close() error {
	return errors.Join(b.COG.Close(), b.src.Close())
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

func InterceptorLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), msg, fields...)
	})
}
