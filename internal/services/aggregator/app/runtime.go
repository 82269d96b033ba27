// Package app assembles the aggregator runtime: storage, the aggregation
// engine, the recovery sweep, the HTTP API, and the health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	apperrors "github.com/louisbranch/collate/internal/platform/errors"
	"github.com/louisbranch/collate/internal/platform/timeouts"
	"github.com/louisbranch/collate/internal/services/aggregator/api/httpapi"
	"github.com/louisbranch/collate/internal/services/aggregator/domain"
	"github.com/louisbranch/collate/internal/services/aggregator/sender"
	"github.com/louisbranch/collate/internal/services/aggregator/storage"
	aggregatorbbolt "github.com/louisbranch/collate/internal/services/aggregator/storage/bbolt"
	"github.com/louisbranch/collate/internal/services/aggregator/storage/memory"
	aggregatorsqlite "github.com/louisbranch/collate/internal/services/aggregator/storage/sqlite"
)

// Storage backends selectable at startup.
const (
	BackendSQLite = "sqlite"
	BackendBBolt  = "bbolt"
	BackendMemory = "memory"
)

// RuntimeConfig controls aggregator startup, dependencies, and recovery
// behavior.
type RuntimeConfig struct {
	Port               int
	HealthPort         int
	Backend            string
	DBPath             string
	DownstreamURL      string
	CompletionSize     int
	RecoveryInterval   time.Duration
	StaleThreshold     time.Duration
	MaxRedeliveries    int
	RecoveryBatchSize  int
	IngestGrantEnabled bool
}

const (
	defaultAggregatorPort       = 8090
	defaultAggregatorHealthPort = 8091
	defaultAggregatorDB         = "data/aggregator.db"
	defaultCompletionSize       = 10
)

// Run starts the aggregator runtime and blocks until the context is
// canceled or a dependency fails.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(cfg.DownstreamURL) == "" {
		return fmt.Errorf("downstream url is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultAggregatorPort
	}
	if cfg.HealthPort <= 0 {
		cfg.HealthPort = defaultAggregatorHealthPort
	}
	if cfg.CompletionSize == 0 {
		cfg.CompletionSize = defaultCompletionSize
	}
	if cfg.CompletionSize < 0 {
		return apperrors.New(apperrors.CodeCompletionSizeInvalid, "completion size must be positive")
	}

	repository, err := openRepository(cfg)
	if err != nil {
		return err
	}
	if closer, ok := repository.(io.Closer); ok {
		defer func() {
			if closeErr := closer.Close(); closeErr != nil {
				log.Printf("close aggregate store: %v", closeErr)
			}
		}()
	}

	downstream, err := sender.NewHTTPSender(cfg.DownstreamURL, nil, log.Printf)
	if err != nil {
		return fmt.Errorf("build downstream sender: %w", err)
	}

	engine, err := domain.NewEngine(domain.EngineConfig{
		Strategy:   domain.ConcatStrategy(),
		Predicate:  domain.CompletionSize(cfg.CompletionSize),
		Repository: repository,
		Sender:     downstream,
	})
	if err != nil {
		return fmt.Errorf("build aggregation engine: %w", err)
	}
	tracker, err := domain.NewTracker(repository, log.Printf)
	if err != nil {
		return fmt.Errorf("build confirmation tracker: %w", err)
	}
	recovery, err := domain.NewRecoveryManager(repository, downstream, domain.RecoveryConfig{
		Interval:        cfg.RecoveryInterval,
		StaleThreshold:  cfg.StaleThreshold,
		MaxRedeliveries: cfg.MaxRedeliveries,
		BatchSize:       cfg.RecoveryBatchSize,
	})
	if err != nil {
		return fmt.Errorf("build recovery manager: %w", err)
	}

	var grant *httpapi.IngestGrantConfig
	if cfg.IngestGrantEnabled {
		loaded, err := httpapi.LoadIngestGrantConfigFromEnv(nil)
		if err != nil {
			return fmt.Errorf("load ingest grant config: %w", err)
		}
		grant = &loaded
	}

	handler, err := httpapi.NewHandler(httpapi.HandlerConfig{
		Engine:  engine,
		Tracker: tracker,
		Grant:   grant,
	})
	if err != nil {
		return fmt.Errorf("build http handler: %w", err)
	}

	mux := http.NewServeMux()
	handler.Routes(mux)

	// Bind before serving so a taken port fails startup instead of leaving
	// the service running without its API.
	apiListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on api port %d: %w", cfg.Port, err)
	}

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	httpErr := make(chan error, 1)
	go func() {
		err := httpServer.Serve(apiListener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
			return
		}
		httpErr <- nil
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Printf("shutdown http server: %v", shutdownErr)
		}
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		return fmt.Errorf("listen on health port %d: %w", cfg.HealthPort, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("aggregator.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("aggregator api listening at %v, health at %v", apiListener.Addr(), listener.Addr())

	recoveryCtx, cancelRecovery := context.WithCancel(ctx)
	defer cancelRecovery()
	recoveryErr := make(chan error, 1)
	go func() {
		recoveryErr <- recovery.Run(recoveryCtx)
	}()

	select {
	case err := <-httpErr:
		cancelRecovery()
		<-recoveryErr
		if err != nil {
			return fmt.Errorf("serve http api: %w", err)
		}
		return nil
	case err := <-recoveryErr:
		return err
	}
}

// openRepository builds the configured storage backend. File-backed
// backends get their parent directory created on demand.
func openRepository(cfg RuntimeConfig) (storage.Repository, error) {
	backend := strings.TrimSpace(cfg.Backend)
	if backend == "" {
		backend = BackendSQLite
	}
	if backend == BackendMemory {
		return memory.New(), nil
	}

	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		dbPath = defaultAggregatorDB
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create aggregate storage dir: %w", err)
		}
	}

	switch backend {
	case BackendSQLite:
		store, err := aggregatorsqlite.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite aggregate store: %w", err)
		}
		return store, nil
	case BackendBBolt:
		store, err := aggregatorbbolt.Open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("open bbolt aggregate store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
