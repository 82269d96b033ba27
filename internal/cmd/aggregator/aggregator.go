// Package aggregator parses aggregator command flags and launches the
// aggregator runtime.
package aggregator

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/collate/internal/platform/cmd"
	aggregatorserver "github.com/louisbranch/collate/internal/services/aggregator/app"
)

// Config holds aggregator command configuration.
type Config struct {
	Port               int           `env:"COLLATE_AGGREGATOR_PORT" envDefault:"8090"`
	HealthPort         int           `env:"COLLATE_AGGREGATOR_HEALTH_PORT" envDefault:"8091"`
	Backend            string        `env:"COLLATE_AGGREGATOR_BACKEND" envDefault:"sqlite"`
	DBPath             string        `env:"COLLATE_AGGREGATOR_DB_PATH" envDefault:"data/aggregator.db"`
	DownstreamURL      string        `env:"COLLATE_AGGREGATOR_DOWNSTREAM_URL"`
	CompletionSize     int           `env:"COLLATE_AGGREGATOR_COMPLETION_SIZE" envDefault:"10"`
	RecoveryInterval   time.Duration `env:"COLLATE_AGGREGATOR_RECOVERY_INTERVAL" envDefault:"5s"`
	StaleThreshold     time.Duration `env:"COLLATE_AGGREGATOR_STALE_THRESHOLD" envDefault:"30s"`
	MaxRedeliveries    int           `env:"COLLATE_AGGREGATOR_MAX_REDELIVERIES" envDefault:"8"`
	RecoveryBatchSize  int           `env:"COLLATE_AGGREGATOR_RECOVERY_BATCH_SIZE" envDefault:"100"`
	IngestGrantEnabled bool          `env:"COLLATE_INGEST_GRANT_ENABLED" envDefault:"false"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The aggregator HTTP API port")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The aggregator health gRPC server port")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Aggregate storage backend (sqlite, bbolt, memory)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The aggregate database path")
	fs.StringVar(&cfg.DownstreamURL, "downstream-url", cfg.DownstreamURL, "Downstream consumer URL for completed aggregates")
	fs.IntVar(&cfg.CompletionSize, "completion-size", cfg.CompletionSize, "Messages per correlation key before completion")
	fs.DurationVar(&cfg.RecoveryInterval, "recovery-interval", cfg.RecoveryInterval, "Recovery sweep interval")
	fs.DurationVar(&cfg.StaleThreshold, "stale-threshold", cfg.StaleThreshold, "Age before an unconfirmed aggregate is redelivered")
	fs.IntVar(&cfg.MaxRedeliveries, "max-redeliveries", cfg.MaxRedeliveries, "Maximum redeliveries before an aggregate is exhausted")
	fs.IntVar(&cfg.RecoveryBatchSize, "recovery-batch-size", cfg.RecoveryBatchSize, "Maximum records per recovery sweep")
	fs.BoolVar(&cfg.IngestGrantEnabled, "ingest-grant", cfg.IngestGrantEnabled, "Require signed ingest grants on the aggregate endpoint")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the aggregator runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAggregator, func(context.Context) error {
		return aggregatorserver.Run(ctx, aggregatorserver.RuntimeConfig{
			Port:               cfg.Port,
			HealthPort:         cfg.HealthPort,
			Backend:            cfg.Backend,
			DBPath:             cfg.DBPath,
			DownstreamURL:      cfg.DownstreamURL,
			CompletionSize:     cfg.CompletionSize,
			RecoveryInterval:   cfg.RecoveryInterval,
			StaleThreshold:     cfg.StaleThreshold,
			MaxRedeliveries:    cfg.MaxRedeliveries,
			RecoveryBatchSize:  cfg.RecoveryBatchSize,
			IngestGrantEnabled: cfg.IngestGrantEnabled,
		})
	})
}
