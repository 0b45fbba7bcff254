package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	SinkElastic = "elastic"
	SinkGELF    = "gelf"
)

type Config struct {
	Port        string `env:"LOGSHIP_PORT,default=9090"`
	LogLevel    string `env:"LOGSHIP_LOG_LEVEL,default=info"`
	Application string `env:"LOGSHIP_APPLICATION,default=logship"`

	Sink             string            `env:"LOGSHIP_SINK,default=gelf"`
	ElasticAddresses []string          `env:"LOGSHIP_ELASTIC_ADDRESSES"`
	ElasticUsername  string            `env:"LOGSHIP_ELASTIC_USERNAME"`
	ElasticPassword  string            `env:"LOGSHIP_ELASTIC_PASSWORD"`
	GELFEndpoint     string            `env:"LOGSHIP_GELF_ENDPOINT"`
	GELFGzip         bool              `env:"LOGSHIP_GELF_GZIP,default=false"`
	GELFHeaders      map[string]string `env:"LOGSHIP_GELF_HEADERS"`
	SendTimeout      time.Duration     `env:"LOGSHIP_SEND_TIMEOUT,default=10s"`

	QueueCapacity   int           `env:"LOGSHIP_QUEUE_CAPACITY,default=1000"`
	QueueLowWater   int           `env:"LOGSHIP_QUEUE_LOW_WATER,default=10"`
	RetryMax        int           `env:"LOGSHIP_RETRY_MAX,default=10"`
	RetryWait       time.Duration `env:"LOGSHIP_RETRY_WAIT,default=60s"`
	EmptyWait       time.Duration `env:"LOGSHIP_EMPTY_WAIT,default=1s"`
	RejectOversized bool          `env:"LOGSHIP_REJECT_OVERSIZED,default=false"`
	MaxFieldBytes   int           `env:"LOGSHIP_MAX_FIELD_BYTES,default=32000"`

	OverflowDBPath        string        `env:"LOGSHIP_OVERFLOW_DB_PATH"`
	OverflowBuffer        int           `env:"LOGSHIP_OVERFLOW_BUFFER,default=512"`
	RetentionDays         int           `env:"LOGSHIP_OVERFLOW_RETENTION_DAYS,default=3"`
	CleanupInterval       time.Duration `env:"LOGSHIP_CLEANUP_INTERVAL,default=5m"`
	WALCheckpointInterval time.Duration `env:"LOGSHIP_WAL_CHECKPOINT_INTERVAL,default=10m"`
	WALRestartThresholdB  int64         `env:"LOGSHIP_WAL_RESTART_THRESHOLD_BYTES,default=52428800"`
	ReplayInterval        time.Duration `env:"LOGSHIP_REPLAY_INTERVAL,default=0s"`
	ReplayBatch           int           `env:"LOGSHIP_REPLAY_BATCH,default=100"`

	MetricsInterval time.Duration `env:"LOGSHIP_METRICS_INTERVAL,default=1m"`
	TailPath        string        `env:"LOGSHIP_TAIL_PATH"`
	TailPoll        time.Duration `env:"LOGSHIP_TAIL_POLL,default=500ms"`
	DefaultsFile    string        `env:"LOGSHIP_DEFAULTS_FILE"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}
	cfg.Sink = strings.ToLower(strings.TrimSpace(cfg.Sink))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Sink {
	case SinkElastic:
		if len(c.ElasticAddresses) == 0 {
			errs = append(errs, errors.New("LOGSHIP_ELASTIC_ADDRESSES is required for the elastic sink"))
		}
	case SinkGELF:
		if c.GELFEndpoint == "" {
			errs = append(errs, errors.New("LOGSHIP_GELF_ENDPOINT is required for the gelf sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("LOGSHIP_SINK must be %q or %q, got %q", SinkElastic, SinkGELF, c.Sink))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("LOGSHIP_QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity))
	}
	if c.QueueLowWater < 1 || c.QueueLowWater > c.QueueCapacity {
		errs = append(errs, fmt.Errorf("LOGSHIP_QUEUE_LOW_WATER must be between 1 and the capacity, got %d", c.QueueLowWater))
	}
	if c.RetryMax < 0 {
		errs = append(errs, fmt.Errorf("LOGSHIP_RETRY_MAX must not be negative, got %d", c.RetryMax))
	}
	if c.RetryWait <= 0 {
		errs = append(errs, fmt.Errorf("LOGSHIP_RETRY_WAIT must be positive, got %s", c.RetryWait))
	}
	if c.EmptyWait <= 0 {
		errs = append(errs, fmt.Errorf("LOGSHIP_EMPTY_WAIT must be positive, got %s", c.EmptyWait))
	}
	if c.MaxFieldBytes <= 0 {
		errs = append(errs, fmt.Errorf("LOGSHIP_MAX_FIELD_BYTES must be positive, got %d", c.MaxFieldBytes))
	}
	if c.MetricsInterval <= 0 {
		errs = append(errs, fmt.Errorf("LOGSHIP_METRICS_INTERVAL must be positive, got %s", c.MetricsInterval))
	}
	if c.OverflowDBPath != "" {
		if c.CleanupInterval <= 0 || c.WALCheckpointInterval <= 0 {
			errs = append(errs, errors.New("LOGSHIP_CLEANUP_INTERVAL and LOGSHIP_WAL_CHECKPOINT_INTERVAL must be positive"))
		}
		if c.RetentionDays < 1 {
			errs = append(errs, fmt.Errorf("LOGSHIP_OVERFLOW_RETENTION_DAYS must be at least 1, got %d", c.RetentionDays))
		}
	}
	if c.ReplayInterval < 0 {
		errs = append(errs, fmt.Errorf("LOGSHIP_REPLAY_INTERVAL must not be negative, got %s", c.ReplayInterval))
	}
	if c.ReplayInterval > 0 && c.OverflowDBPath == "" {
		errs = append(errs, errors.New("LOGSHIP_REPLAY_INTERVAL needs LOGSHIP_OVERFLOW_DB_PATH"))
	}
	return errors.Join(errs...)
}

func WriteHelp(w io.Writer, version string) {
	fmt.Fprintf(w, "logship %s\n\n", version)
	fmt.Fprintln(w, "Environment variables:")
	fmt.Fprintln(w, "  LOGSHIP_PORT=9090")
	fmt.Fprintln(w, "  LOGSHIP_LOG_LEVEL=info")
	fmt.Fprintln(w, "  LOGSHIP_APPLICATION=logship")
	fmt.Fprintln(w, "  LOGSHIP_SINK=gelf               (elastic|gelf)")
	fmt.Fprintln(w, "  LOGSHIP_ELASTIC_ADDRESSES=      (comma separated)")
	fmt.Fprintln(w, "  LOGSHIP_ELASTIC_USERNAME=")
	fmt.Fprintln(w, "  LOGSHIP_ELASTIC_PASSWORD=")
	fmt.Fprintln(w, "  LOGSHIP_GELF_ENDPOINT=")
	fmt.Fprintln(w, "  LOGSHIP_GELF_GZIP=false")
	fmt.Fprintln(w, "  LOGSHIP_GELF_HEADERS=           (key:value,...)")
	fmt.Fprintln(w, "  LOGSHIP_SEND_TIMEOUT=10s")
	fmt.Fprintln(w, "  LOGSHIP_QUEUE_CAPACITY=1000")
	fmt.Fprintln(w, "  LOGSHIP_QUEUE_LOW_WATER=10")
	fmt.Fprintln(w, "  LOGSHIP_RETRY_MAX=10")
	fmt.Fprintln(w, "  LOGSHIP_RETRY_WAIT=60s")
	fmt.Fprintln(w, "  LOGSHIP_EMPTY_WAIT=1s")
	fmt.Fprintln(w, "  LOGSHIP_REJECT_OVERSIZED=false")
	fmt.Fprintln(w, "  LOGSHIP_MAX_FIELD_BYTES=32000")
	fmt.Fprintln(w, "  LOGSHIP_OVERFLOW_DB_PATH=       (empty disables overflow persistence)")
	fmt.Fprintln(w, "  LOGSHIP_OVERFLOW_BUFFER=512")
	fmt.Fprintln(w, "  LOGSHIP_OVERFLOW_RETENTION_DAYS=3")
	fmt.Fprintln(w, "  LOGSHIP_CLEANUP_INTERVAL=5m")
	fmt.Fprintln(w, "  LOGSHIP_WAL_CHECKPOINT_INTERVAL=10m")
	fmt.Fprintln(w, "  LOGSHIP_WAL_RESTART_THRESHOLD_BYTES=52428800")
	fmt.Fprintln(w, "  LOGSHIP_REPLAY_INTERVAL=0s      (0 disables replay)")
	fmt.Fprintln(w, "  LOGSHIP_REPLAY_BATCH=100")
	fmt.Fprintln(w, "  LOGSHIP_METRICS_INTERVAL=1m")
	fmt.Fprintln(w, "  LOGSHIP_TAIL_PATH=")
	fmt.Fprintln(w, "  LOGSHIP_TAIL_POLL=500ms")
	fmt.Fprintln(w, "  LOGSHIP_DEFAULTS_FILE=          (YAML: log_level, static_fields)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --help")
	fmt.Fprintln(w, "  --version")
	fmt.Fprintln(w, "  --config <path>     YAML defaults file, overrides LOGSHIP_DEFAULTS_FILE")
}
