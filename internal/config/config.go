package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/streamflow-ingest/internal/catalog"
	"github.com/couchcryptid/streamflow-ingest/internal/domain"
	"github.com/couchcryptid/streamflow-ingest/internal/store"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Run selection.
	Region  string
	Range   domain.TimeRange
	Cadence domain.Cadence
	Quality domain.QualityPolicy

	BatchSize          int
	FlushEveryNBatches int

	// Reference table.
	CatalogPath  string
	CatalogTable catalog.Table

	// Persistent store.
	Backend          store.Backend
	OutputPath       string
	ArrayEntityChunk int
	ArrayTimeChunk   int

	// NWIS water services.
	NWISBaseURL           string
	NWISParameterCode     string
	NWISTimeout           time.Duration
	NWISRetryMax          int
	NWISRetryWaitMin      time.Duration
	NWISRetryWaitMax      time.Duration
	NWISRequestsPerSecond float64

	// Flush notifications; disabled when KafkaBrokers is empty.
	KafkaBrokers    []string
	KafkaFlushTopic string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	tr, err := domain.ParseTimeRange(
		sharedcfg.EnvOrDefault("START_DATE", "1970-01-01"),
		sharedcfg.EnvOrDefault("END_DATE", "2019-01-01"),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid START_DATE/END_DATE: %w", err)
	}

	cadence, err := domain.ParseCadence(sharedcfg.EnvOrDefault("CADENCE", "H"))
	if err != nil {
		return nil, fmt.Errorf("invalid CADENCE: %w", err)
	}

	quality, err := parseQuality()
	if err != nil {
		return nil, err
	}

	backend, err := store.ParseBackend(sharedcfg.EnvOrDefault("BACKEND", string(store.BackendArray)))
	if err != nil {
		return nil, fmt.Errorf("invalid BACKEND: %w", err)
	}

	flushEvery, err := positiveInt("FLUSH_EVERY_N_BATCHES", 6)
	if err != nil {
		return nil, err
	}
	entityChunk, err := nonNegativeInt("ARRAY_ENTITY_CHUNK", 0)
	if err != nil {
		return nil, err
	}
	timeChunk, err := nonNegativeInt("ARRAY_TIME_CHUNK", 0)
	if err != nil {
		return nil, err
	}

	nwisTimeout, err := positiveDuration("NWIS_TIMEOUT", "2m")
	if err != nil {
		return nil, err
	}
	waitMin, err := positiveDuration("NWIS_RETRY_WAIT_MIN", "1s")
	if err != nil {
		return nil, err
	}
	waitMax, err := positiveDuration("NWIS_RETRY_WAIT_MAX", "30s")
	if err != nil {
		return nil, err
	}
	if waitMax < waitMin {
		return nil, errors.New("NWIS_RETRY_WAIT_MAX must not be less than NWIS_RETRY_WAIT_MIN")
	}

	retryMax, err := strconv.Atoi(sharedcfg.EnvOrDefault("NWIS_RETRY_MAX", "10"))
	if err != nil || retryMax < -1 {
		return nil, errors.New("invalid NWIS_RETRY_MAX: must be -1 (unlimited) or >= 0")
	}

	rps, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("NWIS_REQUESTS_PER_SECOND", "0"), 64)
	if err != nil || rps < 0 {
		return nil, errors.New("invalid NWIS_REQUESTS_PER_SECOND: must be >= 0")
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		Region:  os.Getenv("REGION"),
		Range:   tr,
		Cadence: cadence,
		Quality: quality,

		BatchSize:          batchSize,
		FlushEveryNBatches: flushEvery,

		CatalogPath: sharedcfg.EnvOrDefault("CATALOG_PATH", "data/all_streamflow_sites_CONUS.csv"),
		CatalogTable: catalog.Table{
			IDColumn:     sharedcfg.EnvOrDefault("CATALOG_ID_COLUMN", "code"),
			RegionColumn: sharedcfg.EnvOrDefault("CATALOG_REGION_COLUMN", "huc"),
			Exclude:      splitList(os.Getenv("CATALOG_EXCLUDE_IDS")),
		},

		Backend:          backend,
		OutputPath:       sharedcfg.EnvOrDefault("OUTPUT_PATH", "data/streamflow.db"),
		ArrayEntityChunk: entityChunk,
		ArrayTimeChunk:   timeChunk,

		NWISBaseURL:           strings.TrimRight(sharedcfg.EnvOrDefault("NWIS_BASE_URL", "https://waterservices.usgs.gov/nwis"), "/"),
		NWISParameterCode:     sharedcfg.EnvOrDefault("NWIS_PARAMETER_CODE", "00060"),
		NWISTimeout:           nwisTimeout,
		NWISRetryMax:          retryMax,
		NWISRetryWaitMin:      waitMin,
		NWISRetryWaitMax:      waitMax,
		NWISRequestsPerSecond: rps,

		KafkaBrokers:    parseBrokers(os.Getenv("KAFKA_BROKERS")),
		KafkaFlushTopic: sharedcfg.EnvOrDefault("KAFKA_FLUSH_TOPIC", "streamflow-flushes"),
	}

	if cfg.OutputPath == "" {
		return nil, errors.New("OUTPUT_PATH is required")
	}
	if cfg.CatalogTable.IDColumn == "" {
		return nil, errors.New("CATALOG_ID_COLUMN is required")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaFlushTopic == "" {
		return nil, errors.New("KAFKA_FLUSH_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

// FlushThreshold is the number of normalized entities accumulated between flushes.
func (c *Config) FlushThreshold() int {
	return c.BatchSize * c.FlushEveryNBatches
}

// KafkaEnabled reports whether flush events are published.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// parseQuality has no default. QUALITY_FILTER must be set.
func parseQuality() (domain.QualityPolicy, error) {
	var q domain.QualityPolicy
	switch strings.ToLower(os.Getenv("QUALITY_FILTER")) {
	case "approved":
		q.ApprovedOnly = true
	case "all":
	case "":
		return q, errors.New("QUALITY_FILTER is required: approved or all")
	default:
		return q, errors.New("invalid QUALITY_FILTER: must be approved or all")
	}

	switch strings.ToLower(sharedcfg.EnvOrDefault("QUALITY_UNKNOWN_FLAGS", "drop")) {
	case "drop":
	case "keep":
		q.KeepUnknown = true
	default:
		return q, errors.New("invalid QUALITY_UNKNOWN_FLAGS: must be drop or keep")
	}
	return q, nil
}

func positiveInt(key string, def int) (int, error) {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func nonNegativeInt(key string, def int) (int, error) {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, strconv.Itoa(def)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: must be a non-negative integer", key)
	}
	return n, nil
}

func positiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

// parseBrokers treats an unset KAFKA_BROKERS as "notifications off".
func parseBrokers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return sharedcfg.ParseBrokers(s)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
