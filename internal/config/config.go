// Package config loads the process configuration from the environment.
// A .env file in the data directory is honored if present; explicit
// environment variables always win.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DropPolicy selects the behavior of a full bounded queue.
type DropPolicy string

const (
	DropOldest DropPolicy = "oldest" // drop the oldest entry, count it
	DropBlock  DropPolicy = "block"  // block the writer; loss unacceptable
)

// ClusterAlgorithm selects the community detection algorithm.
type ClusterAlgorithm string

const (
	AlgorithmLouvain ClusterAlgorithm = "louvain"
	AlgorithmDBSCAN  ClusterAlgorithm = "dbscan"
)

// AdapterConfig holds per-adapter options.
type AdapterConfig struct {
	PollInterval        time.Duration // TAGSENSE_POLL_INTERVAL_MS
	PointFilters        []string      // comma-separated wildcards
	MaxDiscoveredPoints int
	BatchSize           int
	ChannelCapacity     int
	DropPolicy          DropPolicy
	CallTimeout         time.Duration
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
}

// BehaviorConfig holds the behavioral aggregator options.
type BehaviorConfig struct {
	MinSamples        int64
	PublishInterval   time.Duration
	CacheTTL          time.Duration
	MaxPointsInMemory int
	ReservoirSize     int
}

// CorrelationConfig holds the correlation engine options.
type CorrelationConfig struct {
	MinOverlap   int
	SignificantR float64
	MaxFFill     time.Duration
	MaxLagSteps  int
	WindowSize   int // samples kept per point in the sample ring
}

// ClusterConfig holds the cluster detector options.
type ClusterConfig struct {
	Algorithm      ClusterAlgorithm
	MinClusterSize int
	MaxClusterSize int
	MinCohesion    float64
	DBSCANEps      float64
	DBSCANMinPts   int
	MaxIterations  int
	ScanInterval   time.Duration
	ChangeTol      float64
	ClusterTTL     time.Duration
}

// MatchConfig holds the pattern matcher options.
type MatchConfig struct {
	WNaming       float64
	WCorrelation  float64
	WRange        float64
	WRate         float64
	MinRoleScore  float64
	MinOverall    float64
	MaxPerCluster int
}

// FeedbackConfig holds the feedback learner options.
type FeedbackConfig struct {
	DeltaUp           float64
	DeltaDown         float64
	ConfidenceFloor   float64
	InitialConfidence float64
}

// IngestConfig holds the ingestion consumer options.
type IngestConfig struct {
	ResolveCacheSize int
	RetryTTL         time.Duration
	WriteBatchSize   int
	FlushInterval    time.Duration
}

// SourceKind selects the adapter driving the pipeline.
type SourceKind string

const (
	SourceSim    SourceKind = "sim"
	SourceReplay SourceKind = "replay"
)

// SourceConfig selects and parameterizes the data source adapter.
type SourceConfig struct {
	Kind SourceKind // TAGSENSE_SOURCE
	Name string     // data source display name

	ReplayDir   string
	ReplayZone  string
	ReplayTick  time.Duration // 0 = verbatim playback
	ReplaySpeed float64

	SimUnits     int
	SimSeed      int64
	SimNoise     float64
	SimPeriodMin float64
}

// BusConfig holds the embedded log options.
type BusConfig struct {
	Dir            string
	Partitions     int
	SegmentMaxSize int64
	SyncEvery      int
}

// Config is the root configuration.
type Config struct {
	DataDir     string
	LogLevel    string
	LogFormat   string
	MetricsPort int

	Source      SourceConfig
	Adapter     AdapterConfig
	Bus         BusConfig
	Ingest      IngestConfig
	Behavior    BehaviorConfig
	Correlation CorrelationConfig
	Cluster     ClusterConfig
	Match       MatchConfig
	Feedback    FeedbackConfig

	// ScanFallback fires a scheduled cluster scan when no event-driven
	// scan has run for this long.
	ScanFallback time.Duration
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	dataDir := strings.TrimSpace(os.Getenv("TAGSENSE_DATA_DIR"))
	if dataDir == "" {
		dataDir = "/var/lib/tagsense"
	}

	// Honor a .env next to the data, then the working directory.
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load env file")
		}
	}
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:     dataDir,
		LogLevel:    envString("TAGSENSE_LOG_LEVEL", "info"),
		LogFormat:   envString("TAGSENSE_LOG_FORMAT", "auto"),
		MetricsPort: envInt("TAGSENSE_METRICS_PORT", 9144),

		Source: SourceConfig{
			Kind:         SourceKind(envString("TAGSENSE_SOURCE", string(SourceSim))),
			Name:         envString("TAGSENSE_SOURCE_NAME", "primary"),
			ReplayDir:    envString("TAGSENSE_REPLAY_DIR", filepath.Join(dataDir, "replay")),
			ReplayZone:   envString("TAGSENSE_REPLAY_ZONE", "UTC"),
			ReplayTick:   envDurationMS("TAGSENSE_REPLAY_TICK_MS", 0),
			ReplaySpeed:  envFloat("TAGSENSE_REPLAY_SPEED", 1.0),
			SimUnits:     envInt("TAGSENSE_SIM_UNITS", 3),
			SimSeed:      int64(envInt("TAGSENSE_SIM_SEED", 1)),
			SimNoise:     envFloat("TAGSENSE_SIM_NOISE", 0.3),
			SimPeriodMin: envFloat("TAGSENSE_SIM_PERIOD_MIN", 15),
		},
		Adapter: AdapterConfig{
			PollInterval:        envDurationMS("TAGSENSE_POLL_INTERVAL_MS", 5000),
			PointFilters:        splitFilters(envString("TAGSENSE_POINT_FILTERS", "*")),
			MaxDiscoveredPoints: envInt("TAGSENSE_MAX_DISCOVERED_POINTS", 10000),
			BatchSize:           envInt("TAGSENSE_BATCH_SIZE", 500),
			ChannelCapacity:     envInt("TAGSENSE_CHANNEL_CAPACITY", 1000),
			DropPolicy:          DropPolicy(envString("TAGSENSE_DROP_POLICY", string(DropOldest))),
			CallTimeout:         envDurationMS("TAGSENSE_ADAPTER_CALL_TIMEOUT_MS", 10000),
			BackoffInitial:      envDurationMS("TAGSENSE_BACKOFF_INITIAL_MS", 2000),
			BackoffMax:          envDurationMS("TAGSENSE_BACKOFF_MAX_MS", 60000),
		},
		Bus: BusConfig{
			Dir:            filepath.Join(dataDir, "bus"),
			Partitions:     envInt("TAGSENSE_BUS_PARTITIONS", 4),
			SegmentMaxSize: int64(envInt("TAGSENSE_BUS_SEGMENT_MAX_BYTES", 64<<20)),
			SyncEvery:      envInt("TAGSENSE_BUS_SYNC_EVERY", 64),
		},
		Ingest: IngestConfig{
			ResolveCacheSize: envInt("TAGSENSE_RESOLVE_CACHE_SIZE", 10000),
			RetryTTL:         envDurationMS("TAGSENSE_UNKNOWN_POINT_RETRY_MS", 30000),
			WriteBatchSize:   envInt("TAGSENSE_TS_WRITE_BATCH", 500),
			FlushInterval:    envDurationMS("TAGSENSE_TS_FLUSH_INTERVAL_MS", 2000),
		},
		Behavior: BehaviorConfig{
			MinSamples:        int64(envInt("TAGSENSE_MIN_SAMPLES_FOR_BEHAVIOR", 30)),
			PublishInterval:   time.Duration(envInt("TAGSENSE_PUBLISH_INTERVAL_S", 60)) * time.Second,
			CacheTTL:          time.Duration(envInt("TAGSENSE_BEHAVIOR_CACHE_TTL_H", 24)) * time.Hour,
			MaxPointsInMemory: envInt("TAGSENSE_MAX_POINTS_IN_MEMORY", 50000),
			ReservoirSize:     envInt("TAGSENSE_INTERVAL_RESERVOIR", 256),
		},
		Correlation: CorrelationConfig{
			MinOverlap:   envInt("TAGSENSE_MIN_OVERLAP", 30),
			SignificantR: envFloat("TAGSENSE_SIGNIFICANT_R", 0.7),
			MaxFFill:     envDurationMS("TAGSENSE_MAX_FF_MS", 30000),
			MaxLagSteps:  envInt("TAGSENSE_MAX_LAG_STEPS", 0),
			WindowSize:   envInt("TAGSENSE_CORRELATION_WINDOW", 512),
		},
		Cluster: ClusterConfig{
			Algorithm:      ClusterAlgorithm(envString("TAGSENSE_CLUSTER_ALGORITHM", string(AlgorithmLouvain))),
			MinClusterSize: envInt("TAGSENSE_MIN_CLUSTER_SIZE", 3),
			MaxClusterSize: envInt("TAGSENSE_MAX_CLUSTER_SIZE", 20),
			MinCohesion:    envFloat("TAGSENSE_MIN_COHESION", 0.7),
			DBSCANEps:      envFloat("TAGSENSE_DBSCAN_EPS", 0.3),
			DBSCANMinPts:   envInt("TAGSENSE_DBSCAN_MIN_POINTS", 3),
			MaxIterations:  envInt("TAGSENSE_MAX_ITERATIONS", 20),
			ScanInterval:   envDurationMS("TAGSENSE_CLUSTER_SCAN_INTERVAL_MS", 30000),
			ChangeTol:      envFloat("TAGSENSE_CLUSTER_CHANGE_TOL", 0.02),
			ClusterTTL:     time.Duration(envInt("TAGSENSE_CLUSTER_TTL_H", 24)) * time.Hour,
		},
		Match: MatchConfig{
			WNaming:       envFloat("TAGSENSE_W_NAMING", 0.35),
			WCorrelation:  envFloat("TAGSENSE_W_CORRELATION", 0.30),
			WRange:        envFloat("TAGSENSE_W_RANGE", 0.20),
			WRate:         envFloat("TAGSENSE_W_RATE", 0.15),
			MinRoleScore:  envFloat("TAGSENSE_MIN_ROLE_SCORE", 0.3),
			MinOverall:    envFloat("TAGSENSE_MIN_OVERALL", 0.5),
			MaxPerCluster: envInt("TAGSENSE_MAX_PER_CLUSTER", 3),
		},
		Feedback: FeedbackConfig{
			DeltaUp:           envFloat("TAGSENSE_DELTA_UP", 0.05),
			DeltaDown:         envFloat("TAGSENSE_DELTA_DOWN", 0.10),
			ConfidenceFloor:   envFloat("TAGSENSE_CONFIDENCE_FLOOR", 0.10),
			InitialConfidence: envFloat("TAGSENSE_INITIAL_PATTERN_CONFIDENCE", 0.75),
		},
		ScanFallback: time.Duration(envInt("TAGSENSE_SCAN_FALLBACK_S", 300)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants and clamps soft ranges.
func (c *Config) Validate() error {
	switch c.Adapter.DropPolicy {
	case DropOldest, DropBlock:
	default:
		return fmt.Errorf("invalid drop policy %q", c.Adapter.DropPolicy)
	}
	switch c.Source.Kind {
	case SourceSim, SourceReplay:
	default:
		return fmt.Errorf("invalid source kind %q", c.Source.Kind)
	}
	if c.Source.ReplaySpeed <= 0 {
		c.Source.ReplaySpeed = 1.0
	}
	switch c.Cluster.Algorithm {
	case AlgorithmLouvain, AlgorithmDBSCAN:
	default:
		return fmt.Errorf("invalid cluster algorithm %q", c.Cluster.Algorithm)
	}
	if c.Cluster.MinClusterSize < 2 {
		c.Cluster.MinClusterSize = 2
	}
	if c.Cluster.MaxClusterSize < c.Cluster.MinClusterSize {
		return fmt.Errorf("max_cluster_size %d below min_cluster_size %d",
			c.Cluster.MaxClusterSize, c.Cluster.MinClusterSize)
	}
	if c.Correlation.SignificantR < 0 || c.Correlation.SignificantR > 1 {
		return fmt.Errorf("significant_r %f outside [0,1]", c.Correlation.SignificantR)
	}
	if c.Feedback.ConfidenceFloor < 0 || c.Feedback.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor %f outside [0,1]", c.Feedback.ConfidenceFloor)
	}
	if c.Bus.Partitions < 1 {
		c.Bus.Partitions = 1
	}
	if c.Adapter.ChannelCapacity < 1 {
		c.Adapter.ChannelCapacity = 1
	}
	return nil
}

func splitFilters(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer env value, using default")
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid float env value, using default")
		return def
	}
	return f
}

func envDurationMS(key string, defMS int) time.Duration {
	return time.Duration(envInt(key, defMS)) * time.Millisecond
}
