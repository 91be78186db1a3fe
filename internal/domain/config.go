package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Tier selects the default infrastructure profile
	Tier Tier `mapstructure:"tier" json:"tier" validate:"oneof=community pro"`

	Server ServerConfig `mapstructure:"server" json:"server"`

	// Batch pipeline settings
	Pipeline  PipelineConfig  `mapstructure:"pipeline" json:"pipeline"`
	Generator GeneratorConfig `mapstructure:"generator" json:"generator"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus" json:"eventBus"`
	Artifacts  ArtifactConfig   `mapstructure:"artifacts" json:"artifacts"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// PipelineConfig controls one pipeline run.
type PipelineConfig struct {
	DatasetID string `mapstructure:"dataset_id" json:"datasetId" validate:"required"`

	// Seed drives the generator, the split and every tree.
	Seed uint64 `mapstructure:"seed" json:"seed"`

	TestFraction    float64 `mapstructure:"test_fraction" json:"testFraction" validate:"gt=0,lt=1"`
	NumTrees        int     `mapstructure:"num_trees" json:"numTrees" validate:"gte=1"`
	MaxDepth        int     `mapstructure:"max_depth" json:"maxDepth" validate:"gte=0"`              // 0 = unlimited
	MinSamplesSplit int     `mapstructure:"min_samples_split" json:"minSamplesSplit" validate:"gte=2"`
	MaxFeatures     int     `mapstructure:"max_features" json:"maxFeatures" validate:"gte=0"` // 0 = sqrt(features)
	Workers         int     `mapstructure:"workers" json:"workers" validate:"gte=0"`          // 0 = GOMAXPROCS
	TopN            int     `mapstructure:"top_n" json:"topN" validate:"gte=1"`

	// CSVPath is written by the generate stage and read by the load stage.
	CSVPath      string `mapstructure:"csv_path" json:"csvPath"`
	SkipGenerate bool   `mapstructure:"skip_generate" json:"skipGenerate"`
	SkipLoad     bool   `mapstructure:"skip_load" json:"skipLoad"`
}

// GeneratorConfig shapes the synthetic dataset.
type GeneratorConfig struct {
	Records int `mapstructure:"records" json:"records" validate:"gte=1"`
	Days    int `mapstructure:"days" json:"days" validate:"gte=1"`

	// EndDate is the last transaction date; zero means now.
	EndDate time.Time `mapstructure:"end_date" json:"endDate"`

	AmountMin               float64 `mapstructure:"amount_min" json:"amountMin" validate:"gt=0"`
	AmountMax               float64 `mapstructure:"amount_max" json:"amountMax" validate:"gtfield=AmountMin"`
	VerificationSuccessRate float64 `mapstructure:"verification_success_rate" json:"verificationSuccessRate" validate:"gte=0,lte=1"`
	FraudRate               float64 `mapstructure:"fraud_rate" json:"fraudRate" validate:"gte=0,lte=1"`
	MinAge                  int     `mapstructure:"min_age" json:"minAge" validate:"gte=0"`
	MaxAge                  int     `mapstructure:"max_age" json:"maxAge" validate:"gtfield=MinAge,lte=120"`
}

// ArtifactConfig selects where reports and datasets are written.
type ArtifactConfig struct {
	// Type is "local", "s3" or "none"
	Type     string `mapstructure:"type" json:"type" validate:"oneof=local s3 none"`
	LocalDir string `mapstructure:"local_dir" json:"localDir"`

	S3Bucket    string `mapstructure:"s3_bucket" json:"s3Bucket"`
	S3Region    string `mapstructure:"s3_region" json:"s3Region"`
	S3Endpoint  string `mapstructure:"s3_endpoint" json:"s3Endpoint"`
	S3Prefix    string `mapstructure:"s3_prefix" json:"s3Prefix"`
	S3AccessKey string `mapstructure:"s3_access_key" json:"-"`
	S3SecretKey string `mapstructure:"s3_secret_key" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port" validate:"gte=1,lte=65535"`
	ReadTimeout  int    `mapstructure:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `mapstructure:"write_timeout" json:"writeTimeout"` // seconds
	WorkerCount  int    `mapstructure:"worker_count" json:"workerCount"`

	// RunDatasets lists the datasets whose run requests have a worker.
	// Empty means the pipeline dataset only.
	RunDatasets []string `mapstructure:"run_datasets" json:"runDatasets"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" json:"format" validate:"oneof=json console"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" json:"serviceName"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity runs on SQLite, channels and the in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS, Redis and S3
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Tier: TierCommunity,
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			WorkerCount:  2,
		},
		Pipeline: PipelineConfig{
			DatasetID:       "default",
			Seed:            42,
			TestFraction:    0.2,
			NumTrees:        100,
			MinSamplesSplit: 2,
			TopN:            10,
			CSVPath:         "./data/ecommerce_transactions.csv",
		},
		Generator: GeneratorConfig{
			Records:                 100000,
			Days:                    365,
			AmountMin:               10,
			AmountMax:               1000,
			VerificationSuccessRate: 0.9,
			FraudRate:               0.05,
			MinAge:                  18,
			MaxAge:                  69,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
			BatchSize:  500,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Artifacts: ArtifactConfig{
			Type:     "local",
			LocalDir: "./reports",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "pgx",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
		BatchSize:    1000,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
		ResultTTL:      24 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "kestrel-workers",
	}
	cfg.Artifacts = ArtifactConfig{
		Type:     "s3",
		S3Bucket: "kestrel-reports",
		S3Region: "us-east-1",
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// ServedDatasets returns the datasets that accept pipeline runs.
func (c *Config) ServedDatasets() []string {
	if len(c.Server.RunDatasets) > 0 {
		return c.Server.RunDatasets
	}
	return []string{c.Pipeline.DatasetID}
}
