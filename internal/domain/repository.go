// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require datasetID; each dataset is an isolated table slice.
type Repository interface {
	// SaveTransactions replaces the contents of a dataset in one database
	// transaction. Duplicate IDs fail the whole batch.
	SaveTransactions(ctx context.Context, datasetID string, txs []*Transaction) error

	// ScanTransactions returns every row of a dataset ordered by ID.
	ScanTransactions(ctx context.Context, datasetID string) ([]*Transaction, error)
	CountTransactions(ctx context.Context, datasetID string) (int, error)
	DeleteDataset(ctx context.Context, datasetID string) error

	// DatasetVersion increases with every SaveTransactions or DeleteDataset
	// on the dataset. Derived results keyed on it go stale with the data.
	DatasetVersion(ctx context.Context, datasetID string) (int64, error)

	// GroupRates computes the mean of measure per value of column in SQL.
	GroupRates(ctx context.Context, datasetID string, column string, measure string) ([]GroupRate, error)

	// Pipeline run records
	SaveRun(ctx context.Context, datasetID string, run *PipelineRun) error
	GetRun(ctx context.Context, datasetID string, runID string) (*PipelineRun, error)
	ListRuns(ctx context.Context, datasetID string, limit int) ([]*PipelineRun, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// GroupRate is one row of a SQL grouped mean.
type GroupRate struct {
	Key     string  `json:"key"`
	Count   int     `json:"count"`
	Mean    float64 `json:"mean"`
	Defined bool    `json:"defined"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "pgx"
	Driver string `mapstructure:"driver" json:"driver" validate:"oneof=sqlite postgres pgx"`

	SQLitePath string `mapstructure:"sqlite_path" json:"sqlitePath"`

	PostgresHost     string `mapstructure:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgresPort"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgresUser"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDB       string `mapstructure:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"connMaxLifetime"`

	// BatchSize bounds the rows per multi-row INSERT.
	BatchSize int `mapstructure:"batch_size" json:"batchSize"`
}
