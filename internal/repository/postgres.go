package repository

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// openPostgres opens a PostgreSQL connection through lib/pq.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	host, port, dbname := postgresDefaults(cfg)

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		host,
		port,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		dbname,
		getSSLMode(cfg.PostgresSSLMode),
	)

	return openAndPing("postgres", dsn)
}

// openPgx opens a PostgreSQL connection through the pgx stdlib driver.
func openPgx(cfg domain.RepositoryConfig) (*sql.DB, error) {
	host, port, dbname := postgresDefaults(cfg)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + dbname,
		RawQuery: "sslmode=" + getSSLMode(cfg.PostgresSSLMode),
	}

	return openAndPing("pgx", u.String())
}

func openAndPing(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	return db, nil
}

func postgresDefaults(cfg domain.RepositoryConfig) (string, int, string) {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}

	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}
	return host, port, dbname
}

func getSSLMode(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
