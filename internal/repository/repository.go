// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

const defaultBatchSize = 500

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite, lib/pq and pgx drivers.
type SQLRepository struct {
	db        *sql.DB
	driver    string
	batchSize int
}

// New creates a new repository based on configuration.
// Failures to open or migrate the store are returned as *domain.StorageError.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "pgx":
		db, err = openPgx(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver: %s", ErrInvalidInput, cfg.Driver)
	}

	if err != nil {
		return nil, &domain.StorageError{Op: "open database", Err: err}
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := NewWithDB(db, cfg.Driver, cfg.BatchSize)

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, &domain.StorageError{Op: "run migrations", Err: err}
	}

	return repo, nil
}

// NewWithDB wraps an already opened database without running migrations.
func NewWithDB(db *sql.DB, driver string, batchSize int) *SQLRepository {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &SQLRepository{
		db:        db,
		driver:    driver,
		batchSize: batchSize,
	}
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveTransactions validates every row and replaces the dataset in a
// single database transaction.
func (r *SQLRepository) SaveTransactions(ctx context.Context, datasetID string, txs []*domain.Transaction) error {
	if datasetID == "" {
		return fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	seen := make(map[int64]struct{}, len(txs))
	for _, tx := range txs {
		if err := tx.Validate(); err != nil {
			return err
		}
		if _, dup := seen[tx.ID]; dup {
			return domain.NewSchemaError(domain.ColTransactionID, strconv.FormatInt(tx.ID, 10), "duplicate transaction id")
		}
		seen[tx.ID] = struct{}{}
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin transaction", Err: err}
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, r.rebind(`DELETE FROM transactions WHERE dataset_id = ?`), datasetID); err != nil {
		return &domain.StorageError{Op: "clear dataset", Err: err}
	}

	for start := 0; start < len(txs); start += r.batchSize {
		end := min(start+r.batchSize, len(txs))
		query, args := r.insertBatch(datasetID, txs[start:end])
		if _, err := dbtx.ExecContext(ctx, query, args...); err != nil {
			return &domain.StorageError{Op: "insert transactions", Err: err}
		}
	}

	if err := r.bumpVersion(ctx, dbtx, datasetID); err != nil {
		return err
	}

	if err := dbtx.Commit(); err != nil {
		return &domain.StorageError{Op: "commit transactions", Err: err}
	}
	return nil
}

func (r *SQLRepository) insertBatch(datasetID string, txs []*domain.Transaction) (string, []any) {
	const placeholders = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	var b strings.Builder
	b.WriteString(`INSERT INTO transactions (
		dataset_id, transaction_id, transaction_date, country, transaction_amount,
		verification_method, verification_success, fraud_flag,
		user_age, user_gender, device_type
	) VALUES `)

	args := make([]any, 0, len(txs)*11)
	for i, tx := range txs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args,
			datasetID, tx.ID, tx.Date.UTC(), tx.Country, tx.Amount,
			tx.VerificationMethod, nullBool(tx.VerificationSuccess), nullBool(tx.FraudFlag),
			tx.UserAge, tx.UserGender, tx.DeviceType,
		)
	}
	return r.rebind(b.String()), args
}

// ScanTransactions performs a full scan of a dataset. The table's column
// set must match the declared schema exactly.
func (r *SQLRepository) ScanTransactions(ctx context.Context, datasetID string) ([]*domain.Transaction, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	query := `SELECT * FROM transactions WHERE dataset_id = ? ORDER BY transaction_id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), datasetID)
	if err != nil {
		return nil, &domain.StorageError{Op: "scan transactions", Err: err}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, &domain.StorageError{Op: "read columns", Err: err}
	}
	if err := checkColumns(columns); err != nil {
		return nil, err
	}

	var transactions []*domain.Transaction
	for rows.Next() {
		var (
			tx           domain.Transaction
			dataset      string
			verification sql.NullBool
			fraud        sql.NullBool
		)

		targets := make([]any, len(columns))
		for i, c := range columns {
			switch strings.ToLower(c) {
			case "dataset_id":
				targets[i] = &dataset
			case domain.ColTransactionID:
				targets[i] = &tx.ID
			case domain.ColTransactionDate:
				targets[i] = &tx.Date
			case domain.ColCountry:
				targets[i] = &tx.Country
			case domain.ColTransactionAmount:
				targets[i] = &tx.Amount
			case domain.ColVerificationMethod:
				targets[i] = &tx.VerificationMethod
			case domain.ColVerificationSuccess:
				targets[i] = &verification
			case domain.ColFraudFlag:
				targets[i] = &fraud
			case domain.ColUserAge:
				targets[i] = &tx.UserAge
			case domain.ColUserGender:
				targets[i] = &tx.UserGender
			case domain.ColDeviceType:
				targets[i] = &tx.DeviceType
			}
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, &domain.StorageError{Op: "scan transaction row", Err: err}
		}

		tx.Date = tx.Date.UTC()
		if verification.Valid {
			tx.VerificationSuccess = domain.Bool(verification.Bool)
		}
		if fraud.Valid {
			tx.FraudFlag = domain.Bool(fraud.Bool)
		}
		transactions = append(transactions, &tx)
	}

	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "iterate transactions", Err: err}
	}
	return transactions, nil
}

// checkColumns rejects tables that gained, lost or renamed columns.
func checkColumns(columns []string) error {
	expected := append([]string{"dataset_id"}, domain.ColumnNames()...)

	got := make([]string, len(columns))
	for i, c := range columns {
		got[i] = strings.ToLower(c)
		if !slices.Contains(expected, got[i]) {
			return domain.NewSchemaError(c, "", "unexpected column in transactions table")
		}
	}
	for _, name := range expected {
		if !slices.Contains(got, name) {
			return domain.NewSchemaError(name, "", "missing column in transactions table")
		}
	}
	return nil
}

// CountTransactions returns the number of rows in a dataset.
func (r *SQLRepository) CountTransactions(ctx context.Context, datasetID string) (int, error) {
	if datasetID == "" {
		return 0, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM transactions WHERE dataset_id = ?`), datasetID).Scan(&n)
	if err != nil {
		return 0, &domain.StorageError{Op: "count transactions", Err: err}
	}
	return n, nil
}

// DeleteDataset removes every transaction of a dataset.
func (r *SQLRepository) DeleteDataset(ctx context.Context, datasetID string) error {
	if datasetID == "" {
		return fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin transaction", Err: err}
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, r.rebind(`DELETE FROM transactions WHERE dataset_id = ?`), datasetID); err != nil {
		return &domain.StorageError{Op: "delete dataset", Err: err}
	}
	if err := r.bumpVersion(ctx, dbtx, datasetID); err != nil {
		return err
	}

	if err := dbtx.Commit(); err != nil {
		return &domain.StorageError{Op: "commit delete", Err: err}
	}
	return nil
}

// bumpVersion increments the dataset's version inside dbtx.
func (r *SQLRepository) bumpVersion(ctx context.Context, dbtx *sql.Tx, datasetID string) error {
	query := `INSERT INTO datasets (dataset_id, version, updated_at) VALUES (?, 1, ?)
		ON CONFLICT (dataset_id) DO UPDATE SET version = datasets.version + 1, updated_at = excluded.updated_at`

	if _, err := dbtx.ExecContext(ctx, r.rebind(query), datasetID, time.Now().UTC()); err != nil {
		return &domain.StorageError{Op: "bump dataset version", Err: err}
	}
	return nil
}

// DatasetVersion returns the number of writes the dataset has seen.
// A dataset that was never written has version 0.
func (r *SQLRepository) DatasetVersion(ctx context.Context, datasetID string) (int64, error) {
	if datasetID == "" {
		return 0, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	var version int64
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT version FROM datasets WHERE dataset_id = ?`), datasetID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, &domain.StorageError{Op: "read dataset version", Err: err}
	}
	return version, nil
}

// GroupRates computes COUNT and AVG of measure grouped by column.
// Both names are checked against the declared schema before they are
// interpolated into SQL.
func (r *SQLRepository) GroupRates(ctx context.Context, datasetID string, column string, measure string) ([]domain.GroupRate, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	groupCol, ok := domain.LookupColumn(column)
	if !ok || groupCol.Kind != domain.KindCategorical {
		return nil, domain.NewSchemaError(column, "", "not a categorical column")
	}

	measureCol, ok := domain.LookupColumn(measure)
	if !ok {
		return nil, domain.NewSchemaError(measure, "", "unknown measure column")
	}

	var expr string
	switch measureCol.Kind {
	case domain.KindBoolean, domain.KindLabel:
		expr = fmt.Sprintf("CASE WHEN %[1]s IS NULL THEN NULL WHEN %[1]s THEN 1.0 ELSE 0.0 END", measure)
	case domain.KindNumeric:
		expr = fmt.Sprintf("CAST(%s AS DOUBLE PRECISION)", measure)
	default:
		return nil, domain.NewSchemaError(measure, "", "not a numeric or boolean column")
	}

	query := fmt.Sprintf(`
		SELECT %[1]s, COUNT(%[2]s), AVG(%[3]s)
		FROM transactions
		WHERE dataset_id = ?
		GROUP BY %[1]s
		ORDER BY %[1]s
	`, column, measure, expr)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), datasetID)
	if err != nil {
		return nil, &domain.StorageError{Op: "query group rates", Err: err}
	}
	defer rows.Close()

	var out []domain.GroupRate
	for rows.Next() {
		var g domain.GroupRate
		var mean sql.NullFloat64
		if err := rows.Scan(&g.Key, &g.Count, &mean); err != nil {
			return nil, &domain.StorageError{Op: "scan group rate", Err: err}
		}
		g.Mean = mean.Float64
		g.Defined = mean.Valid
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "iterate group rates", Err: err}
	}
	return out, nil
}

// SaveRun inserts or updates a pipeline run record.
func (r *SQLRepository) SaveRun(ctx context.Context, datasetID string, run *domain.PipelineRun) error {
	if datasetID == "" || run == nil || run.ID == "" {
		return fmt.Errorf("%w: datasetID and run ID are required", ErrInvalidInput)
	}

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	var completed any
	if !run.CompletedAt.IsZero() {
		completed = run.CompletedAt.UTC()
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StorageError{Op: "begin transaction", Err: err}
	}
	defer dbtx.Rollback()

	if _, err := dbtx.ExecContext(ctx, r.rebind(`DELETE FROM pipeline_runs WHERE dataset_id = ? AND id = ?`), datasetID, run.ID); err != nil {
		return &domain.StorageError{Op: "replace run", Err: err}
	}

	query := `
		INSERT INTO pipeline_runs (id, dataset_id, status, created_at, completed_at, document)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := dbtx.ExecContext(ctx, r.rebind(query),
		run.ID, datasetID, string(run.Status), run.CreatedAt.UTC(), completed, string(doc),
	); err != nil {
		return &domain.StorageError{Op: "insert run", Err: err}
	}

	if err := dbtx.Commit(); err != nil {
		return &domain.StorageError{Op: "commit run", Err: err}
	}
	return nil
}

// GetRun retrieves a run record by ID.
func (r *SQLRepository) GetRun(ctx context.Context, datasetID string, runID string) (*domain.PipelineRun, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}

	var doc string
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT document FROM pipeline_runs WHERE dataset_id = ? AND id = ?`),
		datasetID, runID,
	).Scan(&doc)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "get run", Err: err}
	}

	var run domain.PipelineRun
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs of a dataset, newest first.
func (r *SQLRepository) ListRuns(ctx context.Context, datasetID string, limit int) ([]*domain.PipelineRun, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("%w: datasetID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT document FROM pipeline_runs
		WHERE dataset_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), datasetID, limit)
	if err != nil {
		return nil, &domain.StorageError{Op: "list runs", Err: err}
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, &domain.StorageError{Op: "scan run", Err: err}
		}

		var run domain.PipelineRun
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "iterate runs", Err: err}
	}
	return runs, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL drivers.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" && r.driver != "pgx" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
