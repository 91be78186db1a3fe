// Package ingest reads and writes transaction datasets as CSV.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// dateLayouts are the accepted transaction_date formats, tried in order.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// WriteCSV writes the header and one row per transaction.
func WriteCSV(w io.Writer, txs []*domain.Transaction) error {
	writer := csv.NewWriter(w)
	columns := domain.ColumnNames()

	if err := writer.Write(columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	record := make([]string, len(columns))
	for _, tx := range txs {
		for i, c := range columns {
			record[i], _ = tx.Field(c)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write transaction %d: %w", tx.ID, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// ReadCSV parses a dataset. The header must name exactly the declared
// columns, in any order and case. Malformed values and out-of-domain
// categories fail with *domain.SchemaError.
func ReadCSV(r io.Reader) ([]*domain.Transaction, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, domain.NewSchemaError("", "", fmt.Sprintf("failed to read header: %v", err))
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		name := strings.ToLower(strings.TrimSpace(col))
		if _, ok := domain.LookupColumn(name); !ok {
			return nil, domain.NewSchemaError(col, "", "unexpected column")
		}
		colIndex[name] = i
	}
	for _, name := range domain.ColumnNames() {
		if _, ok := colIndex[name]; !ok {
			return nil, domain.NewSchemaError(name, "", "missing column")
		}
	}

	var transactions []*domain.Transaction
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, &domain.SchemaError{Reason: fmt.Sprintf("line %d", line), Err: err}
		}

		tx, err := parseRecord(record, colIndex)
		if err != nil {
			var schemaErr *domain.SchemaError
			if errors.As(err, &schemaErr) {
				schemaErr.Reason = fmt.Sprintf("line %d: %s", line, schemaErr.Reason)
			}
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, nil
}

func parseRecord(record []string, colIndex map[string]int) (*domain.Transaction, error) {
	get := func(name string) string {
		return strings.TrimSpace(record[colIndex[name]])
	}

	var tx domain.Transaction
	var err error

	if tx.ID, err = strconv.ParseInt(get(domain.ColTransactionID), 10, 64); err != nil {
		return nil, &domain.SchemaError{Column: domain.ColTransactionID, Value: get(domain.ColTransactionID), Reason: "not an integer", Err: err}
	}
	if tx.Date, err = parseDate(get(domain.ColTransactionDate)); err != nil {
		return nil, &domain.SchemaError{Column: domain.ColTransactionDate, Value: get(domain.ColTransactionDate), Reason: "not a timestamp", Err: err}
	}
	if tx.Amount, err = strconv.ParseFloat(get(domain.ColTransactionAmount), 64); err != nil {
		return nil, &domain.SchemaError{Column: domain.ColTransactionAmount, Value: get(domain.ColTransactionAmount), Reason: "not a number", Err: err}
	}
	if tx.UserAge, err = strconv.Atoi(get(domain.ColUserAge)); err != nil {
		return nil, &domain.SchemaError{Column: domain.ColUserAge, Value: get(domain.ColUserAge), Reason: "not an integer", Err: err}
	}
	if tx.VerificationSuccess, err = parseFlag(domain.ColVerificationSuccess, get(domain.ColVerificationSuccess)); err != nil {
		return nil, err
	}
	if tx.FraudFlag, err = parseFlag(domain.ColFraudFlag, get(domain.ColFraudFlag)); err != nil {
		return nil, err
	}

	tx.Country = get(domain.ColCountry)
	tx.VerificationMethod = get(domain.ColVerificationMethod)
	tx.UserGender = get(domain.ColUserGender)
	tx.DeviceType = get(domain.ColDeviceType)

	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

func parseDate(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// parseFlag accepts true/false in any case and 1/0; empty means null.
func parseFlag(column, s string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(strings.ToLower(s))
	if err != nil {
		return nil, &domain.SchemaError{Column: column, Value: s, Reason: "not a boolean", Err: err}
	}
	return &v, nil
}

// WriteFile writes a dataset to path, creating parent directories.
func WriteFile(path string, txs []*domain.Transaction) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteCSV(file, txs); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// ReadFile reads a dataset from path.
func ReadFile(path string) ([]*domain.Transaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	return ReadCSV(file)
}
