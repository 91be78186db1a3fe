package domain

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Transaction is one e-commerce event in a dataset.
type Transaction struct {
	ID                  int64     `json:"transactionId"`
	Date                time.Time `json:"transactionDate"`
	Country             string    `json:"country"`
	Amount              float64   `json:"transactionAmount"`
	VerificationMethod  string    `json:"verificationMethod"`
	VerificationSuccess *bool     `json:"verificationSuccess"`
	FraudFlag           *bool     `json:"fraudFlag"`
	UserAge             int       `json:"userAge"`
	UserGender          string    `json:"userGender"`
	DeviceType          string    `json:"deviceType"`
}

// Column names of the transactions table.
const (
	ColTransactionID       = "transaction_id"
	ColTransactionDate     = "transaction_date"
	ColCountry             = "country"
	ColTransactionAmount   = "transaction_amount"
	ColVerificationMethod  = "verification_method"
	ColVerificationSuccess = "verification_success"
	ColFraudFlag           = "fraud_flag"
	ColUserAge             = "user_age"
	ColUserGender          = "user_gender"
	ColDeviceType          = "device_type"
)

// ColumnKind tells consumers how a column may be used.
type ColumnKind string

const (
	KindIdentifier  ColumnKind = "identifier"
	KindTimestamp   ColumnKind = "timestamp"
	KindLabel       ColumnKind = "label"
	KindNumeric     ColumnKind = "numeric"
	KindBoolean     ColumnKind = "boolean"
	KindCategorical ColumnKind = "categorical"
)

// Column is one entry of the declared transaction schema.
type Column struct {
	Name   string     `json:"name"`
	Kind   ColumnKind `json:"kind"`
	Domain []string   `json:"domain,omitempty"`
}

// Declared category domains.
var (
	Countries           = []string{"Nigeria", "Kenya", "South Africa", "Ghana", "Egypt"}
	VerificationMethods = []string{"OTP", "biometric", "document_scan"}
	Genders             = []string{"Male", "Female"}
	DeviceTypes         = []string{"Mobile", "Desktop", "Tablet"}
)

// TransactionColumns is the declared schema, in storage order.
var TransactionColumns = []Column{
	{Name: ColTransactionID, Kind: KindIdentifier},
	{Name: ColTransactionDate, Kind: KindTimestamp},
	{Name: ColCountry, Kind: KindCategorical, Domain: Countries},
	{Name: ColTransactionAmount, Kind: KindNumeric},
	{Name: ColVerificationMethod, Kind: KindCategorical, Domain: VerificationMethods},
	{Name: ColVerificationSuccess, Kind: KindBoolean},
	{Name: ColFraudFlag, Kind: KindLabel},
	{Name: ColUserAge, Kind: KindNumeric},
	{Name: ColUserGender, Kind: KindCategorical, Domain: Genders},
	{Name: ColDeviceType, Kind: KindCategorical, Domain: DeviceTypes},
}

// ColumnNames returns the declared column names in storage order.
func ColumnNames() []string {
	names := make([]string, len(TransactionColumns))
	for i, c := range TransactionColumns {
		names[i] = c.Name
	}
	return names
}

// LookupColumn returns the declared column with the given name.
func LookupColumn(name string) (Column, bool) {
	for _, c := range TransactionColumns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Bool returns a pointer to v, for populating nullable flags.
func Bool(v bool) *bool {
	return &v
}

// Category returns the value of a categorical column.
func (t *Transaction) Category(column string) (string, bool) {
	switch column {
	case ColCountry:
		return t.Country, true
	case ColVerificationMethod:
		return t.VerificationMethod, true
	case ColUserGender:
		return t.UserGender, true
	case ColDeviceType:
		return t.DeviceType, true
	}
	return "", false
}

// Numeric returns the value of a numeric, boolean or label column.
// Booleans map to 0/1. The second result is false when the column
// is not numeric or the value is null.
func (t *Transaction) Numeric(column string) (float64, bool) {
	switch column {
	case ColTransactionAmount:
		return t.Amount, true
	case ColUserAge:
		return float64(t.UserAge), true
	case ColVerificationSuccess:
		return flagValue(t.VerificationSuccess)
	case ColFraudFlag:
		return flagValue(t.FraudFlag)
	}
	return 0, false
}

// Field renders any column value as text, as written to CSV. Null flags
// render as the empty string.
func (t *Transaction) Field(column string) (string, bool) {
	switch column {
	case ColTransactionID:
		return strconv.FormatInt(t.ID, 10), true
	case ColTransactionDate:
		return t.Date.UTC().Format(time.RFC3339), true
	case ColTransactionAmount:
		return strconv.FormatFloat(t.Amount, 'f', 2, 64), true
	case ColUserAge:
		return strconv.Itoa(t.UserAge), true
	case ColVerificationSuccess:
		return flagText(t.VerificationSuccess), true
	case ColFraudFlag:
		return flagText(t.FraudFlag), true
	}
	return t.Category(column)
}

// Validate checks the record against the declared schema.
func (t *Transaction) Validate() error {
	if t.ID <= 0 {
		return NewSchemaError(ColTransactionID, strconv.FormatInt(t.ID, 10), "must be positive")
	}
	if t.Date.IsZero() {
		return NewSchemaError(ColTransactionDate, "", "is required")
	}
	if !(t.Amount > 0) {
		return NewSchemaError(ColTransactionAmount, strconv.FormatFloat(t.Amount, 'f', -1, 64), "must be positive")
	}
	if t.UserAge < 0 || t.UserAge > 120 {
		return NewSchemaError(ColUserAge, strconv.Itoa(t.UserAge), "out of range")
	}
	for _, c := range TransactionColumns {
		if c.Kind != KindCategorical {
			continue
		}
		v, _ := t.Category(c.Name)
		if !slices.Contains(c.Domain, v) {
			return NewSchemaError(c.Name, v, fmt.Sprintf("not in declared domain %v", c.Domain))
		}
	}
	return nil
}

func flagValue(b *bool) (float64, bool) {
	if b == nil {
		return 0, false
	}
	if *b {
		return 1, true
	}
	return 0, true
}

func flagText(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}
