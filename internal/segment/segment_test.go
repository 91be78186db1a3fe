package segment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func sampleTransactions(n int) []*domain.Transaction {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	txs := make([]*domain.Transaction, n)
	for i := range n {
		txs[i] = &domain.Transaction{
			ID:                  int64(i + 1),
			Date:                base.Add(time.Duration(i) * time.Hour),
			Country:             domain.Countries[i%len(domain.Countries)],
			Amount:              float64(10 + i%1000),
			VerificationMethod:  domain.VerificationMethods[i%len(domain.VerificationMethods)],
			VerificationSuccess: domain.Bool(i%10 != 0),
			FraudFlag:           domain.Bool(i%20 == 0),
			UserAge:             18 + i%50,
			UserGender:          domain.Genders[i%2],
			DeviceType:          domain.DeviceTypes[i%3],
		}
	}
	return txs
}

func TestCompile(t *testing.T) {
	engine, err := NewEngine(2)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"bool expression", `country == "Kenya" && transaction_amount > 100.0`, false},
		{"hour filter", `hour >= 9 && hour < 17`, false},
		{"non-bool", `transaction_amount * 2.0`, true},
		{"unknown variable", `merchant == "x"`, true},
		{"syntax error", `country ==`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Compile(tt.expr)
			if tt.wantErr {
				var schemaErr *domain.SchemaError
				if !errors.As(err, &schemaErr) {
					t.Errorf("expected SchemaError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}

	if _, err := engine.Compile(`country == "Kenya" && transaction_amount > 100.0`); err != nil {
		t.Fatalf("recompile failed: %v", err)
	}
	if engine.CompiledCount() != 2 {
		t.Errorf("expected 2 cached predicates, got %d", engine.CompiledCount())
	}
}

func TestCompileCacheBounded(t *testing.T) {
	engine, err := NewEngineWithLimit(2, 3)
	if err != nil {
		t.Fatalf("NewEngineWithLimit failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		if _, err := engine.Compile(fmt.Sprintf("transaction_amount > %d.0", i)); err != nil {
			t.Fatalf("compile %d failed: %v", i, err)
		}
		if engine.CompiledCount() > 3 {
			t.Fatalf("expected at most 3 cached predicates, got %d", engine.CompiledCount())
		}
	}

	// The most recent expression survives; recompiling an evicted one works.
	recent, _ := engine.Compile("transaction_amount > 49.0")
	again, _ := engine.Compile("transaction_amount > 49.0")
	if recent != again {
		t.Error("expected the recent predicate to be served from the cache")
	}
	if _, err := engine.Compile("transaction_amount > 0.0"); err != nil {
		t.Errorf("expected evicted expression to recompile, got %v", err)
	}
	if engine.CompiledCount() != 3 {
		t.Errorf("expected 3 cached predicates, got %d", engine.CompiledCount())
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	engine, err := NewEngine(4)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	txs := sampleTransactions(10000)
	p, err := engine.Compile(`fraud_flag && user_gender == "Male"`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	got, err := engine.Filter(context.Background(), p, txs)
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}

	var want []int64
	for _, tx := range txs {
		if *tx.FraudFlag && tx.UserGender == "Male" {
			want = append(want, tx.ID)
		}
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(got))
	}
	for i := range got {
		if got[i].ID != want[i] {
			t.Errorf("row %d: expected ID %d, got %d", i, want[i], got[i].ID)
			break
		}
	}
}

func TestFilterNullFlags(t *testing.T) {
	engine, err := NewEngine(1)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	txs := sampleTransactions(3)
	txs[1].VerificationSuccess = nil

	p, err := engine.Compile(`!has_verification_success`)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	got, err := engine.Filter(context.Background(), p, txs)
	if err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 2 {
		t.Errorf("expected only transaction 2, got %v", ids(got))
	}
}

func TestFilterCancelled(t *testing.T) {
	engine, err := NewEngine(1)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	p, _ := engine.Compile(`true`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = engine.Filter(ctx, p, sampleTransactions(10))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func ids(txs []*domain.Transaction) string {
	out := ""
	for _, tx := range txs {
		out += fmt.Sprintf("%d ", tx.ID)
	}
	return out
}
