package generator

import (
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(records int) domain.GeneratorConfig {
	cfg := domain.DefaultConfig().Generator
	cfg.Records = records
	cfg.EndDate = time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	return cfg
}

func TestGenerateDeterministic(t *testing.T) {
	a := New(testConfig(500), 42).Generate()
	b := New(testConfig(500), 42).Generate()
	c := New(testConfig(500), 7).Generate()

	require.Len(t, a, 500)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGenerateRespectsSchema(t *testing.T) {
	cfg := testConfig(2000)
	txs := New(cfg, 42).Generate()

	for i, tx := range txs {
		require.NoError(t, tx.Validate(), "row %d", i)
		assert.Equal(t, int64(i+1), tx.ID)
		assert.GreaterOrEqual(t, tx.Amount, cfg.AmountMin)
		assert.LessOrEqual(t, tx.Amount, cfg.AmountMax)
		assert.Equal(t, tx.Amount, math.Round(tx.Amount*100)/100)
		assert.GreaterOrEqual(t, tx.UserAge, cfg.MinAge)
		assert.LessOrEqual(t, tx.UserAge, cfg.MaxAge)
		require.NotNil(t, tx.FraudFlag)
		require.NotNil(t, tx.VerificationSuccess)
	}

	assert.True(t, txs[0].Date.Equal(cfg.EndDate.AddDate(0, 0, -cfg.Days)))
	assert.True(t, txs[len(txs)-1].Date.Before(cfg.EndDate.Add(time.Second)))
	for i := 1; i < len(txs); i++ {
		assert.False(t, txs[i].Date.Before(txs[i-1].Date), "dates must be non-decreasing")
	}
}

func TestGenerateRates(t *testing.T) {
	txs := New(testConfig(20000), 42).Generate()

	var fraud, verified int
	for _, tx := range txs {
		if *tx.FraudFlag {
			fraud++
		}
		if *tx.VerificationSuccess {
			verified++
		}
	}

	assert.InDelta(t, 0.05, float64(fraud)/float64(len(txs)), 0.01)
	assert.InDelta(t, 0.9, float64(verified)/float64(len(txs)), 0.01)
}

func TestNewDefaultsShapeButKeepsRates(t *testing.T) {
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	txs := New(domain.GeneratorConfig{Records: 200, EndDate: end}, 42).Generate()

	def := domain.DefaultConfig().Generator
	require.Len(t, txs, 200)
	assert.Equal(t, end.AddDate(0, 0, -def.Days), txs[0].Date)
	for _, tx := range txs {
		assert.GreaterOrEqual(t, tx.Amount, def.AmountMin)
		assert.LessOrEqual(t, tx.Amount, def.AmountMax)
		assert.False(t, *tx.FraudFlag, "zero fraud rate must not produce fraud rows")
		assert.False(t, *tx.VerificationSuccess, "zero success rate must not produce verified rows")
	}

	all := New(domain.GeneratorConfig{Records: 50, EndDate: end, FraudRate: 1}, 42).Generate()
	for _, tx := range all {
		assert.True(t, *tx.FraudFlag)
	}
}
