// Package generator synthesizes seeded e-commerce transaction datasets.
package generator

import (
	"math/rand/v2"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Generator samples transactions from fixed distributions. Two generators
// built from the same config and seed produce identical datasets.
type Generator struct {
	cfg  domain.GeneratorConfig
	seed uint64
	now  func() time.Time
}

// New creates a generator. Unset Records and Days, and invalid amount or
// age ranges, take the defaults of domain.DefaultConfig. The rates are used
// as given, so a zero FraudRate produces no fraud rows.
func New(cfg domain.GeneratorConfig, seed uint64) *Generator {
	def := domain.DefaultConfig().Generator
	if cfg.Records <= 0 {
		cfg.Records = def.Records
	}
	if cfg.Days <= 0 {
		cfg.Days = def.Days
	}
	if cfg.AmountMin <= 0 || cfg.AmountMax <= cfg.AmountMin {
		cfg.AmountMin, cfg.AmountMax = def.AmountMin, def.AmountMax
	}
	if cfg.MaxAge <= cfg.MinAge {
		cfg.MinAge, cfg.MaxAge = def.MinAge, def.MaxAge
	}

	return &Generator{
		cfg:  cfg,
		seed: seed,
		now:  time.Now,
	}
}

// Generate returns Records transactions with IDs 1..Records and dates
// evenly spaced from EndDate-Days to EndDate.
func (g *Generator) Generate() []*domain.Transaction {
	rng := rand.New(rand.NewPCG(g.seed, 0x6b657374726531))

	end := g.cfg.EndDate
	if end.IsZero() {
		end = g.now().UTC().Truncate(time.Second)
	}
	start := end.AddDate(0, 0, -g.cfg.Days)

	n := g.cfg.Records
	var step time.Duration
	if n > 1 {
		step = end.Sub(start) / time.Duration(n-1)
	}

	txs := make([]*domain.Transaction, n)
	for i := range n {
		txs[i] = &domain.Transaction{
			ID:                  int64(i + 1),
			Date:                start.Add(time.Duration(i) * step),
			Country:             pick(rng, domain.Countries),
			Amount:              g.amount(rng),
			VerificationMethod:  pick(rng, domain.VerificationMethods),
			VerificationSuccess: domain.Bool(rng.Float64() < g.cfg.VerificationSuccessRate),
			FraudFlag:           domain.Bool(rng.Float64() < g.cfg.FraudRate),
			UserAge:             g.cfg.MinAge + rng.IntN(g.cfg.MaxAge-g.cfg.MinAge+1),
			UserGender:          pick(rng, domain.Genders),
			DeviceType:          pick(rng, domain.DeviceTypes),
		}
	}
	return txs
}

// amount draws uniformly from [AmountMin, AmountMax] and rounds to cents.
// Rounding never produces a value below AmountMin.
func (g *Generator) amount(rng *rand.Rand) float64 {
	raw := g.cfg.AmountMin + rng.Float64()*(g.cfg.AmountMax-g.cfg.AmountMin)
	v, _ := decimal.NewFromFloat(raw).Round(2).Float64()
	if v < g.cfg.AmountMin {
		v = g.cfg.AmountMin
	}
	return v
}

func pick(rng *rand.Rand, values []string) string {
	return values[rng.IntN(len(values))]
}
