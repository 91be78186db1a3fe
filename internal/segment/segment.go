// Package segment filters transactions with CEL predicates.
package segment

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// chunkSize is the number of rows one worker evaluates per task.
const chunkSize = 4096

// DefaultMaxCompiled bounds the predicate cache of NewEngine.
const DefaultMaxCompiled = 256

// Engine compiles and caches segment predicates. The cache keeps the
// most recently used maxCompiled expressions.
type Engine struct {
	mu          sync.Mutex
	env         *cel.Env
	compiled    map[string]*list.Element
	order       *list.List
	maxCompiled int
	maxWorkers  int
}

// Predicate is a compiled boolean CEL expression over one transaction.
type Predicate struct {
	Expression string
	program    cel.Program
}

// NewEngine creates a segment engine caching up to DefaultMaxCompiled
// predicates.
func NewEngine(maxWorkers int) (*Engine, error) {
	return NewEngineWithLimit(maxWorkers, DefaultMaxCompiled)
}

// NewEngineWithLimit creates a segment engine caching up to maxCompiled
// predicates.
func NewEngineWithLimit(maxWorkers, maxCompiled int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if maxCompiled <= 0 {
		maxCompiled = DefaultMaxCompiled
	}

	// Null flags bind as false; has_* tells them apart from a real false.
	env, err := cel.NewEnv(
		cel.Variable("transaction_id", cel.IntType),
		cel.Variable("country", cel.StringType),
		cel.Variable("transaction_amount", cel.DoubleType),
		cel.Variable("verification_method", cel.StringType),
		cel.Variable("verification_success", cel.BoolType),
		cel.Variable("has_verification_success", cel.BoolType),
		cel.Variable("fraud_flag", cel.BoolType),
		cel.Variable("has_fraud_flag", cel.BoolType),
		cel.Variable("user_age", cel.IntType),
		cel.Variable("user_gender", cel.StringType),
		cel.Variable("device_type", cel.StringType),
		cel.Variable("date", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:         env,
		compiled:    make(map[string]*list.Element),
		order:       list.New(),
		maxCompiled: maxCompiled,
		maxWorkers:  maxWorkers,
	}, nil
}

// Compile returns the predicate for expr, compiling it on first use.
// Expressions that fail to compile or do not return bool yield a
// *domain.SchemaError.
func (e *Engine) Compile(expr string) (*Predicate, error) {
	e.mu.Lock()
	if elem, ok := e.compiled[expr]; ok {
		e.order.MoveToFront(elem)
		e.mu.Unlock()
		return elem.Value.(*Predicate), nil
	}
	e.mu.Unlock()

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, &domain.SchemaError{Value: expr, Reason: "invalid segment expression", Err: issues.Err()}
	}
	if ast.OutputType() != cel.BoolType {
		return nil, &domain.SchemaError{Value: expr, Reason: fmt.Sprintf("segment expression must return bool, got %s", ast.OutputType())}
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for segment: %w", err)
	}

	p := &Predicate{Expression: expr, program: program}

	e.mu.Lock()
	defer e.mu.Unlock()
	if elem, ok := e.compiled[expr]; ok {
		e.order.MoveToFront(elem)
		return elem.Value.(*Predicate), nil
	}
	e.compiled[expr] = e.order.PushFront(p)
	for e.order.Len() > e.maxCompiled {
		oldest := e.order.Back()
		e.order.Remove(oldest)
		delete(e.compiled, oldest.Value.(*Predicate).Expression)
	}

	return p, nil
}

// Match evaluates the predicate against one transaction.
func (p *Predicate) Match(tx *domain.Transaction) (bool, error) {
	out, _, err := p.program.Eval(activation(tx))
	if err != nil {
		return false, &domain.SchemaError{Value: p.Expression, Reason: fmt.Sprintf("evaluation failed on transaction %d", tx.ID), Err: err}
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, &domain.SchemaError{Value: p.Expression, Reason: "segment expression did not return bool"}
	}
	return bool(b), nil
}

// Filter returns the transactions matching p, in input order. Rows are
// evaluated in parallel chunks; the first evaluation error aborts.
func (e *Engine) Filter(ctx context.Context, p *Predicate, txs []*domain.Transaction) ([]*domain.Transaction, error) {
	if p == nil {
		return txs, nil
	}

	chunks := (len(txs) + chunkSize - 1) / chunkSize
	matched := make([][]*domain.Transaction, chunks)
	errs := make([]error, chunks)

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for c := 0; c < chunks; c++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				return
			}

			start := idx * chunkSize
			end := min(start+chunkSize, len(txs))
			for _, tx := range txs[start:end] {
				ok, err := p.Match(tx)
				if err != nil {
					errs[idx] = err
					return
				}
				if ok {
					matched[idx] = append(matched[idx], tx)
				}
			}
		}(c)
	}

	wg.Wait()

	var out []*domain.Transaction
	for i := range matched {
		if errs[i] != nil {
			return nil, errs[i]
		}
		out = append(out, matched[i]...)
	}
	return out, nil
}

// CompiledCount returns the number of cached predicates.
func (e *Engine) CompiledCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.compiled)
}

func activation(tx *domain.Transaction) map[string]any {
	date := tx.Date.UTC()
	return map[string]any{
		"transaction_id":           tx.ID,
		"country":                  tx.Country,
		"transaction_amount":       tx.Amount,
		"verification_method":      tx.VerificationMethod,
		"verification_success":     tx.VerificationSuccess != nil && *tx.VerificationSuccess,
		"has_verification_success": tx.VerificationSuccess != nil,
		"fraud_flag":               tx.FraudFlag != nil && *tx.FraudFlag,
		"has_fraud_flag":           tx.FraudFlag != nil,
		"user_age":                 int64(tx.UserAge),
		"user_gender":              tx.UserGender,
		"device_type":              tx.DeviceType,
		"date":                     date.Format("2006-01-02"),
		"hour":                     int64(date.Hour()),
		"weekday":                  date.Weekday().String(),
	}
}
