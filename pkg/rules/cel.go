package rules

import (
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/chainpilot/chainpilot/pkg/contracts"
)

// celCompiler compiles and caches expression-rule predicates. Available
// variables: amount_wei (decimal string), amount_eth (double), destination
// (lower-case 0x-hex string), principal (string), hour (int, UTC).
type celCompiler struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program // keyed by source
}

func newCELCompiler() (*celCompiler, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("amount_wei", types.StringType),
			decls.NewVariable("amount_eth", types.DoubleType),
			decls.NewVariable("destination", types.StringType),
			decls.NewVariable("principal", types.StringType),
			decls.NewVariable("hour", types.IntType),
		),
	)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrInvariant, "cel environment: %v", err)
	}
	return &celCompiler{env: env, programs: make(map[string]cel.Program)}, nil
}

// compile builds (or returns the cached) program for source. Compilation
// failures surface as validation errors at rule creation time.
func (c *celCompiler) compile(source string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, contracts.Errorf(contracts.ErrValidation, "expression does not compile: %v", issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrValidation, "expression program: %v", err)
	}

	c.mu.Lock()
	c.programs[source] = prg
	c.mu.Unlock()
	return prg, nil
}

// eval runs the predicate against the candidate transaction. Non-boolean
// results fail the rule.
func (c *celCompiler) eval(source string, req *contracts.TransactionRequest, now time.Time) (bool, error) {
	prg, err := c.compile(source)
	if err != nil {
		return false, err
	}

	eth, _ := new(big.Float).Quo(
		new(big.Float).SetInt(req.ValueWei),
		big.NewFloat(1e18),
	).Float64()

	out, _, err := prg.Eval(map[string]any{
		"amount_wei":  req.ValueWei.String(),
		"amount_eth":  eth,
		"destination": strings.ToLower(req.To.Hex()),
		"principal":   string(req.Principal),
		"hour":        now.UTC().Hour(),
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, contracts.Errorf(contracts.ErrValidation, "expression result is not a boolean")
	}
	return allowed, nil
}
