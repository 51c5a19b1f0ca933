package evaluator

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// patternCache holds compiled regex-match programs keyed by pattern.
// Patterns arrive from flag definitions, so cardinality is usually small,
// but the cache is bounded in case a definition set churns pathologically.
type patternCache struct {
	store *ristretto.Cache
}

func newPatternCache() (*patternCache, error) {
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &patternCache{store: store}, nil
}

// Match evaluates value against pattern. An invalid pattern returns an
// error, never a match.
func (p *patternCache) Match(value, pattern string) (bool, error) {
	program, err := p.program(pattern)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, map[string]any{"value": value})
	if err != nil {
		return false, err
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("pattern evaluation returned %T", out)
	}
	return matched, nil
}

func (p *patternCache) program(pattern string) (*vm.Program, error) {
	if cached, ok := p.store.Get(pattern); ok {
		return cached.(*vm.Program), nil
	}
	// The pattern is embedded as a constant so the regex compiles once at
	// program compile time; a bad pattern fails here.
	source := fmt.Sprintf("value matches %q", pattern)
	program, err := expr.Compile(source, expr.Env(map[string]any{"value": ""}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	p.store.Set(pattern, program, 1)
	return program, nil
}

func (p *patternCache) Close() {
	p.store.Close()
}
