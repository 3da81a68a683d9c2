// Package rules provides the CEL-Go based typology rule engine.
package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/sarflow/internal/domain"
)

// Engine evaluates typology rules against a decision dataset.
// Rules run in the order they were loaded.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules []*CompiledRule
	now           func() time.Time
}

// CompiledRule holds a pre-compiled CEL program and the function that
// describes why it fired.
type CompiledRule struct {
	Config   *domain.RuleConfig
	Program  cel.Program
	Describe EvidenceFunc
}

// EvidenceFunc renders the evidence lines for a triggered rule.
type EvidenceFunc func(f *Facts) []string

// Evaluation is the result of running every loaded rule once.
type Evaluation struct {
	Blocks []domain.EvidenceBlock `json:"evidence_blocks"`

	// ConfidenceSum is the uncapped sum of triggered confidences. It is
	// recorded with the case but does not feed the risk score.
	ConfidenceSum float64 `json:"confidence_sum"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for TriggeredAt.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(opts ...Option) (*Engine, error) {
	// Create CEL environment with dataset variables
	env, err := cel.NewEnv(
		cel.Variable("transaction_count", cel.IntType),
		cel.Variable("small_txn_count", cel.IntType),
		cel.Variable("period_days", cel.DoubleType),
		cel.Variable("total_amount", cel.DoubleType),
		cel.Variable("average_amount", cel.DoubleType),
		cel.Variable("unique_counterparties", cel.IntType),
		cel.Variable("has_flow", cel.BoolType),
		cel.Variable("rapid_delta_hours", cel.DoubleType),
		cel.Variable("high_risk_count", cel.IntType),
		cel.Variable("risk_rating", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{
		env: env,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewDefaultEngine creates an engine with the built-in typology rules loaded.
func NewDefaultEngine(opts ...Option) (*Engine, error) {
	e, err := NewEngine(opts...)
	if err != nil {
		return nil, err
	}
	if err := e.LoadRules(BuiltinRules()); err != nil {
		return nil, err
	}
	return e, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles a rule and appends it to the engine. Loading a rule with
// an id that is already present replaces it in place.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	for i, existing := range e.compiledRules {
		if existing.Config.ID == cfg.ID {
			e.compiledRules[i] = compiled
			return nil
		}
	}
	e.compiledRules = append(e.compiledRules, compiled)

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Evaluate runs every loaded rule against the dataset. Each rule yields at
// most one evidence block.
func (e *Engine) Evaluate(ctx context.Context, ds *domain.DecisionDataset) (*Evaluation, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, len(e.compiledRules))
	copy(rules, e.compiledRules)
	e.mu.RUnlock()

	facts := DeriveFacts(ds)
	activation := facts.Activation()
	triggeredAt := e.now()

	result := &Evaluation{Blocks: []domain.EvidenceBlock{}}
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fired, err := evaluateRule(rule, activation)
		if err != nil {
			return nil, err
		}
		if !fired {
			continue
		}

		result.Blocks = append(result.Blocks, domain.EvidenceBlock{
			RuleID:          rule.Config.ID,
			RuleName:        rule.Config.Name,
			ConfidenceScore: rule.Config.Confidence,
			Evidence:        rule.Describe(facts),
			TriggeredAt:     triggeredAt,
			RuleVersion:     rule.Config.Version,
		})
		result.ConfidenceSum += rule.Config.Confidence
	}

	return result, nil
}

// evaluateRule runs a single compiled predicate.
func evaluateRule(rule *CompiledRule, activation map[string]any) (bool, error) {
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("rule %s: evaluation error: %w", rule.Config.ID, err)
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expected bool result, got %v", rule.Config.ID, out.Type())
	}
	return bool(b), nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make([]*CompiledRule, 0, len(configs))

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules = append(newRules, compiled)
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations in order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	describe, ok := evidenceBuilders[cfg.ID]
	if !ok {
		describe = genericEvidence(cfg)
	}

	return &CompiledRule{
		Config:   cfg,
		Program:  program,
		Describe: describe,
	}, nil
}
