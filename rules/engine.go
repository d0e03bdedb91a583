package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// costLimit bounds a single expression evaluation
const costLimit = 1000000

// Engine compiles stored definitions into CEL programs and keeps them ready
// for rule groups built from the same store
type Engine struct {
	env      *cel.Env
	store    DefinitionStore
	cache    DefinitionCache
	programs map[string]cel.Program // definition ID -> compiled program
	mu       sync.RWMutex
}

// NewEnv creates the CEL environment rule expressions are checked against.
// Expressions see the committed state as `state`, the proposed state as
// `next` and the guarded call's arguments as `args`
func NewEnv(opts ...cel.EnvOption) (*cel.Env, error) {
	base := []cel.EnvOption{
		cel.Variable("state", cel.DynType),
		cel.Variable("next", cel.DynType),
		cel.Variable("args", cel.ListType(cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	}
	env, err := cel.NewEnv(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// NewEngine creates an engine with the default environment
func NewEngine(store DefinitionStore) (*Engine, error) {
	env, err := NewEnv()
	if err != nil {
		return nil, err
	}
	return NewEngineWithEnv(env, store)
}

// NewEngineWithEnv creates an engine with a custom environment, such as one
// declaring schema fields. All active definitions are compiled up front
func NewEngineWithEnv(env *cel.Env, store DefinitionStore) (*Engine, error) {
	en := &Engine{
		env:      env,
		store:    store,
		cache:    NewInMemoryDefinitionCache(DefaultCacheConfig()),
		programs: make(map[string]cel.Program),
	}

	if err := en.CompileAllRules(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	return en, nil
}

// CompileRule compiles and type-checks expression, caching the program under ruleID
func (en *Engine) CompileRule(ruleID, expression string) error {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return fmt.Errorf("compile error: expression must evaluate to bool, got %s", out)
	}

	prog, err := en.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(costLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}

	en.mu.Lock()
	en.programs[ruleID] = prog
	en.mu.Unlock()

	return nil
}

// Store returns the definition store the engine compiles from
func (en *Engine) Store() DefinitionStore {
	return en.store
}

func (en *Engine) program(ruleID string) (cel.Program, bool) {
	en.mu.RLock()
	defer en.mu.RUnlock()
	prog, ok := en.programs[ruleID]
	return prog, ok
}

// Evaluate runs one definition against vars. Non-boolean results count as not passed
func (en *Engine) Evaluate(ctx context.Context, ruleID string, vars map[string]any) (*EvaluationResult, error) {
	def, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}

	prog, exists := en.program(ruleID)
	if !exists {
		return nil, fmt.Errorf("rule %s is not compiled", ruleID)
	}

	return evaluate(ctx, prog, def, vars), nil
}

func evaluate(ctx context.Context, prog cel.Program, def *Definition, vars map[string]any) *EvaluationResult {
	out, details, err := prog.ContextEval(ctx, vars)
	if err != nil {
		return &EvaluationResult{
			RuleID:   def.ID,
			RuleName: def.Name,
			Error:    err,
		}
	}

	passed := false
	if boolVal, ok := out.Value().(bool); ok {
		passed = boolVal
	}

	return &EvaluationResult{
		RuleID:   def.ID,
		RuleName: def.Name,
		Passed:   passed,
		Trace:    details.State(),
	}
}

// CompileAllRules compiles every active definition and refreshes the cache
func (en *Engine) CompileAllRules() error {
	defs, err := en.store.ListActive()
	if err != nil {
		return err
	}

	for _, def := range defs {
		if err := en.CompileRule(def.ID, def.Expression); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", def.ID, err)
		}
	}

	en.cache.Set(defs)

	return nil
}

// AddRule validates, compiles and stores a new definition
func (en *Engine) AddRule(def *Definition) error {
	if _, err := en.store.Get(def.ID); err == nil {
		return fmt.Errorf("rule with ID %s already exists", def.ID)
	}

	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.CompileRule(def.ID, def.Expression); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Add(def); err != nil {
		// the program must not outlive a definition that was never stored
		en.mu.Lock()
		delete(en.programs, def.ID)
		en.mu.Unlock()
		return err
	}

	en.cache.Invalidate()

	return nil
}

// UpdateRule recompiles and stores an existing definition
func (en *Engine) UpdateRule(def *Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.CompileRule(def.ID, def.Expression); err != nil {
		return fmt.Errorf("rule validation failed: %w", err)
	}

	if err := en.store.Update(def); err != nil {
		return err
	}

	en.cache.Invalidate()

	return nil
}

// DeleteRule removes a definition and its program
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}

	en.mu.Lock()
	delete(en.programs, ruleID)
	en.mu.Unlock()

	en.cache.Invalidate()

	return nil
}

// ActiveDefinitions returns the active definitions, from cache when possible
func (en *Engine) ActiveDefinitions() ([]*Definition, error) {
	defs := en.cache.Get()
	if defs != nil {
		return defs, nil
	}

	defs, err := en.store.ListActive()
	if err != nil {
		return nil, err
	}
	en.cache.Set(defs)
	return defs, nil
}

// EvaluateAll evaluates every active definition against vars; a failing
// definition is reported in its result and does not stop the others
func (en *Engine) EvaluateAll(ctx context.Context, vars map[string]any) ([]*EvaluationResult, error) {
	defs, err := en.ActiveDefinitions()
	if err != nil {
		return nil, err
	}

	results := make([]*EvaluationResult, 0, len(defs))
	for _, def := range defs {
		prog, exists := en.program(def.ID)
		if !exists {
			results = append(results, &EvaluationResult{
				RuleID:   def.ID,
				RuleName: def.Name,
				Error:    fmt.Errorf("rule %s is not compiled", def.ID),
			})
			continue
		}
		results = append(results, evaluate(ctx, prog, def, vars))
	}

	return results, nil
}

func validateDefinition(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if def.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	phase, err := ParsePhase(string(def.Phase))
	if err != nil {
		return err
	}
	def.Phase = phase
	return nil
}
