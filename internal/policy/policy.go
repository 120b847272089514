// Package policy implements the autoscaling policy engine: CRUD over
// named rule sets, the single-active invariant, and the convergence
// pass that resizes the fleet when a policy is applied.
package policy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gpuenteallott/pod/internal/fleet"
	"github.com/gpuenteallott/pod/internal/store"
	"github.com/gpuenteallott/pod/pkg/types"
)

// rulePattern matches one "name=value" pair.
var rulePattern = regexp.MustCompile(`^[ 0-9a-zA-Z]+=[ 0-9a-zA-Z]+$`)

// Engine manages autoscaling policies. At most one policy is active at
// a time; the engine enforces this, not the store.
type Engine struct {
	store          store.Store
	fleet          *fleet.Controller
	defaultMaxWait int64
	log            *zap.Logger
}

// NewEngine creates a policy engine.
func NewEngine(st store.Store, fc *fleet.Controller, defaultMaxWait int64, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: st, fleet: fc, defaultMaxWait: defaultMaxWait, log: log}
}

// ParseRules parses a comma-separated "name=value" list. Every pair
// must match the rule pattern and at least one rule is required.
func ParseRules(rules string) (map[string]string, error) {
	pairs := strings.Split(rules, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if !rulePattern.MatchString(pair) {
			return nil, fmt.Errorf("invalid rule: %q", pair)
		}
		name, value, _ := strings.Cut(pair, "=")
		out[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one rule is required")
	}
	return out, nil
}

// RuleInt reads an integer rule, returning fallback when absent or
// malformed.
func RuleInt(rules map[string]string, name string, fallback int64) int64 {
	v, ok := rules[name]
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// NewPolicy validates and stores a policy. When the rule set carries
// neither fixedWorkers nor maxWait, a default maxWait is injected.
func (e *Engine) NewPolicy(ctx context.Context, name, rules string) (*types.Policy, error) {
	if name == "" {
		return nil, errors.New("policy name is required")
	}
	parsed, err := ParseRules(rules)
	if err != nil {
		return nil, err
	}
	if _, fixed := parsed[types.RuleFixedWorkers]; !fixed {
		if _, hasWait := parsed[types.RuleMaxWait]; !hasWait {
			rules = fmt.Sprintf("%s,%s=%d", rules, types.RuleMaxWait, e.defaultMaxWait)
		}
	}

	p := &types.Policy{Name: name, Rules: rules}
	if _, err := e.store.InsertPolicy(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("policy %s already exists", name)
		}
		return nil, err
	}
	return p, nil
}

// DeletePolicy removes a policy by name.
func (e *Engine) DeletePolicy(ctx context.Context, name string) error {
	deleted, err := e.store.DeletePolicyByName(ctx, name)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("policy %s doesn't exist", name)
	}
	return nil
}

// ApplyPolicy activates the named policy, deactivates the previously
// active one, and launches a fleet convergence pass in the background.
// A failure to deactivate the previous policy is surfaced even though
// the activation already succeeded.
func (e *Engine) ApplyPolicy(ctx context.Context, name string) (*types.Policy, error) {
	p, err := e.store.PolicyByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("policy %s doesn't exist", name)
	}

	previous, err := e.store.ActivePolicy(ctx)
	if err != nil {
		return nil, err
	}

	p.Active = true
	if err := e.store.UpdatePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("activate policy %s: %w", name, err)
	}

	if previous != nil && previous.ID != p.ID {
		previous.Active = false
		if err := e.store.UpdatePolicy(ctx, previous); err != nil {
			return nil, fmt.Errorf("deactivate policy %s: %w", previous.Name, err)
		}
	}

	go e.converge(context.Background(), p)

	return p, nil
}

// Reset clears the active flag from every policy.
func (e *Engine) Reset(ctx context.Context) error {
	return e.store.DeactivatePolicies(ctx)
}

// Active returns the currently active policy, or nil.
func (e *Engine) Active(ctx context.Context) (*types.Policy, error) {
	return e.store.ActivePolicy(ctx)
}

// Policies lists every stored policy.
func (e *Engine) Policies(ctx context.Context) ([]*types.Policy, error) {
	return e.store.Policies(ctx)
}

// WorkerBounds derives the min/max worker counts from a policy's rule
// set. fixedWorkers pins both; otherwise minWorkers/maxWorkers apply,
// each defaulting to 1.
func WorkerBounds(p *types.Policy) (min, max int64) {
	rules, err := ParseRules(p.Rules)
	if err != nil {
		return 1, 1
	}
	if fixed, ok := rules[types.RuleFixedWorkers]; ok {
		n, err := strconv.ParseInt(fixed, 10, 64)
		if err != nil || n < 1 {
			n = 1
		}
		return n, n
	}
	min = RuleInt(rules, types.RuleMinWorkers, 1)
	max = RuleInt(rules, types.RuleMaxWorkers, 1)
	return min, max
}

// converge resizes the fleet toward the policy's worker bounds. It
// runs on a detached task; failures are logged, no caller waits.
func (e *Engine) converge(ctx context.Context, p *types.Policy) {
	min, max := WorkerBounds(p)
	count, err := e.store.CountWorkers(ctx)
	if err != nil {
		e.log.Error("policy convergence: count workers", zap.Error(err))
		return
	}

	switch {
	case int64(count) < min:
		if err := e.fleet.Deploy(ctx, int(min-int64(count))); err != nil {
			e.log.Error("policy convergence: deploy", zap.String("policy", p.Name), zap.Error(err))
		}
	case int64(count) > max:
		if err := e.fleet.Shrink(ctx, int(int64(count)-max)); err != nil {
			e.log.Error("policy convergence: shrink", zap.String("policy", p.Name), zap.Error(err))
		}
	}
}
