// Package experiment implements deterministic feature-toggle evaluation:
// percentage rollouts, eligibility conditions, weighted variants, and the
// active-experiments report.
package experiment

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/matcha-dating/matcha/internal/bucket"
)

var ErrInvalidToggle = errors.New("invalid toggle definition")

type compiledToggle struct {
	FeatureToggle
	program cel.Program
}

// snapshot is immutable once installed; readers load it with a single
// atomic pointer read and never observe a partial update.
type snapshot struct {
	order   []string
	toggles map[string]*compiledToggle
}

var emptySnapshot = &snapshot{toggles: map[string]*compiledToggle{}}

type Registry struct {
	env  *cel.Env
	snap atomic.Pointer[snapshot]
}

func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("user", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}

	registry := &Registry{env: env}
	registry.snap.Store(emptySnapshot)

	return registry, nil
}

// ReplaceSnapshot validates and atomically installs a complete toggle set.
// Any invalid toggle rejects the whole batch and the previous snapshot
// stays in place.
func (r *Registry) ReplaceSnapshot(toggles []FeatureToggle) error {
	next := &snapshot{
		order:   make([]string, 0, len(toggles)),
		toggles: make(map[string]*compiledToggle, len(toggles)),
	}

	for _, toggle := range toggles {
		compiled, err := r.compileToggle(toggle)
		if err != nil {
			return err
		}
		if _, exists := next.toggles[toggle.ID]; exists {
			return fmt.Errorf("%w: duplicate toggle id %q", ErrInvalidToggle, toggle.ID)
		}

		next.order = append(next.order, toggle.ID)
		next.toggles[toggle.ID] = compiled
	}

	r.snap.Store(next)

	return nil
}

// Validate checks a single toggle definition without installing it.
func (r *Registry) Validate(toggle FeatureToggle) error {
	_, err := r.compileToggle(toggle)
	return err
}

func (r *Registry) Get(toggleID string) (FeatureToggle, bool) {
	toggle, ok := r.snap.Load().toggles[toggleID]
	if !ok {
		return FeatureToggle{}, false
	}

	return toggle.FeatureToggle, true
}

func (r *Registry) List() []FeatureToggle {
	snap := r.snap.Load()

	toggles := make([]FeatureToggle, 0, len(snap.order))
	for _, id := range snap.order {
		toggles = append(toggles, snap.toggles[id].FeatureToggle)
	}

	return toggles
}

// IsEnabled reports whether the toggle is on for the user at the supplied
// time. Unknown toggles are treated as disabled, never as an error.
func (r *Registry) IsEnabled(toggleID string, user UserContext, now time.Time) bool {
	toggle, ok := r.snap.Load().toggles[toggleID]
	if !ok {
		return false
	}

	return toggle.enabledFor(user, now)
}

func (t *compiledToggle) enabledFor(user UserContext, now time.Time) bool {
	if !t.Enabled || !t.windowContains(now) || !t.eligible(user) {
		return false
	}

	return bucket.Position(t.ID, user.ID) < t.RolloutPercentage
}

// windowContains treats both endpoints as inclusive; a missing endpoint
// leaves that side of the window open.
func (t *compiledToggle) windowContains(now time.Time) bool {
	if t.StartDate != nil && now.Before(*t.StartDate) {
		return false
	}
	if t.EndDate != nil && now.After(*t.EndDate) {
		return false
	}

	return true
}

func (t *compiledToggle) eligible(user UserContext) bool {
	if !conditionsMatch(t.Conditions, user.Attributes) {
		return false
	}
	if t.program == nil {
		return true
	}

	out, _, err := t.program.Eval(map[string]any{"user": user.expressionVars()})
	if err != nil {
		// An expression that cannot be evaluated against this context
		// fails closed, same as a missing condition attribute.
		return false
	}

	result, ok := out.(types.Bool)

	return ok && bool(result)
}

func (r *Registry) compileToggle(toggle FeatureToggle) (*compiledToggle, error) {
	if strings.TrimSpace(toggle.ID) == "" {
		return nil, fmt.Errorf("%w: toggle id is required", ErrInvalidToggle)
	}
	if toggle.RolloutPercentage < 0 || toggle.RolloutPercentage > 100 {
		return nil, fmt.Errorf("%w: toggle %q rollout percentage %d outside [0,100]", ErrInvalidToggle, toggle.ID, toggle.RolloutPercentage)
	}
	if toggle.StartDate != nil && toggle.EndDate != nil && toggle.EndDate.Before(*toggle.StartDate) {
		return nil, fmt.Errorf("%w: toggle %q validity window ends before it starts", ErrInvalidToggle, toggle.ID)
	}

	seen := make(map[string]struct{}, len(toggle.Variants))
	for _, variant := range toggle.Variants {
		if strings.TrimSpace(variant.Name) == "" {
			return nil, fmt.Errorf("%w: toggle %q has a variant with no name", ErrInvalidToggle, toggle.ID)
		}
		if variant.Weight <= 0 {
			return nil, fmt.Errorf("%w: toggle %q variant %q weight %v must be positive", ErrInvalidToggle, toggle.ID, variant.Name, variant.Weight)
		}
		if _, dup := seen[variant.Name]; dup {
			return nil, fmt.Errorf("%w: toggle %q duplicate variant %q", ErrInvalidToggle, toggle.ID, variant.Name)
		}
		seen[variant.Name] = struct{}{}
	}

	compiled := &compiledToggle{FeatureToggle: toggle}
	if strings.TrimSpace(toggle.Expression) != "" {
		program, err := r.compileExpression(toggle.ID, toggle.Expression)
		if err != nil {
			return nil, err
		}
		compiled.program = program
	}

	return compiled, nil
}

func (r *Registry) compileExpression(toggleID, expression string) (cel.Program, error) {
	ast, issues := r.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: toggle %q expression: %v", ErrInvalidToggle, toggleID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: toggle %q expression must return bool, got %s", ErrInvalidToggle, toggleID, ast.OutputType())
	}

	program, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: toggle %q expression: %v", ErrInvalidToggle, toggleID, err)
	}

	return program, nil
}

// expressionVars exposes the context to eligibility expressions as a single
// map so `user.id` and every attribute resolve uniformly.
func (u UserContext) expressionVars() map[string]any {
	vars := make(map[string]any, len(u.Attributes)+1)
	for key, value := range u.Attributes {
		vars[key] = value
	}
	vars["id"] = u.ID

	return vars
}
