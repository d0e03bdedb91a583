package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/simplestore/internal/logger"
)

// Guarded is the object a pipeline protects. store.Container satisfies it,
// and so does any type embedding one
type Guarded[T any] interface {
	Owner[T]

	// Commit publishes next, or hands it to the armed before-commit hook
	Commit(ctx context.Context, next T) error

	// Acquire serializes guarded calls; the returned func releases it
	Acquire() (release func())

	// Arm installs the single before-commit hook for commits made under the
	// returned context; the returned func clears it
	Arm(ctx context.Context, hook func(ctx context.Context, old, next T) error) (bound context.Context, release func())

	// Disarm clears any armed hook
	Disarm()
}

// MethodFunc is a state-mutating method body. It commits through the guarded
// object and does not need to know which rules run around it
type MethodFunc func(ctx context.Context, args ...any) error

// Option configures a Pipeline
type Option func(*options)

type options struct {
	timeout time.Duration
	strict  bool
}

// WithRuleTimeout bounds each phase's rule sequence. A sequence that runs out
// of time fails with context.DeadlineExceeded as its reason
func WithRuleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithStrictFilters makes a call fail with ErrUnknownRule when a filter names
// a rule its group does not contain. By default such entries are ignored
func WithStrictFilters() Option {
	return func(o *options) {
		o.strict = true
	}
}

// Pipeline runs rule groups around calls that mutate a guarded object
type Pipeline[T any] struct {
	target Guarded[T]
	groups []GroupDescriptor[T]
	opts   options
}

// New creates a pipeline guarding target with the given groups. Groups run in
// the order given
func New[T any](target Guarded[T], groups []GroupDescriptor[T], opts ...Option) *Pipeline[T] {
	p := &Pipeline[T]{
		target: target,
		groups: groups,
	}
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p
}

// WithRules wraps method so every call runs through a pipeline over groups
func WithRules[T any](target Guarded[T], groups []GroupDescriptor[T], method MethodFunc, opts ...Option) MethodFunc {
	return New(target, groups, opts...).Wrap(method)
}

// Wrap returns method guarded by the pipeline
func (p *Pipeline[T]) Wrap(method MethodFunc) MethodFunc {
	return func(ctx context.Context, args ...any) error {
		return p.Call(ctx, method, args...)
	}
}

// Plan resolves every group and splits the result by phase, keeping the
// order within each group and the order of the groups
func (p *Pipeline[T]) Plan() (method, state []Resolved[T], err error) {
	for _, gd := range p.groups {
		if p.opts.strict {
			if err := gd.Validate(); err != nil {
				return nil, nil, err
			}
		}
		for _, r := range gd.Resolve() {
			if r.Rule == nil || r.Rule.Fn == nil {
				return nil, nil, fmt.Errorf("rule %q has no function", r.Name)
			}
			switch r.Phase {
			case PhaseMethod:
				method = append(method, r)
			default:
				state = append(state, r)
			}
		}
	}
	return method, state, nil
}

// Call runs method under the pipeline.
//
// Method phase rules run first, each seeing the current state as both old
// and next since the next state is not known before the body runs. A
// rejection returns a *RuleError and the body never runs. Otherwise, if state
// phase rules exist, a before-commit hook is armed for the duration of the
// call; the body's commit then runs the state rules against (old, next) and
// either publishes next or re-commits old. A state rejection is returned from
// that Commit and from Call
func (p *Pipeline[T]) Call(ctx context.Context, method MethodFunc, args ...any) error {
	release := p.target.Acquire()
	defer release()

	// a hook left behind by anyone else must never see this call's commit
	p.target.Disarm()

	methodRules, stateRules, err := p.Plan()
	if err != nil {
		return err
	}

	callID := uuid.NewString()

	if len(methodRules) > 0 {
		current := p.target.State()
		if err := p.run(ctx, callID, PhaseMethod, methodRules, current, current, args); err != nil {
			logger.MethodRejections.Add(1)
			logger.Warn("method rule rejected call", "call_id", callID, "error", err)
			return err
		}
	}

	if len(stateRules) == 0 {
		return method(ctx, args...)
	}

	var stateErr error
	bound, disarm := p.target.Arm(ctx, func(hctx context.Context, old, next T) error {
		if err := p.run(hctx, callID, PhaseState, stateRules, old, next, args); err != nil {
			stateErr = err
			logger.StateRejections.Add(1)
			logger.Warn("state rule rejected commit, rolling back", "call_id", callID, "error", err)

			logger.Rollbacks.Add(1)
			if cerr := p.target.Commit(context.WithoutCancel(hctx), old); cerr != nil {
				stateErr = errors.Join(err, fmt.Errorf("rollback failed: %w", cerr))
			}
			return stateErr
		}
		return p.target.Commit(hctx, next)
	})
	defer disarm()

	bodyErr := method(bound, args...)
	if stateErr == nil || errors.Is(bodyErr, stateErr) {
		return bodyErr
	}
	if bodyErr == nil {
		return stateErr
	}
	return errors.Join(bodyErr, stateErr)
}

// run executes rules one after another; the first rejection stops the list
func (p *Pipeline[T]) run(ctx context.Context, callID string, phase Phase, list []Resolved[T], old, next T, args []any) error {
	if p.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.timeout)
		defer cancel()
	}

	for _, r := range list {
		if err := ctx.Err(); err != nil {
			return &RuleError{Phase: phase, Rule: r.Name, Err: err}
		}
		logger.Trace("running rule", "call_id", callID, "phase", string(phase), "rule", r.Name)
		if err := r.Rule.Fn(ctx, p.target, old, next, args); err != nil {
			return &RuleError{Phase: phase, Rule: r.Name, Err: err}
		}
	}
	return nil
}
