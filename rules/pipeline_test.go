package rules

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/simplestore/store"
)

// counter is a minimal guarded store: its increment is a rule-guarded method
type counter struct {
	*store.Container[int]

	bodyRuns int
}

func (c *counter) incrementBody(ctx context.Context, args ...any) error {
	c.bodyRuns++
	by := 1
	if len(args) > 0 {
		by = args[0].(int)
	}
	return c.Commit(ctx, c.State()+by)
}

func newCounter(initial int) *counter {
	return &counter{Container: store.New(initial)}
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) rule(name string, fail error) *Rule[int] {
	return NewRule(name, func(ctx context.Context, owner Owner[int], old, next int, args []any) error {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
		return fail
	})
}

func (r *recorder) seen() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.calls, ",")
}

// TestStateRuleSuccessCommits verifies a passing state rule lets the new state through
func TestStateRuleSuccessCommits(t *testing.T) {
	c := newCounter(10)
	rec := &recorder{}
	increment := WithRules[int](c, []GroupDescriptor[int]{
		{Group: GroupOf(rec.rule("ok", nil))},
	}, c.incrementBody)

	if err := increment(context.Background()); err != nil {
		t.Fatalf("increment() failed: %v", err)
	}

	if got := c.State(); got != 11 {
		t.Errorf("State() = %d, want 11", got)
	}
	if c.HookArmed() {
		t.Error("hook should be unarmed after the call")
	}
	if rec.seen() != "ok" {
		t.Errorf("rules run = %q, want %q", rec.seen(), "ok")
	}
}

// TestStateRuleFailureRollsBack verifies a failing state rule keeps the old state and reports the reason
func TestStateRuleFailureRollsBack(t *testing.T) {
	c := newCounter(10)
	reason := errors.New("too big")
	rec := &recorder{}

	var published []int
	cancel := c.Subscribe(func(v int) { published = append(published, v) })
	defer cancel()

	increment := WithRules[int](c, []GroupDescriptor[int]{
		{Group: GroupOf(rec.rule("limit", reason))},
	}, c.incrementBody)

	err := increment(context.Background(), 5)
	if !errors.Is(err, ErrStateRejected) {
		t.Errorf("increment() error = %v, want ErrStateRejected", err)
	}
	if !errors.Is(err, reason) {
		t.Errorf("increment() error = %v, want it to wrap %v", err, reason)
	}

	var ruleErr *RuleError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("increment() error = %T, want *RuleError", err)
	}
	if ruleErr.Rule != "limit" || ruleErr.Phase != PhaseState {
		t.Errorf("RuleError = %+v, want rule limit in STATE phase", ruleErr)
	}

	if got := c.State(); got != 10 {
		t.Errorf("State() = %d, want 10 after rollback", got)
	}
	for _, v := range published {
		if v == 15 {
			t.Errorf("rejected state 15 was published: %v", published)
		}
	}
	if c.HookArmed() {
		t.Error("hook should be unarmed after the call")
	}
}

// TestStateRuleFailureSurfacedWhenBodyIgnoresCommitError verifies the rejection is not swallowed
func TestStateRuleFailureSurfacedWhenBodyIgnoresCommitError(t *testing.T) {
	c := newCounter(0)
	reason := errors.New("nope")
	rec := &recorder{}

	careless := func(ctx context.Context, args ...any) error {
		_ = c.Commit(ctx, 99)
		return nil
	}
	guarded := WithRules[int](c, []GroupDescriptor[int]{
		{Group: GroupOf(rec.rule("deny", reason))},
	}, careless)

	err := guarded(context.Background())
	if !errors.Is(err, reason) {
		t.Errorf("guarded() error = %v, want %v", err, reason)
	}
	if got := c.State(); got != 0 {
		t.Errorf("State() = %d, want 0", got)
	}
}

// TestBodyErrorJoinedWithStateRejection verifies both failures reach the caller
func TestBodyErrorJoinedWithStateRejection(t *testing.T) {
	c := newCounter(0)
	reason := errors.New("rule says no")
	bodyFailure := errors.New("body failed afterwards")
	rec := &recorder{}

	body := func(ctx context.Context, args ...any) error {
		_ = c.Commit(ctx, 1)
		return bodyFailure
	}
	guarded := WithRules[int](c, []GroupDescriptor[int]{
		{Group: GroupOf(rec.rule("deny", reason))},
	}, body)

	err := guarded(context.Background())
	if !errors.Is(err, reason) || !errors.Is(err, bodyFailure) {
		t.Errorf("guarded() error = %v, want both %v and %v", err, reason, bodyFailure)
	}
}

// TestStateRulesStopAtFirstFailure verifies rules after a failure never run and nothing intermediate is committed
func TestStateRulesStopAtFirstFailure(t *testing.T) {
	c := newCounter(3)
	rec := &recorder{}
	a := rec.rule("A", nil)
	b := rec.rule("B", errors.New("B failed"))
	cRule := rec.rule("C", nil)

	increment := WithRules[int](c, []GroupDescriptor[int]{
		{Group: GroupOf(a, b, cRule)},
	}, c.incrementBody)

	err := increment(context.Background())
	if err == nil {
		t.Fatal("increment() should fail")
	}
	if rec.seen() != "A,B" {
		t.Errorf("rules run = %q, want %q", rec.seen(), "A,B")
	}
	if got := c.State(); got != 3 {
		t.Errorf("State() = %d, want 3", got)
	}
}

// TestMethodRuleFailureSkipsBody verifies a method rejection stops the call before the body
func TestMethodRuleFailureSkipsBody(t *testing.T) {
	c := newCounter(1)
	reason := errors.New("locked")
	rec := &recorder{}
	guard := rec.rule("unlocked", reason)

	armedDuringRule := false
	probe := NewRule("probe", func(ctx context.Context, owner Owner[int], old, next int, args []any) error {
		armedDuringRule = c.HookArmed()
		return nil
	})

	increment := WithRules[int](c, []GroupDescriptor[int]{
		{
			Group:  GroupOf(probe, guard),
			Filter: &Filter[int]{Includes: []Descriptor[int]{Method(probe), Method(guard)}},
		},
	}, c.incrementBody)

	err := increment(context.Background())
	if !errors.Is(err, ErrMethodRejected) || !errors.Is(err, reason) {
		t.Errorf("increment() error = %v, want ErrMethodRejected wrapping %v", err, reason)
	}
	if c.bodyRuns != 0 {
		t.Errorf("body ran %d times, want 0", c.bodyRuns)
	}
	if got := c.State(); got != 1 {
		t.Errorf("State() = %d, want 1", got)
	}
	if armedDuringRule || c.HookArmed() {
		t.Error("no hook should be armed on the method rejection path")
	}
}

// TestMethodRulesSeeCurrentStateAndArgs verifies the values handed to method rules
func TestMethodRulesSeeCurrentStateAndArgs(t *testing.T) {
	c := newCounter(7)

	var gotOld, gotNext int
	var gotArgs []any
	var gotOwner Owner[int]
	check := NewRule("check", func(ctx context.Context, owner Owner[int], old, next int, args []any) error {
		gotOwner, gotOld, gotNext, gotArgs = owner, old, next, args
		return nil
	})

	increment := WithRules[int](c, []GroupDescriptor[int]{
		{Group: GroupOf(check), Filter: &Filter[int]{Includes: []Descriptor[int]{Method(check)}}},
	}, c.incrementBody)

	if err := increment(context.Background(), 2); err != nil {
		t.Fatalf("increment() failed: %v", err)
	}

	if gotOld != 7 || gotNext != 7 {
		t.Errorf("method rule saw (%d, %d), want (7, 7)", gotOld, gotNext)
	}
	if len(gotArgs) != 1 || gotArgs[0] != 2 {
		t.Errorf("method rule args = %v, want [2]", gotArgs)
	}
	if gotOwner != Owner[int](c) {
		t.Error("method rule should receive the guarded object as owner")
	}
	if got := c.State(); got != 9 {
		t.Errorf("State() = %d, want 9", got)
	}
}

// TestStateRulesSeeTransition verifies state rules receive old and proposed state
func TestStateRulesSeeTransition(t *testing.T) {
	c := newCounter(1)

	var gotOld, gotNext int
	check := NewRule("check", func(ctx context.Context, owner Owner[int], old, next int, args []any) error {
		gotOld, gotNext = old, next
		if owner.State() != old {
			t.Errorf("owner.State() = %d during state rule, want %d", owner.State(), old)
		}
		return nil
	})

	increment := WithRules[int](c, []GroupDescriptor[int]{{Group: GroupOf(check)}}, c.incrementBody)
	if err := increment(context.Background(), 4); err != nil {
		t.Fatalf("increment() failed: %v", err)
	}

	if gotOld != 1 || gotNext != 5 {
		t.Errorf("state rule saw (%d, %d), want (1, 5)", gotOld, gotNext)
	}
}

// TestPhasesAcrossGroupsKeepOrder verifies partitioning keeps group and per-group order
func TestPhasesAcrossGroupsKeepOrder(t *testing.T) {
	c := newCounter(0)
	rec := &recorder{}
	a1, a2 := rec.rule("a1", nil), rec.rule("a2", nil)
	b1, b2 := rec.rule("b1", nil), rec.rule("b2", nil)

	groups := []GroupDescriptor[int]{
		{Group: GroupOf(a1, a2), Filter: &Filter[int]{Includes: []Descriptor[int]{State(a2), Method(a1)}}},
		{Group: GroupOf(b1, b2), Filter: &Filter[int]{Includes: []Descriptor[int]{Method(b2), State(b1)}}},
	}

	p := New[int](c, groups)
	method, state, err := p.Plan()
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}
	if got := names(method); got != "a1,b2" {
		t.Errorf("method rules = %q, want %q", got, "a1,b2")
	}
	if got := names(state); got != "a2,b1" {
		t.Errorf("state rules = %q, want %q", got, "a2,b1")
	}

	if err := p.Call(context.Background(), c.incrementBody); err != nil {
		t.Fatalf("Call() failed: %v", err)
	}
	if rec.seen() != "a1,b2,a2,b1" {
		t.Errorf("execution order = %q, want %q", rec.seen(), "a1,b2,a2,b1")
	}
}

// TestOverlappingGroupsRunBothCopies verifies there is no de-duplication across groups
func TestOverlappingGroupsRunBothCopies(t *testing.T) {
	c := newCounter(0)
	rec := &recorder{}
	shared := rec.rule("shared", nil)

	increment := WithRules[int](c, []GroupDescriptor[int]{
		{Group: GroupOf(shared)},
		{Group: GroupOf(shared)},
	}, c.incrementBody)

	if err := increment(context.Background()); err != nil {
		t.Fatalf("increment() failed: %v", err)
	}
	if rec.seen() != "shared,shared" {
		t.Errorf("rules run = %q, want %q", rec.seen(), "shared,shared")
	}
}

// TestNoRulesLeavesHookUnarmed verifies the hook is only armed when state rules exist
func TestNoRulesLeavesHookUnarmed(t *testing.T) {
	c := newCounter(0)

	armed := false
	body := func(ctx context.Context, args ...any) error {
		armed = c.HookArmed()
		return c.Commit(ctx, 1)
	}

	if err := WithRules[int](c, nil, body)(context.Background()); err != nil {
		t.Fatalf("guarded() failed: %v", err)
	}
	if armed {
		t.Error("hook should not be armed when there are no state rules")
	}
	if c.State() != 1 {
		t.Errorf("State() = %d, want 1", c.State())
	}
}

// TestStaleHookClearedAtCallStart verifies a leftover hook never intercepts a later call
func TestStaleHookClearedAtCallStart(t *testing.T) {
	c := newCounter(0)

	staleFired := false
	_, _ = c.Arm(context.Background(), func(ctx context.Context, old, next int) error {
		staleFired = true
		return nil
	})

	if err := WithRules[int](c, nil, c.incrementBody)(context.Background()); err != nil {
		t.Fatalf("guarded() failed: %v", err)
	}
	if staleFired {
		t.Error("stale hook from before the call should have been cleared")
	}
	if c.State() != 1 {
		t.Errorf("State() = %d, want 1", c.State())
	}
}

// TestHookReleasedWhenBodyDoesNotCommit verifies the hook does not outlive the call
func TestHookReleasedWhenBodyDoesNotCommit(t *testing.T) {
	c := newCounter(0)
	rec := &recorder{}

	noop := func(ctx context.Context, args ...any) error { return nil }
	guarded := WithRules[int](c, []GroupDescriptor[int]{{Group: GroupOf(rec.rule("r", nil))}}, noop)

	if err := guarded(context.Background()); err != nil {
		t.Fatalf("guarded() failed: %v", err)
	}
	if c.HookArmed() {
		t.Error("hook should be released even when the body never commits")
	}

	// A plain commit afterwards must not run the previous call's rules
	_ = c.Commit(context.Background(), 5)
	if rec.seen() != "" {
		t.Errorf("rules ran for an unguarded commit: %q", rec.seen())
	}
}

// TestHookReleasedWhenBodyPanics verifies release also happens on panics
func TestHookReleasedWhenBodyPanics(t *testing.T) {
	c := newCounter(0)
	rec := &recorder{}

	boom := func(ctx context.Context, args ...any) error { panic("boom") }
	guarded := WithRules[int](c, []GroupDescriptor[int]{{Group: GroupOf(rec.rule("r", nil))}}, boom)

	func() {
		defer func() { _ = recover() }()
		_ = guarded(context.Background())
	}()

	if c.HookArmed() {
		t.Error("hook should be released after a panic")
	}

	// the call lock must have been released too
	done := make(chan struct{})
	go func() {
		_ = WithRules[int](c, nil, c.incrementBody)(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("guarded call blocked after a panic in a previous call")
	}
}

// TestUnrelatedCommitDoesNotConsumeHook verifies a commit from outside the call
// bypasses the call's state rules and leaves them guarding the body's own commit
func TestUnrelatedCommitDoesNotConsumeHook(t *testing.T) {
	c := newCounter(0)
	rec := &recorder{}
	reason := errors.New("deny")

	inBody := make(chan struct{})
	proceed := make(chan struct{})
	body := func(ctx context.Context, args ...any) error {
		close(inBody)
		<-proceed
		return c.Commit(ctx, 42)
	}
	guarded := WithRules[int](c, []GroupDescriptor[int]{{Group: GroupOf(rec.rule("deny", reason))}}, body)

	callErr := make(chan error, 1)
	go func() { callErr <- guarded(context.Background()) }()

	<-inBody
	if err := c.Commit(context.Background(), 7); err != nil {
		t.Errorf("unrelated Commit() error = %v, want nil", err)
	}
	if c.State() != 7 {
		t.Errorf("State() after unrelated commit = %d, want 7", c.State())
	}
	close(proceed)

	err := <-callErr
	if !errors.Is(err, ErrStateRejected) || !errors.Is(err, reason) {
		t.Errorf("guarded() error = %v, want state rejection", err)
	}
	if rec.seen() != "deny" {
		t.Errorf("rules run = %q, want %q", rec.seen(), "deny")
	}
	if c.State() != 7 {
		t.Errorf("State() = %d, want 7 (body's commit rolled back)", c.State())
	}
}

// TestSecondCommitInBodyIsUnguarded verifies the hook is single-use within a call
func TestSecondCommitInBodyIsUnguarded(t *testing.T) {
	c := newCounter(0)
	rec := &recorder{}

	twice := func(ctx context.Context, args ...any) error {
		if err := c.Commit(ctx, 1); err != nil {
			return err
		}
		return c.Commit(ctx, 2)
	}
	guarded := WithRules[int](c, []GroupDescriptor[int]{{Group: GroupOf(rec.rule("once", nil))}}, twice)

	if err := guarded(context.Background()); err != nil {
		t.Fatalf("guarded() failed: %v", err)
	}
	if rec.seen() != "once" {
		t.Errorf("rules run = %q, want %q", rec.seen(), "once")
	}
	if c.State() != 2 {
		t.Errorf("State() = %d, want 2", c.State())
	}
}

// TestRuleTimeoutRollsBack verifies a rule that outlives the timeout fails the phase
func TestRuleTimeoutRollsBack(t *testing.T) {
	c := newCounter(0)
	slow := NewRule("slow", func(ctx context.Context, owner Owner[int], old, next int, args []any) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	increment := WithRules[int](c, []GroupDescriptor[int]{{Group: GroupOf(slow)}}, c.incrementBody,
		WithRuleTimeout(20*time.Millisecond))

	err := increment(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, ErrStateRejected) {
		t.Errorf("increment() error = %v, want DeadlineExceeded state rejection", err)
	}
	if c.State() != 0 {
		t.Errorf("State() = %d, want 0", c.State())
	}
	if c.HookArmed() {
		t.Error("hook should be unarmed after a timeout")
	}
}

// TestCancelledContextStopsMethodRules verifies caller cancellation is honoured before rules start
func TestCancelledContextStopsMethodRules(t *testing.T) {
	c := newCounter(0)
	rec := &recorder{}
	r := rec.rule("never", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	increment := WithRules[int](c, []GroupDescriptor[int]{
		{Group: GroupOf(r), Filter: &Filter[int]{Includes: []Descriptor[int]{Method(r)}}},
	}, c.incrementBody)

	err := increment(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("increment() error = %v, want context.Canceled", err)
	}
	if rec.seen() != "" || c.bodyRuns != 0 {
		t.Error("neither rules nor body should run with a cancelled context")
	}
}

// TestStrictFiltersRejectUnknownRule verifies strict mode reports misconfigured filters
func TestStrictFiltersRejectUnknownRule(t *testing.T) {
	c := newCounter(0)
	rec := &recorder{}
	member, stranger := rec.rule("member", nil), rec.rule("stranger", nil)

	groups := []GroupDescriptor[int]{
		{Group: GroupOf(member), Filter: &Filter[int]{Includes: []Descriptor[int]{Method(stranger)}}},
	}

	lenient := WithRules[int](c, groups, c.incrementBody)
	if err := lenient(context.Background()); err != nil {
		t.Fatalf("lenient call failed: %v", err)
	}

	strict := WithRules[int](c, groups, c.incrementBody, WithStrictFilters())
	err := strict(context.Background())
	if !errors.Is(err, ErrUnknownRule) {
		t.Errorf("strict call error = %v, want ErrUnknownRule", err)
	}
	if c.State() != 1 {
		t.Errorf("State() = %d, want 1 (only the lenient call committed)", c.State())
	}
}

// TestRuleWithoutFunctionFailsCall verifies a nil rule function is a configuration error
func TestRuleWithoutFunctionFailsCall(t *testing.T) {
	c := newCounter(0)
	empty := &Rule[int]{Name: "empty"}

	err := WithRules[int](c, []GroupDescriptor[int]{{Group: GroupOf(empty)}}, c.incrementBody)(context.Background())
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("call error = %v, want error naming the rule", err)
	}
	if c.bodyRuns != 0 {
		t.Error("body should not run")
	}
}

// TestConcurrentGuardedCallsSerialize verifies parallel callers never share the hook slot
func TestConcurrentGuardedCallsSerialize(t *testing.T) {
	c := newCounter(0)
	even := NewRule("even_delta", func(ctx context.Context, owner Owner[int], old, next int, args []any) error {
		if (next-old)%2 != 0 {
			return errors.New("odd increment")
		}
		return nil
	})
	increment := New[int](c, []GroupDescriptor[int]{{Group: GroupOf(even)}}).Wrap(c.incrementBody)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(by int) {
			defer wg.Done()
			_ = increment(context.Background(), by)
		}(i%2 + 1)
	}
	wg.Wait()

	// 25 calls add 2, 25 calls add 1 and are rejected
	if got := c.State(); got != 50 {
		t.Errorf("State() = %d, want 50", got)
	}
}

func names(rs []Resolved[int]) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.Name
	}
	return strings.Join(parts, ",")
}
