// Package store provides Container, an observable state holder whose commits
// can be intercepted by a single before-commit hook.
//
// A Container is meant to be embedded by a concrete store type. The embedding
// type mutates state through Commit; external callers only read State or
// observe changes through Subscribe and Changes. Guarded mutation (rules run
// before a commit is allowed to land) is layered on top by the rules package,
// which drives the Acquire/Arm/Disarm plumbing below
package store

import (
	"context"
	"sync"
)

// Container holds the latest committed state of type T and multicasts every
// committed value to its subscribers. New subscribers receive the latest
// value immediately
type Container[T any] struct {
	state T
	hook  func(ctx context.Context, old, next T) error
	armed uint64 // token of the armed hook, 0 when none
	seq   uint64
	subs  map[uint64]func(T)
	next  uint64
	equal func(a, b T) bool
	mu    sync.Mutex

	// pub orders publication and subscription so every subscriber sees the
	// committed values in commit order
	pub sync.Mutex

	// calls serializes guarded calls so only one of them owns the hook slot
	calls sync.Mutex
}

// Option configures a Container
type Option[T any] func(*Container[T])

// WithEqual makes Commit skip publishing values equal to the current state
func WithEqual[T any](equal func(a, b T) bool) Option[T] {
	return func(c *Container[T]) {
		c.equal = equal
	}
}

// New creates a Container holding initial
func New[T any](initial T, opts ...Option[T]) *Container[T] {
	c := &Container[T]{
		state: initial,
		subs:  make(map[uint64]func(T)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the latest committed value
func (c *Container[T]) State() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// hookKey carries the token of the call a hook was armed for
type hookKey[T any] struct {
	c *Container[T]
}

// Commit publishes next as the new state. When a before-commit hook is armed
// and ctx descends from the context Arm returned for it, the hook is disarmed
// and handed the transition instead; it decides what, if anything, gets
// published and its error is returned to the caller. Commits made under any
// other context publish directly and leave the hook armed.
//
// Commit is the mutation surface for types embedding Container
func (c *Container[T]) Commit(ctx context.Context, next T) error {
	c.mu.Lock()
	hook := c.hook
	if hook != nil && c.ownsHook(ctx) {
		c.hook = nil
		c.armed = 0
		old := c.state
		c.mu.Unlock()
		return hook(ctx, old, next)
	}
	c.mu.Unlock()

	c.publish(next)
	return nil
}

// publish stores v and hands it to every subscriber outside c.mu, so
// subscribers may read State while being notified
func (c *Container[T]) publish(v T) {
	c.pub.Lock()
	defer c.pub.Unlock()

	c.mu.Lock()
	if c.equal != nil && c.equal(c.state, v) {
		c.mu.Unlock()
		return
	}
	c.state = v
	fns := make([]func(T), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Acquire serializes guarded calls on this container. The returned func
// releases it. Guarded methods must not call other guarded methods of the
// same container
func (c *Container[T]) Acquire() (release func()) {
	c.calls.Lock()
	var once sync.Once
	return func() {
		once.Do(c.calls.Unlock)
	}
}

func (c *Container[T]) ownsHook(ctx context.Context) bool {
	token, ok := ctx.Value(hookKey[T]{c}).(uint64)
	return ok && token == c.armed
}

// Arm installs hook as the before-commit hook, replacing any armed hook, and
// returns a context bound to it. Only commits made under bound (or a context
// derived from it) reach the hook. The returned release clears the slot if it
// still holds this hook; it is safe to call after the hook has fired
func (c *Container[T]) Arm(ctx context.Context, hook func(ctx context.Context, old, next T) error) (bound context.Context, release func()) {
	c.mu.Lock()
	c.seq++
	token := c.seq
	c.hook = hook
	c.armed = token
	c.mu.Unlock()

	release = func() {
		c.mu.Lock()
		if c.armed == token {
			c.hook = nil
			c.armed = 0
		}
		c.mu.Unlock()
	}
	return context.WithValue(ctx, hookKey[T]{c}, token), release
}

// Disarm clears the before-commit hook
func (c *Container[T]) Disarm() {
	c.mu.Lock()
	c.hook = nil
	c.armed = 0
	c.mu.Unlock()
}

// HookArmed reports whether a before-commit hook is installed
func (c *Container[T]) HookArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hook != nil
}
