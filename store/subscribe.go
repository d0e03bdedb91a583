package store

import (
	"context"
	"sync"
)

// Subscribe registers fn for state changes. fn is called at once with the
// latest state, then with every committed value in commit order. fn runs on
// the committing goroutine and must not call Commit itself.
//
// The returned cancel func unregisters fn; calling it more than once is fine
func (c *Container[T]) Subscribe(fn func(T)) (cancel func()) {
	c.pub.Lock()
	c.mu.Lock()
	id := c.next
	c.next++
	c.subs[id] = fn
	current := c.state
	c.mu.Unlock()

	fn(current)
	c.pub.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.pub.Lock()
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			c.pub.Unlock()
		})
	}
}

// Changes returns a channel carrying the latest state followed by later
// commits. A slow reader only ever sees the newest pending value; older ones
// are replaced. The channel is closed once ctx is done
func (c *Container[T]) Changes(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	cancel := c.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
			// drop the stale value; only this func sends, so the second
			// send cannot block
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	})

	go func() {
		<-ctx.Done()
		cancel()
		close(ch)
	}()

	return ch
}

// Subscribers reports how many subscribers are registered
func (c *Container[T]) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
