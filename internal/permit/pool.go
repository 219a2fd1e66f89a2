// Package permit provides a bounded counting gate for concurrent
// operations. The session controller uses one pool for file operations
// and one for connection-level operations.
package permit

import "context"

// Pool is a counting permit pool with a fixed bound.
type Pool struct {
	slots chan struct{}
}

// NewPool creates a pool with n permits.
func NewPool(n int) *Pool {
	return &Pool{slots: make(chan struct{}, n)}
}

// Acquire blocks until a permit is available or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking, reporting success.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit. Every Acquire must be paired with exactly one
// Release, guarded by defer so an aborted operation cannot leak it.
func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
		panic("permit: release without acquire")
	}
}

// Do runs fn while holding a permit; the release is scope-guaranteed.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	defer p.Release()
	return fn()
}

// Cap returns the pool bound.
func (p *Pool) Cap() int {
	return cap(p.slots)
}

// InUse returns the number of currently-held permits.
func (p *Pool) InUse() int {
	return len(p.slots)
}
