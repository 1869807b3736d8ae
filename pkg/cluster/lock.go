package cluster

import (
	"context"
	"sync"
	"sync/atomic"
)

// Lock is the manager-wide coordination lock serializing mutation of shared
// cluster state. Ownership is carried in the request context so that the one
// sanctioned release point, a synchronous daemon spawn, knows whether there is
// anything to release.
type Lock struct {
	mu   sync.Mutex
	held atomic.Bool
}

func NewLock() *Lock {
	return &Lock{}
}

func (l *Lock) Lock() {
	l.mu.Lock()
	l.held.Store(true)
}

func (l *Lock) Unlock() {
	l.held.Store(false)
	l.mu.Unlock()
}

// Held reports whether anyone currently owns the lock
func (l *Lock) Held() bool {
	return l.held.Load()
}

// Run calls fn with the lock held and ownership recorded in ctx
func (l *Lock) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	l.Lock()
	defer l.Unlock()
	return fn(WithLockHeld(ctx, l))
}

type lockHeldKey struct{}

// WithLockHeld records that the caller owns l
func WithLockHeld(ctx context.Context, l *Lock) context.Context {
	return context.WithValue(ctx, lockHeldKey{}, l)
}

// HeldLock returns the lock owned by the caller, if any
func HeldLock(ctx context.Context) (*Lock, bool) {
	l, ok := ctx.Value(lockHeldKey{}).(*Lock)
	return l, ok && l != nil
}

// WithoutLock runs fn with the caller's lock released and re-acquires it
// afterwards on every path, panics included. Without a held lock fn runs as is.
func WithoutLock(ctx context.Context, fn func() error) error {
	l, ok := HeldLock(ctx)
	if !ok {
		return fn()
	}

	l.Unlock()
	defer l.Lock()
	return fn()
}
