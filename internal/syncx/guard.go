// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// RWGuard couples a value with the RWMutex that protects it, so callers
// cannot touch the value outside a lock scope.
type RWGuard[T any] struct {
	mu  sync.RWMutex
	val T
}

// NewGuard wraps initial in a guard.
func NewGuard[T any](initial T) *RWGuard[T] {
	return &RWGuard[T]{val: initial}
}

// Get returns a copy of the value. T should be a value type or immutable.
func (g *RWGuard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.val
}

// Set replaces the value.
func (g *RWGuard[T]) Set(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.val = v
}

// Swap replaces the value and returns what it displaced.
func (g *RWGuard[T]) Swap(v T) T {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.val
	g.val = v
	return old
}

// Read runs fn under the read lock and returns its result.
func (g *RWGuard[T]) Read(fn func(T) any) any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(g.val)
}

// Write runs fn under the write lock. fn mutates through the pointer.
func (g *RWGuard[T]) Write(fn func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.val)
}

// Update runs fn under the write lock and returns its result, for
// check-then-mutate sequences that must be atomic.
func (g *RWGuard[T]) Update(fn func(*T) any) any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(&g.val)
}
