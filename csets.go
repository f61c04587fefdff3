// Package csets defines the shared contract implemented by the four
// concurrent ordered integer-set algorithms in this module: avlset,
// counterset, nbbst and multiway.
package csets

import "github.com/gocsets/csets/threadctx"

// Hasher reduces a stored value to the integer key a set actually orders
// and compares on. Use intkey.Identity for int64 elements.
type Hasher[T any] func(value T) int64

// Set is satisfied by every concrete implementation in this module. All
// three methods are safe to call concurrently from any number of
// goroutines once each goroutine holds a unique threadctx.Handle drawn
// from the same pool the set was constructed with.
type Set[T any] interface {
	// Add inserts value, returning true iff it was not already present.
	Add(h threadctx.Handle, value T) bool
	// Remove deletes value, returning true iff it was present.
	Remove(h threadctx.Handle, value T) bool
	// Contains reports whether value is currently a member.
	Contains(h threadctx.Handle, value T) bool
	// Len returns an approximate cardinality; not linearizable against
	// concurrent mutation.
	Len() int64
}
