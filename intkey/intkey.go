// Package intkey provides the Hasher values used throughout csets when
// the stored element already is its own key.
package intkey

// Identity reduces an int64 element to itself.
func Identity(value int64) int64 { return value }

// FromInt adapts the platform int type to the int64-keyed sets.
func FromInt(value int) int64 { return int64(value) }
