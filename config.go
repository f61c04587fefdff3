package csets

import "fmt"

// Config parameterizes a set implementation and the Hazard Manager it
// instantiates internally. It follows the same DefaultConfig/Validate
// shape across every component in this module.
type Config struct {
	// Threads is the number of distinct worker identities the set (and
	// its Hazard Manager) must support. Matches the capacity of the
	// threadctx.Pool the caller will draw handles from.
	Threads int
	// HazardsPerThread is the number of simultaneously-published hazard
	// slots each thread may hold. Different implementations require
	// different minimums; see ValidateMinHazards below.
	HazardsPerThread int
	// Prefill is the number of nodes seeded into each thread's free
	// queue at construction.
	Prefill int
}

// DefaultConfig returns a Config sized for threads workers with
// generous defaults for the remaining fields.
func DefaultConfig(threads int) Config {
	return Config{
		Threads:          threads,
		HazardsPerThread: 4,
		Prefill:          64,
	}
}

// Validate reports a descriptive error for a malformed Config, or nil.
func (c Config) Validate() error {
	if c.Threads <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidThreads, c.Threads)
	}
	if c.HazardsPerThread <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidHazardsPerThread, c.HazardsPerThread)
	}
	if c.Prefill < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidPrefill, c.Prefill)
	}
	return nil
}

// ValidateMinHazards is called by each set's WithConfig constructor
// with its own minimum simultaneous-hazard requirement.
func (c Config) ValidateMinHazards(min int) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.HazardsPerThread < min {
		return fmt.Errorf("%w: need >= %d, got %d", ErrHazardsPerThreadTooFew, min, c.HazardsPerThread)
	}
	return nil
}
