package csets

import "errors"

// Sentinel configuration errors, checked with errors.Is at call sites
// the way the example pool's config-validating constructors do.
var (
	ErrInvalidThreads          = errors.New("csets: Threads must be > 0")
	ErrInvalidHazardsPerThread = errors.New("csets: HazardsPerThread must be > 0")
	ErrInvalidPrefill          = errors.New("csets: Prefill must be >= 0")
	ErrHazardsPerThreadTooFew  = errors.New("csets: HazardsPerThread is below the implementation's minimum simultaneous-hazard requirement")
)
