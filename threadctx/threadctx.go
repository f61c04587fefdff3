// Package threadctx is the explicit replacement for the thread-local
// "which worker am I" state that every component in this module would
// otherwise need. A Pool hands out Handles with stable, dense,
// zero-based ids in [0, Threads); callers thread the Handle through
// every Set and Manager call instead of reading it back out of
// goroutine-local storage, which Go does not provide.
package threadctx

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrPoolExhausted is returned by Acquire once Threads handles are
// already outstanding.
var ErrPoolExhausted = errors.New("threadctx: pool exhausted")

// ErrForeignHandle is wrapped in the panic Pool.Release raises when it
// is given a Handle that a different Pool issued.
var ErrForeignHandle = errors.New("threadctx: handle does not belong to this pool")

// Handle names a single worker's slot. The zero Handle is not valid;
// it must come from a Pool's Acquire.
type Handle struct {
	id   int
	pool *Pool
}

// ID returns the handle's dense, zero-based identifier, always < the
// Threads the owning Pool was constructed with.
func (h Handle) ID() int { return h.id }

// Release returns the handle's slot to its Pool for reuse. A Handle
// must not be used again after Release.
func (h Handle) Release() {
	if h.pool == nil {
		return
	}
	h.pool.Release(h)
}

// Pool issues and reclaims Handles for a fixed number of workers.
type Pool struct {
	threads int
	free    chan int
	issued  atomic.Int64
}

// NewPool constructs a Pool supporting threads concurrent handles.
func NewPool(threads int) *Pool {
	if threads <= 0 {
		threads = 1
	}
	p := &Pool{threads: threads, free: make(chan int, threads)}
	for i := 0; i < threads; i++ {
		p.free <- i
	}
	return p
}

// Threads returns the capacity the Pool was constructed with.
func (p *Pool) Threads() int { return p.threads }

// Acquire hands out the next free id, or ErrPoolExhausted if all
// threads-worth of handles are currently outstanding.
func (p *Pool) Acquire() (Handle, error) {
	select {
	case id := <-p.free:
		p.issued.Add(1)
		return Handle{id: id, pool: p}, nil
	default:
		return Handle{}, fmt.Errorf("%w: capacity %d", ErrPoolExhausted, p.threads)
	}
}

// Release returns h's id to the pool. Releasing a handle issued by a
// different Pool is a programming error reported via ErrForeignHandle
// were Release to return an error; since callers typically defer
// Release, it instead panics loudly rather than silently corrupting a
// different pool's free list.
func (p *Pool) Release(h Handle) {
	if h.pool != p {
		panic(fmt.Errorf("%w", ErrForeignHandle))
	}
	p.issued.Add(-1)
	p.free <- h.id
}

// Outstanding returns the number of handles currently acquired but not
// yet released. Useful for tests asserting clean teardown.
func (p *Pool) Outstanding() int64 { return p.issued.Load() }
