// Package workload drives any csets.Set[int64] through a fixed roster
// of concurrency/write-ratio shapes, each run as goroutines sharing a
// threadctx.Pool. It exists for tests that need to exercise the four
// set implementations the same way, not as a benchmarking product in
// its own right.
package workload

import (
	"io"
	"log"
	"math/rand"
	"sync"

	"github.com/gocsets/csets"
	"github.com/gocsets/csets/threadctx"
)

// Logger is the minimal surface Run needs; *log.Logger satisfies it,
// which is the point: nothing in this module hard-depends on a
// specific logging library.
type Logger interface {
	Printf(format string, args ...any)
}

// Spec describes one workload shape.
type Spec struct {
	Name         string
	Concurrency  int
	WriteRatio   float32
	KeyRange     int64
	OpsPerWorker int
}

// Named shapes covering the usual matrix: Serial / Low / Medium /
// High concurrency, at a light and a heavy write ratio.
var (
	Serial               = Spec{"Serial", 1, 0.10, 1000, 5000}
	SerialHeavyWrites    = Spec{"Serial, heavy writes", 1, 0.50, 1000, 5000}
	LowConcurrency       = Spec{"Low concurrency", 2, 0.10, 1000, 5000}
	MediumConcurrency    = Spec{"Medium concurrency", 10, 0.10, 1000, 5000}
	HighConcurrency      = Spec{"High concurrency", 20, 0.10, 1000, 5000}
	HighConcurrencyHeavy = Spec{"High concurrency, heavy writes", 20, 0.50, 1000, 5000}
)

// Result tallies what a Run actually did, for assertions in tests
// that can't predict the exact interleaving.
type Result struct {
	Adds, Removes, Contains       int64
	AddsOK, RemovesOK, ContainsOK int64
}

// Run drives set with spec.Concurrency goroutines, each performing
// spec.OpsPerWorker operations over keys in [0, spec.KeyRange). A nil
// logger discards output.
func Run(set csets.Set[int64], pool *threadctx.Pool, spec Spec, logger Logger, seed int64) Result {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var total Result

	for w := 0; w < spec.Concurrency; w++ {
		h, err := pool.Acquire()
		if err != nil {
			logger.Printf("workload: pool exhausted acquiring worker %d: %v", w, err)
			break
		}
		wg.Add(1)
		go func(h threadctx.Handle, workerSeed int64) {
			defer wg.Done()
			defer h.Release()

			r := rand.New(rand.NewSource(workerSeed))
			var local Result
			for i := 0; i < spec.OpsPerWorker; i++ {
				key := r.Int63n(spec.KeyRange)
				if r.Float32() < spec.WriteRatio {
					if r.Intn(2) == 0 {
						local.Adds++
						if set.Add(h, key) {
							local.AddsOK++
						}
					} else {
						local.Removes++
						if set.Remove(h, key) {
							local.RemovesOK++
						}
					}
				} else {
					local.Contains++
					if set.Contains(h, key) {
						local.ContainsOK++
					}
				}
				logger.Printf("worker %d: op %d on key %d", h.ID(), i, key)
			}

			mu.Lock()
			total.Adds += local.Adds
			total.Removes += local.Removes
			total.Contains += local.Contains
			total.AddsOK += local.AddsOK
			total.RemovesOK += local.RemovesOK
			total.ContainsOK += local.ContainsOK
			mu.Unlock()
		}(h, seed+int64(w))
	}
	wg.Wait()
	return total
}

// FixedKeyAlternation runs the two-worker fixed-key scenario: one
// worker alternates Add(key)/Remove(key) for rounds iterations while
// the other queries Contains(key) rounds times. Both answers are
// legal at different instants of the alternation, so the function
// reports how many of each the observer saw; callers assert liveness
// (every query completed and returned one of the two legal answers)
// rather than a particular interleaving.
func FixedKeyAlternation(set csets.Set[int64], pool *threadctx.Pool, key int64, rounds int) (sawPresent, sawAbsent int64, err error) {
	ha, err := pool.Acquire()
	if err != nil {
		return 0, 0, err
	}
	hb, err := pool.Acquire()
	if err != nil {
		ha.Release()
		return 0, 0, err
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer ha.Release()
		for i := 0; i < rounds; i++ {
			set.Add(ha, key)
			set.Remove(ha, key)
		}
	}()

	go func() {
		defer wg.Done()
		defer hb.Release()
		for i := 0; i < rounds; i++ {
			if set.Contains(hb, key) {
				sawPresent++
			} else {
				sawAbsent++
			}
		}
	}()

	wg.Wait()
	return sawPresent, sawAbsent, nil
}

// FixedPointStability runs N workers, each repeatedly confirming its
// own reserved key stays present while every worker also hammers a
// disjoint range of keys with random adds/removes (S6). It returns
// false the moment any worker observes its fixed key missing. pool
// must have capacity for workers+1 handles: one extra transient
// handle seeds every fixed key before the workers start.
func FixedPointStability(set csets.Set[int64], pool *threadctx.Pool, workers int, opsPerWorker int, rangePerWorker int64, seed int64) bool {
	seeder, err := pool.Acquire()
	if err != nil {
		return false
	}
	for w := 0; w < workers; w++ {
		set.Add(seeder, int64(w)*rangePerWorker)
	}
	seeder.Release()

	var wg sync.WaitGroup
	ok := true
	var mu sync.Mutex

	for w := 0; w < workers; w++ {
		h, err := pool.Acquire()
		if err != nil {
			return false
		}
		wg.Add(1)
		go func(h threadctx.Handle, worker int, workerSeed int64) {
			defer wg.Done()
			defer h.Release()

			fixed := int64(worker) * rangePerWorker
			lo := fixed + 1
			hi := fixed + rangePerWorker
			r := rand.New(rand.NewSource(workerSeed))

			for i := 0; i < opsPerWorker; i++ {
				if !set.Contains(h, fixed) {
					mu.Lock()
					ok = false
					mu.Unlock()
					return
				}
				k := lo + r.Int63n(hi-lo)
				if r.Intn(2) == 0 {
					set.Add(h, k)
				} else {
					set.Remove(h, k)
				}
			}
		}(h, w, seed+int64(w))
	}
	wg.Wait()
	return ok
}
