package workload

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gocsets/csets"
	"github.com/gocsets/csets/avlset"
	"github.com/gocsets/csets/counterset"
	"github.com/gocsets/csets/intkey"
	"github.com/gocsets/csets/multiway"
	"github.com/gocsets/csets/nbbst"
	"github.com/gocsets/csets/threadctx"
)

func allImplementations(threads int) map[string]csets.Set[int64] {
	return map[string]csets.Set[int64]{
		"avlset":     avlset.NewAVLSet[int64](threads, intkey.Identity),
		"counterset": counterset.NewCounterSet[int64](threads, intkey.Identity),
		"nbbst":      nbbst.NewNBBSTSet[int64](threads, intkey.Identity),
		"multiway":   multiway.NewMultiwaySet[int64](threads, intkey.Identity),
	}
}

// TestS4RandomInsertThenRandomRemove drives every implementation
// through a random permutation of inserts followed by a random
// permutation of removes, asserting each add and remove succeeds
// exactly once.
func TestS4RandomInsertThenRandomRemove(t *testing.T) {
	const n = 2000
	for name, set := range allImplementations(1) {
		t.Run(name, func(t *testing.T) {
			pool := threadctx.NewPool(1)
			h, _ := pool.Acquire()

			insertOrder := rand.New(rand.NewSource(11)).Perm(n)
			for _, k := range insertOrder {
				assert.True(t, set.Add(h, int64(k)), "%s: add(%d) should succeed exactly once", name, k)
			}

			removeOrder := rand.New(rand.NewSource(13)).Perm(n)
			for _, k := range removeOrder {
				assert.True(t, set.Remove(h, int64(k)), "%s: remove(%d) should succeed exactly once", name, k)
			}

			assert.Equal(t, int64(0), set.Len(), "%s: size should be 0 after removing everything inserted", name)
		})
	}
}

// TestS5TwoWorkerAlternationOnFixedKey runs one worker alternating
// Add(5)/Remove(5) against an observer querying Contains(5) on every
// implementation. Both outcomes are legal at different points of the
// alternation; what must hold is that every query completes and lands
// on one of the two legal answers.
func TestS5TwoWorkerAlternationOnFixedKey(t *testing.T) {
	const rounds = 2000

	for name, set := range allImplementations(2) {
		t.Run(name, func(t *testing.T) {
			pool := threadctx.NewPool(2)
			sawPresent, sawAbsent, err := FixedKeyAlternation(set, pool, 5, rounds)
			assert.NoError(t, err)
			assert.Equal(t, int64(rounds), sawPresent+sawAbsent,
				"%s: every query must complete with one of the two legal answers", name)
			assert.Equal(t, int64(0), pool.Outstanding(), "%s: both handles should be released", name)
		})
	}
}

// TestS6FixedPointStability checks every implementation's contains()
// never drops a thread's own reserved key while the rest of the
// keyspace is being hammered concurrently.
func TestS6FixedPointStability(t *testing.T) {
	const workers = 6
	const opsPerWorker = 2000
	const rangePerWorker = 500

	for name, set := range allImplementations(workers + 1) {
		t.Run(name, func(t *testing.T) {
			pool := threadctx.NewPool(workers + 1)
			assert.True(t, FixedPointStability(set, pool, workers, opsPerWorker, rangePerWorker, 1),
				"%s: every worker's fixed key should remain observably present throughout", name)
		})
	}
}

// TestRunExercisesEveryWorkloadShape sanity-checks Run against every
// implementation across the named workload matrix without
// asserting a particular outcome distribution, since the shapes are
// meant to stress contention, not determinism.
func TestRunExercisesEveryWorkloadShape(t *testing.T) {
	shapes := []Spec{Serial, SerialHeavyWrites, LowConcurrency, MediumConcurrency, HighConcurrency, HighConcurrencyHeavy}

	for name, set := range allImplementations(20) {
		for _, spec := range shapes {
			t.Run(name+"/"+spec.Name, func(t *testing.T) {
				pool := threadctx.NewPool(spec.Concurrency)
				result := Run(set, pool, spec, nil, 42)
				assert.GreaterOrEqual(t, result.Adds+result.Removes+result.Contains, int64(0))
			})
		}
	}
}
