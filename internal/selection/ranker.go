package selection

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/iggydv12/replicaset/internal/health"
)

// DefaultEquivalencyDelta is the latency window inside which nodes are
// considered equally fast.
const DefaultEquivalencyDelta = 200 * time.Millisecond

// Ranker orders probe results, best first.
type Ranker struct {
	EquivalencyDelta                time.Duration
	PreferHigherPatchForPrimary     bool
	PreferHigherPatchForSecondaries bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRanker creates a Ranker. A nil rng is seeded from the clock.
func NewRanker(delta time.Duration, patchForPrimary, patchForSecondaries bool, rng *rand.Rand) *Ranker {
	if delta <= 0 {
		delta = DefaultEquivalencyDelta
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Ranker{
		EquivalencyDelta:                delta,
		PreferHigherPatchForPrimary:     patchForPrimary,
		PreferHigherPatchForSecondaries: patchForSecondaries,
		rng:                             rng,
	}
}

// Order returns the primary followed by the secondaries ranked with their
// own patch preference.
func (r *Ranker) Order(cands []health.Candidate) []health.Candidate {
	if len(cands) == 0 {
		return nil
	}
	first := r.Rank(cands, r.PreferHigherPatchForPrimary)
	rest := r.Rank(first[1:], r.PreferHigherPatchForSecondaries)
	return append([]health.Candidate{first[0]}, rest...)
}

// Rank sorts by version, then by latency bucket. Order inside a bucket is random.
func (r *Ranker) Rank(cands []health.Candidate, preferPatch bool) []health.Candidate {
	out := append([]health.Candidate(nil), cands...)
	r.mu.Lock()
	r.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	r.mu.Unlock()

	buckets := r.buckets(out, preferPatch)
	sort.SliceStable(out, func(i, j int) bool {
		if c := compareVersion(out[i], out[j], preferPatch); c != 0 {
			return c > 0
		}
		return buckets[out[i].Endpoint] < buckets[out[j].Endpoint]
	})
	return out
}

// buckets assigns a latency bucket index per endpoint. Within each version
// tier a bucket opens at its fastest node and holds every node less than
// EquivalencyDelta slower than it.
func (r *Ranker) buckets(cands []health.Candidate, preferPatch bool) map[string]int {
	sorted := append([]health.Candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := compareVersion(sorted[i], sorted[j], preferPatch); c != 0 {
			return c > 0
		}
		return sorted[i].Latency < sorted[j].Latency
	})

	out := make(map[string]int, len(sorted))
	bucket := 0
	var head time.Duration
	for i, c := range sorted {
		switch {
		case i == 0:
			head = c.Latency
		case compareVersion(sorted[i-1], c, preferPatch) != 0:
			bucket++
			head = c.Latency
		case c.Latency-head >= r.EquivalencyDelta:
			bucket++
			head = c.Latency
		}
		out[c.Endpoint] = bucket
	}
	return out
}

// compareVersion compares major.minor, and patch when preferPatch is set.
func compareVersion(a, b health.Candidate, preferPatch bool) int {
	va, vb := versionTuple(a), versionTuple(b)
	n := 2
	if preferPatch {
		n = 3
	}
	for i := 0; i < n; i++ {
		switch {
		case va[i] > vb[i]:
			return 1
		case va[i] < vb[i]:
			return -1
		}
	}
	return 0
}

func versionTuple(c health.Candidate) [3]uint64 {
	if c.Version == nil {
		return [3]uint64{}
	}
	return [3]uint64{c.Version.Major(), c.Version.Minor(), c.Version.Patch()}
}
