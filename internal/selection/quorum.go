package selection

import (
	"math/rand"
	"sort"
	"time"

	"github.com/iggydv12/replicaset/internal/health"
)

// SampleOwnerQuorum returns quorumSize candidates that all belong to
// different operators. keep filters candidates first and may be nil.
// Operators are sampled uniformly, then one node is drawn per operator.
func SampleOwnerQuorum(cands []health.Candidate, quorumSize int, keep func(health.Candidate) bool, rng *rand.Rand) ([]health.Candidate, error) {
	if quorumSize <= 0 {
		return nil, ErrInvalidQuorumSize
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	byOwner := make(map[string][]health.Candidate)
	for _, c := range cands {
		if keep != nil && !keep(c) {
			continue
		}
		if c.OwnerID == "" {
			continue
		}
		byOwner[c.OwnerID] = append(byOwner[c.OwnerID], c)
	}
	if len(byOwner) < quorumSize {
		return nil, &InsufficientOperatorQuorumError{Requested: quorumSize, Available: len(byOwner)}
	}

	owners := make([]string, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	// map order is not a random source
	sort.Strings(owners)
	rng.Shuffle(len(owners), func(i, j int) { owners[i], owners[j] = owners[j], owners[i] })

	out := make([]health.Candidate, 0, quorumSize)
	for _, o := range owners[:quorumSize] {
		nodes := byOwner[o]
		out = append(out, nodes[rng.Intn(len(nodes))])
	}
	return out, nil
}
