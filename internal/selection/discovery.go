package selection

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/replicaset/internal/health"
	"github.com/iggydv12/replicaset/internal/metrics"
	"github.com/iggydv12/replicaset/internal/registry"
)

// QuorumSelector picks indexing nodes run by distinct operators, for callers
// that need independent attestations.
type QuorumSelector struct {
	reg    registry.Registry
	probe  *health.Probe
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewQuorumSelector creates a QuorumSelector. A nil rng is seeded from the clock.
func NewQuorumSelector(reg registry.Registry, probe *health.Probe, rng *rand.Rand, logger *zap.Logger) *QuorumSelector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &QuorumSelector{reg: reg, probe: probe, rng: rng, logger: logger}
}

// Select probes the registered discovery nodes that pass f and samples
// quorumSize of them from distinct operators. Nodes that report themselves
// unhealthy, or whose major version differs from the network's current one,
// never count toward the quorum.
func (q *QuorumSelector) Select(ctx context.Context, quorumSize int, f health.Filter) ([]health.Candidate, error) {
	providers, err := q.reg.Providers(ctx, registry.ServiceDiscoveryNode)
	if err != nil {
		return nil, fmt.Errorf("list discovery nodes: %w", err)
	}
	current, err := q.reg.CurrentVersion(ctx, registry.ServiceDiscoveryNode)
	if err != nil {
		q.logger.Debug("No current discovery node version, skipping version filter", zap.Error(err))
		current = nil
	}

	probed := q.probe.Run(ctx, registry.Endpoints(providers), f).WithOwners(registry.Owners(providers))
	keep := func(c health.Candidate) bool {
		if !c.ReportsHealthy() {
			return false
		}
		return current == nil || c.Version.Major() == current.Major()
	}

	q.mu.Lock()
	quorum, err := SampleOwnerQuorum(probed.Candidates(), quorumSize, keep, q.rng)
	q.mu.Unlock()
	if err != nil {
		metrics.SelectionsTotal.WithLabelValues("quorum", "error").Inc()
		q.logger.Warn("Quorum selection failed",
			zap.Int("quorumSize", quorumSize),
			zap.Int("responded", len(probed)),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.SelectionsTotal.WithLabelValues("quorum", "ok").Inc()
	return quorum, nil
}
