package selection

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/replicaset/internal/health"
	"github.com/iggydv12/replicaset/internal/metrics"
	"github.com/iggydv12/replicaset/internal/registry"
	"github.com/iggydv12/replicaset/internal/replicaset"
	"github.com/iggydv12/replicaset/internal/storage"
)

// Decision stages, in the order Select records them.
const (
	StageAllServices      = "get_all_services"
	StageAllowList        = "filter_to_allow_list"
	StageDenyList         = "filter_from_deny_list"
	StageSyncCheck        = "filter_out_sync_in_progress"
	StageHealthCheck      = "filter_out_unhealthy_outdated_and_full"
	StageSelectReplicaSet = "select_primary_and_secondaries"
)

// Decision is one step of a selection and the endpoints left after it.
type Decision struct {
	Stage     string   `json:"stage"`
	Endpoints []string `json:"endpoints"`
}

// SyncChecker reports how far a node has synced a user.
type SyncChecker interface {
	SyncStatus(ctx context.Context, endpoint, wallet string, userBlock int64) (storage.SyncStatus, error)
}

// SelectorConfig configures content node selection.
type SelectorConfig struct {
	Allow                 health.Set
	Deny                  health.Set
	MaxStorageUsedPercent float64
}

// SelectOptions are per-call selection inputs.
type SelectOptions struct {
	PerformSyncCheck bool
	Wallet           string
	UserBlockNumber  int64
}

// Selection is the outcome of one Select call.
type Selection struct {
	ReplicaSet replicaset.ReplicaSet `json:"replicaSet"`
	// Services holds every candidate that passed the health filters.
	Services  health.Results `json:"services"`
	Backups   []string       `json:"backups"`
	Decisions []Decision     `json:"decisions"`
}

// Selector picks a replica set of operator-distinct, healthy, up to date
// content nodes.
type Selector struct {
	reg    registry.Registry
	probe  *health.Probe
	ranker *Ranker
	sync   SyncChecker
	cfg    SelectorConfig
	logger *zap.Logger
}

// NewSelector creates a Selector. syncer may be nil, which disables sync checks.
func NewSelector(reg registry.Registry, probe *health.Probe, ranker *Ranker, syncer SyncChecker, cfg SelectorConfig, logger *zap.Logger) *Selector {
	if cfg.MaxStorageUsedPercent <= 0 {
		cfg.MaxStorageUsedPercent = health.DefaultMaxStorageUsedPercent
	}
	return &Selector{
		reg:    reg,
		probe:  probe,
		ranker: ranker,
		sync:   syncer,
		cfg:    cfg,
		logger: logger,
	}
}

// Select runs the full filter, probe and rank pipeline. It returns
// ErrNoPrimarySelected when nothing survives and ErrIncompleteReplicaSet when
// fewer than replicaset.Size operators are represented.
func (s *Selector) Select(ctx context.Context, opts SelectOptions) (Selection, error) {
	sel, err := s.selectOnce(ctx, opts)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.SelectionsTotal.WithLabelValues("replica_set", outcome).Inc()

	fields := []zap.Field{zap.Any("decisions", sel.Decisions)}
	if err != nil {
		s.logger.Warn("Content node selection failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("Content node selection", append(fields, zap.String("replicaSet", sel.ReplicaSet.Encode()))...)
	}
	return sel, err
}

func (s *Selector) selectOnce(ctx context.Context, opts SelectOptions) (Selection, error) {
	var sel Selection
	record := func(stage string, endpoints []string) {
		sel.Decisions = append(sel.Decisions, Decision{Stage: stage, Endpoints: append([]string(nil), endpoints...)})
	}

	providers, err := s.reg.Providers(ctx, registry.ServiceContentNode)
	if err != nil {
		return sel, fmt.Errorf("list content nodes: %w", err)
	}
	endpoints := registry.Endpoints(providers)
	record(StageAllServices, endpoints)

	endpoints = health.Filter{Allow: s.cfg.Allow}.Apply(endpoints)
	record(StageAllowList, endpoints)
	endpoints = health.Filter{Deny: s.cfg.Deny}.Apply(endpoints)
	record(StageDenyList, endpoints)

	if opts.PerformSyncCheck && s.sync != nil {
		endpoints = s.syncCheck(ctx, endpoints, opts)
		record(StageSyncCheck, endpoints)
	}

	current, err := s.reg.CurrentVersion(ctx, registry.ServiceContentNode)
	if err != nil {
		return sel, fmt.Errorf("current content node version: %w", err)
	}

	probed := s.probe.Run(ctx, endpoints, health.Filter{}).WithOwners(registry.Owners(providers))
	sel.Services = make(health.Results, len(probed))
	for e, c := range probed {
		if c.Version.Major() != current.Major() || c.Version.Minor() != current.Minor() {
			continue
		}
		if !c.ReportsHealthy() || !c.HasStorageSpace(s.cfg.MaxStorageUsedPercent) {
			continue
		}
		sel.Services[e] = c
	}
	record(StageHealthCheck, sel.Services.Endpoints())

	if len(sel.Services) == 0 {
		return sel, ErrNoPrimarySelected
	}

	ordered := s.ranker.Order(sel.Services.Candidates())
	picked := []health.Candidate{ordered[0]}
	usedOwners := map[string]bool{ordered[0].OwnerID: true}
	for _, c := range ordered[1:] {
		if len(picked) == replicaset.Size {
			sel.Backups = append(sel.Backups, c.Endpoint)
			continue
		}
		if usedOwners[c.OwnerID] {
			sel.Backups = append(sel.Backups, c.Endpoint)
			continue
		}
		usedOwners[c.OwnerID] = true
		picked = append(picked, c)
	}

	chosen := make([]string, len(picked))
	for i, c := range picked {
		chosen[i] = c.Endpoint
	}
	record(StageSelectReplicaSet, chosen)

	if len(picked) < replicaset.Size {
		return sel, fmt.Errorf("%w: found %d of %d", ErrIncompleteReplicaSet, len(picked), replicaset.Size)
	}
	rs, err := replicaset.New(chosen[0], chosen[1:]...)
	if err != nil {
		return sel, err
	}
	sel.ReplicaSet = rs
	return sel, nil
}

// syncCheck keeps first-time creators (behind and unconfigured) and existing
// creators (caught up and configured). Nodes whose check fails are dropped.
func (s *Selector) syncCheck(ctx context.Context, endpoints []string, opts SelectOptions) []string {
	ctx, cancel := context.WithTimeout(ctx, s.probe.Timeout())
	defer cancel()

	var (
		mu   sync.Mutex
		keep = make(map[string]bool, len(endpoints))
		eg   errgroup.Group
	)
	for _, e := range endpoints {
		e := e
		eg.Go(func() error {
			st, err := s.sync.SyncStatus(ctx, e, opts.Wallet, opts.UserBlockNumber)
			if err != nil {
				s.logger.Debug("Sync check failed", zap.String("endpoint", e), zap.Error(err))
				return nil
			}
			firstTime := st.IsBehind && !st.IsConfigured
			existing := !st.IsBehind && st.IsConfigured
			if firstTime || existing {
				mu.Lock()
				keep[e] = true
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	out := make([]string, 0, len(keep))
	for _, e := range endpoints {
		if keep[e] {
			out = append(out, e)
		}
	}
	return out
}
