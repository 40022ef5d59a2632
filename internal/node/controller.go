// Package node wires the selection, ledger and assignment components from
// configuration and runs the service.
package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iggydv12/replicaset/internal/api/rest"
	"github.com/iggydv12/replicaset/internal/assign"
	"github.com/iggydv12/replicaset/internal/config"
	"github.com/iggydv12/replicaset/internal/health"
	"github.com/iggydv12/replicaset/internal/indexer"
	"github.com/iggydv12/replicaset/internal/ledger"
	"github.com/iggydv12/replicaset/internal/metrics"
	"github.com/iggydv12/replicaset/internal/registry"
	"github.com/iggydv12/replicaset/internal/selection"
	"github.com/iggydv12/replicaset/internal/storage"
)

// Components are the wired services built from a Config.
type Components struct {
	Registry  *registry.Static
	Probe     *health.Probe
	Content   *selection.Selector
	Discovery *selection.QuorumSelector
	Storage   *storage.Client
	Ledger    ledger.Ledger
	Index     indexer.Client
	Assigner  *assign.Assigner

	closers []func() error
}

// Close releases resources opened by Build.
func (c *Components) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build creates every component described by cfg.
func Build(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	reg, err := cfg.Registry.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	c := &Components{Registry: reg}

	// --- 1. Probing and selection ---
	httpClient := &http.Client{}
	c.Probe = health.NewProbe(httpClient, cfg.Selection.ProbeTimeout, logger)
	c.Storage = storage.NewClient(httpClient, cfg.Storage, logger)

	ranker := selection.NewRanker(cfg.Selection.EquivalencyDelta, cfg.Selection.PatchForPrimary, cfg.Selection.PatchForSecondaries, nil)
	selCfg := selection.SelectorConfig{
		Deny:                  health.NewSet(cfg.Selection.Deny...),
		MaxStorageUsedPercent: cfg.Selection.MaxStorageUsedPercent,
	}
	if len(cfg.Selection.Allow) > 0 {
		selCfg.Allow = health.NewSet(cfg.Selection.Allow...)
	}
	c.Content = selection.NewSelector(reg, c.Probe, ranker, c.Storage, selCfg, logger)
	c.Discovery = selection.NewQuorumSelector(reg, c.Probe, nil, logger)

	// --- 2. Ledger ---
	if cfg.Ledger.Path != "" {
		pl := ledger.NewPebbleLedger(cfg.Ledger.Path, logger)
		if err := pl.Init(); err != nil {
			return nil, fmt.Errorf("ledger init: %w", err)
		}
		c.closers = append(c.closers, pl.Close)
		c.Ledger = pl
	} else {
		logger.Warn("No ledger path configured, using in-memory ledger")
		c.Ledger = ledger.NewMemoryLedger()
	}

	// --- 3. Index ---
	spids := registry.NewSpIDCache(reg, registry.ServiceContentNode)
	if cfg.Discovery.IndexURL != "" {
		c.Index = indexer.NewHTTPClient(cfg.Discovery.IndexURL, httpClient)
	} else {
		c.Index = indexer.NewLedgerIndex(c.Ledger, spids, cfg.Convergence.IndexDelay)
	}

	// --- 4. Assignment ---
	c.Assigner = assign.New(assign.Deps{
		Selector:   c.Content,
		Storage:    c.Storage,
		Ledger:     c.Ledger,
		Reader:     c.Ledger,
		Reconciler: ledger.NewReconciler(c.Ledger, logger),
		Index:      c.Index,
		SpIDs:      spids,
	}, assign.Config{
		PerformSyncCheck: cfg.Selection.PerformSyncCheck,
		Convergence:      indexer.NewWaiter(cfg.Convergence.PollInterval, cfg.Convergence.Timeout),
		Timeout:          cfg.Assign.Timeout,
	}, logger)

	return c, nil
}

// Controller builds the components, serves the REST API and runs the
// background health sweep until shutdown.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewController creates a Controller.
func NewController(cfg *config.Config, logger *zap.Logger) *Controller {
	return &Controller{cfg: cfg, logger: logger}
}

// Run bootstraps all components and blocks until SIGINT/SIGTERM or ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	comps, err := Build(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.startSchedulers(ctx, comps)

	srv := rest.New(comps.Ledger, comps.Assigner, comps.Content, comps.Discovery, c.cfg.Discovery.QuorumSize, comps.Index, c.logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(c.cfg.Server.Addr) }()

	c.logger.Info("Replica set service running", zap.String("REST", c.cfg.Server.Addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		c.logger.Info("Shutdown signal received")
	case <-ctx.Done():
		c.logger.Info("Context cancelled")
	case err := <-errCh:
		return fmt.Errorf("rest server: %w", err)
	}
	return nil
}

func (c *Controller) startSchedulers(ctx context.Context, comps *Components) {
	interval := c.cfg.Schedule.HealthSweep
	if interval <= 0 {
		return
	}

	// Health sweep
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				HealthSweep(ctx, comps.Registry, comps.Probe, c.logger)
			}
		}
	}()
}

// HealthSweep probes every registered content node and publishes how many
// answered and reported themselves healthy. It returns those candidates.
func HealthSweep(ctx context.Context, reg registry.Registry, probe *health.Probe, logger *zap.Logger) health.Results {
	providers, err := reg.Providers(ctx, registry.ServiceContentNode)
	if err != nil {
		logger.Warn("Health sweep failed", zap.Error(err))
		return nil
	}
	results := probe.Run(ctx, registry.Endpoints(providers), health.Filter{})
	healthy := make(health.Results, len(results))
	for e, c := range results {
		if c.ReportsHealthy() {
			healthy[e] = c
		}
	}
	metrics.HealthyNodes.Set(float64(len(healthy)))
	logger.Debug("Health sweep complete",
		zap.Int("registered", len(providers)),
		zap.Int("responsive", len(results)),
		zap.Int("healthy", len(healthy)),
	)
	return healthy
}
