// Package assign runs the phased replica set assignment for a user: pick the
// nodes, connect to the primary, upload metadata and commit to the ledger.
package assign

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/iggydv12/replicaset/internal/indexer"
	"github.com/iggydv12/replicaset/internal/ledger"
	"github.com/iggydv12/replicaset/internal/metrics"
	"github.com/iggydv12/replicaset/internal/profile"
	"github.com/iggydv12/replicaset/internal/replicaset"
	"github.com/iggydv12/replicaset/internal/selection"
	"github.com/iggydv12/replicaset/internal/storage"
)

// Selector chooses a replica set.
type Selector interface {
	Select(ctx context.Context, opts selection.SelectOptions) (selection.Selection, error)
}

// StorageClient talks to storage nodes. Upload and associate go to the
// primary the run connected to, never to shared client state.
type StorageClient interface {
	Connect(ctx context.Context, endpoint string) error
	UploadCreatorContent(ctx context.Context, primary string, p profile.UserProfile, blockNumber *int64) (storage.UploadResult, error)
	AssociateCreator(ctx context.Context, primary string, userID int64, metadataFileUUID string, blockNumber int64) error
}

// FieldReconciler commits changed profile fields.
type FieldReconciler interface {
	Reconcile(ctx context.Context, userID int64, old, updated profile.UserProfile, exclude ...profile.Field) (ledger.WriteResult, error)
}

// SpIDResolver maps endpoints to service provider ids.
type SpIDResolver interface {
	SpIDs(ctx context.Context, endpoints []string) ([]int64, error)
}

// Deps are the collaborators an Assigner drives. Index and SpIDs are
// optional; without them the convergence wait is skipped.
type Deps struct {
	Selector   Selector
	Storage    StorageClient
	Ledger     ledger.Writer
	Reader     ledger.Reader
	Reconciler FieldReconciler
	Index      indexer.Client
	SpIDs      SpIDResolver
}

// DefaultTimeout bounds one assignment when Config.Timeout is unset.
const DefaultTimeout = 2 * time.Minute

// Config tunes an Assigner.
type Config struct {
	PerformSyncCheck bool
	Convergence      indexer.Waiter
	// Timeout bounds one assignment, including the convergence wait.
	Timeout time.Duration
}

// Result describes a finished assignment.
type Result struct {
	UserID     int64                 `json:"userID"`
	Phase      Phase                 `json:"-"`
	ReplicaSet replicaset.ReplicaSet `json:"replicaSet"`
	Profile    profile.UserProfile   `json:"profile"`
	Block      ledger.WriteResult    `json:"block"`
	NoOp       bool                  `json:"noOp"`
	Elapsed    time.Duration         `json:"elapsed"`
}

// Assigner assigns replica sets. Concurrent calls for the same user share
// one in-flight assignment.
type Assigner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group
}

// New creates an Assigner.
func New(deps Deps, cfg Config, logger *zap.Logger) *Assigner {
	if cfg.Convergence.Interval <= 0 || cfg.Convergence.Timeout <= 0 {
		cfg.Convergence = indexer.NewWaiter(cfg.Convergence.Interval, cfg.Convergence.Timeout)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Assigner{deps: deps, cfg: cfg, logger: logger}
}

// AssignIfNecessary loads the user from the ledger and assigns a replica set
// when none is recorded.
func (a *Assigner) AssignIfNecessary(ctx context.Context, userID int64) (Result, error) {
	p, err := a.deps.Reader.Profile(ctx, userID)
	if err != nil {
		return Result{}, &PhaseError{Phase: PhaseCleanValidate, UserID: userID, Err: err}
	}
	return a.Assign(ctx, p)
}

// Assign runs the assignment for p, the desired profile. A user who already
// has a replica set is returned unchanged with NoOp set and no network or
// ledger calls. Every error is a *PhaseError.
//
// The run is detached from ctx cancellation so that callers sharing it are
// not failed by whichever caller started it. It keeps ctx values and is
// bounded by Config.Timeout instead.
func (a *Assigner) Assign(ctx context.Context, p profile.UserProfile) (Result, error) {
	v, err, shared := a.group.Do(strconv.FormatInt(p.UserID, 10), func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Timeout)
		defer cancel()
		return a.assign(runCtx, p)
	})
	if shared {
		a.logger.Debug("Joined in-flight assignment", zap.Int64("userID", p.UserID))
	}
	return v.(Result), err
}

// run tracks one assignment through its phases.
type run struct {
	a          *Assigner
	userID     int64
	phase      Phase
	start      time.Time
	phaseStart time.Time
}

func (r *run) advance(next Phase) error {
	if !r.phase.CanTransition(next) {
		return fmt.Errorf("illegal phase transition %s -> %s", r.phase, next)
	}
	now := time.Now()
	metrics.PhaseDuration.WithLabelValues(r.phase.String()).Observe(now.Sub(r.phaseStart).Seconds())
	r.a.logger.Debug("Assignment phase complete",
		zap.Int64("userID", r.userID),
		zap.Stringer("phase", r.phase),
		zap.Stringer("next", next),
		zap.Duration("took", now.Sub(r.phaseStart)),
	)
	r.phase, r.phaseStart = next, now
	return nil
}

func (r *run) fail(err error) (Result, error) {
	failed := r.phase
	_ = r.advance(PhaseFailed)
	perr := &PhaseError{Phase: failed, UserID: r.userID, Elapsed: time.Since(r.start), Err: err}
	metrics.AssignmentsTotal.WithLabelValues(failed.String(), "failed").Inc()
	r.a.logger.Error("Replica set assignment failed", zap.Error(perr))
	return Result{UserID: r.userID, Phase: PhaseFailed}, perr
}

func (r *run) done(res Result) (Result, error) {
	if err := r.advance(PhaseDone); err != nil {
		return r.fail(err)
	}
	res.UserID = r.userID
	res.Phase = PhaseDone
	res.Elapsed = time.Since(r.start)
	outcome := "assigned"
	if res.NoOp {
		outcome = "noop"
	}
	metrics.AssignmentsTotal.WithLabelValues(PhaseDone.String(), outcome).Inc()
	r.a.logger.Info("Replica set assignment finished",
		zap.Int64("userID", r.userID),
		zap.String("replicaSet", res.ReplicaSet.Encode()),
		zap.Bool("noOp", res.NoOp),
		zap.Int64("block", res.Block.BlockNumber),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (a *Assigner) assign(ctx context.Context, p profile.UserProfile) (Result, error) {
	now := time.Now()
	r := &run{a: a, userID: p.UserID, phase: PhaseCleanValidate, start: now, phaseStart: now}

	// CLEAN_VALIDATE
	p = profile.Clean(p)
	if err := profile.Validate(p); err != nil {
		return r.fail(err)
	}
	if p.CreatorNodeEndpoint != "" {
		rs, err := replicaset.Parse(p.CreatorNodeEndpoint)
		if err != nil {
			return r.fail(err)
		}
		return r.done(Result{ReplicaSet: rs, Profile: p, Block: ledger.NoUpdate, NoOp: true})
	}
	if err := r.advance(PhaseAutoselect); err != nil {
		return r.fail(err)
	}

	// AUTOSELECT
	opts := selection.SelectOptions{
		PerformSyncCheck: a.cfg.PerformSyncCheck,
		Wallet:           p.Wallet,
	}
	if opts.PerformSyncCheck {
		// nodes are compared against the user's latest ledger write
		userBlock, err := a.deps.Reader.UserBlock(ctx, p.UserID)
		if err != nil {
			return r.fail(fmt.Errorf("load user block: %w", err))
		}
		opts.UserBlockNumber = userBlock
	}
	sel, err := a.deps.Selector.Select(ctx, opts)
	if err != nil {
		return r.fail(err)
	}
	rs := sel.ReplicaSet
	if err := rs.Validate(); err != nil {
		return r.fail(err)
	}
	if err := r.advance(PhaseSetPrimary); err != nil {
		return r.fail(err)
	}

	// SET_PRIMARY
	if err := a.deps.Storage.Connect(ctx, rs.Primary); err != nil {
		return r.fail(err)
	}
	if err := r.advance(PhaseUploadAndCommit); err != nil {
		return r.fail(err)
	}

	// UPLOAD_AND_COMMIT
	block, err := a.uploadAndCommit(ctx, p, rs)
	if err != nil {
		return r.fail(err)
	}
	p.CreatorNodeEndpoint = rs.Encode()
	return r.done(Result{ReplicaSet: rs, Profile: p, Block: block})
}

// uploadAndCommit uploads p to rs.Primary, writes the replica set and any
// other changed fields, waits for indexing and associates the user with the
// latest block.
func (a *Assigner) uploadAndCommit(ctx context.Context, p profile.UserProfile, rs replicaset.ReplicaSet) (ledger.WriteResult, error) {
	old, err := a.deps.Reader.Profile(ctx, p.UserID)
	if err != nil {
		return ledger.WriteResult{}, fmt.Errorf("load current profile: %w", err)
	}
	desired := p
	desired.CreatorNodeEndpoint = rs.Encode()

	upload, err := a.deps.Storage.UploadCreatorContent(ctx, rs.Primary, desired, nil)
	if err != nil {
		return ledger.WriteResult{}, err
	}

	rsWrite, err := a.deps.Ledger.WriteField(ctx, p.UserID, profile.FieldCreatorNodeEndpoint, desired.CreatorNodeEndpoint)
	if err != nil {
		return ledger.WriteResult{}, &ledger.FieldWriteError{Field: profile.FieldCreatorNodeEndpoint, Err: err}
	}

	fields, err := a.deps.Reconciler.Reconcile(ctx, p.UserID, old, desired, profile.FieldCreatorNodeEndpoint)
	if err != nil {
		return ledger.WriteResult{}, err
	}
	latest := ledger.Latest(rsWrite, fields)

	if a.deps.Index != nil && a.deps.SpIDs != nil {
		ids, err := a.deps.SpIDs.SpIDs(ctx, rs.Endpoints())
		if err != nil {
			return ledger.WriteResult{}, fmt.Errorf("resolve sp ids: %w", err)
		}
		if _, err := indexer.WaitForReplicaSet(ctx, a.cfg.Convergence, a.deps.Index, p.UserID, rsWrite.BlockNumber, ids); err != nil {
			var timeout *indexer.ConvergenceTimeoutError
			if errors.As(err, &timeout) {
				a.logger.Warn("Replica set not indexed before deadline", zap.Int64("userID", p.UserID), zap.Error(err))
			}
			return ledger.WriteResult{}, err
		}
	}

	if err := a.deps.Storage.AssociateCreator(ctx, rs.Primary, p.UserID, upload.MetadataFileUUID, latest.BlockNumber); err != nil {
		return ledger.WriteResult{}, err
	}
	return latest, nil
}
