package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iggydv12/replicaset/internal/metrics"
	"github.com/iggydv12/replicaset/internal/profile"
)

// FieldWriteError is a ledger transaction for one field that did not commit.
type FieldWriteError struct {
	Field profile.Field
	Err   error
}

func (e *FieldWriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Field, e.Err)
}

func (e *FieldWriteError) Unwrap() error { return e.Err }

// Reconciler writes every changed field as its own concurrent transaction
// and reports the latest block among them.
type Reconciler struct {
	w      Writer
	logger *zap.Logger
}

// NewReconciler creates a Reconciler writing through w.
func NewReconciler(w Writer, logger *zap.Logger) *Reconciler {
	return &Reconciler{w: w, logger: logger}
}

// Reconcile writes the fields that differ between old and updated, skipping
// exclude. The returned result is the committed write with the highest block
// number, regardless of the order writes settled in; NoUpdate when nothing
// changed. Writes that commit are never rolled back: on partial failure the
// latest successful result is returned together with a joined error of
// *FieldWriteError values.
func (r *Reconciler) Reconcile(ctx context.Context, userID int64, old, updated profile.UserProfile, exclude ...profile.Field) (WriteResult, error) {
	changed := profile.Diff(old, updated, exclude...)
	if len(changed) == 0 {
		return NoUpdate, nil
	}

	results := make([]WriteResult, len(changed))
	errs := make([]error, len(changed))

	var eg errgroup.Group
	for i, field := range changed {
		i, field := i, field
		value, _ := updated.Get(field)
		eg.Go(func() error {
			res, err := r.w.WriteField(ctx, userID, field, value)
			if err != nil {
				metrics.LedgerWritesTotal.WithLabelValues(string(field), "error").Inc()
				errs[i] = &FieldWriteError{Field: field, Err: err}
				results[i] = NoUpdate
				return nil
			}
			metrics.LedgerWritesTotal.WithLabelValues(string(field), "ok").Inc()
			r.logger.Debug("Field committed",
				zap.Int64("userID", userID),
				zap.String("field", string(field)),
				zap.Int64("block", res.BlockNumber),
			)
			results[i] = res
			return nil
		})
	}
	_ = eg.Wait()

	latest := Latest(results...)
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("Field reconciliation incomplete",
			zap.Int64("userID", userID),
			zap.Int("fields", len(changed)),
			zap.Int64("latestBlock", latest.BlockNumber),
			zap.Error(err),
		)
		return latest, err
	}
	return latest, nil
}
