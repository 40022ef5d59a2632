package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iggydv12/replicaset/internal/ledger"
	"github.com/iggydv12/replicaset/internal/registry"
	"github.com/iggydv12/replicaset/internal/replicaset"
)

// ErrBlockNotIndexed means the node has not reached the requested block yet.
var ErrBlockNotIndexed = errors.New("block not yet indexed")

// IndexedReplicaSet is a user's replica set as an indexing node sees it.
type IndexedReplicaSet struct {
	UserID       int64   `json:"userID"`
	BlockNumber  int64   `json:"blockNumber"`
	PrimaryID    int64   `json:"primaryID"`
	SecondaryIDs []int64 `json:"secondaryIDs"`
}

// SpIDs returns primary then secondary ids.
func (r IndexedReplicaSet) SpIDs() []int64 {
	if r.PrimaryID == 0 {
		return nil
	}
	return append([]int64{r.PrimaryID}, r.SecondaryIDs...)
}

// Client queries an indexing node.
type Client interface {
	// UserReplicaSet returns ErrBlockNotIndexed until the node has indexed minBlock.
	UserReplicaSet(ctx context.Context, userID, minBlock int64) (IndexedReplicaSet, error)
}

// MismatchError means the node indexed the block but reports a different
// replica set. Retrying cannot fix it.
type MismatchError struct {
	Block    int64
	Expected []int64
	Observed []int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("indexed replica set at block %d is %v, expected %v", e.Block, e.Observed, e.Expected)
}

type observation struct {
	head int64
	at   time.Time
}

// LedgerIndex is a Client that indexes a Ledger with a fixed delay: a block
// becomes visible Delay after the index first observes it.
type LedgerIndex struct {
	ledger ledger.Ledger
	spids  *registry.SpIDCache
	delay  time.Duration
	now    func() time.Time

	mu       sync.Mutex
	lastSeen int64
	indexed  int64
	pending  []observation
}

// NewLedgerIndex creates a LedgerIndex over l resolving endpoints with spids.
func NewLedgerIndex(l ledger.Ledger, spids *registry.SpIDCache, delay time.Duration) *LedgerIndex {
	return &LedgerIndex{
		ledger: l,
		spids:  spids,
		delay:  delay,
		now:    time.Now,
	}
}

// IndexedHead returns the latest block visible through the index.
func (x *LedgerIndex) IndexedHead(ctx context.Context) (int64, error) {
	head, err := x.ledger.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger head: %w", err)
	}
	now := x.now()

	x.mu.Lock()
	defer x.mu.Unlock()
	if head > x.lastSeen {
		x.pending = append(x.pending, observation{head: head, at: now})
		x.lastSeen = head
	}
	for len(x.pending) > 0 && now.Sub(x.pending[0].at) >= x.delay {
		x.indexed = x.pending[0].head
		x.pending = x.pending[1:]
	}
	return x.indexed, nil
}

// UserReplicaSet implements Client.
func (x *LedgerIndex) UserReplicaSet(ctx context.Context, userID, minBlock int64) (IndexedReplicaSet, error) {
	indexed, err := x.IndexedHead(ctx)
	if err != nil {
		return IndexedReplicaSet{}, err
	}
	if indexed < minBlock {
		return IndexedReplicaSet{}, fmt.Errorf("%w: at %d, want %d", ErrBlockNotIndexed, indexed, minBlock)
	}

	p, err := x.ledger.ProfileAt(ctx, userID, indexed)
	if err != nil {
		return IndexedReplicaSet{}, err
	}
	out := IndexedReplicaSet{UserID: userID, BlockNumber: indexed}
	rs, err := replicaset.Parse(p.CreatorNodeEndpoint)
	if err != nil {
		return IndexedReplicaSet{}, err
	}
	if rs.IsZero() {
		return out, nil
	}
	ids, err := x.spids.SpIDs(ctx, rs.Endpoints())
	if err != nil {
		return IndexedReplicaSet{}, err
	}
	out.PrimaryID = ids[0]
	out.SecondaryIDs = ids[1:]
	return out, nil
}

// WaitForReplicaSet waits until client reports want at or after block.
// Errors before the block is indexed are retried; a different replica set at
// an indexed block fails immediately with *MismatchError.
func WaitForReplicaSet(ctx context.Context, w Waiter, client Client, userID, block int64, want []int64) (IndexedReplicaSet, error) {
	poll := func(ctx context.Context) (IndexedReplicaSet, error) {
		r, err := client.UserReplicaSet(ctx, userID, block)
		if err != nil {
			return IndexedReplicaSet{}, err
		}
		if !equalIDs(r.SpIDs(), want) {
			return IndexedReplicaSet{}, Permanent(&MismatchError{Block: r.BlockNumber, Expected: want, Observed: r.SpIDs()})
		}
		return r, nil
	}
	match := func(r IndexedReplicaSet) bool { return equalIDs(r.SpIDs(), want) }
	return Wait(ctx, w, poll, match)
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
