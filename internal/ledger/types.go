package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/iggydv12/replicaset/internal/profile"
)

// ErrNotFound is returned for users that have no profile on the ledger.
var ErrNotFound = errors.New("user not found on ledger")

// WriteResult identifies the block a committed transaction landed in.
type WriteResult struct {
	BlockNumber int64  `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
}

// NoUpdate is returned when there was nothing to write. Its block number
// sorts below every real block.
var NoUpdate = WriteResult{BlockNumber: math.MinInt64}

// IsNoUpdate reports whether r is the NoUpdate sentinel.
func (r WriteResult) IsNoUpdate() bool { return r.BlockNumber == math.MinInt64 }

// Latest returns the result with the highest block number, or NoUpdate for
// no results. Equal block numbers are resolved arbitrarily.
func Latest(results ...WriteResult) WriteResult {
	latest := NoUpdate
	for _, r := range results {
		if r.BlockNumber > latest.BlockNumber {
			latest = r
		}
	}
	return latest
}

// Writer submits single-field transactions.
type Writer interface {
	WriteField(ctx context.Context, userID int64, field profile.Field, value string) (WriteResult, error)
}

// Reader returns the current state of a user.
type Reader interface {
	Profile(ctx context.Context, userID int64) (profile.UserProfile, error)
	// UserBlock returns the number of the latest block that touched userID.
	UserBlock(ctx context.Context, userID int64) (int64, error)
}

// Ledger is a full append-only ledger: writes, current reads, and history.
type Ledger interface {
	Writer
	Reader
	// CreateUser records a new user with every field at once.
	CreateUser(ctx context.Context, p profile.UserProfile) (WriteResult, error)
	// Head returns the number of the latest block, 0 when empty.
	Head(ctx context.Context) (int64, error)
	// ProfileAt returns the user as of block atBlock.
	ProfileAt(ctx context.Context, userID int64, atBlock int64) (profile.UserProfile, error)
}

// Block is one committed transaction.
type Block struct {
	Number   int64                `json:"number"`
	Hash     string               `json:"hash"`
	Time     time.Time            `json:"time"`
	UserID   int64                `json:"userID"`
	Field    profile.Field        `json:"field,omitempty"`
	Value    string               `json:"value,omitempty"`
	Creation *profile.UserProfile `json:"creation,omitempty"`
}

// Result returns the WriteResult identifying b.
func (b Block) Result() WriteResult {
	return WriteResult{BlockNumber: b.Number, BlockHash: b.Hash}
}

// apply folds b into p.
func (b Block) apply(p profile.UserProfile) (profile.UserProfile, error) {
	if b.Creation != nil {
		return *b.Creation, nil
	}
	return p.With(b.Field, b.Value)
}

// chainHash links a block to its predecessor.
func chainHash(prev string, number, userID int64, field profile.Field, value string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s|%s", prev, number, userID, field, value)))
	return "0x" + hex.EncodeToString(sum[:])
}
