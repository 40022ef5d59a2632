// Package ledger provides the append-only record of user profile fields,
// the LedgerFieldReconciler that writes changed fields concurrently, and
// in-memory and Pebble-backed ledgers.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/iggydv12/replicaset/internal/profile"
)

// MemoryLedger is a thread-safe in-memory Ledger. Each write mines its own block.
type MemoryLedger struct {
	mu     sync.RWMutex
	blocks []Block
	users  map[int64]profile.UserProfile
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		users: make(map[int64]profile.UserProfile),
	}
}

// CreateUser implements Ledger.
func (m *MemoryLedger) CreateUser(_ context.Context, p profile.UserProfile) (WriteResult, error) {
	if err := profile.Validate(p); err != nil {
		return WriteResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[p.UserID]; ok {
		return WriteResult{}, fmt.Errorf("user %d already exists", p.UserID)
	}
	created := p
	b := m.appendBlock(Block{UserID: p.UserID, Value: p.Handle, Creation: &created})
	m.users[p.UserID] = p
	return b.Result(), nil
}

// WriteField implements Writer.
func (m *MemoryLedger) WriteField(_ context.Context, userID int64, field profile.Field, value string) (WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.users[userID]
	if !ok {
		return WriteResult{}, fmt.Errorf("%w: %d", ErrNotFound, userID)
	}
	updated, err := p.With(field, value)
	if err != nil {
		return WriteResult{}, err
	}
	b := m.appendBlock(Block{UserID: userID, Field: field, Value: value})
	m.users[userID] = updated
	return b.Result(), nil
}

// appendBlock numbers, hashes and stores b. Must be called with lock held.
func (m *MemoryLedger) appendBlock(b Block) Block {
	prev := ""
	if n := len(m.blocks); n > 0 {
		prev = m.blocks[n-1].Hash
	}
	b.Number = int64(len(m.blocks)) + 1
	b.Time = time.Now()
	b.Hash = chainHash(prev, b.Number, b.UserID, b.Field, b.Value)
	m.blocks = append(m.blocks, b)
	return b
}

// Profile implements Reader.
func (m *MemoryLedger) Profile(_ context.Context, userID int64) (profile.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.users[userID]
	if !ok {
		return profile.UserProfile{}, fmt.Errorf("%w: %d", ErrNotFound, userID)
	}
	return p, nil
}

// UserBlock implements Reader.
func (m *MemoryLedger) UserBlock(_ context.Context, userID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.blocks) - 1; i >= 0; i-- {
		if m.blocks[i].UserID == userID {
			return m.blocks[i].Number, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrNotFound, userID)
}

// Head implements Ledger.
func (m *MemoryLedger) Head(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.blocks)), nil
}

// ProfileAt implements Ledger by replaying the user's blocks up to atBlock.
func (m *MemoryLedger) ProfileAt(_ context.Context, userID int64, atBlock int64) (profile.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return replay(m.blocks, userID, atBlock)
}

// Blocks returns a snapshot of the chain.
func (m *MemoryLedger) Blocks() []Block {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Block(nil), m.blocks...)
}

func replay(blocks []Block, userID, atBlock int64) (profile.UserProfile, error) {
	var (
		p     profile.UserProfile
		found bool
	)
	for _, b := range blocks {
		if b.Number > atBlock {
			break
		}
		if b.UserID != userID {
			continue
		}
		next, err := b.apply(p)
		if err != nil {
			return profile.UserProfile{}, fmt.Errorf("replay block %d: %w", b.Number, err)
		}
		p, found = next, true
	}
	if !found {
		return profile.UserProfile{}, fmt.Errorf("%w: %d at block %d", ErrNotFound, userID, atBlock)
	}
	return p, nil
}
