package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/iggydv12/replicaset/internal/profile"
)

var (
	headKey         = []byte("meta/head")
	blockPrefix     = []byte("block/")
	blockUpperKey   = []byte("block0")
	profileKeyFmt   = "profile/%020d"
	blockKeyFmt     = "block/%020d"
	userBlockKeyFmt = "userblock/%020d"
)

// PebbleLedger is a Ledger persisted in a Pebble LSM tree. Writes are
// serialized so block numbers stay gap free.
type PebbleLedger struct {
	mu     sync.Mutex
	db     *pebble.DB
	path   string
	logger *zap.Logger
}

// NewPebbleLedger creates a PebbleLedger instance (not yet opened).
func NewPebbleLedger(dbPath string, logger *zap.Logger) *PebbleLedger {
	return &PebbleLedger{
		path:   dbPath,
		logger: logger,
	}
}

// Init opens the Pebble database.
func (p *PebbleLedger) Init() error {
	opts := &pebble.Options{
		Logger: &pebbleLogger{p.logger},
	}
	db, err := pebble.Open(p.path, opts)
	if err != nil {
		return fmt.Errorf("pebble open %s: %w", p.path, err)
	}
	p.db = db
	p.logger.Info("Pebble ledger opened", zap.String("path", p.path))
	return nil
}

// Close flushes and closes the database.
func (p *PebbleLedger) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// CreateUser implements Ledger.
func (p *PebbleLedger) CreateUser(_ context.Context, u profile.UserProfile) (WriteResult, error) {
	if err := profile.Validate(u); err != nil {
		return WriteResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.profile(u.UserID); err == nil {
		return WriteResult{}, fmt.Errorf("user %d already exists", u.UserID)
	} else if !errors.Is(err, ErrNotFound) {
		return WriteResult{}, err
	}
	created := u
	return p.commit(Block{UserID: u.UserID, Value: u.Handle, Creation: &created}, u)
}

// WriteField implements Writer.
func (p *PebbleLedger) WriteField(_ context.Context, userID int64, field profile.Field, value string) (WriteResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.profile(userID)
	if err != nil {
		return WriteResult{}, err
	}
	updated, err := current.With(field, value)
	if err != nil {
		return WriteResult{}, err
	}
	return p.commit(Block{UserID: userID, Field: field, Value: value}, updated)
}

// commit appends b and stores the resulting profile in one batch.
// Must be called with p.mu held.
func (p *PebbleLedger) commit(b Block, state profile.UserProfile) (WriteResult, error) {
	head, prevHash, err := p.head()
	if err != nil {
		return WriteResult{}, err
	}
	b.Number = head + 1
	b.Time = time.Now()
	b.Hash = chainHash(prevHash, b.Number, b.UserID, b.Field, b.Value)

	blockData, err := json.Marshal(b)
	if err != nil {
		return WriteResult{}, fmt.Errorf("marshal block: %w", err)
	}
	stateData, err := json.Marshal(state)
	if err != nil {
		return WriteResult{}, fmt.Errorf("marshal profile: %w", err)
	}
	headData := make([]byte, 8)
	binary.BigEndian.PutUint64(headData, uint64(b.Number))

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(fmt.Sprintf(blockKeyFmt, b.Number)), blockData, nil); err != nil {
		return WriteResult{}, err
	}
	if err := batch.Set([]byte(fmt.Sprintf(profileKeyFmt, b.UserID)), stateData, nil); err != nil {
		return WriteResult{}, err
	}
	if err := batch.Set([]byte(fmt.Sprintf(userBlockKeyFmt, b.UserID)), headData, nil); err != nil {
		return WriteResult{}, err
	}
	if err := batch.Set(headKey, headData, nil); err != nil {
		return WriteResult{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return WriteResult{}, fmt.Errorf("pebble commit: %w", err)
	}
	return b.Result(), nil
}

// head returns the latest block number and its hash.
func (p *PebbleLedger) head() (int64, string, error) {
	data, closer, err := p.db.Get(headKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("pebble get head: %w", err)
	}
	n := int64(binary.BigEndian.Uint64(data))
	closer.Close()

	b, err := p.block(n)
	if err != nil {
		return 0, "", err
	}
	return n, b.Hash, nil
}

func (p *PebbleLedger) block(n int64) (Block, error) {
	data, closer, err := p.db.Get([]byte(fmt.Sprintf(blockKeyFmt, n)))
	if err != nil {
		return Block{}, fmt.Errorf("pebble get block %d: %w", n, err)
	}
	defer closer.Close()
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return Block{}, fmt.Errorf("unmarshal block %d: %w", n, err)
	}
	return b, nil
}

func (p *PebbleLedger) profile(userID int64) (profile.UserProfile, error) {
	data, closer, err := p.db.Get([]byte(fmt.Sprintf(profileKeyFmt, userID)))
	if errors.Is(err, pebble.ErrNotFound) {
		return profile.UserProfile{}, fmt.Errorf("%w: %d", ErrNotFound, userID)
	}
	if err != nil {
		return profile.UserProfile{}, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	var u profile.UserProfile
	if err := json.Unmarshal(data, &u); err != nil {
		return profile.UserProfile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return u, nil
}

// Profile implements Reader.
func (p *PebbleLedger) Profile(_ context.Context, userID int64) (profile.UserProfile, error) {
	return p.profile(userID)
}

// UserBlock implements Reader.
func (p *PebbleLedger) UserBlock(_ context.Context, userID int64) (int64, error) {
	data, closer, err := p.db.Get([]byte(fmt.Sprintf(userBlockKeyFmt, userID)))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, fmt.Errorf("%w: %d", ErrNotFound, userID)
	}
	if err != nil {
		return 0, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	return int64(binary.BigEndian.Uint64(data)), nil
}

// Head implements Ledger.
func (p *PebbleLedger) Head(context.Context) (int64, error) {
	n, _, err := p.head()
	return n, err
}

// ProfileAt implements Ledger by replaying blocks up to atBlock.
func (p *PebbleLedger) ProfileAt(_ context.Context, userID int64, atBlock int64) (profile.UserProfile, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: blockPrefix,
		UpperBound: blockUpperKey,
	})
	if err != nil {
		return profile.UserProfile{}, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	var blocks []Block
	for iter.First(); iter.Valid(); iter.Next() {
		var b Block
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return profile.UserProfile{}, fmt.Errorf("unmarshal block: %w", err)
		}
		if b.Number > atBlock {
			break
		}
		if b.UserID == userID {
			blocks = append(blocks, b)
		}
	}
	if err := iter.Error(); err != nil {
		return profile.UserProfile{}, err
	}
	return replay(blocks, userID, atBlock)
}

// pebbleLogger adapts zap.Logger to the pebble.Logger interface.
type pebbleLogger struct {
	z *zap.Logger
}

func (l *pebbleLogger) Infof(format string, args ...any) {
	l.z.Sugar().Infof(format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...any) {
	l.z.Sugar().Errorf(format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...any) {
	l.z.Sugar().Fatalf(format, args...)
}
