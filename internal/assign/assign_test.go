package assign_test

import (
	"context"
	"errors"
	"math/rand"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/replicaset/internal/assign"
	"github.com/iggydv12/replicaset/internal/devnode"
	"github.com/iggydv12/replicaset/internal/health"
	"github.com/iggydv12/replicaset/internal/indexer"
	"github.com/iggydv12/replicaset/internal/ledger"
	"github.com/iggydv12/replicaset/internal/profile"
	"github.com/iggydv12/replicaset/internal/registry"
	"github.com/iggydv12/replicaset/internal/replicaset"
	"github.com/iggydv12/replicaset/internal/selection"
	"github.com/iggydv12/replicaset/internal/storage"
)

type fakeSelector struct {
	calls atomic.Int32
	gate  chan struct{}
	rs    replicaset.ReplicaSet
	err   error
}

func (f *fakeSelector) Select(ctx context.Context, _ selection.SelectOptions) (selection.Selection, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if err := ctx.Err(); err != nil {
		return selection.Selection{}, err
	}
	return selection.Selection{ReplicaSet: f.rs}, f.err
}

type fakeStorage struct {
	mu        sync.Mutex
	calls     []string
	setErr    error
	uploadErr error
	associate int64
}

func (f *fakeStorage) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeStorage) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStorage) Connect(context.Context, string) error {
	f.record("set")
	return f.setErr
}

func (f *fakeStorage) UploadCreatorContent(context.Context, string, profile.UserProfile, *int64) (storage.UploadResult, error) {
	f.record("upload")
	if f.uploadErr != nil {
		return storage.UploadResult{}, f.uploadErr
	}
	return storage.UploadResult{MetadataFileUUID: "uuid-1", MetadataMultihash: "Qm1"}, nil
}

func (f *fakeStorage) AssociateCreator(_ context.Context, _ string, _ int64, _ string, block int64) error {
	f.record("associate")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.associate = block
	return nil
}

var testRS = replicaset.ReplicaSet{Primary: "https://cn1", Secondaries: []string{"https://cn2", "https://cn3"}}

func newLedger(t *testing.T, p profile.UserProfile) *ledger.MemoryLedger {
	t.Helper()
	l := ledger.NewMemoryLedger()
	_, err := l.CreateUser(context.Background(), p)
	require.NoError(t, err)
	return l
}

func newAssigner(l *ledger.MemoryLedger, sel assign.Selector, st assign.StorageClient) *assign.Assigner {
	return assign.New(assign.Deps{
		Selector:   sel,
		Storage:    st,
		Ledger:     l,
		Reader:     l,
		Reconciler: ledger.NewReconciler(l, zap.NewNop()),
	}, assign.Config{}, zap.NewNop())
}

func user() profile.UserProfile {
	return profile.UserProfile{UserID: 7, Wallet: "0xabc", Handle: "ray", Name: "Ray"}
}

func TestAssignAlreadyAssignedIsNoOp(t *testing.T) {
	p := user()
	p.CreatorNodeEndpoint = testRS.Encode()
	l := newLedger(t, p)
	sel := &fakeSelector{}
	st := &fakeStorage{}

	res, err := newAssigner(l, sel, st).Assign(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.True(t, res.Block.IsNoUpdate())
	assert.Equal(t, assign.PhaseDone, res.Phase)
	assert.True(t, testRS.Equal(res.ReplicaSet))

	assert.Zero(t, sel.calls.Load())
	assert.Empty(t, st.Calls())
	assert.Len(t, l.Blocks(), 1)
}

func TestAssignMalformedEndpointFailsValidation(t *testing.T) {
	p := user()
	p.CreatorNodeEndpoint = "https://cn1,https://cn1"
	l := newLedger(t, user())

	_, err := newAssigner(l, &fakeSelector{}, &fakeStorage{}).Assign(context.Background(), p)
	var pe *assign.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, assign.PhaseCleanValidate, pe.Phase)
}

func TestAssignInvalidProfile(t *testing.T) {
	p := user()
	p.Handle = "   "
	l := newLedger(t, user())

	_, err := newAssigner(l, &fakeSelector{}, &fakeStorage{}).Assign(context.Background(), p)
	var pe *assign.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, assign.PhaseCleanValidate, pe.Phase)
	assert.ErrorIs(t, err, profile.ErrMissingHandle)
}

func TestAssignNoPrimary(t *testing.T) {
	l := newLedger(t, user())
	st := &fakeStorage{}

	_, err := newAssigner(l, &fakeSelector{err: selection.ErrNoPrimarySelected}, st).Assign(context.Background(), user())
	var pe *assign.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, assign.PhaseAutoselect, pe.Phase)
	assert.ErrorIs(t, err, selection.ErrNoPrimarySelected)
	assert.Empty(t, st.Calls())
}

func TestAssignSetPrimaryFailure(t *testing.T) {
	l := newLedger(t, user())
	st := &fakeStorage{setErr: errors.New("connection refused")}

	_, err := newAssigner(l, &fakeSelector{rs: testRS}, st).Assign(context.Background(), user())
	var pe *assign.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, assign.PhaseSetPrimary, pe.Phase)
	assert.Equal(t, []string{"set"}, st.Calls())
	assert.Len(t, l.Blocks(), 1)
}

func TestAssignUploadFailureIsTaggedAndWritesNothing(t *testing.T) {
	l := newLedger(t, user())
	boom := errors.New("upload rejected")
	st := &fakeStorage{uploadErr: boom}

	res, err := newAssigner(l, &fakeSelector{rs: testRS}, st).Assign(context.Background(), user())
	var pe *assign.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, assign.PhaseUploadAndCommit, pe.Phase)
	assert.Equal(t, int64(7), pe.UserID)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "UPLOAD_AND_COMMIT")
	assert.Equal(t, assign.PhaseFailed, res.Phase)

	assert.Equal(t, []string{"set", "upload"}, st.Calls())
	assert.Len(t, l.Blocks(), 1)
}

func TestAssignCommitsAndConverges(t *testing.T) {
	l := newLedger(t, user())
	reg, err := registry.NewStatic([]registry.Provider{
		{SpID: 1, Endpoint: "https://cn1", OwnerID: "op1", Type: registry.ServiceContentNode},
		{SpID: 2, Endpoint: "https://cn2", OwnerID: "op2", Type: registry.ServiceContentNode},
		{SpID: 3, Endpoint: "https://cn3", OwnerID: "op3", Type: registry.ServiceContentNode},
	}, nil)
	require.NoError(t, err)
	spids := registry.NewSpIDCache(reg, registry.ServiceContentNode)
	st := &fakeStorage{}

	a := assign.New(assign.Deps{
		Selector:   &fakeSelector{rs: testRS},
		Storage:    st,
		Ledger:     l,
		Reader:     l,
		Reconciler: ledger.NewReconciler(l, zap.NewNop()),
		Index:      indexer.NewLedgerIndex(l, spids, 20*time.Millisecond),
		SpIDs:      spids,
	}, assign.Config{Convergence: indexer.NewWaiter(5*time.Millisecond, 2*time.Second)}, zap.NewNop())

	desired := user()
	desired.Name = "Ray Charles"
	desired.Bio = "piano"

	res, err := a.Assign(context.Background(), desired)
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.True(t, testRS.Equal(res.ReplicaSet))
	assert.Equal(t, testRS.Encode(), res.Profile.CreatorNodeEndpoint)

	blocks := l.Blocks()
	require.Len(t, blocks, 4)
	assert.Equal(t, blocks[3].Number, res.Block.BlockNumber)
	assert.Equal(t, blocks[3].Hash, res.Block.BlockHash)
	assert.Equal(t, []string{"set", "upload", "associate"}, st.Calls())
	assert.Equal(t, res.Block.BlockNumber, st.associate)

	stored, err := l.Profile(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "Ray Charles", stored.Name)
	assert.Equal(t, "piano", stored.Bio)
	assert.Equal(t, testRS.Encode(), stored.CreatorNodeEndpoint)

	again, err := a.AssignIfNecessary(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Len(t, l.Blocks(), 4)
}

func TestAssignSharesInFlightCall(t *testing.T) {
	l := newLedger(t, user())
	sel := &fakeSelector{rs: testRS, gate: make(chan struct{})}
	a := newAssigner(l, sel, &fakeStorage{})

	var wg sync.WaitGroup
	results := make([]assign.Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Assign(context.Background(), user())
		}(i)
	}
	require.Eventually(t, func() bool { return sel.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(sel.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), sel.calls.Load())
	assert.Equal(t, results[0].Block, results[1].Block)
	assert.Len(t, l.Blocks(), 2)
}

func TestAssignEndToEnd(t *testing.T) {
	var providers []registry.Provider
	nodes := map[string]*devnode.Node{}
	for i, owner := range []string{"op1", "op2", "op3", "op4"} {
		n := devnode.New(devnode.Config{Version: "2.1.0", DiskPath: t.TempDir(), MaxStorageUsedPercent: 100}, zap.NewNop())
		srv := httptest.NewServer(n.Handler())
		t.Cleanup(srv.Close)
		nodes[srv.URL] = n
		providers = append(providers, registry.Provider{SpID: int64(i + 1), Endpoint: srv.URL, OwnerID: owner, Type: registry.ServiceContentNode})
	}
	reg, err := registry.NewStatic(providers, map[registry.ServiceType]string{registry.ServiceContentNode: "2.1.4"})
	require.NoError(t, err)

	logger := zap.NewNop()
	st := storage.NewClient(nil, storage.DefaultConfig(), logger)
	sel := selection.NewSelector(reg,
		health.NewProbe(nil, 2*time.Second, logger),
		selection.NewRanker(selection.DefaultEquivalencyDelta, false, false, rand.New(rand.NewSource(3))),
		st, selection.SelectorConfig{}, logger)

	l := newLedger(t, user())
	spids := registry.NewSpIDCache(reg, registry.ServiceContentNode)
	a := assign.New(assign.Deps{
		Selector:   sel,
		Storage:    st,
		Ledger:     l,
		Reader:     l,
		Reconciler: ledger.NewReconciler(l, logger),
		Index:      indexer.NewLedgerIndex(l, spids, 0),
		SpIDs:      spids,
	}, assign.Config{PerformSyncCheck: true, Convergence: indexer.NewWaiter(5*time.Millisecond, 2*time.Second)}, logger)

	res, err := a.AssignIfNecessary(context.Background(), 7)
	require.NoError(t, err)
	require.NoError(t, res.ReplicaSet.Validate())
	assert.True(t, st.Connected(res.ReplicaSet.Primary))

	primary := nodes[res.ReplicaSet.Primary]
	require.NotNil(t, primary)
	assoc, ok := primary.Association(7)
	require.True(t, ok)
	assert.Equal(t, res.Block.BlockNumber, assoc.BlockNumber)

	meta, ok := primary.Metadata(assoc.MetadataFileUUID)
	require.True(t, ok)
	assert.Equal(t, res.ReplicaSet.Encode(), meta.CreatorNodeEndpoint)
}

// walletSelector hands each wallet its own replica set.
type walletSelector map[string]replicaset.ReplicaSet

func (w walletSelector) Select(_ context.Context, opts selection.SelectOptions) (selection.Selection, error) {
	return selection.Selection{ReplicaSet: w[opts.Wallet]}, nil
}

// pausingReader blocks the first Profile read for userID until release closes.
type pausingReader struct {
	*ledger.MemoryLedger
	userID  int64
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (r *pausingReader) Profile(ctx context.Context, userID int64) (profile.UserProfile, error) {
	if userID == r.userID {
		r.once.Do(func() {
			close(r.reached)
			<-r.release
		})
	}
	return r.MemoryLedger.Profile(ctx, userID)
}

func devFleet(t *testing.T, n int) ([]string, map[string]*devnode.Node) {
	t.Helper()
	var endpoints []string
	nodes := map[string]*devnode.Node{}
	for i := 0; i < n; i++ {
		dn := devnode.New(devnode.Config{Version: "2.1.0", DiskPath: t.TempDir(), MaxStorageUsedPercent: 100}, zap.NewNop())
		srv := httptest.NewServer(dn.Handler())
		t.Cleanup(srv.Close)
		nodes[srv.URL] = dn
		endpoints = append(endpoints, srv.URL)
	}
	return endpoints, nodes
}

func TestAssignConcurrentUsersKeepTheirOwnPrimary(t *testing.T) {
	endpoints, nodes := devFleet(t, 6)
	rsA := replicaset.ReplicaSet{Primary: endpoints[0], Secondaries: endpoints[1:3]}
	rsB := replicaset.ReplicaSet{Primary: endpoints[3], Secondaries: endpoints[4:6]}

	ray, kim := user(), profile.UserProfile{UserID: 8, Wallet: "0xk1m", Handle: "kim", Name: "Kim"}
	l := newLedger(t, ray)
	_, err := l.CreateUser(context.Background(), kim)
	require.NoError(t, err)

	reader := &pausingReader{MemoryLedger: l, userID: ray.UserID, reached: make(chan struct{}), release: make(chan struct{})}
	st := storage.NewClient(nil, storage.DefaultConfig(), zap.NewNop())
	a := assign.New(assign.Deps{
		Selector:   walletSelector{ray.Wallet: rsA, kim.Wallet: rsB},
		Storage:    st,
		Ledger:     l,
		Reader:     reader,
		Reconciler: ledger.NewReconciler(l, zap.NewNop()),
	}, assign.Config{}, zap.NewNop())

	var (
		rayRes assign.Result
		rayErr error
		done   = make(chan struct{})
	)
	go func() {
		defer close(done)
		rayRes, rayErr = a.Assign(context.Background(), ray)
	}()

	// ray is connected to its primary and paused before uploading
	select {
	case <-reader.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("first assignment never reached upload")
	}
	kimRes, err := a.Assign(context.Background(), kim)
	require.NoError(t, err)
	close(reader.release)
	<-done
	require.NoError(t, rayErr)

	for _, tc := range []struct {
		res   assign.Result
		other string
	}{{rayRes, rsB.Primary}, {kimRes, rsA.Primary}} {
		stored, err := l.Profile(context.Background(), tc.res.UserID)
		require.NoError(t, err)
		ledgerRS, err := replicaset.Parse(stored.CreatorNodeEndpoint)
		require.NoError(t, err)

		assoc, ok := nodes[ledgerRS.Primary].Association(tc.res.UserID)
		require.True(t, ok, "user %d not associated on its ledger primary", tc.res.UserID)
		assert.Equal(t, tc.res.Block.BlockNumber, assoc.BlockNumber)
		meta, ok := nodes[ledgerRS.Primary].Metadata(assoc.MetadataFileUUID)
		require.True(t, ok)
		assert.Equal(t, stored.CreatorNodeEndpoint, meta.CreatorNodeEndpoint)

		_, ok = nodes[tc.other].Association(tc.res.UserID)
		assert.False(t, ok, "user %d associated on another user's primary", tc.res.UserID)
		assert.Equal(t, tc.res.Block.BlockNumber, st.MaxBlockNumber(tc.res.UserID))
	}
}

func TestAssignSyncCheckExcludesBehindNode(t *testing.T) {
	endpoints, nodes := devFleet(t, 4)
	var providers []registry.Provider
	for i, e := range endpoints {
		providers = append(providers, registry.Provider{SpID: int64(i + 1), Endpoint: e, OwnerID: "op" + strconv.Itoa(i), Type: registry.ServiceContentNode})
	}
	reg, err := registry.NewStatic(providers, map[registry.ServiceType]string{registry.ServiceContentNode: "2.1.4"})
	require.NoError(t, err)

	l := newLedger(t, user())
	_, err = l.WriteField(context.Background(), 7, profile.FieldBio, "piano")
	require.NoError(t, err)
	_, err = l.WriteField(context.Background(), 7, profile.FieldLocation, "Georgia")
	require.NoError(t, err)
	userBlock, err := l.UserBlock(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(3), userBlock)

	// stale has seen the wallet but not its latest write
	stale := endpoints[2]
	nodes[stale].SetSyncBlock(user().Wallet, userBlock-2)

	logger := zap.NewNop()
	st := storage.NewClient(nil, storage.DefaultConfig(), logger)
	sel := selection.NewSelector(reg,
		health.NewProbe(nil, 2*time.Second, logger),
		selection.NewRanker(selection.DefaultEquivalencyDelta, false, false, rand.New(rand.NewSource(5))),
		st, selection.SelectorConfig{}, logger)
	a := assign.New(assign.Deps{
		Selector:   sel,
		Storage:    st,
		Ledger:     l,
		Reader:     l,
		Reconciler: ledger.NewReconciler(l, logger),
	}, assign.Config{PerformSyncCheck: true}, logger)

	res, err := a.AssignIfNecessary(context.Background(), 7)
	require.NoError(t, err)
	assert.NotContains(t, res.ReplicaSet.Endpoints(), stale)
	assert.Len(t, res.ReplicaSet.Endpoints(), 3)
}

func TestAssignOutlivesCancelledCaller(t *testing.T) {
	l := newLedger(t, user())
	sel := &fakeSelector{rs: testRS, gate: make(chan struct{})}
	st := &fakeStorage{}
	a := newAssigner(l, sel, st)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := a.Assign(first, user())
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return sel.calls.Load() == 1 }, time.Second, time.Millisecond)

	joined := make(chan error, 1)
	var res assign.Result
	go func() {
		var err error
		res, err = a.Assign(context.Background(), user())
		joined <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(sel.gate)

	require.NoError(t, <-joined)
	require.NoError(t, <-firstErr)
	assert.Equal(t, testRS, res.ReplicaSet)
	assert.Equal(t, []string{"set", "upload", "associate"}, st.Calls())
}

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to assign.Phase
		ok       bool
	}{
		{assign.PhaseCleanValidate, assign.PhaseAutoselect, true},
		{assign.PhaseCleanValidate, assign.PhaseDone, true},
		{assign.PhaseCleanValidate, assign.PhaseSetPrimary, false},
		{assign.PhaseAutoselect, assign.PhaseSetPrimary, true},
		{assign.PhaseAutoselect, assign.PhaseDone, false},
		{assign.PhaseSetPrimary, assign.PhaseUploadAndCommit, true},
		{assign.PhaseUploadAndCommit, assign.PhaseDone, true},
		{assign.PhaseUploadAndCommit, assign.PhaseFailed, true},
		{assign.PhaseAutoselect, assign.PhaseFailed, true},
		{assign.PhaseDone, assign.PhaseFailed, false},
		{assign.PhaseFailed, assign.PhaseCleanValidate, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}
