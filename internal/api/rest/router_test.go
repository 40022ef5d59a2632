package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/replicaset/internal/api/rest"
	"github.com/iggydv12/replicaset/internal/assign"
	"github.com/iggydv12/replicaset/internal/health"
	"github.com/iggydv12/replicaset/internal/indexer"
	"github.com/iggydv12/replicaset/internal/ledger"
	"github.com/iggydv12/replicaset/internal/profile"
	"github.com/iggydv12/replicaset/internal/registry"
	"github.com/iggydv12/replicaset/internal/replicaset"
	"github.com/iggydv12/replicaset/internal/selection"
)

type stubAssigner struct {
	res assign.Result
	err error
}

func (s stubAssigner) AssignIfNecessary(context.Context, int64) (assign.Result, error) {
	return s.res, s.err
}

type stubContent struct {
	sel selection.Selection
	err error
}

func (s stubContent) Select(context.Context, selection.SelectOptions) (selection.Selection, error) {
	return s.sel, s.err
}

type stubQuorum struct {
	cands []health.Candidate
	err   error
	sizes *[]int
}

func (s stubQuorum) Select(_ context.Context, size int, _ health.Filter) ([]health.Candidate, error) {
	if s.sizes != nil {
		*s.sizes = append(*s.sizes, size)
	}
	return s.cands, s.err
}

var rs = replicaset.ReplicaSet{Primary: "https://cn1", Secondaries: []string{"https://cn2", "https://cn3"}}

func newServer(t *testing.T, a rest.Assigner, c rest.ContentSelector, q rest.QuorumSelector) (*ledger.MemoryLedger, http.Handler) {
	return newServerWithQuorum(t, a, c, q, 3)
}

func newServerWithQuorum(t *testing.T, a rest.Assigner, c rest.ContentSelector, q rest.QuorumSelector, quorumSize int) (*ledger.MemoryLedger, http.Handler) {
	t.Helper()
	reg, err := registry.NewStatic([]registry.Provider{
		{SpID: 1, Endpoint: "https://cn1", OwnerID: "op1", Type: registry.ServiceContentNode},
		{SpID: 2, Endpoint: "https://cn2", OwnerID: "op2", Type: registry.ServiceContentNode},
		{SpID: 3, Endpoint: "https://cn3", OwnerID: "op3", Type: registry.ServiceContentNode},
	}, nil)
	require.NoError(t, err)
	l := ledger.NewMemoryLedger()
	idx := indexer.NewLedgerIndex(l, registry.NewSpIDCache(reg, registry.ServiceContentNode), 0)
	return l, rest.New(l, a, c, q, quorumSize, idx, zap.NewNop()).Handler()
}

func do(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetUser(t *testing.T) {
	_, h := newServer(t, stubAssigner{}, stubContent{}, stubQuorum{})

	rec := do(h, http.MethodPost, "/v1/users", profile.UserProfile{UserID: 4, Handle: " kim ", Name: "Kim"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(h, http.MethodGet, "/v1/users/4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data profile.UserProfile `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "kim", body.Data.Handle)

	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/v1/users/99", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/v1/users/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/v1/users", profile.UserProfile{UserID: 5}).Code)
}

func TestCreateUserRejectsPartialReplicaSet(t *testing.T) {
	l, h := newServer(t, stubAssigner{}, stubContent{}, stubQuorum{})

	p := profile.UserProfile{UserID: 9, Handle: "kim", Name: "Kim", CreatorNodeEndpoint: "https://cn1"}
	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/v1/users", p).Code)
	_, err := l.Profile(context.Background(), 9)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	p.CreatorNodeEndpoint = rs.Encode()
	assert.Equal(t, http.StatusCreated, do(h, http.MethodPost, "/v1/users", p).Code)
}

func TestAssignReplicaSet(t *testing.T) {
	_, h := newServer(t, stubAssigner{res: assign.Result{UserID: 4, ReplicaSet: rs, Phase: assign.PhaseDone}}, stubContent{}, stubQuorum{})

	rec := do(h, http.MethodPost, "/v1/users/4/replica_set", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Phase string `json:"phase"`
		Data  struct {
			ReplicaSet replicaset.ReplicaSet `json:"replicaSet"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "DONE", body.Phase)
	assert.Equal(t, rs.Primary, body.Data.ReplicaSet.Primary)
}

func TestAssignReplicaSetFailureReportsPhase(t *testing.T) {
	err := &assign.PhaseError{Phase: assign.PhaseAutoselect, UserID: 4, Elapsed: time.Second, Err: selection.ErrNoPrimarySelected}
	_, h := newServer(t, stubAssigner{err: err}, stubContent{}, stubQuorum{})

	rec := do(h, http.MethodPost, "/v1/users/4/replica_set", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AUTOSELECT", body["phase"])
}

func TestIndexedReplicaSetRoundTripsThroughHTTPClient(t *testing.T) {
	l, h := newServer(t, stubAssigner{}, stubContent{}, stubQuorum{})
	ctx := context.Background()
	_, err := l.CreateUser(ctx, profile.UserProfile{UserID: 4, Handle: "kim", Name: "Kim"})
	require.NoError(t, err)
	res, err := l.WriteField(ctx, 4, profile.FieldCreatorNodeEndpoint, rs.Encode())
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	client := indexer.NewHTTPClient(srv.URL, srv.Client())

	got, err := client.UserReplicaSet(ctx, 4, res.BlockNumber)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, got.SpIDs())

	_, err = client.UserReplicaSet(ctx, 4, res.BlockNumber+10)
	assert.ErrorIs(t, err, indexer.ErrBlockNotIndexed)
}

func TestSelectContentNodes(t *testing.T) {
	_, h := newServer(t, stubAssigner{}, stubContent{sel: selection.Selection{ReplicaSet: rs}}, stubQuorum{})
	rec := do(h, http.MethodPost, "/v1/selection/content-nodes", map[string]any{"wallet": "0xabc"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://cn1")

	_, h = newServer(t, stubAssigner{}, stubContent{err: selection.ErrIncompleteReplicaSet}, stubQuorum{})
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodPost, "/v1/selection/content-nodes", nil).Code)
}

func TestSelectDiscoveryNodes(t *testing.T) {
	q := stubQuorum{cands: []health.Candidate{{Endpoint: "https://dn1"}, {Endpoint: "https://dn2"}}}
	_, h := newServer(t, stubAssigner{}, stubContent{}, q)

	rec := do(h, http.MethodGet, "/v1/selection/discovery-nodes?quorum=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"https://dn1", "https://dn2"}, body.Data)

	_, h = newServer(t, stubAssigner{}, stubContent{}, stubQuorum{err: &selection.InsufficientOperatorQuorumError{Requested: 3, Available: 1}})
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/v1/selection/discovery-nodes", nil).Code)
}

func TestSelectDiscoveryNodesDefaultsToConfiguredQuorum(t *testing.T) {
	var sizes []int
	_, h := newServerWithQuorum(t, stubAssigner{}, stubContent{}, stubQuorum{sizes: &sizes}, 5)

	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/selection/discovery-nodes", nil).Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/selection/discovery-nodes?quorum=2", nil).Code)
	assert.Equal(t, []int{5, 2}, sizes)
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newServer(t, stubAssigner{}, stubContent{}, stubQuorum{})
	rec := do(h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
