package selection_test

import (
	"context"
	"errors"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/replicaset/internal/devnode"
	"github.com/iggydv12/replicaset/internal/health"
	"github.com/iggydv12/replicaset/internal/registry"
	"github.com/iggydv12/replicaset/internal/selection"
)

func discoveryNode(t *testing.T, id int64, owner string) registry.Provider {
	t.Helper()
	n := devnode.New(devnode.Config{Version: "0.4.2", DiskPath: t.TempDir(), MaxStorageUsedPercent: 100}, zap.NewNop())
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(srv.Close)
	return registry.Provider{SpID: id, Endpoint: srv.URL, OwnerID: owner, Type: registry.ServiceDiscoveryNode}
}

func TestQuorumSelector(t *testing.T) {
	providers := []registry.Provider{
		discoveryNode(t, 1, "op1"),
		discoveryNode(t, 2, "op1"),
		discoveryNode(t, 3, "op2"),
		discoveryNode(t, 4, "op3"),
		{SpID: 5, Endpoint: "http://127.0.0.1:1", OwnerID: "op4", Type: registry.ServiceDiscoveryNode},
	}
	reg, err := registry.NewStatic(providers, map[registry.ServiceType]string{registry.ServiceDiscoveryNode: "0.4.0"})
	require.NoError(t, err)

	q := selection.NewQuorumSelector(reg, health.NewProbe(nil, time.Second, zap.NewNop()), rand.New(rand.NewSource(5)), zap.NewNop())

	got, err := q.Select(context.Background(), 3, health.Filter{})
	require.NoError(t, err)
	owners := map[string]bool{}
	for _, c := range got {
		owners[c.OwnerID] = true
	}
	assert.Len(t, owners, 3)

	// the unreachable op4 node cannot make up a fourth operator
	_, err = q.Select(context.Background(), 4, health.Filter{})
	var qe *selection.InsufficientOperatorQuorumError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 3, qe.Available)
}
