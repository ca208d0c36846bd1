package node

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/store"
	"github.com/capnetwork/capnode/telemetry"
	"github.com/capnetwork/capnode/types"
	"github.com/capnetwork/capnode/wallet"
)

func testNodeConfig(t *testing.T, coordinatorURL string) *types.NodeConfig {
	cfg := types.DefaultNodeConfig()
	cfg.NodeName = "node-under-test"
	cfg.DataDir = t.TempDir()
	cfg.KeyFile = filepath.Join(cfg.DataDir, "node.key")
	cfg.CoordinatorURL = coordinatorURL
	cfg.TotalCapacityBytes = 1 << 20
	cfg.KeepAliveSecs = 3600
	cfg.HeartbeatSecs = 1
	return cfg
}

// memNode wires a node around a memory store and a generated key, without
// touching the session.
func memNode(t *testing.T) *Node {
	t.Helper()
	st, err := store.NewMemoryStore()
	require.NoError(t, err)
	w, err := wallet.Generate()
	require.NoError(t, err)
	cfg := testNodeConfig(t, "ws://127.0.0.1:1/ws")
	n := newNode(cfg, w, st, telemetry.NewNoOpClient())
	t.Cleanup(n.Stop)
	return n
}

func TestNodeStartStop(t *testing.T) {
	tc := newTestCoordinator(t)
	cfg := testNodeConfig(t, tc.url())

	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	require.NoError(t, n.Start(context.Background()))

	env := tc.waitFrame(t, MethodRegister)
	var msg RegisterMsg
	require.NoError(t, json.Unmarshal(env.Params, &msg))
	assert.Equal(t, n.Address().Hex(), msg.Address)
	assert.Equal(t, "node-under-test", msg.NodeName)
	assert.Equal(t, uint64(1<<20), msg.Report.TotalAllocatedBytes)
	tc.ack(t)

	addr, ok, err := n.Store().Address()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, n.Address(), addr)

	report, ok, err := n.Store().LastReport()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1<<20), report.TotalAllocatedBytes)
	assert.Zero(t, report.ShortfallBytes)

	n.Stop()
	assert.Zero(t, n.TotalAllocatedBytes(), "stop releases the commitment")
	n.Stop()
}

func TestNodeReloadsSameIdentity(t *testing.T) {
	tc := newTestCoordinator(t)
	cfg := testNodeConfig(t, tc.url())

	n1, err := New(cfg)
	require.NoError(t, err)
	addr := n1.Address()
	n1.Stop()

	n2, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, addr, n2.Address(), "key file survives restarts")
	n2.Stop()
}

func TestNodeInvalidConfig(t *testing.T) {
	cfg := testNodeConfig(t, "ws://127.0.0.1:1/ws")
	cfg.TotalCapacityBytes = 0

	_, err := New(cfg)
	require.Error(t, err)
	assert.Equal(t, "C4", caperrors.Code(err))
}

func TestNodeChallengeHistory(t *testing.T) {
	n := memNode(t)
	_, err := n.engine.Commit(context.Background(), n.cfg.Spec())
	require.NoError(t, err)

	seed := bytes.Repeat([]byte{0x5a}, 32)
	resp := n.HandleChallenge(context.Background(), types.Challenge{
		ChallengeID: "hist-1",
		EpochSeed:   seed,
		Offsets:     []uint64{0, 512},
		ChunkSize:   32,
	})
	require.True(t, resp.Success)

	records, err := n.Store().ChallengeHistory(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hist-1", records[0].ChallengeID)
	assert.Equal(t, 2, records[0].Offsets)
	assert.Equal(t, uint32(32), records[0].ChunkSize)
	assert.True(t, records[0].Success)
	assert.False(t, records[0].ServedAt.IsZero())
}

func TestNodeFailedChallengeRecorded(t *testing.T) {
	n := memNode(t)
	_, err := n.engine.Commit(context.Background(), n.cfg.Spec())
	require.NoError(t, err)

	resp := n.HandleChallenge(context.Background(), types.Challenge{
		ChallengeID: "hist-2",
		EpochSeed:   bytes.Repeat([]byte{0x5a}, 32),
		Offsets:     []uint64{1 << 40},
		ChunkSize:   32,
	})
	require.False(t, resp.Success)

	records, err := n.Store().ChallengeHistory(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Equal(t, uint64(1), n.Failed())
}

func TestNodeReconfigurePersistsReport(t *testing.T) {
	n := memNode(t)
	_, err := n.engine.Commit(context.Background(), n.cfg.Spec())
	require.NoError(t, err)

	report, err := n.Reconfigure(context.Background(), types.CommitmentSpec{
		TotalCapacityBytes:   2 << 20,
		MaxUnitCapacityBytes: types.DefaultMaxUnitCapacity,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<20), report.TotalAllocatedBytes)

	saved, ok, err := n.Store().LastReport()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, *report, *saved)
}
