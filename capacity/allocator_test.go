package capacity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capnetwork/capnode/caperrors"
)

// fakeUnit drives the allocator without claiming real gigabytes. allocFn
// lets tests inject stalls and failures.
type fakeUnit struct {
	id        string
	capacity  uint64
	allocated uint64
	released  atomic.Bool
	allocFn   func(ctx context.Context, n uint64) ([]byte, error)
}

func newFakeUnit(capacity uint64) *fakeUnit {
	return &fakeUnit{id: uuid.New().String(), capacity: capacity}
}

func (u *fakeUnit) ID() string             { return u.id }
func (u *fakeUnit) CapacityBytes() uint64  { return u.capacity }
func (u *fakeUnit) AllocatedBytes() uint64 { return u.allocated }
func (u *fakeUnit) Release()               { u.released.Store(true) }

func (u *fakeUnit) Alloc(ctx context.Context, n uint64) ([]byte, error) {
	if u.allocFn != nil {
		return u.allocFn(ctx, n)
	}
	u.allocated += n
	return make([]byte, n), nil
}

// fakeProvider scripts unit creation per call.
type fakeProvider struct {
	newUnit func(ctx context.Context, capacityBytes uint64) (Unit, error)
}

func (p *fakeProvider) NewUnit(ctx context.Context, capacityBytes uint64) (Unit, error) {
	return p.newUnit(ctx, capacityBytes)
}

// testAllocator shrinks every knob so tests move bytes, not gigabytes.
func testAllocator() *ShardAllocator {
	return &ShardAllocator{
		ChunkSize:       64,
		SafetyMargin:    16,
		AllocTimeout:    200 * time.Millisecond,
		BasePause:       0,
		PauseStepBytes:  0,
		EscalationBytes: 0,
		TouchStride:     8,
		TouchYieldBytes: 32,
	}
}

func TestAllocateReady(t *testing.T) {
	a := testAllocator()
	unit := newFakeUnit(256 + 16)

	shard, err := a.Allocate(context.Background(), unit, 256)
	require.NoError(t, err)
	assert.Equal(t, Ready, shard.State())
	assert.Equal(t, uint64(256), shard.AllocatedBytes())
	assert.Equal(t, 4, shard.ChunkCount())
	for i := 0; i < shard.ChunkCount(); i++ {
		assert.Len(t, shard.Chunk(i), 64)
	}
	assert.Equal(t, uint64(256), a.Committed())
}

func TestAllocateFinalChunkSmaller(t *testing.T) {
	a := testAllocator()
	unit := newFakeUnit(1024)

	shard, err := a.Allocate(context.Background(), unit, 100)
	require.NoError(t, err)
	assert.Equal(t, Ready, shard.State())
	assert.Equal(t, uint64(100), shard.AllocatedBytes())
	require.Equal(t, 2, shard.ChunkCount())
	assert.Len(t, shard.Chunk(0), 64)
	assert.Len(t, shard.Chunk(1), 36, "final chunk carries the remainder")
}

func TestAllocateTouchesPages(t *testing.T) {
	a := testAllocator()
	unit := newFakeUnit(1024)

	shard, err := a.Allocate(context.Background(), unit, 64)
	require.NoError(t, err)
	chunk := shard.Chunk(0)
	for pos := 0; pos < len(chunk); pos += a.TouchStride {
		assert.Equal(t, byte(1), chunk[pos], "every stride byte is written")
	}
}

func TestAllocatePartialAtCeiling(t *testing.T) {
	a := testAllocator()
	// usable = 144 - 16 = 128, two chunks of the 256 target fit
	unit := newFakeUnit(144)

	shard, err := a.Allocate(context.Background(), unit, 256)
	require.NoError(t, err, "hitting the ceiling is not an error")
	assert.Equal(t, Partial, shard.State())
	assert.Equal(t, uint64(128), shard.AllocatedBytes())
	assert.Equal(t, 2, shard.ChunkCount())
	assert.False(t, unit.released.Load(), "partial shards keep their unit")
}

func TestAllocatePartialNothingFits(t *testing.T) {
	a := testAllocator()
	unit := newFakeUnit(12) // below the safety margin

	shard, err := a.Allocate(context.Background(), unit, 256)
	require.NoError(t, err)
	assert.Equal(t, Partial, shard.State())
	assert.Equal(t, uint64(0), shard.AllocatedBytes())
}

func TestAllocateTimeoutAbortsShard(t *testing.T) {
	a := testAllocator()
	a.AllocTimeout = 20 * time.Millisecond
	unit := newFakeUnit(1024)
	unit.allocFn = func(ctx context.Context, n uint64) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	shard, err := a.Allocate(context.Background(), unit, 256)
	require.Error(t, err)
	assert.Equal(t, "C2", caperrors.Code(err))
	assert.Nil(t, shard)
	assert.True(t, unit.released.Load(), "aborted shards release their unit")
}

func TestAllocateCanceled(t *testing.T) {
	a := testAllocator()
	unit := newFakeUnit(1024)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	shard, err := a.Allocate(ctx, unit, 256)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, shard)
	assert.True(t, unit.released.Load())
}

func TestPauseEscalation(t *testing.T) {
	a := &ShardAllocator{
		BasePause:       10 * time.Millisecond,
		PauseStepBytes:  100,
		EscalationBytes: 350,
	}
	testCases := []struct {
		cumulative uint64
		pause      time.Duration
		reason     string
	}{
		{0, 10 * time.Millisecond, "base pause at the start"},
		{250, 30 * time.Millisecond, "one step per PauseStepBytes"},
		{349, 40 * time.Millisecond, "just under escalation"},
		{350, 80 * time.Millisecond, "doubled past escalation"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.pause, a.pauseFor(tc.cumulative), tc.reason)
	}
}

func TestCommittedSpansShards(t *testing.T) {
	a := testAllocator()
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(context.Background(), newFakeUnit(1024), 128)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(384), a.Committed(), "pacing input accumulates across shards")
}
