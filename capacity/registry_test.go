package capacity

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capnetwork/capnode/caperrors"
)

func makeShard(sizes ...int) *Shard {
	shard := newShard(newFakeUnit(1 << 20))
	shard.setState(Allocating)
	for _, size := range sizes {
		shard.appendChunk(make([]byte, size))
	}
	shard.setState(Ready)
	return shard
}

func TestRegisterRejectsUnready(t *testing.T) {
	r := NewShardRegistry()

	shard := newShard(newFakeUnit(1024))
	err := r.Register(shard)
	require.Error(t, err, "unallocated shard")
	assert.Equal(t, "R3", caperrors.Code(err))

	shard.setState(Allocating)
	require.Error(t, r.Register(shard))

	shard.setState(Failed)
	require.Error(t, r.Register(shard), "failed shards never reach the registry")

	assert.Equal(t, 0, r.ShardCount())
}

func TestShardForBoundaries(t *testing.T) {
	r := NewShardRegistry()
	s0 := makeShard(64, 36) // [0, 100)
	s1 := makeShard(50)     // [100, 150)
	s2 := makeShard(200)    // [150, 350)
	require.NoError(t, r.Register(s0))
	require.NoError(t, r.Register(s1))
	require.NoError(t, r.Register(s2))

	assert.Equal(t, uint64(350), r.TotalAllocatedBytes())
	assert.Equal(t, 3, r.ShardCount())
	assert.Equal(t, 4, r.ChunkCount())

	testCases := []struct {
		offset uint64
		want   *Shard
		reason string
	}{
		{0, s0, "first byte"},
		{99, s0, "last byte of the first shard"},
		{100, s1, "first byte after a boundary"},
		{149, s1, "last byte of the middle shard"},
		{150, s2, "first byte of the last shard"},
		{349, s2, "last committed byte"},
	}
	for _, tc := range testCases {
		got, err := r.ShardFor(tc.offset)
		require.NoError(t, err, tc.reason)
		assert.Same(t, tc.want, got, tc.reason)
	}

	_, err := r.ShardFor(350)
	require.Error(t, err)
	assert.Equal(t, "R1", caperrors.Code(err))
}

func TestShardForEmptyRegistry(t *testing.T) {
	r := NewShardRegistry()
	_, err := r.ShardFor(0)
	require.Error(t, err)
	assert.Equal(t, "R2", caperrors.Code(err))
}

func TestAllocatedSumMatchesTotal(t *testing.T) {
	r := NewShardRegistry()
	require.NoError(t, r.Register(makeShard(64, 64)))
	require.NoError(t, r.Register(makeShard(64, 32)))
	require.NoError(t, r.Register(makeShard(10)))

	var sum uint64
	for _, shard := range r.Shards() {
		assert.LessOrEqual(t, shard.AllocatedBytes(), shard.CapacityBytes())
		sum += shard.AllocatedBytes()
	}
	assert.Equal(t, r.TotalAllocatedBytes(), sum)
}

func TestPickChunk(t *testing.T) {
	r := NewShardRegistry()
	rnd := rand.New(rand.NewSource(1))

	_, _, err := r.PickChunk(rnd)
	require.Error(t, err, "nothing registered yet")
	assert.Equal(t, "R2", caperrors.Code(err))

	s0 := makeShard(64, 64)
	s1 := makeShard(32, 32, 32)
	require.NoError(t, r.Register(s0))
	require.NoError(t, r.Register(s1))

	seen := map[*Shard]bool{}
	for i := 0; i < 50; i++ {
		shard, chunk, err := r.PickChunk(rnd)
		require.NoError(t, err)
		require.NotNil(t, chunk)
		assert.True(t, shard == s0 || shard == s1)
		seen[shard] = true
	}
	assert.Len(t, seen, 2, "both shards get picked over 50 draws")
}

func TestReleaseAll(t *testing.T) {
	r := NewShardRegistry()
	s0 := makeShard(64)
	s1 := makeShard(64, 64)
	require.NoError(t, r.Register(s0))
	require.NoError(t, r.Register(s1))

	r.ReleaseAll()

	assert.Equal(t, uint64(0), r.TotalAllocatedBytes())
	assert.Equal(t, 0, r.ShardCount())
	assert.Equal(t, Released, s0.State())
	assert.Equal(t, Released, s1.State())
	assert.Equal(t, uint64(0), s0.AllocatedBytes())
	assert.True(t, s0.unit.(*fakeUnit).released.Load())

	_, err := r.ShardFor(0)
	require.Error(t, err)

	// releasing an empty registry is a no-op
	r.ReleaseAll()
}
