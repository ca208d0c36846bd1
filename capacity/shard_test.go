package capacity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardStateString(t *testing.T) {
	testCases := []struct {
		state ShardState
		want  string
	}{
		{Unallocated, "Unallocated"},
		{Allocating, "Allocating"},
		{Ready, "Ready"},
		{Partial, "Partial"},
		{Failed, "Failed"},
		{Released, "Released"},
		{ShardState(42), "ShardState(42)"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, tc.state.String())
	}
}

func TestShardAccounting(t *testing.T) {
	shard := newShard(newFakeUnit(1024))
	assert.Equal(t, Unallocated, shard.State())
	assert.NotEmpty(t, shard.ID)

	shard.setState(Allocating)
	shard.appendChunk(make([]byte, 64))
	shard.appendChunk(make([]byte, 36))
	assert.Equal(t, uint64(100), shard.AllocatedBytes())
	assert.Equal(t, 2, shard.ChunkCount())
	assert.Len(t, shard.Chunk(0), 64)
	assert.Len(t, shard.Chunk(1), 36)
	assert.Nil(t, shard.Chunk(2), "out of range chunk index")
	assert.Nil(t, shard.Chunk(-1))
	assert.Equal(t, uint64(1024), shard.CapacityBytes())
}

func TestShardAbort(t *testing.T) {
	unit := newFakeUnit(1024)
	shard := newShard(unit)
	shard.setState(Allocating)
	shard.appendChunk(make([]byte, 64))

	shard.abort()
	assert.Equal(t, Failed, shard.State())
	assert.Equal(t, uint64(0), shard.AllocatedBytes())
	assert.Equal(t, 0, shard.ChunkCount())
	assert.True(t, unit.released.Load())
}

func TestShardRelease(t *testing.T) {
	unit := newFakeUnit(1024)
	shard := newShard(unit)
	shard.setState(Allocating)
	shard.appendChunk(make([]byte, 64))
	shard.setState(Ready)

	shard.Release()
	require.Equal(t, Released, shard.State())
	assert.Equal(t, uint64(0), shard.AllocatedBytes())
	assert.True(t, unit.released.Load())
}

func TestShardString(t *testing.T) {
	shard := makeShard(64, 64)
	s := shard.String()
	assert.Contains(t, s, "Ready")
	assert.Contains(t, s, "chunks=2")
}
