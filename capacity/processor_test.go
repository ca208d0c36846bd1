package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capnetwork/capnode/chunkgen"
	"github.com/capnetwork/capnode/types"
)

func processorHarness(t *testing.T) *ChallengeProcessor {
	t.Helper()
	registry := NewShardRegistry()
	require.NoError(t, registry.Register(makeShard(64, 64))) // [0, 128)
	require.NoError(t, registry.Register(makeShard(64, 64))) // [128, 256)
	return NewChallengeProcessor(registry)
}

func TestHandlePreservesOffsetOrder(t *testing.T) {
	p := processorHarness(t)
	seed := []byte("epoch-seed-0001")
	// deliberately unsorted, spanning both shards
	offsets := []uint64{192, 0, 130, 64, 1}

	resp := p.Handle(context.Background(), types.Challenge{
		ChallengeID:    "ch-1",
		EpochSeed:      seed,
		Offsets:        offsets,
		ChunkSize:      32,
		DeadlineMillis: 2000,
	})
	require.NotNil(t, resp)
	assert.Equal(t, "ch-1", resp.ChallengeID)
	assert.True(t, resp.Success)
	require.Len(t, resp.Chunks, len(offsets))
	for i, offset := range offsets {
		want, err := chunkgen.Generate(seed, offset, 32)
		require.NoError(t, err)
		assert.Equal(t, want, resp.Chunks[i], "slot %d must hold offset %d's bytes", i, offset)
	}
}

func TestHandleOutOfRangeDegradesSlot(t *testing.T) {
	p := processorHarness(t)
	seed := []byte("epoch-seed-0001")

	resp := p.Handle(context.Background(), types.Challenge{
		ChallengeID:    "ch-2",
		EpochSeed:      seed,
		Offsets:        []uint64{0, 9999, 64},
		ChunkSize:      32,
		DeadlineMillis: 2000,
	})
	assert.False(t, resp.Success)
	require.Len(t, resp.Chunks, 3)
	assert.NotEmpty(t, resp.Chunks[0])
	assert.Empty(t, resp.Chunks[1], "uncommitted offset leaves an empty placeholder")
	assert.NotEmpty(t, resp.Chunks[2], "other slots still complete")
}

func TestHandleEmptyRegistry(t *testing.T) {
	p := NewChallengeProcessor(NewShardRegistry())

	resp := p.Handle(context.Background(), types.Challenge{
		ChallengeID:    "ch-3",
		EpochSeed:      []byte("seed"),
		Offsets:        []uint64{0},
		ChunkSize:      32,
		DeadlineMillis: 2000,
	})
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Chunks[0])
}

func TestHandleDeadCallerStillResponds(t *testing.T) {
	p := processorHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	resp := p.Handle(ctx, types.Challenge{
		ChallengeID:    "ch-4",
		EpochSeed:      []byte("seed"),
		Offsets:        []uint64{0, 64, 128},
		ChunkSize:      32,
		DeadlineMillis: 2000,
	})
	require.NotNil(t, resp, "a response is produced even past the bound")
	assert.False(t, resp.Success)
	require.Len(t, resp.Chunks, 3)
	for _, chunk := range resp.Chunks {
		assert.Empty(t, chunk)
	}
	assert.LessOrEqual(t, uint64(resp.ResponseTimeMillis), uint64(time.Since(start).Milliseconds())+1,
		"response time reflects wall clock")
}

func TestHandleNoOffsets(t *testing.T) {
	p := processorHarness(t)
	resp := p.Handle(context.Background(), types.Challenge{
		ChallengeID: "ch-5",
		EpochSeed:   []byte("seed"),
	})
	assert.True(t, resp.Success)
	assert.Len(t, resp.Chunks, 0)
}

func TestHandleBadSeedDegradesAll(t *testing.T) {
	p := processorHarness(t)
	resp := p.Handle(context.Background(), types.Challenge{
		ChallengeID:    "ch-6",
		Offsets:        []uint64{0, 64},
		ChunkSize:      32,
		DeadlineMillis: 2000,
	})
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Chunks[0])
	assert.Empty(t, resp.Chunks[1])
}
