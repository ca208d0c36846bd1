package capacity

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/capnetwork/capnode/chunkgen"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/types"
)

// ChallengeProcessor answers verification challenges. Per-offset generation
// is independent and fans out over a worker pool sized to the shard count,
// so work is balanced across the units that actually hold the memory.
// Results always land in the challenge's offset order. A response is always
// produced: per-offset failures degrade their slot to an empty chunk and
// clear Success, they never abort the whole response.
type ChallengeProcessor struct {
	registry *ShardRegistry
}

func NewChallengeProcessor(registry *ShardRegistry) *ChallengeProcessor {
	return &ChallengeProcessor{registry: registry}
}

// Handle runs the challenge to completion or deadline, whichever comes
// first, and reports wall-clock elapsed time either way.
func (p *ChallengeProcessor) Handle(ctx context.Context, challenge types.Challenge) *types.ChallengeResponse {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, challenge.Deadline())
	defer cancel()

	workers := p.registry.ShardCount()
	if workers < 1 {
		workers = 1
	}

	chunks := make([][]byte, len(challenge.Offsets))
	var ok atomic.Bool
	ok.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, offset := range challenge.Offsets {
		g.Go(func() error {
			shard, err := p.registry.ShardFor(offset)
			if err != nil {
				log.Warn(log.ChallengeModule, "offset not committed",
					"challenge", challenge.ChallengeID, "offset", offset, "err", err)
				ok.Store(false)
				return nil
			}
			buf := make([]byte, challenge.ChunkSize)
			if err := chunkgen.GenerateInto(gctx, challenge.EpochSeed, offset, buf); err != nil {
				log.Warn(log.ChallengeModule, "chunk generation degraded",
					"challenge", challenge.ChallengeID, "offset", offset,
					"shard", shard.ID, "err", err)
				ok.Store(false)
				return nil
			}
			chunks[i] = buf
			return nil
		})
	}
	g.Wait()

	elapsed := time.Since(start)
	resp := &types.ChallengeResponse{
		ChallengeID:        challenge.ChallengeID,
		Chunks:             chunks,
		ResponseTimeMillis: uint32(elapsed.Milliseconds()),
		Success:            ok.Load(),
	}
	log.Info(log.ChallengeModule, "challenge served",
		"challenge", challenge.ChallengeID, "offsets", len(challenge.Offsets),
		"chunk_size", challenge.ChunkSize, "elapsed", elapsed.Round(time.Millisecond),
		"success", resp.Success)
	return resp
}
