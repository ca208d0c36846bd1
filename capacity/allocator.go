package capacity

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/types"
)

// ShardAllocator fills one execution unit at a time with fixed-size chunks,
// forcing physical commitment of every page it claims. One allocator serves
// a whole plan; its pacing escalates with the cumulative bytes it has placed
// across all shards, not just the current one.
type ShardAllocator struct {
	ChunkSize       uint64
	SafetyMargin    uint64
	AllocTimeout    time.Duration
	BasePause       time.Duration
	PauseStepBytes  uint64
	EscalationBytes uint64
	TouchStride     int
	TouchYieldBytes int

	committed uint64
}

func DefaultShardAllocator() *ShardAllocator {
	return &ShardAllocator{
		ChunkSize:       types.ChunkSize,
		SafetyMargin:    types.UnitSafetyMargin,
		AllocTimeout:    types.ChunkAllocTimeout,
		BasePause:       types.InterChunkPause,
		PauseStepBytes:  types.InterChunkPauseStepBytes,
		EscalationBytes: types.PauseEscalationBytes,
		TouchStride:     types.TouchStride,
		TouchYieldBytes: types.TouchYieldBytes,
	}
}

// Allocate gathers up to targetBytes inside unit, in ChunkSize chunks with a
// smaller final chunk. It returns a Ready shard when the target was reached,
// a Partial shard when the unit's ceiling minus the safety margin got in the
// way first, and an error when a chunk ran into its allocation timeout or
// the context died; on error everything gathered so far is released and the
// unit is given back.
func (a *ShardAllocator) Allocate(ctx context.Context, unit Unit, targetBytes uint64) (*Shard, error) {
	shard := newShard(unit)
	shard.setState(Allocating)

	ceiling := unit.CapacityBytes()
	var usable uint64
	if ceiling > a.SafetyMargin {
		usable = ceiling - a.SafetyMargin
	}
	log.Info(log.AllocModule, "shard allocation started",
		"shard", shard.ID, "unit", unit.ID(),
		"target", common.HumanBytes(targetBytes), "usable", common.HumanBytes(usable))

	start := time.Now()
	var allocated uint64
	for allocated < targetBytes {
		want := a.ChunkSize
		if rem := targetBytes - allocated; rem < want {
			want = rem
		}
		if allocated+want > usable {
			log.Warn(log.AllocModule, "ceiling reached before target",
				"shard", shard.ID,
				"allocated", common.HumanBytes(allocated),
				"want", common.HumanBytes(want),
				"usable", common.HumanBytes(usable),
				"err", caperrors.ErrCCapacityExceeded)
			shard.setState(Partial)
			return shard, nil
		}

		buf, err := a.allocChunk(ctx, unit, want)
		if err != nil {
			log.Error(log.AllocModule, "shard allocation aborted",
				"shard", shard.ID, "allocated", common.HumanBytes(allocated), "err", err)
			shard.abort()
			return nil, err
		}
		shard.appendChunk(buf)
		allocated += uint64(len(buf))
		a.committed += uint64(len(buf))
		log.Debug(log.AllocModule, "chunk committed",
			"shard", shard.ID, "chunks", shard.ChunkCount(),
			"allocated", common.HumanBytes(allocated))

		if allocated < targetBytes {
			if err := sleepCtx(ctx, a.pauseFor(a.committed)); err != nil {
				log.Error(log.AllocModule, "shard allocation canceled during pause",
					"shard", shard.ID, "err", err)
				shard.abort()
				return nil, err
			}
		}
	}

	shard.setState(Ready)
	log.Info(log.AllocModule, "shard allocation complete",
		"shard", shard.ID, "allocated", common.HumanBytes(allocated),
		"chunks", shard.ChunkCount(), "elapsed", time.Since(start).Round(time.Millisecond))
	return shard, nil
}

// Committed is the total bytes this allocator has placed across all shards.
func (a *ShardAllocator) Committed() uint64 {
	return a.committed
}

// allocChunk claims one chunk and touches it into physical residence, all
// within AllocTimeout.
func (a *ShardAllocator) allocChunk(ctx context.Context, unit Unit, n uint64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.AllocTimeout)
	defer cancel()

	buf, err := unit.Alloc(ctx, n)
	if err != nil {
		return nil, mapAllocErr(err)
	}
	if err := a.commit(ctx, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// commit writes one byte per TouchStride so the host actually backs every
// page, yielding to the scheduler every TouchYieldBytes so a multi-gigabyte
// chunk cannot monopolize the thread.
func (a *ShardAllocator) commit(ctx context.Context, buf []byte) error {
	sinceYield := 0
	for pos := 0; pos < len(buf); pos += a.TouchStride {
		buf[pos] = 1
		sinceYield += a.TouchStride
		if sinceYield >= a.TouchYieldBytes {
			sinceYield = 0
			if err := ctx.Err(); err != nil {
				return mapAllocErr(err)
			}
			runtime.Gosched()
		}
	}
	return mapAllocErr(ctx.Err())
}

// pauseFor grows the inter-chunk pause with cumulative committed bytes: one
// extra base pause per PauseStepBytes, doubled past EscalationBytes.
func (a *ShardAllocator) pauseFor(cumulative uint64) time.Duration {
	pause := a.BasePause
	if a.PauseStepBytes > 0 {
		pause += a.BasePause * time.Duration(cumulative/a.PauseStepBytes)
	}
	if a.EscalationBytes > 0 && cumulative >= a.EscalationBytes {
		pause *= 2
	}
	return pause
}

func mapAllocErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", caperrors.ErrCAllocationTimeout, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
