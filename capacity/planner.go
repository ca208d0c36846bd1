package capacity

import (
	"context"
	"fmt"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/types"
)

// PlanResult is what a planning run actually achieved. A non-zero Shortfall
// is data for the session layer, not an error: the coordinator decides
// whether a reduced commitment is acceptable.
type PlanResult struct {
	Shards         []*Shard
	TotalAllocated uint64
	Shortfall      uint64

	// Cause records what stopped planning early, nil on a clean run.
	Cause error
}

// CapacityPlanner turns a CommitmentSpec into registered shards: one
// execution unit per ceil(total/maxUnit) share, each filled by the
// allocator and handed to the registry.
type CapacityPlanner struct {
	provider  UnitProvider
	allocator *ShardAllocator
	registry  *ShardRegistry
}

func NewCapacityPlanner(provider UnitProvider, allocator *ShardAllocator, registry *ShardRegistry) *CapacityPlanner {
	return &CapacityPlanner{
		provider:  provider,
		allocator: allocator,
		registry:  registry,
	}
}

// Plan drives allocation for the whole spec. Each unit is requested with its
// share plus the safety margin on top, so a unit that honors the ceiling has
// exactly the share usable and a clean run ends with zero shortfall. Unit
// creation failure or an allocation abort stops planning; shards already
// registered stay. The error return is reserved for an invalid spec;
// everything that goes wrong mid-plan lands in the result.
func (p *CapacityPlanner) Plan(ctx context.Context, spec types.CommitmentSpec) (*PlanResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	numUnits := spec.NumUnits()
	log.Info(log.PlannerModule, "planning commitment",
		"total", common.HumanBytes(spec.TotalCapacityBytes),
		"ceiling", common.HumanBytes(spec.MaxUnitCapacityBytes),
		"units", numUnits)

	res := &PlanResult{}
	remaining := spec.TotalCapacityBytes
	for i := 0; i < numUnits && remaining > 0; i++ {
		if err := ctx.Err(); err != nil {
			res.Cause = err
			break
		}
		share := spec.MaxUnitCapacityBytes
		if remaining < share {
			share = remaining
		}

		unit, err := p.provider.NewUnit(ctx, share+p.allocator.SafetyMargin)
		if err != nil {
			if !caperrors.Is(err, caperrors.ErrCUnitCreationFailed) {
				err = fmt.Errorf("%w: %v", caperrors.ErrCUnitCreationFailed, err)
			}
			log.Warn(log.PlannerModule, "execution unit refused, stopping plan",
				"unit_index", i, "err", err)
			res.Cause = err
			break
		}

		shard, err := p.allocator.Allocate(ctx, unit, share)
		if err != nil {
			res.Cause = err
			break
		}
		if shard.AllocatedBytes() == 0 {
			// a partial shard that holds nothing maps no address range
			shard.Release()
			res.Cause = caperrors.ErrCCapacityExceeded
			break
		}
		if err := p.registry.Register(shard); err != nil {
			shard.Release()
			res.Cause = err
			break
		}
		res.Shards = append(res.Shards, shard)
		res.TotalAllocated += shard.AllocatedBytes()
		remaining -= shard.AllocatedBytes()
	}

	res.Shortfall = spec.TotalCapacityBytes - res.TotalAllocated
	if res.Cause != nil {
		log.Warn(log.PlannerModule, "plan stopped early",
			"allocated", common.HumanBytes(res.TotalAllocated),
			"shortfall", common.HumanBytes(res.Shortfall),
			"shards", len(res.Shards), "cause", res.Cause)
	} else {
		log.Info(log.PlannerModule, "plan complete",
			"allocated", common.HumanBytes(res.TotalAllocated),
			"shortfall", common.HumanBytes(res.Shortfall),
			"shards", len(res.Shards))
	}
	return res, nil
}
