package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/types"
)

// plannerHarness wires a planner over scripted units. perUnit maps a unit
// index to a specially prepared fake; unscripted indexes get a unit that
// honors the requested ceiling.
func plannerHarness(perUnit map[int]func(capacityBytes uint64) (Unit, error)) (*CapacityPlanner, *ShardRegistry) {
	calls := 0
	provider := &fakeProvider{
		newUnit: func(ctx context.Context, capacityBytes uint64) (Unit, error) {
			idx := calls
			calls++
			if build, ok := perUnit[idx]; ok {
				return build(capacityBytes)
			}
			return newFakeUnit(capacityBytes), nil
		},
	}
	registry := NewShardRegistry()
	return NewCapacityPlanner(provider, testAllocator(), registry), registry
}

func TestPlanExactMultiple(t *testing.T) {
	planner, registry := plannerHarness(nil)
	spec := types.CommitmentSpec{TotalCapacityBytes: 512, MaxUnitCapacityBytes: 128}

	res, err := planner.Plan(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, res.Cause)
	assert.Equal(t, 4, len(res.Shards), "ceil(512/128) units")
	assert.Equal(t, uint64(512), res.TotalAllocated)
	assert.Equal(t, uint64(0), res.Shortfall, "clean exact-multiple plan")
	assert.Equal(t, 4, registry.ShardCount())
	assert.Equal(t, uint64(512), registry.TotalAllocatedBytes())
	for _, shard := range res.Shards {
		assert.Equal(t, Ready, shard.State())
	}
}

func TestPlanUndersizedTrailingUnit(t *testing.T) {
	planner, _ := plannerHarness(nil)
	spec := types.CommitmentSpec{TotalCapacityBytes: 300, MaxUnitCapacityBytes: 128}

	res, err := planner.Plan(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, res.Shards, 3)
	assert.Equal(t, uint64(128), res.Shards[0].AllocatedBytes())
	assert.Equal(t, uint64(128), res.Shards[1].AllocatedBytes())
	assert.Equal(t, uint64(44), res.Shards[2].AllocatedBytes(), "trailing unit takes the remainder")
	assert.Equal(t, uint64(0), res.Shortfall)
}

func TestPlanUnitCreationFailureStops(t *testing.T) {
	planner, registry := plannerHarness(map[int]func(uint64) (Unit, error){
		2: func(uint64) (Unit, error) {
			return nil, caperrors.ErrCUnitCreationFailed
		},
	})
	spec := types.CommitmentSpec{TotalCapacityBytes: 512, MaxUnitCapacityBytes: 128}

	res, err := planner.Plan(context.Background(), spec)
	require.NoError(t, err, "mid-plan failures are data, not errors")
	assert.Equal(t, 2, len(res.Shards))
	assert.Equal(t, uint64(256), res.TotalAllocated)
	assert.Equal(t, uint64(256), res.Shortfall)
	assert.Equal(t, "C3", caperrors.Code(res.Cause))
	assert.Equal(t, 2, registry.ShardCount(), "shards before the failure stay registered")
}

func TestPlanTimeoutOnSecondUnit(t *testing.T) {
	// A timeout while filling unit 2 of 4 keeps unit 1's shard and stops
	// there: shortfall, not total failure.
	planner, registry := plannerHarness(map[int]func(uint64) (Unit, error){
		1: func(capacityBytes uint64) (Unit, error) {
			unit := newFakeUnit(capacityBytes)
			unit.allocFn = func(ctx context.Context, n uint64) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return unit, nil
		},
	})
	planner.allocator.AllocTimeout = 20 * time.Millisecond
	spec := types.CommitmentSpec{TotalCapacityBytes: 512, MaxUnitCapacityBytes: 128}

	res, err := planner.Plan(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, len(res.Shards), "only unit 1 retained")
	assert.Equal(t, uint64(384), res.Shortfall)
	assert.Greater(t, res.Shortfall, uint64(0))
	assert.Equal(t, "C2", caperrors.Code(res.Cause))
	assert.Equal(t, 1, registry.ShardCount())
}

func TestPlanContinuesPastPartialShard(t *testing.T) {
	// Unit 2 only has room for one chunk below its margin; the plan keeps
	// going and the shortfall is what that unit could not hold.
	planner, registry := plannerHarness(map[int]func(uint64) (Unit, error){
		1: func(uint64) (Unit, error) {
			return newFakeUnit(80), nil // usable 80-16=64, one chunk
		},
	})
	spec := types.CommitmentSpec{TotalCapacityBytes: 512, MaxUnitCapacityBytes: 128}

	res, err := planner.Plan(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, res.Cause)
	assert.Equal(t, 4, len(res.Shards))
	assert.Equal(t, Partial, res.Shards[1].State())
	assert.Equal(t, uint64(448), res.TotalAllocated)
	assert.Equal(t, uint64(64), res.Shortfall)
	assert.Equal(t, 4, registry.ShardCount())
}

func TestPlanDropsEmptyPartialShard(t *testing.T) {
	planner, registry := plannerHarness(map[int]func(uint64) (Unit, error){
		0: func(uint64) (Unit, error) {
			return newFakeUnit(8), nil // below the safety margin, nothing fits
		},
	})
	spec := types.CommitmentSpec{TotalCapacityBytes: 256, MaxUnitCapacityBytes: 128}

	res, err := planner.Plan(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0, len(res.Shards))
	assert.Equal(t, uint64(256), res.Shortfall)
	assert.Equal(t, "C1", caperrors.Code(res.Cause))
	assert.Equal(t, 0, registry.ShardCount(), "a shard holding nothing maps no range")
}

func TestPlanInvalidSpec(t *testing.T) {
	planner, _ := plannerHarness(nil)
	_, err := planner.Plan(context.Background(), types.CommitmentSpec{})
	require.Error(t, err)
	assert.Equal(t, "C4", caperrors.Code(err))
}

func TestPlanCanceledContext(t *testing.T) {
	planner, registry := plannerHarness(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := planner.Plan(ctx, types.CommitmentSpec{TotalCapacityBytes: 256, MaxUnitCapacityBytes: 128})
	require.NoError(t, err)
	assert.ErrorIs(t, res.Cause, context.Canceled)
	assert.Equal(t, uint64(256), res.Shortfall)
	assert.Equal(t, 0, registry.ShardCount())
}
