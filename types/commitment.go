package types

import (
	"encoding/json"
	"fmt"

	"github.com/capnetwork/capnode/caperrors"
)

// CommitmentSpec fixes what the node promises the coordinator: the total
// committed capacity and the externally imposed per-execution-unit ceiling.
// The ceiling is a hard platform limit, not a tunable of this engine.
type CommitmentSpec struct {
	TotalCapacityBytes   uint64 `json:"total_capacity_bytes"`
	MaxUnitCapacityBytes uint64 `json:"max_unit_capacity_bytes"`
}

func (s CommitmentSpec) Validate() error {
	if s.TotalCapacityBytes == 0 || s.MaxUnitCapacityBytes == 0 {
		return caperrors.ErrCInvalidSpec
	}
	return nil
}

// NumUnits returns how many execution units the spec needs, the last one
// possibly undersized.
func (s CommitmentSpec) NumUnits() int {
	if s.MaxUnitCapacityBytes == 0 {
		return 0
	}
	return int((s.TotalCapacityBytes + s.MaxUnitCapacityBytes - 1) / s.MaxUnitCapacityBytes)
}

func (s CommitmentSpec) String() string {
	return fmt.Sprintf("CommitmentSpec{total=%d, maxUnit=%d, units=%d}",
		s.TotalCapacityBytes, s.MaxUnitCapacityBytes, s.NumUnits())
}

// PlanReport is the wire form of a planning outcome, forwarded to the
// coordinator during registration and after reconfiguration.
type PlanReport struct {
	TotalAllocatedBytes uint64 `json:"total_allocated_bytes"`
	ShortfallBytes      uint64 `json:"shortfall_bytes"`
	ShardCount          int    `json:"shard_count"`
}

func (r PlanReport) String() string {
	enc, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("PlanReport{marshal err: %v}", err)
	}
	return string(enc)
}

// SpareConsumer is the boundary left for the application-data engine that
// rents capacity above the committed total. The commitment engine only
// hands out ranges; it never interprets their contents.
type SpareConsumer interface {
	// Lease grants [offset, offset+length) for application use. The range
	// is outside the committed address space.
	Lease(offset uint64, length uint64) error

	// Return gives a leased range back.
	Return(offset uint64, length uint64) error
}
