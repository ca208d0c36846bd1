package caperrors

import (
	"errors"
	"strings"
)

// Capacity (C) Errors
var (
	ErrCCapacityExceeded   = errors.New("C1|CapacityExceeded: A chunk allocation would breach the shard's ceiling. Stops that shard, not fatal to the plan.")
	ErrCAllocationTimeout  = errors.New("C2|AllocationTimeout: A single chunk allocation exceeded its bound. Aborts the shard and releases partial work.")
	ErrCUnitCreationFailed = errors.New("C3|UnitCreationFailed: The host refused a new execution unit. Stops planning, returns shortfall.")
	ErrCInvalidSpec        = errors.New("C4|InvalidSpec: CommitmentSpec fields must be positive and the unit ceiling must not exceed the total.")
	ErrCEngineReleased     = errors.New("C5|EngineReleased: The engine has been shut down; no further planning or challenges are possible.")
)

// Registry (R) Errors
var (
	ErrROffsetOutOfRange = errors.New("R1|OffsetOutOfRange: A challenge references an offset beyond committed capacity.")
	ErrREmptyRegistry    = errors.New("R2|EmptyRegistry: No shards are registered; nothing to select or resolve.")
	ErrRShardNotReady    = errors.New("R3|ShardNotReady: Only Ready or Partial shards may be registered.")
)

// Challenge (Q) Errors
var (
	ErrQChunkGenerationFailed = errors.New("Q1|ChunkGenerationFailed: Digest or addressing failure during challenge handling. Degrades that response slot only.")
	ErrQBadEpochSeed          = errors.New("Q2|BadEpochSeed: The challenge epoch seed is empty or not valid hex.")
	ErrQDeadlineExceeded      = errors.New("Q3|DeadlineExceeded: The challenge deadline elapsed before all slots were generated.")
)

// Session (S) Errors
var (
	ErrSRegisterRejected = errors.New("S1|RegisterRejected: The coordinator refused this node's registration.")
	ErrSNotConnected     = errors.New("S2|NotConnected: No live websocket session with the coordinator.")
	ErrSBadEnvelope      = errors.New("S3|BadEnvelope: Inbound frame is not a valid method envelope.")
)

// Code extracts the short code in front of the '|' separator, e.g. "C2"
// for ErrCAllocationTimeout. Unknown errors return the empty string.
func Code(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	idx := strings.Index(msg, "|")
	if idx <= 0 || idx > 3 {
		return ""
	}
	return msg[:idx]
}

// Is reports whether err wraps target, mirroring errors.Is so callers don't
// need both imports.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
