package types

import "time"

const (
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

// Canonical capacity constants. The per-unit ceiling and chunk granularity
// interlock with the coordinator's verifier; changing either breaks the
// global offset addressing of previously registered commitments.
const (
	// ChunkSize is the allocation granularity within a shard. Every chunk
	// except a shard's last has exactly this size.
	ChunkSize = 256 * MiB

	// DefaultMaxUnitCapacity is the commitment ceiling per execution unit.
	DefaultMaxUnitCapacity = 12 * GiB

	// UnitSafetyMargin is requested on top of a unit's target so the
	// runtime's own bookkeeping inside the unit never collides with the
	// committed bytes. The allocator refuses any chunk that would land
	// inside the margin.
	UnitSafetyMargin = 128 * MiB

	// PauseEscalationBytes is the cumulative allocation past which
	// inter-chunk pauses double, to stay under platform throttling limits.
	PauseEscalationBytes = 15 * GiB

	// TouchStride is the write stride used to force physical commitment of
	// freshly allocated chunks: one byte per stride, one stride per page.
	TouchStride = 4 * KiB

	// TouchYieldBytes bounds how much of a chunk is touched between
	// scheduler yields during allocation.
	TouchYieldBytes = 16 * MiB
)

const (
	// ChunkAllocTimeout bounds a single chunk allocation, including its
	// commitment touch. Exceeding it aborts the whole shard.
	ChunkAllocTimeout = 15 * time.Second

	// InterChunkPause is the base pause between chunk allocations. It grows
	// by one step per InterChunkPauseStepBytes already allocated.
	InterChunkPause          = 25 * time.Millisecond
	InterChunkPauseStepBytes = 4 * GiB

	// GenerateStripSize is the slice of a challenge chunk generated between
	// cancellation checks. A multiple of 32 keeps strip seams on digest
	// boundaries so no digest is computed twice.
	GenerateStripSize = 1 * MiB

	DefaultKeepAliveInterval = 20 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultChallengeDeadline applies when a challenge carries no
	// deadline_ms of its own.
	DefaultChallengeDeadline = 8 * time.Second

	// ReconnectBaseDelay and ReconnectMaxDelay bound the session's
	// exponential backoff after a dropped coordinator connection.
	ReconnectBaseDelay = time.Second
	ReconnectMaxDelay  = 2 * time.Minute

	DefaultChannelSize = 64
)
