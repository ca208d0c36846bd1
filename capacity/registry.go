package capacity

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
)

// ShardRegistry owns the global address space: shards in registration order,
// each covering a contiguous range, stitched into [0, TotalAllocatedBytes).
// It is the single source of truth for how many bytes are actually
// committed, which may be less than requested after a partial plan.
// Single writer (planning, teardown), many readers.
type ShardRegistry struct {
	mu     sync.RWMutex
	shards []*Shard
	bounds []uint64 // cumulative end offset of each shard
	total  uint64
	chunks int
}

func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{}
}

// Register appends the shard and extends the address space by its allocated
// bytes. Only Ready or Partial shards hold committed capacity.
func (r *ShardRegistry) Register(shard *Shard) error {
	state := shard.State()
	if state != Ready && state != Partial {
		return fmt.Errorf("%w: %s is %s", caperrors.ErrRShardNotReady, shard.ID, state)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total += shard.AllocatedBytes()
	r.shards = append(r.shards, shard)
	r.bounds = append(r.bounds, r.total)
	r.chunks += shard.ChunkCount()
	log.Debug(log.RegistryModule, "shard registered",
		"shard", shard.ID, "state", state,
		"range_end", common.HumanBytes(r.total), "shards", len(r.shards))
	return nil
}

// ShardFor resolves an absolute offset to its owning shard with a range
// search over the cumulative boundaries.
func (r *ShardRegistry) ShardFor(offset uint64) (*Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.shards) == 0 {
		return nil, caperrors.ErrREmptyRegistry
	}
	if offset >= r.total {
		return nil, fmt.Errorf("%w: offset %d, committed %d", caperrors.ErrROffsetOutOfRange, offset, r.total)
	}
	idx := sort.Search(len(r.bounds), func(i int) bool { return offset < r.bounds[i] })
	return r.shards[idx], nil
}

func (r *ShardRegistry) TotalAllocatedBytes() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

func (r *ShardRegistry) ShardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shards)
}

func (r *ShardRegistry) ChunkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chunks
}

// Shards returns a snapshot of the registered shards in address order.
func (r *ShardRegistry) Shards() []*Shard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Shard, len(r.shards))
	copy(out, r.shards)
	return out
}

// PickChunk selects one allocated chunk uniformly across all shards, for the
// keep-alive touch.
func (r *ShardRegistry) PickChunk(rnd *rand.Rand) (*Shard, []byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.chunks == 0 {
		return nil, nil, caperrors.ErrREmptyRegistry
	}
	k := rnd.Intn(r.chunks)
	for _, shard := range r.shards {
		n := shard.ChunkCount()
		if k < n {
			return shard, shard.Chunk(k), nil
		}
		k -= n
	}
	return nil, nil, caperrors.ErrREmptyRegistry
}

// ReleaseAll empties the registry and releases every shard. Shard teardown
// happens outside the lock so readers are never blocked on unit release.
func (r *ShardRegistry) ReleaseAll() {
	r.mu.Lock()
	shards := r.shards
	r.shards = nil
	r.bounds = nil
	r.total = 0
	r.chunks = 0
	r.mu.Unlock()

	for _, shard := range shards {
		shard.Release()
	}
	if len(shards) > 0 {
		log.Info(log.RegistryModule, "all shards released", "count", len(shards))
	}
}
