package capacity

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/capnetwork/capnode/common"
)

type ShardState int

const (
	Unallocated ShardState = iota
	Allocating
	Ready
	Partial
	Failed
	Released
)

func (s ShardState) String() string {
	switch s {
	case Unallocated:
		return "Unallocated"
	case Allocating:
		return "Allocating"
	case Ready:
		return "Ready"
	case Partial:
		return "Partial"
	case Failed:
		return "Failed"
	case Released:
		return "Released"
	default:
		return fmt.Sprintf("ShardState(%d)", int(s))
	}
}

// Shard is one capacity-bounded partition of the commitment, allocated
// within a single execution unit. Chunks are appended in allocation order
// and, once the shard leaves Allocating, change only by single-byte touches.
type Shard struct {
	ID string

	mu        sync.Mutex
	state     ShardState
	allocated uint64
	chunks    [][]byte
	unit      Unit
}

func newShard(unit Unit) *Shard {
	return &Shard{
		ID:    uuid.New().String(),
		state: Unallocated,
		unit:  unit,
	}
}

func (s *Shard) State() ShardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Shard) setState(state ShardState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// CapacityBytes is the owning unit's hard ceiling.
func (s *Shard) CapacityBytes() uint64 {
	return s.unit.CapacityBytes()
}

func (s *Shard) AllocatedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}

func (s *Shard) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Chunk returns the i-th chunk buffer. Callers only ever touch single bytes;
// the buffer is never resized or reallocated.
func (s *Shard) Chunk(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.chunks) {
		return nil
	}
	return s.chunks[i]
}

func (s *Shard) appendChunk(buf []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, buf)
	s.allocated += uint64(len(buf))
	s.mu.Unlock()
}

// abort drops everything gathered during a failed allocation and gives the
// unit back. The shard ends Failed and never reaches the registry.
func (s *Shard) abort() {
	s.mu.Lock()
	s.chunks = nil
	s.allocated = 0
	s.state = Failed
	unit := s.unit
	s.mu.Unlock()
	if unit != nil {
		unit.Release()
	}
}

// Release drops every chunk and gives the execution unit back. Terminal.
func (s *Shard) Release() {
	s.mu.Lock()
	s.chunks = nil
	s.allocated = 0
	s.state = Released
	unit := s.unit
	s.mu.Unlock()
	if unit != nil {
		unit.Release()
	}
}

func (s *Shard) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Shard{%s state=%s allocated=%s chunks=%d}",
		s.ID[:8], s.state, common.HumanBytes(s.allocated), len(s.chunks))
}
