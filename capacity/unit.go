package capacity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
)

// UnitProvider is the host capability "create an isolated execution unit
// with capacity ceiling C". Creation may fail; the ceiling is hard.
type UnitProvider interface {
	NewUnit(ctx context.Context, capacityBytes uint64) (Unit, error)
}

// Unit hands out contiguous byte ranges within its ceiling and is released
// as a whole. Implementations are black boxes to the engine.
type Unit interface {
	ID() string
	CapacityBytes() uint64
	AllocatedBytes() uint64
	Alloc(ctx context.Context, n uint64) ([]byte, error)
	Release()
}

// HeapUnitProvider backs execution units with the process heap. It is the
// default provider; hosts with stronger isolation primitives supply their
// own UnitProvider.
type HeapUnitProvider struct {
	mu    sync.Mutex
	units map[string]*heapUnit
}

func NewHeapUnitProvider() *HeapUnitProvider {
	return &HeapUnitProvider{
		units: make(map[string]*heapUnit),
	}
}

func (p *HeapUnitProvider) NewUnit(ctx context.Context, capacityBytes uint64) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", caperrors.ErrCUnitCreationFailed, err)
	}
	if capacityBytes == 0 {
		return nil, fmt.Errorf("%w: zero ceiling", caperrors.ErrCUnitCreationFailed)
	}
	unit := &heapUnit{
		id:       uuid.New().String(),
		capacity: capacityBytes,
		provider: p,
	}
	p.mu.Lock()
	p.units[unit.id] = unit
	p.mu.Unlock()
	log.Debug(log.AllocModule, "execution unit created", "unit", unit.id, "ceiling", common.HumanBytes(capacityBytes))
	return unit, nil
}

func (p *HeapUnitProvider) ActiveUnits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.units)
}

func (p *HeapUnitProvider) remove(id string) {
	p.mu.Lock()
	delete(p.units, id)
	p.mu.Unlock()
}

type heapUnit struct {
	id       string
	capacity uint64
	provider *HeapUnitProvider

	mu        sync.Mutex
	allocated uint64
	released  bool
}

func (u *heapUnit) ID() string {
	return u.id
}

func (u *heapUnit) CapacityBytes() uint64 {
	return u.capacity
}

func (u *heapUnit) AllocatedBytes() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.allocated
}

func (u *heapUnit) Alloc(ctx context.Context, n uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.released {
		return nil, caperrors.ErrCEngineReleased
	}
	if u.allocated+n > u.capacity {
		return nil, fmt.Errorf("%w: unit %s at %d/%d, want %d more",
			caperrors.ErrCCapacityExceeded, u.id, u.allocated, u.capacity, n)
	}
	buf := make([]byte, n)
	u.allocated += n
	return buf, nil
}

func (u *heapUnit) Release() {
	u.mu.Lock()
	if u.released {
		u.mu.Unlock()
		return
	}
	u.released = true
	u.allocated = 0
	u.mu.Unlock()
	u.provider.remove(u.id)
	log.Debug(log.AllocModule, "execution unit released", "unit", u.id)
}
