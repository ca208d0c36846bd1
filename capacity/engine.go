package capacity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/types"
)

// Engine is the capacity commitment engine: one registry, one planner run
// per commitment, challenge serving and the keep-alive, behind a single
// handle. There is no package-level state; everything hangs off the
// instance.
type Engine struct {
	provider  UnitProvider
	registry  *ShardRegistry
	processor *ChallengeProcessor

	keepAliveInterval time.Duration

	mu        sync.Mutex
	spec      types.CommitmentSpec
	keepalive *KeepAliveScheduler

	released atomic.Bool
	served   atomic.Uint64
	failed   atomic.Uint64
}

func NewEngine(provider UnitProvider, keepAliveInterval time.Duration) *Engine {
	if keepAliveInterval <= 0 {
		keepAliveInterval = types.DefaultKeepAliveInterval
	}
	registry := NewShardRegistry()
	return &Engine{
		provider:          provider,
		registry:          registry,
		processor:         NewChallengeProcessor(registry),
		keepAliveInterval: keepAliveInterval,
	}
}

// Commit plans and allocates the spec, then starts the keep-alive. The
// report carries whatever was actually committed; a shortfall is the
// caller's decision to act on.
func (e *Engine) Commit(ctx context.Context, spec types.CommitmentSpec) (*types.PlanReport, error) {
	return e.rebuild(ctx, spec)
}

// Reconfigure tears down every shard and rebuilds from scratch. There is no
// partial resize; the address space changes wholesale.
func (e *Engine) Reconfigure(ctx context.Context, spec types.CommitmentSpec) (*types.PlanReport, error) {
	log.Info(log.PlannerModule, "reconfiguring commitment", "spec", spec.String())
	return e.rebuild(ctx, spec)
}

func (e *Engine) rebuild(ctx context.Context, spec types.CommitmentSpec) (*types.PlanReport, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released.Load() {
		return nil, caperrors.ErrCEngineReleased
	}
	if e.keepalive != nil {
		e.keepalive.Stop()
		e.keepalive = nil
	}
	e.registry.ReleaseAll()

	planner := NewCapacityPlanner(e.provider, DefaultShardAllocator(), e.registry)
	if _, err := planner.Plan(ctx, spec); err != nil {
		return nil, err
	}
	e.spec = spec

	e.keepalive = NewKeepAliveScheduler(e.registry, e.keepAliveInterval)
	e.keepalive.Start()

	report := e.reportLocked()
	return &report, nil
}

// HandleChallenge serves one challenge. It never returns nil: a challenge
// against a released or empty engine comes back degraded, not dropped.
func (e *Engine) HandleChallenge(ctx context.Context, challenge types.Challenge) *types.ChallengeResponse {
	if e.released.Load() {
		e.failed.Add(1)
		return &types.ChallengeResponse{
			ChallengeID: challenge.ChallengeID,
			Chunks:      make([][]byte, len(challenge.Offsets)),
			Success:     false,
		}
	}

	resp := e.processor.Handle(ctx, challenge)
	if resp.Success {
		e.served.Add(1)
	} else {
		e.failed.Add(1)
	}
	return resp
}

// Report is the current commitment as the wire report.
func (e *Engine) Report() types.PlanReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reportLocked()
}

func (e *Engine) reportLocked() types.PlanReport {
	total := e.registry.TotalAllocatedBytes()
	var shortfall uint64
	if e.spec.TotalCapacityBytes > total {
		shortfall = e.spec.TotalCapacityBytes - total
	}
	return types.PlanReport{
		TotalAllocatedBytes: total,
		ShortfallBytes:      shortfall,
		ShardCount:          e.registry.ShardCount(),
	}
}

func (e *Engine) Registry() *ShardRegistry {
	return e.registry
}

func (e *Engine) TotalAllocatedBytes() uint64 {
	return e.registry.TotalAllocatedBytes()
}

// Served and Failed count challenge outcomes since start, for heartbeats.
func (e *Engine) Served() uint64 { return e.served.Load() }
func (e *Engine) Failed() uint64 { return e.failed.Load() }

// KeepAliveTouches reports touches of the current commitment's scheduler.
func (e *Engine) KeepAliveTouches() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keepalive == nil {
		return 0
	}
	return e.keepalive.Touches()
}

// Shutdown stops the keep-alive and releases every shard. Terminal: the
// engine refuses further commitments and degrades further challenges.
func (e *Engine) Shutdown() {
	if !e.released.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	keepalive := e.keepalive
	e.keepalive = nil
	e.mu.Unlock()

	if keepalive != nil {
		keepalive.Stop()
	}
	e.registry.ReleaseAll()
	log.Info(log.NodeModule, "capacity engine shut down",
		"served", e.served.Load(), "failed", e.failed.Load())
}
