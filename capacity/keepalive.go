package capacity

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capnetwork/capnode/log"
)

// KeepAliveScheduler periodically flips one byte in one random allocated
// chunk, so the host's memory manager keeps seeing the committed pages as
// live. Pure liveness signal: it holds the registry read lock only long
// enough to pick a chunk and never sits on the challenge path.
type KeepAliveScheduler struct {
	registry *ShardRegistry
	interval time.Duration
	rnd      *rand.Rand

	touches atomic.Uint64
	started atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewKeepAliveScheduler(registry *ShardRegistry, interval time.Duration) *KeepAliveScheduler {
	return &KeepAliveScheduler{
		registry: registry,
		interval: interval,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (k *KeepAliveScheduler) Start() {
	k.startOnce.Do(func() {
		log.Debug(log.KeepAliveModule, "keep-alive started", "interval", k.interval)
		k.started.Store(true)
		go k.loop()
	})
}

func (k *KeepAliveScheduler) loop() {
	defer close(k.doneCh)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.tick()
		}
	}
}

func (k *KeepAliveScheduler) tick() {
	shard, chunk, err := k.registry.PickChunk(k.rnd)
	if err != nil || len(chunk) == 0 {
		log.Trace(log.KeepAliveModule, "nothing to touch")
		return
	}
	pos := k.rnd.Intn(len(chunk))
	chunk[pos] = ^chunk[pos]
	k.touches.Add(1)
	log.Trace(log.KeepAliveModule, "chunk touched", "shard", shard.ID, "pos", pos)
}

// Stop halts the ticker and waits for the loop to exit. Safe to call more
// than once, and before Start.
func (k *KeepAliveScheduler) Stop() {
	k.stopOnce.Do(func() {
		close(k.stopCh)
	})
	if k.started.Load() {
		<-k.doneCh
	}
}

// Touches is the number of keep-alive mutations performed so far.
func (k *KeepAliveScheduler) Touches() uint64 {
	return k.touches.Load()
}
