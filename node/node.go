package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/capnetwork/capnode/capacity"
	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/store"
	"github.com/capnetwork/capnode/telemetry"
	"github.com/capnetwork/capnode/types"
	"github.com/capnetwork/capnode/wallet"
)

// challengeHistoryKeep bounds the rolling record of served challenges.
const challengeHistoryKeep = 512

// housekeepingInterval paces telemetry keep-alive stats and history pruning.
const housekeepingInterval = time.Minute

// Node assembles the commitment engine, the coordinator session, the local
// store, the wallet and telemetry into one lifecycle. It implements Backend
// so the session's engine calls pick up persistence and telemetry on the
// way through.
type Node struct {
	cfg     *types.NodeConfig
	wallet  *wallet.Wallet
	engine  *capacity.Engine
	store   *store.Store
	tel     *telemetry.Client
	session *Session

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a node from config: loads or creates the key file, opens the
// datadir store and prepares the engine and session. Nothing is allocated
// or dialed until Start.
func New(cfg *types.NodeConfig) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w, err := wallet.Load(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	st, err := store.NewStore(filepath.Join(cfg.DataDir, "store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	tel := telemetry.NewNoOpClient()
	if cfg.TelemetryAddr != "" {
		tel = telemetry.NewClient(cfg.TelemetryAddr)
	}
	return newNode(cfg, w, st, tel), nil
}

func newNode(cfg *types.NodeConfig, w *wallet.Wallet, st *store.Store, tel *telemetry.Client) *Node {
	n := &Node{
		cfg:    cfg,
		wallet: w,
		engine: capacity.NewEngine(capacity.NewHeapUnitProvider(), cfg.KeepAliveInterval()),
		store:  st,
		tel:    tel,
		stopCh: make(chan struct{}),
	}
	n.session = NewSession(SessionConfig{
		URL:               cfg.CoordinatorURL,
		NodeName:          cfg.NodeName,
		BuildVersion:      common.GetBuildVersion(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
	}, w, n)
	return n
}

// Start commits the configured capacity, then opens the coordinator session.
// A plan shortfall is reported, not fatal; only an invalid spec or a wallet
// or store failure aborts startup.
func (n *Node) Start(ctx context.Context) error {
	log.Info(log.NodeModule, "starting capnode",
		"name", n.cfg.NodeName,
		"address", n.wallet.Address().Hex(),
		"version", common.GetBuildVersion())

	if err := n.store.SaveAddress(n.wallet.Address()); err != nil {
		return fmt.Errorf("save address: %w", err)
	}
	if err := n.tel.Connect(telemetry.NodeInfo{
		Address:     n.wallet.Address(),
		NodeName:    n.cfg.NodeName,
		NodeVersion: common.GetBuildVersion(),
	}); err != nil {
		log.Warn(log.NodeModule, "telemetry connect failed", "addr", n.cfg.TelemetryAddr, "err", err)
	}

	report, err := n.engine.Commit(ctx, n.cfg.Spec())
	if err != nil {
		return fmt.Errorf("commit capacity: %w", err)
	}
	n.persistReport(*report)

	n.session.Start()
	n.wg.Add(1)
	go n.housekeeping()
	return nil
}

// Stop closes the session, releases all committed capacity and shuts the
// ambient services down. Safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.session.Stop()
	n.wg.Wait()
	n.engine.Shutdown()
	n.tel.Close()
	if err := n.store.Close(); err != nil {
		log.Warn(log.NodeModule, "store close failed", "err", err)
	}
	log.Info(log.NodeModule, "capnode stopped", "address", n.wallet.Address().Hex())
}

// HandleChallenge serves the challenge through the engine and records the
// outcome in the local history and the telemetry stream.
func (n *Node) HandleChallenge(ctx context.Context, challenge types.Challenge) *types.ChallengeResponse {
	resp := n.engine.HandleChallenge(ctx, challenge)
	rec := store.ChallengeRecord{
		ChallengeID:    challenge.ChallengeID,
		Offsets:        len(challenge.Offsets),
		ChunkSize:      challenge.ChunkSize,
		ResponseTimeMs: resp.ResponseTimeMillis,
		Success:        resp.Success,
	}
	if err := n.store.RecordChallenge(rec); err != nil {
		log.Warn(log.NodeModule, "challenge record failed", "challenge_id", challenge.ChallengeID, "err", err)
	}
	n.tel.SendChallengeServed(challenge.ChallengeID, len(challenge.Offsets), challenge.ChunkSize, resp.ResponseTimeMillis, resp.Success)
	return resp
}

// Reconfigure rebuilds the commitment and persists the fresh report.
func (n *Node) Reconfigure(ctx context.Context, spec types.CommitmentSpec) (*types.PlanReport, error) {
	report, err := n.engine.Reconfigure(ctx, spec)
	if err != nil {
		return nil, err
	}
	n.persistReport(*report)
	return report, nil
}

func (n *Node) Report() types.PlanReport    { return n.engine.Report() }
func (n *Node) TotalAllocatedBytes() uint64 { return n.engine.TotalAllocatedBytes() }
func (n *Node) Served() uint64              { return n.engine.Served() }
func (n *Node) Failed() uint64              { return n.engine.Failed() }

func (n *Node) Address() common.Address  { return n.wallet.Address() }
func (n *Node) Engine() *capacity.Engine { return n.engine }
func (n *Node) Session() *Session        { return n.session }
func (n *Node) Store() *store.Store      { return n.store }

func (n *Node) persistReport(report types.PlanReport) {
	if err := n.store.SaveLastReport(report); err != nil {
		log.Warn(log.NodeModule, "report save failed", "err", err)
	}
	n.tel.SendPlanReport(report)
}

func (n *Node) housekeeping() {
	defer n.wg.Done()
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.tel.SendKeepAlive(n.engine.KeepAliveTouches())
			if err := n.store.PruneChallenges(challengeHistoryKeep); err != nil {
				log.Warn(log.NodeModule, "challenge prune failed", "err", err)
			}
		}
	}
}
