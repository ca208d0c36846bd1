// coordsim is a minimal coordinator: it accepts capnode registrations over
// websocket, issues random challenges on an interval, re-derives the expected
// chunks locally and scores each node on correctness and latency. Meant for
// end-to-end manual testing against a running capnode.
package main

import (
	crand "crypto/rand"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/capnetwork/capnode/chunkgen"
	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/node"
	"github.com/capnetwork/capnode/types"
	"github.com/capnetwork/capnode/wallet"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// pendingChallenge is one issued challenge awaiting its response.
type pendingChallenge struct {
	seed    []byte
	offsets []uint64
	chunk   uint32
	issued  time.Time
}

// peer is one registered capnode. Scores survive the connection.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	address  common.Address
	name     string
	total    uint64
	pending  map[string]*pendingChallenge
	served   int
	correct  int
	missed   int
	totalLat time.Duration
}

func (p *peer) safeWrite(method string, params interface{}) error {
	env, err := node.NewEnvelope(method, params)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(env)
}

func (p *peer) scoreLine() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	avg := time.Duration(0)
	if p.served > 0 {
		avg = p.totalLat / time.Duration(p.served)
	}
	return fmt.Sprintf("%s (%s): %d/%d correct, %d missed, avg latency %s",
		p.name, p.address.Hex(), p.correct, p.served, p.missed, avg.Round(time.Millisecond))
}

type simulator struct {
	interval  time.Duration
	offsets   int
	chunkSize uint32
	deadline  time.Duration

	mu    sync.Mutex
	live  map[*peer]struct{}
	seen  []*peer
	rnd   *rand.Rand
	stopC chan struct{}
}

func newSimulator(interval, deadline time.Duration, offsets int, chunkSize uint32) *simulator {
	return &simulator{
		interval:  interval,
		offsets:   offsets,
		chunkSize: chunkSize,
		deadline:  deadline,
		live:      make(map[*peer]struct{}),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stopC:     make(chan struct{}),
	}
}

func (sim *simulator) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(log.SessionModule, "upgrade failed", "err", err)
		return
	}
	p := &peer{conn: conn, pending: make(map[string]*pendingChallenge)}
	defer func() {
		sim.remove(p)
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Info(log.SessionModule, "node disconnected", "name", p.name, "err", err)
			return
		}
		env, err := node.DecodeEnvelope(msg)
		if err != nil {
			log.Warn(log.SessionModule, "bad envelope", "err", err)
			continue
		}
		sim.handleEnvelope(p, env)
	}
}

func (sim *simulator) handleEnvelope(p *peer, env *node.Envelope) {
	switch env.Method {
	case node.MethodRegister:
		var msg node.RegisterMsg
		if err := json.Unmarshal(env.Params, &msg); err != nil {
			log.Warn(log.SessionModule, "bad register params", "err", err)
			return
		}
		sim.handleRegister(p, msg)

	case node.MethodChallengeResponse:
		var msg types.ChallengeResponseMsg
		if err := json.Unmarshal(env.Params, &msg); err != nil {
			log.Warn(log.SessionModule, "bad response params", "err", err)
			return
		}
		sim.handleResponse(p, msg)

	case node.MethodHeartbeat:
		var hb node.HeartbeatMsg
		if err := json.Unmarshal(env.Params, &hb); err != nil {
			return
		}
		log.Debug(log.SessionModule, "heartbeat", "name", p.name,
			"uptime_s", hb.UptimeSecs, "allocated", common.HumanBytes(hb.TotalAllocatedBytes),
			"served", hb.Served, "failed", hb.Failed)

	case node.MethodPlanReport:
		var report types.PlanReport
		if err := json.Unmarshal(env.Params, &report); err != nil {
			return
		}
		p.mu.Lock()
		p.total = report.TotalAllocatedBytes
		p.mu.Unlock()
		log.Info(log.SessionModule, "plan report", "name", p.name,
			"allocated", common.HumanBytes(report.TotalAllocatedBytes),
			"shortfall", common.HumanBytes(report.ShortfallBytes),
			"shards", report.ShardCount)

	case node.MethodPong:
		log.Trace(log.SessionModule, "pong", "name", p.name)

	default:
		log.Warn(log.SessionModule, "unknown method", "method", env.Method)
	}
}

func (sim *simulator) handleRegister(p *peer, msg node.RegisterMsg) {
	addr := common.HexToAddress(msg.Address)
	digest := msg.SigningDigest()
	if digest.Hex() != msg.Digest {
		sim.reject(p, "digest mismatch")
		return
	}
	if err := wallet.Verify(addr, digest, common.Hex2Bytes(msg.Signature)); err != nil {
		sim.reject(p, fmt.Sprintf("signature: %v", err))
		return
	}

	p.mu.Lock()
	p.address = addr
	p.name = msg.NodeName
	p.total = msg.Report.TotalAllocatedBytes
	p.mu.Unlock()

	sim.mu.Lock()
	if _, ok := sim.live[p]; !ok {
		sim.live[p] = struct{}{}
		sim.seen = append(sim.seen, p)
	}
	sim.mu.Unlock()

	log.Info(log.SessionModule, "node registered",
		"name", msg.NodeName, "address", msg.Address, "version", msg.BuildVersion,
		"allocated", common.HumanBytes(msg.Report.TotalAllocatedBytes),
		"shortfall", common.HumanBytes(msg.Report.ShortfallBytes))

	if err := p.safeWrite(node.MethodRegistered, node.RegisteredMsg{
		OK:     true,
		NodeID: uuid.New().String(),
	}); err != nil {
		log.Warn(log.SessionModule, "ack send failed", "err", err)
	}
}

func (sim *simulator) reject(p *peer, reason string) {
	log.Warn(log.SessionModule, "registration rejected", "reason", reason)
	if err := p.safeWrite(node.MethodRegistered, node.RegisteredMsg{OK: false, Reason: reason}); err != nil {
		log.Warn(log.SessionModule, "reject send failed", "err", err)
	}
}

func (sim *simulator) handleResponse(p *peer, msg types.ChallengeResponseMsg) {
	p.mu.Lock()
	pc, ok := p.pending[msg.ChallengeID]
	if ok {
		delete(p.pending, msg.ChallengeID)
	}
	p.mu.Unlock()
	if !ok {
		log.Warn(log.SessionModule, "response for unknown challenge", "challenge_id", msg.ChallengeID)
		return
	}

	latency := time.Since(pc.issued)
	correct := sim.verify(pc, msg)

	p.mu.Lock()
	p.served++
	p.totalLat += latency
	if correct {
		p.correct++
	}
	score := fmt.Sprintf("%d/%d", p.correct, p.served)
	p.mu.Unlock()

	log.Info(log.SessionModule, "challenge scored",
		"name", p.name, "challenge_id", msg.ChallengeID,
		"correct", correct, "latency", latency.Round(time.Millisecond),
		"reported_ms", msg.ResponseTimeMs, "score", score)
}

func (sim *simulator) verify(pc *pendingChallenge, msg types.ChallengeResponseMsg) bool {
	chunks, err := msg.DecodeChunks()
	if err != nil || len(chunks) != len(pc.offsets) {
		return false
	}
	for i, offset := range pc.offsets {
		ok, err := chunkgen.VerifyChunk(pc.seed, offset, chunks[i])
		if err != nil || !ok || uint32(len(chunks[i])) != pc.chunk {
			return false
		}
	}
	return true
}

// issueLoop fires one challenge per live peer per tick and expires
// challenges that outlived their deadline.
func (sim *simulator) issueLoop() {
	ticker := time.NewTicker(sim.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sim.stopC:
			return
		case <-ticker.C:
			sim.mu.Lock()
			peers := make([]*peer, 0, len(sim.live))
			for p := range sim.live {
				peers = append(peers, p)
			}
			sim.mu.Unlock()
			for _, p := range peers {
				sim.expirePending(p)
				sim.issueChallenge(p)
			}
		}
	}
}

func (sim *simulator) issueChallenge(p *peer) {
	p.mu.Lock()
	total := p.total
	p.mu.Unlock()
	if total <= uint64(sim.chunkSize) {
		return
	}

	seed := make([]byte, 32)
	if _, err := crand.Read(seed); err != nil {
		log.Error(log.SessionModule, "seed generation failed", "err", err)
		return
	}
	offsets := make([]uint64, sim.offsets)
	sim.mu.Lock()
	for i := range offsets {
		offsets[i] = sim.rnd.Uint64() % (total - uint64(sim.chunkSize))
	}
	sim.mu.Unlock()

	id := uuid.New().String()
	msg := types.ChallengeMsg{
		ChallengeID: id,
		EpochSeed:   common.Bytes2Hex(seed),
		Offsets:     offsets,
		ChunkSize:   sim.chunkSize,
		DeadlineMs:  uint32(sim.deadline / time.Millisecond),
	}

	p.mu.Lock()
	p.pending[id] = &pendingChallenge{
		seed:    seed,
		offsets: offsets,
		chunk:   sim.chunkSize,
		issued:  time.Now(),
	}
	p.mu.Unlock()

	if err := p.safeWrite(node.MethodChallenge, msg); err != nil {
		log.Warn(log.SessionModule, "challenge send failed", "name", p.name, "err", err)
	}
	log.Debug(log.SessionModule, "challenge issued", "name", p.name, "challenge_id", id, "offsets", len(offsets))
}

func (sim *simulator) expirePending(p *peer) {
	cutoff := time.Now().Add(-(sim.deadline + sim.interval))
	p.mu.Lock()
	for id, pc := range p.pending {
		if pc.issued.Before(cutoff) {
			delete(p.pending, id)
			p.missed++
			log.Warn(log.SessionModule, "challenge expired", "name", p.name, "challenge_id", id)
		}
	}
	p.mu.Unlock()
}

func (sim *simulator) remove(p *peer) {
	sim.mu.Lock()
	delete(sim.live, p)
	sim.mu.Unlock()
}

func (sim *simulator) stop() {
	close(sim.stopC)
}

func (sim *simulator) printScores() {
	sim.mu.Lock()
	seen := append([]*peer(nil), sim.seen...)
	sim.mu.Unlock()
	if len(seen) == 0 {
		fmt.Println("no nodes registered")
		return
	}
	fmt.Println("scorecard:")
	for _, p := range seen {
		fmt.Printf("  %s\n", p.scoreLine())
	}
}

func main() {
	var rootCmd = &cobra.Command{
		Use:   "coordsim",
		Short: "Capacity coordinator simulator",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		listen     string
		wsPath     string
		interval   time.Duration
		deadline   time.Duration
		offsets    int
		chunkSize  uint32
		logLevel   string
		logModules string
	)

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Accept registrations and issue challenges until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			log.InitLogger(logLevel)
			if logModules != "" {
				log.EnableModules(logModules)
			}

			sim := newSimulator(interval, deadline, offsets, chunkSize)
			go sim.issueLoop()

			mux := http.NewServeMux()
			mux.HandleFunc(wsPath, sim.serveWs)
			server := &http.Server{Addr: listen, Handler: mux}

			go func() {
				log.Info(log.SessionModule, "coordsim listening", "addr", listen, "path", wsPath)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Crit(log.SessionModule, "listen failed", "err", err)
					os.Exit(1)
				}
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			sim.stop()
			server.Close()
			sim.printScores()
		},
	}
	runCmd.Flags().StringVar(&listen, "listen", ":9900", "Listen address")
	runCmd.Flags().StringVar(&wsPath, "path", "/ws", "Websocket path")
	runCmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Challenge interval per node")
	runCmd.Flags().DurationVar(&deadline, "deadline", types.DefaultChallengeDeadline, "Challenge deadline")
	runCmd.Flags().IntVar(&offsets, "offsets", 8, "Offsets per challenge")
	runCmd.Flags().Uint32Var(&chunkSize, "chunksize", 4096, "Response chunk size in bytes")
	runCmd.Flags().StringVar(&logLevel, "loglevel", "info", "Log level")
	runCmd.Flags().StringVar(&logModules, "logmodules", "", "Comma-separated modules with Debug/Trace enabled")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coordsim %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
