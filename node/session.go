package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/log"
	"github.com/capnetwork/capnode/types"
	"github.com/capnetwork/capnode/wallet"
)

// Backend is the engine surface the session drives. *capacity.Engine
// satisfies it; Node wraps it to add persistence and telemetry.
type Backend interface {
	HandleChallenge(ctx context.Context, challenge types.Challenge) *types.ChallengeResponse
	Reconfigure(ctx context.Context, spec types.CommitmentSpec) (*types.PlanReport, error)
	Report() types.PlanReport
	TotalAllocatedBytes() uint64
	Served() uint64
	Failed() uint64
}

type SessionConfig struct {
	URL               string
	NodeName          string
	BuildVersion      string
	HeartbeatInterval time.Duration
}

// Session keeps one websocket to the coordinator alive: it registers on
// connect, answers challenge and reconfigure frames, sends heartbeats, and
// redials with exponential backoff when the read loop fails. Challenges run
// on their own goroutines so a slow response never stalls the read loop.
type Session struct {
	url          string
	nodeName     string
	buildVersion string
	heartbeat    time.Duration

	wallet  *wallet.Wallet
	backend Backend

	wsConn  *websocket.Conn // websocket connection
	wsMutex sync.Mutex      // to protect writes

	registered    atomic.Bool
	ackSeen       atomic.Bool // ack arrived on the current connection
	heartbeatSecs atomic.Uint32

	startedAt time.Time
	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewSession(cfg SessionConfig, w *wallet.Wallet, backend Backend) *Session {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = types.DefaultHeartbeatInterval
	}
	return &Session{
		url:          cfg.URL,
		nodeName:     cfg.NodeName,
		buildVersion: cfg.BuildVersion,
		heartbeat:    heartbeat,
		wallet:       w,
		backend:      backend,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the connect/read loop and the heartbeat loop. It returns
// immediately; registration state is visible through Registered.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.startedAt = time.Now()
		s.wg.Add(2)
		go s.run()
		go s.heartbeatLoop()
	})
}

// Stop tears the session down and waits for both loops to exit.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.closeConn()
	if s.started.Load() {
		s.wg.Wait()
	}
}

// Registered reports whether the coordinator has acked this node on the
// current connection.
func (s *Session) Registered() bool {
	return s.registered.Load()
}

func (s *Session) run() {
	defer s.wg.Done()
	delay := types.ReconnectBaseDelay

	for {
		if s.stopped() {
			return
		}
		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			log.Warn(log.SessionModule, "coordinator dial failed", "url", s.url, "err", err, "retry_in", delay)
			if !s.sleep(delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		s.setConn(conn)
		s.ackSeen.Store(false)
		if err := s.sendRegister(); err != nil {
			log.Warn(log.SessionModule, "registration send failed", "err", err)
			s.closeConn()
			if !s.sleep(delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		s.readLoop(conn)
		s.closeConn()
		if s.stopped() {
			return
		}
		// A connection that was acked earns a fresh backoff; one the
		// coordinator dropped before acking keeps escalating.
		if s.ackSeen.Load() {
			delay = types.ReconnectBaseDelay
		}
		log.Info(log.SessionModule, "session lost, reconnecting", "url", s.url, "retry_in", delay)
		if !s.sleep(delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !s.stopped() {
				log.Warn(log.SessionModule, "read error", "err", err)
			}
			return
		}
		env, err := DecodeEnvelope(msg)
		if err != nil {
			log.Warn(log.SessionModule, "bad envelope", "err", err)
			continue
		}
		s.handleEnvelope(env)
	}
}

func (s *Session) handleEnvelope(env *Envelope) {
	switch env.Method {
	case MethodRegistered:
		var ack RegisteredMsg
		if err := json.Unmarshal(env.Params, &ack); err != nil {
			log.Warn(log.SessionModule, "bad registered params", "err", err)
			return
		}
		if !ack.OK {
			log.Error(log.SessionModule, "registration rejected", "reason", ack.Reason, "err", caperrors.ErrSRegisterRejected)
			s.closeConn()
			return
		}
		s.ackSeen.Store(true)
		s.registered.Store(true)
		if ack.HeartbeatSecs > 0 {
			s.heartbeatSecs.Store(ack.HeartbeatSecs)
		}
		log.Info(log.SessionModule, "registered with coordinator", "node_id", ack.NodeID)

	case MethodChallenge:
		var msg types.ChallengeMsg
		if err := json.Unmarshal(env.Params, &msg); err != nil {
			log.Warn(log.SessionModule, "bad challenge params", "err", err)
			return
		}
		go s.serveChallenge(msg)

	case MethodReconfigure:
		var msg ReconfigureMsg
		if err := json.Unmarshal(env.Params, &msg); err != nil {
			log.Warn(log.SessionModule, "bad reconfigure params", "err", err)
			return
		}
		go s.applyReconfigure(msg)

	case MethodPing:
		if err := s.safeWrite(MethodPong, struct{}{}); err != nil {
			log.Trace(log.SessionModule, "pong dropped", "err", err)
		}

	default:
		log.Warn(log.SessionModule, "unknown method", "method", env.Method)
	}
}

func (s *Session) serveChallenge(msg types.ChallengeMsg) {
	challenge, err := msg.ToChallenge()
	if err != nil {
		log.Warn(log.SessionModule, "challenge rejected", "challenge_id", msg.ChallengeID, "err", err)
		s.sendResponse(&types.ChallengeResponse{
			ChallengeID: msg.ChallengeID,
			Chunks:      make([][]byte, len(msg.Offsets)),
		})
		return
	}
	resp := s.backend.HandleChallenge(context.Background(), challenge)
	s.sendResponse(resp)
}

func (s *Session) sendResponse(resp *types.ChallengeResponse) {
	if err := s.safeWrite(MethodChallengeResponse, types.FromChallengeResponse(resp)); err != nil {
		log.Warn(log.SessionModule, "challenge response dropped", "challenge_id", resp.ChallengeID, "err", err)
	}
}

func (s *Session) applyReconfigure(msg ReconfigureMsg) {
	spec := msg.Spec()
	report, err := s.backend.Reconfigure(context.Background(), spec)
	if err != nil {
		log.Error(log.SessionModule, "reconfigure failed", "spec", spec.String(), "err", err)
		return
	}
	log.Info(log.SessionModule, "reconfigured",
		"total", common.HumanBytes(spec.TotalCapacityBytes),
		"allocated", common.HumanBytes(report.TotalAllocatedBytes),
		"shortfall", common.HumanBytes(report.ShortfallBytes))
	if err := s.safeWrite(MethodPlanReport, report); err != nil {
		log.Warn(log.SessionModule, "plan report dropped", "err", err)
	}
}

func (s *Session) sendRegister() error {
	msg := RegisterMsg{
		Address:      s.wallet.Address().Hex(),
		NodeName:     s.nodeName,
		BuildVersion: s.buildVersion,
		Report:       s.backend.Report(),
	}
	digest := msg.SigningDigest()
	_, sig, err := s.wallet.Sign(digest)
	if err != nil {
		return fmt.Errorf("sign registration: %w", err)
	}
	msg.Digest = digest.Hex()
	msg.Signature = common.Bytes2Hex(sig)
	return s.safeWrite(MethodRegister, msg)
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	interval := s.heartbeat
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if next := s.heartbeatOverride(); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
			if !s.registered.Load() {
				continue
			}
			hb := HeartbeatMsg{
				UptimeSecs:          uint64(time.Since(s.startedAt).Seconds()),
				TotalAllocatedBytes: s.backend.TotalAllocatedBytes(),
				Served:              s.backend.Served(),
				Failed:              s.backend.Failed(),
			}
			if err := s.safeWrite(MethodHeartbeat, hb); err != nil {
				log.Trace(log.SessionModule, "heartbeat dropped", "err", err)
			}
		}
	}
}

func (s *Session) heartbeatOverride() time.Duration {
	secs := s.heartbeatSecs.Load()
	if secs == 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (s *Session) safeWrite(method string, params interface{}) error {
	env, err := NewEnvelope(method, params)
	if err != nil {
		return err
	}
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	if s.wsConn == nil {
		return caperrors.ErrSNotConnected
	}
	return s.wsConn.WriteJSON(env)
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.wsMutex.Lock()
	s.wsConn = conn
	s.wsMutex.Unlock()
}

func (s *Session) closeConn() {
	s.registered.Store(false)
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	if s.wsConn != nil {
		s.wsConn.Close()
		s.wsConn = nil
	}
}

func (s *Session) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > types.ReconnectMaxDelay {
		d = types.ReconnectMaxDelay
	}
	return d
}
