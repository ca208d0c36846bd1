package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/common"
	"github.com/capnetwork/capnode/types"
)

// Coordinator session methods. The node sends register, heartbeat,
// challenge_response, plan_report and pong; the coordinator sends
// registered, challenge, reconfigure and ping.
const (
	MethodRegister          = "register"
	MethodRegistered        = "registered"
	MethodHeartbeat         = "heartbeat"
	MethodChallenge         = "challenge"
	MethodChallengeResponse = "challenge_response"
	MethodReconfigure       = "reconfigure"
	MethodPlanReport        = "plan_report"
	MethodPing              = "ping"
	MethodPong              = "pong"
)

// Envelope is the frame shape in both directions over the websocket.
type Envelope struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewEnvelope wraps params under the given method.
func NewEnvelope(method string, params interface{}) (*Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	return &Envelope{Method: method, Params: raw}, nil
}

// DecodeEnvelope parses a raw frame and rejects anything without a method.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", caperrors.ErrSBadEnvelope, err)
	}
	if env.Method == "" {
		return nil, fmt.Errorf("%w: missing method", caperrors.ErrSBadEnvelope)
	}
	return &env, nil
}

// RegisterMsg announces this node to the coordinator. Digest and Signature
// cover the other fields so the coordinator can attribute the commitment to
// the node's address.
type RegisterMsg struct {
	Address      string           `json:"address"`
	NodeName     string           `json:"nodename"`
	BuildVersion string           `json:"build_version"`
	Report       types.PlanReport `json:"report"`
	Digest       string           `json:"digest"`
	Signature    string           `json:"signature"`
}

// SigningDigest folds the registration fields into one 32-byte digest. Both
// sides must fold the same fields in the same order for verification to
// succeed.
func (m RegisterMsg) SigningDigest() common.Hash {
	var buf bytes.Buffer
	buf.WriteString(strings.ToLower(m.Address))
	buf.WriteByte(0)
	buf.WriteString(m.NodeName)
	buf.WriteByte(0)
	buf.WriteString(m.BuildVersion)
	buf.WriteByte(0)
	buf.Write(common.Uint64ToBytes(m.Report.TotalAllocatedBytes))
	buf.Write(common.Uint64ToBytes(m.Report.ShortfallBytes))
	buf.Write(common.Uint32ToBytes(uint32(m.Report.ShardCount)))
	return common.Blake2Hash(buf.Bytes())
}

// RegisteredMsg is the coordinator's ack. HeartbeatSecs, when positive,
// overrides the node's configured heartbeat interval.
type RegisteredMsg struct {
	OK            bool   `json:"ok"`
	NodeID        string `json:"node_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	HeartbeatSecs uint32 `json:"heartbeat_s,omitempty"`
}

type HeartbeatMsg struct {
	UptimeSecs          uint64 `json:"uptime_s"`
	TotalAllocatedBytes uint64 `json:"total_allocated_bytes"`
	Served              uint64 `json:"served"`
	Failed              uint64 `json:"failed"`
}

// ReconfigureMsg carries a new commitment target. A zero max unit size keeps
// the node's default ceiling.
type ReconfigureMsg struct {
	TotalCapacityBytes   uint64 `json:"total_capacity_bytes"`
	MaxUnitCapacityBytes uint64 `json:"max_unit_capacity_bytes,omitempty"`
}

func (m ReconfigureMsg) Spec() types.CommitmentSpec {
	maxUnit := m.MaxUnitCapacityBytes
	if maxUnit == 0 {
		maxUnit = types.DefaultMaxUnitCapacity
	}
	return types.CommitmentSpec{
		TotalCapacityBytes:   m.TotalCapacityBytes,
		MaxUnitCapacityBytes: maxUnit,
	}
}
