package types

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/common"
)

// Challenge is the decoded verification request: prove possession of the
// committed capacity by deriving chunk_size bytes at each offset from the
// epoch seed, within deadline_ms.
type Challenge struct {
	ChallengeID    string
	EpochSeed      []byte
	Offsets        []uint64
	ChunkSize      uint32
	DeadlineMillis uint32
}

// Deadline converts the millisecond bound into a duration, falling back to
// the default when the coordinator sent none.
func (c Challenge) Deadline() time.Duration {
	if c.DeadlineMillis == 0 {
		return DefaultChallengeDeadline
	}
	return time.Duration(c.DeadlineMillis) * time.Millisecond
}

// ChallengeResponse carries one generated chunk per requested offset, in the
// challenge's offset order. Degraded slots hold empty chunks and flip
// Success; the response itself is still delivered.
type ChallengeResponse struct {
	ChallengeID        string
	Chunks             [][]byte
	ResponseTimeMillis uint32
	Success            bool
}

// ChallengeMsg is the inbound wire form of a Challenge.
type ChallengeMsg struct {
	ChallengeID string   `json:"challenge_id"`
	EpochSeed   string   `json:"epoch_seed"`
	Offsets     []uint64 `json:"offsets"`
	ChunkSize   uint32   `json:"chunk_size"`
	DeadlineMs  uint32   `json:"deadline_ms"`
}

// ToChallenge validates the wire form and decodes the hex epoch seed. The
// seed may carry an optional 0x prefix.
func (m ChallengeMsg) ToChallenge() (Challenge, error) {
	seedHex := strings.TrimPrefix(m.EpochSeed, "0x")
	if seedHex == "" {
		return Challenge{}, caperrors.ErrQBadEpochSeed
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %v", caperrors.ErrQBadEpochSeed, err)
	}
	return Challenge{
		ChallengeID:    m.ChallengeID,
		EpochSeed:      seed,
		Offsets:        m.Offsets,
		ChunkSize:      m.ChunkSize,
		DeadlineMillis: m.DeadlineMs,
	}, nil
}

// FromChallenge builds the wire form, hex-encoding the seed without prefix.
func FromChallenge(c Challenge) ChallengeMsg {
	return ChallengeMsg{
		ChallengeID: c.ChallengeID,
		EpochSeed:   hex.EncodeToString(c.EpochSeed),
		Offsets:     c.Offsets,
		ChunkSize:   c.ChunkSize,
		DeadlineMs:  c.DeadlineMillis,
	}
}

// Bytes returns the JSON encoding of the ChallengeMsg.
func (m *ChallengeMsg) Bytes() []byte {
	enc, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return enc
}

func (m *ChallengeMsg) Hash() common.Hash {
	data := m.Bytes()
	if data == nil {
		return common.Hash{}
	}
	return common.Blake2Hash(data)
}

// ChallengeResponseMsg is the outbound wire form: one base64 chunk per
// offset, same order, empty string for degraded slots.
type ChallengeResponseMsg struct {
	ChallengeID    string   `json:"challenge_id"`
	Chunks         []string `json:"chunks"`
	ResponseTimeMs uint32   `json:"response_time_ms"`
}

func FromChallengeResponse(r *ChallengeResponse) ChallengeResponseMsg {
	chunks := make([]string, len(r.Chunks))
	for i, chunk := range r.Chunks {
		if len(chunk) == 0 {
			continue
		}
		chunks[i] = base64.StdEncoding.EncodeToString(chunk)
	}
	return ChallengeResponseMsg{
		ChallengeID:    r.ChallengeID,
		Chunks:         chunks,
		ResponseTimeMs: r.ResponseTimeMillis,
	}
}

// DecodeChunks is the verifier-side inverse of FromChallengeResponse.
func (m ChallengeResponseMsg) DecodeChunks() ([][]byte, error) {
	chunks := make([][]byte, len(m.Chunks))
	for i, enc := range m.Chunks {
		if enc == "" {
			chunks[i] = nil
			continue
		}
		chunk, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		chunks[i] = chunk
	}
	return chunks, nil
}

// Bytes returns the JSON encoding of the ChallengeResponseMsg.
func (m *ChallengeResponseMsg) Bytes() []byte {
	enc, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return enc
}

func (m *ChallengeResponseMsg) Hash() common.Hash {
	data := m.Bytes()
	if data == nil {
		return common.Hash{}
	}
	return common.Blake2Hash(data)
}
