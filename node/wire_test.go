package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/types"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MethodHeartbeat, HeartbeatMsg{
		UptimeSecs:          90,
		TotalAllocatedBytes: 1 << 30,
		Served:              7,
		Failed:              1,
	})
	require.NoError(t, err)
	assert.Equal(t, MethodHeartbeat, env.Method)
	assert.JSONEq(t,
		`{"uptime_s":90,"total_allocated_bytes":1073741824,"served":7,"failed":1}`,
		string(env.Params))
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"valid", `{"method":"ping","params":{}}`, true},
		{"valid without params", `{"method":"ping"}`, true},
		{"missing method", `{"params":{}}`, false},
		{"empty method", `{"method":""}`, false},
		{"not json", `ping!`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.raw))
			if !tt.ok {
				require.Error(t, err)
				assert.ErrorIs(t, err, caperrors.ErrSBadEnvelope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, MethodPing, env.Method)
		})
	}
}

func TestSigningDigestCoversFields(t *testing.T) {
	base := RegisterMsg{
		Address:      "0x00112233445566778899aabbccddeeff00112233",
		NodeName:     "cap-1",
		BuildVersion: "v1.2.3",
		Report: types.PlanReport{
			TotalAllocatedBytes: 48 << 30,
			ShortfallBytes:      0,
			ShardCount:          4,
		},
	}
	assert.Equal(t, base.SigningDigest(), base.SigningDigest(), "digest must be deterministic")

	mutations := []struct {
		name   string
		mutate func(m *RegisterMsg)
	}{
		{"address", func(m *RegisterMsg) { m.Address = "0xffffffffffffffffffffffffffffffffffffffff" }},
		{"nodename", func(m *RegisterMsg) { m.NodeName = "cap-2" }},
		{"version", func(m *RegisterMsg) { m.BuildVersion = "v9.9.9" }},
		{"allocated", func(m *RegisterMsg) { m.Report.TotalAllocatedBytes++ }},
		{"shortfall", func(m *RegisterMsg) { m.Report.ShortfallBytes = 1 }},
		{"shards", func(m *RegisterMsg) { m.Report.ShardCount++ }},
	}
	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			m := base
			tt.mutate(&m)
			assert.NotEqual(t, base.SigningDigest(), m.SigningDigest())
		})
	}

	// Address checksum casing must not change the digest.
	upper := base
	upper.Address = "0x00112233445566778899AABBCCDDEEFF00112233"
	assert.Equal(t, base.SigningDigest(), upper.SigningDigest())
}

func TestReconfigureSpec(t *testing.T) {
	msg := ReconfigureMsg{TotalCapacityBytes: 64 << 30}
	spec := msg.Spec()
	assert.Equal(t, uint64(64<<30), spec.TotalCapacityBytes)
	assert.Equal(t, uint64(types.DefaultMaxUnitCapacity), spec.MaxUnitCapacityBytes,
		"zero ceiling falls back to the default")

	msg.MaxUnitCapacityBytes = 8 << 30
	assert.Equal(t, uint64(8<<30), msg.Spec().MaxUnitCapacityBytes)
}
