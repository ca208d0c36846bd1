package chunkgen

import (
	"bytes"
	"context"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/capnetwork/capnode/caperrors"
	"github.com/capnetwork/capnode/types"
)

// DigestSize is the width of one derivation digest and the step the byte
// cursor advances per digest.
const DigestSize = blake2b.Size256

// Generate derives length bytes for offset: a byte cursor starts at offset,
// each BLAKE2b-256 digest over epochSeed || bigEndian64(cursor) contributes
// up to 32 bytes, and the cursor advances by the bytes consumed. The
// coordinator's verifier runs the same derivation, so any deviation in
// digest, endianness or concatenation order invalidates every response.
// Same inputs always yield the same bytes; committed capacity never has to
// be stored, only regenerated.
func Generate(epochSeed []byte, offset uint64, length uint32) ([]byte, error) {
	if len(epochSeed) == 0 {
		return nil, caperrors.ErrQBadEpochSeed
	}
	out := make([]byte, length)
	fill(epochSeed, offset, out)
	return out, nil
}

// GenerateInto fills dst with the stream bytes starting at offset, checking
// ctx between strips so oversized requests stay cancelable.
func GenerateInto(ctx context.Context, epochSeed []byte, offset uint64, dst []byte) error {
	if len(epochSeed) == 0 {
		return caperrors.ErrQBadEpochSeed
	}
	for pos := 0; pos < len(dst); pos += types.GenerateStripSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := pos + types.GenerateStripSize
		if end > len(dst) {
			end = len(dst)
		}
		fill(epochSeed, offset+uint64(pos), dst[pos:end])
	}
	return nil
}

// VerifyChunk regenerates the range and compares. Used by the coordinator
// side to check challenge responses.
func VerifyChunk(epochSeed []byte, offset uint64, chunk []byte) (bool, error) {
	expected, err := Generate(epochSeed, offset, uint32(len(chunk)))
	if err != nil {
		return false, err
	}
	return bytes.Equal(expected, chunk), nil
}

func fill(epochSeed []byte, offset uint64, dst []byte) {
	cursor := offset
	msg := make([]byte, len(epochSeed)+8)
	copy(msg, epochSeed)
	counter := msg[len(epochSeed):]
	for pos := 0; pos < len(dst); {
		binary.BigEndian.PutUint64(counter, cursor)
		digest := blake2b.Sum256(msg)
		n := copy(dst[pos:], digest[:])
		pos += n
		cursor += uint64(n)
	}
}
