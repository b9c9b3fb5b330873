package sandbox

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"github.com/betracehq/betrace/internal/model"
)

// chainLink computes the hash that links event to the previous chain head:
// BLAKE2b-256(prev || canonical event fields). An auditor replaying the
// event stream recomputes the chain and detects any insertion, deletion, or
// reordering.
func chainLink(prev string, e model.CapabilityEvent) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(prev))
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // fields are bounded by the log sanitizer
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(e.ID.String())
	writeField(string(e.Capability))
	writeField(e.RuleID)
	writeField(e.TenantID)
	writeField(e.TraceID)
	if e.Allowed {
		writeField("allowed")
	} else {
		writeField("rejected")
	}
	writeField(string(e.Violation))
	writeField(e.Detail)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], e.Sequence)
	h.Write(seqBuf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain replays events (in recorded order) and reports whether every
// ChainHash matches the recomputed link. prev is the chain head before the
// first event ("" for a fresh recorder).
func VerifyChain(prev string, events []model.CapabilityEvent) bool {
	for _, e := range events {
		if chainLink(prev, e) != e.ChainHash {
			return false
		}
		prev = e.ChainHash
	}
	return true
}
