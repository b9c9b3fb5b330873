package sandbox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/betracehq/betrace/internal/model"
)

// canonicalSignalBytes encodes the identity-bearing signal fields with
// length-prefixed framing. Each field is a 4-byte big-endian length followed
// by the field bytes, which avoids delimiter collisions when freeform context
// values contain separator characters.
func canonicalSignalBytes(sig model.Signal) []byte {
	var out []byte
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // field lengths are bounded by the batch size caps
		out = append(out, lenBuf[:]...)
		out = append(out, s...)
	}
	writeField(sig.ID.String())
	writeField(sig.RuleID)
	writeField(sig.RuleVersion)
	writeField(sig.TenantID)
	writeField(sig.TraceID)
	writeField(string(sig.Severity))
	writeField(sig.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"))
	for _, id := range sig.SpanIDs {
		writeField(id)
	}
	// Context keys in sorted order so the encoding is deterministic.
	keys := make([]string, 0, len(sig.Context))
	for k := range sig.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(k)
		writeField(canonicalValue(sig.Context[k]))
	}
	return out
}

func canonicalValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// HMACSigner is the default Signer: HMAC-SHA256 over the canonical bytes,
// hex encoded. Real deployments substitute a KMS-backed implementation via
// the Signer interface.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner creates a signer with the given secret key.
func NewHMACSigner(key []byte) *HMACSigner {
	return &HMACSigner{key: append([]byte(nil), key...)}
}

// Sign implements Signer.
func (h *HMACSigner) Sign(data []byte) (string, error) {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches data under this signer's key.
func (h *HMACSigner) Verify(data []byte, signature string) bool {
	want, err := h.Sign(data)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}

// CanonicalSignalBytes exposes the canonical encoding for downstream
// verification of stored signals.
func CanonicalSignalBytes(sig model.Signal) []byte {
	return canonicalSignalBytes(sig)
}
