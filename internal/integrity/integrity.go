// Package integrity provides the deterministic keys and hashes that anchor
// decision idempotency and run snapshot verification. All functions are pure.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// decisionNamespace is the UUIDv5 namespace for decision ids. Changing it
// changes every decision id derived from a dedup key.
var decisionNamespace = uuid.MustParse("6f1c3a52-8d0e-5b7a-9e44-2c1d7f0b9a13")

// dedupKeyLen is the number of hex characters kept from the digest.
const dedupKeyLen = 32

// snapshotHashPrefix versions the snapshot hash encoding.
const snapshotHashPrefix = "v1:"

// DedupKey derives the idempotency key for a (goal, item, tier) decision:
// the first 32 hex characters of SHA-256("goal:item:TIER").
func DedupKey(goalID, itemID, tier string) string {
	sum := sha256.Sum256([]byte(goalID + ":" + itemID + ":" + strings.ToUpper(tier)))
	return hex.EncodeToString(sum[:])[:dedupKeyLen]
}

// DecisionID maps a dedup key onto a stable UUID, so every emitter racing on
// the same key reports the same decision id.
func DecisionID(dedupKey string) uuid.UUID {
	return uuid.NewSHA1(decisionNamespace, []byte(dedupKey))
}

// SnapshotHash returns a versioned SHA-256 digest of v's canonical JSON
// encoding (object keys sorted), so equal values hash equally whether they
// come from a struct or from stored JSONB.
func SnapshotHash(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("integrity: encode snapshot: %w", err)
	}
	canon, err := canonicalJSON(b)
	if err != nil {
		return "", err
	}
	return snapshotHashPrefix + hashFields(canon), nil
}

// VerifySnapshotHash reports whether stored matches the digest of raw, the
// snapshot bytes as persisted.
func VerifySnapshotHash(stored string, raw []byte) bool {
	if !strings.HasPrefix(stored, snapshotHashPrefix) {
		return false
	}
	canon, err := canonicalJSON(raw)
	if err != nil {
		return false
	}
	return stored == snapshotHashPrefix+hashFields(canon)
}

// canonicalJSON re-encodes raw through a generic value. encoding/json sorts
// map keys, which removes the key order and whitespace differences that
// struct encoding and Postgres JSONB introduce.
func canonicalJSON(raw []byte) (string, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("integrity: decode snapshot: %w", err)
	}
	b, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("integrity: encode snapshot: %w", err)
	}
	return string(b), nil
}

// hashFields hashes each field with a 4-byte big-endian length prefix so
// field boundaries cannot collide.
func hashFields(fields ...string) string {
	h := sha256.New()
	for _, s := range fields {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // snapshot sizes are bounded by request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}
