package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// GenesisHash seeds the chain: the first entry's PrevHash.
var GenesisHash = func() string {
	sum := sha256.Sum256([]byte("pathfinder-governance-ledger-genesis"))
	return hex.EncodeToString(sum[:])
}()

// hashPayload is the canonical serialization of an entry for hashing.
// All fields are concrete types (no maps) so json.Marshal field order is
// deterministic, and the timestamp is microseconds since epoch so the
// hash survives a timestamptz round-trip.
type hashPayload struct {
	Seq            uint64          `json:"seq"`
	OccurredAtUnix int64           `json:"occurred_at_us"`
	ActorID        string          `json:"actor_id"`
	EventType      string          `json:"event_type"`
	TargetID       string          `json:"target_id"`
	OldValue       json.RawMessage `json:"old_value,omitempty"`
	NewValue       json.RawMessage `json:"new_value,omitempty"`
	Severity       Severity        `json:"severity"`
}

// ComputeHash derives an entry's hash from its predecessor's hash and the
// entry's stored fields. Every ledger implementation must call this inside
// the same atomic boundary that assigns the sequence number, otherwise a
// concurrent appender can interleave and corrupt the chain.
func ComputeHash(prevHash string, e Entry) string {
	payload, err := json.Marshal(hashPayload{
		Seq:            e.Seq,
		OccurredAtUnix: e.OccurredAt.UTC().UnixMicro(),
		ActorID:        e.ActorID,
		EventType:      e.EventType,
		TargetID:       e.TargetID,
		OldValue:       e.OldValue,
		NewValue:       e.NewValue,
		Severity:       e.Severity,
	})
	if err != nil {
		// Entry fields are plain values and raw JSON; Marshal cannot fail
		// on them. Keep the signature simple.
		panic("audit: marshal hash payload: " + err.Error())
	}
	sum := sha256.Sum256(append([]byte(prevHash), payload...))
	return hex.EncodeToString(sum[:])
}

// VerifyEntries checks a contiguous window of stored entries. Durable
// ledger implementations fetch their window and delegate here so the
// verification rules live in one place.
func VerifyEntries(prevHash string, entries []Entry) VerifyResult {
	return verifySlice(prevHash, entries)
}

// verifySlice walks a contiguous slice of entries and checks sequence
// continuity, each entry's stored hash and each link to the predecessor.
// prevHash is the hash preceding entries[0] (GenesisHash when starting
// from the beginning, or the prior entry's stored hash otherwise).
func verifySlice(prevHash string, entries []Entry) VerifyResult {
	res := VerifyResult{Valid: true}
	if len(entries) == 0 {
		return res
	}
	res.CheckedFrom = entries[0].Seq
	res.CheckedTo = entries[len(entries)-1].Seq

	expectSeq := entries[0].Seq
	for _, e := range entries {
		if e.Seq != expectSeq || e.PrevHash != prevHash || ComputeHash(prevHash, e) != e.Hash {
			res.Valid = false
			res.BrokenAtSeq = e.Seq
			return res
		}
		prevHash = e.Hash
		expectSeq++
	}
	return res
}
