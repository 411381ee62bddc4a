package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	id "carfengine/pkg/domain"
)

// Kind is the operation an entry records.
type Kind string

const (
	KindPseudonymize Kind = "pseudonymize"
	KindEncrypt      Kind = "encrypt"
	KindDecrypt      Kind = "decrypt"
	KindErase        Kind = "erase"
	KindRotate       Kind = "rotate"
	KindScore        Kind = "score"
	KindAggregate    Kind = "aggregate"
	KindClose        Kind = "close"
)

// Outcome is how the recorded operation ended.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// Entry is one append-only audit record. Subjects hold pseudonyms, bucket
// keys or blob IDs; never raw PII. Sequence, ID, Timestamp, PrevHash and Hash
// are assigned by the Log.
type Entry struct {
	Sequence        uint64         `json:"seq"`
	ID              uuid.UUID      `json:"id"`
	Timestamp       time.Time      `json:"ts"`
	Kind            Kind           `json:"kind"`
	Subjects        []string       `json:"subjects,omitempty"`
	KeyVersion      id.KeyVersion  `json:"key_version,omitempty"`
	SaltVersion     id.SaltVersion `json:"salt_version,omitempty"`
	Outcome         Outcome        `json:"outcome"`
	Detail          string         `json:"detail,omitempty"`
	SaltFingerprint string         `json:"salt_fingerprint,omitempty"`
	RunID           string         `json:"run_id,omitempty"`
	Actor           string         `json:"actor,omitempty"`
	PrevHash        string         `json:"prev_hash"`
	Hash            string         `json:"hash"`
}

// Store persists entries. List must return entries in the order they were
// appended.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context) ([]Entry, error)
}

// Sink receives entries forwarded after they are durably recorded.
type Sink interface {
	Publish(ctx context.Context, entry Entry) error
}

// hashedEntry is the canonical form the hash is computed over. Every field is
// a plain value so json.Marshal output is stable across store round trips.
type hashedEntry struct {
	Sequence        uint64   `json:"seq"`
	ID              string   `json:"id"`
	Timestamp       string   `json:"ts"`
	Kind            string   `json:"kind"`
	Subjects        []string `json:"subjects"`
	KeyVersion      uint32   `json:"key_version"`
	SaltVersion     uint32   `json:"salt_version"`
	Outcome         string   `json:"outcome"`
	Detail          string   `json:"detail"`
	SaltFingerprint string   `json:"salt_fingerprint"`
	RunID           string   `json:"run_id"`
	Actor           string   `json:"actor"`
	PrevHash        string   `json:"prev_hash"`
}

// ComputeHash returns the hex SHA-256 over the entry's canonical form,
// excluding Hash itself.
func (e Entry) ComputeHash() string {
	subjects := e.Subjects
	if len(subjects) == 0 {
		subjects = nil
	}
	canonical := hashedEntry{
		Sequence:        e.Sequence,
		ID:              e.ID.String(),
		Timestamp:       e.Timestamp.UTC().Format(time.RFC3339Nano),
		Kind:            string(e.Kind),
		Subjects:        subjects,
		KeyVersion:      uint32(e.KeyVersion),
		SaltVersion:     uint32(e.SaltVersion),
		Outcome:         string(e.Outcome),
		Detail:          e.Detail,
		SaltFingerprint: e.SaltFingerprint,
		RunID:           e.RunID,
		Actor:           e.Actor,
		PrevHash:        e.PrevHash,
	}
	// Marshal of a struct of strings and ints cannot fail.
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
