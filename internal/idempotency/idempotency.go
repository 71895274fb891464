package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

const (
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
)

// Record is one key's reservation. While in flight it blocks retries with the
// same key; once completed it serves the cached response instead.
type Record struct {
	ID           int64      `json:"id"`
	Key          string     `json:"key"`
	OwnerID      int64      `json:"owner_id"`
	Signature    string     `json:"signature"`
	RequestHash  string     `json:"request_hash"`
	ResponseBody []byte     `json:"-"`
	Status       string     `json:"status"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (r *Record) IsCompleted() bool {
	return r.Status == StatusCompleted
}

func (r *Record) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// HashRequest canonicalizes the request body so that retries with identical
// payloads hash identically regardless of field order in the wire JSON.
func HashRequest(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
