package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"
)

// Entry is one link of an entity's tamper-evident audit chain.
type Entry struct {
	ID           int64     `json:"id"`
	EntityTable  string    `json:"entity_table"`
	EntityID     int64     `json:"entity_id"`
	Seq          int64     `json:"seq"`
	Action       string    `json:"action"`
	ActorID      int64     `json:"actor_id"`
	Diff         string    `json:"diff"`
	PreviousHash *string   `json:"previous_hash,omitempty"`
	ContentHash  string    `json:"content_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// hashPayload is the canonical serialization hashed into content_hash. Field
// order is fixed by the struct; changing it breaks every stored chain.
type hashPayload struct {
	Action       string  `json:"action"`
	ActorID      int64   `json:"actor_id"`
	Diff         string  `json:"diff"`
	PreviousHash *string `json:"previous_hash"`
}

// ContentHash computes the SHA-256 hex digest of the canonical payload.
func ContentHash(action string, actorID int64, diff string, previousHash *string) string {
	payload, _ := json.Marshal(hashPayload{
		Action:       action,
		ActorID:      actorID,
		Diff:         diff,
		PreviousHash: previousHash,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// MarshalDiff canonicalizes a structured diff for storage. Map keys are
// sorted by encoding/json, so equal diffs always hash equally.
func MarshalDiff(diff map[string]any) string {
	if diff == nil {
		return "{}"
	}
	raw, err := json.Marshal(diff)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// Repository provides read access to stored chains. Appending happens inside
// the writing component's transaction, not through this interface.
type Repository interface {
	ListByEntity(ctx context.Context, entityTable string, entityID int64) ([]*Entry, error)
}

type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt *int64 `json:"broken_at,omitempty"`
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

func (s *Service) GetTrail(ctx context.Context, entityTable string, entityID int64) ([]*Entry, error) {
	return s.repo.ListByEntity(ctx, entityTable, entityID)
}

// VerifyChain walks an entity's entries in sequence order and confirms both
// the hash links and each entry's own content hash. Any mismatch reports the
// first broken entry.
func (s *Service) VerifyChain(ctx context.Context, entityTable string, entityID int64) (*VerifyResult, error) {
	entries, err := s.repo.ListByEntity(ctx, entityTable, entityID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true, Entries: len(entries)}
	var prevHash *string

	for _, entry := range entries {
		linked := (entry.PreviousHash == nil && prevHash == nil) ||
			(entry.PreviousHash != nil && prevHash != nil && *entry.PreviousHash == *prevHash)

		expected := ContentHash(entry.Action, entry.ActorID, entry.Diff, entry.PreviousHash)

		if !linked || entry.ContentHash != expected {
			s.logger.Warn("audit chain broken",
				"entity_table", entityTable,
				"entity_id", entityID,
				"entry_id", entry.ID,
				"seq", entry.Seq)
			id := entry.ID
			result.Valid = false
			result.BrokenAt = &id
			return result, nil
		}

		hash := entry.ContentHash
		prevHash = &hash
	}

	return result, nil
}
