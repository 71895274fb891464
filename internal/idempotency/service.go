package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	internal "github.com/frahmantamala/overtime-management/internal"
)

// ErrKeyTaken is the sentinel the repository returns when the placeholder
// insert loses the unique-constraint race.
var ErrKeyTaken = internal.NewConflictError("idempotency key already reserved", internal.ErrCodeKeyInFlight)

// ErrRecordNotFound is the sentinel the repository returns when no record
// holds the key.
var ErrRecordNotFound = errors.New("idempotency record not found")

type Repository interface {
	Insert(ctx context.Context, record *Record) error
	GetByKey(ctx context.Context, key string) (*Record, error)
	Complete(ctx context.Context, key string, responseBody []byte) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
	ttl    time.Duration

	now func() time.Time
}

func NewService(repo Repository, logger *slog.Logger, ttl time.Duration) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetNow replaces the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// Execute runs fn at most once per key. The placeholder insert is the
// serialization point: whichever caller wins the unique constraint runs fn,
// everyone else either waits out the in-flight window or gets the cached
// response. Returns the response body and whether it came from the cache.
func (s *Service) Execute(ctx context.Context, key string, ownerID int64, signature string, body any, fn func(ctx context.Context) (any, error)) (json.RawMessage, bool, error) {
	requestHash, err := HashRequest(body)
	if err != nil {
		return nil, false, internal.NewInternalError("failed to hash request body", err)
	}

	now := s.now()
	record := &Record{
		Key:         key,
		OwnerID:     ownerID,
		Signature:   signature,
		RequestHash: requestHash,
		Status:      StatusInFlight,
		ExpiresAt:   now.Add(s.ttl),
	}

	insertErr := s.repo.Insert(ctx, record)
	if insertErr == nil {
		return s.runAndComplete(ctx, key, fn)
	}
	if insertErr != ErrKeyTaken {
		return nil, false, insertErr
	}

	existing, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		// The winner may have failed and released the key between our losing
		// insert and this read. The key is free again, so the caller can retry.
		if errors.Is(err, ErrRecordNotFound) {
			return nil, false, internal.NewConflictError(
				"an identical request is still being processed, retry later",
				internal.ErrCodeKeyInFlight)
		}
		return nil, false, err
	}

	// Same key from a different owner, operation or payload is a client bug,
	// not a retry. Refuse rather than serve someone else's response.
	if existing.OwnerID != ownerID || existing.Signature != signature || existing.RequestHash != requestHash {
		return nil, false, internal.NewConflictError(
			"idempotency key was already used for a different request",
			internal.ErrCodeKeyReused)
	}

	if existing.IsCompleted() {
		s.logger.Debug("idempotency cache hit", "key", key, "owner_id", ownerID)
		return existing.ResponseBody, true, nil
	}

	if !existing.IsExpired(now) {
		return nil, false, internal.NewConflictError(
			"an identical request is still being processed, retry later",
			internal.ErrCodeKeyInFlight)
	}

	// The original holder died mid-flight and its reservation has aged out.
	// Reclaim the key and run the operation fresh.
	s.logger.Warn("reclaiming expired in-flight idempotency key", "key", key, "owner_id", ownerID)
	if err := s.repo.Delete(ctx, key); err != nil {
		return nil, false, err
	}
	if err := s.repo.Insert(ctx, record); err != nil {
		if err == ErrKeyTaken {
			return nil, false, internal.NewConflictError(
				"an identical request is still being processed, retry later",
				internal.ErrCodeKeyInFlight)
		}
		return nil, false, err
	}
	return s.runAndComplete(ctx, key, fn)
}

func (s *Service) runAndComplete(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (json.RawMessage, bool, error) {
	result, err := fn(ctx)
	if err != nil {
		// Release the key so the client can retry after fixing the cause.
		if delErr := s.repo.Delete(ctx, key); delErr != nil {
			s.logger.Error("failed to release idempotency key after failure",
				"key", key, "error", delErr)
		}
		return nil, false, err
	}

	responseBody, err := json.Marshal(result)
	if err != nil {
		return nil, false, internal.NewInternalError("failed to encode idempotent response", err)
	}
	if err := s.repo.Complete(ctx, key, responseBody); err != nil {
		return nil, false, err
	}
	return responseBody, false, nil
}

// PurgeExpired removes aged-out records in batches. Called by the sweeper.
func (s *Service) PurgeExpired(ctx context.Context, limit int) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now(), limit)
}
