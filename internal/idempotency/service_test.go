package idempotency_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	internal "github.com/frahmantamala/overtime-management/internal"
	"github.com/frahmantamala/overtime-management/internal/idempotency"
)

func TestIdempotencyService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "IdempotencyService Suite")
}

// Mock repository for testing
type mockIdempotencyRepository struct {
	records map[string]*idempotency.Record
	nextID  int64

	failInsertWith error
}

func newMockIdempotencyRepository() *mockIdempotencyRepository {
	return &mockIdempotencyRepository{
		records: make(map[string]*idempotency.Record),
		nextID:  1,
	}
}

func (m *mockIdempotencyRepository) Insert(ctx context.Context, record *idempotency.Record) error {
	if m.failInsertWith != nil {
		return m.failInsertWith
	}
	if _, exists := m.records[record.Key]; exists {
		return idempotency.ErrKeyTaken
	}
	record.ID = m.nextID
	m.nextID++
	record.CreatedAt = time.Now()
	copied := *record
	m.records[record.Key] = &copied
	return nil
}

func (m *mockIdempotencyRepository) GetByKey(ctx context.Context, key string) (*idempotency.Record, error) {
	record, ok := m.records[key]
	if !ok {
		return nil, idempotency.ErrRecordNotFound
	}
	copied := *record
	return &copied, nil
}

func (m *mockIdempotencyRepository) Complete(ctx context.Context, key string, responseBody []byte) error {
	record, ok := m.records[key]
	if !ok {
		return errors.New("record not found")
	}
	now := time.Now()
	record.Status = idempotency.StatusCompleted
	record.ResponseBody = responseBody
	record.CompletedAt = &now
	return nil
}

func (m *mockIdempotencyRepository) Delete(ctx context.Context, key string) error {
	delete(m.records, key)
	return nil
}

func (m *mockIdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var deleted int64
	for key, record := range m.records {
		if record.ExpiresAt.Before(now) {
			delete(m.records, key)
			deleted++
			if int(deleted) >= limit {
				break
			}
		}
	}
	return deleted, nil
}

var _ = Describe("IdempotencyService", func() {
	var (
		service  *idempotency.Service
		mockRepo *mockIdempotencyRepository
		logger   *slog.Logger
		ctx      context.Context
	)

	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	type payload struct {
		Value string `json:"value"`
	}

	BeforeEach(func() {
		mockRepo = newMockIdempotencyRepository()
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		service = idempotency.NewService(mockRepo, logger, 24*time.Hour)
		service.SetNow(func() time.Time { return now })
		ctx = context.Background()
	})

	Describe("Execute", func() {
		It("should run the operation once and cache its response", func() {
			calls := 0
			fn := func(ctx context.Context) (any, error) {
				calls++
				return payload{Value: "done"}, nil
			}

			raw, duplicate, err := service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "in"}, fn)
			Expect(err).NotTo(HaveOccurred())
			Expect(duplicate).To(BeFalse())
			Expect(calls).To(Equal(1))

			raw2, duplicate, err := service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "in"}, fn)
			Expect(err).NotTo(HaveOccurred())
			Expect(duplicate).To(BeTrue())
			Expect(calls).To(Equal(1))

			var first, second payload
			Expect(json.Unmarshal(raw, &first)).To(Succeed())
			Expect(json.Unmarshal(raw2, &second)).To(Succeed())
			Expect(second).To(Equal(first))
		})

		It("should refuse a key reused with a different payload", func() {
			fn := func(ctx context.Context) (any, error) { return payload{Value: "done"}, nil }

			_, _, err := service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "a"}, fn)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "b"}, fn)
			Expect(err).To(HaveOccurred())

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeKeyReused))
		})

		It("should refuse a key reused by a different owner", func() {
			fn := func(ctx context.Context) (any, error) { return payload{Value: "done"}, nil }

			_, _, err := service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "a"}, fn)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = service.Execute(ctx, "key-1", 77, "POST /op", payload{Value: "a"}, fn)
			Expect(err).To(HaveOccurred())

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeKeyReused))
		})

		It("should report an in-flight key as a conflict", func() {
			// Simulate a crashed holder by planting an unexpired placeholder.
			Expect(mockRepo.Insert(ctx, &idempotency.Record{
				Key:         "key-1",
				OwnerID:     42,
				Signature:   "POST /op",
				RequestHash: mustHash(payload{Value: "a"}),
				Status:      idempotency.StatusInFlight,
				ExpiresAt:   now.Add(time.Hour),
			})).To(Succeed())

			fn := func(ctx context.Context) (any, error) { return payload{Value: "done"}, nil }
			_, _, err := service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "a"}, fn)
			Expect(err).To(HaveOccurred())

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeKeyInFlight))
		})

		It("should report a retryable conflict when the key is released mid-race", func() {
			// The reservation lost the race but the holder failed and deleted
			// its record before our read.
			mockRepo.failInsertWith = idempotency.ErrKeyTaken

			fn := func(ctx context.Context) (any, error) { return payload{Value: "done"}, nil }
			_, _, err := service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "a"}, fn)
			Expect(err).To(HaveOccurred())

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeKeyInFlight))
			Expect(appErr.StatusCode).To(Equal(409))
		})

		It("should reclaim an expired in-flight key", func() {
			Expect(mockRepo.Insert(ctx, &idempotency.Record{
				Key:         "key-1",
				OwnerID:     42,
				Signature:   "POST /op",
				RequestHash: mustHash(payload{Value: "a"}),
				Status:      idempotency.StatusInFlight,
				ExpiresAt:   now.Add(-time.Hour),
			})).To(Succeed())

			calls := 0
			fn := func(ctx context.Context) (any, error) {
				calls++
				return payload{Value: "done"}, nil
			}

			_, duplicate, err := service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "a"}, fn)
			Expect(err).NotTo(HaveOccurred())
			Expect(duplicate).To(BeFalse())
			Expect(calls).To(Equal(1))
		})

		It("should release the key when the operation fails", func() {
			boom := errors.New("boom")
			fn := func(ctx context.Context) (any, error) { return nil, boom }

			_, _, err := service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "a"}, fn)
			Expect(err).To(Equal(boom))
			Expect(mockRepo.records).NotTo(HaveKey("key-1"))

			// A retry with the same key runs the operation fresh.
			ok := func(ctx context.Context) (any, error) { return payload{Value: "done"}, nil }
			_, duplicate, err := service.Execute(ctx, "key-1", 42, "POST /op", payload{Value: "a"}, ok)
			Expect(err).NotTo(HaveOccurred())
			Expect(duplicate).To(BeFalse())
		})
	})

	Describe("PurgeExpired", func() {
		It("should remove only records past their TTL", func() {
			Expect(mockRepo.Insert(ctx, &idempotency.Record{
				Key: "old", ExpiresAt: now.Add(-time.Hour), Status: idempotency.StatusCompleted,
			})).To(Succeed())
			Expect(mockRepo.Insert(ctx, &idempotency.Record{
				Key: "fresh", ExpiresAt: now.Add(time.Hour), Status: idempotency.StatusCompleted,
			})).To(Succeed())

			deleted, err := service.PurgeExpired(ctx, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(Equal(int64(1)))
			Expect(mockRepo.records).To(HaveKey("fresh"))
			Expect(mockRepo.records).NotTo(HaveKey("old"))
		})
	})
})

func mustHash(body any) string {
	hash, err := idempotency.HashRequest(body)
	Expect(err).NotTo(HaveOccurred())
	return hash
}
