package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	idempotencyDatamodel "github.com/frahmantamala/overtime-management/internal/core/datamodel/idempotency"
	"github.com/frahmantamala/overtime-management/internal/idempotency"
)

func TestIdempotencyRepository(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "IdempotencyRepository Suite")
}

var _ = Describe("IdempotencyRepository", func() {
	var (
		db   *gorm.DB
		repo idempotency.Repository
		ctx  context.Context
	)

	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	newRecord := func(key string, expiresAt time.Time) *idempotency.Record {
		return &idempotency.Record{
			Key:         key,
			OwnerID:     42,
			Signature:   "POST /api/v1/overtime/requests",
			RequestHash: "a3f5",
			Status:      idempotency.StatusInFlight,
			ExpiresAt:   expiresAt,
		}
	}

	BeforeEach(func() {
		var err error

		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
		Expect(err).NotTo(HaveOccurred())

		err = db.AutoMigrate(&idempotencyDatamodel.Record{})
		Expect(err).NotTo(HaveOccurred())

		repo = NewIdempotencyRepository(db)
		ctx = context.Background()
	})

	AfterEach(func() {
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		err = sqlDB.Close()
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Insert", func() {
		It("should reserve a fresh key", func() {
			record := newRecord("key-1", now.Add(24*time.Hour))

			err := repo.Insert(ctx, record)
			Expect(err).NotTo(HaveOccurred())
			Expect(record.ID).To(BeNumerically(">", 0))
		})

		It("should report an already reserved key", func() {
			Expect(repo.Insert(ctx, newRecord("key-1", now.Add(24*time.Hour)))).To(Succeed())

			err := repo.Insert(ctx, newRecord("key-1", now.Add(24*time.Hour)))
			Expect(errors.Is(err, idempotency.ErrKeyTaken)).To(BeTrue())
		})
	})

	Describe("GetByKey", func() {
		It("should return the stored record", func() {
			Expect(repo.Insert(ctx, newRecord("key-1", now.Add(24*time.Hour)))).To(Succeed())

			record, err := repo.GetByKey(ctx, "key-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.OwnerID).To(Equal(int64(42)))
			Expect(record.Status).To(Equal(idempotency.StatusInFlight))
			Expect(record.CompletedAt).To(BeNil())
		})

		It("should surface record-not-found for an unknown key", func() {
			_, err := repo.GetByKey(ctx, "missing")
			Expect(errors.Is(err, idempotency.ErrRecordNotFound)).To(BeTrue())
		})
	})

	Describe("Complete", func() {
		It("should store the response and mark the record completed", func() {
			Expect(repo.Insert(ctx, newRecord("key-1", now.Add(24*time.Hour)))).To(Succeed())

			body := []byte(`{"id":7,"status":"submitted"}`)
			Expect(repo.Complete(ctx, "key-1", body)).To(Succeed())

			record, err := repo.GetByKey(ctx, "key-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(record.Status).To(Equal(idempotency.StatusCompleted))
			Expect(record.ResponseBody).To(Equal(body))
			Expect(record.CompletedAt).NotTo(BeNil())
		})
	})

	Describe("Delete", func() {
		It("should release the key for re-reservation", func() {
			Expect(repo.Insert(ctx, newRecord("key-1", now.Add(24*time.Hour)))).To(Succeed())
			Expect(repo.Delete(ctx, "key-1")).To(Succeed())

			err := repo.Insert(ctx, newRecord("key-1", now.Add(24*time.Hour)))
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("DeleteExpired", func() {
		It("should remove only records past their expiry", func() {
			Expect(repo.Insert(ctx, newRecord("stale-1", now.Add(-2*time.Hour)))).To(Succeed())
			Expect(repo.Insert(ctx, newRecord("stale-2", now.Add(-time.Minute)))).To(Succeed())
			Expect(repo.Insert(ctx, newRecord("live-1", now.Add(24*time.Hour)))).To(Succeed())

			purged, err := repo.DeleteExpired(ctx, now, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(purged).To(Equal(int64(2)))

			_, err = repo.GetByKey(ctx, "stale-1")
			Expect(errors.Is(err, idempotency.ErrRecordNotFound)).To(BeTrue())

			_, err = repo.GetByKey(ctx, "live-1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should delete at most the requested batch size", func() {
			Expect(repo.Insert(ctx, newRecord("stale-1", now.Add(-2*time.Hour)))).To(Succeed())
			Expect(repo.Insert(ctx, newRecord("stale-2", now.Add(-2*time.Hour)))).To(Succeed())
			Expect(repo.Insert(ctx, newRecord("stale-3", now.Add(-2*time.Hour)))).To(Succeed())

			purged, err := repo.DeleteExpired(ctx, now, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(purged).To(Equal(int64(2)))
		})
	})
})
