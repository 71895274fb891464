package postgres

import (
	"context"
	"log/slog"
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/frahmantamala/overtime-management/internal/audit"
	auditDatamodel "github.com/frahmantamala/overtime-management/internal/core/datamodel/audit"
)

func TestAuditRepository(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "AuditRepository Suite")
}

var _ = Describe("AuditRepository", func() {
	var (
		db   *gorm.DB
		repo audit.Repository
		ctx  context.Context
	)

	appendEntry := func(entityTable string, entityID int64, action string) *auditDatamodel.Entry {
		entry, err := Append(db, entityTable, entityID, action, 42, map[string]any{"action": action})
		Expect(err).NotTo(HaveOccurred())
		return entry
	}

	BeforeEach(func() {
		var err error

		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		Expect(err).NotTo(HaveOccurred())

		err = db.AutoMigrate(&auditDatamodel.Entry{})
		Expect(err).NotTo(HaveOccurred())

		repo = NewAuditRepository(db)
		ctx = context.Background()
	})

	AfterEach(func() {
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		err = sqlDB.Close()
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Append", func() {
		It("should start a fresh chain at sequence one with no previous hash", func() {
			entry := appendEntry("overtime_requests", 1, "create")

			Expect(entry.Seq).To(Equal(int64(1)))
			Expect(entry.PreviousHash).To(BeNil())
			Expect(entry.ContentHash).NotTo(BeEmpty())
		})

		It("should link each entry to the hash of the one before it", func() {
			first := appendEntry("overtime_requests", 1, "create")
			second := appendEntry("overtime_requests", 1, "submit")
			third := appendEntry("overtime_requests", 1, "approve")

			Expect(second.Seq).To(Equal(int64(2)))
			Expect(second.PreviousHash).To(HaveValue(Equal(first.ContentHash)))
			Expect(third.Seq).To(Equal(int64(3)))
			Expect(third.PreviousHash).To(HaveValue(Equal(second.ContentHash)))
			Expect(second.ContentHash).NotTo(Equal(first.ContentHash))
		})

		It("should grow each entity's chain independently", func() {
			appendEntry("overtime_requests", 1, "create")
			appendEntry("overtime_requests", 1, "submit")
			other := appendEntry("overtime_requests", 2, "create")
			step := appendEntry("approval_steps", 1, "approve")

			Expect(other.Seq).To(Equal(int64(1)))
			Expect(other.PreviousHash).To(BeNil())
			Expect(step.Seq).To(Equal(int64(1)))
			Expect(step.PreviousHash).To(BeNil())
		})
	})

	Describe("ListByEntity", func() {
		It("should return an empty trail for an entity with no history", func() {
			entries, err := repo.ListByEntity(ctx, "overtime_requests", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(BeEmpty())
		})

		It("should return the entity's entries in sequence order", func() {
			first := appendEntry("overtime_requests", 1, "create")
			second := appendEntry("overtime_requests", 1, "submit")
			appendEntry("overtime_requests", 2, "create")

			entries, err := repo.ListByEntity(ctx, "overtime_requests", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Seq).To(Equal(int64(1)))
			Expect(entries[0].PreviousHash).To(BeNil())
			Expect(entries[1].Seq).To(Equal(int64(2)))
			Expect(*entries[1].PreviousHash).To(Equal(first.ContentHash))
			Expect(entries[1].ContentHash).To(Equal(second.ContentHash))
		})

		It("should keep trails of different entity tables apart", func() {
			appendEntry("overtime_requests", 1, "create")
			appendEntry("approval_steps", 1, "approve")

			entries, err := repo.ListByEntity(ctx, "approval_steps", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Action).To(Equal("approve"))
		})

		It("should return entries that verify as an intact chain", func() {
			appendEntry("overtime_requests", 1, "create")
			appendEntry("overtime_requests", 1, "approve")
			appendEntry("overtime_requests", 1, "finalize")

			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
			result, err := audit.NewService(repo, logger).VerifyChain(ctx, "overtime_requests", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Valid).To(BeTrue())
			Expect(result.Entries).To(Equal(3))
		})

		It("should reject duplicate sequence numbers for one entity", func() {
			appendEntry("overtime_requests", 1, "create")

			dup := &auditDatamodel.Entry{
				EntityTable: "overtime_requests",
				EntityID:    1,
				Seq:         1,
				Action:      "create",
				ActorID:     42,
				Diff:        "{}",
				ContentHash: audit.ContentHash("create", 42, "{}", nil),
			}
			err := db.Create(dup).Error
			Expect(err).To(HaveOccurred())
		})
	})
})
