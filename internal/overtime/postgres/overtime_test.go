package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	internal "github.com/frahmantamala/overtime-management/internal"
	overtimeDatamodel "github.com/frahmantamala/overtime-management/internal/core/datamodel/overtime"
	"github.com/frahmantamala/overtime-management/internal/overtime"
)

func TestOvertimeRepository(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "OvertimeRepository Suite")
}

type SQLiteUser struct {
	ID         int64  `gorm:"primaryKey"`
	Email      string `gorm:"column:email"`
	Role       string `gorm:"column:role"`
	Department string `gorm:"column:department"`
}

func (SQLiteUser) TableName() string {
	return "users"
}

var _ = Describe("OvertimeRepository", func() {
	var (
		db   *gorm.DB
		repo overtime.Repository
		ctx  context.Context
	)

	start := time.Date(2025, 6, 10, 18, 0, 0, 0, time.UTC)

	newRequest := func(userID int64, startAt time.Time, minutes int) *overtime.Request {
		return &overtime.Request{
			UserID:          userID,
			StartAt:         startAt,
			EndAt:           startAt.Add(time.Duration(minutes) * time.Minute),
			DurationMinutes: minutes,
			Reason:          "release support",
			Status:          overtime.StatusSubmitted,
			CurrentLevel:    1,
			MaxLevel:        2,
			RowVersion:      1,
			IsActive:        true,
		}
	}

	BeforeEach(func() {
		var err error

		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
		Expect(err).NotTo(HaveOccurred())

		err = db.AutoMigrate(
			&overtimeDatamodel.Request{},
			&overtimeDatamodel.ApprovalStep{},
			&overtimeDatamodel.ChainTemplateStep{},
			&SQLiteUser{},
		)
		Expect(err).NotTo(HaveOccurred())

		repo = NewOvertimeRepository(db)
		ctx = context.Background()
	})

	AfterEach(func() {
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		err = sqlDB.Close()
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Create and GetByID", func() {
		It("should create a request and read it back", func() {
			req := newRequest(42, start, 120)

			err := repo.Create(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.ID).To(BeNumerically(">", 0))

			retrieved, err := repo.GetByID(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(retrieved.UserID).To(Equal(int64(42)))
			Expect(retrieved.DurationMinutes).To(Equal(120))
			Expect(retrieved.Status).To(Equal(overtime.StatusSubmitted))
			Expect(retrieved.RowVersion).To(Equal(int64(1)))
		})

		It("should return ErrRequestNotFound for a missing ID", func() {
			_, err := repo.GetByID(ctx, 99999)
			Expect(err).To(Equal(internal.ErrRequestNotFound))
		})
	})

	Describe("CreateSteps and GetByIDWithSteps", func() {
		It("should persist the chain and load it in order", func() {
			req := newRequest(42, start, 120)
			Expect(repo.Create(ctx, req)).To(Succeed())

			steps := overtime.NewChainSteps(req.ID, []overtime.Approver{
				overtime.RoleApprover("supervisor"),
				overtime.FixedApprover(7),
			})
			Expect(repo.CreateSteps(ctx, steps)).To(Succeed())

			loaded, err := repo.GetByIDWithSteps(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Steps).To(HaveLen(2))
			Expect(loaded.Steps[0].StepOrder).To(Equal(1))
			Expect(loaded.Steps[0].Approver.Kind).To(Equal(overtime.ApproverRole))
			Expect(loaded.Steps[0].Approver.Role).To(Equal("supervisor"))
			Expect(loaded.Steps[1].Approver.Kind).To(Equal(overtime.ApproverFixed))
			Expect(loaded.Steps[1].Approver.UserID).To(Equal(int64(7)))
		})
	})

	Describe("ListByUser", func() {
		It("should only return the user's requests", func() {
			Expect(repo.Create(ctx, newRequest(42, start, 60))).To(Succeed())
			Expect(repo.Create(ctx, newRequest(42, start.Add(3*time.Hour), 60))).To(Succeed())
			Expect(repo.Create(ctx, newRequest(77, start, 60))).To(Succeed())

			requests, err := repo.ListByUser(ctx, 42, 20, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(requests).To(HaveLen(2))
		})
	})

	Describe("SumMinutesForDay", func() {
		It("should sum only window-claiming requests of that day", func() {
			Expect(repo.Create(ctx, newRequest(42, start, 60))).To(Succeed())
			Expect(repo.Create(ctx, newRequest(42, start.Add(2*time.Hour), 90))).To(Succeed())

			canceled := newRequest(42, start.Add(4*time.Hour), 30)
			canceled.Status = overtime.StatusCanceled
			Expect(repo.Create(ctx, canceled)).To(Succeed())

			nextDay := newRequest(42, start.AddDate(0, 0, 1), 45)
			Expect(repo.Create(ctx, nextDay)).To(Succeed())

			day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
			total, err := repo.SumMinutesForDay(ctx, 42, day, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(150))
		})

		It("should exclude the given request ID", func() {
			req := newRequest(42, start, 60)
			Expect(repo.Create(ctx, req)).To(Succeed())

			day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
			total, err := repo.SumMinutesForDay(ctx, 42, day, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(Equal(0))
		})
	})

	Describe("UpdateStatus", func() {
		It("should bump the row version on success", func() {
			req := newRequest(42, start, 60)
			Expect(repo.Create(ctx, req)).To(Succeed())

			now := time.Now()
			req.Status = overtime.StatusCanceled
			req.ProcessedAt = &now

			err := repo.UpdateStatus(ctx, req, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.RowVersion).To(Equal(int64(2)))

			stored, err := repo.GetByID(ctx, req.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(overtime.StatusCanceled))
			Expect(stored.RowVersion).To(Equal(int64(2)))
		})

		It("should return a version conflict on a stale version", func() {
			req := newRequest(42, start, 60)
			Expect(repo.Create(ctx, req)).To(Succeed())

			req.Status = overtime.StatusCanceled
			Expect(repo.UpdateStatus(ctx, req, 1)).To(Succeed())

			err := repo.UpdateStatus(ctx, req, 1)
			Expect(err).To(HaveOccurred())

			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Code).To(Equal(internal.ErrCodeVersionMismatch))
		})
	})

	Describe("ChainTemplate and UserDepartment", func() {
		It("should resolve a department's configured chain in order", func() {
			role := "manager"
			approverID := int64(7)
			Expect(db.Create(&overtimeDatamodel.ChainTemplateStep{
				Department: "engineering", StepOrder: 2, ApproverRole: &role,
			}).Error).To(Succeed())
			Expect(db.Create(&overtimeDatamodel.ChainTemplateStep{
				Department: "engineering", StepOrder: 1, ApproverID: &approverID,
			}).Error).To(Succeed())

			approvers, err := repo.ChainTemplate(ctx, "engineering")
			Expect(err).NotTo(HaveOccurred())
			Expect(approvers).To(HaveLen(2))
			Expect(approvers[0].Kind).To(Equal(overtime.ApproverFixed))
			Expect(approvers[0].UserID).To(Equal(int64(7)))
			Expect(approvers[1].Role).To(Equal("manager"))
		})

		It("should look up a user's department", func() {
			Expect(db.Create(&SQLiteUser{ID: 42, Email: "dimas@mail.com", Role: "employee", Department: "engineering"}).Error).To(Succeed())

			department, err := repo.UserDepartment(ctx, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(department).To(Equal("engineering"))
		})
	})

	Describe("Transaction", func() {
		It("should roll back every write on error", func() {
			err := repo.Transaction(ctx, func(tx overtime.Repository) error {
				if err := tx.Create(ctx, newRequest(42, start, 60)); err != nil {
					return err
				}
				return internal.NewInternalError("forced rollback", nil)
			})
			Expect(err).To(HaveOccurred())

			requests, err := repo.ListByUser(ctx, 42, 20, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(requests).To(BeEmpty())
		})
	})
})

var _ = Describe("translateConstraintError", func() {
	It("should map an exclusion violation to a window overlap conflict", func() {
		err := translateConstraintError(&pgconn.PgError{Code: pgExclusionViolation})

		appErr, ok := internal.IsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.Code).To(Equal(internal.ErrCodeWindowOverlap))
		Expect(appErr.StatusCode).To(Equal(409))
	})

	It("should map a unique violation to a window overlap conflict", func() {
		cause := &pgconn.PgError{Code: pgUniqueViolation}
		err := translateConstraintError(fmt.Errorf("insert: %w", cause))

		appErr, ok := internal.IsAppError(err)
		Expect(ok).To(BeTrue())
		Expect(appErr.Code).To(Equal(internal.ErrCodeWindowOverlap))
	})

	It("should pass every other error through untouched", func() {
		cause := errors.New("connection reset")
		Expect(translateConstraintError(cause)).To(Equal(cause))

		other := &pgconn.PgError{Code: "23503"}
		Expect(translateConstraintError(other)).To(Equal(other))
	})
})
