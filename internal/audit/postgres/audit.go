package postgres

import (
	"context"
	"errors"

	"github.com/frahmantamala/overtime-management/internal/audit"
	auditDatamodel "github.com/frahmantamala/overtime-management/internal/core/datamodel/audit"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Append writes one chain entry for an entity using the caller's transaction
// handle. The previous entry is read under a row lock inside that same
// transaction, so a chain link can never be computed from a stale read; the
// unique (entity, seq) index turns a racing writer into a constraint error
// that rolls the whole business operation back.
func Append(tx *gorm.DB, entityTable string, entityID int64, action string, actorID int64, diff map[string]any) (*auditDatamodel.Entry, error) {
	var last auditDatamodel.Entry
	var previousHash *string
	seq := int64(1)

	head := tx.Where("entity_table = ? AND entity_id = ?", entityTable, entityID)
	if tx.Dialector.Name() == "postgres" {
		// sqlite has no row locks and serializes writers at the database level
		head = head.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := head.Order("seq DESC").First(&last).Error
	switch {
	case err == nil:
		hash := last.ContentHash
		previousHash = &hash
		seq = last.Seq + 1
	case errors.Is(err, gorm.ErrRecordNotFound):
		// first entry for this entity
	default:
		return nil, err
	}

	diffJSON := audit.MarshalDiff(diff)
	entry := &auditDatamodel.Entry{
		EntityTable:  entityTable,
		EntityID:     entityID,
		Seq:          seq,
		Action:       action,
		ActorID:      actorID,
		Diff:         diffJSON,
		PreviousHash: previousHash,
		ContentHash:  audit.ContentHash(action, actorID, diffJSON, previousHash),
	}

	if err := tx.Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

// AuditRepository implements the audit.Repository read interface using GORM
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) audit.Repository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) ListByEntity(ctx context.Context, entityTable string, entityID int64) ([]*audit.Entry, error) {
	var rows []*auditDatamodel.Entry
	err := r.db.WithContext(ctx).
		Where("entity_table = ? AND entity_id = ?", entityTable, entityID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	entries := make([]*audit.Entry, len(rows))
	for i, row := range rows {
		entries[i] = toDomain(row)
	}
	return entries, nil
}

func toDomain(row *auditDatamodel.Entry) *audit.Entry {
	return &audit.Entry{
		ID:           row.ID,
		EntityTable:  row.EntityTable,
		EntityID:     row.EntityID,
		Seq:          row.Seq,
		Action:       row.Action,
		ActorID:      row.ActorID,
		Diff:         row.Diff,
		PreviousHash: row.PreviousHash,
		ContentHash:  row.ContentHash,
		CreatedAt:    row.CreatedAt,
	}
}
