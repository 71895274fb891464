package audit

import "time"

// Entry is one immutable link of an entity's audit chain. Rows are only ever
// inserted: no update or delete path exists anywhere in the codebase.
type Entry struct {
	ID           int64     `gorm:"primaryKey"`
	EntityTable  string    `gorm:"column:entity_table;not null;uniqueIndex:ux_audit_entity_seq,priority:1"`
	EntityID     int64     `gorm:"column:entity_id;not null;uniqueIndex:ux_audit_entity_seq,priority:2"`
	Seq          int64     `gorm:"column:seq;not null;uniqueIndex:ux_audit_entity_seq,priority:3"`
	Action       string    `gorm:"column:action;not null"`
	ActorID      int64     `gorm:"column:actor_id;not null"`
	Diff         string    `gorm:"column:diff;type:text"`
	PreviousHash *string   `gorm:"column:previous_hash"`
	ContentHash  string    `gorm:"column:content_hash;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Entry) TableName() string {
	return "audit_entries"
}
