package idempotency

import "time"

// Record maps a client-supplied key to a cached response. The unique index on
// the key makes the placeholder insert the at-most-once step: a concurrent
// retry hits the constraint instead of re-running the operation.
type Record struct {
	ID           int64      `gorm:"primaryKey"`
	Key          string     `gorm:"column:idempotency_key;size:128;uniqueIndex;not null"`
	OwnerID      int64      `gorm:"column:owner_id;not null"`
	Signature    string     `gorm:"column:signature;size:255;not null"`
	RequestHash  string     `gorm:"column:request_hash;size:64;not null"`
	ResponseBody []byte     `gorm:"column:response_body"`
	Status       string     `gorm:"column:status;default:in_flight"`
	ExpiresAt    time.Time  `gorm:"column:expires_at;not null;index"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Record) TableName() string {
	return "idempotency_records"
}

const (
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
)
