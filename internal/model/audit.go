package model

import "time"

// AuditEntry is written after admin actions and relayed to Kafka by the poller.
type AuditEntry struct {
	ID        uint64    `gorm:"primaryKey"`
	Actor     string    `gorm:"size:64;not null"`
	Action    string    `gorm:"size:64;not null"`
	Target    string    `gorm:"size:64;not null"`
	Metadata  Metadata  `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	Relayed   bool      `gorm:"not null;default:false;index"`
	RelayedAt *time.Time
}

func (AuditEntry) TableName() string { return "audit_log" }
