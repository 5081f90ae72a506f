// Package audit records admin actions on withdrawals and relays them to Kafka.
package audit

import (
	"context"
	"time"

	"github.com/arenaplay/wallet-ledger/internal/model"
	"gorm.io/gorm"
)

// Sink accepts audit entries. Writers treat it as best-effort.
type Sink interface {
	Record(ctx context.Context, e model.AuditEntry) error
}

// Store keeps entries in audit_log until the relay has shipped them.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Record inserts the entry.
func (s *Store) Record(ctx context.Context, e model.AuditEntry) error {
	e.ID = 0
	e.Relayed = false
	e.RelayedAt = nil
	return s.db.WithContext(ctx).Create(&e).Error
}

// Pending pulls entries not yet relayed, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	err := s.db.WithContext(ctx).Where("relayed = ?", false).Order("id").Limit(limit).Find(&out).Error
	return out, err
}

// MarkRelayed sets relayed flag.
func (s *Store) MarkRelayed(ctx context.Context, id uint64) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.AuditEntry{}).Where("id = ?", id).
		Updates(map[string]interface{}{"relayed": true, "relayed_at": &now}).Error
}
