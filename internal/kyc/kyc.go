// Package kyc answers whether a user has passed identity verification. The
// review workflow that sets the status lives elsewhere; this side only reads.
package kyc

import (
	"context"
	"errors"

	"github.com/arenaplay/wallet-ledger/internal/model"
	"gorm.io/gorm"
)

type Provider interface {
	IsVerified(ctx context.Context, userID string) (bool, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, userID string) (bool, error)

func (f ProviderFunc) IsVerified(ctx context.Context, userID string) (bool, error) {
	return f(ctx, userID)
}

// Store reads the kyc_record table.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// IsVerified reports false for users with no record.
func (s *Store) IsVerified(ctx context.Context, userID string) (bool, error) {
	var rec model.KYCRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == model.KYCVerified, nil
}
