package model

import "time"

// Wallet amounts are minor currency units (paise).
type Wallet struct {
	ID        uint64    `gorm:"primaryKey;column:id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex"`
	Balance   int64     `gorm:"not null;default:0;check:chk_wallet_balance,balance >= 0"`
	Locked    int64     `gorm:"not null;default:0;check:chk_wallet_locked,locked >= 0 AND locked <= balance"`
	Version   uint64    `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }

// Available is the spendable part of the balance.
func (w Wallet) Available() int64 { return w.Balance - w.Locked }
