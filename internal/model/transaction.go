package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type TxType string

const (
	TxDeposit    TxType = "DEPOSIT"
	TxWithdrawal TxType = "WITHDRAWAL"
	TxLock       TxType = "LOCK"
	TxUnlock     TxType = "UNLOCK"
	TxRefund     TxType = "REFUND"
	TxPayout     TxType = "PAYOUT"
	TxAdjustment TxType = "ADJUSTMENT"
)

func (t TxType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxLock, TxUnlock, TxRefund, TxPayout, TxAdjustment:
		return true
	}
	return false
}

// Transaction is an append-only ledger entry. Amount is always positive;
// direction follows from Type and the before/after snapshots.
type Transaction struct {
	ID             uint64    `gorm:"primaryKey"`
	UserID         string    `gorm:"size:64;not null;index;uniqueIndex:idx_tx_idem,priority:1"`
	Type           TxType    `gorm:"size:32;not null;uniqueIndex:idx_tx_idem,priority:2"`
	Amount         int64     `gorm:"not null"`
	BalanceBefore  int64     `gorm:"not null"`
	BalanceAfter   int64     `gorm:"not null"`
	LockedAfter    int64     `gorm:"not null"`
	Description    string    `gorm:"size:255"`
	Metadata       Metadata  `gorm:"type:jsonb"`
	IdempotencyKey *string   `gorm:"size:64;uniqueIndex:idx_tx_idem,priority:3"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

func (Transaction) TableName() string { return "transaction" }

// Metadata is free-form key/value context stored as JSON.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}
