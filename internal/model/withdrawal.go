package model

import "time"

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalApproved  WithdrawalStatus = "APPROVED"
	WithdrawalRejected  WithdrawalStatus = "REJECTED"
	WithdrawalCancelled WithdrawalStatus = "CANCELLED"
)

func (s WithdrawalStatus) Terminal() bool { return s != WithdrawalPending }

type BankDetails struct {
	AccountNumber string `gorm:"size:32;not null" json:"account_number"`
	RoutingCode   string `gorm:"size:16;not null" json:"routing_code"`
	HolderName    string `gorm:"size:128;not null" json:"holder_name"`
}

type WithdrawalRequest struct {
	ID         string           `gorm:"primaryKey;size:36"`
	UserID     string           `gorm:"size:64;not null;index"`
	Amount     int64            `gorm:"not null"`
	Bank       BankDetails      `gorm:"embedded;embeddedPrefix:bank_"`
	Status     WithdrawalStatus `gorm:"size:16;not null;index"`
	Reason     string           `gorm:"size:255"`
	ResolvedBy string           `gorm:"size:64"`
	CreatedAt  time.Time        `gorm:"autoCreateTime"`
	ResolvedAt *time.Time
}

func (WithdrawalRequest) TableName() string { return "withdrawal_request" }
