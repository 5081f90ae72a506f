package model

import "time"

const KYCVerified = "VERIFIED"

// KYCRecord is owned by the KYC review workflow; the ledger only reads it.
type KYCRecord struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	Status    string    `gorm:"size:16;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (KYCRecord) TableName() string { return "kyc_record" }
