package models

import "time"

type SignerStatus string

const (
	SignerPending  SignerStatus = "pending"
	SignerSigned   SignerStatus = "signed"
	SignerDeclined SignerStatus = "declined"
)

type Signer struct {
	ID            string       `gorm:"primaryKey;size:36"`
	EnvelopeID    string       `gorm:"size:36;index;not null"`
	Email         string       `gorm:"not null"`
	Name          string       `gorm:"not null"`
	SigningOrder  int          `gorm:"not null;default:0"`
	Status        SignerStatus `gorm:"not null;default:'pending'"`
	Token         *string      `gorm:"uniqueIndex;size:64"`
	SignedAt      *time.Time
	IPAddress     string
	UserAgent     string
	Commitment    string
	DeclineReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Fields        []Field `gorm:"constraint:OnDelete:CASCADE"`
}
