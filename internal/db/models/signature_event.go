package models

import "time"

// SignatureEvent is written once, together with the signer's transition to
// signed, and never updated.
type SignatureEvent struct {
	ID           uint      `gorm:"primaryKey"`
	EnvelopeID   string    `gorm:"size:36;index;not null"`
	SignerID     string    `gorm:"size:36;uniqueIndex;not null"`
	DocumentHash string    `gorm:"not null"`
	SignerEmail  string    `gorm:"not null"`
	SignedAt     time.Time `gorm:"not null"`
	IPAddress    string
	UserAgent    string
	Commitment   string `gorm:"not null"`
	CreatedAt    time.Time
}
