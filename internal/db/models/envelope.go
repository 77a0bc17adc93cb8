package models

import (
	"time"
)

type EnvelopeStatus string

const (
	EnvelopeDraft     EnvelopeStatus = "draft"
	EnvelopePending   EnvelopeStatus = "pending"
	EnvelopeCompleted EnvelopeStatus = "completed"
	EnvelopeExpired   EnvelopeStatus = "expired"
)

type SignatureMode string

const (
	ModeNone          SignatureMode = ""
	ModeCryptographic SignatureMode = "cryptographic"
	ModeVisualStamp   SignatureMode = "visual_stamp"
)

// Envelope is a document submitted for signature. Signers and Fields are
// deleted with it.
type Envelope struct {
	ID                  string `gorm:"primaryKey;size:36"`
	Name                string `gorm:"not null"`
	OwnerEmail          string `gorm:"not null"`
	OwnerName           string
	SourceRef           string         `gorm:"not null"`
	SourceHash          string         `gorm:"not null"`
	Status              EnvelopeStatus `gorm:"not null;default:'draft';index"`
	DueAt               *time.Time     `gorm:"index"`
	CompletionClaimedAt *time.Time
	CompletedAt         *time.Time
	FinalRef            string
	FinalHash           string `gorm:"not null;default:''"`
	AuditTrailRef       string
	SignatureMode       SignatureMode `gorm:"not null;default:''"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Signers             []Signer `gorm:"constraint:OnDelete:CASCADE"`
	Fields              []Field  `gorm:"constraint:OnDelete:CASCADE"`
}
