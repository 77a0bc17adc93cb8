package models

import "time"

const (
	CredentialActive  = "ACTIVE"
	CredentialRetired = "RETIRED"
)

// SigningCredential holds the PKCS#12 container with the signing key and
// its certificate chain.
type SigningCredential struct {
	ID           uint   `gorm:"primaryKey"`
	Subject      string `gorm:"not null"`
	SerialNumber string `gorm:"not null"`
	Fingerprint  string `gorm:"not null"`
	NotAfter     time.Time
	Container    []byte `gorm:"not null"`
	Status       string `gorm:"not null;default:'ACTIVE';index"`
	CreatedAt    time.Time
}
