package models

import "time"

type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldInitials  FieldType = "initials"
	FieldText      FieldType = "text"
	FieldDate      FieldType = "date"
	FieldCheckbox  FieldType = "checkbox"
)

// CheckboxChecked is the only value that fills a required checkbox.
const CheckboxChecked = "true"

type Field struct {
	ID         string    `gorm:"primaryKey;size:36"`
	EnvelopeID string    `gorm:"size:36;index;not null"`
	SignerID   string    `gorm:"size:36;index;not null"`
	Type       FieldType `gorm:"not null"`
	Page       int       `gorm:"not null;default:1"`
	X          float64
	Y          float64
	Width      float64
	Height     float64
	Required   bool `gorm:"not null;default:false"`
	Value      string
	FilledAt   *time.Time
}
