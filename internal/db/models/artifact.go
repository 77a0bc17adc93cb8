package models

import "time"

type Artifact struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"not null"`
	ContentType string `gorm:"not null"`
	Content     []byte `gorm:"not null"`
	ContentHash string `gorm:"not null;index"`
	Size        int64
	CreatedAt   time.Time
}
