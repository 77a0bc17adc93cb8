package models

import "time"

type IssueStage string

const (
	StageEmbedding      IssueStage = "embedding"
	StageAuditTrail     IssueStage = "audit_trail"
	StageArtifactUpload IssueStage = "artifact_upload"
	StageNotification   IssueStage = "notification"
)

type PipelineIssue struct {
	ID         uint       `gorm:"primaryKey"`
	EnvelopeID string     `gorm:"size:36;index;not null"`
	Stage      IssueStage `gorm:"not null"`
	Detail     string
	CreatedAt  time.Time
}
