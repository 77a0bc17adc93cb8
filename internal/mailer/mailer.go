// Package mailer delivers completion notices.
package mailer

import (
	"errors"
	"time"
)

// ErrInvalidMessage marks a message that can never be delivered as built,
// such as one with a malformed address.
var ErrInvalidMessage = errors.New("invalid message")

type Role string

const (
	RoleOwner  Role = "owner"
	RoleSigner Role = "signer"
)

type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// Message is one completion notice addressed to a single recipient.
type Message struct {
	To            string
	RecipientName string
	Role          Role
	DocumentName  string
	SignerName    string
	CompletedAt   time.Time
	DownloadURL   string
	AuditTrailURL string
	Attachments   []Attachment
}
