package mailer

import (
	"context"
	"testing"
	"time"

	"github.com/signflow/signflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func sampleMessage() Message {
	return Message{
		To:            "alice@example.com",
		RecipientName: "Alice",
		Role:          RoleSigner,
		DocumentName:  "Lease agreement",
		SignerName:    "Alice",
		CompletedAt:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		DownloadURL:   "https://signflow.test/artifacts/1",
		Attachments: []Attachment{
			{Name: "lease-signed.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.4")},
		},
	}
}

func TestSMTPNotifier_BuildMessage(t *testing.T) {
	n := NewSMTPNotifier(config.NotificationConfig{From: "no-reply@signflow.test"}, zap.NewNop())

	m, err := n.buildMessage(sampleMessage())
	require.NoError(t, err)

	rcpts, err := m.GetRecipients()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com"}, rcpts)
	assert.Equal(t, []string{"Completed: Lease agreement"}, m.GetGenHeader(mail.HeaderSubject))
}

func TestSMTPNotifier_BuildMessageRejectsBadAddress(t *testing.T) {
	n := NewSMTPNotifier(config.NotificationConfig{From: "no-reply@signflow.test"}, zap.NewNop())
	msg := sampleMessage()
	msg.To = "not an address"

	_, err := n.buildMessage(msg)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	n = NewSMTPNotifier(config.NotificationConfig{From: "nobody"}, zap.NewNop())
	_, err = n.buildMessage(sampleMessage())
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSMTPNotifier_SendUnreachable(t *testing.T) {
	n := NewSMTPNotifier(config.NotificationConfig{
		SMTPHost: "127.0.0.1",
		SMTPPort: 1,
		From:     "no-reply@signflow.test",
		Timeout:  time.Second,
	}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := n.Send(ctx, sampleMessage())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidMessage)
}

func TestLogNotifier_Send(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Send(context.Background(), sampleMessage()))

	entries := logs.FilterMessage("Completion notice").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "alice@example.com", fields["to"])
	assert.Equal(t, "signer", fields["role"])
}

func TestLogNotifier_CancelledContext(t *testing.T) {
	n := NewLogNotifier(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, n.Send(ctx, sampleMessage()), context.Canceled)
}
