package mailer

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/signflow/signflow/internal/config"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

var bodyTemplate = template.Must(template.New("completed").Parse(`Hello {{if .RecipientName}}{{.RecipientName}}{{else}}{{.To}}{{end}},

"{{.DocumentName}}" has been signed by all parties.
Completed at: {{.CompletedAt.UTC.Format "2006-01-02 15:04 MST"}}
{{- if .SignerName}}
Signed as: {{.SignerName}}
{{- end}}
{{- if .DownloadURL}}

Download the signed document: {{.DownloadURL}}
{{- end}}
{{- if .AuditTrailURL}}
Audit trail: {{.AuditTrailURL}}
{{- end}}
`))

// SMTPNotifier sends each Message as its own mail over a fresh connection.
type SMTPNotifier struct {
	cfg    config.NotificationConfig
	logger *zap.Logger
}

func NewSMTPNotifier(cfg config.NotificationConfig, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		cfg:    cfg,
		logger: logger.With(zap.String("notifier", "smtp")),
	}
}

func (n *SMTPNotifier) client() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(n.cfg.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if n.cfg.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(n.cfg.Timeout))
	}
	if n.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Username),
			mail.WithPassword(n.cfg.Password),
		)
	}
	return mail.NewClient(n.cfg.SMTPHost, opts...)
}

func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	m, err := n.buildMessage(msg)
	if err != nil {
		return err
	}
	c, err := n.client()
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	n.logger.Debug("Notification sent", zap.String("to", msg.To), zap.String("role", string(msg.Role)))
	return nil
}

func (n *SMTPNotifier) buildMessage(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(n.cfg.From); err != nil {
		return nil, fmt.Errorf("%w: sender: %w", ErrInvalidMessage, err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("%w: recipient: %w", ErrInvalidMessage, err)
	}
	m.Subject(fmt.Sprintf("Completed: %s", msg.DocumentName))
	m.SetDate()

	if msg.CompletedAt.IsZero() {
		msg.CompletedAt = time.Now()
	}
	if err := m.SetBodyTextTemplate(bodyTemplate, msg); err != nil {
		return nil, fmt.Errorf("%w: body: %w", ErrInvalidMessage, err)
	}

	for _, a := range msg.Attachments {
		if err := m.AttachReader(a.Name, bytes.NewReader(a.Content),
			mail.WithFileContentType(mail.ContentType(a.ContentType))); err != nil {
			return nil, fmt.Errorf("%w: attach %s: %w", ErrInvalidMessage, a.Name, err)
		}
	}
	return m, nil
}
