package mailer

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier records notices in the log instead of sending them. It is
// used when no SMTP host is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(zap.String("notifier", "log"))}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	names := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		names = append(names, a.Name)
	}
	n.logger.Info("Completion notice",
		zap.String("to", msg.To),
		zap.String("role", string(msg.Role)),
		zap.String("document", msg.DocumentName),
		zap.Time("completed_at", msg.CompletedAt),
		zap.String("download_url", msg.DownloadURL),
		zap.Strings("attachments", names),
	)
	return nil
}
