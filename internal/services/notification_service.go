package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/signflow/signflow/internal/config"
	"github.com/signflow/signflow/internal/db/models"
	"github.com/signflow/signflow/internal/mailer"
	"github.com/signflow/signflow/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Notifier delivers a single message. Implementations live in mailer.
type Notifier interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// CompletionNotice describes a completed envelope to be announced.
type CompletionNotice struct {
	EnvelopeID    string
	DocumentName  string
	OwnerEmail    string
	OwnerName     string
	Signers       []models.Signer
	CompletedAt   time.Time
	DownloadURL   string
	AuditTrailURL string
	Attachments   []mailer.Attachment
}

// DeliveryResult is the outcome for one recipient. Err is nil on success.
type DeliveryResult struct {
	Recipient string
	Role      mailer.Role
	Attempts  int
	Err       error
}

type NotificationService struct {
	db       *gorm.DB
	notifier Notifier
	cfg      config.NotificationConfig
	logger   *zap.Logger
	metrics  *metrics.MetricsCollector
	limiter  *rate.Limiter
}

func NewNotificationService(db *gorm.DB, notifier Notifier, cfg config.NotificationConfig, logger *zap.Logger, metrics *metrics.MetricsCollector) *NotificationService {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	limit := rate.Inf
	if cfg.Interval > 0 {
		limit = rate.Every(cfg.Interval)
	}
	return &NotificationService{
		db:       db,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With(zap.String("service", "notification_service")),
		metrics:  metrics,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// NotifyCompletion sends the notice to the owner and then to every signer.
// Sends are spaced by the configured interval. Failures are returned per
// recipient and never stop the remaining deliveries.
func (ns *NotificationService) NotifyCompletion(ctx context.Context, notice CompletionNotice) []DeliveryResult {
	messages := ns.recipients(notice)
	results := make([]DeliveryResult, len(messages))
	if len(messages) == 0 {
		return results
	}

	start := 0
	if messages[0].Role == mailer.RoleOwner {
		results[0] = ns.deliver(ctx, messages[0])
		start = 1
	}

	if ns.cfg.Workers == 1 {
		for i := start; i < len(messages); i++ {
			results[i] = ns.deliver(ctx, messages[i])
		}
	} else {
		var g errgroup.Group
		g.SetLimit(ns.cfg.Workers)
		for i := start; i < len(messages); i++ {
			i := i
			g.Go(func() error {
				results[i] = ns.deliver(ctx, messages[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, r := range results {
		if r.Err != nil {
			ns.recordFailure(ctx, notice.EnvelopeID, r)
		}
	}
	return results
}

// recipients orders the owner first, then signers by signing order, and
// drops repeated addresses.
func (ns *NotificationService) recipients(notice CompletionNotice) []mailer.Message {
	base := mailer.Message{
		DocumentName:  notice.DocumentName,
		CompletedAt:   notice.CompletedAt,
		DownloadURL:   notice.DownloadURL,
		AuditTrailURL: notice.AuditTrailURL,
		Attachments:   notice.Attachments,
	}
	seen := map[string]bool{}
	var out []mailer.Message

	add := func(email, name string, role mailer.Role) {
		key := strings.ToLower(strings.TrimSpace(email))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		msg := base
		msg.To = strings.TrimSpace(email)
		msg.RecipientName = name
		if role == mailer.RoleSigner {
			msg.SignerName = name
		}
		msg.Role = role
		out = append(out, msg)
	}

	add(notice.OwnerEmail, notice.OwnerName, mailer.RoleOwner)

	signers := append([]models.Signer(nil), notice.Signers...)
	sort.SliceStable(signers, func(i, j int) bool { return signers[i].SigningOrder < signers[j].SigningOrder })
	for _, s := range signers {
		add(s.Email, s.Name, mailer.RoleSigner)
	}
	return out
}

func (ns *NotificationService) deliver(ctx context.Context, msg mailer.Message) DeliveryResult {
	result := DeliveryResult{Recipient: msg.To, Role: msg.Role}

	if err := ns.limiter.Wait(ctx); err != nil {
		result.Err = err
		return result
	}

	start := time.Now()
	op := func() error {
		result.Attempts++
		attemptCtx := ctx
		if ns.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, ns.cfg.Timeout)
			defer cancel()
		}
		err := ns.notifier.Send(attemptCtx, msg)
		if errors.Is(err, mailer.ErrInvalidMessage) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(ns.cfg.Interval), uint64(ns.cfg.MaxAttempts-1)),
		ctx,
	)
	result.Err = backoff.Retry(op, policy)

	ns.metrics.ObserveLatency("notification_send", time.Since(start))
	if result.Err != nil {
		ns.metrics.IncrementCounter("notifications.failed", map[string]string{"role": string(msg.Role)})
		ns.logger.Warn("Notification delivery failed",
			zap.String("recipient", msg.To),
			zap.String("role", string(msg.Role)),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err))
		return result
	}
	ns.metrics.IncrementCounter("notifications.sent", map[string]string{"role": string(msg.Role)})
	return result
}

func (ns *NotificationService) recordFailure(ctx context.Context, envelopeID string, r DeliveryResult) {
	if ns.db == nil || envelopeID == "" {
		return
	}
	issue := &models.PipelineIssue{
		EnvelopeID: envelopeID,
		Stage:      models.StageNotification,
		Detail:     r.Recipient + ": " + r.Err.Error(),
	}
	if err := ns.db.WithContext(context.WithoutCancel(ctx)).Create(issue).Error; err != nil {
		ns.logger.Error("failed to record notification issue", zap.String("envelope_id", envelopeID), zap.Error(err))
	}
}
