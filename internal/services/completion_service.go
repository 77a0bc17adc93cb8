package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signflow/signflow/internal/config"
	"github.com/signflow/signflow/internal/db/models"
	"github.com/signflow/signflow/internal/mailer"
	"github.com/signflow/signflow/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrSignerNotFound   = errors.New("signer not found")
	ErrAlreadySigned    = errors.New("signer has already signed")
	ErrSignerDeclined   = errors.New("signer has declined")
	ErrEnvelopeNotFound = errors.New("envelope not found")
	ErrEnvelopeNotDraft = errors.New("envelope is not a draft")
	ErrInvalidEnvelope  = errors.New("invalid envelope")
)

// ValidationError lists the required fields a submission left empty.
type ValidationError struct {
	UnfilledFieldIDs []string
}

func (e *ValidationError) Error() string {
	return "required fields not filled: " + strings.Join(e.UnfilledFieldIDs, ", ")
}

// RequestMeta is the network context of a signing request.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type CompletionResult struct {
	Success      bool
	AllCompleted bool
	Commitment   string
	EnvelopeID   string
}

// Sealer produces the final artifacts of a completed envelope.
type Sealer interface {
	SealDocument(ctx context.Context, env *models.Envelope, signers []models.Signer, src []byte) (SealOutcome, error)
	BuildAuditTrail(ctx context.Context, env *models.Envelope, signers []models.Signer, finalHash string, mode models.SignatureMode) ([]byte, error)
}

type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, notice CompletionNotice) []DeliveryResult
}

type CompletionService struct {
	db            *gorm.DB
	artifacts     ArtifactStore
	sealer        Sealer
	notifications CompletionNotifier
	claimTTL      time.Duration
	logger        *zap.Logger
	metrics       *metrics.MetricsCollector
	now           func() time.Time

	inflight sync.WaitGroup
}

func NewCompletionService(
	db *gorm.DB,
	artifacts ArtifactStore,
	sealer Sealer,
	notifications CompletionNotifier,
	cfg config.SigningConfig,
	logger *zap.Logger,
	metrics *metrics.MetricsCollector,
) *CompletionService {
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	return &CompletionService{
		db:            db,
		artifacts:     artifacts,
		sealer:        sealer,
		notifications: notifications,
		claimTTL:      claimTTL,
		logger:        logger.With(zap.String("service", "completion_service")),
		metrics:       metrics,
		now:           time.Now,
	}
}

// Wait blocks until notifications started by completed envelopes finish.
func (cs *CompletionService) Wait() {
	cs.inflight.Wait()
}

// resolve finds the signer behind token and its envelope. Unknown tokens and
// envelopes that are not open for signing are reported as ErrSignerNotFound.
func (cs *CompletionService) resolve(ctx context.Context, token string) (*models.Signer, *models.Envelope, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil, ErrSignerNotFound
	}

	var signer models.Signer
	err := cs.db.WithContext(ctx).Where("token = ?", token).First(&signer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrSignerNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load signer: %w", err)
	}

	var env models.Envelope
	err = cs.db.WithContext(ctx).First(&env, "id = ?", signer.EnvelopeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrSignerNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load envelope: %w", err)
	}
	return &signer, &env, nil
}

func (cs *CompletionService) openForSigning(env *models.Envelope) bool {
	if env.Status != models.EnvelopePending {
		return false
	}
	return env.DueAt == nil || cs.now().Before(*env.DueAt)
}

// CompleteSigning records the signer's field values and signature. When it
// was the last outstanding signer and this call wins the completion claim,
// the envelope is sealed and completed before returning.
func (cs *CompletionService) CompleteSigning(ctx context.Context, token string, values map[string]string, meta RequestMeta) (*CompletionResult, error) {
	start := time.Now()

	signer, env, err := cs.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	switch signer.Status {
	case models.SignerSigned:
		return nil, ErrAlreadySigned
	case models.SignerDeclined:
		return nil, ErrSignerDeclined
	}
	if !cs.openForSigning(env) {
		return nil, ErrSignerNotFound
	}

	var fields []models.Field
	if err := cs.db.WithContext(ctx).
		Where("signer_id = ?", signer.ID).
		Order("page ASC, id ASC").
		Find(&fields).Error; err != nil {
		return nil, fmt.Errorf("failed to load fields: %w", err)
	}

	updates := map[string]string{}
	var unfilled []string
	for _, f := range fields {
		value := f.Value
		if v, ok := values[f.ID]; ok {
			value = v
			updates[f.ID] = v
		}
		if f.Required && !filled(f.Type, value) {
			unfilled = append(unfilled, f.ID)
		}
	}
	if len(unfilled) > 0 {
		cs.metrics.IncrementCounter("signing.rejected", map[string]string{"reason": "validation"})
		return nil, &ValidationError{UnfilledFieldIDs: unfilled}
	}

	// postgres timestamps keep microseconds; the stored time must re-derive
	// the commitment
	signedAt := cs.now().UTC().Truncate(time.Microsecond)
	commitment := DeriveSignatureCommitment(SignatureEventInput{
		DocumentHash: env.SourceHash,
		SignerID:     signer.ID,
		SignerEmail:  signer.Email,
		SignedAt:     signedAt,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
	})

	err = cs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Signer{}).
			Where("id = ? AND status = ?", signer.ID, models.SignerPending).
			Updates(map[string]interface{}{
				"status":     models.SignerSigned,
				"signed_at":  signedAt,
				"ip_address": meta.IPAddress,
				"user_agent": meta.UserAgent,
				"commitment": commitment,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var current models.Signer
			if err := tx.Select("status").First(&current, "id = ?", signer.ID).Error; err == nil && current.Status == models.SignerDeclined {
				return ErrSignerDeclined
			}
			return ErrAlreadySigned
		}

		for id, value := range updates {
			if err := tx.Model(&models.Field{}).
				Where("id = ? AND signer_id = ?", id, signer.ID).
				Updates(map[string]interface{}{"value": value, "filled_at": signedAt}).Error; err != nil {
				return err
			}
		}

		return tx.Create(&models.SignatureEvent{
			EnvelopeID:   env.ID,
			SignerID:     signer.ID,
			DocumentHash: env.SourceHash,
			SignerEmail:  signer.Email,
			SignedAt:     signedAt,
			IPAddress:    meta.IPAddress,
			UserAgent:    meta.UserAgent,
			Commitment:   commitment,
		}).Error
	})
	if errors.Is(err, ErrAlreadySigned) || errors.Is(err, ErrSignerDeclined) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record signature: %w", err)
	}

	cs.metrics.IncrementCounter("signing.completed", nil)
	cs.logger.Info("Signer signed",
		zap.String("envelope_id", env.ID),
		zap.String("signer_id", signer.ID),
		zap.String("commitment", commitment))

	result := &CompletionResult{Success: true, Commitment: commitment, EnvelopeID: env.ID}

	// the signature is durable; nothing below may fail the request
	result.AllCompleted = cs.completeIfReady(context.WithoutCancel(ctx), env.ID)

	cs.metrics.ObserveLatency("complete_signing", time.Since(start))
	return result, nil
}

func filled(t models.FieldType, value string) bool {
	if t == models.FieldCheckbox {
		return value == models.CheckboxChecked
	}
	return strings.TrimSpace(value) != ""
}

// completeIfReady counts outstanding signers and, if there are none, tries to
// claim and finalize the envelope. It reports whether this call completed it.
func (cs *CompletionService) completeIfReady(ctx context.Context, envelopeID string) bool {
	var outstanding int64
	if err := cs.db.WithContext(ctx).Model(&models.Signer{}).
		Where("envelope_id = ? AND status <> ?", envelopeID, models.SignerSigned).
		Count(&outstanding).Error; err != nil {
		cs.logger.Error("failed to count outstanding signers", zap.String("envelope_id", envelopeID), zap.Error(err))
		return false
	}
	if outstanding > 0 {
		return false
	}

	claimed, err := cs.claim(ctx, envelopeID)
	if err != nil {
		cs.logger.Error("failed to claim envelope completion", zap.String("envelope_id", envelopeID), zap.Error(err))
		return false
	}
	if !claimed {
		cs.metrics.IncrementCounter("completion.claim_lost", nil)
		return false
	}
	return cs.finalize(ctx, envelopeID)
}

func (cs *CompletionService) claim(ctx context.Context, envelopeID string) (bool, error) {
	now := cs.now().UTC()
	res := cs.db.WithContext(ctx).Model(&models.Envelope{}).
		Where("id = ? AND status = ?", envelopeID, models.EnvelopePending).
		Where("completion_claimed_at IS NULL OR completion_claimed_at < ?", now.Add(-cs.claimTTL)).
		Update("completion_claimed_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// finalize seals the document, stores the artifacts and marks the envelope
// completed. Sealing, audit and upload failures degrade the result but
// never stop the transition.
func (cs *CompletionService) finalize(ctx context.Context, envelopeID string) bool {
	start := time.Now()

	var env models.Envelope
	if err := cs.db.WithContext(ctx).
		Preload("Signers", func(db *gorm.DB) *gorm.DB { return db.Order("signing_order ASC") }).
		First(&env, "id = ?", envelopeID).Error; err != nil {
		cs.logger.Error("failed to load envelope for completion", zap.String("envelope_id", envelopeID), zap.Error(err))
		return false
	}

	finalRef, finalHash := env.SourceRef, env.SourceHash
	mode := models.ModeNone
	var finalContent []byte

	src, err := cs.artifacts.Get(ctx, ArtifactID(env.SourceRef))
	var content []byte
	if err != nil {
		cs.recordIssue(ctx, env.ID, models.StageEmbedding, fmt.Errorf("load source: %w", err))
	} else {
		content = src.Content
	}

	outcome, err := cs.sealer.SealDocument(ctx, &env, env.Signers, content)
	switch {
	case err != nil:
		cs.recordIssue(ctx, env.ID, models.StageEmbedding, err)
	default:
		if stamp, ok := outcome.(*VisualStamp); ok {
			cs.recordIssue(ctx, env.ID, models.StageEmbedding, stamp.Cause)
		}
		stored, err := cs.artifacts.Put(ctx, env.Name+" (signed).pdf", "application/pdf", outcome.Artifact())
		if err != nil {
			cs.recordIssue(ctx, env.ID, models.StageArtifactUpload, err)
			break
		}
		finalRef, finalHash, mode = stored.URL, outcome.ContentHash(), outcome.Mode()
		finalContent = outcome.Artifact()
	}

	var auditRef string
	var auditContent []byte
	trail, err := cs.sealer.BuildAuditTrail(ctx, &env, env.Signers, finalHash, mode)
	if err != nil {
		cs.recordIssue(ctx, env.ID, models.StageAuditTrail, err)
	} else if stored, err := cs.artifacts.Put(ctx, env.Name+" (audit trail).pdf", "application/pdf", trail); err != nil {
		cs.recordIssue(ctx, env.ID, models.StageArtifactUpload, err)
	} else {
		auditRef, auditContent = stored.URL, trail
	}

	completedAt := cs.now().UTC()
	res := cs.db.WithContext(ctx).Model(&models.Envelope{}).
		Where("id = ? AND status <> ? AND final_hash = ''", env.ID, models.EnvelopeCompleted).
		Updates(map[string]interface{}{
			"status":          models.EnvelopeCompleted,
			"completed_at":    completedAt,
			"final_ref":       finalRef,
			"final_hash":      finalHash,
			"audit_trail_ref": auditRef,
			"signature_mode":  mode,
		})
	if res.Error != nil {
		cs.logger.Error("failed to finalize envelope", zap.String("envelope_id", env.ID), zap.Error(res.Error))
		return false
	}
	if res.RowsAffected == 0 {
		cs.metrics.IncrementCounter("completion.finalize_lost", nil)
		return false
	}

	cs.metrics.IncrementCounter("envelopes.completed", map[string]string{"mode": string(mode)})
	cs.metrics.ObserveLatency("envelope_finalize", time.Since(start))
	cs.logger.Info("Envelope completed",
		zap.String("envelope_id", env.ID),
		zap.String("signature_mode", string(mode)),
		zap.String("final_hash", finalHash))

	notice := CompletionNotice{
		EnvelopeID:    env.ID,
		DocumentName:  env.Name,
		OwnerEmail:    env.OwnerEmail,
		OwnerName:     env.OwnerName,
		Signers:       env.Signers,
		CompletedAt:   completedAt,
		DownloadURL:   finalRef,
		AuditTrailURL: auditRef,
	}
	if finalContent != nil {
		notice.Attachments = append(notice.Attachments, mailer.Attachment{Name: env.Name + ".pdf", ContentType: "application/pdf", Content: finalContent})
	}
	if auditContent != nil {
		notice.Attachments = append(notice.Attachments, mailer.Attachment{Name: env.Name + " - audit trail.pdf", ContentType: "application/pdf", Content: auditContent})
	}
	cs.notify(ctx, notice)
	return true
}

func (cs *CompletionService) notify(ctx context.Context, notice CompletionNotice) {
	if cs.notifications == nil {
		return
	}
	cs.inflight.Add(1)
	go func() {
		defer cs.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				cs.logger.Error("Notification dispatch panicked", zap.String("envelope_id", notice.EnvelopeID), zap.Any("panic", r))
			}
		}()

		results := cs.notifications.NotifyCompletion(ctx, notice)
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		cs.logger.Info("Completion notices dispatched",
			zap.String("envelope_id", notice.EnvelopeID),
			zap.Int("recipients", len(results)),
			zap.Int("failed", failed))
	}()
}

func (cs *CompletionService) recordIssue(ctx context.Context, envelopeID string, stage models.IssueStage, cause error) {
	detail := "unknown failure"
	if cause != nil {
		detail = cause.Error()
	}
	cs.metrics.IncrementCounter("pipeline.issues", map[string]string{"stage": string(stage)})
	cs.logger.Warn("Completion pipeline degraded",
		zap.String("envelope_id", envelopeID),
		zap.String("stage", string(stage)),
		zap.String("detail", detail))

	issue := &models.PipelineIssue{EnvelopeID: envelopeID, Stage: stage, Detail: detail}
	if err := cs.db.WithContext(ctx).Create(issue).Error; err != nil {
		cs.logger.Error("failed to record pipeline issue", zap.String("envelope_id", envelopeID), zap.Error(err))
	}
}

// Decline records the signer's refusal. The envelope stays pending and can
// no longer complete.
func (cs *CompletionService) Decline(ctx context.Context, token, reason string, meta RequestMeta) error {
	signer, env, err := cs.resolve(ctx, token)
	if err != nil {
		return err
	}
	switch signer.Status {
	case models.SignerSigned:
		return ErrAlreadySigned
	case models.SignerDeclined:
		return ErrSignerDeclined
	}
	if !cs.openForSigning(env) {
		return ErrSignerNotFound
	}

	res := cs.db.WithContext(ctx).Model(&models.Signer{}).
		Where("id = ? AND status = ?", signer.ID, models.SignerPending).
		Updates(map[string]interface{}{
			"status":         models.SignerDeclined,
			"decline_reason": strings.TrimSpace(reason),
			"ip_address":     meta.IPAddress,
			"user_agent":     meta.UserAgent,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record decline: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadySigned
	}

	cs.metrics.IncrementCounter("signing.declined", nil)
	cs.logger.Info("Signer declined", zap.String("envelope_id", env.ID), zap.String("signer_id", signer.ID))
	return nil
}

// ExpireOverdue moves pending envelopes past their due date that still have
// outstanding signers to expired.
func (cs *CompletionService) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res := cs.db.WithContext(ctx).Model(&models.Envelope{}).
		Where("status = ? AND due_at IS NOT NULL AND due_at < ?", models.EnvelopePending, now.UTC()).
		Where("EXISTS (SELECT 1 FROM signers WHERE signers.envelope_id = envelopes.id AND signers.status <> ?)", models.SignerSigned).
		Update("status", models.EnvelopeExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to expire envelopes: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		cs.metrics.IncrementCounter("envelopes.expired", nil)
		cs.logger.Info("Expired overdue envelopes", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// RecoverStalled completes pending envelopes whose signers have all signed
// but whose completion never finished, for example after a crash between
// claim and finalize. An unclaimed envelope is only taken once its newest
// signature is older than the claim TTL.
func (cs *CompletionService) RecoverStalled(ctx context.Context) (int, error) {
	cutoff := cs.now().UTC().Add(-cs.claimTTL)
	var ids []string
	err := cs.db.WithContext(ctx).Model(&models.Envelope{}).
		Where("status = ?", models.EnvelopePending).
		Where("(completion_claimed_at IS NOT NULL AND completion_claimed_at < ?) OR "+
			"(completion_claimed_at IS NULL AND NOT EXISTS "+
			"(SELECT 1 FROM signers WHERE signers.envelope_id = envelopes.id AND signers.signed_at >= ?))",
			cutoff, cutoff).
		Where("EXISTS (SELECT 1 FROM signers WHERE signers.envelope_id = envelopes.id)").
		Where("NOT EXISTS (SELECT 1 FROM signers WHERE signers.envelope_id = envelopes.id AND signers.status <> ?)", models.SignerSigned).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find stalled envelopes: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		cs.logger.Warn("Resuming stalled completion", zap.String("envelope_id", id))
		if cs.completeIfReady(ctx, id) {
			recovered++
		}
	}
	return recovered, nil
}

type FieldDraft struct {
	Type     models.FieldType
	Page     int
	X        float64
	Y        float64
	Width    float64
	Height   float64
	Required bool
}

type SignerDraft struct {
	Email  string
	Name   string
	Fields []FieldDraft
}

// EnvelopeDraft is the input for CreateEnvelope.
type EnvelopeDraft struct {
	Name         string
	OwnerEmail   string
	OwnerName    string
	DocumentName string
	Document     []byte
	DueAt        *time.Time
	Signers      []SignerDraft
}

func (d EnvelopeDraft) validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidEnvelope)
	case strings.TrimSpace(d.OwnerEmail) == "":
		return fmt.Errorf("%w: owner email is required", ErrInvalidEnvelope)
	case len(d.Document) == 0:
		return fmt.Errorf("%w: document is required", ErrInvalidEnvelope)
	case len(d.Signers) == 0:
		return fmt.Errorf("%w: at least one signer is required", ErrInvalidEnvelope)
	}
	for i, s := range d.Signers {
		if strings.TrimSpace(s.Email) == "" || strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("%w: signer %d needs an email and a name", ErrInvalidEnvelope, i+1)
		}
		for _, f := range s.Fields {
			switch f.Type {
			case models.FieldSignature, models.FieldInitials, models.FieldText, models.FieldDate, models.FieldCheckbox:
			default:
				return fmt.Errorf("%w: unknown field type %q", ErrInvalidEnvelope, f.Type)
			}
		}
	}
	return nil
}

// CreateEnvelope stores the document and creates a draft envelope with its
// signers and fields.
func (cs *CompletionService) CreateEnvelope(ctx context.Context, draft EnvelopeDraft) (*models.Envelope, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}

	docName := draft.DocumentName
	if docName == "" {
		docName = draft.Name + ".pdf"
	}
	source, err := cs.artifacts.Put(ctx, docName, "application/pdf", draft.Document)
	if err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	env := &models.Envelope{
		ID:         uuid.New().String(),
		Name:       strings.TrimSpace(draft.Name),
		OwnerEmail: strings.TrimSpace(draft.OwnerEmail),
		OwnerName:  draft.OwnerName,
		SourceRef:  source.URL,
		SourceHash: source.Hash,
		Status:     models.EnvelopeDraft,
	}
	if draft.DueAt != nil {
		due := draft.DueAt.UTC()
		env.DueAt = &due
	}
	var signers []models.Signer
	var fields []models.Field
	for i, sd := range draft.Signers {
		signer := models.Signer{
			ID:           uuid.New().String(),
			EnvelopeID:   env.ID,
			Email:        strings.TrimSpace(sd.Email),
			Name:         strings.TrimSpace(sd.Name),
			SigningOrder: i + 1,
			Status:       models.SignerPending,
		}
		signers = append(signers, signer)
		for _, fd := range sd.Fields {
			page := fd.Page
			if page < 1 {
				page = 1
			}
			fields = append(fields, models.Field{
				ID:         uuid.New().String(),
				EnvelopeID: env.ID,
				SignerID:   signer.ID,
				Type:       fd.Type,
				Page:       page,
				X:          fd.X,
				Y:          fd.Y,
				Width:      fd.Width,
				Height:     fd.Height,
				Required:   fd.Required,
			})
		}
	}

	err = cs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(env).Error; err != nil {
			return err
		}
		if err := tx.Create(&signers).Error; err != nil {
			return err
		}
		if len(fields) > 0 {
			return tx.Create(&fields).Error
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create envelope: %w", err)
	}

	cs.metrics.IncrementCounter("envelopes.created", nil)
	cs.logger.Info("Envelope created",
		zap.String("envelope_id", env.ID),
		zap.Int("signers", len(signers)),
		zap.Int("fields", len(fields)))
	return cs.GetEnvelope(ctx, env.ID)
}

// Distribute opens a draft envelope for signing and issues a token to every
// signer.
func (cs *CompletionService) Distribute(ctx context.Context, envelopeID string) (*models.Envelope, error) {
	err := cs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var env models.Envelope
		if err := tx.First(&env, "id = ?", envelopeID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEnvelopeNotFound
			}
			return err
		}
		if env.Status != models.EnvelopeDraft {
			return ErrEnvelopeNotDraft
		}

		var signers []models.Signer
		if err := tx.Where("envelope_id = ?", envelopeID).Find(&signers).Error; err != nil {
			return err
		}
		if len(signers) == 0 {
			return fmt.Errorf("%w: no signers", ErrInvalidEnvelope)
		}
		for _, s := range signers {
			if s.Token != nil {
				continue
			}
			if err := tx.Model(&models.Signer{}).
				Where("id = ?", s.ID).
				Update("token", uuid.New().String()).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&models.Envelope{}).
			Where("id = ? AND status = ?", envelopeID, models.EnvelopeDraft).
			Update("status", models.EnvelopePending)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrEnvelopeNotDraft
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cs.metrics.IncrementCounter("envelopes.distributed", nil)
	cs.logger.Info("Envelope distributed", zap.String("envelope_id", envelopeID))
	return cs.GetEnvelope(ctx, envelopeID)
}

func (cs *CompletionService) GetEnvelope(ctx context.Context, id string) (*models.Envelope, error) {
	var env models.Envelope
	err := cs.db.WithContext(ctx).
		Preload("Signers", func(db *gorm.DB) *gorm.DB { return db.Order("signing_order ASC") }).
		Preload("Fields", func(db *gorm.DB) *gorm.DB { return db.Order("page ASC, id ASC") }).
		First(&env, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// SigningView is what a signer sees behind their link.
type SigningView struct {
	EnvelopeID   string
	EnvelopeName string
	DocumentURL  string
	Signer       models.Signer
	Fields       []models.Field
}

func (cs *CompletionService) SigningView(ctx context.Context, token string) (*SigningView, error) {
	signer, env, err := cs.resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if env.Status != models.EnvelopeCompleted && !cs.openForSigning(env) {
		return nil, ErrSignerNotFound
	}

	var fields []models.Field
	if err := cs.db.WithContext(ctx).
		Where("signer_id = ?", signer.ID).
		Order("page ASC, id ASC").
		Find(&fields).Error; err != nil {
		return nil, fmt.Errorf("failed to load fields: %w", err)
	}

	docURL := env.SourceRef
	if env.Status == models.EnvelopeCompleted && env.FinalRef != "" {
		docURL = env.FinalRef
	}
	return &SigningView{
		EnvelopeID:   env.ID,
		EnvelopeName: env.Name,
		DocumentURL:  docURL,
		Signer:       *signer,
		Fields:       fields,
	}, nil
}

// EnvelopeByFinalHash finds the completed envelope whose final document has
// the given content hash.
func (cs *CompletionService) EnvelopeByFinalHash(ctx context.Context, hash string) (*models.Envelope, error) {
	if hash == "" {
		return nil, ErrEnvelopeNotFound
	}
	var env models.Envelope
	err := cs.db.WithContext(ctx).
		Where("final_hash = ? AND status = ?", hash, models.EnvelopeCompleted).
		First(&env).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}
