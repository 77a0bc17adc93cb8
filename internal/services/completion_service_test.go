package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signflow/signflow/internal/db/models"
	"github.com/signflow/signflow/internal/test"
	"github.com/signflow/signflow/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type completionFixture struct {
	db        *gorm.DB
	svc       *CompletionService
	artifacts *ArtifactService
	docs      *DocumentService
	notifier  *fakeNotifier
	metrics   *metrics.MetricsCollector
}

func newCompletionFixture(t *testing.T, wrap func(Sealer) Sealer) *completionFixture {
	t.Helper()

	db := test.NewTestDatabase(t)
	collector := metrics.NewMetricsCollector()
	logger := zap.NewNop()

	artifacts := NewArtifactService(db, "https://signflow.test", logger, collector)
	docs := NewDocumentService(staticCredentials{material: testMaterial(t)}, testSigningConfig(), logger, collector)
	notifier := newFakeNotifier()
	notifications := NewNotificationService(db, notifier, notificationConfig(), logger, collector)

	var sealer Sealer = docs
	if wrap != nil {
		sealer = wrap(docs)
	}
	svc := NewCompletionService(db, artifacts, sealer, notifications, testSigningConfig(), logger, collector)
	t.Cleanup(svc.Wait)

	return &completionFixture{db: db, svc: svc, artifacts: artifacts, docs: docs, notifier: notifier, metrics: collector}
}

// twoSignerEnvelope creates and distributes the envelope used by most tests:
// Alice owns a required text field, Bob a required checkbox.
func (f *completionFixture) twoSignerEnvelope(t *testing.T, document []byte) (*models.Envelope, map[string]string, map[string]string) {
	t.Helper()
	ctx := context.Background()

	env, err := f.svc.CreateEnvelope(ctx, EnvelopeDraft{
		Name:       "Lease agreement",
		OwnerEmail: "owner@example.com",
		OwnerName:  "Olivia Owner",
		Document:   document,
		Signers: []SignerDraft{
			{Email: "alice@example.com", Name: "Alice", Fields: []FieldDraft{{Type: models.FieldText, Required: true}}},
			{Email: "bob@example.com", Name: "Bob", Fields: []FieldDraft{{Type: models.FieldCheckbox, Required: true}}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, models.EnvelopeDraft, env.Status)

	env, err = f.svc.Distribute(ctx, env.ID)
	require.NoError(t, err)
	require.Equal(t, models.EnvelopePending, env.Status)

	tokens := map[string]string{}
	fieldIDs := map[string]string{}
	for _, s := range env.Signers {
		require.NotNil(t, s.Token)
		tokens[s.Name] = *s.Token
	}
	for _, fld := range env.Fields {
		for _, s := range env.Signers {
			if s.ID == fld.SignerID {
				fieldIDs[s.Name] = fld.ID
			}
		}
	}
	return env, tokens, fieldIDs
}

func (f *completionFixture) envelope(t *testing.T, id string) *models.Envelope {
	t.Helper()
	env, err := f.svc.GetEnvelope(context.Background(), id)
	require.NoError(t, err)
	return env
}

func (f *completionFixture) issues(t *testing.T, envelopeID string) []models.PipelineIssue {
	t.Helper()
	var issues []models.PipelineIssue
	require.NoError(t, f.db.Where("envelope_id = ?", envelopeID).Order("id").Find(&issues).Error)
	return issues
}

var testMeta = RequestMeta{IPAddress: "203.0.113.7", UserAgent: "Mozilla/5.0"}

func TestCompleteSigning_TwoSignerScenario(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()
	env, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "Lease agreement"))

	first, err := f.svc.CompleteSigning(ctx, tokens["Alice"], map[string]string{fields["Alice"]: "Alice"}, testMeta)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.AllCompleted)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, first.Commitment)
	assert.Equal(t, models.EnvelopePending, f.envelope(t, env.ID).Status)

	second, err := f.svc.CompleteSigning(ctx, tokens["Bob"], map[string]string{fields["Bob"]: "true"}, testMeta)
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.AllCompleted)
	assert.NotEqual(t, first.Commitment, second.Commitment)

	f.svc.Wait()
	done := f.envelope(t, env.ID)
	assert.Equal(t, models.EnvelopeCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, models.ModeCryptographic, done.SignatureMode)
	assert.NotEmpty(t, done.FinalHash)
	assert.NotEqual(t, done.SourceRef, done.FinalRef)
	assert.NotEmpty(t, done.AuditTrailRef)
	assert.Empty(t, f.issues(t, env.ID))

	final, err := f.artifacts.Get(ctx, ArtifactID(done.FinalRef))
	require.NoError(t, err)
	assert.Equal(t, done.FinalHash, final.ContentHash)
	v, err := f.docs.VerifyDocument(final.Content)
	require.NoError(t, err)
	assert.True(t, v.HasSignature)
	assert.True(t, v.Intact)
	assert.Equal(t, "Alice, Bob", v.SignerName)

	var events []models.SignatureEvent
	require.NoError(t, f.db.Where("envelope_id = ?", env.ID).Order("id").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, first.Commitment, events[0].Commitment)
	assert.Equal(t, second.Commitment, events[1].Commitment)
	assert.Equal(t, env.SourceHash, events[0].DocumentHash)

	for _, s := range done.Signers {
		assert.Equal(t, models.SignerSigned, s.Status)
		assert.Equal(t, "203.0.113.7", s.IPAddress)
		assert.Equal(t, "Mozilla/5.0", s.UserAgent)
	}
	assert.Equal(t, []string{"owner@example.com", "alice@example.com", "bob@example.com"}, f.notifier.recipients())
	for _, s := range f.notifier.sent {
		assert.Len(t, s.msg.Attachments, 2)
	}
}

func TestCompleteSigning_CommitmentMatchesInputs(t *testing.T) {
	f := newCompletionFixture(t, nil)
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }
	env, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	res, err := f.svc.CompleteSigning(context.Background(), tokens["Alice"], map[string]string{fields["Alice"]: "Alice"}, testMeta)
	require.NoError(t, err)

	alice := f.envelope(t, env.ID).Signers[0]
	want := DeriveSignatureCommitment(SignatureEventInput{
		DocumentHash: env.SourceHash,
		SignerID:     alice.ID,
		SignerEmail:  "alice@example.com",
		SignedAt:     fixed,
		IPAddress:    testMeta.IPAddress,
		UserAgent:    testMeta.UserAgent,
	})
	assert.Equal(t, want, res.Commitment)
	assert.Equal(t, want, alice.Commitment)
}

func TestCompleteSigning_StoredRowsReproduceCommitment(t *testing.T) {
	f := newCompletionFixture(t, nil)
	clock := time.Date(2026, 5, 1, 9, 30, 0, 123456789, time.UTC)
	f.svc.now = func() time.Time { return clock }
	_, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	res, err := f.svc.CompleteSigning(context.Background(), tokens["Alice"], map[string]string{fields["Alice"]: "Alice"}, testMeta)
	require.NoError(t, err)

	var event models.SignatureEvent
	require.NoError(t, f.db.Where("commitment = ?", res.Commitment).First(&event).Error)
	assert.True(t, event.SignedAt.Equal(clock.Truncate(time.Microsecond)))

	fromEvent := DeriveSignatureCommitment(SignatureEventInput{
		DocumentHash: event.DocumentHash,
		SignerID:     event.SignerID,
		SignerEmail:  event.SignerEmail,
		SignedAt:     event.SignedAt,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
	})
	assert.Equal(t, event.Commitment, fromEvent)

	var signer models.Signer
	require.NoError(t, f.db.First(&signer, "id = ?", event.SignerID).Error)
	require.NotNil(t, signer.SignedAt)
	fromSigner := DeriveSignatureCommitment(SignatureEventInput{
		DocumentHash: event.DocumentHash,
		SignerID:     signer.ID,
		SignerEmail:  signer.Email,
		SignedAt:     *signer.SignedAt,
		IPAddress:    signer.IPAddress,
		UserAgent:    signer.UserAgent,
	})
	assert.Equal(t, signer.Commitment, fromSigner)

	// a value hashed at nanosecond precision could not be rebuilt from a
	// microsecond column
	raw := DeriveSignatureCommitment(SignatureEventInput{
		DocumentHash: event.DocumentHash,
		SignerID:     event.SignerID,
		SignerEmail:  event.SignerEmail,
		SignedAt:     clock,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
	})
	assert.NotEqual(t, raw, res.Commitment)
}

func TestCompleteSigning_DoubleSignRejected(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()
	env, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	_, err := f.svc.CompleteSigning(ctx, tokens["Alice"], map[string]string{fields["Alice"]: "Alice"}, testMeta)
	require.NoError(t, err)

	_, err = f.svc.CompleteSigning(ctx, tokens["Alice"], map[string]string{fields["Alice"]: "Mallory"}, testMeta)
	assert.ErrorIs(t, err, ErrAlreadySigned)

	for _, fld := range f.envelope(t, env.ID).Fields {
		if fld.ID == fields["Alice"] {
			assert.Equal(t, "Alice", fld.Value)
			assert.NotNil(t, fld.FilledAt)
		}
	}
}

func TestCompleteSigning_ConcurrentSameToken(t *testing.T) {
	f := newCompletionFixture(t, nil)
	_, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	const n = 5
	var wg sync.WaitGroup
	var successes, rejected atomic.Int32
	startGate := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-startGate
			_, err := f.svc.CompleteSigning(context.Background(), tokens["Alice"], map[string]string{fields["Alice"]: "Alice"}, testMeta)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrAlreadySigned):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(startGate)
	wg.Wait()

	assert.EqualValues(t, 1, successes.Load())
	assert.EqualValues(t, n-1, rejected.Load())
}

func TestCompleteSigning_Validation(t *testing.T) {
	f := newCompletionFixture(t, nil)
	_, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	tests := []struct {
		name   string
		token  string
		values map[string]string
	}{
		{"missing text", tokens["Alice"], map[string]string{}},
		{"blank text", tokens["Alice"], map[string]string{fields["Alice"]: "   "}},
		{"checkbox not affirmative", tokens["Bob"], map[string]string{fields["Bob"]: "yes"}},
		{"value for another signer's field", tokens["Bob"], map[string]string{fields["Alice"]: "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CompleteSigning(context.Background(), tt.token, tt.values, testMeta)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Len(t, verr.UnfilledFieldIDs, 1)
		})
	}

	var signed int64
	require.NoError(t, f.db.Model(&models.Signer{}).Where("status = ?", models.SignerSigned).Count(&signed).Error)
	assert.Zero(t, signed)
}

func TestCompleteSigning_NotFound(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CompleteSigning(ctx, "", nil, testMeta)
	assert.ErrorIs(t, err, ErrSignerNotFound)
	_, err = f.svc.CompleteSigning(ctx, "no-such-token", nil, testMeta)
	assert.ErrorIs(t, err, ErrSignerNotFound)

	past := time.Now().Add(-time.Hour)
	env, err := f.svc.CreateEnvelope(ctx, EnvelopeDraft{
		Name:       "Overdue",
		OwnerEmail: "owner@example.com",
		Document:   samplePDF(t, "x"),
		DueAt:      &past,
		Signers:    []SignerDraft{{Email: "alice@example.com", Name: "Alice"}},
	})
	require.NoError(t, err)
	env, err = f.svc.Distribute(ctx, env.ID)
	require.NoError(t, err)

	_, err = f.svc.CompleteSigning(ctx, *env.Signers[0].Token, nil, testMeta)
	assert.ErrorIs(t, err, ErrSignerNotFound)
	_, err = f.svc.SigningView(ctx, *env.Signers[0].Token)
	assert.ErrorIs(t, err, ErrSignerNotFound)
}

func TestCompleteSigning_EmbeddingFailureStillCompletes(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()
	env, tokens, fields := f.twoSignerEnvelope(t, []byte("this is not a pdf"))

	_, err := f.svc.CompleteSigning(ctx, tokens["Alice"], map[string]string{fields["Alice"]: "Alice"}, testMeta)
	require.NoError(t, err)
	res, err := f.svc.CompleteSigning(ctx, tokens["Bob"], map[string]string{fields["Bob"]: "true"}, testMeta)
	require.NoError(t, err)
	assert.True(t, res.AllCompleted)

	done := f.envelope(t, env.ID)
	assert.Equal(t, models.EnvelopeCompleted, done.Status)
	assert.Equal(t, models.ModeVisualStamp, done.SignatureMode)
	assert.NotEqual(t, done.SourceRef, done.FinalRef)
	assert.NotEmpty(t, done.AuditTrailRef)

	stamp, err := f.artifacts.Get(ctx, ArtifactID(done.FinalRef))
	require.NoError(t, err)
	assert.Equal(t, done.FinalHash, stamp.ContentHash)

	issues := f.issues(t, env.ID)
	require.Len(t, issues, 1)
	assert.Equal(t, models.StageEmbedding, issues[0].Stage)
	assert.EqualValues(t, 1, f.metrics.Counter("pipeline.issues", map[string]string{"stage": "embedding"}))
}

type brokenSealer struct {
	Sealer
	sealErr  error
	auditErr error
}

func (b brokenSealer) SealDocument(ctx context.Context, env *models.Envelope, signers []models.Signer, src []byte) (SealOutcome, error) {
	if b.sealErr != nil {
		return nil, b.sealErr
	}
	return b.Sealer.SealDocument(ctx, env, signers, src)
}

func (b brokenSealer) BuildAuditTrail(ctx context.Context, env *models.Envelope, signers []models.Signer, finalHash string, mode models.SignatureMode) ([]byte, error) {
	if b.auditErr != nil {
		return nil, b.auditErr
	}
	return b.Sealer.BuildAuditTrail(ctx, env, signers, finalHash, mode)
}

func TestCompleteSigning_DegradedCompletion(t *testing.T) {
	f := newCompletionFixture(t, func(s Sealer) Sealer {
		return brokenSealer{Sealer: s, sealErr: errors.New("renderer down"), auditErr: errors.New("font missing")}
	})
	ctx := context.Background()
	env, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	_, err := f.svc.CompleteSigning(ctx, tokens["Alice"], map[string]string{fields["Alice"]: "Alice"}, testMeta)
	require.NoError(t, err)
	res, err := f.svc.CompleteSigning(ctx, tokens["Bob"], map[string]string{fields["Bob"]: "true"}, testMeta)
	require.NoError(t, err)
	assert.True(t, res.AllCompleted)

	done := f.envelope(t, env.ID)
	assert.Equal(t, models.EnvelopeCompleted, done.Status)
	assert.Equal(t, done.SourceRef, done.FinalRef)
	assert.Equal(t, done.SourceHash, done.FinalHash)
	assert.Equal(t, models.ModeNone, done.SignatureMode)
	assert.Empty(t, done.AuditTrailRef)

	issues := f.issues(t, env.ID)
	require.Len(t, issues, 2)
	assert.Equal(t, models.StageEmbedding, issues[0].Stage)
	assert.Equal(t, "renderer down", issues[0].Detail)
	assert.Equal(t, models.StageAuditTrail, issues[1].Stage)

	f.svc.Wait()
	assert.Len(t, f.notifier.recipients(), 3)
	for _, s := range f.notifier.sent {
		assert.Empty(t, s.msg.Attachments)
	}
}

func TestCompleteSigning_NotificationFailureDoesNotAffectState(t *testing.T) {
	f := newCompletionFixture(t, nil)
	f.notifier.fail["owner@example.com"] = errors.New("relay refused")
	f.notifier.fail["alice@example.com"] = errors.New("relay refused")
	ctx := context.Background()
	env, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	_, err := f.svc.CompleteSigning(ctx, tokens["Alice"], map[string]string{fields["Alice"]: "Alice"}, testMeta)
	require.NoError(t, err)
	res, err := f.svc.CompleteSigning(ctx, tokens["Bob"], map[string]string{fields["Bob"]: "true"}, testMeta)
	require.NoError(t, err)
	assert.True(t, res.AllCompleted)

	f.svc.Wait()
	assert.Equal(t, models.EnvelopeCompleted, f.envelope(t, env.ID).Status)
	assert.Equal(t, []string{"bob@example.com"}, f.notifier.recipients())
	assert.Len(t, f.issues(t, env.ID), 2)
}

type countingSealer struct {
	Sealer
	seals atomic.Int32
}

func (c *countingSealer) SealDocument(ctx context.Context, env *models.Envelope, signers []models.Signer, src []byte) (SealOutcome, error) {
	c.seals.Add(1)
	return c.Sealer.SealDocument(ctx, env, signers, src)
}

func TestCompleteSigning_ConcurrentFinalSigners(t *testing.T) {
	counter := &countingSealer{}
	f := newCompletionFixture(t, func(s Sealer) Sealer {
		counter.Sealer = s
		return counter
	})
	ctx := context.Background()

	const n = 6
	draft := EnvelopeDraft{Name: "Board resolution", OwnerEmail: "owner@example.com", Document: samplePDF(t, "Resolution")}
	for i := 0; i < n; i++ {
		draft.Signers = append(draft.Signers, SignerDraft{
			Email:  string(rune('a'+i)) + "@example.com",
			Name:   "Director " + string(rune('A'+i)),
			Fields: []FieldDraft{{Type: models.FieldSignature, Required: true}},
		})
	}
	env, err := f.svc.CreateEnvelope(ctx, draft)
	require.NoError(t, err)
	env, err = f.svc.Distribute(ctx, env.ID)
	require.NoError(t, err)

	fieldOf := map[string]string{}
	for _, fld := range env.Fields {
		fieldOf[fld.SignerID] = fld.ID
	}

	results := make([]*CompletionResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	startGate := make(chan struct{})
	for i, s := range env.Signers {
		wg.Add(1)
		go func(i int, s models.Signer) {
			defer wg.Done()
			<-startGate
			results[i], errs[i] = f.svc.CompleteSigning(ctx, *s.Token, map[string]string{fieldOf[s.ID]: "signed"}, testMeta)
		}(i, s)
	}
	close(startGate)
	wg.Wait()

	completed := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Success)
		if results[i].AllCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.EqualValues(t, 1, counter.seals.Load())
	assert.EqualValues(t, 1, f.metrics.Counter("envelopes.completed", map[string]string{"mode": "cryptographic"}))
	assert.Equal(t, models.EnvelopeCompleted, f.envelope(t, env.ID).Status)
}

func TestDecline(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()
	env, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	require.NoError(t, f.svc.Decline(ctx, tokens["Bob"], "  wrong rent  ", testMeta))
	assert.ErrorIs(t, f.svc.Decline(ctx, tokens["Bob"], "again", testMeta), ErrSignerDeclined)

	_, err := f.svc.CompleteSigning(ctx, tokens["Bob"], map[string]string{fields["Bob"]: "true"}, testMeta)
	assert.ErrorIs(t, err, ErrSignerDeclined)

	res, err := f.svc.CompleteSigning(ctx, tokens["Alice"], map[string]string{fields["Alice"]: "Alice"}, testMeta)
	require.NoError(t, err)
	assert.False(t, res.AllCompleted)

	current := f.envelope(t, env.ID)
	assert.Equal(t, models.EnvelopePending, current.Status)
	assert.Equal(t, "wrong rent", current.Signers[1].DeclineReason)
	assert.ErrorIs(t, f.svc.Decline(ctx, tokens["Alice"], "", testMeta), ErrAlreadySigned)
}

func TestExpireOverdue(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()

	due := time.Now().Add(time.Hour)
	mk := func(name string) *models.Envelope {
		env, err := f.svc.CreateEnvelope(ctx, EnvelopeDraft{
			Name:       name,
			OwnerEmail: "owner@example.com",
			Document:   samplePDF(t, name),
			DueAt:      &due,
			Signers:    []SignerDraft{{Email: "alice@example.com", Name: "Alice"}},
		})
		require.NoError(t, err)
		env, err = f.svc.Distribute(ctx, env.ID)
		require.NoError(t, err)
		return env
	}
	outstanding := mk("outstanding")
	signed := mk("signed")
	_, err := f.svc.CompleteSigning(ctx, *signed.Signers[0].Token, nil, testMeta)
	require.NoError(t, err)

	n, err := f.svc.ExpireOverdue(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.svc.ExpireOverdue(ctx, due.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, models.EnvelopeExpired, f.envelope(t, outstanding.ID).Status)
	assert.Equal(t, models.EnvelopeCompleted, f.envelope(t, signed.ID).Status)

	_, err = f.svc.CompleteSigning(ctx, *outstanding.Signers[0].Token, nil, testMeta)
	assert.ErrorIs(t, err, ErrSignerNotFound)
}

func TestRecoverStalled(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()
	env, _, _ := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	claimed := time.Now().UTC()
	require.NoError(t, f.db.Model(&models.Signer{}).Where("envelope_id = ?", env.ID).
		Update("status", models.SignerSigned).Error)
	require.NoError(t, f.db.Model(&models.Envelope{}).Where("id = ?", env.ID).
		Update("completion_claimed_at", claimed).Error)

	n, err := f.svc.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh claim must be left alone")

	f.svc.now = func() time.Time { return claimed.Add(testSigningConfig().ClaimTTL + time.Second) }
	n, err = f.svc.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.EnvelopeCompleted, f.envelope(t, env.ID).Status)

	n, err = f.svc.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecoverStalled_LeavesFreshUnclaimedEnvelope(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()
	env, _, _ := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	// the last signer committed but has not claimed yet
	signedAt := time.Now().UTC()
	require.NoError(t, f.db.Model(&models.Signer{}).Where("envelope_id = ?", env.ID).
		Updates(map[string]interface{}{"status": models.SignerSigned, "signed_at": signedAt}).Error)

	f.svc.now = func() time.Time { return signedAt.Add(time.Second) }
	n, err := f.svc.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	pending := f.envelope(t, env.ID)
	assert.Equal(t, models.EnvelopePending, pending.Status)
	assert.Nil(t, pending.CompletionClaimedAt)

	// the signer's request still wins the claim
	assert.True(t, f.svc.completeIfReady(ctx, env.ID))

	other, _, _ := f.twoSignerEnvelope(t, samplePDF(t, "y"))
	require.NoError(t, f.db.Model(&models.Signer{}).Where("envelope_id = ?", other.ID).
		Updates(map[string]interface{}{"status": models.SignerSigned, "signed_at": signedAt}).Error)
	f.svc.now = func() time.Time { return signedAt.Add(testSigningConfig().ClaimTTL + time.Second) }
	n, err = f.svc.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.EnvelopeCompleted, f.envelope(t, other.ID).Status)
}

func TestCreateEnvelope_Validation(t *testing.T) {
	f := newCompletionFixture(t, nil)
	valid := EnvelopeDraft{
		Name:       "Lease",
		OwnerEmail: "owner@example.com",
		Document:   []byte("%PDF-1.4"),
		Signers:    []SignerDraft{{Email: "a@example.com", Name: "A"}},
	}

	tests := []struct {
		name   string
		mutate func(*EnvelopeDraft)
	}{
		{"no name", func(d *EnvelopeDraft) { d.Name = "" }},
		{"no owner", func(d *EnvelopeDraft) { d.OwnerEmail = " " }},
		{"no document", func(d *EnvelopeDraft) { d.Document = nil }},
		{"no signers", func(d *EnvelopeDraft) { d.Signers = nil }},
		{"signer without email", func(d *EnvelopeDraft) { d.Signers = []SignerDraft{{Name: "A"}} }},
		{"unknown field type", func(d *EnvelopeDraft) {
			d.Signers = []SignerDraft{{Email: "a@example.com", Name: "A", Fields: []FieldDraft{{Type: "stamp"}}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			_, err := f.svc.CreateEnvelope(context.Background(), d)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestDistribute(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Distribute(ctx, "missing")
	assert.ErrorIs(t, err, ErrEnvelopeNotFound)

	env, _, _ := f.twoSignerEnvelope(t, samplePDF(t, "x"))
	_, err = f.svc.Distribute(ctx, env.ID)
	assert.ErrorIs(t, err, ErrEnvelopeNotDraft)

	tokens := map[string]bool{}
	for _, s := range f.envelope(t, env.ID).Signers {
		tokens[*s.Token] = true
	}
	assert.Len(t, tokens, 2)
}

func TestSigningView(t *testing.T) {
	f := newCompletionFixture(t, nil)
	ctx := context.Background()
	env, tokens, fields := f.twoSignerEnvelope(t, samplePDF(t, "x"))

	view, err := f.svc.SigningView(ctx, tokens["Bob"])
	require.NoError(t, err)
	assert.Equal(t, env.ID, view.EnvelopeID)
	assert.Equal(t, "Lease agreement", view.EnvelopeName)
	assert.Equal(t, "Bob", view.Signer.Name)
	require.Len(t, view.Fields, 1)
	assert.Equal(t, fields["Bob"], view.Fields[0].ID)
	assert.Equal(t, env.SourceRef, view.DocumentURL)
}
