package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/signflow/signflow/internal/config"
	"github.com/signflow/signflow/internal/db/models"
	"github.com/signflow/signflow/internal/pdfsig"
	"github.com/signflow/signflow/pkg/metrics"
	"go.uber.org/zap"
)

// CredentialSource hands out the signing material.
type CredentialSource interface {
	Materialize(ctx context.Context) (*Material, error)
}

// SealOutcome is the final document produced for a completed envelope.
// It is either a *CryptographicSeal or a *VisualStamp.
type SealOutcome interface {
	Artifact() []byte
	ContentHash() string
	Mode() models.SignatureMode
}

// CryptographicSeal is the source document with an embedded detached CMS
// signature.
type CryptographicSeal struct {
	Content     []byte
	Hash        string
	SignerName  string
	Fingerprint string
}

func (s *CryptographicSeal) Artifact() []byte           { return s.Content }
func (s *CryptographicSeal) ContentHash() string        { return s.Hash }
func (s *CryptographicSeal) Mode() models.SignatureMode { return models.ModeCryptographic }

// VisualStamp is a human-readable signature page produced when the source
// could not be signed. Cause holds the signing failure.
type VisualStamp struct {
	Content []byte
	Hash    string
	Cause   error
}

func (s *VisualStamp) Artifact() []byte           { return s.Content }
func (s *VisualStamp) ContentHash() string        { return s.Hash }
func (s *VisualStamp) Mode() models.SignatureMode { return models.ModeVisualStamp }

type DocumentService struct {
	credentials CredentialSource
	cfg         config.SigningConfig
	logger      *zap.Logger
	metrics     *metrics.MetricsCollector
	now         func() time.Time
}

func NewDocumentService(credentials CredentialSource, cfg config.SigningConfig, logger *zap.Logger, metrics *metrics.MetricsCollector) *DocumentService {
	return &DocumentService{
		credentials: credentials,
		cfg:         cfg,
		logger:      logger.With(zap.String("service", "document_service")),
		metrics:     metrics,
		now:         time.Now,
	}
}

// SealDocument signs src on behalf of the envelope's signers. Any failure to
// sign falls back to a visual stamp; an error is returned only when neither
// could be produced.
func (ds *DocumentService) SealDocument(ctx context.Context, env *models.Envelope, signers []models.Signer, src []byte) (SealOutcome, error) {
	start := time.Now()

	seal, err := ds.sign(ctx, signers, src)
	if err == nil {
		ds.metrics.IncrementCounter("documents.sealed", map[string]string{"mode": string(models.ModeCryptographic)})
		ds.metrics.ObserveLatency("document_seal", time.Since(start))
		return seal, nil
	}

	ds.logger.Warn("Cryptographic seal failed, falling back to visual stamp",
		zap.String("envelope_id", env.ID), zap.Error(err))

	stamp, stampErr := ds.visualStamp(env, signers)
	if stampErr != nil {
		ds.metrics.IncrementCounter("documents.seal_failed", nil)
		return nil, fmt.Errorf("visual stamp after %v: %w", err, stampErr)
	}
	ds.metrics.IncrementCounter("documents.sealed", map[string]string{"mode": string(models.ModeVisualStamp)})
	ds.metrics.ObserveLatency("document_seal", time.Since(start))
	return &VisualStamp{Content: stamp, Hash: ContentHash(stamp), Cause: err}, nil
}

func (ds *DocumentService) sign(ctx context.Context, signers []models.Signer, src []byte) (*CryptographicSeal, error) {
	material, err := ds.credentials.Materialize(ctx)
	if err != nil {
		return nil, err
	}

	name := signerNames(signers)
	out, err := pdfsig.Sign(src, pdfsig.SignOptions{
		Name:            name,
		Reason:          ds.cfg.Reason,
		Location:        ds.cfg.Location,
		ContactInfo:     ds.cfg.ContactInfo,
		SigningTime:     ds.now(),
		PlaceholderSize: ds.cfg.PlaceholderSize,
	}, material.ContentSigner())
	if err != nil {
		return nil, err
	}

	return &CryptographicSeal{
		Content:     out,
		Hash:        ContentHash(out),
		SignerName:  name,
		Fingerprint: material.Fingerprint(),
	}, nil
}

func (ds *DocumentService) visualStamp(env *models.Envelope, signers []models.Signer) ([]byte, error) {
	pdf, tr := ds.newReport("Signature certificate: " + env.Name)

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 12, tr("Signature certificate"), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.MultiCell(0, 6, tr(fmt.Sprintf("Document: %s", env.Name)), "", "L", false)
	pdf.MultiCell(0, 6, tr(fmt.Sprintf("Envelope: %s", env.ID)), "", "L", false)
	pdf.MultiCell(0, 6, tr(fmt.Sprintf("Source hash: %s", env.SourceHash)), "", "L", false)
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, tr("Signed by"), "B", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	for _, s := range signers {
		line := fmt.Sprintf("%s <%s>  %s", s.Name, s.Email, formatStamp(s.SignedAt))
		pdf.MultiCell(0, 7, tr(line), "", "L", false)
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, tr("This page records the signatures above. It carries no embedded digital signature."), "", "L", false)
	if ds.cfg.VerifyURL != "" {
		pdf.MultiCell(0, 5, tr("Verify at "+ds.cfg.VerifyURL), "", "L", false)
	}

	return output(pdf)
}

// BuildAuditTrail renders the per-signer record of an envelope.
func (ds *DocumentService) BuildAuditTrail(ctx context.Context, env *models.Envelope, signers []models.Signer, finalHash string, mode models.SignatureMode) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdf, tr := ds.newReport("Audit trail: " + env.Name)

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, tr("Audit trail"), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	for _, kv := range [][2]string{
		{"Document", env.Name},
		{"Envelope", env.ID},
		{"Source hash", env.SourceHash},
		{"Final hash", finalHash},
		{"Seal", string(mode)},
		{"Generated", formatStamp(ptr(ds.now()))},
	} {
		pdf.CellFormat(30, 6, tr(kv[0]), "", 0, "L", false, 0, "")
		pdf.MultiCell(0, 6, tr(kv[1]), "", "L", false)
	}

	for i, s := range signers {
		pdf.Ln(3)
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(0, 7, tr(fmt.Sprintf("Signer %d: %s", i+1, s.Name)), "B", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		for _, kv := range [][2]string{
			{"Email", s.Email},
			{"Status", string(s.Status)},
			{"Signed at", formatStamp(s.SignedAt)},
			{"IP address", s.IPAddress},
			{"User agent", s.UserAgent},
			{"Commitment", s.Commitment},
		} {
			pdf.CellFormat(30, 5, tr(kv[0]), "", 0, "L", false, 0, "")
			pdf.MultiCell(0, 5, tr(kv[1]), "", "L", false)
		}
	}

	out, err := output(pdf)
	if err != nil {
		ds.metrics.IncrementCounter("audit_trail.failed", nil)
		return nil, err
	}
	ds.metrics.IncrementCounter("audit_trail.built", nil)
	return out, nil
}

// VerifyDocument inspects the last embedded signature in data.
func (ds *DocumentService) VerifyDocument(data []byte) (*pdfsig.Verification, error) {
	v, err := pdfsig.Verify(data)
	if err != nil {
		return nil, err
	}
	ds.metrics.IncrementCounter("documents.verified", map[string]string{"signed": fmt.Sprint(v.HasSignature)})
	return v, nil
}

func (ds *DocumentService) newReport(title string) (*fpdf.Fpdf, func(string) string) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetCreator(ds.cfg.Organization, true)
	pdf.SetCreationDate(ds.now())
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()
	return pdf, pdf.UnicodeTranslatorFromDescriptor("")
}

func output(pdf *fpdf.Fpdf) ([]byte, error) {
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func signerNames(signers []models.Signer) string {
	names := make([]string, 0, len(signers))
	for _, s := range signers {
		names = append(names, s.Name)
	}
	return strings.Join(names, ", ")
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

func ptr[T any](v T) *T { return &v }
