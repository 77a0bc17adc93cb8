package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/signflow/signflow/internal/config"
	"github.com/signflow/signflow/internal/db/models"
	"github.com/signflow/signflow/internal/pdfsig"
	"github.com/signflow/signflow/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"software.sslmate.com/src/go-pkcs12"
)

var (
	ErrCredentialUnavailable = errors.New("signing credential unavailable")
)

// Material is the signing key with its leaf certificate and issuing chain.
// It is read-only once built.
type Material struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Key         *rsa.PrivateKey
	Container   []byte
}

func (m *Material) ContentSigner() pdfsig.ContentSigner {
	return &pdfsig.CMSSigner{Certificate: m.Certificate, Key: m.Key, Chain: m.Chain}
}

func (m *Material) Fingerprint() string {
	sum := sha256.Sum256(m.Certificate.Raw)
	return hex.EncodeToString(sum[:])
}

// CertificateService is the only owner of signing key material. The first
// Materialize call builds or loads it; concurrent callers share that one
// construction.
type CertificateService struct {
	db      *gorm.DB
	cfg     config.SigningConfig
	logger  *zap.Logger
	metrics *metrics.MetricsCollector
	now     func() time.Time

	group    singleflight.Group
	mu       sync.RWMutex
	material *Material
}

func NewCertificateService(db *gorm.DB, cfg config.SigningConfig, logger *zap.Logger, metrics *metrics.MetricsCollector) *CertificateService {
	if cfg.KeyBits < 2048 {
		cfg.KeyBits = 2048
	}
	if cfg.Validity <= 0 {
		cfg.Validity = 10 * 365 * 24 * time.Hour
	}
	return &CertificateService{
		db:      db,
		cfg:     cfg,
		logger:  logger.With(zap.String("service", "certificate_service")),
		metrics: metrics,
		now:     time.Now,
	}
}

func (cs *CertificateService) cached() *Material {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.material
}

// Materialize returns the process-wide signing material. Failures are not
// cached; the next call tries again.
func (cs *CertificateService) Materialize(ctx context.Context) (*Material, error) {
	if m := cs.cached(); m != nil {
		return m, nil
	}

	ctx = context.WithoutCancel(ctx)
	v, err, _ := cs.group.Do("material", func() (interface{}, error) {
		if m := cs.cached(); m != nil {
			return m, nil
		}

		m, err := cs.loadStored(ctx)
		if err != nil {
			return nil, err
		}
		if m == nil {
			if m, err = cs.issue(ctx); err != nil {
				cs.metrics.IncrementCounter("certificate.issue_failed", nil)
				return nil, err
			}
		}

		cs.mu.Lock()
		cs.material = m
		cs.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	return v.(*Material), nil
}

func (cs *CertificateService) loadStored(ctx context.Context) (*Material, error) {
	var cred models.SigningCredential
	err := cs.db.WithContext(ctx).
		Where("status = ?", models.CredentialActive).
		Order("id DESC").
		First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signing credential: %w", err)
	}

	key, cert, chain, err := pkcs12.DecodeChain(cred.Container, cs.cfg.ContainerPassword)
	if err != nil {
		cs.logger.Warn("Stored signing credential unreadable, retiring it",
			zap.Uint("credential_id", cred.ID), zap.Error(err))
		cs.retire(ctx, cred.ID)
		return nil, nil
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		cs.retire(ctx, cred.ID)
		return nil, nil
	}
	if cs.now().After(cert.NotAfter) {
		cs.logger.Info("Stored signing credential expired, issuing a new one",
			zap.Uint("credential_id", cred.ID), zap.Time("not_after", cert.NotAfter))
		cs.retire(ctx, cred.ID)
		return nil, nil
	}

	cs.logger.Info("Loaded signing credential", zap.String("subject", cred.Subject), zap.String("fingerprint", cred.Fingerprint))
	return &Material{Certificate: cert, Chain: chain, Key: rsaKey, Container: cred.Container}, nil
}

func (cs *CertificateService) retire(ctx context.Context, id uint) {
	if err := cs.db.WithContext(ctx).Model(&models.SigningCredential{}).
		Where("id = ?", id).
		Update("status", models.CredentialRetired).Error; err != nil {
		cs.logger.Error("failed to retire signing credential", zap.Uint("credential_id", id), zap.Error(err))
	}
}

// issue builds root -> intermediate -> leaf and stores the PKCS#12
// container.
func (cs *CertificateService) issue(ctx context.Context) (*Material, error) {
	start := time.Now()
	now := cs.now()
	notBefore := now.Add(-time.Hour)
	notAfter := now.Add(cs.cfg.Validity)

	rootKey, root, err := cs.newCertificate(&x509.Certificate{
		Subject:               pkix.Name{CommonName: cs.cfg.Organization + " Root CA", Organization: []string{cs.cfg.Organization}},
		NotBefore:             notBefore,
		NotAfter:              notAfter.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("root certificate: %w", err)
	}

	intermediateKey, intermediate, err := cs.newCertificate(&x509.Certificate{
		Subject:               pkix.Name{CommonName: cs.cfg.Organization + " Intermediate CA", Organization: []string{cs.cfg.Organization}},
		NotBefore:             notBefore,
		NotAfter:              notAfter.Add(12 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}, root, rootKey)
	if err != nil {
		return nil, fmt.Errorf("intermediate certificate: %w", err)
	}

	leafKey, leaf, err := cs.newCertificate(&x509.Certificate{
		Subject:               pkix.Name{CommonName: cs.cfg.CommonName, Organization: []string{cs.cfg.Organization}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}, intermediate, intermediateKey)
	if err != nil {
		return nil, fmt.Errorf("leaf certificate: %w", err)
	}

	chain := []*x509.Certificate{intermediate, root}
	container, err := pkcs12.Modern.Encode(leafKey, leaf, chain, cs.cfg.ContainerPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential container: %w", err)
	}

	m := &Material{Certificate: leaf, Chain: chain, Key: leafKey, Container: container}
	cred := &models.SigningCredential{
		Subject:      leaf.Subject.String(),
		SerialNumber: leaf.SerialNumber.Text(16),
		Fingerprint:  m.Fingerprint(),
		NotAfter:     leaf.NotAfter,
		Container:    container,
		Status:       models.CredentialActive,
	}
	if err := cs.db.WithContext(ctx).Create(cred).Error; err != nil {
		// the material is still usable for this process lifetime
		cs.logger.Error("failed to persist signing credential", zap.Error(err))
	}

	cs.metrics.ObserveLatency("certificate.issue", time.Since(start))
	cs.logger.Info("Issued signing credential",
		zap.String("subject", cred.Subject),
		zap.String("serial", cred.SerialNumber),
		zap.Time("not_after", cred.NotAfter),
	)
	return m, nil
}

func (cs *CertificateService) newCertificate(tmpl, parent *x509.Certificate, parentKey *rsa.PrivateKey) (*rsa.PrivateKey, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, cs.cfg.KeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, nil, err
	}
	tmpl.SerialNumber = serial

	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}
