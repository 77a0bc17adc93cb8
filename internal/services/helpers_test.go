package services

import (
	"bytes"
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"sync"
	"testing"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/require"
)

var (
	materialOnce sync.Once
	material     *Material
	materialErr  error
)

// testMaterial is a self-signed credential shared by the package tests.
func testMaterial(t *testing.T) *Material {
	t.Helper()
	materialOnce.Do(func() {
		cs := &CertificateService{cfg: testSigningConfig()}
		key, cert, err := cs.newCertificate(&x509.Certificate{
			Subject:               pkix.Name{CommonName: "Signflow Test Signing"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
			BasicConstraintsValid: true,
		}, nil, nil)
		material, materialErr = &Material{Certificate: cert, Key: key}, err
	})
	require.NoError(t, materialErr)
	return material
}

type staticCredentials struct {
	material *Material
	err      error
}

func (s staticCredentials) Materialize(context.Context) (*Material, error) {
	return s.material, s.err
}

func samplePDF(t *testing.T, text string) []byte {
	t.Helper()

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 12)
	pdf.Cell(40, 10, text)

	var buf bytes.Buffer
	require.NoError(t, pdf.Output(&buf))
	return buf.Bytes()
}
