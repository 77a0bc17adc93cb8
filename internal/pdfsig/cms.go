package pdfsig

import (
	"crypto"
	"crypto/x509"
	"fmt"

	"go.mozilla.org/pkcs7"
)

// CMSSigner signs with a key whose certificate and issuing chain are
// embedded in every SignedData it produces.
type CMSSigner struct {
	Certificate *x509.Certificate
	Key         crypto.PrivateKey
	Chain       []*x509.Certificate
}

func (s *CMSSigner) SignDetached(data []byte) ([]byte, error) {
	if s.Certificate == nil || s.Key == nil {
		return nil, fmt.Errorf("cms: signer not configured")
	}
	sd, err := pkcs7.NewSignedData(data)
	if err != nil {
		return nil, fmt.Errorf("cms: init signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(s.Certificate, s.Key, s.Chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("cms: add signer: %w", err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("cms: finish: %w", err)
	}
	return der, nil
}

// derLength returns the length of the DER element at the start of b,
// header included, so zero padding after it can be dropped.
func derLength(b []byte) (int, bool) {
	if len(b) < 2 {
		return 0, false
	}
	l := int(b[1])
	if l < 0x80 {
		return 2 + l, 2+l <= len(b)
	}
	n := l & 0x7f
	if n == 0 || n > 4 || len(b) < 2+n {
		return 0, false
	}
	l = 0
	for i := 0; i < n; i++ {
		l = l<<8 | int(b[2+i])
	}
	total := 2 + n + l
	return total, total <= len(b)
}
