// Package pdfsig embeds and inspects detached CMS signatures in PDF files.
//
// Signing appends an incremental update holding a signature dictionary
// whose /Contents is a zero-filled hex placeholder. The /ByteRange entry
// names the two spans of the file outside that placeholder; a CMS SignedData
// over those spans is hex-encoded into the placeholder without moving any
// other byte.
package pdfsig

import (
	"errors"
	"time"
)

const (
	// DefaultPlaceholderSize is the number of signature bytes reserved in
	// /Contents. It fits an RSA-4096 chain of three certificates.
	DefaultPlaceholderSize = 16384

	byteRangeWidth = 64
)

var (
	ErrMalformed         = errors.New("malformed pdf")
	ErrSignatureTooLarge = errors.New("signature exceeds reserved placeholder")
	ErrPlaceholder       = errors.New("signature placeholder not found")
)

// ContentSigner produces a DER encoded detached CMS SignedData over data.
type ContentSigner interface {
	SignDetached(data []byte) ([]byte, error)
}

type SignOptions struct {
	Name            string
	Reason          string
	Location        string
	ContactInfo     string
	SigningTime     time.Time
	PlaceholderSize int
}

// Verification is advisory display data; it does not evaluate trust.
type Verification struct {
	HasSignature   bool
	SignerName     string
	SignedAt       time.Time
	ByteRange      [4]int
	CoversDocument bool
	Intact         bool
	Reason         string
}
