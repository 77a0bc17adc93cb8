package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// SignatureEventInput is everything a signing act commits to.
type SignatureEventInput struct {
	DocumentHash string
	SignerID     string
	SignerEmail  string
	SignedAt     time.Time
	IPAddress    string
	UserAgent    string
}

// DeriveSignatureCommitment hashes the input's canonical encoding with
// SHA-256 and returns "sha256:<hex>". The encoding writes, in this order,
// document_hash, signer_id, signer_email, signed_at (RFC 3339 with
// nanoseconds, UTC), ip_address and user_agent, each as
//
//	<name>=<byte length>:<value>\n
//
// Length prefixes keep adjacent fields from bleeding into each other.
func DeriveSignatureCommitment(in SignatureEventInput) string {
	fields := [...]struct {
		name  string
		value string
	}{
		{"document_hash", in.DocumentHash},
		{"signer_id", in.SignerID},
		{"signer_email", in.SignerEmail},
		{"signed_at", in.SignedAt.UTC().Format(time.RFC3339Nano)},
		{"ip_address", in.IPAddress},
		{"user_agent", in.UserAgent},
	}

	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f.name))
		h.Write([]byte{'='})
		h.Write([]byte(strconv.Itoa(len(f.value))))
		h.Write([]byte{':'})
		h.Write([]byte(f.value))
		h.Write([]byte{'\n'})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
