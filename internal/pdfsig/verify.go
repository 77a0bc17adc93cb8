package pdfsig

import (
	"bytes"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"go.mozilla.org/pkcs7"
)

var (
	byteRangeKey = []byte("/ByteRange")
	objHeader    = regexp.MustCompile(`\d+\s+\d+\s+obj\b`)
	intPattern   = regexp.MustCompile(`-?\d+`)
)

// Verify reports whether data carries a signature dictionary and, if so,
// who signed it and whether the signed ranges still match the CMS digest.
// Only the last signature in the file is inspected.
func Verify(data []byte) (*Verification, error) {
	at := bytes.LastIndex(data, byteRangeKey)
	if at < 0 {
		return &Verification{}, nil
	}

	sig, err := enclosingDict(data, at)
	if err != nil {
		return nil, err
	}
	v := &Verification{HasSignature: true}

	if name, ok := sig.get("Name"); ok {
		v.SignerName = decodeTextString(name)
	}
	if reason, ok := sig.get("Reason"); ok {
		v.Reason = decodeTextString(reason)
	}
	if m, ok := sig.get("M"); ok {
		if t, ok := parsePDFDate(m); ok {
			v.SignedAt = t
		}
	}

	rangeValue, _ := sig.get("ByteRange")
	nums := intPattern.FindAllString(rangeValue, -1)
	if len(nums) != 4 {
		return v, nil
	}
	for i, n := range nums {
		v.ByteRange[i], _ = strconv.Atoi(n)
	}
	if !rangesWithin(v.ByteRange, len(data)) {
		return v, nil
	}
	br := v.ByteRange
	v.CoversDocument = br[0] == 0 && br[2]+br[3] == len(data)

	contents, _ := sig.get("Contents")
	der, err := hex.DecodeString(strings.Trim(strings.TrimSpace(contents), "<>"))
	if err != nil {
		return v, nil
	}
	n, ok := derLength(der)
	if !ok {
		return v, nil
	}

	p7, err := pkcs7.Parse(der[:n])
	if err != nil {
		return v, nil
	}
	if v.SignerName == "" {
		if cert := p7.GetOnlySigner(); cert != nil {
			v.SignerName = cert.Subject.CommonName
		}
	}

	signed := make([]byte, 0, br[1]-br[0]+br[3])
	signed = append(signed, data[br[0]:br[1]]...)
	signed = append(signed, data[br[2]:br[2]+br[3]]...)
	p7.Content = signed
	v.Intact = p7.Verify() == nil

	return v, nil
}

// rangesWithin reports whether both signed ranges lie inside a file of size
// bytes. It avoids summing offsets so forged values cannot overflow.
func rangesWithin(br [4]int, size int) bool {
	switch {
	case br[0] < 0 || br[1] < br[0] || br[1] > size:
		return false
	case br[2] < br[1] || br[2] > size:
		return false
	case br[3] < 0 || br[3] > size-br[2]:
		return false
	}
	return true
}

// enclosingDict parses the dictionary of the indirect object containing
// offset at.
func enclosingDict(data []byte, at int) (dict, error) {
	headers := objHeader.FindAllIndex(data[:at], -1)
	if len(headers) == 0 {
		return nil, ErrMalformed
	}
	d, end, err := parseDict(data, headers[len(headers)-1][1])
	if err != nil {
		return nil, err
	}
	if end < at {
		return nil, ErrMalformed
	}
	return d, nil
}
