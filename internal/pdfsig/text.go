package pdfsig

import (
	"bytes"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf16"
)

// textString encodes s as a PDF text string: a literal for printable ASCII,
// UTF-16BE hex with a byte order mark otherwise.
func textString(s string) string {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			ascii = false
			break
		}
	}
	if ascii {
		r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
		return "(" + r.Replace(s) + ")"
	}

	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2, 2+2*len(units))
	buf[0], buf[1] = 0xfe, 0xff
	for _, u := range units {
		buf = append(buf, byte(u>>8), byte(u))
	}
	return "<" + strings.ToUpper(hex.EncodeToString(buf)) + ">"
}

// decodeTextString reverses textString for the forms this package reads:
// literal strings with backslash escapes and hex strings.
func decodeTextString(v string) string {
	v = strings.TrimSpace(v)
	var raw []byte
	switch {
	case strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")"):
		raw = unescapeLiteral(v[1 : len(v)-1])
	case strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">"):
		h := strings.Map(func(r rune) rune {
			if isWhitespace(byte(r)) {
				return -1
			}
			return r
		}, v[1:len(v)-1])
		if len(h)%2 == 1 {
			h += "0"
		}
		decoded, err := hex.DecodeString(h)
		if err != nil {
			return ""
		}
		raw = decoded
	default:
		return v
	}

	if len(raw) >= 2 && raw[0] == 0xfe && raw[1] == 0xff {
		units := make([]uint16, 0, (len(raw)-2)/2)
		for i := 2; i+1 < len(raw); i += 2 {
			units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
		}
		return string(utf16.Decode(units))
	}
	return string(raw)
}

func unescapeLiteral(s string) []byte {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			buf.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			buf.WriteByte('\n')
		case 'r':
			buf.WriteByte('\r')
		case 't':
			buf.WriteByte('\t')
		case 'b':
			buf.WriteByte('\b')
		case 'f':
			buf.WriteByte('\f')
		case '\r', '\n':
			// line continuation
		default:
			if s[i] >= '0' && s[i] <= '7' {
				n := 0
				j := i
				for ; j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7'; j++ {
					n = n*8 + int(s[j]-'0')
				}
				buf.WriteByte(byte(n))
				i = j - 1
				continue
			}
			buf.WriteByte(s[i])
		}
	}
	return buf.Bytes()
}

// pdfDate formats t as a PDF date string in UTC.
func pdfDate(t time.Time) string {
	return "(D:" + t.UTC().Format("20060102150405") + "+00'00')"
}

// parsePDFDate accepts "D:YYYYMMDDHHmmSS" with an optional offset.
func parsePDFDate(v string) (time.Time, bool) {
	s := decodeTextString(v)
	s = strings.TrimPrefix(s, "D:")
	if len(s) < 14 {
		return time.Time{}, false
	}
	t, err := time.Parse("20060102150405", s[:14])
	if err != nil {
		return time.Time{}, false
	}

	rest := strings.ReplaceAll(s[14:], "'", "")
	if len(rest) >= 5 && (rest[0] == '+' || rest[0] == '-') {
		if off, err := time.Parse("-0700", rest[:5]); err == nil {
			_, secs := off.Zone()
			t = t.Add(-time.Duration(secs) * time.Second)
		}
	}
	return t.UTC(), true
}
