package pdfsig

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Sign returns src with an incremental update carrying a detached CMS
// signature produced by signer.
func Sign(src []byte, opts SignOptions, signer ContentSigner) ([]byte, error) {
	if opts.PlaceholderSize <= 0 {
		opts.PlaceholderSize = DefaultPlaceholderSize
	}
	if opts.SigningTime.IsZero() {
		opts.SigningTime = time.Now()
	}

	out, contentsAt, byteRangeAt, err := prepare(src, opts)
	if err != nil {
		return nil, err
	}

	contentsEnd := contentsAt + 2*opts.PlaceholderSize + 2
	if contentsEnd > len(out) || out[contentsAt] != '<' || out[contentsEnd-1] != '>' {
		return nil, ErrPlaceholder
	}
	byteRange := [4]int{0, contentsAt, contentsEnd, len(out) - contentsEnd}
	rangeText := fmt.Sprintf("%-*s", byteRangeWidth, fmt.Sprintf("[%d %d %d %d]",
		byteRange[0], byteRange[1], byteRange[2], byteRange[3]))
	copy(out[byteRangeAt:byteRangeAt+byteRangeWidth], rangeText)

	signed := make([]byte, 0, byteRange[1]+byteRange[3])
	signed = append(signed, out[:byteRange[1]]...)
	signed = append(signed, out[byteRange[2]:]...)

	der, err := signer.SignDetached(signed)
	if err != nil {
		return nil, err
	}
	if len(der) > opts.PlaceholderSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrSignatureTooLarge, len(der), opts.PlaceholderSize)
	}
	copy(out[contentsAt+1:], strings.ToUpper(hex.EncodeToString(der)))

	return out, nil
}

// prepare appends the unsigned incremental update and reports the offsets
// of the /Contents placeholder ('<') and of the /ByteRange value.
func prepare(src []byte, opts SignOptions) ([]byte, int, int, error) {
	info, err := readTrailer(src)
	if err != nil {
		return nil, 0, 0, err
	}
	catalog, err := findObject(src, info.root)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("catalog: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(src)
	if src[len(src)-1] != '\n' {
		buf.WriteByte('\n')
	}

	next := info.size
	sigRef := ref{num: next}
	widgetRef := ref{num: next + 1}
	next += 2
	offsets := map[ref]int{}

	offsets[sigRef] = buf.Len()
	fmt.Fprintf(&buf, "%d 0 obj\n<< /Type /Sig /Filter /Adobe.PPKLite /SubFilter /adbe.pkcs7.detached /ByteRange ", sigRef.num)
	byteRangeAt := buf.Len()
	fmt.Fprintf(&buf, "%-*s", byteRangeWidth, "[0 0 0 0]")
	buf.WriteString(" /Contents ")
	contentsAt := buf.Len()
	buf.WriteByte('<')
	buf.Write(bytes.Repeat([]byte{'0'}, 2*opts.PlaceholderSize))
	buf.WriteByte('>')
	if opts.Name != "" {
		buf.WriteString(" /Name " + textString(opts.Name))
	}
	if opts.Reason != "" {
		buf.WriteString(" /Reason " + textString(opts.Reason))
	}
	if opts.Location != "" {
		buf.WriteString(" /Location " + textString(opts.Location))
	}
	if opts.ContactInfo != "" {
		buf.WriteString(" /ContactInfo " + textString(opts.ContactInfo))
	}
	buf.WriteString(" /M " + pdfDate(opts.SigningTime))
	buf.WriteString(" >>\nendobj\n")

	widget := dict{
		{"Type", "/Annot"},
		{"Subtype", "/Widget"},
		{"FT", "/Sig"},
		{"Rect", "[0 0 0 0]"},
		{"F", "132"},
		{"T", textString(fmt.Sprintf("Signature%d", sigRef.num))},
		{"V", sigRef.String()},
	}
	if page, ok := firstPage(src, catalog); ok {
		widget = widget.set("P", page.String())
	}
	offsets[widgetRef] = buf.Len()
	fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", widgetRef.num, widget)

	acroForm := dict{}
	acroRef, indirect := catalog.ref("AcroForm")
	if indirect {
		if acroForm, err = findObject(src, acroRef); err != nil {
			return nil, 0, 0, fmt.Errorf("acroform: %w", err)
		}
	} else if v, ok := catalog.get("AcroForm"); ok {
		if acroForm, _, err = parseDict([]byte(v), 0); err != nil {
			return nil, 0, 0, fmt.Errorf("acroform: %w", err)
		}
	}
	acroForm = acroForm.set("Fields", appendRef(acroForm, widgetRef))
	acroForm = acroForm.set("SigFlags", "3")

	if indirect {
		offsets[acroRef] = buf.Len()
		fmt.Fprintf(&buf, "%d %d obj\n%s\nendobj\n", acroRef.num, acroRef.gen, acroForm)
	} else {
		catalog = catalog.set("AcroForm", acroForm.String())
	}
	offsets[info.root] = buf.Len()
	fmt.Fprintf(&buf, "%d %d obj\n%s\nendobj\n", info.root.num, info.root.gen, catalog)

	xrefAt := buf.Len()
	writeXref(&buf, offsets)

	trailer := dict{
		{"Size", fmt.Sprint(next)},
		{"Root", info.root.String()},
		{"Prev", fmt.Sprint(info.xrefOffset)},
	}
	for _, key := range []string{"Info", "ID"} {
		if v, ok := info.trailer.get(key); ok {
			trailer = trailer.set(key, v)
		}
	}
	fmt.Fprintf(&buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", trailer, xrefAt)

	return buf.Bytes(), contentsAt, byteRangeAt, nil
}

var fieldRefPattern = regexp.MustCompile(`\d+\s+\d+\s+R`)

func appendRef(acroForm dict, r ref) string {
	refs := []string{}
	if v, ok := acroForm.get("Fields"); ok {
		refs = fieldRefPattern.FindAllString(v, -1)
	}
	refs = append(refs, r.String())
	return "[" + strings.Join(refs, " ") + "]"
}

// writeXref emits one subsection per run of consecutive object numbers.
func writeXref(buf *bytes.Buffer, offsets map[ref]int) {
	refs := make([]ref, 0, len(offsets))
	for r := range offsets {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].num < refs[j].num })

	buf.WriteString("xref\n0 1\n0000000000 65535 f\r\n")
	for i := 0; i < len(refs); {
		j := i + 1
		for j < len(refs) && refs[j].num == refs[j-1].num+1 {
			j++
		}
		fmt.Fprintf(buf, "%d %d\n", refs[i].num, j-i)
		for _, r := range refs[i:j] {
			fmt.Fprintf(buf, "%010d %05d n\r\n", offsets[r], r.gen)
		}
		i = j
	}
}
