package pdfsig

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
)

type ref struct {
	num int
	gen int
}

func (r ref) String() string { return fmt.Sprintf("%d %d R", r.num, r.gen) }

type entry struct {
	key   string
	value string
}

// dict is the ordered top-level entry list of a PDF dictionary.
type dict []entry

func (d dict) get(key string) (string, bool) {
	for _, e := range d {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

func (d dict) set(key, value string) dict {
	for i, e := range d {
		if e.key == key {
			d[i].value = value
			return d
		}
	}
	return append(d, entry{key: key, value: value})
}

func (d dict) String() string {
	var buf bytes.Buffer
	buf.WriteString("<<")
	for _, e := range d {
		buf.WriteString(" /")
		buf.WriteString(e.key)
		buf.WriteByte(' ')
		buf.WriteString(e.value)
	}
	buf.WriteString(" >>")
	return buf.String()
}

func (d dict) ref(key string) (ref, bool) {
	v, ok := d.get(key)
	if !ok {
		return ref{}, false
	}
	return parseRef(v)
}

var refPattern = regexp.MustCompile(`^\s*(\d+)\s+(\d+)\s+R\s*$`)

func parseRef(v string) (ref, bool) {
	m := refPattern.FindStringSubmatch(v)
	if m == nil {
		return ref{}, false
	}
	num, _ := strconv.Atoi(m[1])
	gen, _ := strconv.Atoi(m[2])
	return ref{num: num, gen: gen}, true
}

func isWhitespace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func skipSpace(b []byte, i int) int {
	for i < len(b) {
		switch {
		case isWhitespace(b[i]):
			i++
		case b[i] == '%':
			for i < len(b) && b[i] != '\n' && b[i] != '\r' {
				i++
			}
		default:
			return i
		}
	}
	return i
}

// literalEnd returns the index after the ')' closing the string at b[i].
func literalEnd(b []byte, i int) (int, error) {
	depth := 0
	for ; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i + 1, nil
			}
		}
	}
	return 0, ErrMalformed
}

// valueEnd returns the index after the object starting at b[i].
func valueEnd(b []byte, i int) (int, error) {
	i = skipSpace(b, i)
	if i >= len(b) {
		return 0, ErrMalformed
	}
	switch {
	case b[i] == '<' && i+1 < len(b) && b[i+1] == '<':
		return containerEnd(b, i, "<<", ">>")
	case b[i] == '[':
		return containerEnd(b, i, "[", "]")
	case b[i] == '(':
		return literalEnd(b, i)
	case b[i] == '<':
		end := bytes.IndexByte(b[i:], '>')
		if end < 0 {
			return 0, ErrMalformed
		}
		return i + end + 1, nil
	case b[i] == '/':
		j := i + 1
		for j < len(b) && !isWhitespace(b[j]) && !isDelimiter(b[j]) {
			j++
		}
		return j, nil
	}

	j := i
	for j < len(b) && !isWhitespace(b[j]) && !isDelimiter(b[j]) {
		j++
	}
	if j == i {
		return 0, ErrMalformed
	}
	if m := refTail.FindIndex(b[j:]); m != nil {
		return j + m[1], nil
	}
	return j, nil
}

var refTail = regexp.MustCompile(`^\s+\d+\s+R\b`)

// containerEnd handles nested dictionaries and arrays, skipping strings.
func containerEnd(b []byte, i int, open, close string) (int, error) {
	depth := 0
	for i < len(b) {
		switch {
		case bytes.HasPrefix(b[i:], []byte(open)):
			depth++
			i += len(open)
		case bytes.HasPrefix(b[i:], []byte(close)):
			depth--
			i += len(close)
			if depth == 0 {
				return i, nil
			}
		case b[i] == '(':
			end, err := literalEnd(b, i)
			if err != nil {
				return 0, err
			}
			i = end
		case b[i] == '<' && open == "[" && !(i+1 < len(b) && b[i+1] == '<'):
			end := bytes.IndexByte(b[i:], '>')
			if end < 0 {
				return 0, ErrMalformed
			}
			i += end + 1
		case b[i] == '<' && open == "<<" && !(i+1 < len(b) && b[i+1] == '<'):
			end := bytes.IndexByte(b[i:], '>')
			if end < 0 {
				return 0, ErrMalformed
			}
			i += end + 1
		case b[i] == '%':
			i = skipSpace(b, i)
		default:
			i++
		}
	}
	return 0, ErrMalformed
}

// parseDict reads the dictionary starting at b[i] ("<<").
func parseDict(b []byte, i int) (dict, int, error) {
	i = skipSpace(b, i)
	if !bytes.HasPrefix(b[i:], []byte("<<")) {
		return nil, 0, ErrMalformed
	}
	end, err := containerEnd(b, i, "<<", ">>")
	if err != nil {
		return nil, 0, err
	}

	var d dict
	p := i + 2
	for {
		p = skipSpace(b, p)
		if p >= end-2 {
			break
		}
		if b[p] != '/' {
			return nil, 0, ErrMalformed
		}
		k := p + 1
		for k < len(b) && !isWhitespace(b[k]) && !isDelimiter(b[k]) {
			k++
		}
		key := string(b[p+1 : k])
		vs := skipSpace(b, k)
		ve, err := valueEnd(b, vs)
		if err != nil || ve > end-2 {
			return nil, 0, ErrMalformed
		}
		d = append(d, entry{key: key, value: string(b[vs:ve])})
		p = ve
	}
	return d, end, nil
}

// findObject locates the last definition of obj and returns its dictionary.
func findObject(b []byte, r ref) (dict, error) {
	pattern := regexp.MustCompile(fmt.Sprintf(`(?:^|[^0-9])%d\s+%d\s+obj\b`, r.num, r.gen))
	locs := pattern.FindAllIndex(b, -1)
	if len(locs) == 0 {
		return nil, fmt.Errorf("%w: object %d %d not found", ErrMalformed, r.num, r.gen)
	}
	start := locs[len(locs)-1][1]
	d, _, err := parseDict(b, start)
	if err != nil {
		return nil, fmt.Errorf("object %d %d: %w", r.num, r.gen, err)
	}
	return d, nil
}

var startxrefPattern = regexp.MustCompile(`startxref\s+(\d+)\s+%%EOF`)

// trailerInfo describes the revision an incremental update appends to.
type trailerInfo struct {
	xrefOffset int
	size       int
	root       ref
	trailer    dict
}

func readTrailer(b []byte) (*trailerInfo, error) {
	if !bytes.HasPrefix(b, []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing header", ErrMalformed)
	}
	locs := startxrefPattern.FindAllSubmatchIndex(b, -1)
	if len(locs) == 0 {
		return nil, fmt.Errorf("%w: missing startxref", ErrMalformed)
	}
	last := locs[len(locs)-1]
	offset, err := strconv.Atoi(string(b[last[2]:last[3]]))
	if err != nil || offset <= 0 || offset >= len(b) {
		return nil, fmt.Errorf("%w: bad startxref", ErrMalformed)
	}

	var trailer dict
	if bytes.HasPrefix(b[offset:], []byte("xref")) {
		t := bytes.Index(b[offset:], []byte("trailer"))
		if t < 0 {
			return nil, fmt.Errorf("%w: missing trailer", ErrMalformed)
		}
		trailer, _, err = parseDict(b, offset+t+len("trailer"))
	} else {
		// cross-reference stream: the stream dictionary doubles as trailer
		m := regexp.MustCompile(`^\d+\s+\d+\s+obj\b`).FindIndex(b[offset:])
		if m == nil {
			return nil, fmt.Errorf("%w: bad xref location", ErrMalformed)
		}
		trailer, _, err = parseDict(b, offset+m[1])
	}
	if err != nil {
		return nil, fmt.Errorf("trailer: %w", err)
	}

	root, ok := trailer.ref("Root")
	if !ok {
		return nil, fmt.Errorf("%w: trailer without /Root", ErrMalformed)
	}
	sizeValue, _ := trailer.get("Size")
	size, err := strconv.Atoi(sizeValue)
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("%w: trailer without /Size", ErrMalformed)
	}

	return &trailerInfo{xrefOffset: offset, size: size, root: root, trailer: trailer}, nil
}

// firstPage follows /Pages down the /Kids chain. Depth is bounded to stop
// cycles in hostile input.
func firstPage(b []byte, catalog dict) (ref, bool) {
	r, ok := catalog.ref("Pages")
	for depth := 0; ok && depth < 32; depth++ {
		node, err := findObject(b, r)
		if err != nil {
			return ref{}, false
		}
		if t, _ := node.get("Type"); t == "/Page" {
			return r, true
		}
		kids, found := node.get("Kids")
		if !found {
			return ref{}, false
		}
		m := regexp.MustCompile(`(\d+)\s+(\d+)\s+R`).FindStringSubmatch(kids)
		if m == nil {
			return ref{}, false
		}
		num, _ := strconv.Atoi(m[1])
		gen, _ := strconv.Atoi(m[2])
		r = ref{num: num, gen: gen}
	}
	return ref{}, false
}
