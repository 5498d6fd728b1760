// Package parser provides RFC 5322 email message parsing with MIME multipart support.
//
// Parse builds an immutable tree of parts from raw message text. Header values
// are unfolded and RFC 2047-decoded, leaf bodies are decoded according to their
// Content-Transfer-Encoding, and multipart bodies are split on their boundary
// and parsed recursively. A sub-part that cannot be parsed is dropped with a
// warning instead of failing the whole message.
package parser

import (
	"bytes"
	"log/slog"
	"mime"
	"net/textproto"
	"strings"
)

// maxDepth bounds multipart nesting. Deeper parts are treated as malformed.
const maxDepth = 32

// MalformedMimeError reports message structure that cannot be parsed. The
// message must be rejected, retrying it will not help.
type MalformedMimeError struct {
	Reason string
	Err    error
}

func (e *MalformedMimeError) Error() string {
	if e.Err != nil {
		return "malformed MIME: " + e.Reason + ": " + e.Err.Error()
	}
	return "malformed MIME: " + e.Reason
}

func (e *MalformedMimeError) Unwrap() error {
	return e.Err
}

// Header maps canonical header names to their decoded values. Repeated
// headers keep their arrival order.
type Header map[string][]string

// Get returns the first value of the named header, or "".
func (h Header) Get(key string) string {
	v := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns every value of the named header in arrival order.
func (h Header) Values(key string) []string {
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

func (h Header) add(key, value string) {
	key = textproto.CanonicalMIMEHeaderKey(key)
	h[key] = append(h[key], value)
}

// ContentType is a resolved media type with its parameters. Parameter names
// are lower case.
type ContentType struct {
	MediaType string
	Params    map[string]string
}

// Type returns the top-level type, e.g. "text" for "text/plain".
func (c ContentType) Type() string {
	t, _, _ := strings.Cut(c.MediaType, "/")
	return t
}

// Subtype returns the subtype, e.g. "plain" for "text/plain".
func (c ContentType) Subtype() string {
	_, s, _ := strings.Cut(c.MediaType, "/")
	return s
}

// IsMultipart reports whether the media type is multipart/*.
func (c ContentType) IsMultipart() bool {
	return c.Type() == "multipart"
}

// Part is one node of a message body. Exactly one of Body and Parts is set:
// leaves carry a decoded (possibly empty) Body, multipart nodes carry Parts.
type Part struct {
	Header            Header
	ContentType       ContentType
	Disposition       string
	DispositionParams map[string]string
	TransferEncoding  string
	Charset           string
	Filename          string
	ContentID         string

	Body  []byte
	Parts []*Part
}

// IsMultipart reports whether the part has children instead of a body.
func (p *Part) IsMultipart() bool {
	return p.Parts != nil
}

// IsAttachment reports whether the part is a regular attachment: disposition
// "attachment", or a filename without an explicit inline disposition.
func (p *Part) IsAttachment() bool {
	if p.IsMultipart() {
		return false
	}
	return p.Disposition == "attachment" || (p.Filename != "" && p.Disposition != "inline")
}

// IsInline reports whether the part is an inline attachment: disposition
// "inline", or a content id without an attachment disposition. Plain body
// text without a filename or content id is never an inline attachment.
func (p *Part) IsInline() bool {
	if p.IsMultipart() || p.IsAttachment() {
		return false
	}
	if p.Filename == "" && p.ContentID == "" && isBodyType(p.ContentType.MediaType) {
		return false
	}
	return p.Disposition == "inline" || (p.ContentID != "" && p.Disposition != "attachment")
}

// Text returns the body converted from the declared charset to UTF-8.
func (p *Part) Text() string {
	return DecodeCharset(p.Body, p.Charset)
}

// Message is a parsed message: its root part plus the text and HTML bodies
// extracted from the tree.
type Message struct {
	Header Header
	Root   *Part
	Text   string
	HTML   string
}

// Parse parses a raw RFC 5322 message into a part tree. It fails with a
// *MalformedMimeError when the header/body separator is missing or when a
// multipart content type has no boundary.
func Parse(raw []byte) (*Message, error) {
	root, err := parseEntity(raw, 0)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Header: root.Header,
		Root:   root,
	}
	msg.Text, msg.HTML = extractBodies(root)
	return msg, nil
}

// parseEntity parses one header block plus body, recursing into multipart bodies.
func parseEntity(raw []byte, depth int) (*Part, error) {
	if depth > maxDepth {
		return nil, &MalformedMimeError{Reason: "multipart nesting too deep"}
	}

	headerBlock, body, ok := splitHeaderBody(raw)
	if !ok {
		return nil, &MalformedMimeError{Reason: "missing header/body separator"}
	}

	header := parseHeader(headerBlock)
	ct := parseContentType(header.Get("Content-Type"))

	part := &Part{
		Header:           header,
		ContentType:      ct,
		TransferEncoding: strings.ToLower(strings.TrimSpace(header.Get("Content-Transfer-Encoding"))),
		Charset:          strings.ToLower(ct.Params["charset"]),
		ContentID:        strings.Trim(strings.TrimSpace(header.Get("Content-Id")), "<>"),
	}
	part.Disposition, part.DispositionParams = parseDisposition(header.Get("Content-Disposition"))
	part.Filename = extractFilename(part)

	if ct.IsMultipart() {
		boundary := ct.Params["boundary"]
		if boundary == "" {
			return nil, &MalformedMimeError{Reason: "multipart content type missing boundary"}
		}

		sections := splitMultipart(body, boundary)
		part.Parts = make([]*Part, 0, len(sections))
		for i, section := range sections {
			child, err := parseEntity(section, depth+1)
			if err != nil {
				slog.Warn("dropping malformed MIME part",
					"index", i,
					"boundary", boundary,
					"error", err,
				)
				continue
			}
			part.Parts = append(part.Parts, child)
		}
		return part, nil
	}

	decoded, err := decodeBody(body, part.TransferEncoding)
	if err != nil {
		return nil, &MalformedMimeError{Reason: "undecodable " + part.TransferEncoding + " body", Err: err}
	}
	part.Body = decoded
	return part, nil
}

// splitHeaderBody splits at the first empty line. The returned header block
// excludes the separator; ok is false when there is no empty line at all.
func splitHeaderBody(raw []byte) (header, body []byte, ok bool) {
	pos := 0
	for pos < len(raw) {
		nl := bytes.IndexByte(raw[pos:], '\n')
		if nl < 0 {
			return nil, nil, false
		}
		line := raw[pos : pos+nl]
		next := pos + nl + 1
		if len(bytes.TrimRight(line, "\r")) == 0 {
			return raw[:pos], raw[next:], true
		}
		pos = next
	}
	return nil, nil, false
}

// parseHeader unfolds continuation lines and decodes RFC 2047 encoded words
// in every value. Lines that are not "name: value" are ignored.
func parseHeader(block []byte) Header {
	h := make(Header)

	var (
		name  string
		value strings.Builder
		open  bool
	)
	flush := func() {
		if open {
			h.add(name, DecodeHeader(strings.TrimSpace(value.String())))
		}
		open = false
	}

	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if open {
				value.WriteByte(' ')
				value.WriteString(strings.TrimSpace(line))
			}
			continue
		}

		flush()

		i := strings.IndexByte(line, ':')
		if i <= 0 || strings.ContainsAny(line[:i], " \t") {
			slog.Debug("ignoring malformed header line", "line", line)
			continue
		}
		name = line[:i]
		value.Reset()
		value.WriteString(line[i+1:])
		open = true
	}
	flush()

	return h
}

// parseContentType resolves a Content-Type value. An absent value means
// text/plain; an unparseable one falls back to a lenient parameter split.
func parseContentType(value string) ContentType {
	if strings.TrimSpace(value) == "" {
		return ContentType{
			MediaType: "text/plain",
			Params:    map[string]string{"charset": "us-ascii"},
		}
	}

	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		mediaType, params = looseMediaType(value)
	}
	if !strings.Contains(mediaType, "/") {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", value,
		)
		return ContentType{MediaType: "text/plain", Params: params}
	}

	return ContentType{MediaType: mediaType, Params: params}
}

// parseDisposition returns the lower-cased disposition type and its params.
func parseDisposition(value string) (string, map[string]string) {
	if strings.TrimSpace(value) == "" {
		return "", map[string]string{}
	}
	disposition, params, err := mime.ParseMediaType(value)
	if err != nil {
		disposition, params = looseMediaType(value)
	}
	return disposition, params
}

// looseMediaType splits "type; a=b; c="d"" without rejecting characters that
// mime.ParseMediaType refuses, such as '=' in unquoted boundaries.
func looseMediaType(value string) (string, map[string]string) {
	params := make(map[string]string)
	fields := strings.Split(value, ";")
	mediaType := strings.ToLower(strings.TrimSpace(fields[0]))
	for _, field := range fields[1:] {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
			v = v[1 : len(v)-1]
		}
		if k != "" {
			params[k] = v
		}
	}
	return mediaType, params
}

// splitMultipart returns the non-empty sections between "--boundary" lines.
// Text before the first delimiter is discarded and the "--boundary--" line
// ends the body; anything after it is ignored. A body without a closing
// delimiter keeps its last section.
func splitMultipart(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)

	var sections [][]byte
	start := -1
	pos := 0
	for pos <= len(body) {
		end := bytes.IndexByte(body[pos:], '\n')
		var line []byte
		next := len(body)
		if end < 0 {
			line = body[pos:]
		} else {
			line = body[pos : pos+end]
			next = pos + end + 1
		}

		trimmed := bytes.TrimRight(line, " \t\r")
		if bytes.HasPrefix(trimmed, delim) {
			rest := trimmed[len(delim):]
			closing := bytes.Equal(rest, []byte("--"))
			if len(rest) == 0 || closing {
				if start >= 0 {
					sections = appendSection(sections, body[start:pos])
				}
				if closing {
					return sections
				}
				start = next
			}
		}

		if end < 0 {
			break
		}
		pos = next
	}

	if start >= 0 && start < len(body) {
		sections = appendSection(sections, body[start:])
	}
	return sections
}

// appendSection strips the line break that belongs to the following
// delimiter and skips whitespace-only sections.
func appendSection(sections [][]byte, section []byte) [][]byte {
	if bytes.HasSuffix(section, []byte("\r\n")) {
		section = section[:len(section)-2]
	} else if bytes.HasSuffix(section, []byte("\n")) {
		section = section[:len(section)-1]
	}
	if len(bytes.TrimSpace(section)) == 0 {
		return sections
	}
	return append(sections, section)
}

// decodeBody dispatches on the transfer encoding. Encodings other than
// base64 and quoted-printable pass through verbatim.
func decodeBody(body []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "base64":
		return DecodeBase64(string(body))
	case "quoted-printable":
		return DecodeQuotedPrintable(body), nil
	default:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	}
}

// extractFilename reads the filename from Content-Disposition, falling back
// to the Content-Type "name" parameter.
func extractFilename(p *Part) string {
	if fn := p.DispositionParams["filename"]; fn != "" {
		return DecodeHeader(fn)
	}
	if name := p.ContentType.Params["name"]; name != "" {
		return DecodeHeader(name)
	}
	return ""
}

func isBodyType(mediaType string) bool {
	return mediaType == "text/plain" || mediaType == "text/html"
}
