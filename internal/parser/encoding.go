package parser

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
)

// lineLength is the RFC 2045 maximum encoded line length, excluding CRLF.
const lineLength = 76

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// charsetReader resolves charsets the standard library does not know about
// (windows-1252, iso-2022-jp, koi8-r, ...).
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

// EncodeBase64 encodes data as base64 with 76-character CRLF-separated lines.
func EncodeBase64(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for i := 0; i < len(encoded); i += lineLength {
		end := min(i+lineLength, len(encoded))
		if i > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString(encoded[i:end])
	}
	return b.String()
}

// DecodeBase64 decodes base64 content, ignoring line breaks and other
// whitespace. Unpadded input is accepted.
func DecodeBase64(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)

	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// EncodeQuotedPrintable encodes data per RFC 2045. Line breaks in the input
// are kept as hard breaks; longer lines are wrapped with "=" soft breaks so
// that no encoded line exceeds 76 columns. Whitespace that would end a line
// is encoded.
func EncodeQuotedPrintable(data []byte) string {
	const maxCol = lineLength - 1 // leave room for the soft break '='

	var b strings.Builder
	col := 0
	for i := 0; i < len(data); {
		tok, n, hard := qpToken(data, i)
		if hard {
			b.WriteString(tok)
			col = 0
			i += n
			continue
		}

		if tok == " " || tok == "\t" {
			next, nextHard := "", true
			if i+n < len(data) {
				next, _, nextHard = qpToken(data, i+n)
			}
			if nextHard || col+len(tok)+len(next) > maxCol {
				tok = fmt.Sprintf("=%02X", tok[0])
			}
		}

		if col+len(tok) > maxCol {
			b.WriteString("=\r\n")
			col = 0
		}
		b.WriteString(tok)
		col += len(tok)
		i += n
	}
	return b.String()
}

// qpToken returns the encoded form of the byte (or CRLF pair) at i, the
// number of input bytes it covers, and whether it is a hard line break.
func qpToken(data []byte, i int) (string, int, bool) {
	c := data[i]
	switch {
	case c == '\r' && i+1 < len(data) && data[i+1] == '\n':
		return "\r\n", 2, true
	case c == '\n':
		return "\n", 1, true
	case c == ' ' || c == '\t':
		return string(c), 1, false
	case c >= 33 && c <= 126 && c != '=':
		return string(c), 1, false
	default:
		return fmt.Sprintf("=%02X", c), 1, false
	}
}

// DecodeQuotedPrintable decodes RFC 2045 quoted-printable data. A '='
// immediately before a line break (optionally after transport padding) is a
// soft break and is removed together with the line break. Malformed escapes
// are passed through literally.
func DecodeQuotedPrintable(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '=' {
			out = append(out, c)
			continue
		}

		j := i + 1
		for j < len(data) && (data[j] == ' ' || data[j] == '\t') {
			j++
		}
		switch {
		case j == len(data):
			i = j
			continue
		case data[j] == '\n':
			i = j
			continue
		case data[j] == '\r' && j+1 < len(data) && data[j+1] == '\n':
			i = j + 1
			continue
		}

		if i+2 < len(data) && isHex(data[i+1]) && isHex(data[i+2]) {
			out = append(out, unhex(data[i+1])<<4|unhex(data[i+2]))
			i += 2
			continue
		}
		out = append(out, '=')
	}
	return out
}

// EncodeHeader encodes a header value as RFC 2047 encoded words when it
// contains non-ASCII text. Mostly non-ASCII values use B encoding.
func EncodeHeader(s string) string {
	nonASCII := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			nonASCII++
		}
	}
	if nonASCII == 0 {
		return s
	}
	if nonASCII*2 > len(s) {
		return mime.BEncoding.Encode("utf-8", s)
	}
	return mime.QEncoding.Encode("utf-8", s)
}

// DecodeHeader decodes every RFC 2047 encoded word in a header value.
// Values that fail to decode are returned unchanged.
func DecodeHeader(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// DecodeCharset converts body bytes in the named charset to UTF-8. Unknown
// charsets and undecodable input are returned as-is.
func DecodeCharset(body []byte, charset string) string {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return string(body)
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(body)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(decoded)
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
