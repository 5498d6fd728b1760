package parser

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/shineum/mailpipe/internal/email"
)

// parseEmail parses raw and converts it with an empty envelope.
func parseEmail(t *testing.T, raw []byte) *email.Email {
	t.Helper()
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return msg.ToEmail(email.Envelope{}, raw)
}

func TestParsePlainTextEmail(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	}, "\r\n"))

	msg := parseEmail(t, raw)

	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "sender@example.com")
	}
	if len(msg.To) != 1 || msg.To[0] != "recipient@example.com" {
		t.Errorf("To: got %v, want [recipient@example.com]", msg.To)
	}
	if msg.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Test Subject")
	}
	if msg.MessageID != "<test123@example.com>" {
		t.Errorf("MessageID: got %q, want %q", msg.MessageID, "<test123@example.com>")
	}
	if msg.TextBody != "Hello, this is a plain text email." {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Hello, this is a plain text email.")
	}
	if msg.HtmlBody != "" {
		t.Errorf("HtmlBody: got %q, want empty", msg.HtmlBody)
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(msg.Attachments))
	}
}

func TestParseMultipartTextAndHTML(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: alice@example.com, bob@example.com",
		"Cc: carol@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := len(msg.Root.Parts); got != 2 {
		t.Fatalf("Root.Parts: got %d, want 2", got)
	}
	if msg.Text != "Plain text body" {
		t.Errorf("Text: got %q, want %q", msg.Text, "Plain text body")
	}
	if msg.HTML != "<html><body><p>HTML body</p></body></html>" {
		t.Errorf("HTML: got %q, want %q", msg.HTML, "<html><body><p>HTML body</p></body></html>")
	}
	if msg.DisplayBody() != msg.HTML {
		t.Errorf("DisplayBody: got %q, want the HTML body", msg.DisplayBody())
	}

	converted := msg.ToEmail(email.Envelope{}, raw)
	if len(converted.To) != 2 || converted.To[0] != "alice@example.com" || converted.To[1] != "bob@example.com" {
		t.Errorf("To: got %v, want [alice@example.com bob@example.com]", converted.To)
	}
	if len(converted.Cc) != 1 || converted.Cc[0] != "carol@example.com" {
		t.Errorf("Cc: got %v, want [carol@example.com]", converted.Cc)
	}
}

func TestParseEmailWithAttachments(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: With Attachment",
		"Content-Type: multipart/mixed; boundary=mixedboundary",
		"",
		"--mixedboundary",
		"Content-Type: text/plain",
		"",
		"Email body text",
		"--mixedboundary",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--mixedboundary--",
	}, "\r\n"))

	msg := parseEmail(t, raw)

	if msg.TextBody != "Email body text" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Email body text")
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}

	att := msg.Attachments[0]
	if att.Filename != "report.pdf" {
		t.Errorf("Attachment Filename: got %q, want %q", att.Filename, "report.pdf")
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("Attachment ContentType: got %q, want %q", att.ContentType, "application/pdf")
	}
	if string(att.Content) != "Hello World" {
		t.Errorf("Attachment Content: got %q, want %q", string(att.Content), "Hello World")
	}
}

func TestParseMalformedMIME(t *testing.T) {
	t.Parallel()

	t.Run("completely invalid message", func(t *testing.T) {
		t.Parallel()
		raw := []byte("not a valid email at all\x00\x01\x02")
		_, err := Parse(raw)
		var mimeErr *MalformedMimeError
		if !errors.As(err, &mimeErr) {
			t.Fatalf("got %v, want *MalformedMimeError", err)
		}
	})

	t.Run("headers without separator", func(t *testing.T) {
		t.Parallel()
		raw := []byte("From: sender@example.com\r\nSubject: no body\r\n")
		_, err := Parse(raw)
		var mimeErr *MalformedMimeError
		if !errors.As(err, &mimeErr) {
			t.Fatalf("got %v, want *MalformedMimeError", err)
		}
	})

	t.Run("missing content type defaults to text/plain", func(t *testing.T) {
		t.Parallel()
		raw := []byte(strings.Join([]string{
			"From: sender@example.com",
			"To: recipient@example.com",
			"Subject: No Content Type",
			"",
			"Body without content type header",
		}, "\r\n"))

		msg, err := Parse(raw)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Root.ContentType.MediaType != "text/plain" {
			t.Errorf("MediaType: got %q, want text/plain", msg.Root.ContentType.MediaType)
		}
		if msg.Text != "Body without content type header" {
			t.Errorf("Text: got %q, want %q", msg.Text, "Body without content type header")
		}
	})

	t.Run("multipart missing boundary", func(t *testing.T) {
		t.Parallel()
		raw := []byte(strings.Join([]string{
			"From: sender@example.com",
			"To: recipient@example.com",
			"Content-Type: multipart/mixed",
			"",
			"some body",
		}, "\r\n"))

		_, err := Parse(raw)
		var mimeErr *MalformedMimeError
		if !errors.As(err, &mimeErr) {
			t.Fatalf("got %v, want *MalformedMimeError", err)
		}
	})
}

func TestParseDropsMalformedSubPart(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: text/plain",
		"",
		"survivor",
		"--outer",
		"Content-Type: multipart/alternative",
		"",
		"nested part without boundary",
		"--outer",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=broken.pdf",
		"Content-Transfer-Encoding: base64",
		"",
		"!!!not base64!!!",
		"--outer",
		"<html>",
		"--outer--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(msg.Root.Parts); got != 1 {
		t.Fatalf("Root.Parts: got %d, want 1", got)
	}
	if msg.Text != "survivor" {
		t.Errorf("Text: got %q, want %q", msg.Text, "survivor")
	}
	if got := len(msg.Attachments()); got != 0 {
		t.Errorf("Attachments: got %d, want 0", got)
	}
}

func TestParseHeaderFoldingAndRepeats(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Received: from a.example.com",
		"\tby b.example.com",
		"Received: from c.example.com",
		"Subject: a long",
		"  folded subject",
		"X-Encoded: =?UTF-8?B?SGVsbG8g8J+Mjg==?=",
		"X-Q: =?iso-8859-1?Q?caf=E9?= au lait",
		"",
		"body",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	received := msg.Header.Values("received")
	want := []string{"from a.example.com by b.example.com", "from c.example.com"}
	if len(received) != len(want) {
		t.Fatalf("Received: got %v, want %v", received, want)
	}
	for i := range want {
		if received[i] != want[i] {
			t.Errorf("Received[%d]: got %q, want %q", i, received[i], want[i])
		}
	}
	if got := msg.Subject(); got != "a long folded subject" {
		t.Errorf("Subject: got %q, want %q", got, "a long folded subject")
	}
	if got := msg.Header.Get("X-Encoded"); got != "Hello 🌎" {
		t.Errorf("X-Encoded: got %q, want %q", got, "Hello 🌎")
	}
	if got := msg.Header.Get("X-Q"); got != "café au lait" {
		t.Errorf("X-Q: got %q, want %q", got, "café au lait")
	}
}

func TestParseQuotedPrintableBody(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"soft=",
		"break and caf=C3=A9",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Text != "softbreak and café" {
		t.Errorf("Text: got %q, want %q", msg.Text, "softbreak and café")
	}
}

func TestParseCharsetConversion(t *testing.T) {
	t.Parallel()

	raw := []byte("Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"Content-Transfer-Encoding: 8bit\r\n" +
		"\r\n" +
		"caf\xe9")

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Text != "café" {
		t.Errorf("Text: got %q, want %q", msg.Text, "café")
	}
	if string(msg.Root.Body) != "caf\xe9" {
		t.Errorf("Body: got %q, want raw bytes preserved", msg.Root.Body)
	}
}

func TestParsePreambleAndEpilogue(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/mixed; boundary=\"----=_Part_0_1\"",
		"",
		"This is a multi-part message in MIME format.",
		"------=_Part_0_1",
		"Content-Type: text/plain",
		"",
		"first",
		"------=_Part_0_1",
		"",
		"second without headers",
		"------=_Part_0_1--",
		"epilogue that must be ignored",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(msg.Root.Parts); got != 2 {
		t.Fatalf("Root.Parts: got %d, want 2", got)
	}
	if got := string(msg.Root.Parts[1].Body); got != "second without headers" {
		t.Errorf("second part: got %q, want %q", got, "second without headers")
	}
	if msg.Text != "first" {
		t.Errorf("Text: got %q, want %q", msg.Text, "first")
	}
}

func TestParseUnquotedBoundaryWithEquals(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/alternative; boundary=----=_NextPart_000",
		"",
		"------=_NextPart_000",
		"Content-Type: text/plain",
		"",
		"text",
		"------=_NextPart_000",
		"Content-Type: text/html",
		"",
		"<b>html</b>",
		"------=_NextPart_000--",
	}, "\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Text != "text" || msg.HTML != "<b>html</b>" {
		t.Errorf("got text=%q html=%q, want text=%q html=%q", msg.Text, msg.HTML, "text", "<b>html</b>")
	}
}

func TestParseBodyInvariant(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/mixed; boundary=b",
		"",
		"--b",
		"Content-Type: text/plain",
		"",
		"",
		"--b--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var check func(p *Part)
	check = func(p *Part) {
		if (p.Body == nil) == (p.Parts == nil) {
			t.Errorf("part %q: exactly one of Body and Parts must be set", p.ContentType.MediaType)
		}
		for _, c := range p.Parts {
			check(c)
		}
	}
	check(msg.Root)
}

func TestParseFirstSeenBodiesAreKept(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/related; boundary=rel",
		"",
		"--rel",
		"Content-Type: multipart/alternative; boundary=alt",
		"",
		"--alt",
		"Content-Type: text/plain",
		"",
		"first text",
		"--alt",
		"Content-Type: text/html",
		"",
		"<img src=\"cid:logo@example.com\">",
		"--alt--",
		"--rel",
		"Content-Type: text/plain",
		"",
		"second text",
		"--rel",
		"Content-Type: image/png",
		"Content-Id: <logo@example.com>",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0KGgo=",
		"--rel--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Text != "first text" {
		t.Errorf("Text: got %q, want %q", msg.Text, "first text")
	}
	if msg.HTML != "<img src=\"cid:logo@example.com\">" {
		t.Errorf("HTML: got %q", msg.HTML)
	}

	inline := msg.InlineAttachments()
	if len(inline) != 1 {
		t.Fatalf("InlineAttachments: got %d, want 1", len(inline))
	}
	if inline[0].ContentID != "logo@example.com" {
		t.Errorf("ContentID: got %q, want %q", inline[0].ContentID, "logo@example.com")
	}
	if len(msg.Attachments()) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(msg.Attachments()))
	}
}

func TestAttachmentClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		part       Part
		wantAttach bool
		wantInline bool
	}{
		{"attachment disposition", Part{Disposition: "attachment", Body: []byte{}}, true, false},
		{"filename without disposition", Part{Filename: "a.txt", Body: []byte{}}, true, false},
		{"filename with inline disposition", Part{Filename: "a.png", Disposition: "inline", Body: []byte{}}, false, true},
		{"content id only", Part{ContentID: "x@y", ContentType: ContentType{MediaType: "image/png"}, Body: []byte{}}, false, true},
		{"content id with attachment disposition", Part{ContentID: "x@y", Disposition: "attachment", Body: []byte{}}, true, false},
		{"inline body text", Part{Disposition: "inline", ContentType: ContentType{MediaType: "text/plain"}, Body: []byte{}}, false, false},
		{"plain body", Part{ContentType: ContentType{MediaType: "text/plain"}, Body: []byte{}}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.part.IsAttachment(); got != tt.wantAttach {
				t.Errorf("IsAttachment: got %v, want %v", got, tt.wantAttach)
			}
			if got := tt.part.IsInline(); got != tt.wantInline {
				t.Errorf("IsInline: got %v, want %v", got, tt.wantInline)
			}
		})
	}
}

func TestToEmailEnvelopeFallback(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: alice@example.com",
		"Subject: Envelope",
		"",
		"Body",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	converted := msg.ToEmail(email.Envelope{
		From: "bounce@example.com",
		To:   []string{"ALICE@example.com", "hidden@example.com"},
	}, raw)

	if converted.From != "sender@example.com" {
		t.Errorf("From: got %q, want header value", converted.From)
	}
	if len(converted.Bcc) != 1 || converted.Bcc[0] != "hidden@example.com" {
		t.Errorf("Bcc: got %v, want [hidden@example.com]", converted.Bcc)
	}
	if string(converted.Raw) != string(raw) {
		t.Error("Raw: want the original message bytes")
	}

	noHeaders, err := Parse([]byte("\r\nbody only"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fallback := noHeaders.ToEmail(email.Envelope{From: "a@example.com", To: []string{"b@example.com"}}, nil)
	if fallback.From != "a@example.com" {
		t.Errorf("From: got %q, want envelope sender", fallback.From)
	}
	if len(fallback.To) != 1 || fallback.To[0] != "b@example.com" {
		t.Errorf("To: got %v, want envelope recipients", fallback.To)
	}
}

func TestParseRawHeaders(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"X-Custom-Header: custom-value",
		"Subject: Headers Test",
		"Content-Type: text/plain",
		"",
		"Body",
	}, "\r\n"))

	msg := parseEmail(t, raw)

	if msg.RawHeaders == nil {
		t.Fatal("RawHeaders is nil")
	}
	if vals, ok := msg.RawHeaders["X-Custom-Header"]; !ok || len(vals) == 0 || vals[0] != "custom-value" {
		t.Errorf("X-Custom-Header: got %v, want [custom-value]", vals)
	}
}

func TestParseBase64AttachmentWithCRLF(t *testing.T) {
	t.Parallel()

	raw := []byte("From: sender@example.com\r\n" +
		"To: recipient@example.com\r\n" +
		"Subject: CRLF Base64\r\n" +
		"Content-Type: multipart/mixed; boundary=bound\r\n" +
		"\r\n" +
		"--bound\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body\r\n" +
		"--bound\r\n" +
		"Content-Type: application/pdf; name=\"file.pdf\"\r\n" +
		"Content-Disposition: attachment; filename=\"file.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"SGVs\r\n" +
		"bG8g\r\n" +
		"V29y\r\n" +
		"bGQ=\r\n" +
		"--bound--\r\n")

	msg := parseEmail(t, raw)

	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}

	att := msg.Attachments[0]
	if att.Filename != "file.pdf" {
		t.Errorf("Filename: got %q, want %q", att.Filename, "file.pdf")
	}
	if string(att.Content) != "Hello World" {
		t.Errorf("Content: got %q, want %q", string(att.Content), "Hello World")
	}
}

func TestParseAttachmentWithoutFilename(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: No Filename",
		"Content-Type: multipart/mixed; boundary=bound",
		"",
		"--bound",
		"Content-Type: text/plain",
		"",
		"body",
		"--bound",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--bound--",
	}, "\r\n"))

	msg := parseEmail(t, raw)

	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}

	att := msg.Attachments[0]
	if att.Filename != "attachment.pdf" {
		t.Errorf("Filename: got %q, want %q", att.Filename, "attachment.pdf")
	}
	if string(att.Content) != "Hello World" {
		t.Errorf("Content: got %q, want %q", string(att.Content), "Hello World")
	}
}

func TestParseNestedMultipart(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Nested Multipart",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"Plain text part",
		"--inner",
		"Content-Type: text/html",
		"",
		"<p>HTML part</p>",
		"--inner--",
		"--outer",
		"Content-Type: application/octet-stream; name=\"data.bin\"",
		"Content-Disposition: attachment; filename=\"data.bin\"",
		"",
		"binarydata",
		"--outer--",
	}, "\r\n"))

	msg := parseEmail(t, raw)

	if msg.TextBody != "Plain text part" {
		t.Errorf("TextBody: got %q, want %q", msg.TextBody, "Plain text part")
	}
	if msg.HtmlBody != "<p>HTML part</p>" {
		t.Errorf("HtmlBody: got %q, want %q", msg.HtmlBody, "<p>HTML part</p>")
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "data.bin" {
		t.Errorf("Attachment Filename: got %q, want %q", msg.Attachments[0].Filename, "data.bin")
	}
}

func TestParseNestingLimit(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	depth := maxDepth + 5
	for i := 0; i < depth; i++ {
		b.WriteString("Content-Type: multipart/mixed; boundary=b" + strconv.Itoa(i) + "\r\n\r\n--b" + strconv.Itoa(i) + "\r\n")
	}
	b.WriteString("Content-Type: text/plain\r\n\r\ndeep\r\n")

	msg, err := Parse([]byte(b.String()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Text != "" {
		t.Errorf("Text: got %q, want the over-deep part dropped", msg.Text)
	}
}
