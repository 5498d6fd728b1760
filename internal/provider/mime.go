package provider

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/shineum/mailpipe/internal/email"
	"github.com/shineum/mailpipe/internal/parser"
)

// BuildMIME renders msg as an RFC 5322 message from sender: a
// multipart/mixed container with the bodies (multipart/alternative when
// both exist) followed by the attachments. Bcc is written only when
// withBcc is set, for APIs that take recipients from the headers.
func BuildMIME(sender string, msg *email.Email, withBcc bool) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", sender)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	if withBcc && len(msg.Bcc) > 0 {
		fmt.Fprintf(&buf, "Bcc: %s\r\n", strings.Join(msg.Bcc, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", parser.EncodeHeader(msg.Subject))
	if msg.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", msg.MessageID)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if err := writeBody(writer, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.ContentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		disposition := "attachment"
		if att.Inline {
			disposition = "inline"
		}
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("%s; filename=%s", disposition, mime.QEncoding.Encode("UTF-8", att.Filename)))
		if att.ContentID != "" {
			attHeader.Set("Content-Id", "<"+att.ContentID+">")
		}

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(parser.EncodeBase64(att.Content))); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", att.Filename, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

func writeBody(writer *multipart.Writer, msg *email.Email) error {
	if msg.TextBody == "" && msg.HtmlBody == "" {
		return nil
	}
	if msg.HtmlBody == "" {
		return writeTextPart(writer, "text/plain", msg.TextBody)
	}
	if msg.TextBody == "" {
		return writeTextPart(writer, "text/html", msg.HtmlBody)
	}

	var alt bytes.Buffer
	altWriter := multipart.NewWriter(&alt)
	if err := writeTextPart(altWriter, "text/plain", msg.TextBody); err != nil {
		return err
	}
	if err := writeTextPart(altWriter, "text/html", msg.HtmlBody); err != nil {
		return err
	}
	if err := altWriter.Close(); err != nil {
		return fmt.Errorf("close alternative part: %w", err)
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", altWriter.Boundary()))
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create body part: %w", err)
	}
	_, err = part.Write(alt.Bytes())
	return err
}

func writeTextPart(writer *multipart.Writer, mediaType, body string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", mediaType+"; charset=UTF-8")
	header.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create %s part: %w", mediaType, err)
	}
	_, err = part.Write([]byte(parser.EncodeQuotedPrintable([]byte(body))))
	return err
}
